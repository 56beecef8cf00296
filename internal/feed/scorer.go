package feed

import (
	"math"

	"autotrader/internal/indicator"
	"autotrader/internal/signal"
)

// Score 为一个标的的方向打分结果。
type Score struct {
	Direction  signal.Direction
	Confidence float64 // 0-100
}

// scoreIndicators 依据多指标共振为标的打分。
// MACD 柱方向、EMA 快慢线关系、RSI 区间、布林带位置各占一票，
// 同向票越多信心度越高；票数打平视为无信号。
func scoreIndicators(res indicator.Result) (Score, bool) {
	if math.IsNaN(res.Close) || math.IsNaN(res.RSI) {
		return Score{}, false
	}

	bullish, bearish := 0, 0

	if !math.IsNaN(res.MACD.Histogram) {
		if res.MACD.Histogram > 0 {
			bullish++
		} else if res.MACD.Histogram < 0 {
			bearish++
		}
	}

	if !math.IsNaN(res.EMA12) && !math.IsNaN(res.EMA26) {
		if res.EMA12 > res.EMA26 {
			bullish++
		} else if res.EMA12 < res.EMA26 {
			bearish++
		}
	}

	switch {
	case res.RSI <= 30:
		// 超卖，反弹倾向。
		bullish++
	case res.RSI >= 70:
		bearish++
	}

	switch {
	case res.Bollinger.Position <= 0.05:
		bullish++
	case res.Bollinger.Position >= 0.95:
		bearish++
	}

	if bullish == bearish {
		return Score{}, false
	}

	direction := signal.DirectionBuy
	votes := bullish
	against := bearish
	if bearish > bullish {
		direction = signal.DirectionSell
		votes = bearish
		against = bullish
	}

	// 基准 60 分，每张净赞成票加 10 分，柱体加速再加 5 分。
	confidence := 60.0 + 10.0*float64(votes-against)
	if !math.IsNaN(res.MACD.Histogram) && !math.IsNaN(res.MACD.PrevHistogram) {
		accel := res.MACD.Histogram - res.MACD.PrevHistogram
		if (direction == signal.DirectionBuy && accel > 0) ||
			(direction == signal.DirectionSell && accel < 0) {
			confidence += 5
		}
	}
	confidence = math.Min(confidence, 100)

	return Score{Direction: direction, Confidence: confidence}, true
}
