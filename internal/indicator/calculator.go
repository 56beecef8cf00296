package indicator

import (
	"fmt"
	"math"
	"sync"

	talib "github.com/markcheno/go-talib"

	"autotrader/internal/exchange"
)

// MACDResult 保存 MACD 关键值。
type MACDResult struct {
	Value         float64
	Signal        float64
	Histogram     float64
	PrevHistogram float64
}

// BollingerResult 保存布林带数据。
type BollingerResult struct {
	Upper     float64
	Middle    float64
	Lower     float64
	Bandwidth float64
	Position  float64
}

// Result 为一次指标计算的汇总。
type Result struct {
	Symbol        string
	EMA12         float64
	EMA26         float64
	MACD          MACDResult
	Bollinger     BollingerResult
	RSI           float64
	Close         float64
	PreviousClose float64
}

type cacheEntry struct {
	key    string
	result Result
}

// Calculator 提供技术指标计算并带有简单缓存。
type Calculator struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCalculator 创建 Calculator。
func NewCalculator() *Calculator {
	return &Calculator{
		cache: make(map[string]cacheEntry),
	}
}

// Compute 依据给定K线计算常用技术指标。同一标的在最新K线未更新时直接命中缓存。
func (c *Calculator) Compute(symbol string, candles []exchange.Candle) (Result, error) {
	if len(candles) == 0 {
		return Result{}, fmt.Errorf("计算指标失败: 输入K线为空")
	}

	series := NewSeries(candles)
	cacheKey := fmt.Sprintf("%s:%d:%d", symbol, series.Len(), series.Timestamps[len(series.Timestamps)-1].Unix())

	c.mu.Lock()
	if entry, ok := c.cache[symbol]; ok && entry.key == cacheKey {
		c.mu.Unlock()
		return entry.result, nil
	}
	c.mu.Unlock()

	result, err := c.calculate(symbol, series)
	if err != nil {
		return Result{}, err
	}

	c.mu.Lock()
	c.cache[symbol] = cacheEntry{key: cacheKey, result: result}
	c.mu.Unlock()

	return result, nil
}

func (c *Calculator) calculate(symbol string, series Series) (Result, error) {
	if series.Len() < 35 {
		return Result{}, fmt.Errorf("计算指标失败: K线数量不足（%d < 35）", series.Len())
	}

	closePrices := series.Close

	ema12 := talib.Ema(closePrices, 12)
	ema26 := talib.Ema(closePrices, 26)

	macd, macdSignal, macdHist := talib.Macd(closePrices, 12, 26, 9)

	bbUpper, bbMiddle, bbLower := talib.BBands(closePrices, 20, 2, 2, talib.EMA)

	rsi := talib.Rsi(closePrices, 14)

	result := Result{
		Symbol:        symbol,
		EMA12:         Last(ema12),
		EMA26:         Last(ema26),
		MACD:          buildMACD(macd, macdSignal, macdHist),
		Bollinger:     buildBollinger(closePrices, bbUpper, bbMiddle, bbLower),
		RSI:           Last(rsi),
		Close:         Last(closePrices),
		PreviousClose: Prev(closePrices),
	}

	return result, nil
}

func buildMACD(macd, signal, hist []float64) MACDResult {
	return MACDResult{
		Value:         Last(macd),
		Signal:        Last(signal),
		Histogram:     Last(hist),
		PrevHistogram: Prev(hist),
	}
}

func buildBollinger(close, upper, middle, lower []float64) BollingerResult {
	u := Last(upper)
	m := Last(middle)
	l := Last(lower)
	histWidth := u - l
	bandwidth := SafeDivide(histWidth, m)

	position := 0.0
	if histWidth > 0 {
		position = SafeDivide(Last(close)-l, histWidth)
	}

	// 将位置限制在[0,1]区间，便于后续使用。
	position = math.Max(0, math.Min(1, position))

	return BollingerResult{
		Upper:     u,
		Middle:    m,
		Lower:     l,
		Bandwidth: bandwidth,
		Position:  position,
	}
}
