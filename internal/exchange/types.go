package exchange

import "time"

// Timeframe1m 为行情信号源的采样周期。
const Timeframe1m = "1m"

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// MarketSnapshot 聚合多个标的的K线数据。
type MarketSnapshot struct {
	Candles     map[string][]Candle
	RetrievedAt time.Time
}
