package risk

// DailyStatus 表示某用户当日风控状态。
type DailyStatus struct {
	UserID         int64
	TradingDate    string
	StartBalance   float64
	CurrentBalance float64
	LossPercent    float64
	Halted         bool
}

// Verdict 为一次风控检查的结论。
type Verdict struct {
	Allowed bool
	Reason  string
}
