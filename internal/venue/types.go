package venue

import "context"

// Mode 表示账户模式。
type Mode string

const (
	ModeDemo Mode = "demo"
	ModeReal Mode = "real"
)

// State 表示会话状态。
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateDegraded   State = "degraded"
	StateClosed     State = "closed"
)

// OrderRequest 描述一笔下单请求。
type OrderRequest struct {
	Asset     string  `json:"asset"`
	Amount    float64 `json:"amount"`
	Direction string  `json:"direction"` // call | put
	Duration  int     `json:"duration"`  // 秒
}

// Ack 为场所对下单的确认回执。
type Ack struct {
	TradeID string  `json:"trade_id"`
	Balance float64 `json:"balance"`
}

// ResultKind 为场所回报的终态结果。
type ResultKind string

const (
	ResultPending ResultKind = "pending"
	ResultWin     ResultKind = "win"
	ResultLoss    ResultKind = "loss"
	ResultVoid    ResultKind = "void"
)

// TradeResult 为一笔已确认订单的结算结果。
type TradeResult struct {
	TradeID string     `json:"trade_id"`
	Result  ResultKind `json:"result"`
	Profit  float64    `json:"profit"`
}

// Session 为单个用户在场所侧的已认证连接。
// 同一会话上的下单不允许并发，由调用方（注册中心的执行锁）保证。
type Session interface {
	UserID() int64
	Mode() Mode
	State() State
	Balance() float64
	PlaceOrder(ctx context.Context, req OrderRequest) (Ack, error)
	PollResult(ctx context.Context, tradeID string) (TradeResult, error)
	Close() error
}

// Factory 负责打开认证会话。注册中心只通过该接口接触场所实现。
type Factory interface {
	Open(ctx context.Context, userID int64, ssid string, mode Mode) (Session, error)
}
