package signal

import (
	"fmt"
	"strings"
	"time"
)

// Direction 表示信号建议的交易方向。
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// ParseDirection 解析外部来源的方向字段（兼容 call/put 写法）。
func ParseDirection(value string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "buy", "call", "long":
		return DirectionBuy, nil
	case "sell", "put", "short":
		return DirectionSell, nil
	default:
		return "", fmt.Errorf("signal: 无法识别的方向 %q", value)
	}
}

// Source 标记信号的产生来源。
type Source string

const (
	SourceChatFeed   Source = "chat_feed"
	SourceMarketFeed Source = "market_feed"
	SourceManual     Source = "manual"
)

// Status 表示信号的处理状态，状态只能单向推进。
type Status string

const (
	StatusNew      Status = "new"
	StatusAdmitted Status = "admitted"
	StatusRejected Status = "rejected"
	StatusExecuted Status = "executed"
	StatusExpired  Status = "expired"
)

// CanTransition 校验状态迁移是否合法：
// new -> admitted/rejected/expired, admitted -> executed/rejected。
// executed、rejected、expired 为终态。
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusNew:
		return next == StatusAdmitted || next == StatusRejected || next == StatusExpired
	case StatusAdmitted:
		return next == StatusExecuted || next == StatusRejected
	default:
		return false
	}
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusRejected || s == StatusExpired
}

// Signal 表示一条候选交易指令。ID 由存储层分配。
type Signal struct {
	ID         int64
	UserID     int64
	Asset      string
	Direction  Direction
	Confidence float64 // 0-100
	Source     Source
	CreatedAt  time.Time
	Status     Status
}

// Age 返回信号从产生到 now 的时长。
func (s Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}
