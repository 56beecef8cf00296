package monitor

import (
	"time"

	"autotrader/internal/executor"
	"autotrader/internal/gate"
	"autotrader/internal/registry"
	"autotrader/internal/signal"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventReconcile      EventType = "reconcile"
	EventSignalDecision EventType = "signal_decision"
	EventExecution      EventType = "execution"
	EventError          EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// ReconcilePayload 记录一次会话对账。
type ReconcilePayload struct {
	Desired int             `json:"desired"`
	Report  registry.Report `json:"report"`
}

// SignalDecisionPayload 记录准入判定。
type SignalDecisionPayload struct {
	Signal   signal.Signal `json:"signal"`
	Decision gate.Decision `json:"decision"`
}

// ExecutionPayload 记录执行结果。
type ExecutionPayload struct {
	Signal  signal.Signal    `json:"signal"`
	Outcome executor.Outcome `json:"outcome"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
