package command

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"autotrader/internal/config"
)

// Kind 为指令通道支持的指令。
type Kind string

const (
	KindStartDemo      Kind = "start_demo"
	KindStopTrading    Kind = "stop_trading"
	KindResumeTrading  Kind = "resume_trading"
	KindChangeStrategy Kind = "change_strategy"
	KindParseHistory   Kind = "parse_history"
)

// Settings 为可在线调整的交易参数快照。
type Settings struct {
	MinConfidence   float64
	TradeAmount     float64
	TradeDuration   time.Duration
	StalenessWindow time.Duration
	TickInterval    time.Duration
	BatchSize       int
}

// strategyPatch 为 change_strategy 指令的载荷。缺省字段保持原值。
type strategyPatch struct {
	MinConfidence   *float64 `json:"min_confidence,omitempty"`
	TradeAmount     *float64 `json:"trade_amount,omitempty"`
	TradeDurationS  *int     `json:"trade_duration_seconds,omitempty"`
	StalenessS      *int     `json:"staleness_seconds,omitempty"`
	TickIntervalS   *int     `json:"tick_interval_seconds,omitempty"`
	BatchSize       *int     `json:"batch_size,omitempty"`
}

// Runtime 持有运行期可变的交易参数与暂停/演示标记。
// 协调器每个周期读取快照，指令通道在线修改。
type Runtime struct {
	mu         sync.RWMutex
	settings   Settings
	paused     bool
	demoForced bool
}

// NewRuntime 以静态配置为初值构建运行期参数。
func NewRuntime(cfg config.AutotradeConfig, tickInterval time.Duration) *Runtime {
	return &Runtime{
		settings: Settings{
			MinConfidence:   cfg.MinConfidence,
			TradeAmount:     cfg.TradeAmount,
			TradeDuration:   cfg.TradeDuration,
			StalenessWindow: cfg.StalenessWindow,
			TickInterval:    tickInterval,
			BatchSize:       cfg.BatchSize,
		},
	}
}

// Snapshot 返回当前参数的一致快照。
func (r *Runtime) Snapshot() Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// Paused 返回调度是否暂停。
func (r *Runtime) Paused() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused
}

// DemoForced 返回是否强制所有用户使用演示账户。
func (r *Runtime) DemoForced() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.demoForced
}

// Pause 暂停调度。
func (r *Runtime) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// Resume 恢复调度。
func (r *Runtime) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
}

// Apply 执行一条管理指令。parse_history 属于采集协作方的职责，
// 这里确认后即视为已处理。
func (r *Runtime) Apply(kind Kind, payload string) error {
	switch kind {
	case KindStopTrading:
		r.Pause()
		return nil
	case KindResumeTrading:
		r.Resume()
		return nil
	case KindStartDemo:
		r.mu.Lock()
		r.demoForced = true
		r.paused = false
		r.mu.Unlock()
		return nil
	case KindChangeStrategy:
		return r.applyPatch(payload)
	case KindParseHistory:
		return nil
	default:
		return fmt.Errorf("command: 未知指令 %q", kind)
	}
}

func (r *Runtime) applyPatch(payload string) error {
	var patch strategyPatch
	if err := json.Unmarshal([]byte(payload), &patch); err != nil {
		return fmt.Errorf("command: 解析策略载荷失败: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if patch.MinConfidence != nil {
		if *patch.MinConfidence < 0 || *patch.MinConfidence > 100 {
			return fmt.Errorf("command: min_confidence 必须位于[0,100]")
		}
		r.settings.MinConfidence = *patch.MinConfidence
	}
	if patch.TradeAmount != nil {
		if *patch.TradeAmount <= 0 {
			return fmt.Errorf("command: trade_amount 必须大于0")
		}
		r.settings.TradeAmount = *patch.TradeAmount
	}
	if patch.TradeDurationS != nil {
		if *patch.TradeDurationS <= 0 {
			return fmt.Errorf("command: trade_duration_seconds 必须大于0")
		}
		r.settings.TradeDuration = time.Duration(*patch.TradeDurationS) * time.Second
	}
	if patch.StalenessS != nil {
		if *patch.StalenessS <= 0 {
			return fmt.Errorf("command: staleness_seconds 必须大于0")
		}
		r.settings.StalenessWindow = time.Duration(*patch.StalenessS) * time.Second
	}
	if patch.TickIntervalS != nil {
		if *patch.TickIntervalS <= 0 {
			return fmt.Errorf("command: tick_interval_seconds 必须大于0")
		}
		r.settings.TickInterval = time.Duration(*patch.TickIntervalS) * time.Second
	}
	if patch.BatchSize != nil {
		if *patch.BatchSize <= 0 {
			return fmt.Errorf("command: batch_size 必须大于0")
		}
		r.settings.BatchSize = *patch.BatchSize
	}

	return nil
}
