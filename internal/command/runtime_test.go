package command

import (
	"testing"
	"time"

	"autotrader/internal/config"
)

func newTestRuntime() *Runtime {
	return NewRuntime(config.AutotradeConfig{
		MinConfidence:   95,
		TradeAmount:     1,
		TradeDuration:   60 * time.Second,
		StalenessWindow: 60 * time.Second,
		BatchSize:       5,
	}, 15*time.Second)
}

func TestRuntimePauseResume(t *testing.T) {
	r := newTestRuntime()

	if r.Paused() {
		t.Fatalf("expected runtime to start unpaused")
	}

	if err := r.Apply(KindStopTrading, ""); err != nil {
		t.Fatalf("Apply(stop_trading) returned error: %v", err)
	}
	if !r.Paused() {
		t.Errorf("expected paused after stop_trading")
	}

	if err := r.Apply(KindResumeTrading, ""); err != nil {
		t.Fatalf("Apply(resume_trading) returned error: %v", err)
	}
	if r.Paused() {
		t.Errorf("expected unpaused after resume_trading")
	}
}

func TestRuntimeStartDemo(t *testing.T) {
	r := newTestRuntime()
	r.Pause()

	if err := r.Apply(KindStartDemo, ""); err != nil {
		t.Fatalf("Apply(start_demo) returned error: %v", err)
	}
	if !r.DemoForced() {
		t.Errorf("expected demoForced after start_demo")
	}
	if r.Paused() {
		t.Errorf("expected start_demo to resume trading")
	}
}

func TestRuntimeChangeStrategy(t *testing.T) {
	r := newTestRuntime()

	payload := `{"min_confidence":90,"trade_amount":2.5,"trade_duration_seconds":120,"staleness_seconds":30,"batch_size":10}`
	if err := r.Apply(KindChangeStrategy, payload); err != nil {
		t.Fatalf("Apply(change_strategy) returned error: %v", err)
	}

	got := r.Snapshot()
	if got.MinConfidence != 90 {
		t.Errorf("MinConfidence: got %v want 90", got.MinConfidence)
	}
	if got.TradeAmount != 2.5 {
		t.Errorf("TradeAmount: got %v want 2.5", got.TradeAmount)
	}
	if got.TradeDuration != 120*time.Second {
		t.Errorf("TradeDuration: got %v want 120s", got.TradeDuration)
	}
	if got.StalenessWindow != 30*time.Second {
		t.Errorf("StalenessWindow: got %v want 30s", got.StalenessWindow)
	}
	if got.BatchSize != 10 {
		t.Errorf("BatchSize: got %v want 10", got.BatchSize)
	}
	// 未出现的字段保持原值。
	if got.TickInterval != 15*time.Second {
		t.Errorf("TickInterval: got %v want 15s", got.TickInterval)
	}
}

func TestRuntimeChangeStrategyRejectsInvalid(t *testing.T) {
	r := newTestRuntime()
	before := r.Snapshot()

	cases := []string{
		`{"min_confidence":150}`,
		`{"trade_amount":-1}`,
		`{"trade_duration_seconds":0}`,
		`{"batch_size":0}`,
		`not json`,
	}
	for _, payload := range cases {
		if err := r.Apply(KindChangeStrategy, payload); err == nil {
			t.Errorf("Apply(change_strategy, %q): expected error", payload)
		}
	}

	if got := r.Snapshot(); got != before {
		t.Errorf("settings changed after rejected patches: %+v", got)
	}
}

func TestRuntimeUnknownCommand(t *testing.T) {
	r := newTestRuntime()
	if err := r.Apply(Kind("unknown"), ""); err == nil {
		t.Fatalf("expected error for unknown command")
	}
	if err := r.Apply(KindParseHistory, ""); err != nil {
		t.Errorf("parse_history should ack without error, got %v", err)
	}
}
