package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"autotrader/internal/command"
	"autotrader/internal/config"
	"autotrader/internal/signal"
	"autotrader/internal/store"
	"autotrader/internal/venue"
)

type fakeSession struct {
	placeAck  venue.Ack
	placeErr  error
	placed    []venue.OrderRequest
	results   []venue.TradeResult
	pollCalls int
	state     venue.State
	balance   float64
}

func (f *fakeSession) UserID() int64    { return 1 }
func (f *fakeSession) Mode() venue.Mode { return venue.ModeDemo }
func (f *fakeSession) Balance() float64 { return f.balance }
func (f *fakeSession) Close() error     { return nil }

func (f *fakeSession) State() venue.State {
	if f.state == "" {
		return venue.StateReady
	}
	return f.state
}

func (f *fakeSession) PlaceOrder(_ context.Context, req venue.OrderRequest) (venue.Ack, error) {
	f.placed = append(f.placed, req)
	return f.placeAck, f.placeErr
}

func (f *fakeSession) PollResult(_ context.Context, _ string) (venue.TradeResult, error) {
	f.pollCalls++
	if len(f.results) == 0 {
		return venue.TradeResult{Result: venue.ResultPending}, nil
	}
	result := f.results[0]
	f.results = f.results[1:]
	return result, nil
}

type executorFixture struct {
	store    *store.Store
	runtime  *command.Runtime
	executor *Executor
}

func newExecutorFixture(t *testing.T, pollBudget, pollEvery time.Duration) *executorFixture {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	runtime := command.NewRuntime(config.AutotradeConfig{
		MinConfidence:   95,
		TradeAmount:     2.5,
		TradeDuration:   60 * time.Second,
		StalenessWindow: 60 * time.Second,
		BatchSize:       5,
	}, 15*time.Second)

	exec, err := New(st, runtime, nil, pollBudget, pollEvery, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	return &executorFixture{store: st, runtime: runtime, executor: exec}
}

// admittedSignal 构造一条已通过准入、持有 Pending 台账的信号。
func (f *executorFixture) admittedSignal(t *testing.T, direction signal.Direction) (signal.Signal, store.ExecutionRecord) {
	t.Helper()
	ctx := context.Background()

	sig := signal.Signal{
		UserID:     1,
		Asset:      "EURUSD",
		Direction:  direction,
		Confidence: 97,
		Source:     signal.SourceChatFeed,
		CreatedAt:  time.Now().UTC(),
	}
	id, err := f.store.InsertSignal(ctx, sig)
	if err != nil {
		t.Fatalf("InsertSignal returned error: %v", err)
	}
	sig.ID = id
	sig.Status = signal.StatusAdmitted

	if err := f.store.MarkStatus(ctx, id, signal.StatusAdmitted); err != nil {
		t.Fatalf("MarkStatus returned error: %v", err)
	}
	rec, err := f.store.CreateRecord(ctx, id, sig.UserID)
	if err != nil {
		t.Fatalf("CreateRecord returned error: %v", err)
	}
	return sig, rec
}

func (f *executorFixture) recordOutcome(t *testing.T, sig signal.Signal) store.ExecutionRecord {
	t.Helper()
	rec, err := f.store.GetRecord(context.Background(), sig.ID, sig.UserID)
	if err != nil {
		t.Fatalf("GetRecord returned error: %v", err)
	}
	return rec
}

func (f *executorFixture) signalStatus(t *testing.T, id int64) signal.Status {
	t.Helper()
	sig, err := f.store.GetSignal(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSignal returned error: %v", err)
	}
	return sig.Status
}

func TestExecuteConfirmedOrder(t *testing.T) {
	f := newExecutorFixture(t, 0, 0)
	sig, rec := f.admittedSignal(t, signal.DirectionBuy)

	sess := &fakeSession{placeAck: venue.Ack{TradeID: "trade-1", Balance: 98.5}}

	outcome, err := f.executor.Execute(context.Background(), sess, sig, rec)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if outcome.Record != store.OutcomePlaced || outcome.TradeID != "trade-1" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	if len(sess.placed) != 1 {
		t.Fatalf("expected single order, got %d", len(sess.placed))
	}
	req := sess.placed[0]
	if req.Asset != "EURUSD" || req.Direction != "call" {
		t.Errorf("unexpected order request: %+v", req)
	}
	if req.Amount != 2.5 || req.Duration != 60 {
		t.Errorf("order should use runtime settings, got %+v", req)
	}

	stored := f.recordOutcome(t, sig)
	if stored.Outcome != store.OutcomePlaced || stored.TradeID != "trade-1" {
		t.Errorf("stored record: %+v", stored)
	}
	if got := f.signalStatus(t, sig.ID); got != signal.StatusExecuted {
		t.Errorf("signal status: got %s want executed", got)
	}
}

func TestExecuteSellMapsToPut(t *testing.T) {
	f := newExecutorFixture(t, 0, 0)
	sig, rec := f.admittedSignal(t, signal.DirectionSell)

	sess := &fakeSession{placeAck: venue.Ack{TradeID: "trade-2"}}
	if _, err := f.executor.Execute(context.Background(), sess, sig, rec); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if sess.placed[0].Direction != "put" {
		t.Errorf("direction: got %q want put", sess.placed[0].Direction)
	}
}

func TestExecuteAckTimeoutNeverRetries(t *testing.T) {
	f := newExecutorFixture(t, 0, 0)
	sig, rec := f.admittedSignal(t, signal.DirectionBuy)

	sess := &fakeSession{placeErr: venue.ErrAckTimeout}

	outcome, err := f.executor.Execute(context.Background(), sess, sig, rec)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if outcome.Record != store.OutcomeTimedOut {
		t.Fatalf("expected timed_out, got %+v", outcome)
	}
	if len(sess.placed) != 1 {
		t.Fatalf("ambiguous outcome must not trigger a resend, got %d attempts", len(sess.placed))
	}

	stored := f.recordOutcome(t, sig)
	if stored.Outcome != store.OutcomeTimedOut {
		t.Errorf("stored record: %+v", stored)
	}
	// 台账留在 timed_out，后续同键准入会撞上重复拒绝。
	if _, err := f.store.CreateRecord(context.Background(), sig.ID, sig.UserID); !errors.Is(err, store.ErrDuplicateRecord) {
		t.Errorf("expected duplicate guard to hold, got %v", err)
	}
}

func TestExecuteVenueReject(t *testing.T) {
	f := newExecutorFixture(t, 0, 0)
	sig, rec := f.admittedSignal(t, signal.DirectionBuy)

	sess := &fakeSession{placeErr: &venue.VenueError{Code: "insufficient_funds", Message: "余额不足"}}

	outcome, err := f.executor.Execute(context.Background(), sess, sig, rec)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if outcome.Record != store.OutcomeFailed {
		t.Fatalf("expected failed, got %+v", outcome)
	}
	if got := f.signalStatus(t, sig.ID); got != signal.StatusRejected {
		t.Errorf("signal status: got %s want rejected", got)
	}
}

func TestExecutePreSendFailure(t *testing.T) {
	f := newExecutorFixture(t, 0, 0)
	sig, rec := f.admittedSignal(t, signal.DirectionBuy)

	sess := &fakeSession{placeErr: errors.New("venue: 发送请求失败: broken pipe")}

	outcome, err := f.executor.Execute(context.Background(), sess, sig, rec)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if outcome.Record != store.OutcomeFailed {
		t.Fatalf("pre-send failure should mark failed, got %+v", outcome)
	}
	stored := f.recordOutcome(t, sig)
	if stored.Outcome != store.OutcomeFailed {
		t.Errorf("stored record: %+v", stored)
	}
}

func TestExecutePollsSettlement(t *testing.T) {
	f := newExecutorFixture(t, time.Second, 10*time.Millisecond)
	sig, rec := f.admittedSignal(t, signal.DirectionBuy)

	sess := &fakeSession{
		placeAck: venue.Ack{TradeID: "trade-3"},
		results: []venue.TradeResult{
			{TradeID: "trade-3", Result: venue.ResultPending},
			{TradeID: "trade-3", Result: venue.ResultWin, Profit: 0.92},
		},
	}

	outcome, err := f.executor.Execute(context.Background(), sess, sig, rec)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if outcome.Result != venue.ResultWin || outcome.Profit != 0.92 {
		t.Fatalf("expected settled win, got %+v", outcome)
	}
	if sess.pollCalls < 2 {
		t.Errorf("expected at least 2 poll calls, got %d", sess.pollCalls)
	}
}
