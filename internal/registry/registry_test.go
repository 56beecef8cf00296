package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"autotrader/internal/creds"
	"autotrader/internal/store"
	"autotrader/internal/venue"
)

type fakeSession struct {
	userID int64
	mode   venue.Mode

	mu     sync.Mutex
	state  venue.State
	closed bool
}

func (s *fakeSession) UserID() int64    { return s.userID }
func (s *fakeSession) Mode() venue.Mode { return s.mode }
func (s *fakeSession) Balance() float64 { return 100 }

func (s *fakeSession) State() venue.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) setState(st venue.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *fakeSession) PlaceOrder(context.Context, venue.OrderRequest) (venue.Ack, error) {
	return venue.Ack{}, nil
}

func (s *fakeSession) PollResult(context.Context, string) (venue.TradeResult, error) {
	return venue.TradeResult{}, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.state = venue.StateClosed
	return nil
}

type fakeFactory struct {
	mu       sync.Mutex
	opens    int
	failFor  map[int64]error
	sessions map[int64]*fakeSession
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		failFor:  make(map[int64]error),
		sessions: make(map[int64]*fakeSession),
	}
}

func (f *fakeFactory) Open(_ context.Context, userID int64, ssid string, mode venue.Mode) (venue.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if err, ok := f.failFor[userID]; ok {
		return nil, err
	}
	if ssid == "" {
		return nil, &venue.AuthError{Reason: "空凭据"}
	}
	sess := &fakeSession{userID: userID, mode: mode, state: venue.StateReady}
	f.sessions[userID] = sess
	return sess, nil
}

func (f *fakeFactory) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// fakeDecrypter 以固定前缀模拟密文。
type fakeDecrypter struct{}

func (fakeDecrypter) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "corrupt" {
		return "", fmt.Errorf("%w: 密文损坏", creds.ErrDecrypt)
	}
	return "ssid-" + ciphertext, nil
}

type fakeDisabler struct {
	mu       sync.Mutex
	disabled []int64
}

func (d *fakeDisabler) DisableUser(_ context.Context, userID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disabled = append(d.disabled, userID)
	return nil
}

func users(ids ...int64) []store.User {
	out := make([]store.User, 0, len(ids))
	for _, id := range ids {
		out = append(out, store.User{UserID: id, EncryptedSSID: fmt.Sprintf("ct-%d", id)})
	}
	return out
}

func TestReconcileOpensAndKeeps(t *testing.T) {
	factory := newFakeFactory()
	r := New(factory, fakeDecrypter{}, nil, nil)
	ctx := context.Background()

	report := r.Reconcile(ctx, users(1, 2), false)
	if report.Opened != 2 || report.Failed != 0 || report.Closed != 0 {
		t.Fatalf("first reconcile: %+v", report)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 sessions, got %d", r.Len())
	}

	// 幂等：期望集不变时不开不关。
	report = r.Reconcile(ctx, users(1, 2), false)
	if report.Opened != 0 || report.Closed != 0 || report.Kept != 2 {
		t.Fatalf("second reconcile: %+v", report)
	}
	if factory.openCount() != 2 {
		t.Errorf("expected no extra opens, got %d", factory.openCount())
	}
}

func TestReconcileClosesUndesired(t *testing.T) {
	factory := newFakeFactory()
	r := New(factory, fakeDecrypter{}, nil, nil)
	ctx := context.Background()

	r.Reconcile(ctx, users(1, 2), false)

	report := r.Reconcile(ctx, users(1), false)
	if report.Closed != 1 || report.Kept != 1 {
		t.Fatalf("reconcile after shrink: %+v", report)
	}
	if !factory.sessions[2].closed {
		t.Errorf("expected session 2 closed")
	}
	if _, ok := r.Get(2); ok {
		t.Errorf("expected session 2 removed from registry")
	}
	if _, ok := r.Get(1); !ok {
		t.Errorf("expected session 1 kept")
	}
}

func TestReconcileReplacesDegradedSession(t *testing.T) {
	factory := newFakeFactory()
	r := New(factory, fakeDecrypter{}, nil, nil)
	ctx := context.Background()

	r.Reconcile(ctx, users(1), false)
	factory.sessions[1].setState(venue.StateDegraded)

	report := r.Reconcile(ctx, users(1), false)
	if report.Closed != 1 || report.Opened != 1 {
		t.Fatalf("reconcile with degraded session: %+v", report)
	}
	handle, ok := r.Get(1)
	if !ok {
		t.Fatalf("expected fresh session for user 1")
	}
	if handle.Session().State() != venue.StateReady {
		t.Errorf("replacement session not ready")
	}
}

func TestReconcileIsolatesAuthFailures(t *testing.T) {
	factory := newFakeFactory()
	factory.failFor[2] = &venue.AuthError{Reason: "凭据失效"}
	r := New(factory, fakeDecrypter{}, nil, nil)
	ctx := context.Background()

	// 连续多个周期失败都不致命，也不会出现半就绪会话。
	for i := 0; i < 3; i++ {
		report := r.Reconcile(ctx, users(1, 2), false)
		if report.Failed != 1 {
			t.Fatalf("cycle %d: %+v", i, report)
		}
		if _, ok := r.Get(2); ok {
			t.Fatalf("cycle %d: user 2 must not have a session", i)
		}
	}
	if _, ok := r.Get(1); !ok {
		t.Errorf("user 1 should be unaffected")
	}
}

func TestReconcileDisablesUserOnCorruptCreds(t *testing.T) {
	factory := newFakeFactory()
	disabler := &fakeDisabler{}
	r := New(factory, fakeDecrypter{}, disabler, nil)
	ctx := context.Background()

	desired := []store.User{{UserID: 7, EncryptedSSID: "corrupt"}}
	report := r.Reconcile(ctx, desired, false)
	if report.Failed != 1 {
		t.Fatalf("reconcile: %+v", report)
	}
	if len(disabler.disabled) != 1 || disabler.disabled[0] != 7 {
		t.Errorf("expected user 7 disabled, got %v", disabler.disabled)
	}
	// 凭据损坏不应触发拨号。
	if factory.openCount() != 0 {
		t.Errorf("expected no open attempts, got %d", factory.openCount())
	}
}

func TestReconcileForceDemoOverridesRealAccount(t *testing.T) {
	factory := newFakeFactory()
	r := New(factory, fakeDecrypter{}, nil, nil)
	ctx := context.Background()

	desired := []store.User{{UserID: 1, EncryptedSSID: "ct-1", RealAccount: true}}

	r.Reconcile(ctx, desired, true)
	if got := factory.sessions[1].mode; got != venue.ModeDemo {
		t.Errorf("forceDemo: got mode %s want demo", got)
	}

	r.CloseAll()
	r.Reconcile(ctx, desired, false)
	if got := factory.sessions[1].mode; got != venue.ModeReal {
		t.Errorf("real account: got mode %s want real", got)
	}
}

func TestHandleTryAcquire(t *testing.T) {
	factory := newFakeFactory()
	r := New(factory, fakeDecrypter{}, nil, nil)
	r.Reconcile(context.Background(), users(1), false)

	handle, ok := r.Get(1)
	if !ok {
		t.Fatalf("expected session for user 1")
	}
	if !handle.TryAcquire() {
		t.Fatalf("first acquire should succeed")
	}
	if handle.TryAcquire() {
		t.Fatalf("second acquire should fail while held")
	}
	handle.Release()
	if !handle.TryAcquire() {
		t.Fatalf("acquire after release should succeed")
	}
	handle.Release()
}

func TestCloseAll(t *testing.T) {
	factory := newFakeFactory()
	r := New(factory, fakeDecrypter{}, nil, nil)
	r.Reconcile(context.Background(), users(1, 2, 3), false)

	if err := r.CloseAll(); err != nil {
		t.Fatalf("CloseAll returned error: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
	for id, sess := range factory.sessions {
		if !sess.closed {
			t.Errorf("session %d not closed", id)
		}
	}
}
