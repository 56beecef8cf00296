package venue

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"autotrader/internal/config"
)

// venueHandler 以脚本化方式应答各 action，模拟场所侧行为。
type venueHandler func(req envelope) (envelope, bool)

func newVenueServer(t *testing.T, handler venueHandler) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req envelope
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			resp, ok := handler(req)
			if !ok {
				continue // 静默：模拟回执丢失
			}
			resp.ID = req.ID
			out, _ := json.Marshal(resp)
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(srv *httptest.Server) config.VenueConfig {
	return config.VenueConfig{
		WSURL:       wsURL(srv),
		AuthTimeout: 2 * time.Second,
		AckTimeout:  200 * time.Millisecond,
	}
}

func authOK(balance float64) venueHandler {
	return func(req envelope) (envelope, bool) {
		if req.Action == "auth" {
			payload, _ := json.Marshal(authResponse{Balance: balance})
			return envelope{Action: "auth", Success: true, Payload: payload}, true
		}
		return envelope{}, false
	}
}

func TestOpenAuthenticates(t *testing.T) {
	var gotAuth authRequest
	srv := newVenueServer(t, func(req envelope) (envelope, bool) {
		if req.Action != "auth" {
			return envelope{}, false
		}
		_ = json.Unmarshal(req.Payload, &gotAuth)
		payload, _ := json.Marshal(authResponse{Balance: 123.45})
		return envelope{Action: "auth", Success: true, Payload: payload}, true
	})

	factory := NewWSFactory(testConfig(srv), nil)
	sess, err := factory.Open(t.Context(), 7, "session-abc", ModeDemo)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer sess.Close()

	if sess.State() != StateReady {
		t.Errorf("state: got %s want ready", sess.State())
	}
	if sess.UserID() != 7 || sess.Mode() != ModeDemo {
		t.Errorf("unexpected session identity: user=%d mode=%s", sess.UserID(), sess.Mode())
	}
	if sess.Balance() != 123.45 {
		t.Errorf("balance: got %v want 123.45", sess.Balance())
	}
	if gotAuth.SSID != "session-abc" || !gotAuth.Demo {
		t.Errorf("auth request: %+v", gotAuth)
	}
}

func TestOpenAuthRejected(t *testing.T) {
	srv := newVenueServer(t, func(req envelope) (envelope, bool) {
		return envelope{Action: "auth", Success: false, Error: "凭据失效"}, true
	})

	factory := NewWSFactory(testConfig(srv), nil)
	_, err := factory.Open(t.Context(), 1, "bad", ModeDemo)
	if !IsAuthError(err) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestOpenAuthSilenceTimesOut(t *testing.T) {
	srv := newVenueServer(t, func(req envelope) (envelope, bool) {
		return envelope{}, false
	})

	cfg := testConfig(srv)
	cfg.AuthTimeout = 200 * time.Millisecond
	factory := NewWSFactory(cfg, nil)

	start := time.Now()
	_, err := factory.Open(t.Context(), 1, "ssid", ModeDemo)
	if !IsAuthError(err) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("auth timeout took too long: %v", elapsed)
	}
}

func TestPlaceOrderConfirmed(t *testing.T) {
	var gotOrder OrderRequest
	srv := newVenueServer(t, func(req envelope) (envelope, bool) {
		switch req.Action {
		case "auth":
			payload, _ := json.Marshal(authResponse{Balance: 100})
			return envelope{Success: true, Payload: payload}, true
		case "open_order":
			_ = json.Unmarshal(req.Payload, &gotOrder)
			payload, _ := json.Marshal(Ack{TradeID: "t-99", Balance: 99})
			return envelope{Success: true, Payload: payload}, true
		}
		return envelope{}, false
	})

	factory := NewWSFactory(testConfig(srv), nil)
	sess, err := factory.Open(t.Context(), 1, "ssid", ModeDemo)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer sess.Close()

	ack, err := sess.PlaceOrder(t.Context(), OrderRequest{
		Asset: "EURUSD", Amount: 1, Direction: "call", Duration: 60,
	})
	if err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}
	if ack.TradeID != "t-99" {
		t.Errorf("trade id: got %q want t-99", ack.TradeID)
	}
	if gotOrder.Asset != "EURUSD" || gotOrder.Direction != "call" || gotOrder.Duration != 60 {
		t.Errorf("order on the wire: %+v", gotOrder)
	}
	// 确认回执携带的余额被采纳。
	if sess.Balance() != 99 {
		t.Errorf("balance after ack: got %v want 99", sess.Balance())
	}
}

func TestPlaceOrderRejected(t *testing.T) {
	srv := newVenueServer(t, func(req envelope) (envelope, bool) {
		if req.Action == "auth" {
			payload, _ := json.Marshal(authResponse{Balance: 100})
			return envelope{Success: true, Payload: payload}, true
		}
		return envelope{Success: false, Code: "invalid_asset", Error: "未知资产"}, true
	})

	factory := NewWSFactory(testConfig(srv), nil)
	sess, err := factory.Open(t.Context(), 1, "ssid", ModeDemo)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer sess.Close()

	_, err = sess.PlaceOrder(t.Context(), OrderRequest{Asset: "NOPE", Amount: 1, Direction: "call", Duration: 60})
	if !IsReject(err) {
		t.Fatalf("expected VenueError, got %v", err)
	}
	var venueErr *VenueError
	if errors.As(err, &venueErr) && venueErr.Code != "invalid_asset" {
		t.Errorf("code: got %q want invalid_asset", venueErr.Code)
	}
}

func TestPlaceOrderAckTimeout(t *testing.T) {
	srv := newVenueServer(t, func(req envelope) (envelope, bool) {
		if req.Action == "auth" {
			payload, _ := json.Marshal(authResponse{Balance: 100})
			return envelope{Success: true, Payload: payload}, true
		}
		// 吞掉下单请求，不回执。
		return envelope{}, false
	})

	factory := NewWSFactory(testConfig(srv), nil)
	sess, err := factory.Open(t.Context(), 1, "ssid", ModeDemo)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer sess.Close()

	_, err = sess.PlaceOrder(t.Context(), OrderRequest{Asset: "EURUSD", Amount: 1, Direction: "call", Duration: 60})
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("expected ErrAckTimeout, got %v", err)
	}
}

func TestPollResult(t *testing.T) {
	srv := newVenueServer(t, func(req envelope) (envelope, bool) {
		switch req.Action {
		case "auth":
			payload, _ := json.Marshal(authResponse{Balance: 100})
			return envelope{Success: true, Payload: payload}, true
		case "check_order":
			var check checkRequest
			_ = json.Unmarshal(req.Payload, &check)
			payload, _ := json.Marshal(TradeResult{TradeID: check.TradeID, Result: ResultWin, Profit: 0.92})
			return envelope{Success: true, Payload: payload}, true
		}
		return envelope{}, false
	})

	factory := NewWSFactory(testConfig(srv), nil)
	sess, err := factory.Open(t.Context(), 1, "ssid", ModeDemo)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer sess.Close()

	result, err := sess.PollResult(t.Context(), "t-1")
	if err != nil {
		t.Fatalf("PollResult returned error: %v", err)
	}
	if result.TradeID != "t-1" || result.Result != ResultWin || result.Profit != 0.92 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestClosedSessionRefusesOrders(t *testing.T) {
	srv := newVenueServer(t, authOK(100))

	factory := NewWSFactory(testConfig(srv), nil)
	sess, err := factory.Open(t.Context(), 1, "ssid", ModeDemo)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if sess.State() != StateClosed {
		t.Errorf("state after close: got %s want closed", sess.State())
	}

	_, err = sess.PlaceOrder(t.Context(), OrderRequest{Asset: "EURUSD", Amount: 1, Direction: "call", Duration: 60})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	authErr := &AuthError{Reason: "凭据失效", Err: errors.New("401")}
	if !IsAuthError(authErr) || IsReject(authErr) {
		t.Errorf("AuthError misclassified")
	}
	if !errors.Is(authErr.Unwrap(), authErr.Err) {
		t.Errorf("Unwrap mismatch")
	}

	rejectErr := &VenueError{Code: "insufficient_funds", Message: "余额不足"}
	if !IsReject(rejectErr) || IsAuthError(rejectErr) {
		t.Errorf("VenueError misclassified")
	}
	if IsAuthError(nil) || IsReject(nil) {
		t.Errorf("nil misclassified")
	}
}
