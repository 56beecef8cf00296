package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"autotrader/internal/config"
)

// envelope 为场所 WebSocket 协议的统一报文格式。
type envelope struct {
	ID      int64           `json:"id,omitempty"`
	Action  string          `json:"action"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type authRequest struct {
	SSID string `json:"ssid"`
	Demo bool   `json:"demo"`
}

type authResponse struct {
	Balance float64 `json:"balance"`
}

type checkRequest struct {
	TradeID string `json:"trade_id"`
}

// Client 为基于 WebSocket 的场所会话实现。
type Client struct {
	userID int64
	mode   Mode
	cfg    config.VenueConfig
	logger *zap.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	state   State
	balance float64
	nextID  int64
	pending map[int64]chan envelope

	done      chan struct{}
	closeOnce sync.Once
}

var _ Session = (*Client)(nil)

// WSFactory 按配置拨号并完成认证握手。
type WSFactory struct {
	cfg    config.VenueConfig
	logger *zap.Logger
}

// NewWSFactory 创建场所会话工厂。
func NewWSFactory(cfg config.VenueConfig, logger *zap.Logger) *WSFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSFactory{cfg: cfg, logger: logger}
}

// Open 建立连接并在限时内完成认证，成功后返回 Ready 会话。
func (f *WSFactory) Open(ctx context.Context, userID int64, ssid string, mode Mode) (Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, f.cfg.AuthTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.cfg.WSURL, nil)
	if err != nil {
		return nil, &AuthError{Reason: "连接场所失败", Err: err}
	}

	c := &Client{
		userID:  userID,
		mode:    mode,
		cfg:     f.cfg,
		logger:  f.logger.With(zap.Int64("user_id", userID)),
		conn:    conn,
		state:   StateConnecting,
		pending: make(map[int64]chan envelope),
		done:    make(chan struct{}),
	}

	go c.readLoop()

	if err := c.authenticate(dialCtx, ssid, mode); err != nil {
		_ = c.Close()
		return nil, err
	}

	c.mu.Lock()
	c.state = StateReady
	c.mu.Unlock()

	c.logger.Info("场所会话已就绪", zap.String("mode", string(mode)), zap.Float64("balance", c.Balance()))
	return c, nil
}

func (c *Client) authenticate(ctx context.Context, ssid string, mode Mode) error {
	payload, err := json.Marshal(authRequest{SSID: ssid, Demo: mode == ModeDemo})
	if err != nil {
		return &AuthError{Reason: "序列化认证请求失败", Err: err}
	}

	resp, err := c.roundTrip(ctx, "auth", payload, c.cfg.AuthTimeout)
	if err != nil {
		return &AuthError{Reason: "认证握手未完成", Err: err}
	}
	if !resp.Success {
		return &AuthError{Reason: resp.Error}
	}

	var auth authResponse
	if err := json.Unmarshal(resp.Payload, &auth); err != nil {
		return &AuthError{Reason: "解析认证回执失败", Err: err}
	}

	c.mu.Lock()
	c.balance = auth.Balance
	c.mu.Unlock()
	return nil
}

// UserID 返回会话归属用户。
func (c *Client) UserID() int64 { return c.userID }

// Mode 返回账户模式。
func (c *Client) Mode() Mode { return c.mode }

// State 返回当前会话状态。
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Balance 返回最近一次已知余额。
func (c *Client) Balance() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance
}

// PlaceOrder 发送下单请求并等待回执。
// 报文一旦写出，任何后续超时或取消都返回 ErrAckTimeout：
// 结果不可知，重发会带来重复下单风险。
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (Ack, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Ack{}, fmt.Errorf("venue: 序列化下单请求失败: %w", err)
	}

	resp, err := c.roundTrip(ctx, "open_order", payload, c.cfg.AckTimeout)
	if err != nil {
		return Ack{}, err
	}
	if !resp.Success {
		return Ack{}, &VenueError{Code: resp.Code, Message: resp.Error}
	}

	var ack Ack
	if err := json.Unmarshal(resp.Payload, &ack); err != nil {
		return Ack{}, fmt.Errorf("venue: 解析下单回执失败: %w", err)
	}

	if ack.Balance > 0 {
		c.mu.Lock()
		c.balance = ack.Balance
		c.mu.Unlock()
	}
	return ack, nil
}

// PollResult 查询一笔订单的结算结果。
func (c *Client) PollResult(ctx context.Context, tradeID string) (TradeResult, error) {
	payload, err := json.Marshal(checkRequest{TradeID: tradeID})
	if err != nil {
		return TradeResult{}, fmt.Errorf("venue: 序列化查询请求失败: %w", err)
	}

	resp, err := c.roundTrip(ctx, "check_order", payload, c.cfg.AckTimeout)
	if err != nil {
		return TradeResult{}, err
	}
	if !resp.Success {
		return TradeResult{}, &VenueError{Code: resp.Code, Message: resp.Error}
	}

	var result TradeResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return TradeResult{}, fmt.Errorf("venue: 解析结算结果失败: %w", err)
	}
	return result, nil
}

// roundTrip 发送一条带ID的请求并等待对应回执。
// 写出失败发生在报文离开本端之前，可以安全地向上返回普通错误；
// 写出成功后的一切等待失败都归类为 ErrAckTimeout。
func (c *Client) roundTrip(ctx context.Context, action string, payload json.RawMessage, timeout time.Duration) (envelope, error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return envelope{}, ErrClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan envelope, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := envelope{ID: id, Action: action, Payload: payload}
	data, err := json.Marshal(req)
	if err != nil {
		return envelope{}, fmt.Errorf("venue: 序列化报文失败: %w", err)
	}

	select {
	case <-ctx.Done():
		return envelope{}, ctx.Err()
	default:
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return envelope{}, fmt.Errorf("venue: 发送请求失败: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return envelope{}, ErrAckTimeout
	case <-ctx.Done():
		return envelope{}, fmt.Errorf("%w: %v", ErrAckTimeout, ctx.Err())
	case <-c.done:
		return envelope{}, fmt.Errorf("%w: 连接中断", ErrAckTimeout)
	}
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.state != StateClosed {
				c.state = StateDegraded
				c.logger.Warn("场所连接中断", zap.Error(err))
			}
			c.mu.Unlock()
			return
		}

		var resp envelope
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Warn("忽略无法解析的场所报文", zap.Error(err))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- resp:
			default:
			}
		}
	}
}

// Close 关闭会话并释放底层连接。
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}
