package venue

import (
	"errors"
	"fmt"
)

var (
	// ErrAckTimeout 表示请求已发出但在限时内未收到回执。
	// 结果不可知，调用方必须按歧义处理且不得自动重发。
	ErrAckTimeout = errors.New("venue: 等待回执超时")
	// ErrClosed 表示会话已关闭。
	ErrClosed = errors.New("venue: 会话已关闭")
)

// AuthError 表示认证握手失败。下个调度周期自然重试，不致命。
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("venue: 认证失败: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("venue: 认证失败: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// VenueError 表示场所明确拒绝（无效资产、余额不足等），对该信号终态。
type VenueError struct {
	Code    string
	Message string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue: 场所拒绝 [%s]: %s", e.Code, e.Message)
}

// IsAuthError 判断是否为认证失败。
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsReject 判断是否为场所明确拒绝。
func IsReject(err error) bool {
	var venueErr *VenueError
	return errors.As(err, &venueErr)
}
