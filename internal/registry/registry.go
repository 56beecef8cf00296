package registry

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"autotrader/internal/creds"
	"autotrader/internal/store"
	"autotrader/internal/venue"
)

// Handle 包装一个活跃会话及其执行锁。
// 执行锁保证同一会话上的下单串行，即便相邻调度周期发生重叠。
type Handle struct {
	session venue.Session
	execMu  sync.Mutex
}

// Session 返回底层会话。
func (h *Handle) Session() venue.Session { return h.session }

// TryAcquire 尝试获取执行锁；上一周期仍在执行时返回 false，调用方应跳过本周期。
func (h *Handle) TryAcquire() bool { return h.execMu.TryLock() }

// Release 释放执行锁。
func (h *Handle) Release() { h.execMu.Unlock() }

// Disabler 用于在凭据损坏时将用户移出期望活跃集。
type Disabler interface {
	DisableUser(ctx context.Context, userID int64) error
}

// Report 汇总一次对账的结果。
type Report struct {
	Opened int
	Closed int
	Failed int
	Kept   int
}

// Registry 独占持有 user -> 会话 的映射。
// 任何用户同一时刻至多存在一个活跃会话，外部只能经由访问方法读取。
type Registry struct {
	factory   venue.Factory
	decrypter creds.Decrypter
	disabler  Disabler
	logger    *zap.Logger

	mu       sync.Mutex
	sessions map[int64]*Handle
}

// New 创建会话注册中心。disabler 可为 nil。
func New(factory venue.Factory, decrypter creds.Decrypter, disabler Disabler, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		factory:   factory,
		decrypter: decrypter,
		disabler:  disabler,
		logger:    logger,
		sessions:  make(map[int64]*Handle),
	}
}

// Reconcile 将活跃会话对齐到期望集合：
// 关闭不再期望或已退化的会话，为缺失的用户尝试建立新会话。
// 单个用户的失败被隔离，不阻塞其余用户；失败的用户留待下个周期重试。
func (r *Registry) Reconcile(ctx context.Context, desired []store.User, forceDemo bool) Report {
	var report Report

	desiredByID := make(map[int64]store.User, len(desired))
	for _, u := range desired {
		desiredByID[u.UserID] = u
	}

	r.mu.Lock()
	toClose := make(map[int64]*Handle)
	for userID, handle := range r.sessions {
		_, wanted := desiredByID[userID]
		if !wanted || handle.session.State() != venue.StateReady {
			toClose[userID] = handle
			delete(r.sessions, userID)
		}
	}
	r.mu.Unlock()

	for userID, handle := range toClose {
		if err := handle.session.Close(); err != nil {
			r.logger.Warn("关闭会话失败", zap.Int64("user_id", userID), zap.Error(err))
		} else {
			r.logger.Info("会话已关闭", zap.Int64("user_id", userID))
		}
		report.Closed++
	}

	for _, u := range desired {
		if ctx.Err() != nil {
			break
		}

		r.mu.Lock()
		_, exists := r.sessions[u.UserID]
		r.mu.Unlock()
		if exists {
			report.Kept++
			continue
		}

		if err := r.open(ctx, u, forceDemo); err != nil {
			report.Failed++
			continue
		}
		report.Opened++
	}

	return report
}

func (r *Registry) open(ctx context.Context, u store.User, forceDemo bool) error {
	ssid, err := r.decrypter.Decrypt(u.EncryptedSSID)
	if err != nil {
		r.logger.Error("凭据解密失败，用户将被移出活跃集",
			zap.Int64("user_id", u.UserID), zap.Error(err))
		if errors.Is(err, creds.ErrDecrypt) && r.disabler != nil {
			if disableErr := r.disabler.DisableUser(ctx, u.UserID); disableErr != nil {
				r.logger.Warn("停用用户失败", zap.Int64("user_id", u.UserID), zap.Error(disableErr))
			}
		}
		return err
	}

	mode := venue.ModeDemo
	if u.RealAccount && !forceDemo {
		mode = venue.ModeReal
	}

	session, err := r.factory.Open(ctx, u.UserID, ssid, mode)
	if err != nil {
		r.logger.Error("建立会话失败", zap.Int64("user_id", u.UserID), zap.Error(err))
		return err
	}

	r.mu.Lock()
	r.sessions[u.UserID] = &Handle{session: session}
	r.mu.Unlock()

	r.logger.Info("会话已建立", zap.Int64("user_id", u.UserID), zap.String("mode", string(mode)))
	return nil
}

// Get 非阻塞查询某用户的就绪会话。
func (r *Registry) Get(userID int64) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handle, ok := r.sessions[userID]
	if !ok || handle.session.State() != venue.StateReady {
		return nil, false
	}
	return handle, true
}

// Len 返回当前持有的会话数量。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll 关闭全部会话并清空映射。
// 单个关闭失败只记录并汇总，不阻止其余连接的释放。
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[int64]*Handle)
	r.mu.Unlock()

	var err error
	for userID, handle := range sessions {
		if closeErr := handle.session.Close(); closeErr != nil {
			r.logger.Warn("关闭会话失败", zap.Int64("user_id", userID), zap.Error(closeErr))
			err = multierr.Append(err, closeErr)
		}
	}
	return err
}
