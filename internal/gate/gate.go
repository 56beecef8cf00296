package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/command"
	"autotrader/internal/risk"
	"autotrader/internal/signal"
	"autotrader/internal/store"
)

// Kind 为准入决策的三种结论。
type Kind string

const (
	KindAdmit  Kind = "admit"
	KindReject Kind = "reject"
	KindExpire Kind = "expire"
)

// Decision 为一次准入判定的结果。
type Decision struct {
	Kind      Kind
	Reason    string
	Duplicate bool
}

// Gate 为幂等与风控准入层：
// 决定某个 (用户, 信号) 是否允许下单，并保证同键至多执行一次。
type Gate struct {
	store   *store.Store
	risk    *risk.Manager
	runtime *command.Runtime
	logger  *zap.Logger
	now     func() time.Time
}

// New 创建准入层。
func New(st *store.Store, riskMgr *risk.Manager, runtime *command.Runtime, logger *zap.Logger) (*Gate, error) {
	if st == nil {
		return nil, errors.New("gate: store 不能为空")
	}
	if riskMgr == nil {
		return nil, errors.New("gate: 风险管理器不能为空")
	}
	if runtime == nil {
		return nil, errors.New("gate: 运行期参数不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Gate{
		store:   st,
		risk:    riskMgr,
		runtime: runtime,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Admit 依次执行时效、信心度、幂等与风控四道检查。
// 通过后信号进入 admitted 状态并返回 Pending 台账；
// 台账先于任何场所调用落盘，崩溃后的重试只会撞上重复拒绝，不会重复下单。
func (g *Gate) Admit(ctx context.Context, sig signal.Signal, balance float64) (Decision, store.ExecutionRecord, error) {
	settings := g.runtime.Snapshot()
	now := g.now()

	// 1. 时效：过期信号反映的是已不成立的行情。
	if sig.Age(now) > settings.StalenessWindow {
		if err := g.markStatus(ctx, sig.ID, signal.StatusExpired); err != nil {
			return Decision{}, store.ExecutionRecord{}, err
		}
		return Decision{
			Kind:   KindExpire,
			Reason: fmt.Sprintf("信号已过期（年龄 %s，上限 %s）", sig.Age(now).Round(time.Second), settings.StalenessWindow),
		}, store.ExecutionRecord{}, nil
	}

	// 2. 信心度：边界取等号时放行。
	if sig.Confidence < settings.MinConfidence {
		if err := g.markStatus(ctx, sig.ID, signal.StatusRejected); err != nil {
			return Decision{}, store.ExecutionRecord{}, err
		}
		return Decision{
			Kind:   KindReject,
			Reason: fmt.Sprintf("信心度 %.2f 低于门槛 %.2f", sig.Confidence, settings.MinConfidence),
		}, store.ExecutionRecord{}, nil
	}

	// 3. 幂等：原子登记台账，冲突即重复，重复拒绝为终态。
	record, err := g.store.CreateRecord(ctx, sig.ID, sig.UserID)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateRecord) {
			return Decision{
				Kind:      KindReject,
				Reason:    "同键信号已存在执行台账",
				Duplicate: true,
			}, store.ExecutionRecord{}, nil
		}
		return Decision{}, store.ExecutionRecord{}, err
	}

	// 4. 风控：失败时回滚 Pending 台账，避免阻塞同键后续合法准入。
	verdict, err := g.risk.Check(ctx, sig.UserID, settings.TradeAmount, balance, now)
	if err != nil {
		if delErr := g.store.DeleteRecord(ctx, sig.ID, sig.UserID); delErr != nil {
			g.logger.Warn("回滚执行台账失败", zap.Int64("signal_id", sig.ID), zap.Error(delErr))
		}
		return Decision{}, store.ExecutionRecord{}, err
	}
	if !verdict.Allowed {
		if delErr := g.store.DeleteRecord(ctx, sig.ID, sig.UserID); delErr != nil {
			g.logger.Warn("回滚执行台账失败", zap.Int64("signal_id", sig.ID), zap.Error(delErr))
		}
		if err := g.markStatus(ctx, sig.ID, signal.StatusRejected); err != nil {
			return Decision{}, store.ExecutionRecord{}, err
		}
		return Decision{Kind: KindReject, Reason: verdict.Reason}, store.ExecutionRecord{}, nil
	}

	if err := g.markStatus(ctx, sig.ID, signal.StatusAdmitted); err != nil {
		return Decision{}, store.ExecutionRecord{}, err
	}

	return Decision{Kind: KindAdmit}, record, nil
}

// markStatus 推进信号状态；并发进程抢先推进时按重复处理，不视作错误。
func (g *Gate) markStatus(ctx context.Context, signalID int64, next signal.Status) error {
	err := g.store.MarkStatus(ctx, signalID, next)
	if err == nil || errors.Is(err, store.ErrInvalidTransition) {
		return nil
	}
	return err
}
