package executor

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
	"autotrader/internal/venue"
)

// Outcome 汇总一次执行的最终落点。
type Outcome struct {
	Record  store.Outcome
	TradeID string
	Result  venue.ResultKind
	Profit  float64
}

// Executor 负责将已准入的信号转化为场所下单并跟踪回执。
type Executor struct {
	store   *store.Store
	runtime *command.Runtime
	risk    *risk.Manager
	logger  *zap.Logger

	pollBudget time.Duration
	pollEvery  time.Duration
}

// New 创建执行器。pollBudget 为 0 时关闭结算轮询。
func New(st *store.Store, runtime *command.Runtime, riskMgr *risk.Manager, pollBudget, pollEvery time.Duration, logger *zap.Logger) (*Executor, error) {
	if st == nil {
		return nil, errors.New("executor: store 不能为空")
	}
	if runtime == nil {
		return nil, errors.New("executor: 运行期参数不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Executor{
		store:      st,
		runtime:    runtime,
		risk:       riskMgr,
		logger:     logger,
		pollBudget: pollBudget,
		pollEvery:  pollEvery,
	}, nil
}

// Execute 按协议下单并落账：
// 确认 -> Placed + executed；明确拒绝 -> Failed + rejected；
// 超时或发出后被取消 -> TimedOut，绝不自动重发（重发即重复下单风险），
// 留待与场所订单历史人工对账。
func (e *Executor) Execute(ctx context.Context, sess venue.Session, sig signal.Signal, rec store.ExecutionRecord) (Outcome, error) {
	settings := e.runtime.Snapshot()

	req := venue.OrderRequest{
		Asset:     sig.Asset,
		Amount:    settings.TradeAmount,
		Direction: wireDirection(sig.Direction),
		Duration:  int(settings.TradeDuration / time.Second),
	}

	log := e.logger.With(
		zap.Int64("user_id", sig.UserID),
		zap.Int64("signal_id", sig.ID),
		zap.String("asset", sig.Asset),
	)

	ack, err := sess.PlaceOrder(ctx, req)
	switch {
	case err == nil:
		if updErr := e.store.UpdateRecordOutcome(ctx, rec.SignalID, rec.UserID, store.OutcomePlaced, ack.TradeID); updErr != nil {
			// 回执已收到但落账失败：台账保持 Pending，按歧义对账处理。
			return Outcome{Record: store.OutcomePending, TradeID: ack.TradeID},
				fmt.Errorf("executor: 记录下单回执失败: %w", updErr)
		}
		if markErr := e.markExecuted(ctx, sig.ID); markErr != nil {
			return Outcome{Record: store.OutcomePlaced, TradeID: ack.TradeID}, markErr
		}
		log.Info("订单已确认", zap.String("trade_id", ack.TradeID), zap.Float64("balance", ack.Balance))

		outcome := Outcome{Record: store.OutcomePlaced, TradeID: ack.TradeID, Result: venue.ResultPending}
		e.pollSettlement(ctx, sess, sig.UserID, ack.TradeID, &outcome)
		return outcome, nil

	case errors.Is(err, venue.ErrAckTimeout):
		log.Warn("下单回执超时，结果不可知", zap.Error(err))
		if updErr := e.store.UpdateRecordOutcome(ctx, rec.SignalID, rec.UserID, store.OutcomeTimedOut, ""); updErr != nil {
			return Outcome{Record: store.OutcomePending}, fmt.Errorf("executor: 标记超时失败: %w", updErr)
		}
		return Outcome{Record: store.OutcomeTimedOut}, nil

	case venue.IsReject(err):
		log.Warn("场所拒绝下单", zap.Error(err))
		if updErr := e.store.UpdateRecordOutcome(ctx, rec.SignalID, rec.UserID, store.OutcomeFailed, ""); updErr != nil {
			return Outcome{Record: store.OutcomePending}, fmt.Errorf("executor: 标记失败失败: %w", updErr)
		}
		if markErr := e.markRejected(ctx, sig.ID); markErr != nil {
			return Outcome{Record: store.OutcomeFailed}, markErr
		}
		return Outcome{Record: store.OutcomeFailed}, nil

	default:
		// 请求未离开本端（序列化失败、连接已关闭等），不存在重复下单风险。
		log.Warn("下单请求未送达", zap.Error(err))
		if updErr := e.store.UpdateRecordOutcome(ctx, rec.SignalID, rec.UserID, store.OutcomeFailed, ""); updErr != nil {
			return Outcome{Record: store.OutcomePending}, fmt.Errorf("executor: 标记失败失败: %w", updErr)
		}
		if markErr := e.markRejected(ctx, sig.ID); markErr != nil {
			return Outcome{Record: store.OutcomeFailed}, markErr
		}
		return Outcome{Record: store.OutcomeFailed}, nil
	}
}

// pollSettlement 轮询结算结果直至终态或预算耗尽；会话关闭或上下文取消即停止。
// 轮询失败只影响结果可见性，不影响已确认订单的台账。
func (e *Executor) pollSettlement(ctx context.Context, sess venue.Session, userID int64, tradeID string, outcome *Outcome) {
	if e.pollBudget <= 0 || e.pollEvery <= 0 {
		return
	}

	deadline := time.Now().Add(e.pollBudget)
	ticker := time.NewTicker(e.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			e.logger.Debug("结算轮询预算耗尽", zap.String("trade_id", tradeID))
			return
		}
		if sess.State() != venue.StateReady {
			return
		}

		result, err := sess.PollResult(ctx, tradeID)
		if err != nil {
			e.logger.Warn("查询结算结果失败", zap.String("trade_id", tradeID), zap.Error(err))
			return
		}

		if result.Result != venue.ResultPending {
			outcome.Result = result.Result
			outcome.Profit = result.Profit
			if e.risk != nil {
				e.risk.RecordOutcome(ctx, userID, tradeID, result.Profit)
			}
			e.logger.Info("订单已结算",
				zap.String("trade_id", tradeID),
				zap.String("result", string(result.Result)),
				zap.Float64("profit", result.Profit))
			return
		}
	}
}

func (e *Executor) markExecuted(ctx context.Context, signalID int64) error {
	err := e.store.MarkStatus(ctx, signalID, signal.StatusExecuted)
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		return fmt.Errorf("executor: 标记信号已执行失败: %w", err)
	}
	return nil
}

func (e *Executor) markRejected(ctx context.Context, signalID int64) error {
	err := e.store.MarkStatus(ctx, signalID, signal.StatusRejected)
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		return fmt.Errorf("executor: 标记信号被拒失败: %w", err)
	}
	return nil
}

func wireDirection(d signal.Direction) string {
	if d == signal.DirectionSell {
		return "put"
	}
	return "call"
}
