package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/config"
	"autotrader/internal/store"
)

// Manager 负责执行准入前的风控检查。
type Manager struct {
	cfg     config.RiskConfig
	tracker *DailyTracker
	logger  *zap.Logger
}

// NewManager 创建风险管理器。
func NewManager(cfg config.RiskConfig, st *store.Store, logger *zap.Logger) (*Manager, error) {
	if st == nil {
		return nil, errors.New("risk: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker, err := NewDailyTracker(st.DB(), cfg, logger)
	if err != nil {
		return nil, err
	}

	return &Manager{
		cfg:     cfg,
		tracker: tracker,
		logger:  logger,
	}, nil
}

// Check 判断某用户是否允许按给定金额下单。
// 先以当前余额刷新日度状态，再依次校验日停标记与单笔风险上限。
func (m *Manager) Check(ctx context.Context, userID int64, amount, balance float64, ts time.Time) (Verdict, error) {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	status, err := m.tracker.Update(ctx, userID, ts, balance)
	if err != nil {
		return Verdict{}, err
	}

	if status.Halted {
		return Verdict{
			Allowed: false,
			Reason:  fmt.Sprintf("当日亏损已达上限（%.2f%%），停止开仓", status.LossPercent*100),
		}, nil
	}

	if balance > 0 && amount > balance*m.cfg.MaxTradeRisk {
		return Verdict{
			Allowed: false,
			Reason: fmt.Sprintf("单笔金额 %.2f 超过余额的 %.2f%% 上限",
				amount, m.cfg.MaxTradeRisk*100),
		}, nil
	}

	return Verdict{Allowed: true}, nil
}

// RecordOutcome 将一笔结算写入风控日志，供日度统计与人工核对。
func (m *Manager) RecordOutcome(ctx context.Context, userID int64, tradeID string, profit float64) {
	details := fmt.Sprintf(`{"trade_id":%q,"profit":%.4f}`, tradeID, profit)
	if err := m.tracker.LogEvent(ctx, userID, "trade_settled", "订单已结算", details, ""); err != nil {
		m.logger.Warn("记录结算事件失败", zap.Int64("user_id", userID), zap.Error(err))
	}
}
