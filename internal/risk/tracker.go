package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/config"
)

// DailyTracker 按用户维护日度风控状态。
type DailyTracker struct {
	db     *sql.DB
	cfg    config.RiskConfig
	logger *zap.Logger
}

// NewDailyTracker 创建日度监控器并初始化表结构。
func NewDailyTracker(db *sql.DB, cfg config.RiskConfig, logger *zap.Logger) (*DailyTracker, error) {
	if db == nil {
		return nil, errors.New("risk: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker := &DailyTracker{
		db:     db,
		cfg:    cfg,
		logger: logger,
	}

	if err := tracker.initSchema(); err != nil {
		return nil, err
	}

	return tracker, nil
}

func (t *DailyTracker) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS risk_daily_metrics (
			user_id INTEGER NOT NULL,
			trading_date TEXT NOT NULL,
			start_balance REAL NOT NULL,
			current_balance REAL NOT NULL,
			halted INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, trading_date)
		);`,
		`CREATE TABLE IF NOT EXISTS risk_activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TEXT NOT NULL,
			user_id INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT,
			trading_date TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_risk_activity_user_date ON risk_activity_log(user_id, trading_date);`,
	}

	for _, stmt := range schema {
		if _, err := t.db.Exec(stmt); err != nil {
			return fmt.Errorf("risk: 初始化表结构失败: %w", err)
		}
	}

	return nil
}

// Update 根据用户当前余额更新当日状态，返回最新状态。
func (t *DailyTracker) Update(ctx context.Context, userID int64, ts time.Time, balance float64) (DailyStatus, error) {
	var result DailyStatus

	tradingDate := tradingDay(ts, t.cfg.DailyLossResetHour)
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("risk: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		startBalance float64
		haltedInt    int
	)

	row := tx.QueryRowContext(ctx,
		`SELECT start_balance, halted FROM risk_daily_metrics WHERE user_id = ? AND trading_date = ?`,
		userID, tradingDate)
	switch scanErr := row.Scan(&startBalance, &haltedInt); {
	case scanErr == nil:
		if _, execErr := tx.ExecContext(ctx,
			`UPDATE risk_daily_metrics SET current_balance = ?, updated_at = ? WHERE user_id = ? AND trading_date = ?`,
			balance, now, userID, tradingDate,
		); execErr != nil {
			err = fmt.Errorf("risk: 更新日度余额失败: %w", execErr)
			return result, err
		}
	case errors.Is(scanErr, sql.ErrNoRows):
		if _, execErr := tx.ExecContext(ctx,
			`INSERT INTO risk_daily_metrics (user_id, trading_date, start_balance, current_balance, halted, updated_at)
			 VALUES (?, ?, ?, ?, 0, ?)`,
			userID, tradingDate, balance, balance, now,
		); execErr != nil {
			err = fmt.Errorf("risk: 初始化日度余额失败: %w", execErr)
			return result, err
		}

		result = DailyStatus{
			UserID:         userID,
			TradingDate:    tradingDate,
			StartBalance:   balance,
			CurrentBalance: balance,
			LossPercent:    0,
			Halted:         false,
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return result, fmt.Errorf("risk: 提交事务失败: %w", commitErr)
		}

		return result, nil
	default:
		err = fmt.Errorf("risk: 查询日度余额失败: %w", scanErr)
		return result, err
	}

	lossPercent := 0.0
	if startBalance > 0 {
		lossPercent = (balance - startBalance) / startBalance
	}
	halted := haltedInt == 1

	if t.cfg.EnableDailyStopLoss && !halted && startBalance > 0 && lossPercent <= -t.cfg.MaxDailyLoss {
		halted = true
		if _, execErr := tx.ExecContext(ctx,
			`UPDATE risk_daily_metrics SET halted = 1, updated_at = ? WHERE user_id = ? AND trading_date = ?`,
			now, userID, tradingDate,
		); execErr != nil {
			err = fmt.Errorf("risk: 更新日停交易状态失败: %w", execErr)
			return result, err
		}

		msg := fmt.Sprintf("当日累计亏损%.2f%% 超过上限 %.2f%%，触发停交易", lossPercent*100, t.cfg.MaxDailyLoss*100)
		if logErr := t.logEventTx(ctx, tx, userID, tradingDate, "daily_halt", msg, ""); logErr != nil {
			err = logErr
			return result, err
		}

		t.logger.Warn("触发日度亏损限制",
			zap.Int64("user_id", userID),
			zap.String("trading_date", tradingDate),
			zap.Float64("loss_percent", lossPercent))
	}

	result = DailyStatus{
		UserID:         userID,
		TradingDate:    tradingDate,
		StartBalance:   startBalance,
		CurrentBalance: balance,
		LossPercent:    lossPercent,
		Halted:         halted,
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return result, fmt.Errorf("risk: 提交事务失败: %w", commitErr)
	}

	return result, nil
}

// LogEvent 记录风控事件。
func (t *DailyTracker) LogEvent(ctx context.Context, userID int64, eventType, message, details, tradingDate string) error {
	if eventType == "" {
		return errors.New("risk: eventType 不能为空")
	}
	if tradingDate == "" {
		tradingDate = tradingDay(time.Now().UTC(), t.cfg.DailyLossResetHour)
	}

	_, err := t.db.ExecContext(ctx,
		`INSERT INTO risk_activity_log (occurred_at, user_id, event_type, message, details, trading_date)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), userID, eventType, message, details, tradingDate,
	)
	if err != nil {
		return fmt.Errorf("risk: 写入风险事件日志失败: %w", err)
	}

	return nil
}

func (t *DailyTracker) logEventTx(ctx context.Context, tx *sql.Tx, userID int64, tradingDate, eventType, message, details string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO risk_activity_log (occurred_at, user_id, event_type, message, details, trading_date)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), userID, eventType, message, details, tradingDate,
	)
	if err != nil {
		return fmt.Errorf("risk: 记录风险事件失败: %w", err)
	}
	return nil
}

func tradingDay(ts time.Time, resetHour int) string {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	utc := ts.UTC()
	shifted := utc.Add(-time.Duration(resetHour) * time.Hour)
	day := time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
	return day.Format("2006-01-02")
}
