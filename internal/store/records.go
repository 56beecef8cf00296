package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Outcome 表示执行台账条目的结果状态。
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomePlaced   Outcome = "placed"
	OutcomeFailed   Outcome = "failed"
	OutcomeTimedOut Outcome = "timed_out"
)

// ErrDuplicateRecord 表示 (signal_id, user_id) 已存在台账条目。
// 这是至多执行一次保证的判定边界。
var ErrDuplicateRecord = errors.New("store: 执行台账条目已存在")

// ErrRecordNotFound 表示台账条目不存在。
var ErrRecordNotFound = errors.New("store: 执行台账条目不存在")

// ExecutionRecord 为幂等台账条目。TradeID 在场所确认前为空。
type ExecutionRecord struct {
	SignalID  int64
	UserID    int64
	TradeID   string
	Outcome   Outcome
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateRecord 以原子插入的方式登记一条 Pending 台账。
// 唯一约束冲突映射为 ErrDuplicateRecord，调用方据此拒绝重复执行。
func (s *Store) CreateRecord(ctx context.Context, signalID, userID int64) (ExecutionRecord, error) {
	now := time.Now().UTC()
	ts := now.Format(time.RFC3339)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_records (signal_id, user_id, trade_id, outcome, created_at, updated_at)
		 VALUES (?, ?, NULL, ?, ?, ?)`,
		signalID, userID, string(OutcomePending), ts, ts,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ExecutionRecord{}, ErrDuplicateRecord
		}
		return ExecutionRecord{}, fmt.Errorf("store: 登记执行台账失败: %w", err)
	}

	return ExecutionRecord{
		SignalID:  signalID,
		UserID:    userID,
		Outcome:   OutcomePending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// UpdateRecordOutcome 更新台账结果；tradeID 为空时保留原值。
func (s *Store) UpdateRecordOutcome(ctx context.Context, signalID, userID int64, outcome Outcome, tradeID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_records
		 SET outcome = ?, trade_id = COALESCE(NULLIF(?, ''), trade_id), updated_at = ?
		 WHERE signal_id = ? AND user_id = ?`,
		string(outcome), tradeID, time.Now().UTC().Format(time.RFC3339), signalID, userID,
	)
	if err != nil {
		return fmt.Errorf("store: 更新执行台账失败: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: 读取更新结果失败: %w", err)
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// DeleteRecord 移除台账条目。仅用于回滚因非重复原因被拒绝的 Pending 条目，
// 避免其阻塞同键信号的后续合法准入。
func (s *Store) DeleteRecord(ctx context.Context, signalID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_records WHERE signal_id = ? AND user_id = ? AND outcome = ?`,
		signalID, userID, string(OutcomePending),
	)
	if err != nil {
		return fmt.Errorf("store: 删除执行台账失败: %w", err)
	}
	return nil
}

// GetRecord 读取台账条目。
func (s *Store) GetRecord(ctx context.Context, signalID, userID int64) (ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT signal_id, user_id, COALESCE(trade_id, ''), outcome, created_at, updated_at
		 FROM execution_records WHERE signal_id = ? AND user_id = ?`,
		signalID, userID,
	)

	var (
		rec     ExecutionRecord
		outcome string
		created string
		updated string
	)
	if err := row.Scan(&rec.SignalID, &rec.UserID, &rec.TradeID, &outcome, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ExecutionRecord{}, ErrRecordNotFound
		}
		return ExecutionRecord{}, fmt.Errorf("store: 读取执行台账失败: %w", err)
	}

	rec.Outcome = Outcome(outcome)
	if ts, err := time.Parse(time.RFC3339, created); err == nil {
		rec.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339, updated); err == nil {
		rec.UpdatedAt = ts
	}
	return rec, nil
}
