package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"autotrader/internal/signal"
)

var (
	// ErrSignalNotFound 表示信号不存在。
	ErrSignalNotFound = errors.New("store: 信号不存在")
	// ErrInvalidTransition 表示状态迁移违反单向推进约束。
	ErrInvalidTransition = errors.New("store: 非法的信号状态迁移")
)

// InsertSignal 写入一条定向信号并返回分配的ID。
func (s *Store) InsertSignal(ctx context.Context, sig signal.Signal) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	createdAt := sig.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO signals (user_id, asset, direction, confidence, source, created_at, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.UserID, sig.Asset, string(sig.Direction), sig.Confidence, string(sig.Source),
		createdAt.Format(time.RFC3339), string(signal.StatusNew), now,
	)
	if err != nil {
		return 0, fmt.Errorf("store: 写入信号失败: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: 获取信号ID失败: %w", err)
	}
	return id, nil
}

// InsertBroadcast 将一条广播信号按用户展开成多行，保证每行只有单一归属。
// 全部写入在同一事务内完成。
func (s *Store) InsertBroadcast(ctx context.Context, sig signal.Signal, userIDs []int64) ([]int64, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	createdAt := sig.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	ids := make([]int64, 0, len(userIDs))
	for _, userID := range userIDs {
		res, execErr := tx.ExecContext(ctx,
			`INSERT INTO signals (user_id, asset, direction, confidence, source, created_at, status, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			userID, sig.Asset, string(sig.Direction), sig.Confidence, string(sig.Source),
			createdAt.Format(time.RFC3339), string(signal.StatusNew), now,
		)
		if execErr != nil {
			err = fmt.Errorf("store: 展开广播信号失败: %w", execErr)
			return nil, err
		}
		id, idErr := res.LastInsertId()
		if idErr != nil {
			err = fmt.Errorf("store: 获取信号ID失败: %w", idErr)
			return nil, err
		}
		ids = append(ids, id)
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return nil, fmt.Errorf("store: 提交事务失败: %w", commitErr)
	}
	return ids, nil
}

// FetchUnprocessed 拉取某用户尚未处理的信号，按创建时间倒序，最多 limit 条。
// maxAge 用于在存储层先行过滤明显过期的行，减少无效准入。
func (s *Store) FetchUnprocessed(ctx context.Context, userID int64, limit int, maxAge time.Duration) ([]signal.Signal, error) {
	if limit <= 0 {
		limit = 5
	}

	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, asset, direction, confidence, source, created_at, status
		 FROM signals
		 WHERE user_id = ? AND status = ? AND created_at >= ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		userID, string(signal.StatusNew), cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: 查询未处理信号失败: %w", err)
	}
	defer rows.Close()

	signals := make([]signal.Signal, 0, limit)
	for rows.Next() {
		sig, scanErr := scanSignal(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		signals = append(signals, sig)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 读取信号失败: %w", err)
	}
	return signals, nil
}

// ExpireStale 将已超出时效窗口却仍停留在 new 的信号批量置为 expired。
// 领取方在登记台账与推进状态之间崩溃时，残留的 new 行会因时效过滤
// 永远不再被拉取，此清扫保证每条信号最终都到达可查验的终态。
func (s *Store) ExpireStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE signals SET status = ?, updated_at = ? WHERE status = ? AND created_at < ?`,
		string(signal.StatusExpired), now.Format(time.RFC3339),
		string(signal.StatusNew), now.Add(-maxAge).Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("store: 清扫过期信号失败: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: 读取清扫结果失败: %w", err)
	}
	return affected, nil
}

// GetSignal 按ID读取信号。
func (s *Store) GetSignal(ctx context.Context, id int64) (signal.Signal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, asset, direction, confidence, source, created_at, status
		 FROM signals WHERE id = ?`, id,
	)
	sig, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return signal.Signal{}, ErrSignalNotFound
	}
	return sig, err
}

// MarkStatus 推进信号状态。更新使用状态前置条件守卫，
// 保证单向迁移在并发进程间也成立。
func (s *Store) MarkStatus(ctx context.Context, id int64, next signal.Status) error {
	allowed := allowedPredecessors(next)
	if len(allowed) == 0 {
		return fmt.Errorf("%w: 目标状态 %s 不可达", ErrInvalidTransition, next)
	}

	query := `UPDATE signals SET status = ?, updated_at = ? WHERE id = ? AND status IN (` + placeholders(len(allowed)) + `)`
	args := make([]interface{}, 0, len(allowed)+3)
	args = append(args, string(next), time.Now().UTC().Format(time.RFC3339), id)
	for _, st := range allowed {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: 更新信号状态失败: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: 读取更新结果失败: %w", err)
	}
	if affected == 0 {
		var current string
		row := s.db.QueryRowContext(ctx, `SELECT status FROM signals WHERE id = ?`, id)
		if scanErr := row.Scan(&current); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return ErrSignalNotFound
			}
			return fmt.Errorf("store: 查询信号状态失败: %w", scanErr)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}

	return nil
}

func allowedPredecessors(next signal.Status) []signal.Status {
	all := []signal.Status{
		signal.StatusNew,
		signal.StatusAdmitted,
		signal.StatusRejected,
		signal.StatusExecuted,
		signal.StatusExpired,
	}
	var allowed []signal.Status
	for _, st := range all {
		if st.CanTransition(next) {
			allowed = append(allowed, st)
		}
	}
	return allowed
}

func placeholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ", "
		}
		out += "?"
	}
	return out
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSignal(row rowScanner) (signal.Signal, error) {
	var (
		sig       signal.Signal
		direction string
		source    string
		created   string
		status    string
	)
	if err := row.Scan(&sig.ID, &sig.UserID, &sig.Asset, &direction, &sig.Confidence, &source, &created, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return signal.Signal{}, err
		}
		return signal.Signal{}, fmt.Errorf("store: 解析信号失败: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, created)
	if err != nil {
		return signal.Signal{}, fmt.Errorf("store: 解析信号时间失败: %w", err)
	}

	sig.Direction = signal.Direction(direction)
	sig.Source = signal.Source(source)
	sig.CreatedAt = ts
	sig.Status = signal.Status(status)
	return sig, nil
}
