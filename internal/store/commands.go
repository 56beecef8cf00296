package store

import (
	"context"
	"fmt"
	"time"
)

// AdminCommand 为指令通道的一条待处理指令。
type AdminCommand struct {
	ID        int64
	Command   string
	Payload   string
	CreatedAt time.Time
}

// EnqueueCommand 写入一条管理指令（供外部管理面或测试使用）。
func (s *Store) EnqueueCommand(ctx context.Context, command, payload string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO admin_commands (command, payload, created_at, handled) VALUES (?, ?, ?, 0)`,
		command, payload, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("store: 写入管理指令失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: 获取指令ID失败: %w", err)
	}
	return id, nil
}

// PendingCommands 按写入顺序返回未处理指令。
func (s *Store) PendingCommands(ctx context.Context, limit int) ([]AdminCommand, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command, COALESCE(payload, ''), created_at
		 FROM admin_commands WHERE handled = 0 ORDER BY id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: 查询管理指令失败: %w", err)
	}
	defer rows.Close()

	cmds := make([]AdminCommand, 0, limit)
	for rows.Next() {
		var (
			cmd     AdminCommand
			created string
		)
		if scanErr := rows.Scan(&cmd.ID, &cmd.Command, &cmd.Payload, &created); scanErr != nil {
			return nil, fmt.Errorf("store: 解析管理指令失败: %w", scanErr)
		}
		if ts, parseErr := time.Parse(time.RFC3339, created); parseErr == nil {
			cmd.CreatedAt = ts
		}
		cmds = append(cmds, cmd)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 读取管理指令失败: %w", err)
	}
	return cmds, nil
}

// MarkCommandHandled 标记指令已处理。
func (s *Store) MarkCommandHandled(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE admin_commands SET handled = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: 标记指令失败: %w", err)
	}
	return nil
}
