package store

import (
	"context"
	"fmt"
	"time"
)

// User 描述期望自动交易的用户及其加密凭据。
type User struct {
	UserID        int64
	EncryptedSSID string
	RealAccount   bool
}

// ListActiveUsers 返回开启自动交易且凭据非空的用户集合（期望活跃集）。
func (s *Store) ListActiveUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, encrypted_ssid, real_account
		 FROM users
		 WHERE autotrade_enabled = 1 AND encrypted_ssid != ''
		 ORDER BY user_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("store: 查询活跃用户失败: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0, 16)
	for rows.Next() {
		var (
			u    User
			real int
		)
		if scanErr := rows.Scan(&u.UserID, &u.EncryptedSSID, &real); scanErr != nil {
			return nil, fmt.Errorf("store: 解析用户失败: %w", scanErr)
		}
		u.RealAccount = real == 1
		users = append(users, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 读取用户失败: %w", err)
	}
	return users, nil
}

// UpsertUser 写入或更新用户配置。
func (s *Store) UpsertUser(ctx context.Context, u User, enabled bool) error {
	enabledInt := 0
	if enabled {
		enabledInt = 1
	}
	realInt := 0
	if u.RealAccount {
		realInt = 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, autotrade_enabled, encrypted_ssid, real_account, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			autotrade_enabled = excluded.autotrade_enabled,
			encrypted_ssid = excluded.encrypted_ssid,
			real_account = excluded.real_account,
			updated_at = excluded.updated_at`,
		u.UserID, enabledInt, u.EncryptedSSID, realInt, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store: 写入用户失败: %w", err)
	}
	return nil
}

// DisableUser 清除用户的自动交易标记，用于凭据损坏等需人工介入的场景。
func (s *Store) DisableUser(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET autotrade_enabled = 0, updated_at = ? WHERE user_id = ?`,
		time.Now().UTC().Format(time.RFC3339), userID,
	)
	if err != nil {
		return fmt.Errorf("store: 停用用户失败: %w", err)
	}
	return nil
}
