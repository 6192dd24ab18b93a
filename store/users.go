package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// User is a Telegram account known to the system.
type User struct {
	ID             int64  `json:"id"`
	TelegramUserID int64  `json:"telegram_user_id"`
	Username       string `json:"username,omitempty"`
	FirstName      string `json:"first_name,omitempty"`
	LastName       string `json:"last_name,omitempty"`
	LanguageCode   string `json:"language_code,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
}

// UpsertUser registers or refreshes a Telegram user and returns its row.
func (s *Store) UpsertUser(ctx context.Context, u User) (*User, error) {
	if u.TelegramUserID == 0 {
		return nil, fmt.Errorf("store: upsert user: telegram_user_id is required")
	}
	var out User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO app_user (telegram_user_id, username, first_name, last_name, language_code, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (telegram_user_id) DO UPDATE SET
		  username=excluded.username,
		  first_name=excluded.first_name,
		  last_name=excluded.last_name,
		  language_code=excluded.language_code,
		  updated_at=excluded.updated_at
		RETURNING id, telegram_user_id, COALESCE(username,''), COALESCE(first_name,''),
		          COALESCE(last_name,''), COALESCE(language_code,''), created_at`,
		u.TelegramUserID, nullStr(u.Username), nullStr(u.FirstName),
		nullStr(u.LastName), nullStr(u.LanguageCode), nowUTC(),
	).Scan(&out.ID, &out.TelegramUserID, &out.Username, &out.FirstName,
		&out.LastName, &out.LanguageCode, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: upsert user: %w", err)
	}
	return &out, nil
}

// UserIDByTelegram maps a Telegram id onto the internal user id.
func (s *Store) UserIDByTelegram(ctx context.Context, telegramUserID int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM app_user WHERE telegram_user_id=?`, telegramUserID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: user by telegram: %w", err)
	}
	return id, nil
}

// Follow marks a tender as followed by a user. Following twice is a no-op.
func (s *Store) Follow(ctx context.Context, userID, tenderID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tender_follow (user_id, tender_id) VALUES (?,?)
		ON CONFLICT (user_id, tender_id) DO NOTHING`, userID, tenderID)
	if err != nil {
		return fmt.Errorf("store: follow: %w", err)
	}
	return nil
}

// Unfollow removes a follow.
func (s *Store) Unfollow(ctx context.Context, userID, tenderID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tender_follow WHERE user_id=? AND tender_id=?`, userID, tenderID)
	if err != nil {
		return fmt.Errorf("store: unfollow: %w", err)
	}
	return nil
}

// FollowedTenderIDs lists the tender ids a user follows, newest first.
func (s *Store) FollowedTenderIDs(ctx context.Context, userID int64, limit int) ([]int64, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tender_id FROM tender_follow WHERE user_id=? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: followed tenders: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
