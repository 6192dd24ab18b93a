package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// InsertAlert records an operational alert (queue backlog, counter spike).
func (s *Store) InsertAlert(ctx context.Context, alertType string, payload any) error {
	return s.InsertUserAlert(ctx, 0, alertType, payload)
}

// InsertUserAlert records an alert scoped to one user, such as the daily
// digest delivery marker.
func (s *Store) InsertUserAlert(ctx context.Context, userID int64, alertType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("store: marshal alert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO alert (user_id, type, payload) VALUES (?,?,?)`,
		userID, alertType, string(data)); err != nil {
		return fmt.Errorf("store: insert alert: %w", err)
	}
	return nil
}

// AlertExistsSince reports whether an alert of this type was recorded at or
// after the given instant.
func (s *Store) AlertExistsSince(ctx context.Context, alertType string, since time.Time) (bool, error) {
	return s.UserAlertExistsSince(ctx, 0, alertType, since)
}

// UserAlertExistsSince is the per-user variant. The daily digest uses it as
// its once-per-day guard.
func (s *Store) UserAlertExistsSince(ctx context.Context, userID int64, alertType string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM alert WHERE user_id=? AND type=? AND created_at >= ?`,
		userID, alertType, since.UTC().Format("2006-01-02T15:04:05.000Z")).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: alert exists: %w", err)
	}
	return n > 0, nil
}
