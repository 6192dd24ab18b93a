package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Subscription is a saved notification filter for one user.
type Subscription struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Filters   json.RawMessage `json:"filters"`
	Delivery  json.RawMessage `json:"delivery"`
	Frequency string          `json:"frequency"`
	IsActive  bool            `json:"is_active"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`

	// TelegramUserID is filled by ActiveSubscriptions for delivery.
	TelegramUserID int64 `json:"telegram_user_id,omitempty"`
}

const subscriptionColumns = `id, user_id, filters, delivery, frequency, is_active, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (*Subscription, error) {
	var sub Subscription
	var filters, delivery string
	err := row.Scan(&sub.ID, &sub.UserID, &filters, &delivery,
		&sub.Frequency, &sub.IsActive, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sub.Filters = json.RawMessage(filters)
	sub.Delivery = json.RawMessage(delivery)
	return &sub, nil
}

// ListSubscriptions returns a user's subscriptions, newest first.
func (s *Store) ListSubscriptions(ctx context.Context, userID int64) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM user_subscription WHERE user_id=? ORDER BY id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list subscriptions: %w", err)
	}
	defer rows.Close()
	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// CreateSubscription stores a new active subscription. Empty filters mean
// "everything"; delivery defaults to both private messages and channels.
func (s *Store) CreateSubscription(ctx context.Context, userID int64, filters, delivery json.RawMessage, frequency string) (*Subscription, error) {
	if len(filters) == 0 {
		filters = json.RawMessage(`{}`)
	}
	if len(delivery) == 0 {
		delivery = json.RawMessage(`{"pv": true, "channel": true}`)
	}
	if frequency == "" {
		frequency = "realtime"
	}
	now := nowUTC()
	return scanSubscription(s.db.QueryRowContext(ctx, `
		INSERT INTO user_subscription (user_id, filters, delivery, frequency, is_active, created_at, updated_at)
		VALUES (?,?,?,?,1,?,?)
		RETURNING `+subscriptionColumns,
		userID, string(filters), string(delivery), frequency, now, now))
}

// SubscriptionPatch updates only the fields that are set.
type SubscriptionPatch struct {
	Filters   json.RawMessage
	Delivery  json.RawMessage
	Frequency *string
	IsActive  *bool
}

// UpdateSubscription applies a partial update and returns the new row.
func (s *Store) UpdateSubscription(ctx context.Context, id int64, p SubscriptionPatch) (*Subscription, error) {
	var filters, delivery, frequency, isActive any
	if len(p.Filters) > 0 {
		filters = string(p.Filters)
	}
	if len(p.Delivery) > 0 {
		delivery = string(p.Delivery)
	}
	if p.Frequency != nil {
		frequency = *p.Frequency
	}
	if p.IsActive != nil {
		isActive = *p.IsActive
	}
	return scanSubscription(s.db.QueryRowContext(ctx, `
		UPDATE user_subscription
		SET filters=COALESCE(?, filters),
		    delivery=COALESCE(?, delivery),
		    frequency=COALESCE(?, frequency),
		    is_active=COALESCE(?, is_active),
		    updated_at=?
		WHERE id=?
		RETURNING `+subscriptionColumns,
		filters, delivery, frequency, isActive, nowUTC(), id))
}

// SetAllActive pauses or resumes every subscription of one user.
func (s *Store) SetAllActive(ctx context.Context, userID int64, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_subscription SET is_active=?, updated_at=? WHERE user_id=?`,
		active, nowUTC(), userID)
	if err != nil {
		return fmt.Errorf("store: set subscriptions active: %w", err)
	}
	return nil
}

// SetFrequency changes the delivery cadence of every subscription of one user.
func (s *Store) SetFrequency(ctx context.Context, userID int64, frequency string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_subscription SET frequency=?, updated_at=? WHERE user_id=?`,
		frequency, nowUTC(), userID)
	if err != nil {
		return fmt.Errorf("store: set frequency: %w", err)
	}
	return nil
}

// SubscriptionOwnerTelegramID resolves who owns a subscription, for cache
// invalidation after updates.
func (s *Store) SubscriptionOwnerTelegramID(ctx context.Context, subscriptionID int64) (int64, error) {
	var tid int64
	err := s.db.QueryRowContext(ctx, `
		SELECT au.telegram_user_id FROM user_subscription us
		JOIN app_user au ON au.id = us.user_id
		WHERE us.id=?`, subscriptionID).Scan(&tid)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: subscription owner: %w", err)
	}
	return tid, nil
}

// ActiveSubscriptions lists every active subscription joined with its
// owner's Telegram id, for notification fan-out.
func (s *Store) ActiveSubscriptions(ctx context.Context) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT us.id, us.user_id, us.filters, us.delivery, us.frequency, us.is_active,
		       us.created_at, us.updated_at, au.telegram_user_id
		FROM user_subscription us
		JOIN app_user au ON au.id = us.user_id
		WHERE us.is_active=1
		ORDER BY us.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: active subscriptions: %w", err)
	}
	defer rows.Close()
	var out []*Subscription
	for rows.Next() {
		var sub Subscription
		var filters, delivery string
		if err := rows.Scan(&sub.ID, &sub.UserID, &filters, &delivery, &sub.Frequency,
			&sub.IsActive, &sub.CreatedAt, &sub.UpdatedAt, &sub.TelegramUserID); err != nil {
			return nil, err
		}
		sub.Filters = json.RawMessage(filters)
		sub.Delivery = json.RawMessage(delivery)
		out = append(out, &sub)
	}
	return out, rows.Err()
}
