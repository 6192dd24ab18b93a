package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Event is one pipeline trace entry.
type Event struct {
	ID         int64           `json:"id"`
	TenderID   int64           `json:"tender_id,omitempty"`
	DocumentID int64           `json:"document_id,omitempty"`
	Stage      string          `json:"stage"`
	Status     string          `json:"status"`
	Message    string          `json:"message,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  string          `json:"created_at"`
}

// InsertEvent appends a pipeline event.
func (s *Store) InsertEvent(ctx context.Context, e Event) error {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_event (tender_id, document_id, stage, status, message, payload)
		VALUES (?,?,?,?,?,?)`,
		nullInt(e.TenderID), nullInt(e.DocumentID), e.Stage, e.Status, nullStr(e.Message), string(payload))
	if err != nil {
		return fmt.Errorf("store: insert event: %w", err)
	}
	return nil
}

// EventFilter narrows ListEvents. Zero values are ignored.
type EventFilter struct {
	TenderID   int64
	DocumentID int64
	Stage      string
	Limit      int
}

// ListEvents returns events newest first. Limit is clamped to [1,500].
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]*Event, error) {
	limit := f.Limit
	if limit < 1 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	q := `SELECT id, COALESCE(tender_id,0), COALESCE(document_id,0), stage, status,
	             COALESCE(message,''), payload, created_at
	      FROM pipeline_event WHERE 1=1`
	var args []any
	if f.TenderID > 0 {
		q += ` AND tender_id=?`
		args = append(args, f.TenderID)
	}
	if f.DocumentID > 0 {
		q += ` AND document_id=?`
		args = append(args, f.DocumentID)
	}
	if f.Stage != "" {
		q += ` AND stage=?`
		args = append(args, f.Stage)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.ID, &e.TenderID, &e.DocumentID, &e.Stage, &e.Status,
			&e.Message, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, &e)
	}
	return out, rows.Err()
}
