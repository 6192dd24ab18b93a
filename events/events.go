// Package events is the sampled pipeline trace log. Every stage emits
// consumed/ok/retry/dead events; the sample rate keeps write volume sane on
// busy deployments. Emitting never fails the caller.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"

	"github.com/hazyhaar/radar/store"
)

// Logger writes sampled events to the store.
type Logger struct {
	st      *store.Store
	enabled bool
	sample  float64
}

// New builds a Logger. sample is the fraction of events kept, in [0,1];
// values >= 1 keep everything.
func New(st *store.Store, enabled bool, sample float64) *Logger {
	return &Logger{st: st, enabled: enabled, sample: sample}
}

func (l *Logger) shouldLog() bool {
	if l == nil || l.st == nil || !l.enabled {
		return false
	}
	if l.sample >= 1.0 {
		return true
	}
	return rand.Float64() <= l.sample
}

// Log records one event. Payload must be JSON-marshalable; nil becomes {}.
func (l *Logger) Log(ctx context.Context, stage, status string, tenderID, documentID int64, payload any) {
	if !l.shouldLog() {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			slog.Warn("events: marshal payload", "stage", stage, "error", err)
		} else {
			raw = data
		}
	}
	err := l.st.InsertEvent(ctx, store.Event{
		TenderID:   tenderID,
		DocumentID: documentID,
		Stage:      stage,
		Status:     status,
		Payload:    raw,
	})
	if err != nil {
		slog.Warn("events: insert failed", "stage", stage, "status", status, "error", err)
	}
}
