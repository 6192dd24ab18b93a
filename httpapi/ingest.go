package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/hazyhaar/radar/queue"
	"github.com/hazyhaar/radar/store"
)

type ingestRequest struct {
	store.TenderInput
	ForceFetch bool `json:"force_fetch"`
}

// handleIngestTender upserts the tender and queues it for triage. The queue
// message carries the identity at top level and the full payload nested, so
// the triage worker can complete missing fields without a DB hit.
func (s *Server) handleIngestTender(w http.ResponseWriter, r *http.Request) {
	var in ingestRequest
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	saved, ok := s.upsert(r.Context(), w, in.TenderInput)
	if !ok {
		return
	}

	msg := map[string]any{
		"tender_id":   saved.ID,
		"id_pncp":     saved.IDPNCP,
		"source":      saved.Source,
		"source_id":   saved.SourceID,
		"force_fetch": in.ForceFetch,
		"payload":     in,
	}
	if err := s.q.Push(r.Context(), s.cfg.Queues.Triage, msg); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			s.sink.IncrCounter(r.Context(), "api.ingest.queue_full_total")
			writeError(w, http.StatusTooManyRequests, "queue_full")
			return
		}
		s.sink.IncrCounter(r.Context(), "api.ingest.error_total")
		writeError(w, http.StatusInternalServerError, "queue_error")
		return
	}
	s.sink.IncrCounter(r.Context(), "api.ingest.queued_total")

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"queued":      s.cfg.Queues.Triage,
		"tender":      saved,
		"force_fetch": in.ForceFetch,
	})
}

// handleUpsertTender is ingest minus the queue push.
func (s *Server) handleUpsertTender(w http.ResponseWriter, r *http.Request) {
	var in store.TenderInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if saved, ok := s.upsert(r.Context(), w, in); ok {
		writeJSON(w, http.StatusOK, saved)
	}
}

func (s *Server) upsert(ctx context.Context, w http.ResponseWriter, in store.TenderInput) (*store.SavedTender, bool) {
	if len(in.IDPNCP) < 3 && in.SourceID == "" {
		writeError(w, http.StatusBadRequest, "invalid_id_pncp")
		return nil, false
	}
	saved, err := s.st.UpsertTender(ctx, in)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "upsert_failed")
		return nil, false
	}
	return saved, true
}
