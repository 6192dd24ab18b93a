package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/hazyhaar/radar/store"
)

func queryInt(r *http.Request, name string, def int64) int64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	tenderID := queryInt(r, "tender_id", 0)
	if tenderID < 1 {
		writeError(w, http.StatusBadRequest, "invalid_tender_id")
		return
	}
	limit := int(queryInt(r, "limit", 20))
	docs, err := s.st.ListDocuments(r.Context(), tenderID, limit)
	if err != nil {
		s.fail(w, err, "list_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tender_id": tenderID, "items": docs})
}

func (s *Server) handleSearchSegments(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Query    string `json:"query"`
		TenderID int64  `json:"tender_id"`
		Limit    int    `json:"limit"`
	}
	if err := readJSON(r, &in); err != nil || len(in.Query) < 2 {
		writeError(w, http.StatusBadRequest, "invalid_query")
		return
	}
	if in.Limit <= 0 || in.Limit > 50 {
		in.Limit = 5
	}
	items, err := s.st.SearchSegments(r.Context(), in.Query, in.TenderID, in.Limit)
	if err != nil {
		s.fail(w, err, "search_failed")
		return
	}
	if items == nil {
		items = []*store.Segment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	f := store.EventFilter{
		TenderID:   queryInt(r, "tender_id", 0),
		DocumentID: queryInt(r, "document_id", 0),
		Stage:      r.URL.Query().Get("stage"),
		Limit:      int(queryInt(r, "limit", 50)),
	}
	events, err := s.st.ListEvents(r.Context(), f)
	if err != nil {
		s.fail(w, err, "list_failed")
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleUpsertUser(w http.ResponseWriter, r *http.Request) {
	var in store.User
	if err := readJSON(r, &in); err != nil || in.TelegramUserID < 1 {
		writeError(w, http.StatusBadRequest, "invalid_user")
		return
	}
	u, err := s.st.UpsertUser(r.Context(), in)
	if err != nil {
		s.fail(w, err, "upsert_failed")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type followRequest struct {
	TelegramUserID int64 `json:"telegram_user_id"`
	TenderID       int64 `json:"tender_id"`
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	s.follow(w, r, true)
}

func (s *Server) handleUnfollow(w http.ResponseWriter, r *http.Request) {
	s.follow(w, r, false)
}

func (s *Server) follow(w http.ResponseWriter, r *http.Request, add bool) {
	var in followRequest
	if err := readJSON(r, &in); err != nil || in.TelegramUserID < 1 || in.TenderID < 1 {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	userID, err := s.st.UserIDByTelegram(r.Context(), in.TelegramUserID)
	if err != nil {
		s.fail(w, err, "user_not_found")
		return
	}
	if add {
		err = s.st.Follow(r.Context(), userID, in.TenderID)
	} else {
		err = s.st.Unfollow(r.Context(), userID, in.TenderID)
	}
	if err != nil {
		s.fail(w, err, "follow_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	tgID := queryInt(r, "telegram_user_id", 0)
	if tgID < 1 {
		writeError(w, http.StatusBadRequest, "invalid_telegram_user_id")
		return
	}
	userID, err := s.st.UserIDByTelegram(r.Context(), tgID)
	if err != nil {
		// Unknown users simply have no subscriptions.
		writeJSON(w, http.StatusOK, map[string]any{"items": []*store.Subscription{}})
		return
	}
	subs, err := s.st.ListSubscriptions(r.Context(), userID)
	if err != nil {
		s.fail(w, err, "list_failed")
		return
	}
	if subs == nil {
		subs = []*store.Subscription{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": subs})
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TelegramUserID int64           `json:"telegram_user_id"`
		Filters        json.RawMessage `json:"filters"`
		Delivery       json.RawMessage `json:"delivery"`
		Frequency      string          `json:"frequency"`
	}
	if err := readJSON(r, &in); err != nil || in.TelegramUserID < 1 {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	userID, err := s.st.UserIDByTelegram(r.Context(), in.TelegramUserID)
	if err != nil {
		s.fail(w, err, "user_not_found")
		return
	}
	sub, err := s.st.CreateSubscription(r.Context(), userID, in.Filters, in.Delivery, in.Frequency)
	if err != nil {
		s.fail(w, err, "create_failed")
		return
	}
	s.invalidateSubscriptionList(r, in.TelegramUserID)
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ID        int64           `json:"id"`
		Filters   json.RawMessage `json:"filters"`
		Delivery  json.RawMessage `json:"delivery"`
		Frequency *string         `json:"frequency"`
		IsActive  *bool           `json:"is_active"`
	}
	if err := readJSON(r, &in); err != nil || in.ID < 1 {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	sub, err := s.st.UpdateSubscription(r.Context(), in.ID, store.SubscriptionPatch{
		Filters:   in.Filters,
		Delivery:  in.Delivery,
		Frequency: in.Frequency,
		IsActive:  in.IsActive,
	})
	if err != nil {
		s.fail(w, err, "not_found")
		return
	}
	if tgID, err := s.st.SubscriptionOwnerTelegramID(r.Context(), sub.ID); err == nil {
		s.invalidateSubscriptionList(r, tgID)
	} else {
		s.invalidateSubscriptionList(r, 0)
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handlePauseAll(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TelegramUserID int64 `json:"telegram_user_id"`
		IsActive       bool  `json:"is_active"`
	}
	if err := readJSON(r, &in); err != nil || in.TelegramUserID < 1 {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	userID, err := s.st.UserIDByTelegram(r.Context(), in.TelegramUserID)
	if err != nil {
		s.fail(w, err, "user_not_found")
		return
	}
	if err := s.st.SetAllActive(r.Context(), userID, in.IsActive); err != nil {
		s.fail(w, err, "update_failed")
		return
	}
	s.invalidateSubscriptionList(r, in.TelegramUserID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "is_active": in.IsActive})
}

func (s *Server) handleSetFrequency(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TelegramUserID int64  `json:"telegram_user_id"`
		Frequency      string `json:"frequency"`
	}
	if err := readJSON(r, &in); err != nil || in.TelegramUserID < 1 || len(in.Frequency) < 3 {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	userID, err := s.st.UserIDByTelegram(r.Context(), in.TelegramUserID)
	if err != nil {
		s.fail(w, err, "user_not_found")
		return
	}
	if err := s.st.SetFrequency(r.Context(), userID, in.Frequency); err != nil {
		s.fail(w, err, "update_failed")
		return
	}
	s.invalidateSubscriptionList(r, in.TelegramUserID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "frequency": in.Frequency})
}

// invalidateSubscriptionList drops the cached list responses for one user,
// or for everyone when tgID is zero.
func (s *Server) invalidateSubscriptionList(r *http.Request, tgID int64) {
	if s.c == nil {
		return
	}
	pattern := fmt.Sprintf("%s:GET:/v1/subscriptions/list?telegram_user_id=%d*", s.c.Prefix(), tgID)
	if tgID == 0 {
		pattern = fmt.Sprintf("%s:GET:/v1/subscriptions/list?*", s.c.Prefix())
	}
	s.c.InvalidatePatterns(r.Context(), pattern)
}
