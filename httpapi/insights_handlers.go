package httpapi

import "net/http"

type insightRequest struct {
	TenderID int64  `json:"tender_id"`
	Question string `json:"question"`
	Limit    int    `json:"limit"`
}

func (s *Server) readInsight(w http.ResponseWriter, r *http.Request, def, max int) (*insightRequest, bool) {
	var in insightRequest
	if err := readJSON(r, &in); err != nil || in.TenderID < 1 {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return nil, false
	}
	if in.Limit <= 0 || in.Limit > max {
		in.Limit = def
	}
	return &in, true
}

func (s *Server) handleInsightSummary(w http.ResponseWriter, r *http.Request) {
	in, ok := s.readInsight(w, r, 8, 20)
	if !ok {
		return
	}
	out, err := s.ins.Summary(r.Context(), in.TenderID, in.Limit)
	if err != nil {
		s.fail(w, err, "summary_failed")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInsightExtract(w http.ResponseWriter, r *http.Request) {
	in, ok := s.readInsight(w, r, 8, 20)
	if !ok {
		return
	}
	out, err := s.ins.Extract(r.Context(), in.TenderID, in.Limit)
	if err != nil {
		s.fail(w, err, "extract_failed")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInsightChecklist(w http.ResponseWriter, r *http.Request) {
	in, ok := s.readInsight(w, r, 8, 20)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tender_id": in.TenderID, "items": ChecklistItems()})
}

func (s *Server) handleInsightQA(w http.ResponseWriter, r *http.Request) {
	in, ok := s.readInsight(w, r, 5, 10)
	if !ok {
		return
	}
	if len(in.Question) < 3 {
		writeError(w, http.StatusBadRequest, "invalid_question")
		return
	}
	out, err := s.ins.QA(r.Context(), in.TenderID, in.Question, in.Limit)
	if err != nil {
		s.fail(w, err, "qa_failed")
		return
	}
	writeJSON(w, http.StatusOK, out)
}
