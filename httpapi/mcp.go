package httpapi

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/radar/kit"
	"github.com/hazyhaar/radar/store"
)

// RegisterMCP exposes the insight surface as MCP tools so agent clients can
// query tenders without going through HTTP auth.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	s.registerSearchTenders(srv)
	s.registerTenderSummary(srv)
	s.registerTenderQA(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (s *Server) registerSearchTenders(srv *mcp.Server) {
	type req struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "search_tenders",
		Description: "Full-text search over tender document segments, returning the matching tenders",
		InputSchema: inputSchema(map[string]any{
			"query": map[string]any{"type": "string", "description": "Search terms"},
			"limit": map[string]any{"type": "integer", "description": "Max results, default 10"},
		}, []string{"query"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if p.Limit <= 0 || p.Limit > 50 {
			p.Limit = 10
		}
		segs, err := s.st.SearchSegments(ctx, p.Query, 0, p.Limit*4)
		if err != nil {
			return nil, err
		}
		seen := map[int64]bool{}
		var tenders []*store.Tender
		for _, seg := range segs {
			if seen[seg.TenderID] {
				continue
			}
			seen[seg.TenderID] = true
			t, err := s.st.GetTender(ctx, seg.TenderID)
			if err != nil {
				continue
			}
			tenders = append(tenders, t)
			if len(tenders) >= p.Limit {
				break
			}
		}
		return map[string]any{"items": tenders}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Server) registerTenderSummary(srv *mcp.Server) {
	type req struct {
		TenderID int64 `json:"tender_id"`
		Limit    int   `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "tender_summary",
		Description: "Bullet summary of one tender with extraction confidence",
		InputSchema: inputSchema(map[string]any{
			"tender_id": map[string]any{"type": "integer", "description": "Tender row id"},
			"limit":     map[string]any{"type": "integer", "description": "Max segments to read, default 8"},
		}, []string{"tender_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if p.Limit <= 0 || p.Limit > 20 {
			p.Limit = 8
		}
		return s.ins.Summary(ctx, p.TenderID, p.Limit)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Server) registerTenderQA(srv *mcp.Server) {
	type req struct {
		TenderID int64  `json:"tender_id"`
		Question string `json:"question"`
		Limit    int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "tender_qa",
		Description: "Answer a question about one tender using stored document segments as evidence",
		InputSchema: inputSchema(map[string]any{
			"tender_id": map[string]any{"type": "integer", "description": "Tender row id"},
			"question":  map[string]any{"type": "string", "description": "Question in Portuguese"},
			"limit":     map[string]any{"type": "integer", "description": "Max evidence segments, default 5"},
		}, []string{"tender_id", "question"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if p.Limit <= 0 || p.Limit > 10 {
			p.Limit = 5
		}
		return s.ins.QA(ctx, p.TenderID, p.Question, p.Limit)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
