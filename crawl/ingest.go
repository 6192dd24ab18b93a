// Package crawl polls the public procurement sources and pushes every
// discovered tender into the core API, which queues it for triage. Crawlers
// talk to the API over HTTP rather than the store directly so they can run
// on separate hosts.
package crawl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Ingestor delivers one mapped tender payload to the ingest endpoint.
type Ingestor interface {
	Ingest(ctx context.Context, payload map[string]any) error
}

// APIClient posts tenders to POST {base}/v1/ingest/tender with the shared
// API key.
type APIClient struct {
	base   string
	apiKey string
	hc     *http.Client
}

// NewAPIClient builds the ingest client. hc may be nil.
func NewAPIClient(base, apiKey string, hc *http.Client) *APIClient {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &APIClient{base: base, apiKey: apiKey, hc: hc}
}

func (c *APIClient) Ingest(ctx context.Context, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("crawl: marshal ingest payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/ingest/tender", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("crawl: build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("crawl: ingest: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("crawl: ingest returned %d", resp.StatusCode)
	}
	return nil
}

func getJSON(ctx context.Context, hc *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("crawl: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("crawl: get %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("crawl: get %s returned %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("crawl: decode %s: %w", url, err)
	}
	return nil
}

func str(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return fmt.Sprintf("%.0f", s)
	case int64:
		return fmt.Sprintf("%d", s)
	}
	return ""
}

func dig(m map[string]any, keys ...string) any {
	cur := any(m)
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[k]
	}
	return cur
}
