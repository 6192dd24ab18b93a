// Package ollama is a minimal client for a local Ollama server, covering
// the two calls the pipeline makes: chat completion for enrichment and
// insight answers, and embeddings for segment ranking.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// Client talks to one Ollama server.
type Client struct {
	baseURL    string
	chatModel  string
	embedModel string
	embedDim   int
	httpc      *http.Client
}

// Config configures the client.
type Config struct {
	URL        string
	ChatModel  string
	EmbedModel string
	EmbedDim   int
	Timeout    time.Duration
}

// New builds a Client.
func New(cfg Config) *Client {
	if cfg.URL == "" {
		cfg.URL = "http://localhost:11434"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		chatModel:  cfg.ChatModel,
		embedModel: cfg.EmbedModel,
		embedDim:   cfg.EmbedDim,
		httpc:      &http.Client{Timeout: cfg.Timeout},
	}
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat runs a non-streaming chat completion and returns the assistant text.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	req := map[string]any{
		"model":    c.chatModel,
		"messages": messages,
		"stream":   false,
	}
	var resp struct {
		Message Message `json:"message"`
	}
	if err := c.post(ctx, "/api/chat", req, &resp); err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// Embed returns the embedding vector for one prompt. A configured
// dimension mismatch is an error so bad vectors never reach the store.
func (c *Client) Embed(ctx context.Context, prompt string) ([]float64, error) {
	req := map[string]any{
		"model":  c.embedModel,
		"prompt": prompt,
	}
	var resp struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := c.post(ctx, "/api/embeddings", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("ollama: empty embedding")
	}
	if c.embedDim > 0 && len(resp.Embedding) != c.embedDim {
		return nil, fmt.Errorf("ollama: embedding dim %d, want %d", len(resp.Embedding), c.embedDim)
	}
	return resp.Embedding, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ollama: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ollama: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("ollama: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama: %s: status %d: %s", path, resp.StatusCode, truncate(string(data), 200))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("ollama: decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// CosineSimilarity scores two vectors; mismatched or zero vectors score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
