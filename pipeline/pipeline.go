// Package pipeline holds the queue workers that move a tender from ingest
// to searchable text: triage scores and routes, fetch downloads documents,
// parse extracts text and fans out notifications. Workers consume Redis
// lists, retry with linear backoff, and park poison messages on per-stage
// dead queues.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hazyhaar/radar/queue"
)

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// requeue pushes raw back onto its queue with the retry count bumped.
// Returns false when the budget is spent and the message must go dead.
func requeue(ctx context.Context, q *queue.Client, queueName string, raw []byte, maxRetries int, backoff time.Duration) (int, bool) {
	n := queue.Retries(raw)
	if n >= maxRetries {
		return n, false
	}
	sleepCtx(ctx, queue.Backoff(backoff, n))
	next, err := queue.WithRetries(raw, n+1)
	if err != nil {
		return n, false
	}
	if err := q.Push(ctx, queueName, json.RawMessage(next)); err != nil {
		return n, false
	}
	return n + 1, true
}

// decodeURLs tolerates the url shapes producers emit: a JSON object of
// strings, a JSON-encoded object inside a string, or a bare URL string.
func decodeURLs(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err == nil {
		out := make(map[string]string, len(asMap))
		for k, v := range asMap {
			if s, ok := v.(string); ok && s != "" {
				out[k] = s
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	var asStr string
	if err := json.Unmarshal(raw, &asStr); err != nil || asStr == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(asStr), &asMap); err == nil {
		out := make(map[string]string, len(asMap))
		for k, v := range asMap {
			if s, ok := v.(string); ok && s != "" {
				out[k] = s
			}
		}
		if len(out) > 0 {
			return out
		}
		return nil
	}
	return map[string]string{"raw": asStr}
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
