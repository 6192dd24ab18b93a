// Package queue implements the Redis list work queues connecting the
// pipeline stages: capped push, blocking pop, and dead-letter envelopes.
//
// Delivery is at-least-once. A consumer that crashes mid-message loses the
// popped payload; the stages are written to tolerate replays instead.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue names.
const (
	Triage     = "q:triage"
	FetchParse = "q:fetch_parse"
	Parse      = "q:parse"
	ParseSmoke = "q:parse_smoke"

	DeadTriage    = "q:dead_triage"
	DeadFetchDocs = "q:dead_fetch_docs"
	DeadParse     = "q:dead_parse"
)

// ErrQueueFull is returned by Push when the queue is at or above its cap.
// The ingest API maps it to HTTP 429.
var ErrQueueFull = errors.New("queue_full")

// Client wraps a Redis connection with the queue conventions.
type Client struct {
	rdb    *redis.Client
	maxLen int64
}

// New builds a queue client. maxLen caps every queue; 0 disables the cap.
func New(rdb *redis.Client, maxLen int64) *Client {
	return &Client{rdb: rdb, maxLen: maxLen}
}

// Push serializes payload as JSON and LPUSHes it. Returns ErrQueueFull when
// the list already holds maxLen entries.
func (c *Client) Push(ctx context.Context, queue string, payload any) error {
	if c.maxLen > 0 {
		n, err := c.rdb.LLen(ctx, queue).Result()
		if err != nil {
			return fmt.Errorf("queue: llen %s: %w", queue, err)
		}
		if n >= c.maxLen {
			return fmt.Errorf("queue: push %s: %w", queue, ErrQueueFull)
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal: %w", err)
	}
	if err := c.rdb.LPush(ctx, queue, data).Err(); err != nil {
		return fmt.Errorf("queue: lpush %s: %w", queue, err)
	}
	return nil
}

// PopBlocking BRPOPs a single queue. Returns (nil, nil) on timeout.
func (c *Client) PopBlocking(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	_, payload, err := c.PopBlockingAny(ctx, []string{queue}, timeout)
	return payload, err
}

// PopBlockingAny BRPOPs over an ordered list of queues; earlier queues win
// when several hold messages. Returns ("", nil, nil) on timeout.
func (c *Client) PopBlockingAny(ctx context.Context, queues []string, timeout time.Duration) (string, []byte, error) {
	res, err := c.rdb.BRPop(ctx, timeout, queues...).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("queue: brpop: %w", err)
	}
	if len(res) != 2 {
		return "", nil, fmt.Errorf("queue: brpop: unexpected reply of %d parts", len(res))
	}
	return res[0], []byte(res[1]), nil
}

// Len returns the current queue depth.
func (c *Client) Len(ctx context.Context, queue string) (int64, error) {
	n, err := c.rdb.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: llen %s: %w", queue, err)
	}
	return n, nil
}

// DeadEnvelope wraps a message that exhausted its retry budget.
type DeadEnvelope struct {
	Reason  string          `json:"reason"`
	Error   string          `json:"error"`
	Payload json.RawMessage `json:"payload"`
}

// PushDead moves a terminal message into a dead-letter queue. Dead queues
// are never capped — losing the envelope would erase the failure evidence.
func (c *Client) PushDead(ctx context.Context, deadQueue, reason string, cause error, payload json.RawMessage) error {
	env := DeadEnvelope{Reason: reason, Payload: payload}
	if cause != nil {
		env.Error = cause.Error()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: marshal dead envelope: %w", err)
	}
	if err := c.rdb.LPush(ctx, deadQueue, data).Err(); err != nil {
		return fmt.Errorf("queue: lpush %s: %w", deadQueue, err)
	}
	return nil
}

// Retries extracts the internal retry counter from a raw message.
func Retries(raw []byte) int {
	var probe struct {
		Retries int `json:"_retries"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return 0
	}
	return probe.Retries
}

// WithRetries returns a copy of the raw message with _retries set to n.
func WithRetries(raw []byte, n int) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("queue: message is not a JSON object: %w", err)
	}
	count, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	m["_retries"] = count
	return json.Marshal(m)
}

// Backoff is the linear retry delay: base × (retries + 1).
func Backoff(base time.Duration, retries int) time.Duration {
	return base * time.Duration(retries+1)
}
