// Package notify delivers tender opportunities to Telegram: private
// messages per matching subscription and per-UF channel broadcasts with
// inline action buttons. Redis idempotency keys keep redelivered queue
// messages from double-notifying.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Button is one inline keyboard button.
type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Telegram sends messages through the Bot API.
type Telegram struct {
	token   string
	baseURL string
	httpc   *http.Client
}

// TelegramOption adjusts the client.
type TelegramOption func(*Telegram)

// WithBaseURL overrides the API endpoint, for tests.
func WithBaseURL(u string) TelegramOption {
	return func(t *Telegram) { t.baseURL = strings.TrimRight(u, "/") }
}

// NewTelegram builds a client. An empty token yields a client whose sends
// are no-ops, so unconfigured deployments stay quiet instead of erroring.
func NewTelegram(token string, opts ...TelegramOption) *Telegram {
	t := &Telegram{
		token:   strings.TrimSpace(token),
		baseURL: "https://api.telegram.org",
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Configured reports whether a bot token is present.
func (t *Telegram) Configured() bool { return t.token != "" }

// Send posts one message. The keyboard may be nil. Errors are returned for
// counting but callers treat delivery as best-effort.
func (t *Telegram) Send(ctx context.Context, chatID, text string, keyboard [][]Button) error {
	chatID = strings.TrimSpace(chatID)
	if t.token == "" || chatID == "" {
		slog.Warn("telegram not configured, dropping message", "chat_id", chatID)
		return nil
	}
	form := url.Values{
		"chat_id":                  {chatID},
		"text":                     {text},
		"disable_web_page_preview": {"true"},
	}
	if len(keyboard) > 0 {
		markup, err := json.Marshal(map[string]any{"inline_keyboard": keyboard})
		if err != nil {
			return fmt.Errorf("notify: marshal keyboard: %w", err)
		}
		form.Set("reply_markup", string(markup))
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("notify: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notify: telegram status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
