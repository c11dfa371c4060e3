package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-pkgz/lgr"

	"github.com/tomasbedrich/xcontest-rss-monitor/pkg/feed"
)

// ErrPermanent marks notification failures retrying will not fix: render
// errors and messages rejected by the Bot API. Callers should drop the entry
// instead of retrying it.
var ErrPermanent = errors.New("permanent notification failure")

const (
	telegramAPI    = "https://api.telegram.org"
	sendRetryLimit = 3
)

// Telegram delivers rendered entries to a chat via the Bot API
type Telegram struct {
	*renderer
	token  string
	chatID string
	client *http.Client
	api    string // Bot API base, overridable in tests
}

// NewTelegram creates a notifier for the given bot token and chat.
// Both are required; the message template must parse.
func NewTelegram(token, chatID, textTemplate string, timeout time.Duration) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if chatID == "" {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	r, err := newRenderer(textTemplate)
	if err != nil {
		return nil, err
	}
	return &Telegram{
		renderer: r,
		token:    token,
		chatID:   chatID,
		client:   &http.Client{Timeout: timeout},
		api:      telegramAPI,
	}, nil
}

// https://core.telegram.org/bots/api#sendmessage
type sendMessageRequest struct {
	ChatID             string `json:"chat_id"`
	Text               string `json:"text"`
	ParseMode          string `json:"parse_mode"`
	LinkPreviewOptions struct {
		IsDisabled bool `json:"is_disabled"`
	} `json:"link_preview_options"`
}

type apiError struct {
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send posts one entry to the chat. Rate limiting is retried in place with
// the wait the API asks for; render errors and non-429 client errors come
// back wrapped in ErrPermanent, everything else is transient and may be
// retried by the caller on a later iteration.
func (t *Telegram) Send(ctx context.Context, e feed.Entry) error {
	text, err := t.render(e)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPermanent, err)
	}

	msg := sendMessageRequest{ChatID: t.chatID, Text: text, ParseMode: "HTML"}

	var lastErr error
	for range sendRetryLimit {
		lastErr = t.sendMessage(ctx, msg)
		if lastErr == nil {
			return nil
		}
		wait, retryable := rateLimited(lastErr)
		if !retryable {
			return lastErr
		}
		lgr.Printf("[WARN] sending rate limited, waiting %v", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// sendMessage makes a single sendMessage call and classifies the failure
func (t *Telegram) sendMessage(ctx context.Context, msg sendMessageRequest) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal message: %s", ErrPermanent, err)
	}

	url := t.api + "/bot" + t.token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var apiErr apiError
	if b, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096)); readErr == nil {
		_ = json.Unmarshal(b, &apiErr)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &retryAfterError{wait: time.Duration(apiErr.Parameters.RetryAfter) * time.Second}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// rejected by the sink, e.g. malformed markup or bot blocked
		return fmt.Errorf("%w: status %d: %s", ErrPermanent, resp.StatusCode, apiErr.Description)
	default:
		return fmt.Errorf("send message failed: status %d: %s", resp.StatusCode, apiErr.Description)
	}
}

// retryAfterError is a rate-limit response with the wait the API requested
type retryAfterError struct {
	wait time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %v", e.wait)
}

// rateLimited extracts the requested wait from a rate-limit error
func rateLimited(err error) (wait time.Duration, ok bool) {
	var rle *retryAfterError
	if !errors.As(err, &rle) {
		return 0, false
	}
	if rle.wait <= 0 {
		return time.Second, true
	}
	return rle.wait, true
}
