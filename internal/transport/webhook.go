// Package transport delivers replies to customers and accepts web-chat
// connections.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

const (
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// Webhook posts replies to the messaging gateway (the WhatsApp bridge).
type Webhook struct {
	url        string
	token      string
	httpClient *http.Client
	backoff    time.Duration
}

// NewWebhook creates a sender for url. token, when set, is sent as a bearer
// token.
func NewWebhook(url, token string) *Webhook {
	return &Webhook{
		url:        url,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		backoff:    initialBackoff,
	}
}

type outbound struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// retryableError marks 429 and 5xx answers.
type retryableError struct {
	status int
	body   string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.status, e.body)
}

// Send delivers text to userID, retrying rate limits and server errors with
// exponential backoff.
func (w *Webhook) Send(ctx context.Context, userID, text string) error {
	body, err := json.Marshal(outbound{UserID: userID, Text: text})
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		err := w.post(ctx, body)
		if err == nil {
			return nil
		}
		var re *retryableError
		if !errors.As(err, &re) {
			return err
		}
		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(w.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("delivery failed after %d attempts: %w", maxRetries, lastErr)
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &retryableError{status: resp.StatusCode, body: string(respBody)}
	}
	return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(respBody))
}
