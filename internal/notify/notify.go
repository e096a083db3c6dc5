package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hamed0406/listingwatch/internal/domain"
)

type Message struct {
	Title string `json:"title"`
	Text  string `json:"text"`
	URL   string `json:"url,omitempty"`
}

// Channel delivers one rendered message to a target. Implementations
// classify failures with the error types below.
type Channel interface {
	Send(ctx context.Context, target domain.Target, msg Message) error
}

// RateLimitedError asks the caller to stop sending for RetryAfter.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("channel rate limited (retry after %s): %v", e.RetryAfter, e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// RejectedError is permanent for this notification.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "channel rejected: " + e.Reason }

type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("channel transient: %v", e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

func ErrorLabel(err error) string {
	var rl *RateLimitedError
	var rej *RejectedError
	switch {
	case err == nil:
		return "sent"
	case errors.As(err, &rl):
		return "rate_limited"
	case errors.As(err, &rej):
		return "rejected"
	default:
		return "transient"
	}
}

// Router picks the channel named by Target.Channel.
type Router map[string]Channel

func (r Router) Send(ctx context.Context, target domain.Target, msg Message) error {
	ch := r[target.Channel]
	if ch == nil {
		return &RejectedError{Reason: fmt.Sprintf("no channel %q configured", target.Channel)}
	}
	return ch.Send(ctx, target, msg)
}

// Render builds the message for a new listing.
func Render(n domain.PendingNotification) Message {
	title := n.Payload["title"]
	if title == "" {
		title = "New listing " + n.ExternalID
	}
	var lines []string
	if price := n.Payload["price"]; price != "" {
		lines = append(lines, price)
	}
	if u := n.Payload["url"]; u != "" {
		lines = append(lines, u)
	}
	return Message{
		Title: title,
		Text:  strings.Join(lines, "\n"),
		URL:   n.Payload["url"],
	}
}

func retryAfterHeader(h http.Header) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(h.Get("Retry-After"))); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// classifyStatus maps an HTTP status from a webhook-style API.
func classifyStatus(status int, h http.Header, body string) error {
	switch {
	case status/100 == 2:
		return nil
	case status == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: retryAfterHeader(h), Err: fmt.Errorf("status %d", status)}
	case status >= 500:
		return &TransientError{Err: fmt.Errorf("status %d", status)}
	default:
		reason := fmt.Sprintf("status %d", status)
		if body = strings.TrimSpace(body); body != "" {
			reason += ": " + body
		}
		return &RejectedError{Reason: reason}
	}
}
