// Package source defines the marketplace adapter the scheduler scans with
// and the typed errors it reports.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/hamed0406/listingwatch/internal/domain"
)

// Source searches the marketplace for one query. egress is the proxy to go
// out through; nil means a direct connection.
type Source interface {
	Search(ctx context.Context, q domain.MonitoredQuery, egress *url.URL) ([]domain.CandidateItem, error)
	// Probe issues the same kind of request as Search against a fixed
	// resource. Proxy validation uses it.
	Probe(ctx context.Context, egress *url.URL) error
}

// UnavailableError covers transient failures and origin-side blocking.
type UnavailableError struct {
	Status int // 0 for network errors
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("source unavailable (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("source unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// RateLimitedError is returned when the origin asks us to slow down.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("source rate limited (retry after %s): %v", e.RetryAfter, e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// ErrorLabel classifies err for logs and metrics.
func ErrorLabel(err error) string {
	if err == nil {
		return "none"
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return "rate_limited"
	}
	var un *UnavailableError
	if errors.As(err, &un) {
		switch {
		case un.Status == 403:
			return "blocked"
		case un.Status >= 500:
			return "server_error"
		case errors.Is(err, context.DeadlineExceeded):
			return "timeout"
		default:
			return "unavailable"
		}
	}
	return "other"
}
