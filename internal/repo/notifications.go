package repo

import (
	"context"
	"time"

	"github.com/hamed0406/listingwatch/internal/domain"
)

// NotificationStore persists the delivery queue. A notification is unique
// per (query_id, external_id).
type NotificationStore interface {
	// Enqueue inserts n unless one already exists for the same seen item;
	// it reports whether a row was created.
	Enqueue(ctx context.Context, n *domain.PendingNotification) (bool, error)
	// ClaimDue leases up to limit pending rows with next_attempt_at <= now
	// that are not leased by someone else, oldest first.
	ClaimDue(ctx context.Context, now time.Time, limit int, leaseUntil time.Time) ([]domain.PendingNotification, error)
	// MarkSent moves pending -> sent and flags the seen item notified.
	// It returns false if the row was not pending.
	MarkSent(ctx context.Context, id string, at time.Time) (bool, error)
	MarkRetry(ctx context.Context, id string, retryCount int, next time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id string, lastErr string) error
	Release(ctx context.Context, ids []string) error
	ListPending(ctx context.Context) ([]domain.PendingNotification, error)
	// Unqueued returns seen items that are not notified and have no
	// notification row (e.g. the process died between insert and enqueue).
	Unqueued(ctx context.Context, limit int) ([]domain.SeenItem, error)
}

type ConfigStore interface {
	LatestConfig(ctx context.Context) (*domain.RuntimeConfig, error)
	// PublishConfig stores s as version max(version)+1. A concurrent
	// publisher taking the same version yields ErrConflict.
	PublishConfig(ctx context.Context, s domain.Settings) (*domain.RuntimeConfig, error)
}

// Store is the full durable store used by the worker.
type Store interface {
	QueryStore
	ItemStore
	NotificationStore
	ConfigStore
	Close()
}
