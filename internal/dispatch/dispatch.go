// Package dispatch delivers queued notifications.
//
// Rows are claimed oldest first under a lease, sent through the channel
// router under a token-bucket ceiling and settled one by one. A channel
// rate limit pauses the whole dispatcher and hands the unsent claims back,
// so the limited item keeps its place at the head of the queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hamed0406/listingwatch/internal/config"
	"github.com/hamed0406/listingwatch/internal/domain"
	"github.com/hamed0406/listingwatch/internal/metrics"
	"github.com/hamed0406/listingwatch/internal/notify"
	"github.com/hamed0406/listingwatch/internal/repo"
)

type Sender interface {
	Send(ctx context.Context, target domain.Target, msg notify.Message) error
}

// Store is the queue plus the query lookup used to re-target orphans.
type Store interface {
	repo.NotificationStore
	GetQuery(ctx context.Context, id domain.QueryID) (*domain.MonitoredQuery, error)
}

type Options struct {
	BatchSize   int
	ClaimLease  time.Duration
	SendTimeout time.Duration
	OrphanLimit int
}

type Dispatcher struct {
	store   Store
	sender  Sender
	live    *config.Live
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter
	kick    chan struct{}
	now     func() time.Time

	flushMu sync.Mutex

	pauseMu     sync.Mutex
	pausedUntil time.Time
}

func New(store Store, sender Sender, live *config.Live, opts Options, log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = 2 * time.Minute
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.OrphanLimit <= 0 {
		opts.OrphanLimit = 100
	}
	s := live.Load()
	return &Dispatcher{
		store:   store,
		sender:  sender,
		live:    live,
		opts:    opts,
		log:     log,
		metrics: m,
		limiter: rate.NewLimiter(rate.Limit(s.SendRatePerSec), s.SendBurst),
		kick:    make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Enqueue queues a notification for a newly seen item. It reports false
// when one already exists for the same (query, external id).
func (d *Dispatcher) Enqueue(ctx context.Context, item domain.SeenItem, target domain.Target) (bool, error) {
	n := &domain.PendingNotification{
		QueryID:       item.QueryID,
		ExternalID:    item.ExternalID,
		Target:        target,
		Payload:       item.Payload,
		NextAttemptAt: d.now().UTC(),
		State:         domain.StatePending,
	}
	created, err := d.store.Enqueue(ctx, n)
	if err != nil {
		return false, fmt.Errorf("enqueue %s/%s: %w", item.QueryID, item.ExternalID, err)
	}
	return created, nil
}

// Kick asks Run for a flush without blocking the caller.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run flushes on every kick until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.kick:
			if err := d.FlushPending(ctx); err != nil && ctx.Err() == nil {
				d.log.Error("dispatch_flush_failed", zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) Pending(ctx context.Context) ([]domain.PendingNotification, error) {
	return d.store.ListPending(ctx)
}

// PausedUntil is zero when deliveries are not paused.
func (d *Dispatcher) PausedUntil() time.Time {
	d.pauseMu.Lock()
	defer d.pauseMu.Unlock()
	return d.pausedUntil
}

// FlushPending delivers every due notification, or returns at once while
// a channel rate-limit pause is in effect.
func (d *Dispatcher) FlushPending(ctx context.Context) error {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	if !d.resume() {
		return nil
	}
	s := d.live.Load()
	d.tune(s)
	d.recoverOrphans(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := d.now()
		batch, err := d.store.ClaimDue(ctx, now, d.claimLimit(s), now.Add(d.opts.ClaimLease))
		if err != nil {
			return fmt.Errorf("claim due notifications: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		for i, n := range batch {
			if err := d.limiter.Wait(ctx); err != nil {
				d.release(ctx, batch[i:])
				return err
			}
			if stop := d.deliver(ctx, n, s); stop {
				d.release(ctx, batch[i:])
				return nil
			}
		}
	}
}

// deliver sends one notification and settles it. It returns true when the
// flush must stop and n is still unsettled.
func (d *Dispatcher) deliver(ctx context.Context, n domain.PendingNotification, s domain.Settings) bool {
	log := d.log.With(
		zap.String("notification_id", n.ID),
		zap.String("query_id", string(n.QueryID)),
		zap.String("external_id", n.ExternalID),
	)
	sctx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	err := d.sender.Send(sctx, n.Target, notify.Render(n))
	cancel()

	if err != nil && ctx.Err() != nil {
		// shutting down mid-send; leave the row for the next run
		return true
	}
	d.metrics.IncNotification(notify.ErrorLabel(err))

	// settle even if ctx is cancelled right after a successful send
	wctx := context.WithoutCancel(ctx)
	var (
		rl  *notify.RateLimitedError
		rej *notify.RejectedError
	)
	switch {
	case err == nil:
		ok, merr := d.store.MarkSent(wctx, n.ID, d.now().UTC())
		if merr != nil {
			log.Error("mark_sent_failed", zap.Error(merr))
		} else if !ok {
			log.Warn("notification_already_settled")
		}
		return false

	case errors.As(err, &rl):
		wait := rl.RetryAfter
		if wait <= 0 {
			wait = s.BackoffBase()
		}
		d.pause(d.now().Add(wait))
		log.Warn("dispatch_paused", zap.Duration("retry_after", wait), zap.Error(err))
		return true

	case errors.As(err, &rej):
		if merr := d.store.MarkFailed(wctx, n.ID, err.Error()); merr != nil {
			log.Error("mark_failed_failed", zap.Error(merr))
		}
		log.Warn("notification_rejected", zap.Error(err))
		return false

	default:
		retry := n.RetryCount + 1
		if retry > s.MaxSendRetries {
			if merr := d.store.MarkFailed(wctx, n.ID, err.Error()); merr != nil {
				log.Error("mark_failed_failed", zap.Error(merr))
			}
			log.Warn("notification_gave_up", zap.Int("retries", n.RetryCount), zap.Error(err))
			return false
		}
		wait := Backoff(retry, s.BackoffBase(), s.BackoffMax())
		if merr := d.store.MarkRetry(wctx, n.ID, retry, d.now().Add(wait).UTC(), err.Error()); merr != nil {
			log.Error("mark_retry_failed", zap.Error(merr))
		}
		log.Info("notification_retry_scheduled", zap.Int("retry", retry), zap.Duration("in", wait), zap.Error(err))
		return false
	}
}

// Backoff is base*2^(n-1) capped at max (max <= 0 means uncapped).
func Backoff(n int, base, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		if max > 0 && d >= max {
			break
		}
		d *= 2
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

func (d *Dispatcher) recoverOrphans(ctx context.Context) {
	items, err := d.store.Unqueued(ctx, d.opts.OrphanLimit)
	if err != nil {
		d.log.Warn("orphan_scan_failed", zap.Error(err))
		return
	}
	targets := make(map[domain.QueryID]domain.Target)
	for _, it := range items {
		target, ok := targets[it.QueryID]
		if !ok {
			q, err := d.store.GetQuery(ctx, it.QueryID)
			if err != nil {
				d.log.Warn("orphan_query_lookup_failed", zap.String("query_id", string(it.QueryID)), zap.Error(err))
				continue
			}
			target = q.Target
			targets[it.QueryID] = target
		}
		created, err := d.Enqueue(ctx, it, target)
		if err != nil {
			d.log.Warn("orphan_enqueue_failed", zap.Error(err))
			continue
		}
		if created {
			d.log.Info("orphan_enqueued",
				zap.String("query_id", string(it.QueryID)),
				zap.String("external_id", it.ExternalID),
			)
		}
	}
}

// claimLimit keeps a batch small enough to be sent before its lease runs
// out at the current rate.
func (d *Dispatcher) claimLimit(s domain.Settings) int {
	limit := d.opts.BatchSize
	if s.SendRatePerSec > 0 {
		fit := int(s.SendRatePerSec*d.opts.ClaimLease.Seconds()/2) + s.SendBurst
		if fit < limit {
			limit = fit
		}
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

func (d *Dispatcher) tune(s domain.Settings) {
	if d.limiter.Limit() != rate.Limit(s.SendRatePerSec) {
		d.limiter.SetLimit(rate.Limit(s.SendRatePerSec))
	}
	if d.limiter.Burst() != s.SendBurst {
		d.limiter.SetBurst(s.SendBurst)
	}
}

func (d *Dispatcher) release(ctx context.Context, rest []domain.PendingNotification) {
	ids := make([]string, len(rest))
	for i, n := range rest {
		ids[i] = n.ID
	}
	if err := d.store.Release(context.WithoutCancel(ctx), ids); err != nil {
		d.log.Warn("release_claims_failed", zap.Int("count", len(ids)), zap.Error(err))
	}
}

func (d *Dispatcher) pause(until time.Time) {
	d.pauseMu.Lock()
	d.pausedUntil = until
	d.pauseMu.Unlock()
	d.metrics.SetDispatchPaused(true)
}

// resume clears an expired pause and reports whether sending may proceed.
func (d *Dispatcher) resume() bool {
	d.pauseMu.Lock()
	defer d.pauseMu.Unlock()
	if d.pausedUntil.IsZero() {
		return true
	}
	if d.now().Before(d.pausedUntil) {
		return false
	}
	d.pausedUntil = time.Time{}
	d.metrics.SetDispatchPaused(false)
	d.log.Info("dispatch_resumed")
	return true
}
