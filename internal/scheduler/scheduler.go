package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/hamed0406/listingwatch/internal/config"
	"github.com/hamed0406/listingwatch/internal/domain"
	"github.com/hamed0406/listingwatch/internal/metrics"
	"github.com/hamed0406/listingwatch/internal/proxy"
	"github.com/hamed0406/listingwatch/internal/repo"
	"github.com/hamed0406/listingwatch/internal/source"
)

type Searcher interface {
	Search(ctx context.Context, q domain.MonitoredQuery, egress *url.URL) ([]domain.CandidateItem, error)
}

type Egresses interface {
	Acquire() (proxy.Egress, error)
	ReportFailure(id, reason string)
	ReportSuccess(id string)
}

type Deduper interface {
	FilterNew(ctx context.Context, queryID domain.QueryID, items []domain.CandidateItem) ([]domain.SeenItem, error)
}

type Notifier interface {
	Enqueue(ctx context.Context, item domain.SeenItem, target domain.Target) (bool, error)
	Kick()
}

type Options struct {
	Tick        time.Duration
	ScanTimeout time.Duration
	ScanLease   time.Duration
	Concurrency int
}

type Scheduler struct {
	Logger   *zap.Logger
	Queries  repo.QueryStore
	Source   Searcher
	Proxies  Egresses
	Dedup    Deduper
	Notifier Notifier
	Live     *config.Live
	Metrics  *metrics.Metrics

	opts     Options
	sem      chan struct{}
	inflight sync.Map
	wg       sync.WaitGroup

	now     func() time.Time
	backoff func() backoff.BackOff
}

// Result is the outcome of one scan attempt.
type Result struct {
	Found    int
	NewItems int
	Err      error
}

func New(
	logger *zap.Logger,
	queries repo.QueryStore,
	src Searcher,
	proxies Egresses,
	dedup Deduper,
	notifier Notifier,
	live *config.Live,
	m *metrics.Metrics,
	opts Options,
) *Scheduler {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 30 * time.Second
	}
	if opts.ScanLease <= 0 {
		opts.ScanLease = 5 * time.Minute
	}
	return &Scheduler{
		Logger:   logger,
		Queries:  queries,
		Source:   src,
		Proxies:  proxies,
		Dedup:    dedup,
		Notifier: notifier,
		Live:     live,
		Metrics:  m,
		opts:     opts,
		sem:      make(chan struct{}, opts.Concurrency),
		now:      time.Now,
		backoff:  defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Run does an immediate pass, then one pass per tick. On cancellation it
// waits for running scans before returning.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.opts.Tick)
	defer t.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.Logger.Info("scheduler_stopped")
			return
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts scans for every due or force-requested query that is not
// already running, then kicks the dispatcher.
func (s *Scheduler) Tick(ctx context.Context) {
	defer s.Notifier.Kick()

	settings := s.Live.Load()
	due, err := s.Queries.DueQueries(ctx, s.now(), settings.DefaultInterval())
	if err != nil {
		s.Logger.Warn("scheduler_due_error", zap.Error(err))
		return
	}
	forced, err := s.Queries.ForcedQueries(ctx)
	if err != nil {
		s.Logger.Warn("scheduler_forced_error", zap.Error(err))
	}

	picked := make(map[domain.QueryID]bool, len(due)+len(forced))
	for _, q := range append(forced, due...) {
		if picked[q.ID] {
			continue
		}
		picked[q.ID] = true
		if !s.start(ctx, q, settings) {
			s.Logger.Debug("scan_pool_full", zap.String("next_query_id", string(q.ID)))
			return
		}
	}
}

// start hands q to a worker. It returns false when the pool is full.
func (s *Scheduler) start(ctx context.Context, q domain.MonitoredQuery, settings domain.Settings) bool {
	if _, busy := s.inflight.LoadOrStore(q.ID, struct{}{}); busy {
		return true
	}
	select {
	case s.sem <- struct{}{}:
	default:
		s.inflight.Delete(q.ID)
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		defer s.inflight.Delete(q.ID)

		if err := sleep(ctx, jitter(settings)); err != nil {
			return
		}
		// the claim re-checks dueness, so a stale due list never rescans
		now := s.now()
		seq, ok, err := s.Queries.ClaimScan(ctx, q.ID, now, now.Add(s.opts.ScanLease), s.Live.Load().DefaultInterval())
		if err != nil {
			s.Logger.Warn("scan_claim_error", zap.String("query_id", string(q.ID)), zap.Error(err))
			return
		}
		if !ok {
			s.Logger.Debug("scan_not_claimed", zap.String("query_id", string(q.ID)))
			return
		}
		q.ForceSeq = seq
		s.ScanQuery(ctx, q)
	}()
	return true
}

// Wait blocks until every started scan has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Scanning reports whether a scan of id is running in this process.
func (s *Scheduler) Scanning(id domain.QueryID) bool {
	_, ok := s.inflight.Load(id)
	return ok
}

func (s *Scheduler) ForceScan(ctx context.Context, id domain.QueryID) error {
	if id == "" {
		return fmt.Errorf("force scan: %w", repo.ErrNotFound)
	}
	return s.Queries.RequestForceScan(ctx, id)
}

func (s *Scheduler) ForceScanAll(ctx context.Context) error {
	return s.Queries.RequestForceScan(ctx, "")
}

// ScanQuery runs one scan attempt for q and records its outcome.
func (s *Scheduler) ScanQuery(ctx context.Context, q domain.MonitoredQuery) Result {
	start := s.now()
	settings := s.Live.Load()
	log := s.Logger.With(zap.String("query_id", string(q.ID)))

	items, err := s.search(ctx, q, settings)
	res := Result{Found: len(items), Err: err}
	if err == nil {
		seen, ferr := s.Dedup.FilterNew(ctx, q.ID, items)
		if ferr != nil {
			res.Err = fmt.Errorf("dedup: %w", ferr)
		}
		for _, it := range seen {
			// a failed enqueue is picked up later by orphan recovery
			if _, eerr := s.Notifier.Enqueue(ctx, it, q.Target); eerr != nil {
				log.Warn("enqueue_failed", zap.String("external_id", it.ExternalID), zap.Error(eerr))
			}
		}
		res.NewItems = len(seen)
	}

	if res.Err != nil && ctx.Err() != nil {
		// shutdown; the lease expires on its own
		return res
	}

	rec := domain.ScanRecord{At: s.now().UTC(), ForceSeq: q.ForceSeq, Found: res.Found, NewItems: res.NewItems}
	outcome := "ok"
	if res.Err != nil {
		rec.Err = res.Err.Error()
		outcome = "error"
		var rl *source.RateLimitedError
		if errors.As(res.Err, &rl) {
			outcome = "rate_limited"
		}
		s.Metrics.IncSourceError(source.ErrorLabel(res.Err))
		log.Warn("scan_failed", zap.String("error_type", source.ErrorLabel(res.Err)), zap.Error(res.Err))
	} else {
		log.Info("scan_completed", zap.Int("found", res.Found), zap.Int("new", res.NewItems))
	}
	s.Metrics.ObserveScan(outcome, s.now().Sub(start), res.Found, res.NewItems)

	updated, err := s.Queries.RecordScan(context.WithoutCancel(ctx), q.ID, rec)
	if err != nil {
		log.Error("record_scan_failed", zap.Error(err))
		return res
	}
	s.checkHealth(ctx, updated, settings, log)
	return res
}

func (s *Scheduler) checkHealth(ctx context.Context, q *domain.MonitoredQuery, settings domain.Settings, log *zap.Logger) {
	if q.ConsecutiveErrors == 0 {
		return
	}
	if settings.DegradedAfter > 0 && q.ConsecutiveErrors == settings.DegradedAfter {
		log.Warn("query_degraded", zap.Int("consecutive_errors", q.ConsecutiveErrors), zap.String("last_error", q.LastError))
	}
	if settings.DeactivateAfter > 0 && q.ConsecutiveErrors >= settings.DeactivateAfter && q.Active {
		if err := s.Queries.SetActive(context.WithoutCancel(ctx), q.ID, false); err != nil {
			log.Error("query_deactivate_failed", zap.Error(err))
			return
		}
		log.Warn("query_deactivated", zap.Int("consecutive_errors", q.ConsecutiveErrors), zap.String("last_error", q.LastError))
	}
}

// search calls the source through the proxy pool. Unavailable errors rotate
// the egress and are retried up to SourceRetries times; anything else is
// final.
func (s *Scheduler) search(ctx context.Context, q domain.MonitoredQuery, settings domain.Settings) ([]domain.CandidateItem, error) {
	var items []domain.CandidateItem
	op := func() error {
		egress, err := s.Proxies.Acquire()
		if err != nil {
			return backoff.Permanent(err)
		}
		sctx, cancel := context.WithTimeout(ctx, s.opts.ScanTimeout)
		defer cancel()

		found, err := s.Source.Search(sctx, q, egress.URL)
		if err == nil {
			if !egress.Direct() {
				s.Proxies.ReportSuccess(egress.ID)
			}
			items = found
			return nil
		}
		var unavailable *source.UnavailableError
		if errors.As(err, &unavailable) && ctx.Err() == nil {
			if !egress.Direct() {
				s.Proxies.ReportFailure(egress.ID, err.Error())
			}
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(s.backoff(), uint64(settings.SourceRetries)), ctx)
	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		s.Metrics.IncSourceRetry()
		s.Logger.Info("source_retry",
			zap.String("query_id", string(q.ID)),
			zap.Duration("in", wait),
			zap.Error(err),
		)
	})
	return items, err
}

func jitter(s domain.Settings) time.Duration {
	lo, hi := s.ScanDelayMinMS, s.ScanDelayMaxMS
	if hi <= lo {
		return time.Duration(lo) * time.Millisecond
	}
	return time.Duration(lo+rand.IntN(hi-lo+1)) * time.Millisecond
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
