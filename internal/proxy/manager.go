package proxy

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/listingwatch/internal/config"
	"github.com/hamed0406/listingwatch/internal/domain"
	"github.com/hamed0406/listingwatch/internal/metrics"
)

// Manager owns the live pool. A structural config change builds and
// validates a fresh pool before it is swapped in, so scans never see a
// half-built one.
type Manager struct {
	pool      atomic.Pointer[Pool]
	rebuilds  atomic.Int64
	validator Validator
	workers   int
	timeout   time.Duration
	live      *config.Live
	log       *zap.Logger
	metrics   *metrics.Metrics
}

func NewManager(v Validator, workers int, timeout time.Duration, live *config.Live, log *zap.Logger, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		validator: v,
		workers:   workers,
		timeout:   timeout,
		live:      live,
		log:       log,
		metrics:   m,
	}
	empty, _ := NewPool(nil, OptionsFrom(live.Load().Proxies, workers, timeout), v, log, m)
	mgr.pool.Store(empty)
	return mgr
}

func (m *Manager) Current() *Pool { return m.pool.Load() }

// Rebuild replaces the pool with one built from s.Proxies. Validation
// failures only mark endpoints FAILED; an error is returned when the new
// pool could not be built at all, and the old pool stays live.
func (m *Manager) Rebuild(ctx context.Context, s domain.Settings) error {
	next, err := NewPool(s.Proxies.Endpoints, OptionsFrom(s.Proxies, m.workers, m.timeout), m.validator, m.log, m.metrics)
	if err != nil {
		return err
	}
	if report := next.ValidateAll(ctx); report != nil {
		m.log.Warn("proxy_validation_failures", zap.Error(report))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.pool.Store(next)
	m.rebuilds.Add(1)
	m.metrics.IncProxyRebuild()

	st := next.Status()
	m.log.Info("proxy_pool_rebuilt",
		zap.Int("endpoints", len(st.Endpoints)),
		zap.Int("healthy", st.Healthy),
	)
	return nil
}

func (m *Manager) Tune(s domain.Settings) { m.Current().Tune(s.Proxies) }

func (m *Manager) Acquire() (Egress, error) { return m.Current().Acquire() }
func (m *Manager) ReportFailure(id, reason string) { m.Current().ReportFailure(id, reason) }
func (m *Manager) ReportSuccess(id string) { m.Current().ReportSuccess(id) }
func (m *Manager) Revalidate(ctx context.Context) error { return m.Current().Revalidate(ctx) }

func (m *Manager) Status() Status {
	st := m.Current().Status()
	st.Rebuilds = m.rebuilds.Load()
	return st
}

// Run revalidates FAILED endpoints every revalidate_seconds until ctx ends.
// A zero interval disables revalidation; the setting is re-read each round.
func (m *Manager) Run(ctx context.Context) {
	const idle = time.Minute
	for {
		d := m.live.Load().Proxies.RevalidateInterval()
		wait := d
		if wait <= 0 {
			wait = idle
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if d <= 0 {
			continue
		}
		if report := m.Revalidate(ctx); report != nil {
			m.log.Debug("proxy_revalidation_failures", zap.Error(report))
		}
	}
}
