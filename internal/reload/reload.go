// Package reload applies versioned runtime settings without a restart.
//
// Every poll fetches the latest snapshot. A snapshot is applied only when
// its version is above the applied one. Structural changes run their
// registered rebuild first; the scalar settings are published to the live
// object last, so a failed rebuild leaves both the version and the live
// settings untouched and the next poll tries again.
package reload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/listingwatch/internal/config"
	"github.com/hamed0406/listingwatch/internal/domain"
	"github.com/hamed0406/listingwatch/internal/metrics"
)

type Source interface {
	Fetch(ctx context.Context) (*domain.RuntimeConfig, error)
}

// ChangedFunc reports whether a structural part differs between old and next.
type ChangedFunc func(old, next domain.Settings) bool

type RebuildFunc func(ctx context.Context, s domain.Settings) error

// Update is one step of applying a snapshot: ScalarUpdate or StructuralUpdate.
type Update interface {
	isUpdate()
}

// ScalarUpdate replaces the live settings in place.
type ScalarUpdate struct {
	Settings domain.Settings
}

// StructuralUpdate rebuilds a component from the new settings.
type StructuralUpdate struct {
	Name    string
	Rebuild RebuildFunc
}

func (ScalarUpdate) isUpdate()     {}
func (StructuralUpdate) isUpdate() {}

type structural struct {
	name    string
	changed ChangedFunc
	rebuild RebuildFunc
}

// diff lists the updates that take old to next, structural ones first.
// A nil old means nothing was applied yet and every part is rebuilt.
func diff(old *domain.Settings, next domain.Settings, parts []structural) []Update {
	var out []Update
	for _, p := range parts {
		if old == nil || p.changed(*old, next) {
			out = append(out, StructuralUpdate{Name: p.name, Rebuild: p.rebuild})
		}
	}
	return append(out, ScalarUpdate{Settings: next})
}

type Controller struct {
	mu       sync.Mutex
	src      Source
	live     *config.Live
	interval time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics

	parts   []structural
	onApply []func(domain.Settings)
	applied *domain.RuntimeConfig
}

func New(src Source, live *config.Live, interval time.Duration, log *zap.Logger, m *metrics.Metrics) *Controller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Controller{src: src, live: live, interval: interval, log: log, metrics: m}
}

// Structural registers a component that must be rebuilt when changed
// reports a difference.
func (c *Controller) Structural(name string, changed ChangedFunc, rebuild RebuildFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parts = append(c.parts, structural{name: name, changed: changed, rebuild: rebuild})
}

// OnScalar registers fn to run after new settings were published to the
// live object.
func (c *Controller) OnScalar(fn func(domain.Settings)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onApply = append(c.onApply, fn)
}

// Init applies the first snapshot. An error here should stop the process.
func (c *Controller) Init(ctx context.Context) error {
	if _, err := c.PollAndApply(ctx); err != nil {
		return fmt.Errorf("initial runtime config: %w", err)
	}
	if c.Applied() == nil {
		return fmt.Errorf("initial runtime config: nothing applied")
	}
	return nil
}

// Applied returns the snapshot currently in effect, or nil.
func (c *Controller) Applied() *domain.RuntimeConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.applied == nil {
		return nil
	}
	rc := *c.applied
	rc.Settings.Proxies.Endpoints = append([]string(nil), rc.Settings.Proxies.Endpoints...)
	return &rc
}

// PollAndApply fetches the latest snapshot and applies it when it is newer.
// It reports whether a new version took effect.
func (c *Controller) PollAndApply(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rc, err := c.src.Fetch(ctx)
	if err != nil {
		c.metrics.IncConfigRejected("unreachable")
		return false, fmt.Errorf("fetch runtime config: %w", err)
	}

	log := c.log.With(zap.Int64("version", rc.Version))
	if c.applied != nil {
		switch {
		case rc.Version < c.applied.Version:
			log.Debug("config_version_stale", zap.Int64("applied_version", c.applied.Version))
			return false, nil
		case rc.Version == c.applied.Version:
			if rc.Checksum != c.applied.Checksum {
				c.metrics.IncConfigRejected("checksum_mismatch")
				log.Warn("config_checksum_mismatch",
					zap.String("applied_checksum", c.applied.Checksum),
					zap.String("checksum", rc.Checksum),
				)
			}
			return false, nil
		}
	}
	if err := rc.Settings.Validate(); err != nil {
		c.metrics.IncConfigRejected("invalid")
		return false, fmt.Errorf("runtime config v%d: %w", rc.Version, err)
	}

	var old *domain.Settings
	if c.applied != nil {
		o := c.applied.Settings
		old = &o
	}
	var rebuilt []string
	for _, u := range diff(old, rc.Settings, c.parts) {
		switch u := u.(type) {
		case StructuralUpdate:
			if err := u.Rebuild(ctx, rc.Settings); err != nil {
				c.metrics.IncConfigRejected("rebuild_failed")
				return false, fmt.Errorf("rebuild %s for v%d: %w", u.Name, rc.Version, err)
			}
			rebuilt = append(rebuilt, u.Name)
		case ScalarUpdate:
			c.live.Store(u.Settings)
			for _, fn := range c.onApply {
				fn(u.Settings)
			}
		}
	}

	prev := int64(0)
	if c.applied != nil {
		prev = c.applied.Version
	}
	applied := *rc
	c.applied = &applied
	c.metrics.SetConfigVersion(rc.Version)
	log.Info("config_applied",
		zap.Int64("previous_version", prev),
		zap.String("checksum", rc.Checksum),
		zap.Strings("rebuilt", rebuilt),
	)
	return true, nil
}

// Run polls until ctx ends. Failures keep the last applied snapshot.
func (c *Controller) Run(ctx context.Context) {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := c.PollAndApply(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("config_reload_failed", zap.Error(err))
			}
		}
	}
}

// ProxyEndpointsChanged is the structural check for the proxy pool.
func ProxyEndpointsChanged(old, next domain.Settings) bool {
	a, b := old.Proxies.Endpoints, next.Proxies.Endpoints
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if a[i] != b[i] {
			return true
		}
	}
	return false
}
