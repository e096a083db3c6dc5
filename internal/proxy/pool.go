// Package proxy manages the rotating pool of outbound proxy endpoints.
//
// Endpoints move through UNVALIDATED -> HEALTHY -> FAILED and back to
// HEALTHY only through validation. Acquire hands out HEALTHY endpoints
// only; all mutations go through the pool mutex.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hamed0406/listingwatch/internal/domain"
	"github.com/hamed0406/listingwatch/internal/metrics"
)

type State int

const (
	Unvalidated State = iota
	Healthy
	Failed
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Failed:
		return "failed"
	default:
		return "unvalidated"
	}
}

var ErrPoolExhausted = errors.New("proxy pool exhausted")

// Validator checks that traffic through egress reaches the marketplace.
// source.Source satisfies it with Probe.
type Validator interface {
	Probe(ctx context.Context, egress *url.URL) error
}

type Endpoint struct {
	ID                  string
	URL                 *url.URL
	State               State
	ConsecutiveFailures int
	LastValidatedAt     time.Time
	LastError           string
}

// Egress is what Acquire hands out. The zero value means go direct.
type Egress struct {
	ID  string
	URL *url.URL
}

func (e Egress) Direct() bool { return e.URL == nil }

// Options are the pool knobs. RotateEvery, FailureThreshold and Exhausted
// can change in place through Tune.
type Options struct {
	RotateEvery      int
	FailureThreshold int
	Exhausted        string
	Workers          int
	Timeout          time.Duration
}

func OptionsFrom(p domain.ProxySettings, workers int, timeout time.Duration) Options {
	return Options{
		RotateEvery:      p.RotateEvery,
		FailureThreshold: p.FailureThreshold,
		Exhausted:        p.Exhausted,
		Workers:          workers,
		Timeout:          timeout,
	}
}

type Pool struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	byID      map[string]*Endpoint
	current   int
	used      int
	opts      Options
	exhausted bool

	validator Validator
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewPool parses raw endpoint URLs. Duplicates are dropped; every endpoint
// starts UNVALIDATED.
func NewPool(raw []string, opts Options, v Validator, log *zap.Logger, m *metrics.Metrics) (*Pool, error) {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 1
	}
	p := &Pool{
		byID:      make(map[string]*Endpoint, len(raw)),
		opts:      opts,
		validator: v,
		log:       log,
		metrics:   m,
		now:       time.Now,
	}
	seen := make(map[string]bool, len(raw))
	for i, r := range raw {
		if seen[r] {
			continue
		}
		seen[r] = true
		u, err := url.Parse(r)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy endpoint #%d", i+1)
		}
		id := u.Host
		for n := 2; p.byID[id] != nil; n++ {
			id = fmt.Sprintf("%s#%d", u.Host, n)
		}
		ep := &Endpoint{ID: id, URL: u}
		p.endpoints = append(p.endpoints, ep)
		p.byID[id] = ep
	}
	p.publish()
	return p, nil
}

// Redact hides the password of a raw endpoint URL. Unparseable input is
// replaced entirely.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	return u.Redacted()
}

// IsRedacted reports whether raw is Redact output rather than a usable
// endpoint, e.g. a config read back from the API.
func IsRedacted(raw string) bool {
	if raw == "invalid" {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	pw, ok := u.User.Password()
	return ok && pw == "xxxxx"
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// Acquire returns the current HEALTHY endpoint, rotating after RotateEvery
// uses. With no endpoints configured it returns the direct egress. With
// endpoints but none HEALTHY the pool is exhausted and the policy decides.
func (p *Pool) Acquire() (Egress, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.endpoints)
	if n == 0 {
		return Egress{}, nil
	}
	if p.opts.RotateEvery > 0 && p.used >= p.opts.RotateEvery {
		p.advance()
	}
	for i := 0; i < n; i++ {
		idx := (p.current + i) % n
		ep := p.endpoints[idx]
		if ep.State != Healthy {
			continue
		}
		if idx != p.current {
			p.current, p.used = idx, 0
		}
		p.used++
		p.setExhausted(false)
		return Egress{ID: ep.ID, URL: ep.URL}, nil
	}

	p.setExhausted(true)
	if p.opts.Exhausted == domain.ExhaustedFail {
		return Egress{}, ErrPoolExhausted
	}
	return Egress{}, nil
}

// ReportFailure counts a failed request through id and moves the rotation
// on. Unknown ids (e.g. from a pool that was since replaced) are ignored.
func (p *Pool) ReportFailure(id, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep := p.byID[id]
	if ep == nil {
		return
	}
	ep.ConsecutiveFailures++
	ep.LastError = reason
	if ep.State == Healthy && ep.ConsecutiveFailures >= p.opts.FailureThreshold {
		ep.State = Failed
		p.log.Warn("proxy_marked_failed",
			zap.String("endpoint_id", ep.ID),
			zap.Int("failures", ep.ConsecutiveFailures),
			zap.String("reason", reason),
		)
		p.publish()
	}
	if p.endpoints[p.current] == ep {
		p.advance()
	}
}

func (p *Pool) ReportSuccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ep := p.byID[id]; ep != nil {
		ep.ConsecutiveFailures = 0
		ep.LastError = ""
	}
}

// ValidateAll probes every endpoint. Failures are returned as one combined
// report; they never abort the other probes.
func (p *Pool) ValidateAll(ctx context.Context) error {
	return p.validate(ctx, func(*Endpoint) bool { return true })
}

// Revalidate re-probes endpoints that are not HEALTHY.
func (p *Pool) Revalidate(ctx context.Context) error {
	return p.validate(ctx, func(ep *Endpoint) bool { return ep.State != Healthy })
}

func (p *Pool) validate(ctx context.Context, pick func(*Endpoint) bool) error {
	type target struct {
		id  string
		url *url.URL
	}
	p.mu.Lock()
	var targets []target
	for _, ep := range p.endpoints {
		if pick(ep) {
			targets = append(targets, target{ep.ID, ep.URL})
		}
	}
	workers, timeout := p.opts.Workers, p.opts.Timeout
	p.mu.Unlock()

	var (
		g      errgroup.Group
		mu     sync.Mutex
		report error
	)
	g.SetLimit(workers)
	for _, t := range targets {
		g.Go(func() error {
			cctx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			err := p.validator.Probe(cctx, t.url)
			p.applyValidation(t.id, err)
			if err != nil {
				mu.Lock()
				report = multierr.Append(report, fmt.Errorf("%s: %w", t.id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func (p *Pool) applyValidation(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep := p.byID[id]
	if ep == nil {
		return
	}
	ep.LastValidatedAt = p.now()
	if err != nil {
		ep.State = Failed
		ep.LastError = err.Error()
	} else {
		if ep.State == Failed {
			p.log.Info("proxy_recovered", zap.String("endpoint_id", ep.ID))
		}
		ep.State = Healthy
		ep.ConsecutiveFailures = 0
		ep.LastError = ""
	}
	p.publish()
}

// Tune applies the scalar knobs without touching endpoint state.
func (p *Pool) Tune(s domain.ProxySettings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts.RotateEvery = s.RotateEvery
	if s.FailureThreshold > 0 {
		p.opts.FailureThreshold = s.FailureThreshold
	}
	p.opts.Exhausted = s.Exhausted
}

type EndpointStatus struct {
	ID                  string    `json:"id"`
	URL                 string    `json:"url"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastValidatedAt     time.Time `json:"last_validated_at"`
	LastError           string    `json:"last_error,omitempty"`
}

type Status struct {
	Endpoints []EndpointStatus `json:"endpoints"`
	Current   string           `json:"current,omitempty"`
	Healthy   int              `json:"healthy"`
	Exhausted bool             `json:"exhausted"`
	Policy    string           `json:"policy"`
	Rebuilds  int64            `json:"rebuilds"`
}

// Status is a point-in-time snapshot; credentials are redacted.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Endpoints: make([]EndpointStatus, 0, len(p.endpoints)),
		Policy:    p.opts.Exhausted,
	}
	for i, ep := range p.endpoints {
		st.Endpoints = append(st.Endpoints, EndpointStatus{
			ID:                  ep.ID,
			URL:                 ep.URL.Redacted(),
			State:               ep.State.String(),
			ConsecutiveFailures: ep.ConsecutiveFailures,
			LastValidatedAt:     ep.LastValidatedAt,
			LastError:           ep.LastError,
		})
		if ep.State == Healthy {
			st.Healthy++
			if i == p.current {
				st.Current = ep.ID
			}
		}
	}
	st.Exhausted = len(p.endpoints) > 0 && st.Healthy == 0
	return st
}

func (p *Pool) advance() {
	if len(p.endpoints) > 0 {
		p.current = (p.current + 1) % len(p.endpoints)
	}
	p.used = 0
}

func (p *Pool) setExhausted(v bool) {
	if v == p.exhausted {
		return
	}
	p.exhausted = v
	if v {
		p.log.Warn("proxy_pool_exhausted",
			zap.Int("endpoints", len(p.endpoints)),
			zap.String("policy", p.opts.Exhausted),
		)
	} else {
		p.log.Info("proxy_pool_available")
	}
	p.publish()
}

// publish pushes state counts to the gauges. Caller holds mu.
func (p *Pool) publish() {
	counts := map[string]int{
		Unvalidated.String(): 0,
		Healthy.String():     0,
		Failed.String():      0,
	}
	for _, ep := range p.endpoints {
		counts[ep.State.String()]++
	}
	exhausted := len(p.endpoints) > 0 && counts[Healthy.String()] == 0
	p.metrics.SetProxyStates(counts, exhausted)
}
