package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/hamed0406/listingwatch/internal/config"
	"github.com/hamed0406/listingwatch/internal/dedup"
	"github.com/hamed0406/listingwatch/internal/domain"
	"github.com/hamed0406/listingwatch/internal/proxy"
	"github.com/hamed0406/listingwatch/internal/repo/memory"
	"github.com/hamed0406/listingwatch/internal/source"
)

// --- fakes ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeSource struct {
	mu      sync.Mutex
	calls   int
	egress  []*url.URL
	errs    []error // consumed per call; nil or exhausted means success
	items   []string
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeSource) Search(ctx context.Context, q domain.MonitoredQuery, egress *url.URL) ([]domain.CandidateItem, error) {
	f.mu.Lock()
	f.calls++
	f.egress = append(f.egress, egress)
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	items := make([]domain.CandidateItem, 0, len(f.items))
	for _, id := range f.items {
		items = append(items, domain.CandidateItem{ExternalID: id, QueryID: q.ID, Payload: map[string]string{"title": id}})
	}
	block, entered := f.block, f.entered
	f.mu.Unlock()

	if block != nil {
		entered <- struct{}{}
		<-block
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeProxies struct {
	mu        sync.Mutex
	n         int
	failures  []string
	successes []string
}

func (p *fakeProxies) Acquire() (proxy.Egress, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return proxy.Egress{
		ID:  fmt.Sprintf("p%d", p.n),
		URL: &url.URL{Scheme: "http", Host: fmt.Sprintf("10.0.0.%d:3128", p.n)},
	}, nil
}

func (p *fakeProxies) ReportFailure(id, reason string) {
	p.mu.Lock()
	p.failures = append(p.failures, id)
	p.mu.Unlock()
}

func (p *fakeProxies) ReportSuccess(id string) {
	p.mu.Lock()
	p.successes = append(p.successes, id)
	p.mu.Unlock()
}

type fakeNotifier struct {
	mu       sync.Mutex
	enqueued []string
	kicks    int
}

func (n *fakeNotifier) Enqueue(ctx context.Context, item domain.SeenItem, target domain.Target) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enqueued = append(n.enqueued, item.ExternalID)
	return true, nil
}

func (n *fakeNotifier) Kick() {
	n.mu.Lock()
	n.kicks++
	n.mu.Unlock()
}

// --- helpers ---

type harness struct {
	s        *Scheduler
	store    *memory.Store
	src      *fakeSource
	proxies  *fakeProxies
	notifier *fakeNotifier
	clock    *fakeClock
	live     *config.Live
}

func newHarness(t *testing.T, concurrency int) *harness {
	t.Helper()
	settings := domain.DefaultSettings()
	settings.DefaultIntervalSeconds = 300
	settings.ScanDelayMinMS, settings.ScanDelayMaxMS = 0, 0
	settings.SourceRetries = 2
	settings.DegradedAfter = 2

	h := &harness{
		store:    memory.New(),
		src:      &fakeSource{},
		proxies:  &fakeProxies{},
		notifier: &fakeNotifier{},
		clock:    &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		live:     config.NewLive(settings),
	}
	f, err := dedup.New(h.store, 16, zap.NewNop())
	if err != nil {
		t.Fatalf("dedup.New: %v", err)
	}
	h.s = New(zap.NewNop(), h.store, h.src, h.proxies, f, h.notifier, h.live, nil, Options{Concurrency: concurrency})
	h.s.now = h.clock.Now
	h.s.backoff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return h
}

func (h *harness) addQuery(t *testing.T, id domain.QueryID, interval int) {
	t.Helper()
	err := h.store.CreateQuery(context.Background(), &domain.MonitoredQuery{
		ID: id, Name: string(id), Active: true, IntervalSeconds: interval,
		Params: map[string]string{"url": "http://market.test/search"},
		Target: domain.Target{Channel: "telegram", Destination: "-100"},
	})
	if err != nil {
		t.Fatalf("CreateQuery: %v", err)
	}
}

func (h *harness) tick() {
	h.s.Tick(context.Background())
	h.s.Wait()
}

func (h *harness) query(t *testing.T, id domain.QueryID) *domain.MonitoredQuery {
	t.Helper()
	q, err := h.store.GetQuery(context.Background(), id)
	if err != nil {
		t.Fatalf("GetQuery: %v", err)
	}
	return q
}

// --- tests ---

func TestTick_ScansOnlyWhenIntervalElapsed(t *testing.T) {
	h := newHarness(t, 1)
	h.addQuery(t, "q1", 60)

	h.tick() // never scanned: due
	if h.src.callCount() != 1 {
		t.Fatalf("first tick: %d calls", h.src.callCount())
	}

	h.clock.Advance(59 * time.Second)
	h.tick()
	if h.src.callCount() != 1 {
		t.Fatalf("scanned before interval elapsed")
	}

	h.clock.Advance(time.Second)
	h.tick()
	if h.src.callCount() != 2 {
		t.Fatalf("boundary must be due, got %d calls", h.src.callCount())
	}
}

func TestTick_ZeroIntervalFollowsLiveDefault(t *testing.T) {
	h := newHarness(t, 1)
	h.addQuery(t, "q1", 0)
	h.tick()

	h.clock.Advance(30 * time.Second)
	h.tick()
	if h.src.callCount() != 1 {
		t.Fatalf("default 300s interval not honoured")
	}

	s := h.live.Load()
	s.DefaultIntervalSeconds = 30
	h.live.Store(s)
	h.tick()
	if h.src.callCount() != 2 {
		t.Fatalf("new default interval not picked up, %d calls", h.src.callCount())
	}
}

func TestForceScan_OverridesIntervalOnce(t *testing.T) {
	h := newHarness(t, 1)
	h.addQuery(t, "q1", 3600)
	h.tick()

	if err := h.s.ForceScan(context.Background(), "q1"); err != nil {
		t.Fatalf("ForceScan: %v", err)
	}
	h.clock.Advance(time.Second)
	h.tick()
	if h.src.callCount() != 2 {
		t.Fatalf("force scan ignored")
	}
	if h.query(t, "q1").ForceRequested {
		t.Fatalf("force flag not cleared")
	}
	h.tick()
	if h.src.callCount() != 2 {
		t.Fatalf("force flag applied twice")
	}
}

func TestForceScanAll(t *testing.T) {
	h := newHarness(t, 4)
	h.addQuery(t, "q1", 3600)
	h.addQuery(t, "q2", 3600)
	h.tick()

	if err := h.s.ForceScanAll(context.Background()); err != nil {
		t.Fatalf("ForceScanAll: %v", err)
	}
	h.tick()
	if h.src.callCount() != 4 {
		t.Fatalf("want every query rescanned, got %d calls", h.src.callCount())
	}
}

func TestTick_SkipsQueryAlreadyInFlight(t *testing.T) {
	h := newHarness(t, 2)
	h.addQuery(t, "q1", 60)
	h.src.block = make(chan struct{})
	h.src.entered = make(chan struct{}, 1)

	h.s.Tick(context.Background())
	<-h.src.entered
	if !h.s.Scanning("q1") {
		t.Fatalf("query not marked in flight")
	}
	h.clock.Advance(time.Hour)
	h.s.Tick(context.Background())

	close(h.src.block)
	h.s.Wait()
	if h.src.callCount() != 1 {
		t.Fatalf("in-flight query scanned twice: %d", h.src.callCount())
	}
}

func TestTick_RespectsLeaseHeldElsewhere(t *testing.T) {
	h := newHarness(t, 1)
	h.addQuery(t, "q1", 60)
	now := h.clock.Now()
	if _, ok, _ := h.store.ClaimScan(context.Background(), "q1", now, now.Add(time.Minute), time.Minute); !ok {
		t.Fatalf("could not take lease")
	}

	h.tick()
	if h.src.callCount() != 0 {
		t.Fatalf("scanned despite foreign lease")
	}
	h.clock.Advance(time.Minute)
	h.tick()
	if h.src.callCount() != 1 {
		t.Fatalf("expired lease not reclaimed")
	}
}

// staleDueStore hands out a due list, then runs after before returning it,
// so the caller acts on a list that another scheduler already served.
type staleDueStore struct {
	*memory.Store
	after func()
}

func (s *staleDueStore) DueQueries(ctx context.Context, now time.Time, def time.Duration) ([]domain.MonitoredQuery, error) {
	qs, err := s.Store.DueQueries(ctx, now, def)
	if s.after != nil {
		s.after()
		s.after = nil
	}
	return qs, err
}

func TestTick_TwoSchedulersShareStoreScanOncePerInterval(t *testing.T) {
	h := newHarness(t, 1)
	h.addQuery(t, "q1", 300)

	f, err := dedup.New(h.store, 16, zap.NewNop())
	if err != nil {
		t.Fatalf("dedup.New: %v", err)
	}
	other := New(zap.NewNop(), &staleDueStore{Store: h.store, after: h.tick},
		h.src, h.proxies, f, h.notifier, h.live, nil, Options{Concurrency: 1})
	other.now = h.clock.Now
	other.backoff = h.s.backoff

	other.Tick(context.Background())
	other.Wait()
	if got := h.src.callCount(); got != 1 {
		t.Fatalf("query scanned %d times within one interval", got)
	}

	h.clock.Advance(300 * time.Second)
	other.Tick(context.Background())
	other.Wait()
	if got := h.src.callCount(); got != 2 {
		t.Fatalf("due query not scanned after the interval, %d calls", got)
	}
}

func TestForceScan_RequestedDuringScanRunsAfterIt(t *testing.T) {
	h := newHarness(t, 1)
	h.addQuery(t, "q1", 3600)
	h.src.block = make(chan struct{})
	h.src.entered = make(chan struct{}, 1)

	h.s.Tick(context.Background())
	<-h.src.entered
	if err := h.s.ForceScan(context.Background(), "q1"); err != nil {
		t.Fatalf("ForceScan: %v", err)
	}
	close(h.src.block)
	h.s.Wait()

	h.src.mu.Lock()
	h.src.block = nil
	h.src.mu.Unlock()
	if !h.query(t, "q1").ForceRequested {
		t.Fatalf("force request made during the scan was dropped")
	}
	h.tick()
	if got := h.src.callCount(); got != 2 {
		t.Fatalf("forced scan did not run, %d calls", got)
	}
	if h.query(t, "q1").ForceRequested {
		t.Fatalf("force flag not cleared by the forced scan")
	}
}

func TestTick_BoundedByConcurrency(t *testing.T) {
	h := newHarness(t, 1)
	h.addQuery(t, "q1", 60)
	h.addQuery(t, "q2", 60)
	h.src.block = make(chan struct{})
	h.src.entered = make(chan struct{}, 2)

	h.s.Tick(context.Background())
	<-h.src.entered
	h.s.Tick(context.Background())
	if h.src.callCount() != 1 {
		t.Fatalf("pool of 1 ran %d scans", h.src.callCount())
	}
	close(h.src.block)
	h.s.Wait()

	h.tick()
	if h.src.callCount() != 2 {
		t.Fatalf("skipped query not picked up on a later tick")
	}
}

func TestTick_KicksDispatcher(t *testing.T) {
	h := newHarness(t, 1)
	h.tick()
	h.tick()
	if h.notifier.kicks != 2 {
		t.Fatalf("want a kick per tick, got %d", h.notifier.kicks)
	}
}

func TestScanQuery_RetriesUnavailableOnFreshEgress(t *testing.T) {
	h := newHarness(t, 1)
	h.addQuery(t, "q1", 60)
	h.src.items = []string{"A"}
	h.src.errs = []error{
		&source.UnavailableError{Status: 403},
		&source.UnavailableError{Status: 502},
	}

	res := h.s.ScanQuery(context.Background(), *h.query(t, "q1"))
	if res.Err != nil || res.Found != 1 {
		t.Fatalf("scan should succeed on third attempt: %+v", res)
	}
	if got := fmt.Sprint(h.proxies.failures); got != "[p1 p2]" {
		t.Fatalf("failed egresses %s", got)
	}
	if got := fmt.Sprint(h.proxies.successes); got != "[p3]" {
		t.Fatalf("successful egresses %s", got)
	}
	if h.src.egress[2].Host != "10.0.0.3:3128" {
		t.Fatalf("retry did not use the rotated egress: %v", h.src.egress)
	}
}

func TestScanQuery_GivesUpAfterSourceRetries(t *testing.T) {
	h := newHarness(t, 1)
	h.addQuery(t, "q1", 60)
	h.src.errs = []error{
		&source.UnavailableError{Status: 503},
		&source.UnavailableError{Status: 503},
		&source.UnavailableError{Status: 503},
		&source.UnavailableError{Status: 503},
	}

	res := h.s.ScanQuery(context.Background(), *h.query(t, "q1"))
	var ua *source.UnavailableError
	if !errors.As(res.Err, &ua) {
		t.Fatalf("want UnavailableError, got %v", res.Err)
	}
	if h.src.callCount() != 3 {
		t.Fatalf("want 1 attempt + 2 retries, got %d", h.src.callCount())
	}
	q := h.query(t, "q1")
	if q.ConsecutiveErrors != 1 || q.LastError == "" || q.LastScanAt.IsZero() {
		t.Fatalf("failure not recorded: %+v", q)
	}
}

func TestScanQuery_RateLimitIsNotRetried(t *testing.T) {
	h := newHarness(t, 1)
	h.addQuery(t, "q1", 60)
	h.src.errs = []error{&source.RateLimitedError{RetryAfter: time.Minute}}

	res := h.s.ScanQuery(context.Background(), *h.query(t, "q1"))
	var rl *source.RateLimitedError
	if !errors.As(res.Err, &rl) || h.src.callCount() != 1 {
		t.Fatalf("rate limit must end the attempt: err=%v calls=%d", res.Err, h.src.callCount())
	}
	if len(h.proxies.failures) != 0 {
		t.Fatalf("rate limit must not mark the egress failed")
	}
}

func TestScanQuery_EnqueuesOnlyNewItems(t *testing.T) {
	h := newHarness(t, 1)
	h.addQuery(t, "q1", 60)
	h.src.items = []string{"A", "B", "A"}
	ctx := context.Background()

	first := h.s.ScanQuery(ctx, *h.query(t, "q1"))
	h.src.items = []string{"B", "C"}
	second := h.s.ScanQuery(ctx, *h.query(t, "q1"))

	if first.NewItems != 2 || second.NewItems != 1 {
		t.Fatalf("new items: first=%d second=%d", first.NewItems, second.NewItems)
	}
	if got := fmt.Sprint(h.notifier.enqueued); got != "[A B C]" {
		t.Fatalf("enqueued %s", got)
	}
	if q := h.query(t, "q1"); q.ConsecutiveErrors != 0 || q.LastError != "" {
		t.Fatalf("successful scan left error state: %+v", q)
	}
}

func TestScanQuery_DegradesThenDeactivates(t *testing.T) {
	h := newHarness(t, 1)
	s := h.live.Load()
	s.DeactivateAfter = 3
	h.live.Store(s)
	h.addQuery(t, "q1", 60)
	notFound := errors.New("source returned 404")
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		h.src.errs = []error{notFound}
		h.s.ScanQuery(ctx, *h.query(t, "q1"))

		st, err := h.s.QueryStatus(ctx, "q1")
		if err != nil {
			t.Fatalf("QueryStatus: %v", err)
		}
		wantDegraded := i >= 2
		wantActive := i < 3
		if st.Degraded != wantDegraded || st.Active != wantActive {
			t.Fatalf("after %d failures: degraded=%v active=%v", i, st.Degraded, st.Active)
		}
	}
}

func TestQueryStatus_NextScanAt(t *testing.T) {
	h := newHarness(t, 1)
	h.addQuery(t, "q1", 60)
	ctx := context.Background()

	st, _ := h.s.QueryStatus(ctx, "q1")
	if !st.NextScanAt.Equal(h.clock.Now()) {
		t.Fatalf("never-scanned query should be due now, got %v", st.NextScanAt)
	}
	h.tick()
	st, _ = h.s.QueryStatus(ctx, "q1")
	if want := h.clock.Now().Add(time.Minute); !st.NextScanAt.Equal(want) {
		t.Fatalf("next scan %v, want %v", st.NextScanAt, want)
	}
	all, err := h.s.ListStatus(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListStatus: %v %v", all, err)
	}
}
