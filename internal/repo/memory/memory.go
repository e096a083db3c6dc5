package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hamed0406/listingwatch/internal/domain"
	"github.com/hamed0406/listingwatch/internal/repo"
)

type seenKey struct {
	query domain.QueryID
	ext   string
}

type queryRow struct {
	q          domain.MonitoredQuery
	leaseUntil time.Time
}

type notificationRow struct {
	n          domain.PendingNotification
	claimUntil time.Time
}

// Store keeps everything in process memory behind one mutex. Each method
// is atomic, which makes it a faithful stand-in for the SQL adapters in
// tests and single-process dev runs.
type Store struct {
	mu            sync.RWMutex
	queries       map[domain.QueryID]*queryRow
	seen          map[seenKey]*domain.SeenItem
	notifications map[string]*notificationRow
	bySeen        map[seenKey]string
	configs       []domain.RuntimeConfig
	seq           int64
}

func New() *Store {
	return &Store{
		queries:       make(map[domain.QueryID]*queryRow),
		seen:          make(map[seenKey]*domain.SeenItem),
		notifications: make(map[string]*notificationRow),
		bySeen:        make(map[seenKey]string),
	}
}

func (m *Store) Close() {}

// ---- QueryStore ----

func (m *Store) CreateQuery(ctx context.Context, q *domain.MonitoredQuery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.ID == "" {
		q.ID = domain.QueryID(uuid.NewString())
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	if _, ok := m.queries[q.ID]; ok {
		return repo.ErrConflict
	}
	m.queries[q.ID] = &queryRow{q: cloneQuery(*q)}
	return nil
}

func (m *Store) GetQuery(ctx context.Context, id domain.QueryID) (*domain.MonitoredQuery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.queries[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	q := cloneQuery(r.q)
	return &q, nil
}

func (m *Store) ListQueries(ctx context.Context) ([]domain.MonitoredQuery, error) {
	return m.selectQueries(func(domain.MonitoredQuery) bool { return true }), nil
}

func (m *Store) DueQueries(ctx context.Context, now time.Time, def time.Duration) ([]domain.MonitoredQuery, error) {
	return m.selectQueries(func(q domain.MonitoredQuery) bool { return q.IsDue(now, def) }), nil
}

func (m *Store) ForcedQueries(ctx context.Context) ([]domain.MonitoredQuery, error) {
	return m.selectQueries(func(q domain.MonitoredQuery) bool { return q.Active && q.ForceRequested }), nil
}

func (m *Store) selectQueries(keep func(domain.MonitoredQuery) bool) []domain.MonitoredQuery {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.MonitoredQuery, 0, len(m.queries))
	for _, r := range m.queries {
		if keep(r.q) {
			out = append(out, cloneQuery(r.q))
		}
	}
	// oldest scan first, matching the SQL adapters
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastScanAt.Equal(out[j].LastScanAt) {
			return out[i].LastScanAt.Before(out[j].LastScanAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Store) RequestForceScan(ctx context.Context, id domain.QueryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		for _, r := range m.queries {
			if r.q.Active {
				r.q.ForceRequested = true
				r.q.ForceSeq++
			}
		}
		return nil
	}
	r, ok := m.queries[id]
	if !ok {
		return repo.ErrNotFound
	}
	r.q.ForceRequested = true
	r.q.ForceSeq++
	return nil
}

func (m *Store) SetActive(ctx context.Context, id domain.QueryID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.queries[id]
	if !ok {
		return repo.ErrNotFound
	}
	r.q.Active = active
	if active {
		r.q.ConsecutiveErrors = 0
	}
	return nil
}

func (m *Store) ClaimScan(ctx context.Context, id domain.QueryID, now, until time.Time, def time.Duration) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.queries[id]
	if !ok {
		return 0, false, repo.ErrNotFound
	}
	if r.leaseUntil.After(now) || !r.q.Claimable(now, def) {
		return 0, false, nil
	}
	r.leaseUntil = until
	return r.q.ForceSeq, true, nil
}

func (m *Store) RecordScan(ctx context.Context, id domain.QueryID, rec domain.ScanRecord) (*domain.MonitoredQuery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.queries[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	r.q.LastScanAt = rec.At
	if r.q.ForceSeq == rec.ForceSeq {
		r.q.ForceRequested = false
	}
	r.leaseUntil = time.Time{}
	if rec.Err != "" {
		r.q.ConsecutiveErrors++
		r.q.LastError = rec.Err
	} else {
		r.q.ConsecutiveErrors = 0
		r.q.LastError = ""
	}
	q := cloneQuery(r.q)
	return &q, nil
}

// ---- ItemStore ----

func (m *Store) InsertSeen(ctx context.Context, queryID domain.QueryID, items []domain.CandidateItem, at time.Time) ([]domain.SeenItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SeenItem
	for _, it := range items {
		k := seenKey{queryID, it.ExternalID}
		if _, ok := m.seen[k]; ok {
			continue
		}
		s := &domain.SeenItem{
			QueryID:     queryID,
			ExternalID:  it.ExternalID,
			FirstSeenAt: at,
			Payload:     cloneMap(it.Payload),
		}
		m.seen[k] = s
		out = append(out, cloneSeen(*s))
	}
	return out, nil
}

func (m *Store) GetSeen(ctx context.Context, queryID domain.QueryID, externalID string) (*domain.SeenItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.seen[seenKey{queryID, externalID}]
	if !ok {
		return nil, repo.ErrNotFound
	}
	c := cloneSeen(*s)
	return &c, nil
}

func (m *Store) CountSeen(ctx context.Context, queryID domain.QueryID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k := range m.seen {
		if k.query == queryID {
			n++
		}
	}
	return n, nil
}

// ---- NotificationStore ----

func (m *Store) Enqueue(ctx context.Context, n *domain.PendingNotification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := seenKey{n.QueryID, n.ExternalID}
	if _, ok := m.bySeen[k]; ok {
		return false, nil
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.State == "" {
		n.State = domain.StatePending
	}
	m.seq++
	row := &notificationRow{n: cloneNotification(*n)}
	if row.n.CreatedAt.IsZero() {
		// nanosecond offset keeps insertion order stable for equal clocks
		row.n.CreatedAt = time.Now().UTC().Add(time.Duration(m.seq))
	}
	n.CreatedAt = row.n.CreatedAt
	m.notifications[n.ID] = row
	m.bySeen[k] = n.ID
	return true, nil
}

func (m *Store) ClaimDue(ctx context.Context, now time.Time, limit int, leaseUntil time.Time) ([]domain.PendingNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*notificationRow
	for _, r := range m.notifications {
		if r.n.State != domain.StatePending || r.n.NextAttemptAt.After(now) || r.claimUntil.After(now) {
			continue
		}
		due = append(due, r)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].n.CreatedAt.Equal(due[j].n.CreatedAt) {
			return due[i].n.CreatedAt.Before(due[j].n.CreatedAt)
		}
		return due[i].n.ID < due[j].n.ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]domain.PendingNotification, 0, len(due))
	for _, r := range due {
		r.claimUntil = leaseUntil
		out = append(out, cloneNotification(r.n))
	}
	return out, nil
}

func (m *Store) MarkSent(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.notifications[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	if r.n.State != domain.StatePending {
		return false, nil
	}
	sent := at
	r.n.State = domain.StateSent
	r.n.SentAt = &sent
	r.n.LastError = ""
	r.claimUntil = time.Time{}
	if s, ok := m.seen[seenKey{r.n.QueryID, r.n.ExternalID}]; ok {
		s.Notified = true
		s.NotifiedAt = &sent
	}
	return true, nil
}

func (m *Store) MarkRetry(ctx context.Context, id string, retryCount int, next time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.notifications[id]
	if !ok {
		return repo.ErrNotFound
	}
	if r.n.State != domain.StatePending {
		return nil
	}
	r.n.RetryCount = retryCount
	r.n.NextAttemptAt = next
	r.n.LastError = lastErr
	r.claimUntil = time.Time{}
	return nil
}

func (m *Store) MarkFailed(ctx context.Context, id string, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.notifications[id]
	if !ok {
		return repo.ErrNotFound
	}
	if r.n.State != domain.StatePending {
		return nil
	}
	r.n.State = domain.StateFailedPermanent
	r.n.LastError = lastErr
	r.claimUntil = time.Time{}
	return nil
}

func (m *Store) Release(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if r, ok := m.notifications[id]; ok {
			r.claimUntil = time.Time{}
		}
	}
	return nil
}

func (m *Store) ListPending(ctx context.Context) ([]domain.PendingNotification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.PendingNotification
	for _, r := range m.notifications {
		if r.n.State == domain.StatePending {
			out = append(out, cloneNotification(r.n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Get returns any notification by id regardless of state.
func (m *Store) Get(ctx context.Context, id string) (*domain.PendingNotification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.notifications[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	n := cloneNotification(r.n)
	return &n, nil
}

func (m *Store) Unqueued(ctx context.Context, limit int) ([]domain.SeenItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.SeenItem
	for k, s := range m.seen {
		if s.Notified {
			continue
		}
		if _, ok := m.bySeen[k]; ok {
			continue
		}
		out = append(out, cloneSeen(*s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeenAt.Before(out[j].FirstSeenAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- ConfigStore ----

func (m *Store) LatestConfig(ctx context.Context) (*domain.RuntimeConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.configs) == 0 {
		return nil, repo.ErrNotFound
	}
	c := m.configs[len(m.configs)-1]
	c.Settings.Proxies.Endpoints = append([]string(nil), c.Settings.Proxies.Endpoints...)
	return &c, nil
}

func (m *Store) PublishConfig(ctx context.Context, s domain.Settings) (*domain.RuntimeConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var version int64 = 1
	if n := len(m.configs); n > 0 {
		version = m.configs[n-1].Version + 1
	}
	s.Proxies.Endpoints = append([]string(nil), s.Proxies.Endpoints...)
	c := domain.RuntimeConfig{
		Version:     version,
		Checksum:    s.Checksum(),
		Settings:    s,
		PublishedAt: time.Now().UTC(),
	}
	m.configs = append(m.configs, c)
	return &c, nil
}

var _ repo.Store = (*Store)(nil)

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneQuery(q domain.MonitoredQuery) domain.MonitoredQuery {
	q.Params = cloneMap(q.Params)
	return q
}

func cloneSeen(s domain.SeenItem) domain.SeenItem {
	s.Payload = cloneMap(s.Payload)
	if s.NotifiedAt != nil {
		t := *s.NotifiedAt
		s.NotifiedAt = &t
	}
	return s
}

func cloneNotification(n domain.PendingNotification) domain.PendingNotification {
	n.Payload = cloneMap(n.Payload)
	if n.SentAt != nil {
		t := *n.SentAt
		n.SentAt = &t
	}
	return n
}
