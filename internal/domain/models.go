package domain

import "time"

type QueryID string

// Target says where notifications for a query go. Channel selects the
// messaging channel ("telegram", "slack", "amqp"), Destination is the chat,
// webhook or routing key, Thread is an optional sub-destination.
type Target struct {
	Channel     string `json:"channel"`
	Destination string `json:"destination"`
	Thread      string `json:"thread,omitempty"`
}

type MonitoredQuery struct {
	ID                QueryID           `json:"id"`
	Name              string            `json:"name"`
	Params            map[string]string `json:"params"`
	IntervalSeconds   int               `json:"interval_seconds"` // 0 = runtime default
	Active            bool              `json:"active"`
	LastScanAt        time.Time         `json:"last_scan_at"` // zero = never scanned
	ConsecutiveErrors int               `json:"consecutive_errors"`
	LastError         string            `json:"last_error,omitempty"`
	ForceRequested    bool              `json:"force_requested"`
	ForceSeq          int64             `json:"-"` // bumped by every force request
	Target            Target            `json:"target"`
	CreatedAt         time.Time         `json:"created_at"`
}

// EffectiveInterval resolves the query's own interval against the default.
func (q MonitoredQuery) EffectiveInterval(def time.Duration) time.Duration {
	if q.IntervalSeconds > 0 {
		return time.Duration(q.IntervalSeconds) * time.Second
	}
	return def
}

// IsDue reports whether an active query's interval has elapsed at now.
// The boundary counts as due.
func (q MonitoredQuery) IsDue(now time.Time, def time.Duration) bool {
	if !q.Active {
		return false
	}
	if q.LastScanAt.IsZero() {
		return true
	}
	return now.Sub(q.LastScanAt) >= q.EffectiveInterval(def)
}

// Claimable reports whether a scan may start at now: the query is active
// and either due or force-requested.
func (q MonitoredQuery) Claimable(now time.Time, def time.Duration) bool {
	return q.Active && (q.ForceRequested || q.IsDue(now, def))
}

// Degraded is true once the error streak reaches threshold (0 disables).
func (q MonitoredQuery) Degraded(threshold int) bool {
	return threshold > 0 && q.ConsecutiveErrors >= threshold
}

// ScanRecord is the outcome of one scan attempt, written atomically by
// QueryStore.RecordScan.
type ScanRecord struct {
	At       time.Time
	Err      string // empty on success
	ForceSeq int64  // force generation seen at claim; a newer request survives
	Found    int
	NewItems int
}

type CandidateItem struct {
	ExternalID string            `json:"external_id"`
	QueryID    QueryID           `json:"query_id"`
	Payload    map[string]string `json:"payload"`
}

type SeenItem struct {
	QueryID     QueryID           `json:"query_id"`
	ExternalID  string            `json:"external_id"`
	FirstSeenAt time.Time         `json:"first_seen_at"`
	Notified    bool              `json:"notified"`
	NotifiedAt  *time.Time        `json:"notified_at,omitempty"`
	Payload     map[string]string `json:"payload"`
}
