package repo

import (
	"context"
	"errors"
	"time"

	"github.com/hamed0406/listingwatch/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Ports (interfaces) implemented by memory, postgres and sqlite adapters.
// Every mutation that more than one process may race on is a single
// atomic statement or transaction in the adapter.
type QueryStore interface {
	CreateQuery(ctx context.Context, q *domain.MonitoredQuery) error
	GetQuery(ctx context.Context, id domain.QueryID) (*domain.MonitoredQuery, error)
	ListQueries(ctx context.Context) ([]domain.MonitoredQuery, error)
	// DueQueries returns active queries whose interval elapsed at now
	// (boundary inclusive); interval 0 falls back to def.
	DueQueries(ctx context.Context, now time.Time, def time.Duration) ([]domain.MonitoredQuery, error)
	// ForcedQueries returns active queries with a pending force-scan request.
	ForcedQueries(ctx context.Context) ([]domain.MonitoredQuery, error)
	// RequestForceScan flags one query, or every active query when id is "".
	RequestForceScan(ctx context.Context, id domain.QueryID) error
	SetActive(ctx context.Context, id domain.QueryID, active bool) error
	// ClaimScan takes the scan lease if it is free or expired at now and
	// the query is still active and due (def as in DueQueries) or
	// force-requested. forceSeq is the force generation the scan answers.
	ClaimScan(ctx context.Context, id domain.QueryID, now, until time.Time, def time.Duration) (forceSeq int64, ok bool, err error)
	// RecordScan stores the attempt outcome and releases the lease. The
	// force flag is cleared only while force_seq still equals rec.ForceSeq,
	// so a request made during the scan is kept. Returns the updated query.
	RecordScan(ctx context.Context, id domain.QueryID, rec domain.ScanRecord) (*domain.MonitoredQuery, error)
}

type ItemStore interface {
	// InsertSeen inserts items that are not yet recorded for queryID and
	// returns exactly the inserted rows. Conflicts are not errors.
	InsertSeen(ctx context.Context, queryID domain.QueryID, items []domain.CandidateItem, at time.Time) ([]domain.SeenItem, error)
	GetSeen(ctx context.Context, queryID domain.QueryID, externalID string) (*domain.SeenItem, error)
	CountSeen(ctx context.Context, queryID domain.QueryID) (int, error)
}
