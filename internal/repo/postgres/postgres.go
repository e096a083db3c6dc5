package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hamed0406/listingwatch/internal/domain"
	"github.com/hamed0406/listingwatch/internal/repo"
)

var _ repo.Store = (*Store)(nil)

type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func New(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ---- QueryStore ----

const queryCols = `id, name, params, interval_seconds, active, last_scan_at,
	consecutive_errors, last_error, force_requested, force_seq,
	target_channel, target_destination, target_thread, created_at`

func (s *Store) CreateQuery(ctx context.Context, q *domain.MonitoredQuery) error {
	if q.ID == "" {
		q.ID = domain.QueryID(uuid.NewString())
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	params, err := marshalMap(q.Params)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO queries (id, name, params, interval_seconds, active,
		   target_channel, target_destination, target_thread, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(q.ID), q.Name, params, q.IntervalSeconds, q.Active,
		q.Target.Channel, q.Target.Destination, q.Target.Thread, q.CreatedAt,
	)
	if isUniqueViolation(err) {
		return repo.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert query: %w", err)
	}
	return nil
}

func (s *Store) GetQuery(ctx context.Context, id domain.QueryID) (*domain.MonitoredQuery, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+queryCols+` FROM queries WHERE id = $1`, string(id))
	q, err := scanQuery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get query: %w", err)
	}
	return q, nil
}

func (s *Store) ListQueries(ctx context.Context) ([]domain.MonitoredQuery, error) {
	return s.listQueries(ctx, `SELECT `+queryCols+` FROM queries ORDER BY created_at, id`)
}

func (s *Store) DueQueries(ctx context.Context, now time.Time, def time.Duration) ([]domain.MonitoredQuery, error) {
	return s.listQueries(ctx, `
SELECT `+queryCols+`
  FROM queries
 WHERE active
   AND (last_scan_at IS NULL
        OR last_scan_at + make_interval(secs => CASE WHEN interval_seconds > 0
                                                     THEN interval_seconds
                                                     ELSE $2 END) <= $1)
 ORDER BY last_scan_at NULLS FIRST, id`,
		now, int(def/time.Second))
}

func (s *Store) ForcedQueries(ctx context.Context) ([]domain.MonitoredQuery, error) {
	return s.listQueries(ctx, `SELECT `+queryCols+` FROM queries WHERE active AND force_requested ORDER BY id`)
}

func (s *Store) listQueries(ctx context.Context, sql string, args ...any) ([]domain.MonitoredQuery, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	defer rows.Close()

	var out []domain.MonitoredQuery
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan query: %w", err)
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

func (s *Store) RequestForceScan(ctx context.Context, id domain.QueryID) error {
	if id == "" {
		_, err := s.pool.Exec(ctx, `UPDATE queries SET force_requested = TRUE, force_seq = force_seq + 1 WHERE active`)
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE queries SET force_requested = TRUE, force_seq = force_seq + 1 WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("force scan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *Store) SetActive(ctx context.Context, id domain.QueryID, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queries
		    SET active = $2,
		        consecutive_errors = CASE WHEN $2 THEN 0 ELSE consecutive_errors END
		  WHERE id = $1`, string(id), active)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *Store) ClaimScan(ctx context.Context, id domain.QueryID, now, until time.Time, def time.Duration) (int64, bool, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `
UPDATE queries SET scan_lease_until = $3
 WHERE id = $1
   AND active
   AND (scan_lease_until IS NULL OR scan_lease_until <= $2)
   AND (force_requested
        OR last_scan_at IS NULL
        OR last_scan_at + make_interval(secs => CASE WHEN interval_seconds > 0
                                                     THEN interval_seconds
                                                     ELSE $4 END) <= $2)
RETURNING force_seq`,
		string(id), now, until, int(def/time.Second)).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("claim scan: %w", err)
	}
	return seq, true, nil
}

func (s *Store) RecordScan(ctx context.Context, id domain.QueryID, rec domain.ScanRecord) (*domain.MonitoredQuery, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE queries
   SET last_scan_at       = $2,
       consecutive_errors = CASE WHEN $3 = '' THEN 0 ELSE consecutive_errors + 1 END,
       last_error         = $3,
       force_requested    = CASE WHEN force_seq = $4 THEN FALSE ELSE force_requested END,
       scan_lease_until   = NULL
 WHERE id = $1
RETURNING `+queryCols, string(id), rec.At, rec.Err, rec.ForceSeq)
	q, err := scanQuery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("record scan: %w", err)
	}
	return q, nil
}

// ---- ItemStore ----

func (s *Store) InsertSeen(ctx context.Context, queryID domain.QueryID, items []domain.CandidateItem, at time.Time) ([]domain.SeenItem, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var out []domain.SeenItem
	for _, it := range items {
		payload, err := marshalMap(it.Payload)
		if err != nil {
			return nil, err
		}
		var firstSeen time.Time
		err = tx.QueryRow(ctx,
			`INSERT INTO seen_items (query_id, external_id, first_seen_at, payload)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (query_id, external_id) DO NOTHING
			 RETURNING first_seen_at`,
			string(queryID), it.ExternalID, at, payload,
		).Scan(&firstSeen)
		if errors.Is(err, pgx.ErrNoRows) {
			continue // already seen
		}
		if err != nil {
			return nil, fmt.Errorf("insert seen: %w", err)
		}
		out = append(out, domain.SeenItem{
			QueryID:     queryID,
			ExternalID:  it.ExternalID,
			FirstSeenAt: firstSeen,
			Payload:     it.Payload,
		})
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func (s *Store) GetSeen(ctx context.Context, queryID domain.QueryID, externalID string) (*domain.SeenItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT query_id, external_id, first_seen_at, notified, notified_at, payload
		   FROM seen_items WHERE query_id = $1 AND external_id = $2`,
		string(queryID), externalID)
	item, err := scanSeen(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get seen: %w", err)
	}
	return item, nil
}

func (s *Store) CountSeen(ctx context.Context, queryID domain.QueryID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM seen_items WHERE query_id = $1`, string(queryID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count seen: %w", err)
	}
	return n, nil
}

// ---- ConfigStore ----

func (s *Store) LatestConfig(ctx context.Context) (*domain.RuntimeConfig, error) {
	var (
		c   domain.RuntimeConfig
		raw []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT version, checksum, settings, published_at
		   FROM runtime_config ORDER BY version DESC LIMIT 1`,
	).Scan(&c.Version, &c.Checksum, &raw, &c.PublishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest config: %w", err)
	}
	if err := json.Unmarshal(raw, &c.Settings); err != nil {
		return nil, fmt.Errorf("decode settings v%d: %w", c.Version, err)
	}
	return &c, nil
}

func (s *Store) PublishConfig(ctx context.Context, settings domain.Settings) (*domain.RuntimeConfig, error) {
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	c := domain.RuntimeConfig{Checksum: settings.Checksum(), Settings: settings}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO runtime_config (version, checksum, settings, published_at)
		 SELECT COALESCE(MAX(version), 0) + 1, $1, $2, now() FROM runtime_config
		 RETURNING version, published_at`,
		c.Checksum, raw,
	).Scan(&c.Version, &c.PublishedAt)
	if isUniqueViolation(err) {
		return nil, repo.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("publish config: %w", err)
	}
	return &c, nil
}

// ---- helpers ----

func scanQuery(row pgx.Row) (*domain.MonitoredQuery, error) {
	var (
		q        domain.MonitoredQuery
		id       string
		params   []byte
		lastScan *time.Time
	)
	err := row.Scan(&id, &q.Name, &params, &q.IntervalSeconds, &q.Active, &lastScan,
		&q.ConsecutiveErrors, &q.LastError, &q.ForceRequested, &q.ForceSeq,
		&q.Target.Channel, &q.Target.Destination, &q.Target.Thread, &q.CreatedAt)
	if err != nil {
		return nil, err
	}
	q.ID = domain.QueryID(id)
	if lastScan != nil {
		q.LastScanAt = *lastScan
	}
	if err := unmarshalMap(params, &q.Params); err != nil {
		return nil, err
	}
	return &q, nil
}

func scanSeen(row pgx.Row) (*domain.SeenItem, error) {
	var (
		s       domain.SeenItem
		qid     string
		payload []byte
	)
	if err := row.Scan(&qid, &s.ExternalID, &s.FirstSeenAt, &s.Notified, &s.NotifiedAt, &payload); err != nil {
		return nil, err
	}
	s.QueryID = domain.QueryID(qid)
	if err := unmarshalMap(payload, &s.Payload); err != nil {
		return nil, err
	}
	return &s, nil
}

func marshalMap(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode map: %w", err)
	}
	return b, nil
}

func unmarshalMap(b []byte, into *map[string]string) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, into); err != nil {
		return fmt.Errorf("decode map: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
