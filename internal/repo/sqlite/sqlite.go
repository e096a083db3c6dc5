// Package sqlite is the single-file store for small deployments. It runs on
// modernc.org/sqlite (pure Go) with one connection so every method is
// serialized by the pool.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/hamed0406/listingwatch/internal/domain"
	"github.com/hamed0406/listingwatch/internal/repo"
)

var _ repo.Store = (*Store)(nil)

type Store struct {
	db  *sql.DB
	log *zap.Logger
}

const pragmas = "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"

// Open opens (creating if needed) the database at path and applies Schema.
// ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string, log *zap.Logger) (*Store, error) {
	dsn := "file::memory:?" + strings.Replace(pragmas, "&_pragma=journal_mode(WAL)", "", 1)
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
		dsn = "file:" + path + "?" + pragmas
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() {
	if err := s.db.Close(); err != nil && s.log != nil {
		s.log.Warn("sqlite close", zap.Error(err))
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
	params, err := encodeMap(q.Params)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO queries (id, name, params, interval_seconds, active,
		   target_channel, target_destination, target_thread, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(q.ID), q.Name, params, q.IntervalSeconds, q.Active,
		q.Target.Channel, q.Target.Destination, q.Target.Thread, millis(q.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert query: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrConflict
	}
	return nil
}

func (s *Store) GetQuery(ctx context.Context, id domain.QueryID) (*domain.MonitoredQuery, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queryCols+` FROM queries WHERE id = ?`, string(id))
	q, err := scanQuery(row)
	if errors.Is(err, sql.ErrNoRows) {
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
 WHERE active = 1
   AND (last_scan_at IS NULL
        OR last_scan_at + 1000 * (CASE WHEN interval_seconds > 0 THEN interval_seconds ELSE ? END) <= ?)
 ORDER BY last_scan_at IS NOT NULL, last_scan_at, id`,
		int64(def/time.Second), millis(now))
}

func (s *Store) ForcedQueries(ctx context.Context) ([]domain.MonitoredQuery, error) {
	return s.listQueries(ctx, `SELECT `+queryCols+` FROM queries WHERE active = 1 AND force_requested = 1 ORDER BY id`)
}

func (s *Store) listQueries(ctx context.Context, query string, args ...any) ([]domain.MonitoredQuery, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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
		_, err := s.db.ExecContext(ctx, `UPDATE queries SET force_requested = 1, force_seq = force_seq + 1 WHERE active = 1`)
		return err
	}
	return s.execOne(ctx, `UPDATE queries SET force_requested = 1, force_seq = force_seq + 1 WHERE id = ?`, string(id))
}

func (s *Store) SetActive(ctx context.Context, id domain.QueryID, active bool) error {
	if active {
		return s.execOne(ctx, `UPDATE queries SET active = 1, consecutive_errors = 0 WHERE id = ?`, string(id))
	}
	return s.execOne(ctx, `UPDATE queries SET active = 0 WHERE id = ?`, string(id))
}

func (s *Store) ClaimScan(ctx context.Context, id domain.QueryID, now, until time.Time, def time.Duration) (int64, bool, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
UPDATE queries SET scan_lease_until = ?
 WHERE id = ?
   AND active = 1
   AND (scan_lease_until IS NULL OR scan_lease_until <= ?)
   AND (force_requested = 1
        OR last_scan_at IS NULL
        OR last_scan_at + 1000 * (CASE WHEN interval_seconds > 0 THEN interval_seconds ELSE ? END) <= ?)
RETURNING force_seq`,
		millis(until), string(id), millis(now), int64(def/time.Second), millis(now)).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("claim scan: %w", err)
	}
	return seq, true, nil
}

func (s *Store) RecordScan(ctx context.Context, id domain.QueryID, rec domain.ScanRecord) (*domain.MonitoredQuery, error) {
	failed := 0
	if rec.Err != "" {
		failed = 1
	}
	err := s.execOne(ctx, `
UPDATE queries
   SET last_scan_at       = ?,
       consecutive_errors = CASE WHEN ? = 1 THEN consecutive_errors + 1 ELSE 0 END,
       last_error         = ?,
       force_requested    = CASE WHEN force_seq = ? THEN 0 ELSE force_requested END,
       scan_lease_until   = NULL
 WHERE id = ?`, millis(rec.At), failed, rec.Err, rec.ForceSeq, string(id))
	if err != nil {
		return nil, err
	}
	return s.GetQuery(ctx, id)
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// ---- ItemStore ----

func (s *Store) InsertSeen(ctx context.Context, queryID domain.QueryID, items []domain.CandidateItem, at time.Time) ([]domain.SeenItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var out []domain.SeenItem
	for _, it := range items {
		payload, err := encodeMap(it.Payload)
		if err != nil {
			return nil, err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO seen_items (query_id, external_id, first_seen_at, payload)
			 VALUES (?, ?, ?, ?)`,
			string(queryID), it.ExternalID, millis(at), payload)
		if err != nil {
			return nil, fmt.Errorf("insert seen: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		out = append(out, domain.SeenItem{
			QueryID:     queryID,
			ExternalID:  it.ExternalID,
			FirstSeenAt: fromMillis(millis(at)),
			Payload:     it.Payload,
		})
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func (s *Store) GetSeen(ctx context.Context, queryID domain.QueryID, externalID string) (*domain.SeenItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT query_id, external_id, first_seen_at, notified, notified_at, payload
		   FROM seen_items WHERE query_id = ? AND external_id = ?`,
		string(queryID), externalID)
	item, err := scanSeen(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get seen: %w", err)
	}
	return item, nil
}

func (s *Store) CountSeen(ctx context.Context, queryID domain.QueryID) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM seen_items WHERE query_id = ?`, string(queryID)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count seen: %w", err)
	}
	return n, nil
}

// ---- ConfigStore ----

func (s *Store) LatestConfig(ctx context.Context) (*domain.RuntimeConfig, error) {
	var (
		c         domain.RuntimeConfig
		raw       string
		published int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, checksum, settings, published_at
		   FROM runtime_config ORDER BY version DESC LIMIT 1`,
	).Scan(&c.Version, &c.Checksum, &raw, &published)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest config: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &c.Settings); err != nil {
		return nil, fmt.Errorf("decode settings v%d: %w", c.Version, err)
	}
	c.PublishedAt = fromMillis(published)
	return &c, nil
}

func (s *Store) PublishConfig(ctx context.Context, settings domain.Settings) (*domain.RuntimeConfig, error) {
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	c := domain.RuntimeConfig{
		Checksum:    settings.Checksum(),
		Settings:    settings,
		PublishedAt: fromMillis(millis(time.Now())),
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO runtime_config (version, checksum, settings, published_at)
		 SELECT COALESCE(MAX(version), 0) + 1, ?, ?, ? FROM runtime_config
		 RETURNING version`,
		c.Checksum, string(raw), millis(c.PublishedAt),
	).Scan(&c.Version)
	if err != nil {
		return nil, fmt.Errorf("publish config: %w", err)
	}
	return &c, nil
}

// ---- helpers ----

type scanner interface {
	Scan(dest ...any) error
}

func scanQuery(row scanner) (*domain.MonitoredQuery, error) {
	var (
		q        domain.MonitoredQuery
		id       string
		params   string
		lastScan sql.NullInt64
		created  int64
	)
	err := row.Scan(&id, &q.Name, &params, &q.IntervalSeconds, &q.Active, &lastScan,
		&q.ConsecutiveErrors, &q.LastError, &q.ForceRequested, &q.ForceSeq,
		&q.Target.Channel, &q.Target.Destination, &q.Target.Thread, &created)
	if err != nil {
		return nil, err
	}
	q.ID = domain.QueryID(id)
	q.CreatedAt = fromMillis(created)
	if lastScan.Valid {
		q.LastScanAt = fromMillis(lastScan.Int64)
	}
	if err := decodeMap(params, &q.Params); err != nil {
		return nil, err
	}
	return &q, nil
}

func scanSeen(row scanner) (*domain.SeenItem, error) {
	var (
		it       domain.SeenItem
		qid      string
		first    int64
		notified sql.NullInt64
		payload  string
	)
	if err := row.Scan(&qid, &it.ExternalID, &first, &it.Notified, &notified, &payload); err != nil {
		return nil, err
	}
	it.QueryID = domain.QueryID(qid)
	it.FirstSeenAt = fromMillis(first)
	it.NotifiedAt = nullTime(notified)
	if err := decodeMap(payload, &it.Payload); err != nil {
		return nil, err
	}
	return &it, nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func encodeMap(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode map: %w", err)
	}
	return string(b), nil
}

func decodeMap(raw string, into *map[string]string) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), into); err != nil {
		return fmt.Errorf("decode map: %w", err)
	}
	return nil
}
