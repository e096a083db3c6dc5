package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hamed0406/listingwatch/internal/domain"
	"github.com/hamed0406/listingwatch/internal/repo"
)

const notificationCols = `id, query_id, external_id, target_channel, target_destination,
	target_thread, payload, retry_count, next_attempt_at, state, last_error,
	created_at, sent_at`

func (s *Store) Enqueue(ctx context.Context, n *domain.PendingNotification) (bool, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.State == "" {
		n.State = domain.StatePending
	}
	payload, err := marshalMap(n.Payload)
	if err != nil {
		return false, err
	}
	var created *time.Time
	if !n.CreatedAt.IsZero() {
		created = &n.CreatedAt
	}
	err = s.pool.QueryRow(ctx, `
INSERT INTO notifications (id, query_id, external_id, target_channel, target_destination,
                           target_thread, payload, retry_count, next_attempt_at, state, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, clock_timestamp()))
ON CONFLICT (query_id, external_id) DO NOTHING
RETURNING created_at`,
		n.ID, string(n.QueryID), n.ExternalID, n.Target.Channel, n.Target.Destination,
		n.Target.Thread, payload, n.RetryCount, n.NextAttemptAt, string(n.State), created,
	).Scan(&n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}
	return true, nil
}

func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int, leaseUntil time.Time) ([]domain.PendingNotification, error) {
	rows, err := s.pool.Query(ctx, `
UPDATE notifications SET claimed_until = $3
 WHERE id IN (
   SELECT id FROM notifications
    WHERE state = 'pending'
      AND next_attempt_at <= $1
      AND (claimed_until IS NULL OR claimed_until <= $1)
    ORDER BY created_at, id
    LIMIT $2
    FOR UPDATE SKIP LOCKED)
RETURNING `+notificationCols, now, limit, leaseUntil)
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	out, err := collectNotifications(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is unspecified
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) MarkSent(ctx context.Context, id string, at time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var qid, ext string
	err = tx.QueryRow(ctx,
		`UPDATE notifications
		    SET state = 'sent', sent_at = $2, last_error = '', claimed_until = NULL
		  WHERE id = $1 AND state = 'pending'
		RETURNING query_id, external_id`, id, at,
	).Scan(&qid, &ext)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, fmt.Errorf("mark sent: %w", err)
		}
		if !exists {
			return false, repo.ErrNotFound
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark sent: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE seen_items SET notified = TRUE, notified_at = $3
		  WHERE query_id = $1 AND external_id = $2`, qid, ext, at); err != nil {
		return false, fmt.Errorf("flag seen item: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (s *Store) MarkRetry(ctx context.Context, id string, retryCount int, next time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE notifications
		    SET retry_count = $2, next_attempt_at = $3, last_error = $4, claimed_until = NULL
		  WHERE id = $1 AND state = 'pending'`, id, retryCount, next, lastErr)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id string, lastErr string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE notifications
		    SET state = 'failed_permanent', last_error = $2, claimed_until = NULL
		  WHERE id = $1 AND state = 'pending'`, id, lastErr)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE notifications SET claimed_until = NULL WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

func (s *Store) ListPending(ctx context.Context) ([]domain.PendingNotification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+notificationCols+` FROM notifications WHERE state = 'pending' ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return collectNotifications(rows)
}

func (s *Store) Unqueued(ctx context.Context, limit int) ([]domain.SeenItem, error) {
	rows, err := s.pool.Query(ctx, `
SELECT si.query_id, si.external_id, si.first_seen_at, si.notified, si.notified_at, si.payload
  FROM seen_items si
  LEFT JOIN notifications n ON n.query_id = si.query_id AND n.external_id = si.external_id
 WHERE NOT si.notified AND n.id IS NULL
 ORDER BY si.first_seen_at
 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("unqueued: %w", err)
	}
	defer rows.Close()

	var out []domain.SeenItem
	for rows.Next() {
		item, err := scanSeen(rows)
		if err != nil {
			return nil, fmt.Errorf("scan seen: %w", err)
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

func collectNotifications(rows pgx.Rows) ([]domain.PendingNotification, error) {
	defer rows.Close()
	var out []domain.PendingNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func scanNotification(row pgx.Row) (*domain.PendingNotification, error) {
	var (
		n       domain.PendingNotification
		qid     string
		state   string
		payload []byte
	)
	err := row.Scan(&n.ID, &qid, &n.ExternalID, &n.Target.Channel, &n.Target.Destination,
		&n.Target.Thread, &payload, &n.RetryCount, &n.NextAttemptAt, &state, &n.LastError,
		&n.CreatedAt, &n.SentAt)
	if err != nil {
		return nil, err
	}
	n.QueryID = domain.QueryID(qid)
	n.State = domain.NotificationState(state)
	if err := unmarshalMap(payload, &n.Payload); err != nil {
		return nil, err
	}
	return &n, nil
}
