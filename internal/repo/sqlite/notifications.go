package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

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
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	payload, err := encodeMap(n.Payload)
	if err != nil {
		return false, err
	}
	// seq breaks created_at ties in insertion order
	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO notifications (id, seq, query_id, external_id, target_channel,
       target_destination, target_thread, payload, retry_count, next_attempt_at, state, created_at)
SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ? FROM notifications`,
		n.ID, string(n.QueryID), n.ExternalID, n.Target.Channel, n.Target.Destination,
		n.Target.Thread, payload, n.RetryCount, millis(n.NextAttemptAt), string(n.State), millis(n.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}
	inserted, _ := res.RowsAffected()
	return inserted == 1, nil
}

func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int, leaseUntil time.Time) ([]domain.PendingNotification, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
SELECT `+notificationCols+` FROM notifications
 WHERE state = 'pending'
   AND next_attempt_at <= ?
   AND (claimed_until IS NULL OR claimed_until <= ?)
 ORDER BY created_at, seq
 LIMIT ?`, millis(now), millis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	out, err := collectNotifications(rows)
	if err != nil {
		return nil, err
	}
	for _, n := range out {
		if _, err := tx.ExecContext(ctx, `UPDATE notifications SET claimed_until = ? WHERE id = ?`, millis(leaseUntil), n.ID); err != nil {
			return nil, fmt.Errorf("lease %s: %w", n.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func (s *Store) MarkSent(ctx context.Context, id string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var qid, ext, state string
	err = tx.QueryRowContext(ctx, `SELECT query_id, external_id, state FROM notifications WHERE id = ?`, id).Scan(&qid, &ext, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return false, repo.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("mark sent: %w", err)
	}
	if domain.NotificationState(state) != domain.StatePending {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE notifications SET state = 'sent', sent_at = ?, last_error = '', claimed_until = NULL
		  WHERE id = ? AND state = 'pending'`, millis(at), id); err != nil {
		return false, fmt.Errorf("mark sent: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE seen_items SET notified = 1, notified_at = ? WHERE query_id = ? AND external_id = ?`,
		millis(at), qid, ext); err != nil {
		return false, fmt.Errorf("flag seen item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (s *Store) MarkRetry(ctx context.Context, id string, retryCount int, next time.Time, lastErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications
		    SET retry_count = ?, next_attempt_at = ?, last_error = ?, claimed_until = NULL
		  WHERE id = ? AND state = 'pending'`, retryCount, millis(next), lastErr, id)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id string, lastErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications
		    SET state = 'failed_permanent', last_error = ?, claimed_until = NULL
		  WHERE id = ? AND state = 'pending'`, lastErr, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	if _, err := s.db.ExecContext(ctx, `UPDATE notifications SET claimed_until = NULL WHERE id IN (`+marks+`)`, args...); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

func (s *Store) ListPending(ctx context.Context) ([]domain.PendingNotification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationCols+` FROM notifications WHERE state = 'pending' ORDER BY created_at, seq`)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return collectNotifications(rows)
}

func (s *Store) Unqueued(ctx context.Context, limit int) ([]domain.SeenItem, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT si.query_id, si.external_id, si.first_seen_at, si.notified, si.notified_at, si.payload
  FROM seen_items si
  LEFT JOIN notifications n ON n.query_id = si.query_id AND n.external_id = si.external_id
 WHERE si.notified = 0 AND n.id IS NULL
 ORDER BY si.first_seen_at
 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("unqueued: %w", err)
	}
	defer rows.Close()

	var out []domain.SeenItem
	for rows.Next() {
		it, err := scanSeen(rows)
		if err != nil {
			return nil, fmt.Errorf("scan seen: %w", err)
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func collectNotifications(rows *sql.Rows) ([]domain.PendingNotification, error) {
	defer rows.Close()
	var out []domain.PendingNotification
	for rows.Next() {
		var (
			n         domain.PendingNotification
			qid       string
			state     string
			payload   string
			next, ctd int64
			sent      sql.NullInt64
		)
		err := rows.Scan(&n.ID, &qid, &n.ExternalID, &n.Target.Channel, &n.Target.Destination,
			&n.Target.Thread, &payload, &n.RetryCount, &next, &state, &n.LastError, &ctd, &sent)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.QueryID = domain.QueryID(qid)
		n.State = domain.NotificationState(state)
		n.NextAttemptAt = fromMillis(next)
		n.CreatedAt = fromMillis(ctd)
		n.SentAt = nullTime(sent)
		if err := decodeMap(payload, &n.Payload); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
