package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/listingwatch/internal/domain"
	"github.com/hamed0406/listingwatch/internal/repo"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func seedQuery(t *testing.T, s *Store, q *domain.MonitoredQuery) {
	t.Helper()
	if err := s.CreateQuery(context.Background(), q); err != nil {
		t.Fatalf("CreateQuery: %v", err)
	}
}

func TestSQLiteStore_DueQueries(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	now := time.Date(2025, 8, 18, 12, 0, 0, 0, time.UTC)

	seedQuery(t, s, &domain.MonitoredQuery{ID: "due", Active: true, IntervalSeconds: 300})
	seedQuery(t, s, &domain.MonitoredQuery{ID: "fresh", Active: true, IntervalSeconds: 300})
	seedQuery(t, s, &domain.MonitoredQuery{ID: "off", Active: false})
	seedQuery(t, s, &domain.MonitoredQuery{ID: "never", Active: true})

	_, _ = s.RecordScan(ctx, "due", domain.ScanRecord{At: now.Add(-400 * time.Second)})
	_, _ = s.RecordScan(ctx, "fresh", domain.ScanRecord{At: now.Add(-100 * time.Second)})

	due, err := s.DueQueries(ctx, now, time.Minute)
	if err != nil {
		t.Fatalf("DueQueries: %v", err)
	}
	if len(due) != 2 || due[0].ID != "never" || due[1].ID != "due" {
		t.Fatalf("want [never due], got %+v", due)
	}
}

func TestSQLiteStore_ScanClaimRechecksDue(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	now := time.Date(2025, 8, 18, 12, 0, 0, 0, time.UTC)
	seedQuery(t, s, &domain.MonitoredQuery{ID: "q1", Active: true, IntervalSeconds: 300})
	seedQuery(t, s, &domain.MonitoredQuery{ID: "off", Active: false})

	if _, ok, err := s.ClaimScan(ctx, "q1", now, now.Add(time.Minute), time.Minute); err != nil || !ok {
		t.Fatalf("never scanned query: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := s.ClaimScan(ctx, "q1", now, now.Add(time.Minute), time.Minute); ok {
		t.Fatalf("lease must block a second claim")
	}
	if _, err := s.RecordScan(ctx, "q1", domain.ScanRecord{At: now}); err != nil {
		t.Fatalf("RecordScan: %v", err)
	}
	if _, ok, _ := s.ClaimScan(ctx, "q1", now.Add(299*time.Second), now.Add(time.Hour), time.Minute); ok {
		t.Fatalf("claim granted before the interval elapsed")
	}
	if _, ok, _ := s.ClaimScan(ctx, "q1", now.Add(300*time.Second), now.Add(time.Hour), time.Minute); !ok {
		t.Fatalf("boundary must be claimable")
	}
	if _, ok, _ := s.ClaimScan(ctx, "off", now, now.Add(time.Minute), time.Minute); ok {
		t.Fatalf("inactive query claimed")
	}
}

func TestSQLiteStore_ForceRequestDuringScanSurvives(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	now := time.Date(2025, 8, 18, 12, 0, 0, 0, time.UTC)
	seedQuery(t, s, &domain.MonitoredQuery{ID: "q1", Active: true, IntervalSeconds: 300})
	_, _ = s.RecordScan(ctx, "q1", domain.ScanRecord{At: now})

	_ = s.RequestForceScan(ctx, "q1")
	seq, ok, err := s.ClaimScan(ctx, "q1", now, now.Add(time.Minute), time.Minute)
	if err != nil || !ok {
		t.Fatalf("forced claim: ok=%v err=%v", ok, err)
	}
	_ = s.RequestForceScan(ctx, "q1")
	got, err := s.RecordScan(ctx, "q1", domain.ScanRecord{At: now, ForceSeq: seq})
	if err != nil {
		t.Fatalf("RecordScan: %v", err)
	}
	if !got.ForceRequested {
		t.Fatalf("request made during the scan was cleared")
	}

	seq, ok, _ = s.ClaimScan(ctx, "q1", now, now.Add(time.Minute), time.Minute)
	if !ok {
		t.Fatalf("pending force request not claimable")
	}
	got, _ = s.RecordScan(ctx, "q1", domain.ScanRecord{At: now, ForceSeq: seq})
	if got.ForceRequested {
		t.Fatalf("answered force request not cleared")
	}
}

func TestSQLiteStore_ConflictAndNotFound(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	seedQuery(t, s, &domain.MonitoredQuery{ID: "q1", Active: true})

	if err := s.CreateQuery(ctx, &domain.MonitoredQuery{ID: "q1"}); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
	if _, err := s.GetQuery(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := s.SetActive(ctx, "missing", true); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_InsertSeenOnlyReturnsNew(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	seedQuery(t, s, &domain.MonitoredQuery{ID: "q1", Active: true})
	seedQuery(t, s, &domain.MonitoredQuery{ID: "q2", Active: true})
	now := time.Now()

	got, err := s.InsertSeen(ctx, "q1", []domain.CandidateItem{
		{ExternalID: "A", Payload: map[string]string{"title": "Bike"}},
		{ExternalID: "B"},
	}, now)
	if err != nil || len(got) != 2 {
		t.Fatalf("first insert: %d err=%v", len(got), err)
	}
	got, _ = s.InsertSeen(ctx, "q1", []domain.CandidateItem{{ExternalID: "A"}, {ExternalID: "C"}}, now)
	if len(got) != 1 || got[0].ExternalID != "C" {
		t.Fatalf("want [C], got %+v", got)
	}
	// dedup is per query
	got, _ = s.InsertSeen(ctx, "q2", []domain.CandidateItem{{ExternalID: "A"}}, now)
	if len(got) != 1 {
		t.Fatalf("same id under another query must be new, got %+v", got)
	}

	if n, _ := s.CountSeen(ctx, "q1"); n != 3 {
		t.Fatalf("CountSeen = %d, want 3", n)
	}
	item, err := s.GetSeen(ctx, "q1", "A")
	if err != nil || item.Payload["title"] != "Bike" || item.Notified {
		t.Fatalf("GetSeen: %+v err=%v", item, err)
	}
}

func TestSQLiteStore_ClaimOrderAndLease(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	seedQuery(t, s, &domain.MonitoredQuery{ID: "q1", Active: true})
	now := time.Now().UTC()
	_, _ = s.InsertSeen(ctx, "q1", []domain.CandidateItem{{ExternalID: "X"}, {ExternalID: "Y"}}, now)

	x := &domain.PendingNotification{QueryID: "q1", ExternalID: "X", NextAttemptAt: now, CreatedAt: now}
	y := &domain.PendingNotification{QueryID: "q1", ExternalID: "Y", NextAttemptAt: now, CreatedAt: now}
	for _, n := range []*domain.PendingNotification{x, y} {
		if ok, err := s.Enqueue(ctx, n); err != nil || !ok {
			t.Fatalf("Enqueue %s: ok=%v err=%v", n.ExternalID, ok, err)
		}
	}

	claimed, err := s.ClaimDue(ctx, now, 1, now.Add(time.Minute))
	if err != nil || len(claimed) != 1 || claimed[0].ExternalID != "X" {
		t.Fatalf("want X first, got %+v err=%v", claimed, err)
	}
	claimed, _ = s.ClaimDue(ctx, now, 10, now.Add(time.Minute))
	if len(claimed) != 1 || claimed[0].ExternalID != "Y" {
		t.Fatalf("want only Y left, got %+v", claimed)
	}

	if err := s.Release(ctx, []string{x.ID, y.ID}); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.MarkRetry(ctx, x.ID, 1, now.Add(time.Hour), "timeout"); err != nil {
		t.Fatalf("MarkRetry: %v", err)
	}
	claimed, _ = s.ClaimDue(ctx, now.Add(time.Second), 10, now.Add(time.Minute))
	if len(claimed) != 1 || claimed[0].ExternalID != "Y" {
		t.Fatalf("X must wait for its next attempt, got %+v", claimed)
	}

	if err := s.MarkFailed(ctx, y.ID, "chat not found"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if ok, _ := s.MarkSent(ctx, y.ID, now); ok {
		t.Fatalf("failed notification must not become sent")
	}
	pending, _ := s.ListPending(ctx)
	if len(pending) != 1 || pending[0].ID != x.ID || pending[0].RetryCount != 1 {
		t.Fatalf("unexpected pending: %+v", pending)
	}
}

func TestSQLiteStore_MarkSentFlagsSeenItem(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	seedQuery(t, s, &domain.MonitoredQuery{ID: "q1", Active: true})
	now := time.Now()
	_, _ = s.InsertSeen(ctx, "q1", []domain.CandidateItem{{ExternalID: "A"}, {ExternalID: "B"}}, now)

	n := &domain.PendingNotification{QueryID: "q1", ExternalID: "A", NextAttemptAt: now}
	_, _ = s.Enqueue(ctx, n)

	orphans, _ := s.Unqueued(ctx, 10)
	if len(orphans) != 1 || orphans[0].ExternalID != "B" {
		t.Fatalf("want B unqueued, got %+v", orphans)
	}

	if ok, err := s.MarkSent(ctx, n.ID, now); err != nil || !ok {
		t.Fatalf("MarkSent: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.MarkSent(ctx, n.ID, now); ok {
		t.Fatalf("second MarkSent must be a no-op")
	}
	item, _ := s.GetSeen(ctx, "q1", "A")
	if !item.Notified || item.NotifiedAt == nil {
		t.Fatalf("seen item not flagged: %+v", item)
	}
}

func TestSQLiteStore_ConfigSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s, err := Open(ctx, path, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	settings := domain.DefaultSettings()
	settings.Proxies.Endpoints = []string{"http://10.0.0.1:3128", "http://10.0.0.2:3128"}
	if _, err := s.PublishConfig(ctx, settings); err != nil {
		t.Fatalf("PublishConfig: %v", err)
	}
	s.Close()

	s, err = Open(ctx, path, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	latest, err := s.LatestConfig(ctx)
	if err != nil {
		t.Fatalf("LatestConfig: %v", err)
	}
	if latest.Version != 1 || len(latest.Settings.Proxies.Endpoints) != 2 || latest.Checksum != settings.Checksum() {
		t.Fatalf("unexpected config after reopen: %+v", latest)
	}
}
