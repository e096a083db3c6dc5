package scheduler

import (
	"context"
	"time"

	"github.com/hamed0406/listingwatch/internal/domain"
)

type QueryStatus struct {
	domain.MonitoredQuery
	Degraded   bool      `json:"degraded"`
	Scanning   bool      `json:"scanning"`
	NextScanAt time.Time `json:"next_scan_at"`
}

func (s *Scheduler) QueryStatus(ctx context.Context, id domain.QueryID) (*QueryStatus, error) {
	q, err := s.Queries.GetQuery(ctx, id)
	if err != nil {
		return nil, err
	}
	st := s.status(*q, s.Live.Load())
	return &st, nil
}

func (s *Scheduler) ListStatus(ctx context.Context) ([]QueryStatus, error) {
	qs, err := s.Queries.ListQueries(ctx)
	if err != nil {
		return nil, err
	}
	settings := s.Live.Load()
	out := make([]QueryStatus, 0, len(qs))
	for _, q := range qs {
		out = append(out, s.status(q, settings))
	}
	return out, nil
}

func (s *Scheduler) status(q domain.MonitoredQuery, settings domain.Settings) QueryStatus {
	st := QueryStatus{
		MonitoredQuery: q,
		Degraded:       q.Degraded(settings.DegradedAfter),
		Scanning:       s.Scanning(q.ID),
	}
	switch {
	case !q.Active:
	case q.ForceRequested || q.LastScanAt.IsZero():
		st.NextScanAt = s.now().UTC()
	default:
		st.NextScanAt = q.LastScanAt.Add(q.EffectiveInterval(settings.DefaultInterval()))
	}
	return st
}
