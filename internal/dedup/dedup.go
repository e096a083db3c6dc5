// Package dedup decides which scanned items are new for a query.
//
// The store's insert-if-absent is the only authority. The LRU in front of
// it is a hint that saves a round trip for items we already confirmed; it
// is only filled after the store answered, so a lost insert never hides an
// item.
package dedup

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/hamed0406/listingwatch/internal/domain"
	"github.com/hamed0406/listingwatch/internal/repo"
)

type key struct {
	query domain.QueryID
	ext   string
}

type Filter struct {
	store repo.ItemStore
	known *lru.Cache[key, struct{}]
	log   *zap.Logger
	now   func() time.Time
}

// New builds a filter with a hint cache of cacheSize keys (0 disables it).
func New(store repo.ItemStore, cacheSize int, log *zap.Logger) (*Filter, error) {
	f := &Filter{store: store, log: log, now: time.Now}
	if cacheSize > 0 {
		c, err := lru.New[key, struct{}](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("dedup cache: %w", err)
		}
		f.known = c
	}
	return f, nil
}

// FilterNew records items for queryID and returns the ones seen for the
// first time, in batch order. Items without an external id are dropped,
// repeated ids within the batch collapse to their first occurrence.
func (f *Filter) FilterNew(ctx context.Context, queryID domain.QueryID, items []domain.CandidateItem) ([]domain.SeenItem, error) {
	batch := make([]domain.CandidateItem, 0, len(items))
	inBatch := make(map[string]bool, len(items))
	dropped := 0
	for _, it := range items {
		if it.ExternalID == "" {
			dropped++
			continue
		}
		if inBatch[it.ExternalID] {
			continue
		}
		inBatch[it.ExternalID] = true
		if f.known != nil && f.known.Contains(key{queryID, it.ExternalID}) {
			continue
		}
		it.QueryID = queryID
		batch = append(batch, it)
	}
	if dropped > 0 {
		f.log.Warn("items_without_external_id",
			zap.String("query_id", string(queryID)),
			zap.Int("dropped", dropped),
		)
	}
	if len(batch) == 0 {
		return nil, nil
	}

	inserted, err := f.store.InsertSeen(ctx, queryID, batch, f.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("insert seen for %s: %w", queryID, err)
	}
	if f.known != nil {
		for _, it := range batch {
			f.known.Add(key{queryID, it.ExternalID}, struct{}{})
		}
	}
	return inserted, nil
}
