package storage

import (
	"context"
	"sync"

	appconfig "stockflow/config"
	"stockflow/internal/cache"
	"stockflow/models"
)

// RecentStore keeps the latest record per instrument in a TTL cache. Entries
// for instruments that stop trading age out on their own, so a subscriber
// never gets a snapshot older than the configured TTL. Duplicate detection
// works the same way as MemoryStore, anything at or below the cached
// sequence is rejected.
type RecentStore struct {
	mu         sync.Mutex
	quotes     *cache.Cache
	orderbooks *cache.Cache
}

// NewRecentStore creates a recent-data store from the cache config.
func NewRecentStore(cfg appconfig.CacheConfig) *RecentStore {
	return &RecentStore{
		quotes:     cache.New(cfg.RecentDataTTL, cfg.MaxSize),
		orderbooks: cache.New(cfg.RecentDataTTL, cfg.MaxSize),
	}
}

func (s *RecentStore) AppendQuote(ctx context.Context, q *models.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.quotes.Get(q.StockCode); ok {
		if q.Sequence <= prev.(*models.Quote).Sequence {
			return ErrDuplicateSequence
		}
	}
	s.quotes.Set(q.StockCode, q)
	return nil
}

func (s *RecentStore) LatestQuote(ctx context.Context, stockCode string) (*models.Quote, error) {
	v, ok := s.quotes.Get(stockCode)
	if !ok {
		return nil, ErrNotFound
	}
	return v.(*models.Quote), nil
}

func (s *RecentStore) AppendOrderbook(ctx context.Context, ob *models.Orderbook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.orderbooks.Get(ob.StockCode); ok {
		if ob.Sequence <= prev.(*models.Orderbook).Sequence {
			return ErrDuplicateSequence
		}
	}
	s.orderbooks.Set(ob.StockCode, ob)
	return nil
}

func (s *RecentStore) LatestOrderbook(ctx context.Context, stockCode string) (*models.Orderbook, error) {
	v, ok := s.orderbooks.Get(stockCode)
	if !ok {
		return nil, ErrNotFound
	}
	return v.(*models.Orderbook), nil
}

// Close stops the cache janitors.
func (s *RecentStore) Close() {
	s.quotes.Close()
	s.orderbooks.Close()
}
