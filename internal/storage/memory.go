package storage

import (
	"context"
	"sync"

	"stockflow/models"
)

// MemoryStore keeps the latest record per instrument in memory. Sequences
// are monotonic per instrument, so anything at or below the last stored
// sequence is a duplicate.
type MemoryStore struct {
	mu         sync.RWMutex
	quotes     map[string]*models.Quote
	orderbooks map[string]*models.Orderbook
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		quotes:     make(map[string]*models.Quote),
		orderbooks: make(map[string]*models.Orderbook),
	}
}

func (s *MemoryStore) AppendQuote(ctx context.Context, q *models.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.quotes[q.StockCode]; ok && q.Sequence <= prev.Sequence {
		return ErrDuplicateSequence
	}
	s.quotes[q.StockCode] = q
	return nil
}

func (s *MemoryStore) LatestQuote(ctx context.Context, stockCode string) (*models.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[stockCode]
	if !ok {
		return nil, ErrNotFound
	}
	return q, nil
}

func (s *MemoryStore) AppendOrderbook(ctx context.Context, ob *models.Orderbook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.orderbooks[ob.StockCode]; ok && ob.Sequence <= prev.Sequence {
		return ErrDuplicateSequence
	}
	s.orderbooks[ob.StockCode] = ob
	return nil
}

func (s *MemoryStore) LatestOrderbook(ctx context.Context, stockCode string) (*models.Orderbook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ob, ok := s.orderbooks[stockCode]
	if !ok {
		return nil, ErrNotFound
	}
	return ob, nil
}
