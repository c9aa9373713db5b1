package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"stockflow/models"
)

var (
	// ErrConditionNotFound is returned for unknown condition ids.
	ErrConditionNotFound = errors.New("condition not found")

	// ErrAlreadyTriggered is returned when a trigger races another trigger
	// or a deactivation. Exactly one caller wins.
	ErrAlreadyTriggered = errors.New("condition already triggered")
)

// ConditionStore persists alert conditions. TryTrigger must be atomic:
// for a given condition only one concurrent caller may succeed, every other
// caller gets ErrAlreadyTriggered.
type ConditionStore interface {
	Create(ctx context.Context, c *models.Condition) error
	Get(ctx context.Context, id string) (*models.Condition, error)
	Update(ctx context.Context, c *models.Condition) error
	SetActive(ctx context.Context, id string, active bool) error
	ListByUser(ctx context.Context, userID string) ([]*models.Condition, error)
	ListActiveByInstrument(ctx context.Context, stockCode string) ([]*models.Condition, error)
	TryTrigger(ctx context.Context, id string, value float64, at time.Time) error
	Delete(ctx context.Context, id string) error
}

// MemoryConditionStore is the in-memory ConditionStore.
type MemoryConditionStore struct {
	mu         sync.RWMutex
	conditions map[string]*models.Condition
}

// NewMemoryConditionStore creates an empty store.
func NewMemoryConditionStore() *MemoryConditionStore {
	return &MemoryConditionStore{conditions: make(map[string]*models.Condition)}
}

func (s *MemoryConditionStore) Create(ctx context.Context, c *models.Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *c
	s.conditions[c.ID] = &clone
	return nil
}

func (s *MemoryConditionStore) Get(ctx context.Context, id string) (*models.Condition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conditions[id]
	if !ok {
		return nil, ErrConditionNotFound
	}
	clone := *c
	return &clone, nil
}

func (s *MemoryConditionStore) Update(ctx context.Context, c *models.Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.conditions[c.ID]
	if !ok {
		return ErrConditionNotFound
	}
	cur.StockCode = c.StockCode
	cur.Type = c.Type
	cur.Threshold = c.Threshold
	cur.Channel = c.Channel
	cur.Destination = c.Destination
	return nil
}

func (s *MemoryConditionStore) SetActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conditions[id]
	if !ok {
		return ErrConditionNotFound
	}
	c.IsActive = active
	if active {
		c.TriggeredAt = time.Time{}
		c.TriggeredValue = 0
	}
	return nil
}

func (s *MemoryConditionStore) ListByUser(ctx context.Context, userID string) ([]*models.Condition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Condition
	for _, c := range s.conditions {
		if c.UserID == userID {
			clone := *c
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *MemoryConditionStore) ListActiveByInstrument(ctx context.Context, stockCode string) ([]*models.Condition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Condition
	for _, c := range s.conditions {
		if c.StockCode == stockCode && c.IsActive {
			clone := *c
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *MemoryConditionStore) TryTrigger(ctx context.Context, id string, value float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conditions[id]
	if !ok {
		return ErrConditionNotFound
	}
	if !c.IsActive {
		return ErrAlreadyTriggered
	}
	c.IsActive = false
	c.TriggeredAt = at
	c.TriggeredValue = value
	return nil
}

func (s *MemoryConditionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conditions[id]; !ok {
		return ErrConditionNotFound
	}
	delete(s.conditions, id)
	return nil
}

// MemoryAttemptLog keeps delivery attempt history in memory. It backs the
// notification history endpoint when Postgres is disabled.
type MemoryAttemptLog struct {
	mu       sync.RWMutex
	attempts []*models.DeliveryAttempt
}

// NewMemoryAttemptLog creates an empty attempt log.
func NewMemoryAttemptLog() *MemoryAttemptLog {
	return &MemoryAttemptLog{}
}

func (l *MemoryAttemptLog) RecordAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	clone := *a
	l.attempts = append(l.attempts, &clone)
	return nil
}

func (l *MemoryAttemptLog) ListAttemptsByUser(ctx context.Context, userID string) ([]*models.DeliveryAttempt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*models.DeliveryAttempt
	for _, a := range l.attempts {
		if a.UserID == userID {
			clone := *a
			out = append(out, &clone)
		}
	}
	return out, nil
}
