package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	appconfig "stockflow/config"
	"stockflow/internal/cache"
	"stockflow/logger"
	"stockflow/models"
)

// NotificationPublisher hands fired alerts to the delivery pipeline.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, ev *models.NotificationEvent) error
}

// Evaluator matches incoming ticks against active conditions. Work is
// spread over a bounded pool, condition lookups go through a short TTL
// cache so a hot instrument does not hammer the store on every tick.
type Evaluator struct {
	store     ConditionStore
	publisher NotificationPublisher
	cache     *cache.Cache
	queue     chan *models.Quote
	workers   int

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	evaluated atomic.Int64
	fired     atomic.Int64
	dropped   atomic.Int64
}

// EvaluationStats is a point-in-time snapshot of the evaluation pipeline.
type EvaluationStats struct {
	Evaluated  int64 `json:"evaluated"`
	Fired      int64 `json:"fired"`
	Dropped    int64 `json:"dropped"`
	QueueDepth int   `json:"queue_depth"`
	Workers    int   `json:"workers"`
}

// NewEvaluator creates an evaluator with the configured pool and cache.
func NewEvaluator(cfg appconfig.EvaluationConfig, store ConditionStore, publisher NotificationPublisher) *Evaluator {
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Evaluator{
		store:     store,
		publisher: publisher,
		cache:     cache.New(cfg.ConditionCacheTTL, 10000),
		queue:     make(chan *models.Quote, queueSize),
		workers:   workers,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
	}
}

// Start launches the worker pool.
func (e *Evaluator) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("evaluator already running")
	}
	e.running = true
	e.ctx = ctx
	e.mu.Unlock()

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}

	e.log.WithComponent("evaluator").WithFields(logger.Fields{"workers": e.workers}).Info("evaluator started")
	return nil
}

// Stop waits for the workers to drain. Cancel the Start context first.
func (e *Evaluator) Stop() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	e.wg.Wait()
	e.cache.Close()
	e.log.WithComponent("evaluator").Info("evaluator stopped")
}

// Submit queues a tick for evaluation without blocking. Ticks are dropped
// when the queue is full, the next tick for the instrument carries newer
// data anyway.
func (e *Evaluator) Submit(q *models.Quote) error {
	select {
	case e.queue <- q:
		return nil
	default:
		e.dropped.Add(1)
		return fmt.Errorf("evaluation queue full")
	}
}

// Stats returns evaluation counters since process start.
func (e *Evaluator) Stats() EvaluationStats {
	return EvaluationStats{
		Evaluated:  e.evaluated.Load(),
		Fired:      e.fired.Load(),
		Dropped:    e.dropped.Load(),
		QueueDepth: len(e.queue),
		Workers:    e.workers,
	}
}

func (e *Evaluator) worker() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case q := <-e.queue:
			e.Evaluate(e.ctx, q)
		}
	}
}

// Evaluate runs all active conditions for the tick's instrument. Each
// matching condition fires at most once: the store trigger is atomic and
// losers of the race skip publishing.
func (e *Evaluator) Evaluate(ctx context.Context, q *models.Quote) {
	e.evaluated.Add(1)
	log := e.log.WithComponent("evaluator").WithFields(logger.Fields{"stock_code": q.StockCode})

	conditions, err := e.activeConditions(ctx, q.StockCode)
	if err != nil {
		log.WithError(err).Error("failed to load conditions")
		return
	}

	for _, cond := range conditions {
		if !cond.Matches(q) {
			continue
		}

		if err := e.store.TryTrigger(ctx, cond.ID, cond.CurrentValue(q), q.ReceivedAt); err != nil {
			if errors.Is(err, ErrAlreadyTriggered) || errors.Is(err, ErrConditionNotFound) {
				continue
			}
			log.WithError(err).WithFields(logger.Fields{"condition_id": cond.ID}).Error("failed to trigger condition")
			continue
		}
		// The cached list still holds the now-inactive condition
		e.cache.Delete(q.StockCode)

		ev := &models.NotificationEvent{
			ID:             uuid.NewString(),
			ConditionID:    cond.ID,
			UserID:         cond.UserID,
			StockCode:      cond.StockCode,
			Type:           cond.Type,
			Threshold:      cond.Threshold,
			TriggeredValue: cond.CurrentValue(q),
			Price:          q.Price,
			ChangeRate:     q.ChangeRate,
			Volume:         q.Volume,
			Priority:       models.EventPriority(cond.Type, q),
			Channel:        cond.Channel,
			Destination:    cond.Destination,
			Status:         models.StatusPending,
			Message:        models.EventMessage(cond, q),
			TriggeredAt:    time.Now(),
		}

		if err := e.publisher.PublishNotification(ctx, ev); err != nil {
			log.WithError(err).WithFields(logger.Fields{"condition_id": cond.ID}).Error("failed to publish notification")
			continue
		}
		e.fired.Add(1)
		logger.IncrementNotification()
		log.WithFields(logger.Fields{
			"condition_id": cond.ID,
			"priority":     ev.Priority,
		}).Info("condition fired")
	}
}

func (e *Evaluator) activeConditions(ctx context.Context, stockCode string) ([]*models.Condition, error) {
	if cached, ok := e.cache.Get(stockCode); ok {
		return cached.([]*models.Condition), nil
	}
	conditions, err := e.store.ListActiveByInstrument(ctx, stockCode)
	if err != nil {
		return nil, err
	}
	e.cache.Set(stockCode, conditions)
	return conditions, nil
}
