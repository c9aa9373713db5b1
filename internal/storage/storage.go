package storage

import (
	"context"
	"errors"

	"stockflow/models"
)

var (
	// ErrDuplicateSequence marks a record whose sequence was already stored for the
	// instrument. Writers treat it as a no-op.
	ErrDuplicateSequence = errors.New("duplicate sequence")

	// ErrNotFound is returned when no data exists for an instrument.
	ErrNotFound = errors.New("not found")
)

// QuoteStore persists trade ticks.
type QuoteStore interface {
	AppendQuote(ctx context.Context, q *models.Quote) error
	LatestQuote(ctx context.Context, stockCode string) (*models.Quote, error)
}

// OrderbookStore persists depth snapshots.
type OrderbookStore interface {
	AppendOrderbook(ctx context.Context, ob *models.Orderbook) error
	LatestOrderbook(ctx context.Context, stockCode string) (*models.Orderbook, error)
}

// Store combines both market data stores.
type Store interface {
	QuoteStore
	OrderbookStore
}
