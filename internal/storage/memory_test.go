package storage

import (
	"context"
	"errors"
	"testing"

	"stockflow/models"
)

func TestMemoryStoreQuotes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.LatestQuote(ctx, "005930"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.AppendQuote(ctx, &models.Quote{StockCode: "005930", Price: 72000, Sequence: 1}); err != nil {
		t.Fatalf("AppendQuote failed: %v", err)
	}
	if err := s.AppendQuote(ctx, &models.Quote{StockCode: "005930", Price: 72500, Sequence: 2}); err != nil {
		t.Fatalf("AppendQuote failed: %v", err)
	}

	q, err := s.LatestQuote(ctx, "005930")
	if err != nil {
		t.Fatalf("LatestQuote failed: %v", err)
	}
	if q.Price != 72500 || q.Sequence != 2 {
		t.Errorf("latest = %+v, want price 72500 seq 2", q)
	}
}

func TestMemoryStoreDuplicateSequence(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.AppendQuote(ctx, &models.Quote{StockCode: "005930", Price: 72500, Sequence: 5}); err != nil {
		t.Fatalf("AppendQuote failed: %v", err)
	}

	err := s.AppendQuote(ctx, &models.Quote{StockCode: "005930", Price: 99999, Sequence: 5})
	if !errors.Is(err, ErrDuplicateSequence) {
		t.Fatalf("expected ErrDuplicateSequence, got %v", err)
	}

	// Duplicate must not overwrite
	q, _ := s.LatestQuote(ctx, "005930")
	if q.Price != 72500 {
		t.Errorf("duplicate overwrote stored quote: %+v", q)
	}
}

func TestMemoryStoreSequencesPerInstrument(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.AppendQuote(ctx, &models.Quote{StockCode: "005930", Sequence: 3}); err != nil {
		t.Fatalf("AppendQuote failed: %v", err)
	}
	// Same sequence on a different instrument is not a duplicate
	if err := s.AppendQuote(ctx, &models.Quote{StockCode: "000660", Sequence: 3}); err != nil {
		t.Fatalf("AppendQuote failed: %v", err)
	}
}

func TestMemoryStoreOrderbooks(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ob := &models.Orderbook{
		StockCode:    "005930",
		BestBidPrice: 72400,
		BestAskPrice: 72500,
		Sequence:     1,
	}
	if err := s.AppendOrderbook(ctx, ob); err != nil {
		t.Fatalf("AppendOrderbook failed: %v", err)
	}
	if err := s.AppendOrderbook(ctx, ob); !errors.Is(err, ErrDuplicateSequence) {
		t.Fatalf("expected ErrDuplicateSequence, got %v", err)
	}

	got, err := s.LatestOrderbook(ctx, "005930")
	if err != nil {
		t.Fatalf("LatestOrderbook failed: %v", err)
	}
	if got.BestBidPrice != 72400 || got.BestAskPrice != 72500 {
		t.Errorf("latest orderbook = %+v", got)
	}
}
