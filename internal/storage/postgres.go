package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	appconfig "stockflow/config"
	"stockflow/logger"
	"stockflow/models"
)

const quotesDDL = `
CREATE TABLE IF NOT EXISTS quotes (
	stock_code    TEXT        NOT NULL,
	sequence      BIGINT      NOT NULL,
	trade_time    TEXT        NOT NULL,
	price         BIGINT      NOT NULL,
	change_amount BIGINT      NOT NULL,
	change_rate   DOUBLE PRECISION NOT NULL,
	open          BIGINT      NOT NULL,
	high          BIGINT      NOT NULL,
	low           BIGINT      NOT NULL,
	volume        BIGINT      NOT NULL,
	received_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (stock_code, sequence)
)`

const orderbooksDDL = `
CREATE TABLE IF NOT EXISTS orderbooks (
	stock_code       TEXT        NOT NULL,
	sequence         BIGINT      NOT NULL,
	quote_time       TEXT        NOT NULL,
	best_bid_price   BIGINT      NOT NULL,
	best_ask_price   BIGINT      NOT NULL,
	best_bid_volume  BIGINT      NOT NULL,
	best_ask_volume  BIGINT      NOT NULL,
	levels           JSONB       NOT NULL,
	total_bid_volume BIGINT      NOT NULL,
	total_ask_volume BIGINT      NOT NULL,
	received_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (stock_code, sequence)
)`

// PostgresStore persists market data in Postgres. Duplicate sequences hit
// the primary key and report ErrDuplicateSequence without modifying anything.
type PostgresStore struct {
	db  *sql.DB
	log *logger.Log
}

// NewPostgresStore opens the database and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg appconfig.PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{db: db, log: logger.GetLogger()}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.log.WithComponent("postgres_store").Info("postgres store ready")
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	for _, ddl := range []string{quotesDDL, orderbooksDDL} {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) AppendQuote(ctx context.Context, q *models.Quote) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO quotes (stock_code, sequence, trade_time, price, change_amount, change_rate, open, high, low, volume, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (stock_code, sequence) DO NOTHING`,
		q.StockCode, q.Sequence, q.TradeTime, q.Price, q.ChangeAmount, q.ChangeRate,
		q.Open, q.High, q.Low, q.Volume, q.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to insert quote: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDuplicateSequence
	}
	return nil
}

func (s *PostgresStore) LatestQuote(ctx context.Context, stockCode string) (*models.Quote, error) {
	var q models.Quote
	err := s.db.QueryRowContext(ctx, `
		SELECT stock_code, sequence, trade_time, price, change_amount, change_rate, open, high, low, volume, received_at
		FROM quotes WHERE stock_code = $1 ORDER BY sequence DESC LIMIT 1`, stockCode).
		Scan(&q.StockCode, &q.Sequence, &q.TradeTime, &q.Price, &q.ChangeAmount, &q.ChangeRate,
			&q.Open, &q.High, &q.Low, &q.Volume, &q.ReceivedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest quote: %w", err)
	}
	return &q, nil
}

type orderbookLevels struct {
	Bids []models.OrderbookLevel `json:"bids"`
	Asks []models.OrderbookLevel `json:"asks"`
}

func (s *PostgresStore) AppendOrderbook(ctx context.Context, ob *models.Orderbook) error {
	levels, err := json.Marshal(orderbookLevels{Bids: ob.Bids, Asks: ob.Asks})
	if err != nil {
		return fmt.Errorf("failed to marshal levels: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orderbooks (stock_code, sequence, quote_time, best_bid_price, best_ask_price, best_bid_volume, best_ask_volume, levels, total_bid_volume, total_ask_volume, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (stock_code, sequence) DO NOTHING`,
		ob.StockCode, ob.Sequence, ob.QuoteTime, ob.BestBidPrice, ob.BestAskPrice,
		ob.BestBidVolume, ob.BestAskVolume, levels, ob.TotalBidVolume, ob.TotalAskVolume, ob.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to insert orderbook: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDuplicateSequence
	}
	return nil
}

func (s *PostgresStore) LatestOrderbook(ctx context.Context, stockCode string) (*models.Orderbook, error) {
	var ob models.Orderbook
	var levels []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT stock_code, sequence, quote_time, best_bid_price, best_ask_price, best_bid_volume, best_ask_volume, levels, total_bid_volume, total_ask_volume, received_at
		FROM orderbooks WHERE stock_code = $1 ORDER BY sequence DESC LIMIT 1`, stockCode).
		Scan(&ob.StockCode, &ob.Sequence, &ob.QuoteTime, &ob.BestBidPrice, &ob.BestAskPrice,
			&ob.BestBidVolume, &ob.BestAskVolume, &levels, &ob.TotalBidVolume, &ob.TotalAskVolume, &ob.ReceivedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest orderbook: %w", err)
	}

	var lvls orderbookLevels
	if err := json.Unmarshal(levels, &lvls); err != nil {
		return nil, fmt.Errorf("failed to unmarshal levels: %w", err)
	}
	ob.Bids = lvls.Bids
	ob.Asks = lvls.Asks
	return &ob, nil
}

// Close closes the underlying database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
