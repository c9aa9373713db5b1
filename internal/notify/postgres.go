package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	appconfig "stockflow/config"
	"stockflow/logger"
	"stockflow/models"
)

const conditionsDDL = `
CREATE TABLE IF NOT EXISTS conditions (
	id           TEXT        PRIMARY KEY,
	user_id      TEXT        NOT NULL,
	stock_code   TEXT        NOT NULL,
	type         TEXT        NOT NULL,
	threshold    DOUBLE PRECISION NOT NULL,
	channel      TEXT        NOT NULL,
	destination  TEXT        NOT NULL,
	is_active    BOOLEAN     NOT NULL DEFAULT TRUE,
	created_at   TIMESTAMPTZ NOT NULL,
	triggered_at TIMESTAMPTZ,
	triggered_value DOUBLE PRECISION
)`

const deliveriesDDL = `
CREATE TABLE IF NOT EXISTS delivery_attempts (
	notification_id TEXT        NOT NULL,
	user_id         TEXT        NOT NULL,
	stock_code      TEXT        NOT NULL,
	attempt         INT         NOT NULL,
	channel         TEXT        NOT NULL,
	status          TEXT        NOT NULL,
	message         TEXT,
	error           TEXT,
	attempted_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (notification_id, attempt)
)`

// PostgresConditionStore persists conditions in Postgres. TryTrigger relies
// on a conditional UPDATE so racing evaluators cannot fire the same
// condition twice.
type PostgresConditionStore struct {
	db  *sql.DB
	log *logger.Log
}

// NewPostgresConditionStore opens the database and ensures the schema.
func NewPostgresConditionStore(ctx context.Context, cfg appconfig.PostgresConfig) (*PostgresConditionStore, error) {
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

	s := &PostgresConditionStore{db: db, log: logger.GetLogger()}
	for _, ddl := range []string{conditionsDDL, deliveriesDDL} {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return s, nil
}

func (s *PostgresConditionStore) Create(ctx context.Context, c *models.Condition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conditions (id, user_id, stock_code, type, threshold, channel, destination, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.UserID, c.StockCode, c.Type, c.Threshold, c.Channel, c.Destination, c.IsActive, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert condition: %w", err)
	}
	return nil
}

func (s *PostgresConditionStore) Get(ctx context.Context, id string) (*models.Condition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, stock_code, type, threshold, channel, destination, is_active, created_at, triggered_at, triggered_value
		FROM conditions WHERE id = $1`, id)
	return scanCondition(row)
}

func (s *PostgresConditionStore) Update(ctx context.Context, c *models.Condition) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conditions SET stock_code = $2, type = $3, threshold = $4, channel = $5, destination = $6
		WHERE id = $1`,
		c.ID, c.StockCode, c.Type, c.Threshold, c.Channel, c.Destination)
	if err != nil {
		return fmt.Errorf("failed to update condition: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConditionNotFound
	}
	return nil
}

func (s *PostgresConditionStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conditions
		SET is_active = $2,
			triggered_at = CASE WHEN $2 THEN NULL ELSE triggered_at END,
			triggered_value = CASE WHEN $2 THEN NULL ELSE triggered_value END
		WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to set condition state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConditionNotFound
	}
	return nil
}

func (s *PostgresConditionStore) ListByUser(ctx context.Context, userID string) ([]*models.Condition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, stock_code, type, threshold, channel, destination, is_active, created_at, triggered_at, triggered_value
		FROM conditions WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conditions: %w", err)
	}
	defer rows.Close()
	return scanConditions(rows)
}

func (s *PostgresConditionStore) ListActiveByInstrument(ctx context.Context, stockCode string) ([]*models.Condition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, stock_code, type, threshold, channel, destination, is_active, created_at, triggered_at, triggered_value
		FROM conditions WHERE stock_code = $1 AND is_active = TRUE`, stockCode)
	if err != nil {
		return nil, fmt.Errorf("failed to query active conditions: %w", err)
	}
	defer rows.Close()
	return scanConditions(rows)
}

// TryTrigger deactivates the condition if and only if it is still active.
// The WHERE clause makes concurrent triggers mutually exclusive.
func (s *PostgresConditionStore) TryTrigger(ctx context.Context, id string, value float64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conditions SET is_active = FALSE, triggered_at = $2, triggered_value = $3
		WHERE id = $1 AND is_active = TRUE`, id, at, value)
	if err != nil {
		return fmt.Errorf("failed to trigger condition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read trigger result: %w", err)
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrAlreadyTriggered
	}
	return nil
}

func (s *PostgresConditionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conditions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete condition: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConditionNotFound
	}
	return nil
}

// RecordAttempt stores one delivery attempt outcome.
func (s *PostgresConditionStore) RecordAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_attempts (notification_id, user_id, stock_code, attempt, channel, status, message, error, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (notification_id, attempt) DO UPDATE SET status = EXCLUDED.status, error = EXCLUDED.error`,
		a.NotificationID, a.UserID, a.StockCode, a.Attempt, a.Channel, a.Status, a.Message, a.Error, a.AttemptedAt)
	if err != nil {
		return fmt.Errorf("failed to record delivery attempt: %w", err)
	}
	return nil
}

// ListAttemptsByUser returns the delivery history for one user, newest first.
func (s *PostgresConditionStore) ListAttemptsByUser(ctx context.Context, userID string) ([]*models.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT notification_id, user_id, stock_code, attempt, channel, status, COALESCE(message, ''), COALESCE(error, ''), attempted_at
		FROM delivery_attempts WHERE user_id = $1 ORDER BY attempted_at DESC LIMIT 200`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery attempts: %w", err)
	}
	defer rows.Close()

	var out []*models.DeliveryAttempt
	for rows.Next() {
		var a models.DeliveryAttempt
		if err := rows.Scan(&a.NotificationID, &a.UserID, &a.StockCode, &a.Attempt,
			&a.Channel, &a.Status, &a.Message, &a.Error, &a.AttemptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *PostgresConditionStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCondition(row rowScanner) (*models.Condition, error) {
	var c models.Condition
	var triggeredAt sql.NullTime
	var triggeredValue sql.NullFloat64
	err := row.Scan(&c.ID, &c.UserID, &c.StockCode, &c.Type, &c.Threshold,
		&c.Channel, &c.Destination, &c.IsActive, &c.CreatedAt, &triggeredAt, &triggeredValue)
	if err == sql.ErrNoRows {
		return nil, ErrConditionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan condition: %w", err)
	}
	if triggeredAt.Valid {
		c.TriggeredAt = triggeredAt.Time
	}
	if triggeredValue.Valid {
		c.TriggeredValue = triggeredValue.Float64
	}
	return &c, nil
}

func scanConditions(rows *sql.Rows) ([]*models.Condition, error) {
	var out []*models.Condition
	for rows.Next() {
		c, err := scanCondition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
