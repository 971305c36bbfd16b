package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
)

// Storage wraps the quoted audit persistence layer. It records what was
// decided and observed, never the approvals themselves: authorization state
// is recomputed from live configuration and feeds on every call.
type Storage struct {
	db *sql.DB
}

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("quoted storage path must be configured")

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Decision captures one authorization outcome for auditing.
type Decision struct {
	Digest     string
	SellAsset  string
	BuyAsset   string
	SellAmount string
	MinBuyOut  string
	Outcome    string
	Reason     string
	DecidedAt  time.Time
}

// RecordDecision persists one order authorization outcome.
func (s *Storage) RecordDecision(ctx context.Context, dec Decision) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	decidedAt := dec.DecidedAt.UTC()
	if dec.DecidedAt.IsZero() {
		decidedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO order_decisions(digest, sell_asset, buy_asset, sell_amount, min_buy_out, outcome, reason, decided_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?)
    `, strings.ToLower(strings.TrimSpace(dec.Digest)),
		strings.ToUpper(strings.TrimSpace(dec.SellAsset)),
		strings.ToUpper(strings.TrimSpace(dec.BuyAsset)),
		strings.TrimSpace(dec.SellAmount),
		strings.TrimSpace(dec.MinBuyOut),
		strings.ToLower(strings.TrimSpace(dec.Outcome)),
		strings.TrimSpace(dec.Reason),
		decidedAt)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// RecentDecisions returns the newest decisions up to limit, newest first.
func (s *Storage) RecentDecisions(ctx context.Context, limit int) ([]Decision, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT digest, sell_asset, buy_asset, sell_amount, min_buy_out, outcome, reason, decided_at
        FROM order_decisions
        ORDER BY id DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()
	decisions := make([]Decision, 0, limit)
	for rows.Next() {
		var dec Decision
		if err := rows.Scan(&dec.Digest, &dec.SellAsset, &dec.BuyAsset, &dec.SellAmount, &dec.MinBuyOut, &dec.Outcome, &dec.Reason, &dec.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		decisions = append(decisions, dec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return decisions, nil
}

// RecordReading persists one raw feed observation consulted during evaluation.
func (s *Storage) RecordReading(ctx context.Context, feedRef, price string, decimals uint8, age time.Duration, observed time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	observedAt := observed.UTC()
	if observed.IsZero() {
		observedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO feed_readings(feed, price, decimals, age_ms, observed_at)
        VALUES(?, ?, ?, ?, ?)
    `, strings.ToUpper(strings.TrimSpace(feedRef)), strings.TrimSpace(price), decimals, age.Milliseconds(), observedAt)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// PruneReadings removes feed observations recorded before the cutoff.
func (s *Storage) PruneReadings(ctx context.Context, cutoff time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if _, err := s.db.ExecContext(ctx, `
        DELETE FROM feed_readings
        WHERE observed_at < ?
    `, cutoff.UTC()); err != nil {
		return fmt.Errorf("prune readings: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS order_decisions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    digest TEXT NOT NULL,
    sell_asset TEXT NOT NULL,
    buy_asset TEXT NOT NULL,
    sell_amount TEXT NOT NULL,
    min_buy_out TEXT NOT NULL,
    outcome TEXT NOT NULL,
    reason TEXT NOT NULL,
    decided_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_decisions_digest ON order_decisions(digest);
CREATE INDEX IF NOT EXISTS idx_order_decisions_ts ON order_decisions(decided_at);

CREATE TABLE IF NOT EXISTS feed_readings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    feed TEXT NOT NULL,
    price TEXT NOT NULL,
    decimals INTEGER NOT NULL,
    age_ms INTEGER NOT NULL,
    observed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feed_readings_feed_ts ON feed_readings(feed, observed_at);
`
