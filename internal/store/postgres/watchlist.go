// Package postgres accesses the external user row store. The core touches
// only the user_subscriptions table; every other user-data table belongs to
// the auxiliary services.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	_ "github.com/lib/pq"
)

// Watchlist persists per-user permanent subscriptions with soft delete.
type Watchlist struct {
	db *sql.DB
}

// Open connects to the user row store and ensures the table exists.
func Open(dsn string) (*Watchlist, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS user_subscriptions (
			user_id        UUID        NOT NULL,
			symbol         TEXT        NOT NULL,
			subscribed_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_active_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			active         BOOLEAN     NOT NULL DEFAULT true,
			UNIQUE (user_id, symbol)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}

	log.Println("[watchlist] user_subscriptions ready")
	return &Watchlist{db: db}, nil
}

// DB exposes the handle for health checks.
func (w *Watchlist) DB() *sql.DB { return w.db }

// Upsert inserts or reactivates a subscription row. Reports whether the row
// became newly active. Callers serialize per symbol, so the read-then-write
// pair does not race.
func (w *Watchlist) Upsert(ctx context.Context, userID, symbol string) (bool, error) {
	var active bool
	err := w.db.QueryRowContext(ctx, `
		SELECT active FROM user_subscriptions WHERE user_id = $1 AND symbol = $2
	`, userID, symbol).Scan(&active)

	switch {
	case err == sql.ErrNoRows:
		if _, err := w.db.ExecContext(ctx, `
			INSERT INTO user_subscriptions (user_id, symbol) VALUES ($1, $2)
			ON CONFLICT (user_id, symbol) DO UPDATE
				SET active = true, last_active_at = now()
		`, userID, symbol); err != nil {
			return false, fmt.Errorf("watchlist insert: %w", err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("watchlist upsert: %w", err)
	}

	if _, err := w.db.ExecContext(ctx, `
		UPDATE user_subscriptions
		SET active = true, last_active_at = now()
		WHERE user_id = $1 AND symbol = $2
	`, userID, symbol); err != nil {
		return false, fmt.Errorf("watchlist reactivate: %w", err)
	}
	return !active, nil
}

// Deactivate soft-deletes a subscription row. Reports whether the row was
// active.
func (w *Watchlist) Deactivate(ctx context.Context, userID, symbol string) (bool, error) {
	res, err := w.db.ExecContext(ctx, `
		UPDATE user_subscriptions
		SET active = false, last_active_at = now()
		WHERE user_id = $1 AND symbol = $2 AND active
	`, userID, symbol)
	if err != nil {
		return false, fmt.Errorf("watchlist deactivate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("watchlist deactivate rows: %w", err)
	}
	return n > 0, nil
}

// ListActive returns the user's active symbols.
func (w *Watchlist) ListActive(ctx context.Context, userID string) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT symbol FROM user_subscriptions
		WHERE user_id = $1 AND active
		ORDER BY symbol
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("watchlist list: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("watchlist scan: %w", err)
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

// ActiveSymbols returns every symbol with at least one active subscriber,
// with its distinct-user count. Used by rehydration at process start.
func (w *Watchlist) ActiveSymbols(ctx context.Context) (map[string]int, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT symbol, COUNT(DISTINCT user_id)
		FROM user_subscriptions
		WHERE active
		GROUP BY symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("watchlist active symbols: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var sym string
		var n int
		if err := rows.Scan(&sym, &n); err != nil {
			return nil, fmt.Errorf("watchlist scan: %w", err)
		}
		out[sym] = n
	}
	return out, rows.Err()
}

// SubscriberCount returns the number of active rows for a symbol.
func (w *Watchlist) SubscriberCount(ctx context.Context, symbol string) (int, error) {
	var n int
	err := w.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_subscriptions WHERE symbol = $1 AND active
	`, symbol).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("watchlist count: %w", err)
	}
	return n, nil
}

// Close closes the connection pool.
func (w *Watchlist) Close() error {
	return w.db.Close()
}
