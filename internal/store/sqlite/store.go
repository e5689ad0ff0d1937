// Package sqlite implements the embedded candle & news store. One writer
// connection in WAL mode; bulk writes share a single transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"stockstream/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Store provides persistence for minute candles and news items.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the store at path and ensures the schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer keeps WAL contention out of the aggregator path.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[store] opened database at %s", path)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol       TEXT    NOT NULL,
			bucket_start INTEGER NOT NULL,
			open         REAL    NOT NULL,
			high         REAL    NOT NULL,
			low          REAL    NOT NULL,
			close        REAL    NOT NULL,
			volume       INTEGER NOT NULL,
			trade_count  INTEGER,
			vwap         REAL,
			PRIMARY KEY (symbol, bucket_start)
		);

		CREATE INDEX IF NOT EXISTS idx_candles_symbol_time
			ON candles (symbol, bucket_start DESC);

		CREATE TABLE IF NOT EXISTS news (
			id              TEXT PRIMARY KEY,
			published_at    INTEGER NOT NULL,
			headline        TEXT    NOT NULL,
			summary         TEXT,
			source          TEXT,
			url             TEXT,
			symbols         TEXT,
			sentiment_score REAL,
			sentiment_label TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_news_published_at
			ON news (published_at DESC);
	`)
	return err
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// UpsertCandle inserts or replaces one candle. Idempotent; last write wins
// on the body.
func (s *Store) UpsertCandle(ctx context.Context, bar model.Bar) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO candles (symbol, bucket_start, open, high, low, close, volume, trade_count, vwap)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, bar.Symbol, bar.BucketStart.Unix(), bar.Open, bar.High, bar.Low, bar.Close,
		bar.Volume, bar.TradeCount, bar.VWAP)
	if err != nil {
		return fmt.Errorf("sqlite upsert candle: %w", err)
	}
	return nil
}

// BulkUpsertCandles writes a slice of candles in a single transaction.
func (s *Store) BulkUpsertCandles(ctx context.Context, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO candles (symbol, bucket_start, open, high, low, close, volume, trade_count, vwap)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()

	for _, bar := range bars {
		if _, err := stmt.ExecContext(ctx, bar.Symbol, bar.BucketStart.Unix(),
			bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.TradeCount, bar.VWAP); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite bulk upsert: %w", err)
		}
	}
	return tx.Commit()
}

// ReadRange returns candles for symbol with bucket_start in [from, to],
// ordered ascending.
func (s *Store) ReadRange(ctx context.Context, symbol string, from, to time.Time) ([]model.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, bucket_start, open, high, low, close, volume, trade_count, vwap
		FROM candles
		WHERE symbol = ? AND bucket_start >= ? AND bucket_start <= ?
		ORDER BY bucket_start ASC
	`, symbol, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite read range: %w", err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// RecentCandles returns the most recent limit candles for symbol, ascending.
func (s *Store) RecentCandles(ctx context.Context, symbol string, limit int) ([]model.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, bucket_start, open, high, low, close, volume, trade_count, vwap
		FROM (
			SELECT * FROM candles WHERE symbol = ? ORDER BY bucket_start DESC LIMIT ?
		) ORDER BY bucket_start ASC
	`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite recent candles: %w", err)
	}
	defer rows.Close()

	return scanBars(rows)
}

func scanBars(rows *sql.Rows) ([]model.Bar, error) {
	var bars []model.Bar
	for rows.Next() {
		var b model.Bar
		var ts int64
		var tradeCount sql.NullInt64
		var vwap sql.NullFloat64
		if err := rows.Scan(&b.Symbol, &ts, &b.Open, &b.High, &b.Low, &b.Close,
			&b.Volume, &tradeCount, &vwap); err != nil {
			return nil, fmt.Errorf("sqlite scan candle: %w", err)
		}
		b.BucketStart = time.Unix(ts, 0).UTC()
		if tradeCount.Valid {
			b.TradeCount = uint64(tradeCount.Int64)
		}
		if vwap.Valid {
			b.VWAP = vwap.Float64
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// CandleCount returns the number of stored candles for symbol.
func (s *Store) CandleCount(ctx context.Context, symbol string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM candles WHERE symbol = ?`, symbol).Scan(&n)
	return n, err
}

// Stats reports per-symbol candle counts and the total news count.
func (s *Store) Stats(ctx context.Context) (map[string]int64, int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, COUNT(*) FROM candles GROUP BY symbol`)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	perSymbol := make(map[string]int64)
	for rows.Next() {
		var sym string
		var n int64
		if err := rows.Scan(&sym, &n); err != nil {
			return nil, 0, err
		}
		perSymbol[sym] = n
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var newsCount int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM news`).Scan(&newsCount); err != nil {
		return nil, 0, err
	}
	return perSymbol, newsCount, nil
}

// InsertNews inserts a news item; duplicate ids are ignored so re-delivered
// items never clobber a sentiment score already applied.
func (s *Store) InsertNews(ctx context.Context, item model.NewsItem) error {
	symbols, err := json.Marshal(item.Symbols)
	if err != nil {
		return fmt.Errorf("sqlite marshal news symbols: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO news (id, published_at, headline, summary, source, url, symbols)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.PublishedAt.Unix(), item.Headline, item.Summary, item.Source, item.URL, string(symbols))
	if err != nil {
		return fmt.Errorf("sqlite insert news: %w", err)
	}
	return nil
}

// UpdateNewsSentiment fills the sentiment fields of a news item. The first
// application wins; re-applying is a no-op.
func (s *Store) UpdateNewsSentiment(ctx context.Context, id string, score float64, label string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE news SET sentiment_score = ?, sentiment_label = ?
		WHERE id = ? AND sentiment_score IS NULL
	`, score, label, id)
	if err != nil {
		return fmt.Errorf("sqlite update sentiment: %w", err)
	}
	return nil
}

// RecentNews returns the most recent limit news items, newest first.
func (s *Store) RecentNews(ctx context.Context, limit int) ([]model.NewsItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, published_at, headline, summary, source, url, symbols, sentiment_score, sentiment_label
		FROM news ORDER BY published_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite recent news: %w", err)
	}
	defer rows.Close()

	var items []model.NewsItem
	for rows.Next() {
		var it model.NewsItem
		var ts int64
		var summary, source, url, symbols, label sql.NullString
		var score sql.NullFloat64
		if err := rows.Scan(&it.ID, &ts, &it.Headline, &summary, &source, &url, &symbols, &score, &label); err != nil {
			return nil, fmt.Errorf("sqlite scan news: %w", err)
		}
		it.PublishedAt = time.Unix(ts, 0).UTC()
		it.Summary = summary.String
		it.Source = source.String
		it.URL = url.String
		if symbols.Valid && symbols.String != "" {
			if err := json.Unmarshal([]byte(symbols.String), &it.Symbols); err != nil {
				// Tolerate legacy comma-joined rows.
				it.Symbols = strings.Split(symbols.String, ",")
			}
		}
		if score.Valid {
			v := score.Float64
			it.SentimentScore = &v
		}
		it.SentimentLabel = label.String
		items = append(items, it)
	}
	return items, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
