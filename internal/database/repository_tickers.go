package database

import (
	"context"
	"fmt"
	"time"
)

// ==================== MARKET TICKERS ====================

// UpsertMarketTickers applies a batch of ticker rows keyed on symbol.
// open_price and update_price_date are never written by this path; they are
// owned by the price refresh job. price_change and price_change_percent are
// recomputed from the stored open_price when it is positive.
func (db *DB) UpsertMarketTickers(ctx context.Context, batch []MarketTicker) error {
	if len(batch) == 0 {
		return nil
	}

	query := `
		INSERT INTO market_tickers (
			symbol, last_price, quote_volume, base_volume, event_time, ingestion_time
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (symbol) DO UPDATE SET
			last_price = EXCLUDED.last_price,
			quote_volume = EXCLUDED.quote_volume,
			base_volume = EXCLUDED.base_volume,
			event_time = EXCLUDED.event_time,
			ingestion_time = EXCLUDED.ingestion_time,
			price_change = CASE
				WHEN market_tickers.open_price IS NOT NULL AND market_tickers.open_price > 0
				THEN EXCLUDED.last_price - market_tickers.open_price
				ELSE NULL
			END,
			price_change_percent = CASE
				WHEN market_tickers.open_price IS NOT NULL AND market_tickers.open_price > 0
				THEN (EXCLUDED.last_price - market_tickers.open_price) / market_tickers.open_price * 100
				ELSE NULL
			END,
			side = CASE
				WHEN market_tickers.open_price IS NOT NULL AND market_tickers.open_price > 0
				THEN CASE WHEN EXCLUDED.last_price >= market_tickers.open_price THEN 'long' ELSE 'short' END
				ELSE market_tickers.side
			END`

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin ticker upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, t := range batch {
		_, err := tx.Exec(ctx, query,
			t.Symbol, t.LastPrice, t.QuoteVolume, t.BaseVolume, t.EventTime, t.IngestionTime,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert ticker %s: %w", t.Symbol, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit ticker upsert: %w", err)
	}
	return nil
}

// priceRefreshCutoff is the eligibility boundary for open-price anchoring:
// an anchor written at or after the start of the current UTC+8 trading day
// is still fresh; anything older (or a null anchor) needs a refresh.
func priceRefreshCutoff(nowUTC8 time.Time) time.Time {
	return TradingDayStart(nowUTC8)
}

// SelectSymbolsNeedingPriceRefresh returns symbols whose update_price_date
// is null or predates the current trading day, capped at limit.
func (db *DB) SelectSymbolsNeedingPriceRefresh(ctx context.Context, nowUTC8 time.Time, limit int) ([]string, error) {
	cutoff := priceRefreshCutoff(nowUTC8)
	query := `
		SELECT symbol FROM market_tickers
		WHERE update_price_date IS NULL OR update_price_date < $1
		ORDER BY update_price_date ASC NULLS FIRST
		LIMIT $2`

	rows, err := db.Pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select refresh candidates: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan refresh candidate: %w", err)
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

// UpdateOpenPrice writes the anchor price for a symbol and stamps
// update_price_date with the current UTC+8 time. The row lock taken by the
// UPDATE serializes against concurrent tick upserts for the same symbol.
func (db *DB) UpdateOpenPrice(ctx context.Context, symbol string, price float64) error {
	query := `
		UPDATE market_tickers SET
			open_price = $2,
			update_price_date = $3,
			price_change = CASE WHEN $2 > 0 THEN last_price - $2 ELSE NULL END,
			price_change_percent = CASE WHEN $2 > 0 THEN (last_price - $2) / $2 * 100 ELSE NULL END,
			side = CASE WHEN $2 > 0 THEN CASE WHEN last_price >= $2 THEN 'long' ELSE 'short' END ELSE side END
		WHERE symbol = $1`

	tag, err := db.Pool.Exec(ctx, query, symbol, price, NowUTC8())
	if err != nil {
		return fmt.Errorf("failed to update open price for %s: %w", symbol, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no ticker row for symbol %s", symbol)
	}
	return nil
}

// DeleteOldTickers removes rows whose ingestion_time is before cutoff.
func (db *DB) DeleteOldTickers(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM market_tickers WHERE ingestion_time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old tickers: %w", err)
	}
	return tag.RowsAffected(), nil
}

const tickerColumns = `symbol, open_price, last_price, price_change, price_change_percent,
		quote_volume, base_volume, event_time, ingestion_time, update_price_date, side`

func scanTicker(row interface{ Scan(...any) error }) (*MarketTicker, error) {
	t := &MarketTicker{}
	err := row.Scan(
		&t.Symbol, &t.OpenPrice, &t.LastPrice, &t.PriceChange, &t.PriceChangePercent,
		&t.QuoteVolume, &t.BaseVolume, &t.EventTime, &t.IngestionTime, &t.UpdatePriceDate, &t.Side,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetMarketTicker retrieves a single ticker row.
func (db *DB) GetMarketTicker(ctx context.Context, symbol string) (*MarketTicker, error) {
	query := `SELECT ` + tickerColumns + ` FROM market_tickers WHERE symbol = $1`
	t, err := scanTicker(db.Pool.QueryRow(ctx, query, symbol))
	if err != nil {
		return nil, fmt.Errorf("failed to get ticker %s: %w", symbol, err)
	}
	return t, nil
}

// GetTopGainers returns the top-N tickers by price_change_percent, filtered
// by a minimum base volume when minBaseVolume is non-nil.
func (db *DB) GetTopGainers(ctx context.Context, limit int, minBaseVolume *float64) ([]MarketTicker, error) {
	query := `
		SELECT ` + tickerColumns + ` FROM market_tickers
		WHERE price_change_percent IS NOT NULL
		  AND ($2::numeric IS NULL OR base_volume >= $2)
		ORDER BY price_change_percent DESC
		LIMIT $1`

	rows, err := db.Pool.Query(ctx, query, limit, minBaseVolume)
	if err != nil {
		return nil, fmt.Errorf("failed to get top gainers: %w", err)
	}
	defer rows.Close()

	var out []MarketTicker
	for rows.Next() {
		t, err := scanTicker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan gainer: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListMarketTickers returns all ticker rows ordered by quote volume.
func (db *DB) ListMarketTickers(ctx context.Context, limit int) ([]MarketTicker, error) {
	query := `SELECT ` + tickerColumns + ` FROM market_tickers ORDER BY quote_volume DESC LIMIT $1`

	rows, err := db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickers: %w", err)
	}
	defer rows.Close()

	var out []MarketTicker
	for rows.Next() {
		t, err := scanTicker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticker: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
