package ingestor

import (
	"context"
	"strings"
	"time"

	"futures-ai-trader/internal/binance"
	"futures-ai-trader/internal/database"
	"futures-ai-trader/internal/logging"
)

// Ingestor consumes the all-market ticker stream and keeps market_tickers
// current. Only USDT-quoted symbols are persisted. The keyed upsert never
// touches open_price or update_price_date; those belong to the price
// refresh job.
type Ingestor struct {
	db         *database.DB
	priceCache *database.PriceCache
	stream     *binance.TickerStream
	batchSize  int
	logger     *logging.Logger
}

// New creates a ticker ingestor.
func New(db *database.DB, priceCache *database.PriceCache, stream *binance.TickerStream, batchSize int) *Ingestor {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Ingestor{
		db:         db,
		priceCache: priceCache,
		stream:     stream,
		batchSize:  batchSize,
		logger:     logging.WithComponent("ticker_ingestor"),
	}
}

// Start attaches to the stream and begins ingesting.
func (i *Ingestor) Start() error {
	i.stream.SetBatchCallback(i.handleBatch)
	return i.stream.Start()
}

// Stop detaches from the stream.
func (i *Ingestor) Stop() {
	i.stream.Stop()
}

func (i *Ingestor) handleBatch(events []binance.TickerEvent) {
	rows := i.Filter(events)
	if len(rows) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for start := 0; start < len(rows); start += i.batchSize {
		end := start + i.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := i.db.UpsertMarketTickers(ctx, rows[start:end]); err != nil {
			i.logger.Error("ticker upsert failed", "batch", end-start, "error", err)
			return
		}
	}

	for _, row := range rows {
		i.priceCache.SetPrice(ctx, row.Symbol, row.LastPrice)
	}
}

// Filter converts stream events to ticker rows, keeping USDT pairs only.
func (i *Ingestor) Filter(events []binance.TickerEvent) []database.MarketTicker {
	now := time.Now().UTC()
	rows := make([]database.MarketTicker, 0, len(events))
	for _, ev := range events {
		if !strings.HasSuffix(ev.Symbol, "USDT") {
			continue
		}
		rows = append(rows, database.MarketTicker{
			Symbol:        ev.Symbol,
			LastPrice:     ev.LastPrice,
			QuoteVolume:   ev.QuoteVolume,
			BaseVolume:    ev.BaseVolume,
			EventTime:     time.UnixMilli(ev.EventTime).UTC(),
			IngestionTime: now,
		})
	}
	return rows
}
