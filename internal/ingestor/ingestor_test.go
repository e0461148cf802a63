package ingestor

import (
	"testing"

	"futures-ai-trader/internal/binance"
)

func TestFilterKeepsUSDTOnly(t *testing.T) {
	ing := &Ingestor{batchSize: 200}

	events := []binance.TickerEvent{
		{Symbol: "BTCUSDT", LastPrice: 50000, EventTime: 1700000000000},
		{Symbol: "ETHBTC", LastPrice: 0.05, EventTime: 1700000000000},
		{Symbol: "ETHUSDT", LastPrice: 3000, EventTime: 1700000000000},
		{Symbol: "BNBBUSD", LastPrice: 600, EventTime: 1700000000000},
	}

	rows := ing.Filter(events)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Symbol != "BTCUSDT" || rows[1].Symbol != "ETHUSDT" {
		t.Errorf("symbols = %s, %s", rows[0].Symbol, rows[1].Symbol)
	}
}

func TestFilterNeverSetsOpenPrice(t *testing.T) {
	ing := &Ingestor{batchSize: 200}

	rows := ing.Filter([]binance.TickerEvent{
		{Symbol: "BTCUSDT", LastPrice: 50000, OpenPrice: 49000, EventTime: 1700000000000},
	})
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	// The stream's 24h open is not the platform's anchor price.
	if rows[0].OpenPrice != nil {
		t.Errorf("open_price = %v, want nil", *rows[0].OpenPrice)
	}
	if rows[0].UpdatePriceDate != nil {
		t.Errorf("update_price_date = %v, want nil", *rows[0].UpdatePriceDate)
	}
}

func TestFilterEmptyBatch(t *testing.T) {
	ing := &Ingestor{batchSize: 200}
	if rows := ing.Filter(nil); len(rows) != 0 {
		t.Errorf("got %d rows, want 0", len(rows))
	}
}
