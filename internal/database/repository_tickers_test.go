package database

import (
	"testing"
	"time"
)

// eligibleForRefresh mirrors the selection predicate: a null anchor always
// refreshes; a dated anchor refreshes only when it predates the cutoff.
func eligibleForRefresh(updatePriceDate *time.Time, cutoff time.Time) bool {
	return updatePriceDate == nil || updatePriceDate.Before(cutoff)
}

func TestPriceRefreshEligibility(t *testing.T) {
	// 02:00 belongs to the trading day that opened the previous day at 08:00.
	now := time.Date(2026, 1, 1, 2, 0, 0, 0, zoneUTC8)

	anchoredToday := time.Date(2026, 1, 1, 0, 30, 0, 0, zoneUTC8)
	anchoredYesterday := time.Date(2025, 12, 31, 7, 0, 0, 0, zoneUTC8)
	anchoredAtOpen := time.Date(2025, 12, 31, 8, 0, 0, 0, zoneUTC8)

	tests := []struct {
		name   string
		anchor *time.Time
		want   bool
	}{
		{
			name:   "anchored within current trading day is fresh",
			anchor: &anchoredToday,
			want:   false,
		},
		{
			name:   "null anchor always refreshes",
			anchor: nil,
			want:   true,
		},
		{
			name:   "anchored before the day opened refreshes",
			anchor: &anchoredYesterday,
			want:   true,
		},
		{
			name:   "anchored exactly at the open is fresh",
			anchor: &anchoredAtOpen,
			want:   false,
		},
	}

	cutoff := priceRefreshCutoff(now)
	wantCutoff := time.Date(2025, 12, 31, 8, 0, 0, 0, zoneUTC8)
	if !cutoff.Equal(wantCutoff) {
		t.Fatalf("priceRefreshCutoff(%v) = %v, want %v", now, cutoff, wantCutoff)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := eligibleForRefresh(tt.anchor, cutoff); got != tt.want {
				t.Errorf("eligibleForRefresh(%v, %v) = %v, want %v", tt.anchor, cutoff, got, tt.want)
			}
		})
	}
}
