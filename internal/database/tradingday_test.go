package database

import (
	"testing"
	"time"
)

func TestTradingDayStart(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "after boundary same day",
			in:   time.Date(2025, 3, 10, 15, 30, 0, 0, zoneUTC8),
			want: time.Date(2025, 3, 10, 8, 0, 0, 0, zoneUTC8),
		},
		{
			name: "before boundary rolls back a day",
			in:   time.Date(2025, 3, 10, 7, 59, 59, 0, zoneUTC8),
			want: time.Date(2025, 3, 9, 8, 0, 0, 0, zoneUTC8),
		},
		{
			name: "exactly at boundary opens the day",
			in:   time.Date(2025, 3, 10, 8, 0, 0, 0, zoneUTC8),
			want: time.Date(2025, 3, 10, 8, 0, 0, 0, zoneUTC8),
		},
		{
			name: "utc input converted first",
			in:   time.Date(2025, 3, 10, 1, 0, 0, 0, time.UTC), // 09:00 UTC+8
			want: time.Date(2025, 3, 10, 8, 0, 0, 0, zoneUTC8),
		},
		{
			name: "utc just before boundary",
			in:   time.Date(2025, 3, 9, 23, 30, 0, 0, time.UTC), // 07:30 UTC+8
			want: time.Date(2025, 3, 9, 8, 0, 0, 0, zoneUTC8),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TradingDayStart(tt.in)
			if !got.Equal(tt.want) {
				t.Errorf("TradingDayStart(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSameTradingDay(t *testing.T) {
	tests := []struct {
		name string
		a, b time.Time
		want bool
	}{
		{
			name: "same afternoon",
			a:    time.Date(2025, 3, 10, 9, 0, 0, 0, zoneUTC8),
			b:    time.Date(2025, 3, 10, 23, 0, 0, 0, zoneUTC8),
			want: true,
		},
		{
			name: "early morning belongs to previous day",
			a:    time.Date(2025, 3, 10, 9, 0, 0, 0, zoneUTC8),
			b:    time.Date(2025, 3, 11, 7, 0, 0, 0, zoneUTC8),
			want: true,
		},
		{
			name: "boundary splits days",
			a:    time.Date(2025, 3, 10, 7, 59, 0, 0, zoneUTC8),
			b:    time.Date(2025, 3, 10, 8, 1, 0, 0, zoneUTC8),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SameTradingDay(tt.a, tt.b); got != tt.want {
				t.Errorf("SameTradingDay(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestInUTC8(t *testing.T) {
	u := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	got := InUTC8(u)
	if got.Hour() != 8 {
		t.Errorf("InUTC8 hour = %d, want 8", got.Hour())
	}
	if !got.Equal(u) {
		t.Errorf("InUTC8 changed the instant")
	}
}
