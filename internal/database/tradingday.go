package database

import "time"

// The platform keys price refresh eligibility and daily account snapshots
// to an exchange-local trading day: [08:00, next-day 08:00) in UTC+8.
// "Now UTC+8" is the UTC wall clock rendered in a fixed +8h zone, not a
// session timezone conversion.

var zoneUTC8 = time.FixedZone("UTC+8", 8*60*60)

// NowUTC8 returns the current time in UTC+8.
func NowUTC8() time.Time {
	return time.Now().In(zoneUTC8)
}

// InUTC8 converts a time to UTC+8.
func InUTC8(t time.Time) time.Time {
	return t.In(zoneUTC8)
}

// TradingDayStart returns the 08:00 UTC+8 boundary that opens the trading
// day containing t.
func TradingDayStart(t time.Time) time.Time {
	t8 := t.In(zoneUTC8)
	start := time.Date(t8.Year(), t8.Month(), t8.Day(), 8, 0, 0, 0, zoneUTC8)
	if t8.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}

// SameTradingDay reports whether a and b fall in the same UTC+8 trading day.
func SameTradingDay(a, b time.Time) bool {
	return TradingDayStart(a).Equal(TradingDayStart(b))
}
