package repository

import "time"

// TradingDay returns the trading day (YYYY-MM-DD) for a given timestamp.
// A trading day starts at cutoffHourUTC; 0 means the UTC calendar day.
func TradingDay(ts time.Time, cutoffHourUTC int) string {
	utc := ts.UTC()
	if cutoffHourUTC <= 0 || cutoffHourUTC > 23 {
		return utc.Format("2006-01-02")
	}

	day := utc
	if utc.Hour() < cutoffHourUTC {
		day = day.AddDate(0, 0, -1)
	}
	return day.Format("2006-01-02")
}

// TradingDayNow returns the trading day for the current moment.
func TradingDayNow(cutoffHourUTC int) string {
	return TradingDay(time.Now(), cutoffHourUTC)
}
