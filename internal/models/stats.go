package models

import "time"

// AuditStats aggregates a strategy's audit history for the status API.
type AuditStats struct {
	TotalSignals int64      `json:"totalSignals"`
	SuccessCount int64      `json:"successCount"`
	FailedCount  int64      `json:"failedCount"`
	SkippedCount int64      `json:"skippedCount"`
	PendingCount int64      `json:"pendingCount"`
	TodayCount   int64      `json:"todayCount"`
	FirstSignal  *time.Time `json:"firstSignal"`
	LastSignal   *time.Time `json:"lastSignal"`
}
