package models

import "time"

// BacklogStats summarizes the store for diagnostics and gauges.
type BacklogStats struct {
	Pending          int           `json:"pending"`
	Processing       int           `json:"processing"`
	Completed        int           `json:"completed"`
	Failed           int           `json:"failed"`
	DeadLetter       int           `json:"dead_letter"`
	RetryEligible    int           `json:"retry_eligible"`
	OldestPendingAge time.Duration `json:"oldest_pending_age"`
}

// Total is the number of rows across all statuses.
func (b BacklogStats) Total() int {
	return b.Pending + b.Processing + b.Completed + b.Failed + b.DeadLetter
}
