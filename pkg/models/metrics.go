package models

import (
	"fmt"
	"time"
)

// CallStatsWindow is the trailing window used for call-log statistics.
const CallStatsWindow = 24 * time.Hour

// APICallStats aggregates call-log entries inside CallStatsWindow.
type APICallStats struct {
	Total        int    `json:"total"`
	Cached       int    `json:"cached"`
	Successful   int    `json:"successful"`
	CacheHitRate string `json:"cache_hit_rate"`
}

// Stats is the aggregate view returned by the cache store.
type Stats struct {
	Counts      map[Category]int `json:"counts"`
	APICalls24h APICallStats     `json:"api_calls_24h"`
}

// NewAPICallStats builds the 24h call summary and derives the hit rate.
func NewAPICallStats(total, cached, successful int) APICallStats {
	return APICallStats{
		Total:        total,
		Cached:       cached,
		Successful:   successful,
		CacheHitRate: FormatHitRate(cached, total),
	}
}

// FormatHitRate renders cached/total as a percentage with one decimal place.
// A zero total yields "0%".
func FormatHitRate(cached, total int) string {
	if total <= 0 {
		return "0%"
	}
	return fmt.Sprintf("%.1f%%", float64(cached)/float64(total)*100)
}

// TotalEntries sums the per-category counts.
func (s Stats) TotalEntries() int {
	n := 0
	for _, c := range s.Counts {
		n += c
	}
	return n
}
