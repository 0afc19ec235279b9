// Package events defines topic names and versioned payloads exchanged
// between the generation and cache store services.
package events

const (
	// TopicRunCompleted carries RunCompletedEvent. Published by generation.
	TopicRunCompleted = "generation-run-completed"

	// TopicCacheCleared carries CacheClearedEvent. Published by cachestore,
	// consumed by generation.
	TopicCacheCleared = "cache-cleared"
)
