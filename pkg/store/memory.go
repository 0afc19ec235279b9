package store

import (
	"context"
	"sync"
	"time"

	"github.com/matchcast/matchcast/pkg/models"
)

// DefaultCallLogCapacity bounds the in-memory call log.
const DefaultCallLogCapacity = 1000

// MemoryBackend is a process-local Backend. It is not durable across
// restarts; the call log is a ring of the most recent entries.
//
// A single RWMutex guards both maps and the ring so a reader never observes
// an entry that a sweep has half removed.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[models.Category]map[string]models.Entry

	calls    []models.CallLogEntry
	next     int
	capacity int
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return NewMemoryBackendWithCapacity(DefaultCallLogCapacity)
}

// NewMemoryBackendWithCapacity creates a backend whose call log keeps at
// most capacity entries.
func NewMemoryBackendWithCapacity(capacity int) *MemoryBackend {
	if capacity <= 0 {
		capacity = DefaultCallLogCapacity
	}
	b := &MemoryBackend{
		entries:  make(map[models.Category]map[string]models.Entry, len(models.Categories())),
		calls:    make([]models.CallLogEntry, 0, capacity),
		capacity: capacity,
	}
	for _, c := range models.Categories() {
		b.entries[c] = make(map[string]models.Entry)
	}
	return b
}

func (b *MemoryBackend) Get(_ context.Context, category models.Category, key string) (models.Entry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.entries[category][key]
	if !ok {
		return models.Entry{}, false, nil
	}
	entry.Value = cloneBytes(entry.Value)
	return entry, true, nil
}

func (b *MemoryBackend) Put(_ context.Context, entry models.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	bucket, ok := b.entries[entry.Category]
	if !ok {
		bucket = make(map[string]models.Entry)
		b.entries[entry.Category] = bucket
	}
	entry.Value = cloneBytes(entry.Value)
	bucket[entry.Key] = entry
	return nil
}

func (b *MemoryBackend) DeleteIfExpired(_ context.Context, category models.Category, key string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if entry, ok := b.entries[category][key]; ok && entry.Expired(now) {
		delete(b.entries[category], key)
	}
	return nil
}

func (b *MemoryBackend) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for _, bucket := range b.entries {
		for key, entry := range bucket {
			if entry.Expired(now) {
				delete(bucket, key)
				count++
			}
		}
	}
	return count, nil
}

func (b *MemoryBackend) CountValid(_ context.Context, now time.Time) (map[models.Category]int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[models.Category]int, len(b.entries))
	for category, bucket := range b.entries {
		for _, entry := range bucket {
			if !entry.Expired(now) {
				counts[category]++
			}
		}
	}
	return counts, nil
}

func (b *MemoryBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for category := range b.entries {
		b.entries[category] = make(map[string]models.Entry)
	}
	return nil
}

func (b *MemoryBackend) AppendCall(_ context.Context, call models.CallLogEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.calls) < b.capacity {
		b.calls = append(b.calls, call)
		return nil
	}
	b.calls[b.next] = call
	b.next = (b.next + 1) % b.capacity
	return nil
}

func (b *MemoryBackend) CallStats(_ context.Context, since time.Time) (int, int, int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var total, cached, successful int
	for _, call := range b.calls {
		if !call.Timestamp.After(since) {
			continue
		}
		total++
		if call.Cached {
			cached++
		}
		if call.Success {
			successful++
		}
	}
	return total, cached, successful, nil
}

// CallLogLen returns the number of retained call-log entries.
func (b *MemoryBackend) CallLogLen() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.calls)
}

// RawLen returns the number of stored entries in category, expired or not.
func (b *MemoryBackend) RawLen(category models.Category) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries[category])
}

func cloneBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}
