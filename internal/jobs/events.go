package jobs

import (
	"sync"
	"time"

	"github.com/ternarybob/narro/internal/models"
)

const (
	// maxEventsPerJob bounds memory per job; oldest events drop first
	maxEventsPerJob = 200
	// terminalEventTTL is how long a finished job's events stay streamable
	terminalEventTTL = 5 * time.Minute
)

type eventBucket struct {
	events     []models.JobEvent
	nextSeq    int
	terminalAt time.Time
}

// EventBuffer holds per-job in-memory progress event streams. Buckets for
// terminal jobs are evicted after a TTL by the worker housekeeping sweep.
type EventBuffer struct {
	mu      sync.Mutex
	buckets map[string]*eventBucket
}

// NewEventBuffer creates an empty event buffer
func NewEventBuffer() *EventBuffer {
	return &EventBuffer{
		buckets: make(map[string]*eventBucket),
	}
}

// Append records one event for a job. Seq starts at 1 and is strictly
// increasing per job even when old events have been dropped.
func (b *EventBuffer) Append(jobID, stage, level, message string, data map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bucket, ok := b.buckets[jobID]
	if !ok {
		bucket = &eventBucket{nextSeq: 1}
		b.buckets[jobID] = bucket
	}

	bucket.events = append(bucket.events, models.JobEvent{
		Seq:       bucket.nextSeq,
		Timestamp: time.Now(),
		Stage:     stage,
		Level:     level,
		Message:   message,
		Data:      data,
	})
	bucket.nextSeq++

	if len(bucket.events) > maxEventsPerJob {
		bucket.events = bucket.events[len(bucket.events)-maxEventsPerJob:]
	}
}

// MarkTerminal starts the eviction clock for a finished job's bucket
func (b *EventBuffer) MarkTerminal(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bucket, ok := b.buckets[jobID]; ok && bucket.terminalAt.IsZero() {
		bucket.terminalAt = time.Now()
	}
}

// Events returns a job's events with seq greater than afterSeq, in order.
// Unknown jobs return an empty slice.
func (b *EventBuffer) Events(jobID string, afterSeq int) []models.JobEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	bucket, ok := b.buckets[jobID]
	if !ok {
		return []models.JobEvent{}
	}

	result := []models.JobEvent{}
	for _, event := range bucket.events {
		if event.Seq > afterSeq {
			result = append(result, event)
		}
	}
	return result
}

// EvictExpired drops buckets whose jobs went terminal more than the TTL
// ago. Returns the number of buckets removed.
func (b *EventBuffer) EvictExpired() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := 0
	cutoff := time.Now().Add(-terminalEventTTL)
	for jobID, bucket := range b.buckets {
		if !bucket.terminalAt.IsZero() && bucket.terminalAt.Before(cutoff) {
			delete(b.buckets, jobID)
			evicted++
		}
	}
	return evicted
}
