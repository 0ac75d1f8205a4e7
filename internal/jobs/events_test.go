package jobs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBufferSequencing(t *testing.T) {
	buffer := NewEventBuffer()

	buffer.Append("job-1", "queued", "info", "Job accepted", nil)
	buffer.Append("job-1", "running", "info", "Job started", nil)
	buffer.Append("job-2", "queued", "info", "Job accepted", nil)

	events := buffer.Events("job-1", 0)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Seq)
	assert.Equal(t, 2, events[1].Seq)
	assert.Equal(t, "queued", events[0].Stage)

	// Sequences are per job
	other := buffer.Events("job-2", 0)
	require.Len(t, other, 1)
	assert.Equal(t, 1, other[0].Seq)
}

func TestEventBufferCursor(t *testing.T) {
	buffer := NewEventBuffer()
	for i := 0; i < 5; i++ {
		buffer.Append("job-1", "writer", "info", fmt.Sprintf("section %d", i), nil)
	}

	events := buffer.Events("job-1", 3)
	require.Len(t, events, 2)
	assert.Equal(t, 4, events[0].Seq)
	assert.Equal(t, 5, events[1].Seq)

	assert.Empty(t, buffer.Events("job-1", 5))
	assert.Empty(t, buffer.Events("unknown-job", 0))
}

func TestEventBufferCapsPerJob(t *testing.T) {
	buffer := NewEventBuffer()
	for i := 0; i < maxEventsPerJob+50; i++ {
		buffer.Append("job-1", "writer", "info", fmt.Sprintf("event %d", i), nil)
	}

	events := buffer.Events("job-1", 0)
	require.Len(t, events, maxEventsPerJob)
	// Oldest events are dropped but sequence numbers keep increasing
	assert.Equal(t, 51, events[0].Seq)
	assert.Equal(t, maxEventsPerJob+50, events[len(events)-1].Seq)
}

func TestEventBufferEviction(t *testing.T) {
	buffer := NewEventBuffer()
	buffer.Append("job-1", "completed", "info", "Report published", nil)
	buffer.Append("job-2", "writer", "info", "still running", nil)

	// Not yet terminal, nothing evicted
	assert.Equal(t, 0, buffer.EvictExpired())

	buffer.MarkTerminal("job-1")
	assert.Equal(t, 0, buffer.EvictExpired(), "terminal buckets survive until the TTL passes")
	assert.NotEmpty(t, buffer.Events("job-1", 0))
}
