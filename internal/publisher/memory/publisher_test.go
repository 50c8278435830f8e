package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/facetrace/internal/search"
)

func TestPublisherRecordsEncodedEvents(t *testing.T) {
	t.Parallel()

	pub := New()
	id, err := pub.Publish(context.Background(), "runs", search.CompletedEvent{RunID: "r1", Matched: 2})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id)
	id, err = pub.Publish(context.Background(), "audit", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id)

	events := pub.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "runs", events[0].Topic)
	assert.JSONEq(t, `{"run_id":"r1","source":"","entries":0,"matched":2,"artifacts":null,"completed_at":"0001-01-01T00:00:00Z"}`, string(events[0].Data))
	assert.Equal(t, `"payload"`, string(events[1].Data))

	events[0].Topic = "modified"
	assert.Equal(t, "runs", pub.Events()[0].Topic)
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("unavailable")
	pub.FailWith(boom)
	_, err := pub.Publish(context.Background(), "runs", "x")
	require.ErrorIs(t, err, boom)

	pub.FailWith(nil)
	_, err = pub.Publish(context.Background(), "runs", "x")
	require.NoError(t, err)
	assert.Len(t, pub.Events(), 1, "failed publishes must not be recorded")
}

func TestPublisherRejectsUnencodable(t *testing.T) {
	t.Parallel()

	_, err := New().Publish(context.Background(), "runs", make(chan int))
	require.ErrorContains(t, err, "encode event")
}
