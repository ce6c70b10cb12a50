package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lprior-repo/nuoc/pkg/tasks"
)

func TestEventFeedHistoryAndBroadcast(t *testing.T) {
	feed := NewEventFeed(2)

	feed.Publish(tasks.Event{Seq: 1})
	feed.Publish(tasks.Event{Seq: 2})
	feed.Publish(tasks.Event{Seq: 3})

	ch, history, cleanup := feed.Subscribe()
	defer cleanup()

	require.Len(t, history, 2)
	assert.Equal(t, int64(2), history[0].Seq)
	assert.Equal(t, int64(3), history[1].Seq)
	assert.Equal(t, 1, feed.Subscribers())

	feed.Publish(tasks.Event{Seq: 4})
	e := <-ch
	assert.Equal(t, int64(4), e.Seq)
}

func TestEventFeedCleanup(t *testing.T) {
	feed := NewEventFeed(10)

	ch, _, cleanup := feed.Subscribe()
	cleanup()
	cleanup()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, feed.Subscribers())

	// Publishing with no subscribers must not block.
	feed.Publish(tasks.Event{Seq: 1})
}

func TestEventFeedClose(t *testing.T) {
	feed := NewEventFeed(10)

	ch1, _, cleanup1 := feed.Subscribe()
	ch2, _, cleanup2 := feed.Subscribe()

	feed.Close()

	_, ok := <-ch1
	assert.False(t, ok)
	_, ok = <-ch2
	assert.False(t, ok)

	cleanup1()
	cleanup2()
	assert.Equal(t, 0, feed.Subscribers())
}

func TestEventFeedDropsForSlowSubscriber(t *testing.T) {
	feed := NewEventFeed(0)

	ch, _, cleanup := feed.Subscribe()
	defer cleanup()

	for i := 0; i < 150; i++ {
		feed.Publish(tasks.Event{Seq: int64(i)})
	}
	assert.Len(t, ch, 100)
}
