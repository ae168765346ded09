package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atproto-tools/migrate-engine/internal/core/domain"
)

func startedBus(t *testing.T) *DefaultBus {
	t.Helper()
	bus := NewBus(nil, nil)
	require.NoError(t, bus.Start(t.Context()))
	t.Cleanup(func() { bus.Stop(t.Context()) })
	return bus
}

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	bus := startedBus(t)
	sub := NewChanSubscriber("sub-1", 4)
	require.NoError(t, bus.Subscribe(sub))

	require.NoError(t, bus.Publish(newEvent(EventMigrationStep, map[string]any{"step": "loading"})))

	select {
	case got := <-sub.Events():
		assert.Equal(t, EventMigrationStep, got.Type)
		assert.Equal(t, int64(1), got.Sequence)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := startedBus(t)
	sub := NewChanSubscriber("sub-1", 4)
	require.NoError(t, bus.Subscribe(sub))
	require.NoError(t, bus.Unsubscribe(sub))
	assert.Equal(t, 0, bus.ActiveSubscribers())
}

func TestDispatcher_ConsoleRingEvictsOldestBeyondTen(t *testing.T) {
	bus := startedBus(t)
	d := NewDispatcher(bus)

	for i := 0; i < 15; i++ {
		d.SetMigrationStep(string(rune('a' + i)))
	}

	console := d.Console()
	require.Len(t, console, consoleRingCapacity)
	assert.Equal(t, string(rune('a'+14)), console[len(console)-1])
	assert.Equal(t, string(rune('a'+5)), console[0])
}

func TestDispatcher_UnifiedBlobProgressFallsBackToRepoEstimate(t *testing.T) {
	bus := startedBus(t)
	sub := NewChanSubscriber("sub-1", 8)
	require.NoError(t, bus.Subscribe(sub))
	d := NewDispatcher(bus)

	d.SetRepoProgress(50*1024, 100*1024)

	var last Event
	for {
		select {
		case e := <-sub.Events():
			if e.Type == EventBlobProgress {
				last = e
			}
		case <-time.After(500 * time.Millisecond):
			goto done
		}
	}
done:
	require.Equal(t, EventBlobProgress, last.Type)
	assert.EqualValues(t, 0, last.Data["done"])
	assert.EqualValues(t, 5, last.Data["total"]) // 50KiB / 10KiB-per-notional-blob
}

func TestDispatcher_UnifiedBlobProgressPrefersRealCountsOnceReported(t *testing.T) {
	bus := startedBus(t)
	sub := NewChanSubscriber("sub-1", 8)
	require.NoError(t, bus.Subscribe(sub))
	d := NewDispatcher(bus)

	d.SetBlobProgress(3, 10)

	select {
	case e := <-sub.Events():
		require.Equal(t, EventBlobProgress, e.Type)
		assert.EqualValues(t, 3, e.Data["done"])
		assert.EqualValues(t, 10, e.Data["total"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestDispatcher_SetMigrationProgressPublishesAggregate(t *testing.T) {
	bus := startedBus(t)
	sub := NewChanSubscriber("sub-1", 4)
	require.NoError(t, bus.Subscribe(sub))
	d := NewDispatcher(bus)

	progress := domain.NewMigrationProgress("run-1", "did:plc:abc", "https://old.example", "https://new.example")
	d.SetMigrationProgress(progress)

	select {
	case e := <-sub.Events():
		assert.Equal(t, EventMigrationProgress, e.Type)
		assert.Equal(t, "run-1", e.Data["runId"])
		assert.Equal(t, false, e.Data["done"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
