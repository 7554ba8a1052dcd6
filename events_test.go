package aqualink

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusDispatchesToTypedListenersOnly(t *testing.T) {
	b := newEventBus()
	var trackStarts, trackEnds int
	b.On(EventTrackStart, func(e Event) { trackStarts++ })
	b.On(EventTrackEnd, func(e Event) { trackEnds++ })

	b.emit(EventTrackStart, TrackStartEvent{})
	b.emit(EventTrackStart, TrackStartEvent{})
	b.emit(EventTrackEnd, TrackEndEvent{})

	assert.Equal(t, 2, trackStarts)
	assert.Equal(t, 1, trackEnds)
}

func TestEventBusOnAnyReceivesEverything(t *testing.T) {
	b := newEventBus()
	var seen []BusEventType
	b.OnAny(func(e Event) { seen = append(seen, e.Type) })

	b.emit(EventNodeConnect, NodeConnectEvent{})
	b.emit(EventNodeReady, NodeReadyEvent{Resumed: true})

	require.Len(t, seen, 2)
	assert.Equal(t, EventNodeConnect, seen[0])
	assert.Equal(t, EventNodeReady, seen[1])
}

func TestEventBusConcurrentRegistrationAndEmit(t *testing.T) {
	b := newEventBus()
	var mu sync.Mutex
	count := 0
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.On(EventDebug, func(e Event) {
				mu.Lock()
				count++
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	b.emit(EventDebug, DebugEvent{Message: "hi"})
	assert.Equal(t, 20, count)
}

func TestEventPayloadCarriesTypedData(t *testing.T) {
	b := newEventBus()
	var got TrackExceptionEvent
	b.On(EventTrackException, func(e Event) {
		got = e.Data.(TrackExceptionEvent)
	})
	b.emit(EventTrackException, TrackExceptionEvent{Message: "boom"})
	assert.Equal(t, "boom", got.Message)
}
