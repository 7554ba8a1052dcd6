package aqualink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueEnqueueDequeueFIFO(t *testing.T) {
	q := NewQueue()
	a, _ := NewTrack("enc-a", "")
	b, _ := NewTrack("enc-b", "")
	c, _ := NewTrack("enc-c", "")

	q.Enqueue(a)
	q.Enqueue(b)
	q.Enqueue(c)
	require.Equal(t, 3, q.Size())

	assert.Same(t, a, q.Dequeue())
	assert.Same(t, b, q.Dequeue())
	assert.Equal(t, 1, q.Size())
	assert.Same(t, c, q.Peek())
	assert.Same(t, c, q.Dequeue())
	assert.Nil(t, q.Dequeue())
	assert.Equal(t, 0, q.Size())
}

func TestQueueSizeInvariantAcrossCompaction(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 10; i++ {
		tr, _ := NewTrack("enc", "")
		q.Enqueue(tr)
	}
	// Dequeue past the half-capacity compaction threshold and confirm Size
	// stays accurate the whole way, exercising maybeCompactLocked.
	for i := 0; i < 6; i++ {
		require.NotNil(t, q.Dequeue())
	}
	assert.Equal(t, 4, q.Size())
	assert.Equal(t, 4, len(q.ToArray()))
}

func TestQueuePushFrontReusesHeadGap(t *testing.T) {
	q := NewQueue()
	a, _ := NewTrack("a", "")
	b, _ := NewTrack("b", "")
	q.Enqueue(a)
	q.Enqueue(b)
	require.NotNil(t, q.Dequeue()) // head=1, triggers nothing yet

	loopTrack, _ := NewTrack("loop", "")
	q.pushFront(loopTrack)
	assert.Same(t, loopTrack, q.Peek())
	assert.Equal(t, 2, q.Size())
}

func TestQueueMoveAndSwap(t *testing.T) {
	q := NewQueue()
	tracks := make([]*Track, 4)
	for i := range tracks {
		tr, _ := NewTrack("enc", "")
		tracks[i] = tr
		q.Enqueue(tr)
	}

	q.Swap(0, 3)
	assert.Same(t, tracks[3], q.At(0))
	assert.Same(t, tracks[0], q.At(3))

	q.Move(3, 1)
	assert.Same(t, tracks[0], q.At(1))

	// Out-of-range indices are a no-op, not a panic.
	q.Move(-1, 2)
	q.Swap(9, 0)
}

func TestQueueShuffleKeepsAllElements(t *testing.T) {
	q := NewQueue()
	want := make(map[*Track]bool)
	for i := 0; i < 8; i++ {
		tr, _ := NewTrack("enc", "")
		want[tr] = true
		q.Enqueue(tr)
	}
	q.Shuffle()
	got := q.ToArray()
	require.Len(t, got, 8)
	for _, tr := range got {
		assert.True(t, want[tr])
	}
}

func TestQueueRemoveDisposesTrack(t *testing.T) {
	q := NewQueue()
	a, _ := NewTrack("a", "")
	b, _ := NewTrack("b", "")
	q.Enqueue(a)
	q.Enqueue(b)

	assert.True(t, q.Remove(a))
	assert.False(t, q.Remove(a))
	assert.Equal(t, 1, q.Size())
	assert.Same(t, b, q.First())
	assert.Nil(t, a.node)
}

func TestQueueClearDisposesEverything(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 3; i++ {
		tr, _ := NewTrack("enc", "")
		q.Enqueue(tr)
	}
	q.Clear()
	assert.Equal(t, 0, q.Size())
	assert.Empty(t, q.ToArray())
	assert.Nil(t, q.Last())
}
