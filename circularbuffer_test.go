package aqualink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircularBufferGetLastReturnsMostRecent(t *testing.T) {
	cb := newCircularBuffer(3)
	assert.Nil(t, cb.getLast())

	a, _ := NewTrack("a", "")
	b, _ := NewTrack("b", "")
	cb.push(a)
	cb.push(b)
	assert.Same(t, b, cb.getLast())
	assert.Equal(t, 2, cb.len())
}

func TestCircularBufferEvictsOldestPastCapacity(t *testing.T) {
	cb := newCircularBuffer(3)
	tracks := make([]*Track, 5)
	for i := range tracks {
		tr, _ := NewTrack("enc", "")
		tracks[i] = tr
		cb.push(tr)
	}

	require.Equal(t, 3, cb.len())
	assert.Same(t, tracks[4], cb.getLast())

	got := cb.toArray()
	require.Len(t, got, 3)
	// Oldest-first ordering: the two oldest pushes (0,1) were evicted,
	// leaving 2,3,4.
	assert.Same(t, tracks[2], got[0])
	assert.Same(t, tracks[3], got[1])
	assert.Same(t, tracks[4], got[2])
}

func TestCircularBufferClear(t *testing.T) {
	cb := newCircularBuffer(2)
	a, _ := NewTrack("a", "")
	cb.push(a)
	cb.clear()
	assert.Equal(t, 0, cb.len())
	assert.Nil(t, cb.getLast())
	assert.Empty(t, cb.toArray())
}
