package aqualink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadPoolAcquireReleaseReusesValue(t *testing.T) {
	p := newPayloadPool()

	v := p.acquire()
	v.SessionID = "sess-1"
	v.Endpoint = "wss://example.com"
	v.Token = "tok"
	v.Resume = true
	v.Sequence = 7

	p.release(v)
	require.Len(t, p.free, 1)

	reused := p.acquire()
	assert.Same(t, v, reused)
	// release resets every field before returning it to the free list.
	assert.Empty(t, reused.SessionID)
	assert.Empty(t, reused.Endpoint)
	assert.Empty(t, reused.Token)
	assert.False(t, reused.Resume)
	assert.Zero(t, reused.Sequence)
}

func TestPayloadPoolAcquireWithoutReleaseAllocatesFresh(t *testing.T) {
	p := newPayloadPool()
	a := p.acquire()
	b := p.acquire()
	assert.NotSame(t, a, b)
}

func TestPayloadPoolBoundedFreeList(t *testing.T) {
	p := newPayloadPool()
	values := make([]*voicePayload, payloadPoolSize+5)
	for i := range values {
		values[i] = p.acquire()
	}
	for _, v := range values {
		p.release(v)
	}
	assert.LessOrEqual(t, len(p.free), payloadPoolSize)
}

func TestPayloadPoolReleaseNilIsNoop(t *testing.T) {
	p := newPayloadPool()
	assert.NotPanics(t, func() { p.release(nil) })
	assert.Empty(t, p.free)
}
