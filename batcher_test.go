package aqualink

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRestClient(t *testing.T, handler http.HandlerFunc) *RestClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := NewNodeConfig("test-node", "127.0.0.1", 0)
	return NewRestClient(srv.URL, cfg, "client-1", nil)
}

func strPtr(s string) *string { return &s }
func i64Ptr(i int64) *int64   { return &i }

func TestPendingFieldsNeedsImmediateFlush(t *testing.T) {
	assert.True(t, (&pendingFields{encodedTrack: strPtr("x")}).needsImmediateFlush())
	assert.True(t, (&pendingFields{paused: boolPtr(true)}).needsImmediateFlush())
	assert.True(t, (&pendingFields{position: i64Ptr(1)}).needsImmediateFlush())
	assert.False(t, (&pendingFields{volume: intPtr(50)}).needsImmediateFlush())
}

func TestPendingFieldsEmpty(t *testing.T) {
	assert.True(t, (&pendingFields{}).empty())
	assert.True(t, (*pendingFields)(nil).empty())
	assert.False(t, (&pendingFields{volume: intPtr(50)}).empty())
}

func TestUpdateBatcherImmediateFlushOnTrackChange(t *testing.T) {
	var calls int32
	rc := newTestRestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"guildId":"g1"}`))
	})

	b := NewUpdateBatcher("g1", rc, nil, nil)
	err := b.Batch(&pendingFields{encodedTrack: strPtr("enc")}, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestUpdateBatcherCoalescesNonImmediateFields(t *testing.T) {
	var calls int32
	done := make(chan struct{})
	rc := newTestRestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"guildId":"g1"}`))
		close(done)
	})

	// A schedule func that defers the flush long enough for both Batch
	// calls below to merge into the same pending struct before it runs,
	// exercising the coalescing path rather than each Batch flushing on
	// its own.
	b := NewUpdateBatcher("g1", rc, nil, func(f func()) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			f()
		}()
	})

	require.NoError(t, b.Batch(&pendingFields{volume: intPtr(10)}, false))
	require.NoError(t, b.Batch(&pendingFields{volume: intPtr(20)}, false))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flush never ran")
	}
	// Both volume updates coalesce into a single REST call.
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestMergeFieldsLastWriteWins(t *testing.T) {
	dst := &pendingFields{volume: intPtr(1)}
	mergeFields(dst, &pendingFields{volume: intPtr(2), paused: boolPtr(true)})
	require.NotNil(t, dst.volume)
	assert.Equal(t, 2, *dst.volume)
	require.NotNil(t, dst.paused)
	assert.True(t, *dst.paused)
}
