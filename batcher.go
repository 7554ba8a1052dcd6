package aqualink

import "sync"

// pendingFields is the accumulated set of changes not yet flushed to the
// worker. Pointers distinguish "unset" from zero values.
type pendingFields struct {
	encodedTrack *string
	position     *int64
	endTime      *int64
	volume       *int
	paused       *bool
	filters      map[string]any
	voice        *voiceUpdateBody
	noReplace    bool
}

func (p *pendingFields) empty() bool {
	return p == nil || (p.encodedTrack == nil && p.position == nil && p.endTime == nil &&
		p.volume == nil && p.paused == nil && p.filters == nil && p.voice == nil)
}

func (p *pendingFields) toBody() *playerUpdateBody {
	return &playerUpdateBody{
		EncodedTrack: p.encodedTrack,
		Position:     p.position,
		EndTime:      p.endTime,
		Volume:       p.volume,
		Paused:       p.paused,
		Filters:      p.filters,
		Voice:        p.voice,
	}
}

// needsImmediateFlush reports whether any of {track, paused, position} is
// present, per §4.4.
func (p *pendingFields) needsImmediateFlush() bool {
	return p.encodedTrack != nil || p.paused != nil || p.position != nil
}

// UpdateBatcher coalesces REST player-update fields into a single flush per
// player (C4). At most one flush is in flight; subsequent Batch calls while
// a flush is running accumulate into the next pending struct rather than
// racing the REST client.
type UpdateBatcher struct {
	mu         sync.Mutex
	guildID    string
	rest       *RestClient
	pending    *pendingFields
	flushing   bool
	flushAgain bool
	scheduled  bool
	onError    func(error)
	schedule   func(func())
}

// NewUpdateBatcher builds a batcher for one player's guild. schedule
// defers a function onto "the next cooperative tick" (§4.4); passing nil
// uses an immediate goroutine dispatch, which is sufficient for the
// single-writer-per-player discipline described in §5.
func NewUpdateBatcher(guildID string, rest *RestClient, onError func(error), schedule func(func())) *UpdateBatcher {
	if onError == nil {
		onError = func(error) {}
	}
	if schedule == nil {
		schedule = func(f func()) { go f() }
	}
	return &UpdateBatcher{guildID: guildID, rest: rest, onError: onError, schedule: schedule}
}

// Batch merges fields into the pending update. If immediate is set, or any
// of {track, paused, position} is present, it flushes on the caller's
// goroutine and returns once that flush completes. If another flush is
// already in flight, Batch does not wait for it: it returns nil at once and
// the in-flight flush sends the merged fields in a follow-up flush when it
// finishes. Otherwise it schedules a single flush on the next tick.
func (b *UpdateBatcher) Batch(fields *pendingFields, immediate bool) error {
	b.mu.Lock()
	if b.pending == nil {
		b.pending = &pendingFields{}
	}
	mergeFields(b.pending, fields)
	mustFlushNow := immediate || b.pending.needsImmediateFlush()
	b.mu.Unlock()

	if mustFlushNow {
		return b.flushSync()
	}
	b.scheduleFlush()
	return nil
}

func mergeFields(dst, src *pendingFields) {
	if src == nil {
		return
	}
	if src.encodedTrack != nil {
		dst.encodedTrack = src.encodedTrack
	}
	if src.position != nil {
		dst.position = src.position
	}
	if src.endTime != nil {
		dst.endTime = src.endTime
	}
	if src.volume != nil {
		dst.volume = src.volume
	}
	if src.paused != nil {
		dst.paused = src.paused
	}
	if src.filters != nil {
		dst.filters = src.filters
	}
	if src.voice != nil {
		dst.voice = src.voice
	}
	if src.noReplace {
		dst.noReplace = true
	}
}

func (b *UpdateBatcher) scheduleFlush() {
	b.mu.Lock()
	if b.scheduled {
		b.mu.Unlock()
		return
	}
	b.scheduled = true
	b.mu.Unlock()
	b.schedule(func() {
		b.mu.Lock()
		b.scheduled = false
		b.mu.Unlock()
		_ = b.flushSync()
	})
}

// flushSync performs one flush. If another flush is already in flight it
// marks a follow-up flush and returns nil without waiting, so only one ever
// races the RestClient at a time; the in-flight call runs the follow-up
// before returning.
func (b *UpdateBatcher) flushSync() error {
	b.mu.Lock()
	if b.flushing {
		b.flushAgain = true
		b.mu.Unlock()
		return nil
	}
	pending := b.pending
	if pending.empty() {
		b.mu.Unlock()
		return nil
	}
	b.pending = nil
	b.flushing = true
	b.mu.Unlock()

	_, err := b.rest.UpdatePlayer(b.guildID, pending.toBody(), pending.noReplace)
	if err != nil {
		b.onError(err)
	}

	b.mu.Lock()
	b.flushing = false
	again := b.flushAgain
	b.flushAgain = false
	b.mu.Unlock()

	if again {
		return b.flushSync()
	}
	return err
}
