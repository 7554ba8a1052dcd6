package aqualink

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// reconnectMaxAttempts bounds the §4.7.1 voice-session reconnection
// sequence triggered by a 4014/4009/4006 socket close.
const reconnectMaxAttempts = 3

// reconnectBackoffBase/reconnectBackoffMax implement §4.7.1's backoff
// formula: delay(n) = min(reconnectBackoffBase*n, reconnectBackoffMax).
const (
	reconnectBackoffBase = 1500 * time.Millisecond
	reconnectBackoffMax  = 5000 * time.Millisecond
)

// reconnectSeekThreshold/seekSettleDelay/pauseSettleDelay implement §4.7.1
// step 3: a captured position past this threshold is worth re-seeking to,
// and both the seek and the re-pause wait for playback to settle first.
const (
	reconnectSeekThreshold = 5 * time.Second
	seekSettleDelay        = 800 * time.Millisecond
	pauseSettleDelay       = 1200 * time.Millisecond
)

// reconnectSnapshot extends playerSnapshot with the extra §4.7.1 fields
// the migration/persistence capture path (§4.9.7) doesn't need: autoplay
// state and the recently-played identifier set.
type reconnectSnapshot struct {
	base         *playerSnapshot
	autoplayOn   bool
	autoplaySeed *Track
	previousIDs  []string
}

func captureReconnectSnapshot(p *Player) *reconnectSnapshot {
	return &reconnectSnapshot{
		base:         captureState(p),
		autoplayOn:   p.AutoplayEnabled(),
		autoplaySeed: p.AutoplaySeed(),
		previousIDs:  p.previousIdentifiersSnapshot(),
	}
}

// beginReconnectionSequence starts the §4.7.1 voice-session reconnection
// sequence for a 4014/4009/4006 socket close. It is a no-op if a sequence
// is already running for this Player.
func (p *Player) beginReconnectionSequence() {
	p.mu.Lock()
	if p.reconnecting || p.destroyed {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.mu.Unlock()

	go p.runReconnectionSequence()
}

// runReconnectionSequence implements §4.7.1: capture a snapshot, destroy
// the Player preserving its client-side identity, then up to
// reconnectMaxAttempts times ask the Orchestrator for a fresh Player on the
// same guild/voice channel and restore state onto it.
func (p *Player) runReconnectionSequence() {
	defer func() {
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
	}()

	snap := captureReconnectSnapshot(p)
	oldNode := p.node()
	orch := p.orch
	channelID := snap.base.voiceChannelID
	deaf, mute := snap.base.deaf, snap.base.mute

	_ = p.Destroy(DestroyArgs{PreserveClient: true, SkipRemote: true})

	if channelID == "" {
		orch.bus.emit(EventReconnectionFailed, ReconnectionFailedEvent{Player: p, Err: ErrInvalidVoiceChan})
		return
	}

	var delay time.Duration
	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(delay)
		}

		newPlayer, err := orch.createPlayer(oldNode, CreateConnectionArgs{
			GuildID:        snap.base.guildID,
			VoiceChannelID: channelID,
			TextChannelID:  snap.base.textChannelID,
			Deaf:           deaf,
			Mute:           mute,
		})
		if err != nil {
			orch.log.Warn("reconnection sequence: create failed", zap.String("guild", snap.base.guildID), zap.Int("attempt", attempt), zap.Error(err))
			delay = reconnectBackoffDelay(attempt)
			continue
		}

		restoreReconnectSnapshot(newPlayer, snap)

		orch.bus.emit(EventPlayerReconnected, PlayerReconnectedEvent{Before: p, After: newPlayer})
		return
	}

	orch.bus.emit(EventReconnectionFailed, ReconnectionFailedEvent{Player: p, Err: ErrNotConnected})
	orch.bus.emit(EventSocketClosed, SocketClosedEvent{Player: p, Code: 0, Reason: "reconnection sequence exhausted"})
}

// reconnectBackoffDelay implements the §4.7.1 backoff formula for the delay
// before retry attempt n+1, following a failure on attempt n.
func reconnectBackoffDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * reconnectBackoffBase
	if d > reconnectBackoffMax {
		d = reconnectBackoffMax
	}
	return d
}

// restoreReconnectSnapshot applies step 2-3 of §4.7.1 onto a freshly
// created Player: loop/autoplay/previousIdentifiers, the queue with the
// current track prepended (single insertion at head, per DESIGN.md's
// resolution of the "double-push" open question), and the settle-then-
// seek/pause sequence once the track actually starts.
func restoreReconnectSnapshot(p *Player, snap *reconnectSnapshot) {
	_, _ = p.SetVolume(snap.base.volume)
	_, _ = p.SetLoop(snap.base.loop)
	_, _ = p.SetAutoplay(snap.autoplayOn)
	p.setAutoplaySeed(snap.autoplaySeed)
	for _, id := range snap.previousIDs {
		p.rememberIdentifier(id)
	}
	for _, t := range snap.base.queueSnapshot {
		p.queue.Enqueue(t)
	}
	if snap.base.current == nil {
		return
	}
	p.queue.pushFront(snap.base.current)
	settleReconnectedPlayback(p, snap.base.positionAdjusted, snap.base.paused)
}

// settleReconnectedPlayback plays the track now at the queue head and, once
// its TrackStart event fires, re-applies the captured position/pause state
// after the §4.7.1 settle delays.
func settleReconnectedPlayback(p *Player, pos time.Duration, paused bool) {
	orch := p.orch
	go func() {
		started := make(chan struct{}, 1)
		var once sync.Once
		orch.bus.On(EventTrackStart, func(e Event) {
			if evt, ok := e.Data.(TrackStartEvent); ok && evt.Player == p {
				once.Do(func() { started <- struct{}{} })
			}
		})

		if _, err := p.Play(PlayArgs{}); err != nil {
			orch.log.Warn("reconnection sequence: play failed", zap.String("guild", p.GuildID), zap.Error(err))
			return
		}

		select {
		case <-started:
		case <-time.After(5 * time.Second):
			return
		}

		if pos > reconnectSeekThreshold {
			time.Sleep(seekSettleDelay)
			if cur := p.Current(); cur != nil {
				_, _ = p.Seek(pos - cur.Position)
			}
		}
		if paused {
			time.Sleep(pauseSettleDelay)
			_, _ = p.Pause(true)
		}
	}()
}
