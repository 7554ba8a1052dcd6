package aqualink

import "time"

// watchdogInterval is the voice watchdog tick period (§4.7).
const watchdogInterval = 15 * time.Second

// voiceDownThreshold/voiceAbandonMultiplier implement §4.7's recovery
// timing: a Connection down for at least voiceDownThreshold is worth an
// active recovery attempt; one down for voiceDownThreshold*voiceAbandonMultiplier
// with no credentials at all is abandoned outright.
const (
	voiceDownThreshold     = 10 * time.Second
	voiceAbandonMultiplier = 3
)

// muteToggleWait is the settle time between flipping self_mute on and back
// off while provoking a fresh gateway VOICE_STATE (§4.7).
const muteToggleWait = 300 * time.Millisecond

// watchdogLoop periodically checks that the Player's Connection still
// holds valid voice credentials while it believes itself connected. A
// Connection going stale without a corresponding VOICE_STATE/SERVER update
// usually means the gateway packets were dropped; the watchdog is the
// backstop that notices when the normal event-driven path does not.
func (p *Player) watchdogLoop(stop chan struct{}) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if p.isDestroyed() {
				return
			}
			if p.VoiceChannelID() == "" {
				continue
			}
			if p.conn.HasValidVoiceData() {
				continue
			}
			p.recoverVoice()
		}
	}
}

// recoverVoice implements §4.7's voice watchdog recovery path for one down
// tick: attempt a resume if credentials are present (even if stale), fall
// back to a mute-toggle-and-resend, or abandon the Player once credentials
// have been absent long enough.
func (p *Player) recoverVoice() {
	if p.isDestroyed() {
		return
	}
	down := p.conn.timeSinceLastVoiceData()

	if !p.conn.hasAnyCredentials() {
		if down >= voiceDownThreshold*voiceAbandonMultiplier {
			p.emit(EventReconnectionFailed, ReconnectionFailedEvent{Player: p, Err: ErrNotConnected})
			_ = p.Destroy(DestroyArgs{})
		}
		return
	}

	if down < voiceDownThreshold {
		return
	}
	if p.conn.AttemptResume() {
		return
	}
	p.muteToggle()
	p.conn.ResendVoiceUpdate(true)
}

// muteToggle flips self_mute on then off to provoke a fresh gateway
// VOICE_STATE_UPDATE when a resume attempt alone did not recover the
// Connection (§4.7).
func (p *Player) muteToggle() {
	p.mu.RLock()
	channelID := p.voiceChannelID
	deaf := p.deaf
	p.mu.RUnlock()
	if channelID == "" {
		return
	}
	ch := channelID
	_ = p.orch.sendVoiceJoin(p.GuildID, &ch, deaf, true)
	time.Sleep(muteToggleWait)
	_ = p.orch.sendVoiceJoin(p.GuildID, &ch, deaf, false)
}
