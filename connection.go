package aqualink

import (
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// connState is the Connection.stateFlags bitset (§3).
type connState uint8

const (
	connConnected connState = 1 << iota
	connUpdateScheduled
	connDisconnecting
	connAttemptingResume
	connVoiceDataStale
)

const (
	voiceDataTimeout   = 90 * time.Second
	nullChannelGraceMs = 15 * time.Second
	voiceFlushDelay    = 50 * time.Millisecond
	maxReconnectAttemptsConn = 3
	maxConsecutiveFailures   = 5
	resumeBackoffBase        = 1500 * time.Millisecond
	resumeBackoffMax         = 60 * time.Second
	resumeRateLimit          = 1500 * time.Millisecond
)

// ServerUpdate is the VOICE_SERVER_UPDATE.d packet shape (§6).
type ServerUpdate struct {
	Endpoint  string
	Token     string
	ChannelID string
	TxID      int64
}

// StateUpdate is the VOICE_STATE_UPDATE.d packet shape (§6).
type StateUpdate struct {
	SessionID string
	ChannelID string
	HasChannel bool // false means null/left, whatever ChannelID holds
	SelfDeaf  bool
	SelfMute  bool
	UserID    string
	TxID      int64
}

// Connection reconciles gateway voice credentials with a worker for one
// Player (C6). Every mutating method must be called from the Player's
// single execution context (§5) — Connection itself does not serialize
// callers.
type Connection struct {
	mu sync.Mutex

	player *Player
	log    *zap.Logger

	sessionID      string
	endpoint       string
	token          string
	region         string
	voiceChannelID string
	sequence       int64
	txID           int64
	stateGeneration int64
	flags          connState

	lastEndpoint        string
	lastVoiceDataUpdate time.Time
	reconnectAttempts   int
	consecutiveFailures int

	pool          *payloadPool
	pending       *voicePayload
	lastSentKey   string
	flushTimer    *time.Timer
	nullChanTimer *time.Timer

	lastResumeRequest time.Time

	resumeBackoff *backoff.ExponentialBackOff
}

func newConnection(p *Player, log *zap.Logger) *Connection {
	if log == nil {
		log = zap.NewNop()
	}
	return &Connection{
		player: p,
		log:    log,
		pool:   newPayloadPool(),
	}
}

func (c *Connection) newResumeBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = resumeBackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = resumeBackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// HasValidVoiceData reports the §3 credential-validity invariant.
func (c *Connection) HasValidVoiceData() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasValidVoiceDataLocked()
}

func (c *Connection) hasValidVoiceDataLocked() bool {
	if c.sessionID == "" || c.endpoint == "" || c.token == "" {
		return false
	}
	return time.Since(c.lastVoiceDataUpdate) <= voiceDataTimeout
}

// hasAnyCredentials reports whether (sessionId, endpoint, token) are all
// non-empty, regardless of staleness — used by the voice watchdog (§4.7) to
// distinguish "credentials present but stale" from "credentials absent".
func (c *Connection) hasAnyCredentials() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID != "" && c.endpoint != "" && c.token != ""
}

// timeSinceLastVoiceData reports how long it has been since the Connection
// last observed a voice-server/voice-state update, used by the watchdog's
// VOICE_DOWN_THRESHOLD/VOICE_ABANDON_MULTIPLIER timing (§4.7).
func (c *Connection) timeSinceLastVoiceData() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastVoiceDataUpdate.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return time.Since(c.lastVoiceDataUpdate)
}

// SetServerUpdate applies a VOICE_SERVER_UPDATE per §4.6's gating rules.
func (c *Connection) SetServerUpdate(data ServerUpdate) {
	c.mu.Lock()
	if c.player.isDestroyed() {
		c.mu.Unlock()
		return
	}
	if data.Token == "" || data.Endpoint == "" {
		c.mu.Unlock()
		return
	}
	if data.TxID != 0 && data.TxID < c.txID {
		c.mu.Unlock()
		return
	}
	if data.Endpoint == c.endpoint && data.Token == c.token {
		c.mu.Unlock()
		return
	}

	c.stateGeneration++
	endpointChanged := data.Endpoint != c.lastEndpoint
	if endpointChanged {
		c.sequence = 0
		c.reconnectAttempts = 0
		c.consecutiveFailures = 0
	}
	c.region = extractRegion(data.Endpoint)
	c.endpoint = data.Endpoint
	c.lastEndpoint = data.Endpoint
	c.token = data.Token
	if data.ChannelID != "" {
		c.voiceChannelID = data.ChannelID
	}
	c.lastVoiceDataUpdate = time.Now()
	c.flags &^= connVoiceDataStale
	c.mu.Unlock()

	if c.player.Paused() {
		c.player.setPausedInternal(false)
	}

	if migrated := c.player.maybeRegionMigrate(c.region); !migrated {
		c.scheduleVoiceUpdate()
	}
}

// SetStateUpdate applies a VOICE_STATE_UPDATE per §4.6.
func (c *Connection) SetStateUpdate(data StateUpdate, clientID string) {
	if data.UserID != "" && data.UserID != clientID {
		return
	}
	c.mu.Lock()
	if !data.HasChannel {
		c.flags |= connDisconnecting
		c.mu.Unlock()
		c.armNullChannelTimer()
		return
	}
	c.cancelNullChannelTimerLocked()

	changed := false
	if data.ChannelID != c.voiceChannelID {
		c.voiceChannelID = data.ChannelID
		changed = true
		c.mu.Unlock()
		c.player.emit(EventPlayerMove, PlayerMoveEvent{Player: c.player, ChannelID: data.ChannelID})
		c.player.markResuming()
		c.mu.Lock()
	}
	if data.SessionID != "" && data.SessionID != c.sessionID {
		c.sessionID = data.SessionID
		c.lastVoiceDataUpdate = time.Now()
		changed = true
	}
	c.flags |= connConnected
	c.flags &^= connDisconnecting
	c.mu.Unlock()

	c.player.applyVoiceState(data.SelfDeaf, data.SelfMute)

	if changed {
		c.scheduleVoiceUpdate()
	}
}

func (c *Connection) armNullChannelTimer() {
	c.mu.Lock()
	if c.nullChanTimer != nil {
		c.nullChanTimer.Stop()
	}
	c.nullChanTimer = time.AfterFunc(nullChannelGraceMs, c.onNullChannelExpired)
	c.mu.Unlock()
}

func (c *Connection) cancelNullChannelTimerLocked() {
	if c.nullChanTimer != nil {
		c.nullChanTimer.Stop()
		c.nullChanTimer = nil
	}
	c.flags &^= connDisconnecting
}

func (c *Connection) onNullChannelExpired() {
	c.mu.Lock()
	stillWaiting := c.flags&connDisconnecting != 0
	c.mu.Unlock()
	if stillWaiting {
		c.Disconnect()
	}
}

// scheduleVoiceUpdate builds/refreshes the pending payload and arms a
// VOICE_FLUSH_DELAY timer (§4.6).
func (c *Connection) scheduleVoiceUpdate() {
	c.mu.Lock()
	if c.pending == nil {
		c.pending = c.pool.acquire()
	}
	c.pending.SessionID = c.sessionID
	c.pending.Endpoint = c.endpoint
	c.pending.Token = c.token
	c.flags |= connUpdateScheduled
	if c.flushTimer != nil {
		c.flushTimer.Stop()
	}
	c.flushTimer = time.AfterFunc(voiceFlushDelay, c.flushVoiceUpdate)
	c.mu.Unlock()
}

func (c *Connection) flushVoiceUpdate() {
	c.mu.Lock()
	payload := c.pending
	c.pending = nil
	c.flags &^= connUpdateScheduled
	if payload == nil {
		c.mu.Unlock()
		return
	}
	volume := c.player.Volume()
	key := payload.SessionID + "|" + payload.Token + "|" + payload.Endpoint + "|" + c.voiceChannelID + "|" + itoaVolume(volume)
	if key == c.lastSentKey {
		c.pool.release(payload)
		c.mu.Unlock()
		return
	}
	if !c.hasValidVoiceDataLocked() {
		c.pool.release(payload)
		c.mu.Unlock()
		return
	}
	c.lastSentKey = key
	c.mu.Unlock()

	body := &playerUpdateBody{
		Voice: &voiceUpdateBody{
			SessionID: payload.SessionID,
			Endpoint:  payload.Endpoint,
			Token:     payload.Token,
		},
		Volume: intPtr(volume),
	}
	_, err := c.player.node().Rest.UpdatePlayer(c.player.GuildID, body, false)

	c.mu.Lock()
	c.pool.release(payload)
	c.mu.Unlock()

	if err != nil {
		c.player.emit(EventError, ErrorEvent{Player: c.player, Err: err, Stage: "voiceUpdate"})
	}
}

func itoaVolume(v int) string {
	return strconv.Itoa(v)
}

// AttemptResume runs the §4.6 resume protocol. It returns true if the
// resume PATCH succeeded.
func (c *Connection) AttemptResume() bool {
	c.mu.Lock()
	if c.player.isDestroyed() {
		c.mu.Unlock()
		return false
	}
	if c.reconnectAttempts >= maxReconnectAttemptsConn {
		c.mu.Unlock()
		return false
	}
	if c.flags&(connAttemptingResume|connDisconnecting) != 0 {
		c.mu.Unlock()
		return false
	}
	if !c.hasValidVoiceDataLocked() {
		if c.player.isResuming() && time.Since(c.lastResumeRequest) > resumeRateLimit {
			c.lastResumeRequest = time.Now()
			c.mu.Unlock()
			c.player.requestVoiceState()
			return false
		}
		c.mu.Unlock()
		return false
	}
	c.flags |= connAttemptingResume
	gen := c.stateGeneration
	seq := c.sequence
	sid, ep, tok := c.sessionID, c.endpoint, c.token
	c.mu.Unlock()

	body := &playerUpdateBody{
		Voice: &voiceUpdateBody{
			SessionID: sid,
			Endpoint:  ep,
			Token:     tok,
			Resume:    true,
			Sequence:  seq,
		},
	}
	_, err := c.player.node().Rest.UpdatePlayer(c.player.GuildID, body, false)

	c.mu.Lock()
	c.flags &^= connAttemptingResume
	if gen != c.stateGeneration {
		c.mu.Unlock()
		return false
	}
	if err == nil {
		c.reconnectAttempts = 0
		c.consecutiveFailures = 0
		c.mu.Unlock()
		c.player.clearResuming()
		return true
	}
	c.reconnectAttempts++
	c.consecutiveFailures++
	shouldRetry := c.reconnectAttempts < maxReconnectAttemptsConn && c.consecutiveFailures < maxConsecutiveFailures
	if shouldRetry && c.resumeBackoff == nil {
		c.resumeBackoff = c.newResumeBackoff()
	}
	var delay time.Duration
	if shouldRetry {
		delay = c.resumeBackoff.NextBackOff()
		if delay == backoff.Stop || delay > resumeBackoffMax {
			delay = resumeBackoffMax
		}
	} else {
		c.resumeBackoff = nil
	}
	c.mu.Unlock()

	if shouldRetry {
		time.AfterFunc(delay, func() { c.AttemptResume() })
	} else {
		go c.Disconnect()
	}
	return false
}

// Disconnect tears down voice credentials and asks the Orchestrator to
// destroy the owning Player (§4.6, best-effort).
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.flushTimer != nil {
		c.flushTimer.Stop()
	}
	c.cancelNullChannelTimerLocked()
	c.sessionID = ""
	c.endpoint = ""
	c.token = ""
	c.flags |= connVoiceDataStale
	c.flags |= connDisconnecting
	c.mu.Unlock()

	c.player.requestDestroy()

	c.mu.Lock()
	c.flags &^= connDisconnecting
	c.mu.Unlock()
}

// ResendVoiceUpdate is the upper-layer-triggered re-send (§4.6 Inputs).
func (c *Connection) ResendVoiceUpdate(force bool) {
	if force {
		c.mu.Lock()
		c.lastSentKey = ""
		c.mu.Unlock()
	}
	c.scheduleVoiceUpdate()
}

// Region returns the currently observed region code.
func (c *Connection) Region() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.region
}

// VoiceChannelID returns the channel this connection believes it is in.
func (c *Connection) VoiceChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voiceChannelID
}

func (c *Connection) setVoiceChannelID(id string) {
	c.mu.Lock()
	c.voiceChannelID = id
	c.mu.Unlock()
}

// snapshotCredentials returns the current (sessionId, endpoint, token) for
// migration (§4.9.5 "copies last-known voice credentials").
func (c *Connection) snapshotCredentials() (sessionID, endpoint, token string, valid bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.endpoint, c.token, c.hasValidVoiceDataLocked()
}

// adoptCredentials installs credentials copied from another Connection
// during migration and forces a voice update.
func (c *Connection) adoptCredentials(sessionID, endpoint, token string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.endpoint = endpoint
	c.token = token
	c.lastEndpoint = endpoint
	c.region = extractRegion(endpoint)
	c.lastVoiceDataUpdate = time.Now()
	c.flags &^= connVoiceDataStale
	c.lastSentKey = ""
	c.mu.Unlock()
	c.scheduleVoiceUpdate()
}

// nextTxID stamps a fresh per-generation token, used by the Orchestrator to
// tag outgoing gateway demux calls (§4.9.2).
func (c *Connection) nextTxID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txID++
	return c.txID
}

func (c *Connection) currentTxID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txID
}

func intPtr(v int) *int { return &v }
