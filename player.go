package aqualink

import (
	"fmt"
	"sync"
	"time"

	"github.com/emirpasic/gods/sets/hashset"
	"go.uber.org/zap"
)

// LoopMode is the Player's repeat behavior (§3).
type LoopMode int

const (
	LoopNone LoopMode = iota
	LoopTrack
	LoopQueue
)

func (m LoopMode) String() string {
	switch m {
	case LoopTrack:
		return "track"
	case LoopQueue:
		return "queue"
	default:
		return "none"
	}
}

// ParseLoopMode accepts an int {0,1,2}, a LoopMode, or a name
// {none,track,queue} (§4.7 SetLoop).
func ParseLoopMode(v any) (LoopMode, error) {
	switch x := v.(type) {
	case LoopMode:
		return x, nil
	case int:
		if x < 0 || x > 2 {
			return 0, ErrInvalidLoopMode
		}
		return LoopMode(x), nil
	case string:
		switch x {
		case "none":
			return LoopNone, nil
		case "track":
			return LoopTrack, nil
		case "queue":
			return LoopQueue, nil
		default:
			return 0, ErrInvalidLoopMode
		}
	default:
		return 0, ErrInvalidLoopMode
	}
}

// previousIdentifiersCap bounds Player.previousIDs (§3, capped at 20).
const previousIdentifiersCap = 20

// autoplayMax bounds consecutive autoplay candidate attempts (§4.7).
const autoplayMax = 3

// PlayArgs configures Player.Play.
type PlayArgs struct {
	Track     *Track
	Paused    bool
	StartTime time.Duration
	NoReplace bool
}

// ConnectArgs configures Player.Connect.
type ConnectArgs struct {
	VoiceChannelID string
	Deaf           bool
	Mute           bool
}

// DestroyArgs configures Player.Destroy (§4.7).
type DestroyArgs struct {
	PreserveClient       bool
	SkipRemote           bool
	PreserveMessage      bool
	PreserveTracks       bool
	PreserveReconnecting bool
}

// AutoplayResolver resolves one candidate track from the last-played
// track's source. Looked up on the Orchestrator by source name (§4.7
// autoplay) — track-metadata parsing and autoplay-provider lookups are out
// of scope (spec.md §1), so callers supply this hook themselves.
type AutoplayResolver func(seed *Track, previousIdentifiers []string) (*Track, error)

// Player is the per-guild aggregate (C7): queue, current track, volume,
// loop mode, autoplay, previous history, event fan-out, and lifecycle.
type Player struct {
	GuildID string

	mu             sync.RWMutex
	textChannelID  string
	voiceChannelID string
	nd             *Node
	volume         int
	loop           LoopMode
	playing        bool
	paused         bool
	position       time.Duration
	current        *Track
	destroyed      bool
	autoplayOn     bool
	autoplayTries  int
	autoplaySeed   *Track
	deaf           bool
	mute           bool
	resuming       bool
	reconnecting   bool
	nowPlayingMsg  string
	dataStore      map[string]any

	queue       *Queue
	previous    *circularBuffer
	previousIDs *hashset.Set

	conn    *Connection
	batcher *UpdateBatcher
	orch    *Orchestrator
	log     *zap.Logger

	watchdogStop chan struct{}
}

// newPlayer constructs a Player owned by node, registered with orch.
func newPlayer(orch *Orchestrator, node *Node, guildID string) *Player {
	p := &Player{
		GuildID:     guildID,
		nd:          node,
		volume:      100,
		queue:       NewQueue(),
		previous:    newCircularBuffer(50),
		previousIDs: hashset.New(),
		orch:        orch,
		log:         orch.log.With(zap.String("guild", guildID)),
		dataStore:   make(map[string]any),
	}
	p.conn = newConnection(p, p.log)
	p.batcher = NewUpdateBatcher(guildID, node.Rest, func(err error) {
		p.emit(EventError, ErrorEvent{Player: p, Err: err, Stage: "batch"})
	}, nil)
	p.startWatchdog()
	return p
}

func (p *Player) emit(t BusEventType, data any) {
	if p.orch != nil {
		p.orch.bus.emit(t, data)
	}
}

func (p *Player) node() *Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nd
}

func (p *Player) setNode(n *Node) {
	p.mu.Lock()
	p.nd = n
	p.mu.Unlock()
}

func (p *Player) isDestroyed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.destroyed
}

// Connection returns the Player's voice state machine.
func (p *Player) Connection() *Connection { return p.conn }

// Connected reports whether the Player has a voice channel assigned and
// its Connection currently holds valid gateway credentials.
func (p *Player) Connected() bool {
	p.mu.RLock()
	voiceChan := p.voiceChannelID
	p.mu.RUnlock()
	return voiceChan != "" && p.conn.HasValidVoiceData()
}

func (p *Player) Volume() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.volume
}

func (p *Player) Paused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

func (p *Player) Playing() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.playing
}

func (p *Player) Current() *Track {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

func (p *Player) Queue() *Queue { return p.queue }

func (p *Player) Loop() LoopMode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loop
}

func (p *Player) VoiceChannelID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.voiceChannelID
}

func (p *Player) TextChannelID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.textChannelID
}

// DataStore exposes the free-form user map (§3).
func (p *Player) DataStore() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dataStore
}

func (p *Player) setPausedInternal(v bool) {
	p.mu.Lock()
	p.paused = v
	p.mu.Unlock()
}

func (p *Player) applyVoiceState(selfDeaf, selfMute bool) {
	p.mu.Lock()
	p.deaf = selfDeaf
	p.mute = selfMute
	p.mu.Unlock()
}

func (p *Player) markResuming() {
	p.mu.Lock()
	p.resuming = true
	p.mu.Unlock()
}

func (p *Player) clearResuming() {
	p.mu.Lock()
	p.resuming = false
	p.mu.Unlock()
}

func (p *Player) isResuming() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.resuming
}

func (p *Player) requestVoiceState() {
	p.orch.requestVoiceStateResend(p.GuildID, p.VoiceChannelID())
}

func (p *Player) requestDestroy() {
	p.orch.destroyPlayerBestEffort(p.GuildID)
}

// maybeRegionMigrate defers to the Orchestrator's region-affinity check
// (§4.9.4). Returns true if a migration was kicked off — the caller should
// then skip its own voice-update scheduling, since the new Connection on
// the target Node schedules one itself.
func (p *Player) maybeRegionMigrate(region string) bool {
	return p.orch.maybeRegionMigrate(p, region)
}

// Connect sends an opaque voice-join packet via the Orchestrator and marks
// the Player as targeting voiceChannelID (§4.7).
func (p *Player) Connect(args ConnectArgs) (*Player, error) {
	if p.isDestroyed() {
		return nil, ErrDestroyed
	}
	if args.VoiceChannelID == "" {
		return nil, ErrInvalidVoiceChan
	}
	p.mu.Lock()
	p.voiceChannelID = args.VoiceChannelID
	p.deaf = args.Deaf
	p.mute = args.Mute
	p.mu.Unlock()
	p.conn.setVoiceChannelID(args.VoiceChannelID)
	channelID := args.VoiceChannelID
	return p, p.orch.sendVoiceJoin(p.GuildID, &channelID, args.Deaf, args.Mute)
}

// Disconnect sends a voice-leave packet and marks the Player disconnected.
func (p *Player) Disconnect() error {
	p.mu.Lock()
	p.voiceChannelID = ""
	deaf, mute := p.deaf, p.mute
	p.mu.Unlock()
	return p.orch.sendVoiceJoin(p.GuildID, nil, deaf, mute)
}

// Play starts playback of track, or dequeues the head of the queue if
// track is nil (§4.7).
func (p *Player) Play(args PlayArgs) (*Player, error) {
	if p.isDestroyed() {
		return nil, ErrDestroyed
	}
	if !p.Connected() {
		return nil, ErrNotConnected
	}
	track := args.Track
	if track == nil {
		track = p.queue.Dequeue()
	}
	if track == nil {
		return nil, ErrNoCurrentTrack
	}
	if err := track.resolveEncoded(); err != nil {
		return nil, err
	}
	track.node = p.node()

	p.mu.Lock()
	p.current = track
	p.playing = true
	p.paused = args.Paused
	p.position = args.StartTime
	p.mu.Unlock()

	encoded := track.Encoded
	fields := &pendingFields{
		encodedTrack: &encoded,
		paused:       boolPtr(args.Paused),
		noReplace:    args.NoReplace,
	}
	if args.StartTime > 0 {
		ms := args.StartTime.Milliseconds()
		fields.position = &ms
	}
	if err := p.batcher.Batch(fields, true); err != nil {
		return p, err
	}
	return p, nil
}

// Pause toggles the paused flag with an immediate batched update.
func (p *Player) Pause(v bool) (*Player, error) {
	if p.isDestroyed() {
		return nil, ErrDestroyed
	}
	p.mu.Lock()
	p.paused = v
	p.mu.Unlock()
	err := p.batcher.Batch(&pendingFields{paused: boolPtr(v)}, true)
	return p, err
}

// Seek moves the current track's position by delta, clamped to
// [0, duration] when duration is known (§4.7).
func (p *Player) Seek(delta time.Duration) (*Player, error) {
	if p.isDestroyed() {
		return nil, ErrDestroyed
	}
	if !p.Playing() {
		return nil, ErrNoCurrentTrack
	}
	p.mu.Lock()
	pos := p.position + delta
	if pos < 0 {
		pos = 0
	}
	if p.current != nil && p.current.Duration > 0 && pos > p.current.Duration {
		pos = p.current.Duration
	}
	p.position = pos
	p.mu.Unlock()

	ms := pos.Milliseconds()
	err := p.batcher.Batch(&pendingFields{position: &ms}, true)
	return p, err
}

// Replay seeks to the start of the current track.
func (p *Player) Replay() (*Player, error) {
	if p.isDestroyed() {
		return nil, ErrDestroyed
	}
	p.mu.Lock()
	p.position = 0
	p.mu.Unlock()
	var zero int64
	err := p.batcher.Batch(&pendingFields{position: &zero}, true)
	return p, err
}

// Stop clears the current track without destroying the Player (§4.7).
func (p *Player) Stop() (*Player, error) {
	if p.isDestroyed() {
		return nil, ErrDestroyed
	}
	p.mu.Lock()
	if p.current != nil {
		p.current.dispose()
	}
	p.current = nil
	p.playing = false
	p.paused = false
	p.position = 0
	p.mu.Unlock()

	empty := ""
	err := p.batcher.Batch(&pendingFields{encodedTrack: &empty}, true)
	return p, err
}

// Skip is an alias for Stop (§4.7).
func (p *Player) Skip() (*Player, error) { return p.Stop() }

// SetVolume clamps v to [0,200], resetting to 100 if out of range, and
// issues a batched (non-immediate) update (§4.7).
func (p *Player) SetVolume(v int) (*Player, error) {
	if p.isDestroyed() {
		return nil, ErrDestroyed
	}
	if v < 0 || v > 200 {
		v = 100
	}
	p.mu.Lock()
	p.volume = v
	p.mu.Unlock()
	err := p.batcher.Batch(&pendingFields{volume: intPtr(v)}, false)
	return p, err
}

// SetLoop validates and stores the loop mode.
func (p *Player) SetLoop(mode any) (*Player, error) {
	m, err := ParseLoopMode(mode)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.loop = m
	p.mu.Unlock()
	return p, nil
}

// SetTextChannel updates the UI text channel.
func (p *Player) SetTextChannel(id string) (*Player, error) {
	p.mu.Lock()
	p.textChannelID = id
	p.mu.Unlock()
	return p, nil
}

// SetVoiceChannel moves the Player to a new voice channel.
func (p *Player) SetVoiceChannel(id string) (*Player, error) {
	if id == "" {
		return nil, ErrInvalidVoiceChan
	}
	p.mu.RLock()
	deaf, mute := p.deaf, p.mute
	p.mu.RUnlock()
	return p.Connect(ConnectArgs{VoiceChannelID: id, Deaf: deaf, Mute: mute})
}

// Shuffle randomizes the queue order in place.
func (p *Player) Shuffle() (*Player, error) {
	if p.isDestroyed() {
		return nil, ErrDestroyed
	}
	p.queue.Shuffle()
	return p, nil
}

// SetAutoplay toggles autoplay.
func (p *Player) SetAutoplay(enabled bool) (*Player, error) {
	p.mu.Lock()
	p.autoplayOn = enabled
	p.mu.Unlock()
	return p, nil
}

// AutoplayEnabled reports the current autoplay setting.
func (p *Player) AutoplayEnabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.autoplayOn
}

// AutoplaySeed returns the track the current autoplay chain was derived
// from (§3 `autoplaySeed`), or nil if autoplay has not produced a track yet.
func (p *Player) AutoplaySeed() *Track {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.autoplaySeed
}

func (p *Player) setAutoplaySeed(t *Track) {
	p.mu.Lock()
	p.autoplaySeed = t
	p.mu.Unlock()
}

// rememberIdentifier records a played track identifier into the capped set
// (§3, 20 entries), evicting arbitrarily when full — hashset does not
// preserve insertion order, matching the unordered nature of a "recently
// seen" filter.
func (p *Player) rememberIdentifier(id string) {
	if id == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.previousIDs.Size() >= previousIdentifiersCap && !p.previousIDs.Contains(id) {
		for _, v := range p.previousIDs.Values() {
			p.previousIDs.Remove(v)
			break
		}
	}
	p.previousIDs.Add(id)
}

func (p *Player) previousIdentifiersSnapshot() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	vals := p.previousIDs.Values()
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Destroy is the one-shot lifecycle terminator (§4.7).
func (p *Player) Destroy(args DestroyArgs) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	current := p.current
	if !args.PreserveTracks {
		p.current = nil
	}
	if !args.PreserveMessage {
		p.nowPlayingMsg = ""
	}
	if !args.PreserveReconnecting {
		p.reconnecting = false
	}
	preserveClient := args.PreserveClient
	p.mu.Unlock()

	p.stopWatchdog()

	if !args.PreserveTracks {
		p.queue.Clear()
		p.previous.clear()
		current.dispose()
		p.mu.Lock()
		p.autoplaySeed.dispose()
		p.autoplaySeed = nil
		p.mu.Unlock()
	}
	if !preserveClient {
		p.mu.Lock()
		p.dataStore = make(map[string]any)
		p.mu.Unlock()
		_ = p.Disconnect()
	}
	if !args.SkipRemote {
		if n := p.node(); n != nil {
			_ = n.Rest.DestroyPlayer(p.GuildID)
		}
	}
	p.emit(EventPlayerDestroy, p)
	return nil
}

func boolPtr(v bool) *bool { return &v }

func (p *Player) startWatchdog() {
	p.mu.Lock()
	p.watchdogStop = make(chan struct{})
	stop := p.watchdogStop
	p.mu.Unlock()
	go p.watchdogLoop(stop)
}

func (p *Player) stopWatchdog() {
	p.mu.Lock()
	stop := p.watchdogStop
	p.watchdogStop = nil
	p.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// handleNodeEvent dispatches a worker `event` frame per §4.7.
func (p *Player) handleNodeEvent(ev eventPayload) {
	switch ev.Type {
	case wireEventTrackStart:
		p.handleTrackStart()
	case wireEventTrackEnd:
		p.handleTrackEnd(ev.Reason)
	case wireEventTrackException:
		msg := ""
		if ev.Exception != nil {
			msg = ev.Exception.Message
		}
		p.handleTrackError(msg)
	case wireEventTrackStuck:
		p.handleTrackStuck(ev.ThresholdMs)
	case wireEventWebSocketClosed:
		p.SocketClosed(ev.Code, "", ev.ByRemote)
	}
}

func (p *Player) handleTrackStart() {
	cur := p.Current()
	p.emit(EventTrackStart, TrackStartEvent{Player: p, Track: cur})
}

func (p *Player) handleTrackError(msg string) {
	cur := p.Current()
	_, _ = p.Stop()
	p.emit(EventTrackException, TrackExceptionEvent{Player: p, Track: cur, Message: msg})
}

func (p *Player) handleTrackStuck(thresholdMs int64) {
	cur := p.Current()
	_, _ = p.Stop()
	p.emit(EventTrackStuck, TrackStuckEvent{Player: p, Track: cur, Threshold: thresholdMs})
}

// handleTrackEnd implements the §4.7 trackEnd reaction table.
func (p *Player) handleTrackEnd(reason TrackEndReason) {
	ended := p.Current()
	if ended != nil {
		p.previous.push(ended)
		p.rememberIdentifier(ended.Identifier)
	}

	if reason == ReasonLoadFailed || reason == ReasonCleanup {
		if p.queue.Size() == 0 {
			p.clearOnQueueEnd()
			p.emit(EventQueueEnd, QueueEndEvent{Player: p})
			return
		}
		p.emit(EventTrackEnd, TrackEndEvent{Player: p, Track: ended, Reason: reason})
		_, _ = p.Play(PlayArgs{})
		return
	}

	if reason == ReasonFinished {
		switch p.Loop() {
		case LoopTrack:
			if ended != nil {
				p.queue.pushFront(ended.Clone())
			}
		case LoopQueue:
			if ended != nil {
				p.queue.Enqueue(ended.Clone())
			}
		}
	}

	if p.queue.Size() > 0 {
		p.emit(EventTrackEnd, TrackEndEvent{Player: p, Track: ended, Reason: reason})
		_, _ = p.Play(PlayArgs{})
		return
	}

	if p.AutoplayEnabled() && reason != ReasonReplaced && ended != nil {
		if err := p.tryAutoplay(ended); err != nil {
			p.emit(EventAutoplayFailed, AutoplayFailedEvent{Player: p, Err: err})
			p.finishWithoutQueue()
		}
		return
	}

	p.emit(EventTrackEnd, TrackEndEvent{Player: p, Track: ended, Reason: reason})
	p.finishWithoutQueue()
}

func (p *Player) clearOnQueueEnd() {
	p.mu.Lock()
	p.current = nil
	p.playing = false
	p.paused = false
	p.position = 0
	p.mu.Unlock()
}

func (p *Player) finishWithoutQueue() {
	p.clearOnQueueEnd()
	if p.orch.options().LeaveOnEnd {
		_ = p.Destroy(DestroyArgs{})
	}
}

// tryAutoplay derives and plays a candidate track from seed's source, up
// to autoplayMax attempts (§4.7).
func (p *Player) tryAutoplay(seed *Track) error {
	p.setAutoplaySeed(seed)
	p.mu.Lock()
	p.autoplayTries++
	tries := p.autoplayTries
	p.mu.Unlock()
	if tries > autoplayMax {
		p.mu.Lock()
		p.autoplayTries = 0
		p.mu.Unlock()
		return fmt.Errorf("aqualink: autoplay exhausted %d attempts", autoplayMax)
	}
	resolver := p.orch.autoplayResolverFor(seed)
	if resolver == nil {
		p.mu.Lock()
		p.autoplayTries = 0
		p.mu.Unlock()
		return fmt.Errorf("aqualink: no autoplay resolver for source %q", seed.SourceName)
	}
	candidate, err := resolver(seed, p.previousIdentifiersSnapshot())
	if err != nil || candidate == nil {
		return p.tryAutoplay(seed)
	}
	p.mu.Lock()
	p.autoplayTries = 0
	p.mu.Unlock()
	_, err = p.Play(PlayArgs{Track: candidate})
	return err
}

// SocketClosed implements the §4.7 close-code reaction table.
func (p *Player) SocketClosed(code int, reason string, byRemote bool) {
	p.emit(EventSocketClosed, SocketClosedEvent{Player: p, Code: code, Reason: reason, ByRemote: byRemote})
	switch code {
	case 4022:
		_ = p.Destroy(DestroyArgs{})
	case 4015:
		if p.conn.AttemptResume() {
			return
		}
	case 4014, 4009, 4006:
		p.beginReconnectionSequence()
	}
}
