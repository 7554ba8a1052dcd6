package aqualink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// nodeTimeout bounds Orchestrator.Init's wait for every configured Node to
// reach READY (§5).
const nodeTimeout = 30 * time.Second

// SendFunc delivers an opaque voice-join packet to the host gateway (§6
// output). Implementations typically wrap a discordgo.Session.GatewayWriteStruct
// or an equivalent shard send.
type SendFunc func(guildID string, packet []byte) error

// VoiceServerUpdate is the VOICE_SERVER_UPDATE gateway event (§6 input).
type VoiceServerUpdate struct {
	GuildID  string
	Token    string
	Endpoint string
}

// VoiceStateUpdate is the VOICE_STATE_UPDATE gateway event (§6 input).
type VoiceStateUpdate struct {
	GuildID    string
	UserID     string
	ChannelID  string
	HasChannel bool
	SessionID  string
	SelfDeaf   bool
	SelfMute   bool
}

// brokenPlayerEntry captures enough state to rebuild a Player after its
// Node reconnects (§4.9.6).
type brokenPlayerEntry struct {
	originalNodeName string
	brokenAt         time.Time
	snapshot         *playerSnapshot
}

// brokenPlayerTTL bounds how long a captured entry is eligible for rebuild
// (§4.9.6 BROKEN_PLAYER_TTL=300s).
const brokenPlayerTTL = 300 * time.Second

// Orchestrator is the top-level registry, load balancer, and failover
// engine (C9, "Aqua" in spec.md's glossary).
type Orchestrator struct {
	clientID string
	send     SendFunc

	mu      sync.RWMutex
	opts    *Options
	log     *zap.Logger
	bus     *eventBus
	nodes   map[string]*Node
	players map[string]*Player

	brokenPlayers map[string]*brokenPlayerEntry
	rebuildLocks  map[string]*sync.Mutex

	autoplayResolvers map[string]AutoplayResolver

	nodeCache     []*Node
	nodeCacheAt   time.Time

	failoverCooldown map[string]time.Time
	failoverAttempts map[string]int
	migrationSem     chan struct{}

	trace *traceBuffer
}

// NewOrchestrator constructs an Orchestrator. clientID is the bot/user id
// stamped onto every worker request and used to filter VOICE_STATE_UPDATE
// packets not about this client (§4.9.2). log may be nil (defaults to a
// no-op logger).
func NewOrchestrator(clientID string, configs []*NodeConfig, opts *Options, send SendFunc, log *zap.Logger) *Orchestrator {
	if opts == nil {
		opts = NewOptions()
	}
	if log == nil {
		log = zap.NewNop()
	}
	o := &Orchestrator{
		clientID:          clientID,
		send:              send,
		opts:              opts,
		log:               log,
		bus:               newEventBus(),
		nodes:             make(map[string]*Node),
		players:           make(map[string]*Player),
		brokenPlayers:     make(map[string]*brokenPlayerEntry),
		rebuildLocks:      make(map[string]*sync.Mutex),
		autoplayResolvers: make(map[string]AutoplayResolver),
		failoverCooldown:  make(map[string]time.Time),
		failoverAttempts:  make(map[string]int),
		migrationSem:      make(chan struct{}, opts.Failover.MaxConcurrentOps),
	}
	if opts.DebugTrace {
		o.trace = newTraceBuffer(opts.TraceMaxEntries, opts.TraceSink)
		o.bus.OnAny(func(e Event) { o.trace.record(e) })
	}
	for _, cfg := range configs {
		o.nodes[cfg.Name] = newNode(o, cfg)
	}
	return o
}

// On registers a listener for one event type (§7 propagation policy).
func (o *Orchestrator) On(t BusEventType, fn func(Event)) { o.bus.On(t, fn) }

// OnAny registers a listener invoked for every event.
func (o *Orchestrator) OnAny(fn func(Event)) { o.bus.OnAny(fn) }

// RegisterAutoplayResolver binds a resolver to a track source name
// ("youtube", "soundcloud", ...), consulted by Player.tryAutoplay.
func (o *Orchestrator) RegisterAutoplayResolver(sourceName string, resolver AutoplayResolver) {
	o.mu.Lock()
	o.autoplayResolvers[sourceName] = resolver
	o.mu.Unlock()
}

func (o *Orchestrator) autoplayResolverFor(seed *Track) AutoplayResolver {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.autoplayResolvers[seed.SourceName]
}

func (o *Orchestrator) options() *Options {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.opts
}

// Init connects every configured Node and waits up to nodeTimeout for each
// to report back (§5's NODE_TIMEOUT=30s), optionally loading persisted
// players once all nodes settle (§4.9.8).
func (o *Orchestrator) Init() error {
	o.mu.RLock()
	plugins := o.opts.Plugins
	o.mu.RUnlock()
	for _, load := range plugins {
		if err := load(o); err != nil {
			return fmt.Errorf("aqualink: plugin init: %w", err)
		}
	}

	o.mu.RLock()
	nodes := make([]*Node, 0, len(o.nodes))
	for _, n := range o.nodes {
		nodes = append(nodes, n)
	}
	path := o.opts.PersistencePath
	o.mu.RUnlock()

	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), nodeTimeout)
			defer cancel()
			if err := n.connect(ctx); err != nil {
				o.log.Warn("node connect failed", zap.String("node", n.Name), zap.Error(err))
				o.bus.emit(EventNodeError, NodeErrorEvent{Node: n, Err: err})
			}
		}(n)
	}
	wg.Wait()

	if path != "" {
		if err := o.LoadPersisted(path); err != nil {
			o.log.Warn("persistence load failed", zap.Error(err))
		}
	}
	return nil
}

// AddNode registers and connects an additional worker at runtime.
func (o *Orchestrator) AddNode(cfg *NodeConfig) error {
	n := newNode(o, cfg)
	o.mu.Lock()
	o.nodes[cfg.Name] = n
	o.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), nodeTimeout)
	defer cancel()
	return n.connect(ctx)
}

// RemoveNode destroys and deregisters a worker, failing its Players over.
func (o *Orchestrator) RemoveNode(name string) {
	o.mu.Lock()
	n, ok := o.nodes[name]
	if ok {
		delete(o.nodes, name)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	n.destroy()
	o.beginFailover(n)
}

func (o *Orchestrator) lookupPlayer(guildID string) *Player {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.players[guildID]
}

// Get returns the Player for guildID, or ErrGuildNotFound (§4.9.1).
func (o *Orchestrator) Get(guildID string) (*Player, error) {
	p := o.lookupPlayer(guildID)
	if p == nil {
		return nil, ErrGuildNotFound
	}
	return p, nil
}

// CreateConnectionArgs configures Orchestrator.CreateConnection.
type CreateConnectionArgs struct {
	GuildID        string
	VoiceChannelID string
	TextChannelID  string
	Deaf           bool
	Mute           bool
	Region         string
}

// CreateConnection returns the existing Player for the guild — reconnecting
// it if the requested voice channel changed — or creates one on the
// best-chosen Node (§4.9.1).
func (o *Orchestrator) CreateConnection(args CreateConnectionArgs) (*Player, error) {
	if existing := o.lookupPlayer(args.GuildID); existing != nil {
		if args.VoiceChannelID != "" && existing.VoiceChannelID() != args.VoiceChannelID {
			_, err := existing.Connect(ConnectArgs{VoiceChannelID: args.VoiceChannelID, Deaf: args.Deaf, Mute: args.Mute})
			return existing, err
		}
		return existing, nil
	}
	node, err := o.chooseNode(args.Region)
	if err != nil {
		return nil, err
	}
	return o.createPlayer(node, args)
}

func (o *Orchestrator) createPlayer(node *Node, args CreateConnectionArgs) (*Player, error) {
	p := newPlayer(o, node, args.GuildID)
	if args.TextChannelID != "" {
		_, _ = p.SetTextChannel(args.TextChannelID)
	}
	o.mu.Lock()
	o.players[args.GuildID] = p
	o.mu.Unlock()

	if args.VoiceChannelID != "" {
		if _, err := p.Connect(ConnectArgs{VoiceChannelID: args.VoiceChannelID, Deaf: args.Deaf, Mute: args.Mute}); err != nil {
			return p, err
		}
	}
	return p, nil
}

// DestroyPlayer removes guildID from the registry before calling
// Player.destroy, per §4.9.1 ("removes from map before calling destroy to
// prevent re-entry").
func (o *Orchestrator) DestroyPlayer(guildID string, args DestroyArgs) error {
	o.mu.Lock()
	p, ok := o.players[guildID]
	if ok {
		delete(o.players, guildID)
	}
	o.mu.Unlock()
	if !ok {
		return ErrGuildNotFound
	}
	return p.Destroy(args)
}

// destroyPlayerBestEffort is Connection's lower-privilege teardown path —
// it does not propagate an error since the caller is reacting to a
// Connection state-machine event, not a user request.
func (o *Orchestrator) destroyPlayerBestEffort(guildID string) {
	_ = o.DestroyPlayer(guildID, DestroyArgs{})
}

// destroyPlayersOnNode destroys every Player owned by n (§4.8 "session
// invalidation side-effect").
func (o *Orchestrator) destroyPlayersOnNode(n *Node) {
	o.mu.RLock()
	affected := make([]*Player, 0)
	for guild, p := range o.players {
		if p.node() == n {
			affected = append(affected, p)
			_ = guild
		}
	}
	o.mu.RUnlock()
	for _, p := range affected {
		_ = o.DestroyPlayer(p.GuildID, DestroyArgs{})
	}
}

// sendVoiceJoin emits the opaque `{op:4,...}` voice-join packet via the
// caller-provided send callback (§6 output).
func (o *Orchestrator) sendVoiceJoin(guildID string, channelID *string, deaf, mute bool) error {
	if o.send == nil {
		return errors.New("aqualink: no SendFunc configured")
	}
	packet := voiceJoinPacket{Op: 4, D: voiceJoinData{GuildID: guildID, ChannelID: channelID, SelfDeaf: deaf, SelfMute: mute}}
	data, err := marshalVoiceJoin(packet)
	if err != nil {
		return err
	}
	return o.send(guildID, data)
}

// requestVoiceStateResend re-sends the current voice-join packet, used by
// Connection when it needs fresh gateway credentials (§4.6).
func (o *Orchestrator) requestVoiceStateResend(guildID, voiceChannelID string) {
	if voiceChannelID == "" {
		return
	}
	channelID := voiceChannelID
	p := o.lookupPlayer(guildID)
	deaf, mute := false, false
	if p != nil {
		p.mu.RLock()
		deaf, mute = p.deaf, p.mute
		p.mu.RUnlock()
	}
	_ = o.sendVoiceJoin(guildID, &channelID, deaf, mute)
}

// UpdateVoiceState is the sole entry point for host gateway voice packets
// (§4.9.2, §6).
func (o *Orchestrator) UpdateVoiceState(server *VoiceServerUpdate, state *VoiceStateUpdate) {
	var guildID string
	if server != nil {
		guildID = server.GuildID
	} else if state != nil {
		guildID = state.GuildID
	} else {
		return
	}
	p := o.lookupPlayer(guildID)
	if p == nil {
		return
	}
	if state != nil {
		if state.UserID != "" && state.UserID != o.clientID {
			return
		}
		txID := p.conn.nextTxID()
		p.conn.SetStateUpdate(StateUpdate{
			SessionID:  state.SessionID,
			ChannelID:  state.ChannelID,
			HasChannel: state.HasChannel,
			SelfDeaf:   state.SelfDeaf,
			SelfMute:   state.SelfMute,
			UserID:     state.UserID,
			TxID:       txID,
		}, o.clientID)
	}
	if server != nil {
		txID := p.conn.currentTxID()
		p.conn.SetServerUpdate(ServerUpdate{
			Endpoint: server.Endpoint,
			Token:    server.Token,
			TxID:     txID,
		})
	}
}

func (o *Orchestrator) rebuildLockFor(guildID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.rebuildLocks[guildID]
	if !ok {
		l = &sync.Mutex{}
		o.rebuildLocks[guildID] = l
	}
	return l
}

func (o *Orchestrator) connectedNodes() []*Node {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Node, 0, len(o.nodes))
	for _, n := range o.nodes {
		if n.isConnected() {
			out = append(out, n)
		}
	}
	return out
}

func marshalVoiceJoin(p voiceJoinPacket) ([]byte, error) {
	return json.Marshal(p)
}

func (o *Orchestrator) String() string {
	return fmt.Sprintf("Orchestrator(clientID=%s)", o.clientID)
}
