package aqualink

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// nodeState is the Node lifecycle state (§4.8).
type nodeState int

const (
	nodeIdle nodeState = iota
	nodeConnecting
	nodeReady
	nodeReconnecting
	nodeDestroyed
)

// backoffMultiplier, jitterMax, and maxBackoff implement the §4.8 formula:
// base := reconnectTimeout * backoffMultiplier^min(attempt,10);
// jitter := U[0, min(jitterMax, base*0.2)]; delay := min(base+jitter, maxBackoff).
const (
	backoffMultiplier = 1.8
	jitterMax         = 2 * time.Second
	maxBackoff        = 60 * time.Second
	infiniteBackoff   = 10 * time.Second
	nodeInfoTimeout   = 10 * time.Second
)

// fatalCloseCodes never trigger a reconnect; the Node is destroyed
// outright (§4.8).
var fatalCloseCodes = map[int]bool{
	4003: true, 4004: true, 4010: true, 4011: true, 4012: true, 4015: true,
}

// NodeStats is the last-merged `stats` frame (§4.8: "missing keys keep
// previous values", so merge only overwrites fields present in the frame).
type NodeStats struct {
	Players        int
	PlayingPlayers int
	Uptime         int64
	MemFree        int64
	MemUsed        int64
	MemAllocated   int64
	MemReservable  int64
	Cores          int
	SystemLoad     float64
	LavalinkLoad   float64
}

// Node is one worker connection: WebSocket control plane plus REST client
// (C8).
type Node struct {
	Name   string
	Config *NodeConfig
	Rest   *RestClient
	orch   *Orchestrator
	log    *zap.Logger
	ws     *socket

	mu                sync.RWMutex
	state             nodeState
	sessionID         string
	resumed           bool
	reconnectAttempts int
	stats             NodeStats
	restCalls         int64
	lastLoadScore     float64
	lastLoadScoreAt   time.Time

	destroyed bool
}

func newNode(orch *Orchestrator, cfg *NodeConfig) *Node {
	log := orch.log.With(zap.String("node", cfg.Name))
	n := &Node{
		Name:   cfg.Name,
		Config: cfg,
		orch:   orch,
		log:    log,
	}
	n.Rest = NewRestClient(cfg.httpEndpoint(), cfg, orch.clientID, log)
	n.Rest.OnRequest(n.incRestCalls)
	n.ws = newSocket(cfg.socketEndpoint(), cfg.BufferSize, log)
	n.ws.OnMessage = n.handleMessage
	n.ws.OnClose = n.handleClose
	n.ws.OnError = func(err error) {
		n.orch.bus.emit(EventNodeError, NodeErrorEvent{Node: n, Err: err})
	}
	return n
}

// connect opens the worker WebSocket and marks the Node ready once the
// handshake succeeds (§4.8); the worker's READY op is handled later, and
// asynchronously, by handleReady.
func (n *Node) connect(ctx context.Context) error {
	n.mu.Lock()
	n.state = nodeConnecting
	sid := n.sessionID
	n.mu.Unlock()

	headers := http.Header{}
	headers.Set("Authorization", n.Config.Password)
	headers.Set("User-Id", n.orch.clientID)
	headers.Set("Client-Name", "aqualink/1.0")
	if sid != "" {
		headers.Set("Session-Id", sid)
	}

	if err := n.ws.connect(ctx, headers); err != nil {
		return err
	}

	n.mu.Lock()
	n.state = nodeReady
	n.mu.Unlock()
	n.orch.bus.emit(EventNodeConnect, NodeConnectEvent{Node: n})

	infoCtx, cancel := context.WithTimeout(context.Background(), nodeInfoTimeout)
	go func() {
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = n.Rest.Info()
		}()
		select {
		case <-done:
		case <-infoCtx.Done():
			n.log.Warn("worker /info request timed out")
		}
	}()
	return nil
}

func (n *Node) handleMessage(data []byte) {
	var base basePayload
	if err := json.Unmarshal(data, &base); err != nil {
		n.log.Debug("malformed worker frame", zap.Error(err))
		return
	}
	switch base.Op {
	case OpStats:
		n.handleStats(data)
	case OpReady:
		n.handleReady(data)
	case OpPlayerUpdate:
		n.handlePlayerUpdate(base.GuildID, data)
	case OpEvent:
		n.handleEvent(base.GuildID, data)
	default:
		n.handleOther(string(base.Op), base.GuildID, data)
	}
}

func (n *Node) handleStats(data []byte) {
	var s statsPayload
	if err := json.Unmarshal(data, &s); err != nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if s.Players != nil {
		n.stats.Players = *s.Players
	}
	if s.PlayingPlayers != nil {
		n.stats.PlayingPlayers = *s.PlayingPlayers
	}
	if s.Uptime != nil {
		n.stats.Uptime = *s.Uptime
	}
	if s.Memory != nil {
		if s.Memory.Free != nil {
			n.stats.MemFree = *s.Memory.Free
		}
		if s.Memory.Used != nil {
			n.stats.MemUsed = *s.Memory.Used
		}
		if s.Memory.Allocated != nil {
			n.stats.MemAllocated = *s.Memory.Allocated
		}
		if s.Memory.Reservable != nil {
			n.stats.MemReservable = *s.Memory.Reservable
		}
	}
	if s.CPU != nil {
		if s.CPU.Cores != nil {
			n.stats.Cores = *s.CPU.Cores
		}
		if s.CPU.SystemLoad != nil {
			n.stats.SystemLoad = *s.CPU.SystemLoad
		}
		if s.CPU.LavalinkLoad != nil {
			n.stats.LavalinkLoad = *s.CPU.LavalinkLoad
		}
	}
}

func (n *Node) handleReady(data []byte) {
	var r readyPayload
	if err := json.Unmarshal(data, &r); err != nil {
		return
	}
	n.mu.Lock()
	prevSession := n.sessionID
	n.sessionID = r.SessionID
	n.resumed = r.Resumed
	n.reconnectAttempts = 0
	n.mu.Unlock()

	n.Rest.SetSessionID(r.SessionID)
	n.orch.bus.emit(EventNodeReady, NodeReadyEvent{Node: n, Resumed: r.Resumed})

	if !r.Resumed && prevSession != "" && prevSession != r.SessionID {
		n.orch.destroyPlayersOnNode(n)
	}

	if n.orch.options().AutoResume {
		go func() {
			_ = n.Rest.EnableResuming(n.Config.ResumeTimeoutSeconds)
			n.orch.rebuildBrokenPlayersOn(n)
		}()
	} else {
		n.orch.rebuildBrokenPlayersOn(n)
	}
}

func (n *Node) handlePlayerUpdate(guildID string, data []byte) {
	var p playerUpdatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	player := n.orch.lookupPlayer(guildID)
	if player == nil {
		return
	}
	player.mu.Lock()
	player.position = time.Duration(p.State.Position) * time.Millisecond
	player.mu.Unlock()
	player.emit(EventPlayerUpdate, PlayerUpdateEvent{
		Player:    player,
		Position:  p.State.Position,
		Connected: p.State.Connected,
		Ping:      p.State.Ping,
	})
}

func (n *Node) handleEvent(guildID string, data []byte) {
	var ev eventPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	if strings.HasPrefix(string(ev.Type), "Lyrics") {
		n.handleLyrics(guildID, ev.Type, data)
		return
	}
	player := n.orch.lookupPlayer(guildID)
	if player == nil {
		return
	}
	player.handleNodeEvent(ev)
}

func (n *Node) handleLyrics(guildID string, t EventType, data []byte) {
	player := n.orch.lookupPlayer(guildID)
	var track *Track
	if player != nil {
		track = player.Current()
	}
	n.orch.bus.emit(EventLyrics, LyricsEvent{Player: player, Track: track, Type: t, Payload: data})
}

func (n *Node) handleOther(op, guildID string, data []byte) {
	n.log.Debug("custom worker op", zap.String("op", op), zap.String("guild", guildID))
	n.orch.bus.emit(EventCustomOp, CustomOpEvent{Node: n, Op: op, Payload: data})
}

// handleClose implements the §4.8 close-code reaction table.
func (n *Node) handleClose(code int, reason string) {
	n.orch.bus.emit(EventNodeDisconnect, NodeDisconnectEvent{Node: n, Code: code, Reason: reason})
	n.orch.captureBrokenPlayersOn(n)

	n.mu.Lock()
	destroyed := n.destroyed
	infinite := n.Config.InfiniteReconnects
	n.mu.Unlock()
	if destroyed {
		return
	}

	if fatalCloseCodes[code] {
		if code == 4011 {
			n.Rest.ClearSessionID()
			n.mu.Lock()
			n.sessionID = ""
			n.mu.Unlock()
		}
		n.destroy()
		n.orch.beginFailover(n)
		return
	}

	if code == 1000 && !infinite {
		n.destroy()
		n.orch.beginFailover(n)
		return
	}

	if code != 1001 {
		n.Rest.ClearSessionID()
	}
	n.scheduleReconnect()
}

func (n *Node) scheduleReconnect() {
	n.mu.Lock()
	n.state = nodeReconnecting
	n.reconnectAttempts++
	attempt := n.reconnectAttempts
	infinite := n.Config.InfiniteReconnects
	tries := n.Config.ReconnectTries
	timeout := n.Config.ReconnectTimeout
	n.mu.Unlock()

	if !infinite && attempt > tries {
		n.destroy()
		n.orch.beginFailover(n)
		return
	}

	var delay time.Duration
	if infinite {
		delay = infiniteBackoff
	} else {
		exp := attempt
		if exp > 10 {
			exp = 10
		}
		base := time.Duration(float64(timeout) * intPow(backoffMultiplier, exp))
		jitterCap := jitterMax
		if cap2 := time.Duration(float64(base) * 0.2); cap2 < jitterCap {
			jitterCap = cap2
		}
		var jitter time.Duration
		if jitterCap > 0 {
			jitter = time.Duration(rand.Int63n(int64(jitterCap)))
		}
		delay = base + jitter
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}

	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.Config.Timeout)
		defer cancel()
		if err := n.connect(ctx); err != nil {
			n.handleClose(0, err.Error())
		}
	})
}

// intPow computes base^exp for small non-negative integer exponents,
// avoiding a math.Pow import for a formula that only ever runs with
// exp in [0,10] (§4.8 backoff).
func intPow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// destroy tears down the Node's transport. Its Players are handled by the
// Orchestrator's failover path, not here.
func (n *Node) destroy() {
	n.mu.Lock()
	if n.destroyed {
		n.mu.Unlock()
		return
	}
	n.destroyed = true
	n.state = nodeDestroyed
	n.mu.Unlock()
	_ = n.ws.close()
}

func (n *Node) isConnected() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state == nodeReady && n.ws.isConnected()
}

// Stats returns the last-merged worker stats snapshot.
func (n *Node) Stats() NodeStats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stats
}

func (n *Node) incRestCalls() {
	n.mu.Lock()
	n.restCalls++
	n.mu.Unlock()
}

// loadScore computes the §4.9.3 `leastLoad` composite, memoized for 5 s.
func (n *Node) loadScore() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if time.Since(n.lastLoadScoreAt) < 5*time.Second {
		return n.lastLoadScore
	}
	s := n.stats
	cores := float64(s.Cores)
	if cores == 0 {
		cores = 1
	}
	memRatio := 0.0
	if s.MemReservable > 0 {
		memRatio = float64(s.MemUsed) / float64(s.MemReservable)
	}
	score := 100*s.SystemLoad/cores + 0.75*float64(s.PlayingPlayers) + 40*memRatio + 0.001*float64(n.restCalls)
	n.lastLoadScore = score
	n.lastLoadScoreAt = time.Now()
	return score
}

func (n *Node) restCallCount() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.restCalls
}

func (n *Node) regions() []string { return n.Config.Regions }

// SessionID returns the worker-issued session id currently held, if any.
func (n *Node) SessionID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sessionID
}

// SetResumeSessionID seeds the session id a Node presents on its next
// connect, used by persistence load to request resumption of a session
// saved before a restart (§4.9.8).
func (n *Node) SetResumeSessionID(sid string) {
	n.mu.Lock()
	n.sessionID = sid
	n.mu.Unlock()
}

func (n *Node) String() string {
	return fmt.Sprintf("Node(%s)", n.Name)
}
