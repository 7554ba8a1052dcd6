package aqualink

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// playerSnapshot captures the §4.9.7 fields needed to recreate a Player on
// a different Node, either for region/failover migration or for
// persistence.
type playerSnapshot struct {
	guildID          string
	textChannelID    string
	voiceChannelID   string
	volume           int
	paused           bool
	positionAdjusted time.Duration
	current          *Track
	queueSnapshot    []*Track
	loop             LoopMode
	deaf             bool
	mute             bool
	connected        bool
}

// captureState snapshots p per §4.9.7. positionAdjusted is the Player's
// last recorded position (from Play, Seek or a worker playerUpdate frame),
// clamped to the track duration while playing and unpaused; wall-clock time
// elapsed since that position was recorded is not added.
func captureState(p *Player) *playerSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos := p.position
	snap := &playerSnapshot{
		guildID:        p.GuildID,
		textChannelID:  p.textChannelID,
		voiceChannelID: p.voiceChannelID,
		volume:         p.volume,
		paused:         p.paused,
		current:        p.current.Clone(),
		queueSnapshot:  p.queue.ToArray(),
		loop:           p.loop,
		deaf:           p.deaf,
		mute:           p.mute,
		connected:      p.voiceChannelID != "" && p.conn.HasValidVoiceData(),
	}
	if p.playing && !p.paused && p.current != nil {
		if p.current.Duration > 0 && pos > p.current.Duration {
			pos = p.current.Duration
		}
	}
	snap.positionAdjusted = pos
	return snap
}

// restoreState re-applies a captured snapshot onto a freshly created
// Player (§4.9.7 Restore). Errors from SetVolume, SetLoop, Seek and Pause
// are ignored; a failed Play is logged and skips the seek and re-pause.
func (o *Orchestrator) restoreState(p *Player, snap *playerSnapshot) {
	_, _ = p.SetVolume(snap.volume)
	_, _ = p.SetLoop(snap.loop)
	for _, t := range snap.queueSnapshot {
		p.queue.Enqueue(t)
	}
	if snap.current == nil || !o.options().Failover.PreservePosition {
		return
	}
	track := snap.current
	pos := snap.positionAdjusted
	paused := snap.paused
	go func() {
		done := make(chan struct{}, 1)
		var once sync.Once
		o.bus.On(EventTrackStart, func(e Event) {
			if evt, ok := e.Data.(TrackStartEvent); ok && evt.Player == p {
				once.Do(func() { done <- struct{}{} })
			}
		})

		if _, err := p.Play(PlayArgs{Track: track}); err != nil {
			o.log.Warn("restore play failed", zap.Error(err))
			return
		}
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
		if pos > 0 {
			_, _ = p.Seek(pos - p.Current().Position)
		}
		if paused {
			_, _ = p.Pause(true)
		}
	}()
}

// movePlayerToNode implements §4.9.5 migration: capture, destroy-preserving,
// recreate, adopt credentials, restore, emit playerMigrated.
func (o *Orchestrator) movePlayerToNode(guildID string, target *Node, reason string) error {
	lock := o.rebuildLockFor(guildID)
	if !lock.TryLock() {
		return ErrMigrationInFlight
	}
	defer lock.Unlock()

	old := o.lookupPlayer(guildID)
	if old == nil {
		return ErrGuildNotFound
	}

	snap := captureState(old)
	sessionID, endpoint, token, valid := old.conn.snapshotCredentials()

	_ = old.Destroy(DestroyArgs{
		PreserveClient:       true,
		SkipRemote:           true,
		PreserveMessage:      true,
		PreserveTracks:       true,
		PreserveReconnecting: true,
	})

	newPlayer, err := o.createPlayer(target, CreateConnectionArgs{
		GuildID:        guildID,
		VoiceChannelID: snap.voiceChannelID,
		TextChannelID:  snap.textChannelID,
		Deaf:           snap.deaf,
		Mute:           snap.mute,
	})
	if err != nil {
		return err
	}

	if valid {
		newPlayer.conn.adoptCredentials(sessionID, endpoint, token)
	}
	o.restoreState(newPlayer, snap)

	o.bus.emit(EventPlayerMigrated, PlayerMigratedEvent{Old: old, New: newPlayer, Target: target, Reason: reason})
	return nil
}

// captureBrokenPlayersOn snapshots every Player on n into brokenPlayers
// (§4.9.6), run when n disconnects.
func (o *Orchestrator) captureBrokenPlayersOn(n *Node) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for guildID, p := range o.players {
		if p.node() != n {
			continue
		}
		o.brokenPlayers[guildID] = &brokenPlayerEntry{
			originalNodeName: n.Name,
			brokenAt:         time.Now(),
			snapshot:         captureState(p),
		}
	}
}

// rebuildBrokenPlayersOn rebuilds every still-eligible broken entry
// belonging to n once it reaches READY again (§4.9.6), bounded by
// MaxConcurrentOps and serialized per-guild by the rebuild lock set.
func (o *Orchestrator) rebuildBrokenPlayersOn(n *Node) {
	o.mu.Lock()
	var guildIDs []string
	now := time.Now()
	for guildID, entry := range o.brokenPlayers {
		if entry.originalNodeName != n.Name {
			continue
		}
		if now.Sub(entry.brokenAt) > brokenPlayerTTL {
			delete(o.brokenPlayers, guildID)
			continue
		}
		guildIDs = append(guildIDs, guildID)
	}
	o.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(o.options().Failover.MaxConcurrentOps)
	for _, guildID := range guildIDs {
		guildID := guildID
		g.Go(func() error {
			o.rebuildOne(guildID, n)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) rebuildOne(guildID string, n *Node) {
	lock := o.rebuildLockFor(guildID)
	lock.Lock()
	defer lock.Unlock()

	o.mu.Lock()
	entry, ok := o.brokenPlayers[guildID]
	if ok {
		delete(o.brokenPlayers, guildID)
	}
	if _, alreadyLive := o.players[guildID]; alreadyLive {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	snap := entry.snapshot
	p, err := o.createPlayer(n, CreateConnectionArgs{
		GuildID:        guildID,
		VoiceChannelID: snap.voiceChannelID,
		TextChannelID:  snap.textChannelID,
		Deaf:           snap.deaf,
		Mute:           snap.mute,
	})
	if err != nil {
		o.log.Warn("broken player rebuild failed", zap.Error(err))
		return
	}
	o.restoreState(p, snap)
}

// beginFailover migrates every Player on a disconnected/destroyed Node to
// a healthy one, respecting the §4.9.5 cooldown and attempt cap.
func (o *Orchestrator) beginFailover(n *Node) {
	o.mu.Lock()
	last, seen := o.failoverCooldown[n.Name]
	cooldown := o.opts.Failover.CooldownTime
	if seen && time.Since(last) < cooldown {
		o.mu.Unlock()
		return
	}
	o.failoverAttempts[n.Name]++
	attempts := o.failoverAttempts[n.Name]
	maxAttempts := o.opts.Failover.MaxConcurrentOps
	if o.opts.Failover.MaxFailoverAttempts > 0 {
		maxAttempts = o.opts.Failover.MaxFailoverAttempts
	}
	o.failoverCooldown[n.Name] = time.Now()
	o.mu.Unlock()

	if attempts > maxAttempts {
		o.log.Warn("node exceeded max failover attempts, leaving players broken", zap.String("node", n.Name))
		return
	}

	o.mu.RLock()
	var affected []string
	for guildID, p := range o.players {
		if p.node() == n {
			affected = append(affected, guildID)
		}
	}
	o.mu.RUnlock()
	if len(affected) == 0 {
		return
	}

	o.bus.emit(EventNodeFailover, NodeFailoverEvent{Node: n})

	var g errgroup.Group
	g.SetLimit(o.opts.Failover.MaxConcurrentOps)
	var ok, failed int32
	for _, guildID := range affected {
		guildID := guildID
		g.Go(func() error {
			target, err := o.chooseNode("")
			if err != nil {
				atomic.AddInt32(&failed, 1)
				return nil
			}
			if err := o.movePlayerToNode(guildID, target, "failover"); err != nil {
				atomic.AddInt32(&failed, 1)
				return nil
			}
			atomic.AddInt32(&ok, 1)
			return nil
		})
	}
	_ = g.Wait()

	o.bus.emit(EventNodeFailoverComplete, NodeFailoverCompleteEvent{Node: n, OK: int(ok), Failed: int(failed)})
}
