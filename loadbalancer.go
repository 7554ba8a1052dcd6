package aqualink

import (
	"math/rand"
	"sort"
	"time"
)

// nodeCacheTTL is the §4.9.3 load-balancer cache validity window.
const nodeCacheTTL = 12 * time.Second

// sortedNodes returns connected nodes ordered per the configured
// LoadBalancerPolicy, refreshing the 12 s cache when stale.
func (o *Orchestrator) sortedNodes() []*Node {
	o.mu.Lock()
	if time.Since(o.nodeCacheAt) < nodeCacheTTL && o.nodeCache != nil {
		cached := o.nodeCache
		o.mu.Unlock()
		return cached
	}
	o.mu.Unlock()

	nodes := o.connectedNodes()
	policy := o.options().LoadBalancer
	switch policy {
	case LoadBalancerLeastRest:
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].restCallCount() < nodes[j].restCallCount() })
	case LoadBalancerRandom:
		rand.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })
	default: // LoadBalancerLeastLoad
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].loadScore() < nodes[j].loadScore() })
	}

	o.mu.Lock()
	o.nodeCache = nodes
	o.nodeCacheAt = time.Now()
	o.mu.Unlock()
	return nodes
}

// chooseNode picks a Node for a fresh Player, preferring a region match
// when one is supplied and matches affect at least one connected Node.
func (o *Orchestrator) chooseNode(region string) (*Node, error) {
	if region != "" {
		if n := o.findBestNodeForRegion(region); n != nil {
			return n, nil
		}
	}
	nodes := o.sortedNodes()
	if len(nodes) == 0 {
		return nil, ErrNoConnectedNodes
	}
	return nodes[0], nil
}

// fetchRegion returns connected nodes whose configured regions include r,
// sorted ascending by load (§4.9.4).
func (o *Orchestrator) fetchRegion(r string) []*Node {
	var out []*Node
	for _, n := range o.connectedNodes() {
		for _, reg := range n.regions() {
			if reg == r {
				out = append(out, n)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].loadScore() < out[j].loadScore() })
	return out
}

func (o *Orchestrator) findBestNodeForRegion(r string) *Node {
	matches := o.fetchRegion(r)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

// maybeRegionMigrate implements the §4.9.4 auto-region-migrate check. When
// enabled and the observed region doesn't match the Player's current
// Node's regions, it schedules a migration on a fresh goroutine ("defers
// one microtask") and returns true so the caller skips its own voice
// update — the new Connection handles that once migration completes.
func (o *Orchestrator) maybeRegionMigrate(p *Player, region string) bool {
	if !o.options().AutoRegionMigrate || region == "" || region == "unknown" {
		return false
	}
	node := p.node()
	if node == nil {
		return false
	}
	for _, reg := range node.regions() {
		if reg == region {
			return false
		}
	}
	target := o.findBestNodeForRegion(region)
	if target == nil || target == node {
		return false
	}
	go o.movePlayerToNode(p.GuildID, target, "region")
	return true
}
