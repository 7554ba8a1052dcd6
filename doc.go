// Package aqualink federates a bot process to one or more Lavalink-compatible
// worker nodes and bridges them to per-guild voice sessions delivered over a
// Discord-style gateway.
//
// The package owns the distributed player runtime: per-guild Connection state
// machines that reconcile voice credentials with the gateway, a Node type
// that holds the WebSocket control plane to each worker, a Player aggregate
// that issues idempotent REST updates, and an Orchestrator that registers
// Nodes and Players, load-balances placement, and fails players over between
// workers.
package aqualink
