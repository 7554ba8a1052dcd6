package aqualink

import (
	"strconv"
	"time"
)

// LoadBalancerPolicy selects how the Orchestrator ranks connected Nodes for
// new placements (§4.9.3).
type LoadBalancerPolicy string

const (
	LoadBalancerLeastLoad LoadBalancerPolicy = "leastLoad"
	LoadBalancerLeastRest LoadBalancerPolicy = "leastRest"
	LoadBalancerRandom    LoadBalancerPolicy = "random"
)

// NodeConfig configures one worker connection, generalizing the teacher's
// Config (config.go) to the v4 protocol and to resty/zap-backed transports.
type NodeConfig struct {
	// Name identifies this Node in the Orchestrator's registry.
	Name string
	// Host/Port/SSL address the worker's WebSocket and REST endpoints.
	Host string
	Port int
	SSL  bool
	// Password is the static Authorization header value.
	Password string
	// Regions is this Node's affinity list of 3-letter region codes
	// (§4.9.4).
	Regions []string
	// BufferSize is the WebSocket read/write buffer size.
	BufferSize int
	// Timeout bounds REST requests and the WebSocket handshake (§5).
	Timeout time.Duration
	// ReconnectTries caps Node reconnect attempts before it is destroyed
	// (§4.8); ignored when InfiniteReconnects is set.
	ReconnectTries int
	// ReconnectTimeout is the base backoff unit (§4.8).
	ReconnectTimeout time.Duration
	// InfiniteReconnects never gives up on Node reconnection.
	InfiniteReconnects bool
	// UseHTTP2 prefers HTTP/2 for REST bodies at or above HTTP2Threshold.
	UseHTTP2 bool
	// ResumeTimeoutSeconds is the worker-side session resumption window
	// requested via EnableResuming, when AutoResume is on.
	ResumeTimeoutSeconds int
}

// NewNodeConfig returns a NodeConfig with the teacher's defaults
// generalized to v4 (NewConfig in the teacher's config.go).
func NewNodeConfig(name, host string, port int) *NodeConfig {
	return &NodeConfig{
		Name:                 name,
		Host:                 host,
		Port:                 port,
		SSL:                  false,
		Password:             "youshallnotpass",
		BufferSize:           1024,
		Timeout:              15 * time.Second,
		ReconnectTries:       3,
		ReconnectTimeout:     2 * time.Second,
		UseHTTP2:             false,
		ResumeTimeoutSeconds: 60,
	}
}

func (c *NodeConfig) socketEndpoint() string {
	scheme := "ws"
	if c.SSL {
		scheme = "wss"
	}
	return scheme + "://" + c.Host + ":" + strconv.Itoa(c.Port) + "/v4/websocket"
}

func (c *NodeConfig) httpEndpoint() string {
	scheme := "http"
	if c.SSL {
		scheme = "https"
	}
	return scheme + "://" + c.Host + ":" + strconv.Itoa(c.Port)
}

// FailoverOptions tunes the §4.9.5 worker-failover engine.
type FailoverOptions struct {
	CooldownTime         time.Duration
	MaxFailoverAttempts  int
	MaxConcurrentOps     int
	PreservePosition     bool
}

// Options configures an Orchestrator instance (§6's configuration table).
type Options struct {
	ShouldDeleteMessage   bool
	DefaultSearchPlatform string
	LeaveOnEnd            bool
	RestVersion           string
	AutoResume            bool
	InfiniteReconnects    bool
	LoadBalancer          LoadBalancerPolicy
	UseHTTP2              bool
	AutoRegionMigrate     bool
	Failover              FailoverOptions
	MaxQueueSave          int
	MaxTracksRestore      int
	DebugTrace            bool
	TraceMaxEntries       int
	PersistencePath       string

	// Plugins are optional loaders invoked once at Orchestrator.Init
	// (§6 "plugins"). Plugin behavior itself — what a loader actually
	// does — is an external collaborator (spec.md §1 Out of scope); this
	// is only the hook surface for registering one.
	Plugins []func(*Orchestrator) error

	// TraceSink, when set, additionally receives every entry recorded into
	// the DebugTrace ring buffer (§6 "traceSink"), e.g. to forward traces to
	// an external log/metrics sink instead of only keeping them in memory.
	TraceSink func(traceEntry)
}

// NewOptions returns sensible defaults for every §6 option.
func NewOptions() *Options {
	return &Options{
		DefaultSearchPlatform: "ytsearch",
		RestVersion:           "v4",
		LoadBalancer:          LoadBalancerLeastLoad,
		Failover: FailoverOptions{
			CooldownTime:        5 * time.Second,
			MaxFailoverAttempts: 5,
			MaxConcurrentOps:    10,
			PreservePosition:    true,
		},
		MaxQueueSave:     100,
		MaxTracksRestore: 20,
		TraceMaxEntries:  3000,
		PersistencePath:  "AquaPlayers.jsonl",
	}
}
