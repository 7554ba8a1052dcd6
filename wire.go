package aqualink

// Op is the top-level `op` discriminator on a worker WebSocket frame
// (§6, §8's "dynamic dispatch by op name → tagged variants" design note).
type Op string

const (
	OpStats        Op = "stats"
	OpReady        Op = "ready"
	OpPlayerUpdate Op = "playerUpdate"
	OpEvent        Op = "event"
)

// EventType is the `type` field of an `event` op frame (§4.7). Its members
// are prefixed wire* to stay distinct from the public BusEventType
// constants in events.go, which name the same moments from the caller's
// side of the bus rather than the worker's wire encoding.
type EventType string

const (
	wireEventTrackStart      EventType = "TrackStartEvent"
	wireEventTrackEnd        EventType = "TrackEndEvent"
	wireEventTrackException  EventType = "TrackExceptionEvent"
	wireEventTrackStuck      EventType = "TrackStuckEvent"
	wireEventTrackChange     EventType = "TrackChangeEvent"
	wireEventWebSocketClosed EventType = "WebSocketClosedEvent"
	wireEventLyricsLine      EventType = "LyricsLine"
	wireEventLyricsFound     EventType = "LyricsFound"
	wireEventLyricsNotFound  EventType = "LyricsNotFound"
)

// TrackEndReason is the `reason` field of a TrackEndEvent frame.
type TrackEndReason string

const (
	ReasonFinished   TrackEndReason = "finished"
	ReasonLoadFailed TrackEndReason = "loadFailed"
	ReasonStopped    TrackEndReason = "stopped"
	ReasonReplaced   TrackEndReason = "replaced"
	ReasonCleanup    TrackEndReason = "cleanup"
)

// basePayload is the minimal envelope needed to route a frame before its
// full shape is known.
type basePayload struct {
	Op      Op     `json:"op"`
	GuildID string `json:"guildId,omitempty"`
}

// readyPayload is the worker's handshake frame.
type readyPayload struct {
	Op        Op     `json:"op"`
	Resumed   bool   `json:"resumed"`
	SessionID string `json:"sessionId"`
}

// statsPayload mirrors Node.Stats; unknown/missing keys keep the prior
// value (§8 invariant 7), so every field is a pointer.
type statsPayload struct {
	Op             Op   `json:"op"`
	Players        *int `json:"players"`
	PlayingPlayers *int `json:"playingPlayers"`
	Uptime         *int64 `json:"uptime"`
	Memory         *struct {
		Free       *int64 `json:"free"`
		Used       *int64 `json:"used"`
		Allocated  *int64 `json:"allocated"`
		Reservable *int64 `json:"reservable"`
	} `json:"memory"`
	CPU *struct {
		Cores       *int     `json:"cores"`
		SystemLoad  *float64 `json:"systemLoad"`
		LavalinkLoad *float64 `json:"lavalinkLoad"`
	} `json:"cpu"`
	FrameStats *struct {
		Sent    *int `json:"sent"`
		Nulled  *int `json:"nulled"`
		Deficit *int `json:"deficit"`
	} `json:"frameStats"`
}

// playerUpdatePayload is the periodic `playerUpdate` frame.
type playerUpdatePayload struct {
	Op      Op     `json:"op"`
	GuildID string `json:"guildId"`
	State   struct {
		Time      int64 `json:"time"`
		Position  int64 `json:"position"`
		Connected bool  `json:"connected"`
		Ping      int64 `json:"ping"`
	} `json:"state"`
}

// eventPayload is the generic `event` frame envelope; fields not relevant
// to Type are simply left zero.
type eventPayload struct {
	Op            Op             `json:"op"`
	GuildID       string         `json:"guildId"`
	Type          EventType      `json:"type"`
	Track         string         `json:"encodedTrack,omitempty"`
	Reason        TrackEndReason `json:"reason,omitempty"`
	Exception     *trackException `json:"exception,omitempty"`
	ThresholdMs   int64          `json:"thresholdMs,omitempty"`
	Code          int            `json:"code,omitempty"`
	ByRemote      bool           `json:"byRemote,omitempty"`
	Reconnected   bool           `json:"-"`
}

type trackException struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Cause    string `json:"cause"`
}

// voiceUpdateBody is the `voice` object inside a player-update PATCH.
type voiceUpdateBody struct {
	Token     string `json:"token,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Resume    bool   `json:"resume,omitempty"`
	Sequence  int64  `json:"sequence,omitempty"`
}

// playerUpdateBody is the PATCH body for
// `/sessions/{sid}/players/{guild}`. All fields are optional; the
// UpdateBatcher only populates the ones that changed.
type playerUpdateBody struct {
	EncodedTrack *string          `json:"encodedTrack,omitempty"`
	Identifier   *string          `json:"identifier,omitempty"`
	Position     *int64           `json:"position,omitempty"`
	EndTime      *int64           `json:"endTime,omitempty"`
	Volume       *int             `json:"volume,omitempty"`
	Paused       *bool            `json:"paused,omitempty"`
	Filters      map[string]any   `json:"filters,omitempty"`
	Voice        *voiceUpdateBody `json:"voice,omitempty"`
}

// resumeConfigBody is the PATCH body for `/sessions/{sid}`.
type resumeConfigBody struct {
	Resuming bool `json:"resuming"`
	Timeout  int  `json:"timeout"`
}

// voiceJoinPacket is the opaque output packet sent to the host gateway to
// join/leave a voice channel (§6 output): `{op:4, d:{...}}`.
type voiceJoinPacket struct {
	Op int           `json:"op"`
	D  voiceJoinData `json:"d"`
}

type voiceJoinData struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfDeaf  bool    `json:"self_deaf"`
	SelfMute  bool    `json:"self_mute"`
}
