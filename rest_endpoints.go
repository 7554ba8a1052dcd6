package aqualink

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// RemotePlayer is the worker's view of a player resource
// (`GET /sessions/{sid}/players[/{guild}]`).
type RemotePlayer struct {
	GuildID string `json:"guildId"`
	Track   *struct {
		Encoded string    `json:"encoded"`
		Info    TrackInfo `json:"info"`
	} `json:"track"`
	Volume int  `json:"volume"`
	Paused bool `json:"paused"`
	State  struct {
		Time      int64 `json:"time"`
		Position  int64 `json:"position"`
		Connected bool  `json:"connected"`
		Ping      int64 `json:"ping"`
	} `json:"state"`
	Voice voiceUpdateBody `json:"voice"`
}

// TrackInfo is the wire shape of a resolved track's metadata (v4).
type TrackInfo struct {
	Identifier string `json:"identifier"`
	IsSeekable bool   `json:"isSeekable"`
	Author     string `json:"author"`
	Length     int64  `json:"length"`
	IsStream   bool   `json:"isStream"`
	Position   int64  `json:"position"`
	Title      string `json:"title"`
	URI        string `json:"uri"`
	ArtworkURL string `json:"artworkUrl"`
	SourceName string `json:"sourceName"`
}

// NodeInfo is the worker capability descriptor (`GET /info`).
type NodeInfo struct {
	Version struct {
		Semver string `json:"semver"`
	} `json:"version"`
	SourceManagers []string `json:"sourceManagers"`
	Filters        []string `json:"filters"`
	Plugins        []struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"plugins"`
}

// NodeStatsSnapshot is the worker load snapshot (`GET /stats`).
type NodeStatsSnapshot struct {
	Players        int   `json:"players"`
	PlayingPlayers int   `json:"playingPlayers"`
	Uptime         int64 `json:"uptime"`
	Memory         struct {
		Free       int64 `json:"free"`
		Used       int64 `json:"used"`
		Allocated  int64 `json:"allocated"`
		Reservable int64 `json:"reservable"`
	} `json:"memory"`
	CPU struct {
		Cores        int     `json:"cores"`
		SystemLoad   float64 `json:"systemLoad"`
		LavalinkLoad float64 `json:"lavalinkLoad"`
	} `json:"cpu"`
}

// LoadResult is the v4 `/loadtracks` envelope. Its `data` field's shape
// depends on LoadType, so it is kept raw and decoded on demand by
// GetTracks.
type LoadResult struct {
	LoadType  string `json:"loadType"`
	Data      json.RawMessage
	Exception *struct {
		Message  string `json:"message"`
		Severity string `json:"severity"`
	} `json:"exception,omitempty"`
}

// GetTracks normalizes a LoadResult's loadType-dependent payload into a
// flat track list, mirroring PancyStudios-PancyBotGo's
// SearchResult.GetTracks (the pack's other Lavalink v4 client).
func (lr *LoadResult) GetTracks() []*Track {
	if lr == nil || len(lr.Data) == 0 {
		return nil
	}
	switch lr.LoadType {
	case "search":
		var wire []wireTrack
		if json.Unmarshal(lr.Data, &wire) != nil {
			return nil
		}
		return wireTracks(wire)
	case "track":
		var wire wireTrack
		if json.Unmarshal(lr.Data, &wire) != nil {
			return nil
		}
		return []*Track{wire.toTrack()}
	case "playlist":
		var wire struct {
			Info struct {
				Name          string `json:"name"`
				SelectedTrack int    `json:"selectedTrack"`
			} `json:"info"`
			Tracks []wireTrack `json:"tracks"`
		}
		if json.Unmarshal(lr.Data, &wire) != nil {
			return nil
		}
		out := wireTracks(wire.Tracks)
		pl := &PlaylistInfo{Name: wire.Info.Name, SelectedTrack: wire.Info.SelectedTrack}
		for _, t := range out {
			t.Playlist = pl
		}
		return out
	default:
		return nil
	}
}

type wireTrack struct {
	Encoded string    `json:"encoded"`
	Info    TrackInfo `json:"info"`
}

func (w wireTrack) toTrack() *Track {
	return &Track{
		Identifier: w.Info.Identifier,
		Encoded:    w.Encoded,
		Title:      w.Info.Title,
		Author:     w.Info.Author,
		URI:        w.Info.URI,
		SourceName: w.Info.SourceName,
		Duration:   msToDuration(w.Info.Length),
		IsSeekable: w.Info.IsSeekable,
		IsStream:   w.Info.IsStream,
		Position:   msToDuration(w.Info.Position),
		ArtworkURL: w.Info.ArtworkURL,
	}
}

func wireTracks(in []wireTrack) []*Track {
	out := make([]*Track, 0, len(in))
	for _, w := range in {
		out = append(out, w.toTrack())
	}
	return out
}

// LyricsResult is the shape shared by the per-player and fallback lyrics
// endpoints.
type LyricsResult struct {
	Track    *TrackInfo `json:"track,omitempty"`
	Provider string     `json:"provider,omitempty"`
	Lines    []struct {
		Line      string `json:"line"`
		TimestampMs int64 `json:"timestamp"`
	} `json:"lines"`
}

// RoutePlannerStatus is the `/routeplanner/status` response.
type RoutePlannerStatus struct {
	Class   string         `json:"class"`
	Details map[string]any `json:"details"`
}

func (r *RestClient) playersPath(guild string) string {
	sid := r.SessionID()
	if guild == "" {
		return "/sessions/" + sid + "/players"
	}
	return "/sessions/" + sid + "/players/" + guild
}

// UpdatePlayer PATCHes the given fields onto the remote player for guild.
// noReplace mirrors the query parameter of the same name (§4.5).
func (r *RestClient) UpdatePlayer(guild string, body *playerUpdateBody, noReplace bool) (*RemotePlayer, error) {
	path := r.playersPath(guild)
	if noReplace {
		path += "?noReplace=true"
	}
	var out RemotePlayer
	restErr, err := r.do("PATCH", path, body, &out)
	if err != nil {
		return nil, err
	}
	if restErr != nil {
		return nil, restErr
	}
	return &out, nil
}

// ListPlayers returns every active remote player on this Node.
func (r *RestClient) ListPlayers() ([]*RemotePlayer, error) {
	var out []*RemotePlayer
	restErr, err := r.do("GET", r.playersPath(""), nil, &out)
	if err != nil {
		return nil, err
	}
	if restErr != nil {
		return nil, restErr
	}
	return out, nil
}

// GetPlayer fetches one remote player resource.
func (r *RestClient) GetPlayer(guild string) (*RemotePlayer, error) {
	var out RemotePlayer
	restErr, err := r.do("GET", r.playersPath(guild), nil, &out)
	if err != nil {
		return nil, err
	}
	if restErr != nil {
		return nil, restErr
	}
	return &out, nil
}

// DestroyPlayer deletes the remote player resource for guild.
func (r *RestClient) DestroyPlayer(guild string) error {
	restErr, err := r.do("DELETE", r.playersPath(guild), nil, nil)
	if err != nil {
		return err
	}
	if restErr != nil {
		if restErr.StatusCode == 404 {
			return nil
		}
		return restErr
	}
	return nil
}

// LoadTracks resolves a URI or search query (`ytsearch:foo`, a bare URL,
// etc).
func (r *RestClient) LoadTracks(identifier string) (*LoadResult, error) {
	if identifier == "" {
		return nil, ErrEmptyQuery
	}
	path := "/loadtracks?identifier=" + url.QueryEscape(identifier)
	var raw struct {
		LoadType  string          `json:"loadType"`
		Data      json.RawMessage `json:"data"`
		Exception *struct {
			Message  string `json:"message"`
			Severity string `json:"severity"`
		} `json:"exception,omitempty"`
	}
	restErr, err := r.do("GET", path, nil, &raw)
	if err != nil {
		return nil, err
	}
	if restErr != nil {
		return nil, restErr
	}
	return &LoadResult{LoadType: raw.LoadType, Data: raw.Data, Exception: raw.Exception}, nil
}

// DecodeTrack decodes a single opaque track string, validating its base64
// shape locally first (§4.5 Validation).
func (r *RestClient) DecodeTrack(encoded string) (*Track, error) {
	if !isValidBase64(encoded) {
		return nil, ErrInvalidBase64
	}
	var wire wireTrack
	restErr, err := r.do("GET", "/decodetrack?encodedTrack="+url.QueryEscape(encoded), nil, &wire)
	if err != nil {
		return nil, err
	}
	if restErr != nil {
		return nil, restErr
	}
	return wire.toTrack(), nil
}

// DecodeTracks decodes many opaque track strings in one request.
func (r *RestClient) DecodeTracks(encodedTracks []string) ([]*Track, error) {
	for _, e := range encodedTracks {
		if !isValidBase64(e) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidBase64, e)
		}
	}
	var wire []wireTrack
	restErr, err := r.do("POST", "/decodetracks", encodedTracks, &wire)
	if err != nil {
		return nil, err
	}
	if restErr != nil {
		return nil, restErr
	}
	return wireTracks(wire), nil
}

// Stats fetches the worker's current load snapshot.
func (r *RestClient) Stats() (*NodeStatsSnapshot, error) {
	var out NodeStatsSnapshot
	restErr, err := r.do("GET", "/stats", nil, &out)
	if err != nil {
		return nil, err
	}
	if restErr != nil {
		return nil, restErr
	}
	return &out, nil
}

// Info fetches the worker's capability descriptor.
func (r *RestClient) Info() (*NodeInfo, error) {
	var out NodeInfo
	restErr, err := r.do("GET", "/info", nil, &out)
	if err != nil {
		return nil, err
	}
	if restErr != nil {
		return nil, restErr
	}
	return &out, nil
}

// Version fetches the worker's raw version string.
func (r *RestClient) Version() (string, error) {
	var out string
	restErr, err := r.do("GET", "/version", nil, &out)
	if err != nil {
		return "", err
	}
	if restErr != nil {
		return "", restErr
	}
	return out, nil
}

// RoutePlannerStatus fetches IP rotator status.
func (r *RestClient) RoutePlannerStatus() (*RoutePlannerStatus, error) {
	var out RoutePlannerStatus
	restErr, err := r.do("GET", "/routeplanner/status", nil, &out)
	if err != nil {
		return nil, err
	}
	if restErr != nil {
		return nil, restErr
	}
	return &out, nil
}

// RoutePlannerFreeAddress unmarks a single failing address.
func (r *RestClient) RoutePlannerFreeAddress(address string) error {
	restErr, err := r.do("POST", "/routeplanner/free/address", map[string]string{"address": address}, nil)
	if err != nil {
		return err
	}
	if restErr != nil {
		return restErr
	}
	return nil
}

// RoutePlannerFreeAll unmarks every failing address.
func (r *RestClient) RoutePlannerFreeAll() error {
	restErr, err := r.do("POST", "/routeplanner/free/all", nil, nil)
	if err != nil {
		return err
	}
	if restErr != nil {
		return restErr
	}
	return nil
}

// PlayerLyrics fetches lyrics tied to the given player's currently playing
// track.
func (r *RestClient) PlayerLyrics(guild string, skipTrackSource bool) (*LyricsResult, error) {
	path := r.playersPath(guild) + "/track/lyrics"
	if skipTrackSource {
		path += "?skipTrackSource=true"
	}
	var out LyricsResult
	restErr, err := r.do("GET", path, nil, &out)
	if err != nil {
		return nil, err
	}
	if restErr != nil {
		return nil, restErr
	}
	return &out, nil
}

// LyricsForTrack looks up lyrics for an arbitrary encoded track, outside of
// any player.
func (r *RestClient) LyricsForTrack(encodedTrack string) (*LyricsResult, error) {
	var out LyricsResult
	restErr, err := r.do("GET", "/lyrics?track="+url.QueryEscape(encodedTrack), nil, &out)
	if err != nil {
		return nil, err
	}
	if restErr != nil {
		return nil, restErr
	}
	return &out, nil
}

// LyricsSearch looks up lyrics by free-text query, for sources with no
// attached track.
func (r *RestClient) LyricsSearch(query string) (*LyricsResult, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}
	var out LyricsResult
	restErr, err := r.do("GET", "/lyrics/search?query="+url.QueryEscape(query), nil, &out)
	if err != nil {
		return nil, err
	}
	if restErr != nil {
		return nil, restErr
	}
	return &out, nil
}

// EnableResuming PATCHes the session to survive a `timeout`-second window
// of client disconnection (§4.5, §4.8 autoResume).
func (r *RestClient) EnableResuming(timeout int) error {
	restErr, err := r.do("PATCH", "/sessions/"+r.SessionID(), resumeConfigBody{Resuming: true, Timeout: timeout}, nil)
	if err != nil {
		return err
	}
	if restErr != nil {
		return restErr
	}
	return nil
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
