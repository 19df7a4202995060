package transport

import "encoding/json"

// Inbound message types sent by the player.
const (
	TypeReady          = "ready"
	TypeHeartbeat      = "heartbeat"
	TypeStateChange    = "stateChange"
	TypePlaylistLoaded = "playlistLoaded"
	TypeError          = "error"
)

// Outbound message types sent to the player.
const (
	TypeLoadPlaylist = "loadPlaylist"
	TypeRetryCurrent = "retryCurrent"
	TypeResume       = "resume"
	TypeSkip         = "skip"
)

// envelope is the wire shape every message shares: a type discriminator
// plus type-specific fields inlined at the top level.
type envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// Heartbeat is the periodic player status report.
type Heartbeat struct {
	VideoIndex       int     `json:"videoIndex"`
	VideoID          string  `json:"videoId"`
	VideoTitle       string  `json:"videoTitle"`
	PlayerState      int     `json:"playerState"`
	CurrentTime      float64 `json:"currentTime"`
	VideoDuration    float64 `json:"videoDuration"`
	NextVideoID      string  `json:"nextVideoId"`
	Volume           int     `json:"volume"`
	Muted            bool    `json:"muted"`
	PlaybackQuality  string  `json:"playbackQuality"`
}

// StateChange reports a player state transition.
type StateChange struct {
	PlayerState int    `json:"playerState"`
	VideoIndex  int    `json:"videoIndex"`
	VideoID     string `json:"videoId"`
	VideoTitle  string `json:"videoTitle"`
}

// PlaylistLoaded reports the total video count of the just-loaded playlist.
type PlaylistLoaded struct {
	TotalVideos int `json:"totalVideos"`
}

// PlayerError reports a playback error for a specific video.
type PlayerError struct {
	ErrorCode  int    `json:"errorCode"`
	VideoIndex int    `json:"videoIndex"`
	VideoID    string `json:"videoId"`
}

// LoadPlaylist instructs the player to load a playlist at an index.
type LoadPlaylist struct {
	Type       string   `json:"type"`
	PlaylistID string   `json:"playlistId"`
	Index      int      `json:"index"`
	Loop       bool     `json:"loop"`
	StartTime  *float64 `json:"startTime,omitempty"`
}

// Skip instructs the player to jump to a video index in the current playlist.
type Skip struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type simpleOutbound struct {
	Type string `json:"type"`
}

// RetryCurrentMessage asks the player to retry the current video.
func RetryCurrentMessage() any { return simpleOutbound{Type: TypeRetryCurrent} }

// ResumeMessage asks the player to resume playback.
func ResumeMessage() any { return simpleOutbound{Type: TypeResume} }

// InboundMessage is the decoded form of any player-originated message.
type InboundMessage struct {
	Type           string
	Heartbeat      *Heartbeat
	StateChange    *StateChange
	PlaylistLoaded *PlaylistLoaded
	Error          *PlayerError
}

// DecodeInbound parses a raw JSON frame from the player into a typed
// message. An unknown type is returned with Type set and every
// pointer field nil; callers log and drop it (forward compatibility).
func DecodeInbound(raw []byte) (InboundMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return InboundMessage{}, err
	}

	msg := InboundMessage{Type: env.Type}
	switch env.Type {
	case TypeReady:
		// no payload
	case TypeHeartbeat:
		var hb Heartbeat
		if err := json.Unmarshal(raw, &hb); err != nil {
			return InboundMessage{}, err
		}
		msg.Heartbeat = &hb
	case TypeStateChange:
		var sc StateChange
		if err := json.Unmarshal(raw, &sc); err != nil {
			return InboundMessage{}, err
		}
		msg.StateChange = &sc
	case TypePlaylistLoaded:
		var pl PlaylistLoaded
		if err := json.Unmarshal(raw, &pl); err != nil {
			return InboundMessage{}, err
		}
		msg.PlaylistLoaded = &pl
	case TypeError:
		var e PlayerError
		if err := json.Unmarshal(raw, &e); err != nil {
			return InboundMessage{}, err
		}
		msg.Error = &e
	}
	return msg, nil
}
