// Package domain holds the supervisor's core types: playlists, the
// persisted resume state, the bounded event log, and the player's
// playback-state enumeration.
package domain

import "time"

// PlayerState mirrors the embedded widget's numeric state enumeration.
// Only the values the recovery engine reasons about are named; any
// other integer value is accepted and passed through unmodified.
type PlayerState int

const (
	PlayerUnstarted PlayerState = -1
	PlayerEnded     PlayerState = 0
	PlayerPlaying   PlayerState = 1
	PlayerPaused    PlayerState = 2
	PlayerBuffering PlayerState = 3
	PlayerCued      PlayerState = 5
)

// PlaylistEntry is immutable configuration: one entry in the ordered
// list of playlists the sequencer advances across.
type PlaylistEntry struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// PersistedState is the mutable, on-disk resume record owned
// exclusively by the state store.
type PersistedState struct {
	PlaylistIndex int       `json:"playlistIndex"`
	VideoIndex    int       `json:"videoIndex"`
	VideoID       string    `json:"videoId"`
	VideoTitle    string    `json:"videoTitle"`
	NextVideoID   string    `json:"nextVideoId"`
	CurrentTime   float64   `json:"currentTime"`
	VideoDuration float64   `json:"videoDuration"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// DefaultState returns the zero-value state used when no state file
// exists yet, or the file is missing/unparsable.
func DefaultState() PersistedState {
	return PersistedState{
		PlaylistIndex: 0,
		VideoIndex:    0,
	}
}

// PartialState carries only the fields an Update call wants to merge;
// a nil pointer field means "leave unchanged".
type PartialState struct {
	PlaylistIndex *int
	VideoIndex    *int
	VideoID       *string
	VideoTitle    *string
	NextVideoID   *string
	CurrentTime   *float64
	VideoDuration *float64
}

// EventLogEntry is one line in the bounded in-memory event ring.
type EventLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// qualityRank orders playback-quality labels from worst to best, per
// the embedded widget's vocabulary.
var qualityRank = map[string]int{
	"small":   0,
	"medium":  1,
	"large":   2,
	"hd720":   3,
	"hd1080":  4,
	"hd1440":  5,
	"hd2160":  6,
	"highres": 7,
}

// QualityBelow reports whether quality ranks strictly below min. An
// unrecognized label ranks below everything (treated as low quality).
func QualityBelow(quality, min string) bool {
	q, ok := qualityRank[quality]
	if !ok {
		return true
	}
	m, ok := qualityRank[min]
	if !ok {
		return false
	}
	return q < m
}

// RecoveryStep is one state of the escalation FSM.
type RecoveryStep int

const (
	StepNone RecoveryStep = iota
	StepRetryCurrent
	StepRefreshSource
	StepToggleVisibility
	StepCriticalAlert
)

func (s RecoveryStep) String() string {
	switch s {
	case StepNone:
		return "none"
	case StepRetryCurrent:
		return "retry_current"
	case StepRefreshSource:
		return "refresh_source"
	case StepToggleVisibility:
		return "toggle_visibility"
	case StepCriticalAlert:
		return "critical_alert"
	default:
		return "unknown"
	}
}

// NotifyLevel is the severity of an outbound notification.
type NotifyLevel int

const (
	LevelInfo NotifyLevel = iota
	LevelWarn
	LevelError
)

func (l NotifyLevel) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// DefaultPermanentSkipCodes is the default set of widget error codes
// treated as permanent failures for the current video.
func DefaultPermanentSkipCodes() map[int]bool {
	return map[int]bool{100: true, 101: true, 150: true}
}
