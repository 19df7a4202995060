// Package statestore persists the supervisor's resume position —
// playlist/video index, video identity, current playback time — to a
// single JSON file, atomically and debounced, so playback can resume
// mid-video after a process restart.
package statestore

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"streamsupervisor/internal/domain"
)

const flushDelay = 2 * time.Second

// Store owns the persisted resume state for the lifetime of the
// process. Reads never fail — they return the in-memory copy. Write
// failures are logged and never propagate; the in-memory copy remains
// authoritative (spec.md §4.1).
type Store struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	state domain.PersistedState
	timer *time.Timer
}

// New loads path if present, falling back to domain.DefaultState() on
// a missing or unparsable file (including the legacy shape that omits
// playlistIndex).
func New(path string, logger *slog.Logger) *Store {
	s := &Store{path: path, logger: logger, state: domain.DefaultState()}
	s.load()
	return s
}

func (s *Store) load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("state: read failed, starting from defaults", slog.String("error", err.Error()))
		}
		return
	}

	var loaded domain.PersistedState
	if err := json.Unmarshal(raw, &loaded); err != nil {
		s.logger.Warn("state: unparsable, starting from defaults", slog.String("error", err.Error()))
		return
	}

	s.state = loaded
}

// Get returns a defensive copy of the current state.
func (s *Store) Get() domain.PersistedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Update merges non-nil fields from partial into the current state,
// refreshes updatedAt (monotonically, within this process), and
// schedules a debounced write 2s out, coalescing with any pending
// write.
func (s *Store) Update(partial domain.PartialState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	applyPartial(&s.state, partial)
	s.bumpUpdatedAtLocked()
	s.scheduleLocked()
}

func applyPartial(state *domain.PersistedState, p domain.PartialState) {
	if p.PlaylistIndex != nil {
		state.PlaylistIndex = *p.PlaylistIndex
	}
	if p.VideoIndex != nil {
		state.VideoIndex = *p.VideoIndex
	}
	if p.VideoID != nil {
		state.VideoID = *p.VideoID
	}
	if p.VideoTitle != nil {
		state.VideoTitle = *p.VideoTitle
	}
	if p.NextVideoID != nil {
		state.NextVideoID = *p.NextVideoID
	}
	if p.CurrentTime != nil {
		state.CurrentTime = *p.CurrentTime
	}
	if p.VideoDuration != nil {
		state.VideoDuration = *p.VideoDuration
	}
}

func (s *Store) bumpUpdatedAtLocked() {
	now := time.Now()
	if now.After(s.state.UpdatedAt) {
		s.state.UpdatedAt = now
		return
	}
	// Guarantee strict monotonicity within this process even if the
	// wall clock doesn't advance between two rapid updates.
	s.state.UpdatedAt = s.state.UpdatedAt.Add(time.Nanosecond)
}

func (s *Store) scheduleLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(flushDelay, s.flushAsync)
}

func (s *Store) flushAsync() {
	s.mu.Lock()
	snapshot := s.state
	s.timer = nil
	s.mu.Unlock()
	s.write(snapshot)
}

// Flush cancels any pending debounce timer and writes the current
// state immediately. Called on shutdown and on critical transitions
// such as advancing the playlist.
func (s *Store) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	snapshot := s.state
	s.mu.Unlock()
	s.write(snapshot)
}

// write performs the atomic temp-file + rename. Never truncates in
// place: renameio.PendingFile writes to a sibling temp file and
// replaces the target only once the new content is fully committed,
// so a partial write or crash mid-write never corrupts the readable
// version (spec.md §3, §8 invariant 2).
func (s *Store) write(state domain.PersistedState) {
	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		s.logger.Error("state: marshal failed", slog.String("error", err.Error()))
		return
	}

	pending, err := renameio.NewPendingFile(s.path)
	if err != nil {
		s.logger.Error("state: create pending file failed", slog.String("error", err.Error()))
		return
	}
	defer func() {
		if cerr := pending.Cleanup(); cerr != nil {
			s.logger.Debug("state: cleanup pending file", slog.String("error", cerr.Error()))
		}
	}()

	if _, err := pending.Write(payload); err != nil {
		s.logger.Error("state: write failed", slog.String("error", err.Error()))
		return
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		s.logger.Error("state: atomic replace failed", slog.String("error", err.Error()))
	}
}

// ClampPlaylistIndex clamps the stored playlistIndex into [0, count)
// and persists the clamp if it changed anything. Called on every
// player connect (spec.md §4.5.1 step 3).
func (s *Store) ClampPlaylistIndex(count int) domain.PersistedState {
	if count <= 0 {
		return s.Get()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	clamped := s.state.PlaylistIndex
	if clamped < 0 {
		clamped = 0
	} else if clamped >= count {
		clamped = count - 1
	}
	if clamped != s.state.PlaylistIndex {
		s.state.PlaylistIndex = clamped
		s.bumpUpdatedAtLocked()
		s.scheduleLocked()
	}
	return s.state
}

// Close cancels any pending debounce timer without writing. Callers
// that want a final write should call Flush first.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
