package engine

import (
	"fmt"
	"log/slog"
	"time"

	"streamsupervisor/internal/domain"
	"streamsupervisor/internal/metrics"
	"streamsupervisor/internal/transport"
)

// onPlayerConnect implements spec.md §4.5.1.
func (e *Engine) onPlayerConnect() {
	e.setStep(domain.StepNone)
	e.cancelRecoveryTimer()
	e.state.lastHeartbeatAt = time.Now()
	e.state.nonPlayingHeartbeats = 0
	e.state.stalledHeartbeats = 0

	saved := e.store.ClampPlaylistIndex(len(e.playlists))
	if len(e.playlists) == 0 {
		e.logger.Warn("engine: no playlists configured, skipping loadPlaylist")
		return
	}

	entry := e.playlists[saved.PlaylistIndex]
	startTime := saved.CurrentTime
	e.transport.Send(transport.LoadPlaylist{
		Type:       transport.TypeLoadPlaylist,
		PlaylistID: entry.ID,
		Index:      saved.VideoIndex,
		Loop:       len(e.playlists) == 1,
		StartTime:  &startTime,
	})
}

// onHeartbeat implements spec.md §4.5.2.
func (e *Engine) onHeartbeat(hb transport.Heartbeat) {
	e.state.lastHeartbeatAt = time.Now()

	e.stallDetection(hb)
	e.qualityRecoveryCheck(hb)
	e.applyStateWritePolicy(hb)
	e.pausedAutoResume(hb)
	e.nonPlayingDetection(hb)
}

func (e *Engine) stallDetection(hb transport.Heartbeat) {
	playing := domain.PlayerState(hb.PlayerState) == domain.PlayerPlaying
	if playing && hb.CurrentTime > 0 && absFloat(hb.CurrentTime-e.state.lastProgressTime) < 1 {
		e.state.stalledHeartbeats++
		if e.state.stalledHeartbeats == 3 && e.state.step == domain.StepNone {
			metrics.StallDetectionsTotal.Inc()
			e.logEvent(fmt.Sprintf("Stall detected at video %d", hb.VideoIndex))
			e.notifier.NotifyRecovery(hb.VideoIndex, hb.VideoID)
			e.startRecovery()
		}
		return
	}

	e.state.stalledHeartbeats = 0
	e.state.lastProgressTime = hb.CurrentTime
	if e.state.step != domain.StepNone {
		e.resolveRecovery(hb.VideoIndex, hb.VideoID)
	}
}

func (e *Engine) qualityRecoveryCheck(hb transport.Heartbeat) {
	if !e.cfg.QualityRecoveryOn {
		return
	}
	playing := domain.PlayerState(hb.PlayerState) == domain.PlayerPlaying
	if !playing || !domain.QualityBelow(hb.PlaybackQuality, e.cfg.MinQuality) {
		e.state.lowQualityHeartbeats = 0
		return
	}

	e.state.lowQualityHeartbeats++
	threshold := ceilDiv(e.cfg.QualityRecoveryDelayMs, e.cfg.HeartbeatIntervalMs)
	if e.state.lowQualityHeartbeats >= threshold && e.state.step == domain.StepNone {
		e.logEvent(fmt.Sprintf("Low quality detected (%s) at video %d", hb.PlaybackQuality, hb.VideoIndex))
		e.notifier.NotifyRecovery(hb.VideoIndex, hb.VideoID)
		e.startRecovery()
	}
}

func (e *Engine) applyStateWritePolicy(hb transport.Heartbeat) {
	if e.state.stalledHeartbeats >= 3 {
		return
	}

	videoIndex := hb.VideoIndex
	videoID := hb.VideoID
	videoTitle := hb.VideoTitle
	videoDuration := hb.VideoDuration
	nextVideoID := hb.NextVideoID

	partial := domain.PartialState{
		VideoIndex:    &videoIndex,
		VideoID:       &videoID,
		VideoTitle:    &videoTitle,
		VideoDuration: &videoDuration,
		NextVideoID:   &nextVideoID,
	}

	state := domain.PlayerState(hb.PlayerState)
	if state == domain.PlayerPlaying || state == domain.PlayerPaused || hb.CurrentTime > 0 {
		currentTime := hb.CurrentTime
		partial.CurrentTime = &currentTime
	}

	e.store.Update(partial)
}

func (e *Engine) pausedAutoResume(hb transport.Heartbeat) {
	if domain.PlayerState(hb.PlayerState) != domain.PlayerPaused {
		e.state.consecutivePausedHeartbeats = 0
		return
	}
	e.state.consecutivePausedHeartbeats++
	if e.state.consecutivePausedHeartbeats == 2 {
		e.logger.Info("engine: auto-resuming paused playback")
		e.transport.Send(transport.ResumeMessage())
	}
}

func (e *Engine) nonPlayingDetection(hb transport.Heartbeat) {
	state := domain.PlayerState(hb.PlayerState)
	if state == domain.PlayerPlaying {
		e.state.nonPlayingHeartbeats = 0
		return
	}
	if state != domain.PlayerPaused {
		e.state.nonPlayingHeartbeats++
		if e.state.nonPlayingHeartbeats == 6 && e.state.step == domain.StepNone {
			e.logEvent(fmt.Sprintf("Non-playing state %d detected at video %d", hb.PlayerState, hb.VideoIndex))
			e.notifier.NotifyRecovery(hb.VideoIndex, hb.VideoID)
			e.startRecovery()
		}
	}
}

// onStateChange implements spec.md §4.5.3.
func (e *Engine) onStateChange(sc transport.StateChange) {
	videoIndex := sc.VideoIndex
	videoID := sc.VideoID
	videoTitle := sc.VideoTitle
	e.store.Update(domain.PartialState{
		VideoIndex: &videoIndex,
		VideoID:    &videoID,
		VideoTitle: &videoTitle,
	})

	state := domain.PlayerState(sc.PlayerState)
	if state == domain.PlayerPlaying {
		e.state.consecutiveErrors = 0
	}
	if state == domain.PlayerEnded && sc.VideoIndex == e.state.totalVideos-1 && len(e.playlists) > 1 {
		e.advancePlaylist("video ended")
	}
}

// onPlaylistLoaded implements spec.md §4.5.4.
func (e *Engine) onPlaylistLoaded(pl transport.PlaylistLoaded) {
	e.state.totalVideos = pl.TotalVideos
	current := e.store.Get()
	if current.VideoIndex >= pl.TotalVideos {
		zero := 0
		e.store.Update(domain.PartialState{VideoIndex: &zero})
		e.transport.Send(transport.Skip{Type: transport.TypeSkip, Index: 0})
	}
}

// onError implements spec.md §4.5.5.
func (e *Engine) onError(perr transport.PlayerError) {
	if e.permanentSkipCodes()[perr.ErrorCode] {
		reason := fmt.Sprintf("Error %d (unavailable/not embeddable)", perr.ErrorCode)
		e.notifier.NotifySkip(perr.VideoIndex, perr.VideoID, reason)
		e.skip(perr.VideoIndex, reason)
		return
	}

	e.state.consecutiveErrors++
	e.notifier.NotifyError(perr.VideoIndex, perr.VideoID, perr.ErrorCode)

	if e.state.consecutiveErrors >= e.cfg.MaxConsecutiveErrors {
		reason := fmt.Sprintf("%d consecutive errors", e.state.consecutiveErrors)
		e.notifier.NotifySkip(perr.VideoIndex, perr.VideoID, reason)
		e.state.consecutiveErrors = 0
		e.skip(perr.VideoIndex, reason)
		return
	}

	e.scheduleRetryCurrent()
}

func (e *Engine) scheduleRetryCurrent() {
	delay := e.cfg.RecoveryDelay()
	time.AfterFunc(delay, func() {
		if e.ctx.Err() != nil {
			return
		}
		e.transport.Send(transport.RetryCurrentMessage())
	})
}

func (e *Engine) permanentSkipCodes() map[int]bool {
	if len(e.cfg.PermanentSkipCodes) == 0 {
		return domain.DefaultPermanentSkipCodes()
	}
	codes := make(map[int]bool, len(e.cfg.PermanentSkipCodes))
	for _, c := range e.cfg.PermanentSkipCodes {
		codes[c] = true
	}
	return codes
}

// skip implements the skip half of spec.md §4.5.6.
func (e *Engine) skip(fromIndex int, reason string) {
	if e.state.totalVideos == 0 || fromIndex+1 >= e.state.totalVideos {
		e.advancePlaylist(reason)
		return
	}

	nextIndex := (fromIndex + 1) % e.state.totalVideos
	e.transport.Send(transport.Skip{Type: transport.TypeSkip, Index: nextIndex})

	videoIndex := nextIndex
	e.store.Update(domain.PartialState{VideoIndex: &videoIndex})
}

// advancePlaylist implements the playlist-advance half of spec.md §4.5.6.
func (e *Engine) advancePlaylist(reason string) {
	if len(e.playlists) == 0 {
		return
	}
	next := (e.currentPlaylistIndex() + 1) % len(e.playlists)

	zeroIndex := 0
	emptyID := ""
	zeroTime := 0.0
	e.store.Update(domain.PartialState{
		PlaylistIndex: &next,
		VideoIndex:    &zeroIndex,
		VideoID:       &emptyID,
		CurrentTime:   &zeroTime,
	})
	e.store.Flush()
	e.state.totalVideos = 0

	entry := e.playlists[next]
	e.transport.Send(transport.LoadPlaylist{
		Type:       transport.TypeLoadPlaylist,
		PlaylistID: entry.ID,
		Index:      0,
		Loop:       len(e.playlists) == 1,
	})
	e.state.consecutiveErrors = 0
	e.logger.Info("engine: advanced playlist", slog.String("reason", reason), slog.Int("next", next))
}

func (e *Engine) currentPlaylistIndex() int {
	return e.store.Get().PlaylistIndex
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func ceilDiv(a, b int64) int {
	if b <= 0 {
		return 0
	}
	if a <= 0 {
		return 0
	}
	return int((a + b - 1) / b)
}
