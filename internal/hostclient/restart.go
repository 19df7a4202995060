package hostclient

import (
	"log/slog"
	"time"

	"streamsupervisor/internal/metrics"
)

// restartState tracks the stream-drop restart sub-FSM: a short escalation
// separate from the player Recovery Engine's own FSM, scoped entirely to
// "the stream stopped on the host side and should come back up."
type restartState struct {
	delays  []time.Duration
	attempt int
	timer   *time.Timer
	armed   bool
}

// onStreamStopped is invoked when the host reports
// OBS_WEBSOCKET_OUTPUT_STOPPED. If a restart is already in flight, or
// auto-stream is disabled, this is a no-op; otherwise it begins the
// delay-table escalation.
func (c *Client) onStreamStopped() {
	if !c.cfg.AutoStream {
		return
	}

	c.mu.Lock()
	if c.restart.armed {
		c.mu.Unlock()
		return
	}
	c.restart.armed = true
	c.restart.attempt = 0
	c.mu.Unlock()

	c.logger.Warn("hostclient: stream stopped, beginning restart sequence")
	c.scheduleStreamRestart()
}

// onStreamStarted clears the restart sub-FSM: the stream is back, so
// any pending restart attempt is superfluous.
func (c *Client) onStreamStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.restart.timer != nil {
		c.restart.timer.Stop()
		c.restart.timer = nil
	}
	c.restart.armed = false
	c.restart.attempt = 0
}

// scheduleStreamRestart arms the next delay-table entry. Exhausting the
// table (attempt == max) reports onStreamRestartFailed and resets,
// per spec.md §4.3's "reset after exhaustion, do not loop silently."
func (c *Client) scheduleStreamRestart() {
	c.mu.Lock()
	if c.restart.attempt >= len(c.restart.delays) {
		c.restart.armed = false
		c.restart.attempt = 0
		c.mu.Unlock()
		c.logger.Error("hostclient: stream restart attempts exhausted")
		if c.observer != nil {
			c.observer.OnStreamRestartFailed()
		}
		return
	}

	delay := c.restart.delays[c.restart.attempt]
	attempt := c.restart.attempt + 1
	max := len(c.restart.delays)

	if c.restart.timer != nil {
		c.restart.timer.Stop()
	}
	c.restart.timer = time.AfterFunc(delay, func() { c.attemptStreamRestart(attempt, max) })
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.OnStreamDrop(attempt, max)
	}
}

// attemptStreamRestart runs the pre-attempt checks (still connected,
// player healthy, not already streaming) and issues StartStreaming. A
// failed check or failed call advances the attempt counter and
// re-arms the next delay.
func (c *Client) attemptStreamRestart(attempt, max int) {
	if c.ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	stillArmed := c.restart.armed
	c.mu.Unlock()
	if !stillArmed {
		return
	}

	if !c.IsConnected() {
		c.logger.Warn("hostclient: stream restart skipped, host disconnected")
		c.bumpRestartAttempt()
		return
	}
	if c.playerOK != nil && !c.playerOK() {
		c.logger.Warn("hostclient: stream restart skipped, player unhealthy")
		c.bumpRestartAttempt()
		return
	}
	if c.IsStreaming() {
		c.logger.Info("hostclient: stream already active, clearing restart sequence")
		c.onStreamStarted()
		return
	}

	metrics.StreamRestartAttemptsTotal.Inc()
	if c.observer != nil {
		c.observer.OnStreamRestart(attempt)
	}

	if !c.StartStreaming() {
		c.logger.Warn("hostclient: stream restart attempt failed", slog.Int("attempt", attempt), slog.Int("max", max))
		c.bumpRestartAttempt()
		return
	}

	c.logger.Info("hostclient: stream restarted", slog.Int("attempt", attempt))
}

func (c *Client) bumpRestartAttempt() {
	c.mu.Lock()
	c.restart.attempt++
	c.mu.Unlock()
	c.scheduleStreamRestart()
}

// healthMonitorLoop periodically verifies the stream is active whenever
// it is supposed to be, catching silent drops the host never reported
// an event for (spec.md §4.3: "poll every 30s as a backstop").
func (c *Client) healthMonitorLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.checkStreamHealth()
		}
	}
}

func (c *Client) checkStreamHealth() {
	if !c.cfg.AutoStream || !c.IsConnected() {
		return
	}

	c.mu.Lock()
	armed := c.restart.armed
	c.mu.Unlock()
	if armed {
		return
	}

	if c.playerOK != nil && !c.playerOK() {
		return
	}

	if !c.IsStreaming() {
		c.logger.Warn("hostclient: health monitor detected stream not active")
		if !c.StartStreaming() {
			c.logger.Warn("hostclient: health monitor restart attempt failed")
		}
	}
}
