package engine

import (
	"log/slog"
	"time"

	"streamsupervisor/internal/domain"
	"streamsupervisor/internal/metrics"
	"streamsupervisor/internal/transport"
)

// startRecovery implements the escalation FSM's entry point
// (spec.md §4.5.8): enter RetryCurrent immediately.
func (e *Engine) startRecovery() {
	e.cancelRecoveryTimer()
	e.setStep(domain.StepRetryCurrent)
	e.executeStep(domain.StepRetryCurrent)
}

// executeStep runs the action for step and arms the follow-up timer.
func (e *Engine) executeStep(step domain.RecoveryStep) {
	switch step {
	case domain.StepRetryCurrent:
		e.logger.Info("engine: recovery step", slog.String("step", step.String()))
		e.transport.Send(transport.RetryCurrentMessage())
		e.armEscalation(step, e.cfg.RecoveryDelay())
	case domain.StepRefreshSource:
		e.logger.Info("engine: recovery step", slog.String("step", step.String()))
		e.runHostAction("RefreshBrowserSource", e.host.RefreshBrowserSource)
		e.armEscalation(step, 15*time.Second)
	case domain.StepToggleVisibility:
		e.logger.Info("engine: recovery step", slog.String("step", step.String()))
		e.runHostAction("ToggleBrowserSource", e.host.ToggleBrowserSource)
		e.armEscalation(step, 15*time.Second)
	case domain.StepCriticalAlert:
		e.logger.Warn("engine: recovery step", slog.String("step", step.String()))
		e.runHostAction("NotifyCritical", func() bool {
			e.notifier.NotifyCritical(0, "")
			return true
		})
		e.armEscalation(step, 60*time.Second)
	}
}

func (e *Engine) armEscalation(step domain.RecoveryStep, delay time.Duration) {
	e.cancelRecoveryTimer()
	e.state.recoveryTimer = time.AfterFunc(delay, func() {
		select {
		case e.mailbox <- mailItem{kind: mailEscalationFire, stepAtFire: step}:
		case <-e.ctx.Done():
		}
	})
}

// onEscalationFire runs on the engine's own goroutine (posted via the
// mailbox from the timer callback above), so it may safely touch
// recovery state directly.
func (e *Engine) onEscalationFire(stepAtFire domain.RecoveryStep) {
	if e.state.step == domain.StepNone {
		return // cancelled by something else before this fired
	}
	if e.state.step != stepAtFire {
		return // superseded by a newer schedule
	}

	if !e.recoveryStillBroken() {
		e.resolveRecoveryFromFSM()
		return
	}

	switch stepAtFire {
	case domain.StepRetryCurrent:
		e.setStep(domain.StepRefreshSource)
		e.executeStep(domain.StepRefreshSource)
	case domain.StepRefreshSource:
		e.setStep(domain.StepToggleVisibility)
		e.executeStep(domain.StepToggleVisibility)
	case domain.StepToggleVisibility:
		e.setStep(domain.StepCriticalAlert)
		e.executeStep(domain.StepCriticalAlert)
	case domain.StepCriticalAlert:
		e.setStep(domain.StepNone)
		e.startRecovery()
	}
}

func (e *Engine) resolveRecoveryFromFSM() {
	state := e.store.Get()
	e.resetRecovery()
	e.notifier.NotifyResume(state.VideoIndex, state.VideoID)
	e.logEvent("Recovery resolved")
}

// resolveRecovery is the stall-detector's direct path to clearing
// recovery (spec.md §4.5.2 step 2: "if already in recovery reset it"),
// distinct from the FSM's own still-broken check at scheduled fires.
func (e *Engine) resolveRecovery(videoIndex int, videoID string) {
	if e.state.step == domain.StepNone {
		return
	}
	e.resetRecovery()
	e.notifier.NotifyResume(videoIndex, videoID)
	e.logEvent("Recovery resolved")
}

func (e *Engine) resetRecovery() {
	e.cancelRecoveryTimer()
	e.setStep(domain.StepNone)
}

// checkHeartbeatWatchdog implements spec.md §4.5.7.
func (e *Engine) checkHeartbeatWatchdog() {
	if !e.transport.IsConnected() {
		return
	}
	if e.state.step != domain.StepNone {
		return
	}
	if e.state.lastHeartbeatAt.IsZero() {
		return
	}
	if time.Since(e.state.lastHeartbeatAt) > e.cfg.HeartbeatTimeout() {
		metrics.HeartbeatWatchdogFiresTotal.Inc()
		e.logEvent("Heartbeat watchdog fired")
		e.startRecovery()
	}
}

// maintenanceRefresh implements spec.md §4.5.9.
func (e *Engine) maintenanceRefresh() {
	if e.state.step != domain.StepNone {
		return
	}
	if !e.transport.IsConnected() {
		return
	}
	e.runHostAction("RefreshBrowserSource", e.host.RefreshBrowserSource)
}
