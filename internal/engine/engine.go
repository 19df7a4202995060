// Package engine implements the recovery engine (spec.md §4.5): the
// heartbeat watchdog, stall/low-quality/non-playing detectors, the
// escalation FSM, and the multi-playlist sequencer.
//
// All mutable recovery state is owned by exactly one goroutine — the
// mailbox loop in Run — grounded on the teacher's single-consumer job
// model (internal/services/torrent/engine/anacrolix/engine.go feeds
// one state machine off one event channel per torrent). Every other
// method on Engine only ever posts to the mailbox; it never mutates
// state directly, so ordering across player messages, host events,
// and timer fires is serialized for free.
package engine

import (
	"context"
	"log/slog"
	"time"

	"streamsupervisor/internal/app"
	"streamsupervisor/internal/domain"
	"streamsupervisor/internal/eventlog"
	"streamsupervisor/internal/hostclient"
	"streamsupervisor/internal/metrics"
	"streamsupervisor/internal/notifier"
	"streamsupervisor/internal/statestore"
	"streamsupervisor/internal/transport"
)

// mailKind discriminates the event loop's single inbound channel.
type mailKind int

const (
	mailEscalationFire mailKind = iota
	mailHealthQuery
	mailHostActionDone
)

type mailItem struct {
	kind       mailKind
	stepAtFire domain.RecoveryStep
	reply      chan bool

	actionName string
	actionOK   bool
}

// recoveryState is the engine-private counter/shadow set of spec.md §3.
type recoveryState struct {
	step domain.RecoveryStep

	consecutiveErrors           int
	stalledHeartbeats           int
	consecutivePausedHeartbeats int
	nonPlayingHeartbeats        int
	lowQualityHeartbeats        int

	lastHeartbeatAt  time.Time
	lastProgressTime float64
	playbackQuality  string
	totalVideos      int

	recoveryTimer *time.Timer
}

// Engine is the recovery engine. One Engine instance is live at a
// time; a config reload discards it and constructs a fresh one while
// the State Store and open player socket persist (spec.md §4.5, §4.6).
type Engine struct {
	cfg       app.RecoveryConfig
	playlists []domain.PlaylistEntry

	store     *statestore.Store
	transport *transport.Transport
	host      *hostclient.Client
	notifier  *notifier.Notifier
	events    *eventlog.Ring
	logger    *slog.Logger

	mailbox chan mailItem

	ctx    context.Context
	cancel context.CancelFunc

	watchdogTicker *time.Ticker
	refreshTicker  *time.Ticker

	state recoveryState
}

// New constructs an Engine wired to its collaborators. Call Run to
// start its single consuming goroutine.
func New(ctx context.Context, cfg app.RecoveryConfig, playlists []domain.PlaylistEntry, store *statestore.Store, tr *transport.Transport, host *hostclient.Client, notif *notifier.Notifier, events *eventlog.Ring, logger *slog.Logger) *Engine {
	cctx, cancel := context.WithCancel(ctx)
	return &Engine{
		cfg:       cfg,
		playlists: playlists,
		store:     store,
		transport: tr,
		host:      host,
		notifier:  notif,
		events:    events,
		logger:    logger,
		mailbox:   make(chan mailItem, 64),
		ctx:       cctx,
		cancel:    cancel,
	}
}

// Run drives the mailbox loop until ctx is cancelled. It owns the
// heartbeat watchdog ticker and the optional source-refresh ticker for
// its own lifetime.
func (e *Engine) Run() {
	e.watchdogTicker = time.NewTicker(5 * time.Second)
	defer e.watchdogTicker.Stop()

	if e.cfg.SourceRefreshIntervalMs > 0 {
		e.refreshTicker = time.NewTicker(time.Duration(e.cfg.SourceRefreshIntervalMs) * time.Millisecond)
		defer e.refreshTicker.Stop()
	}

	playerEvents := e.transport.Events()

	for {
		var refreshC <-chan time.Time
		if e.refreshTicker != nil {
			refreshC = e.refreshTicker.C
		}

		select {
		case <-e.ctx.Done():
			e.teardown()
			return
		case ev := <-playerEvents:
			e.handlePlayerEvent(ev)
		case <-e.watchdogTicker.C:
			e.checkHeartbeatWatchdog()
		case <-refreshC:
			e.maintenanceRefresh()
		case item := <-e.mailbox:
			e.handleMail(item)
		}
	}
}

// Close cancels the engine's context, stopping Run's loop and
// cancelling every owned timer. Safe to call once.
func (e *Engine) Close() {
	e.cancel()
}

func (e *Engine) teardown() {
	e.cancelRecoveryTimer()
}

func (e *Engine) handleMail(item mailItem) {
	switch item.kind {
	case mailEscalationFire:
		e.onEscalationFire(item.stepAtFire)
	case mailHealthQuery:
		item.reply <- e.transport.IsConnected() && e.state.step == domain.StepNone
	case mailHostActionDone:
		e.logger.Info("engine: host action completed",
			slog.String("action", item.actionName), slog.Bool("ok", item.actionOK))
	}
}

// runHostAction runs fn on a helper goroutine and posts its result back
// onto the mailbox as an event, per spec.md §5's suspension-point rule:
// a call that can block for seconds (host RPC, webhook POST) must never
// run on the engine's own goroutine. The engine's escalation ladder
// already advances on its own fixed timer regardless of fn's outcome,
// so the mailbox event exists purely for observability.
func (e *Engine) runHostAction(name string, fn func() bool) {
	go func() {
		ok := fn()
		select {
		case e.mailbox <- mailItem{kind: mailHostActionDone, actionName: name, actionOK: ok}:
		case <-e.ctx.Done():
		}
	}()
}

func (e *Engine) handlePlayerEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnect:
		e.onPlayerConnect()
	case transport.EventDisconnect:
		e.logger.Info("engine: player disconnected")
	case transport.EventMessage:
		e.onPlayerMessage(ev.Message)
	}
}

func (e *Engine) onPlayerMessage(msg transport.InboundMessage) {
	switch msg.Type {
	case transport.TypeHeartbeat:
		if msg.Heartbeat != nil {
			e.onHeartbeat(*msg.Heartbeat)
		}
	case transport.TypeStateChange:
		if msg.StateChange != nil {
			e.onStateChange(*msg.StateChange)
		}
	case transport.TypePlaylistLoaded:
		if msg.PlaylistLoaded != nil {
			e.onPlaylistLoaded(*msg.PlaylistLoaded)
		}
	case transport.TypeError:
		if msg.Error != nil {
			e.onError(*msg.Error)
		}
	}
}

// PlayerHealthy is the predicate the host client's stream-restart
// sub-FSM consults before attempting a restart (spec.md §4.3's
// "player health predicate"): connected, and not mid-escalation. It
// round-trips through the mailbox so the read never races the
// engine's own goroutine.
func (e *Engine) PlayerHealthy() bool {
	reply := make(chan bool, 1)
	select {
	case e.mailbox <- mailItem{kind: mailHealthQuery, reply: reply}:
	case <-time.After(2 * time.Second):
		return false
	}
	select {
	case v := <-reply:
		return v
	case <-time.After(2 * time.Second):
		return false
	}
}

func (e *Engine) logEvent(format string) {
	e.events.Append(format)
}

func (e *Engine) recoveryStillBroken() bool {
	overdue := !e.state.lastHeartbeatAt.IsZero() && time.Since(e.state.lastHeartbeatAt) > e.cfg.HeartbeatTimeout()
	return overdue || e.state.stalledHeartbeats >= 3 || e.state.nonPlayingHeartbeats >= 6
}

func (e *Engine) cancelRecoveryTimer() {
	if e.state.recoveryTimer != nil {
		e.state.recoveryTimer.Stop()
		e.state.recoveryTimer = nil
	}
}

func (e *Engine) setStep(step domain.RecoveryStep) {
	from := e.state.step
	e.state.step = step
	metrics.RecoveryStepTransitionsTotal.WithLabelValues(from.String(), step.String()).Inc()
}
