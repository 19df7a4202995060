// Package supervisor is the glue layer (spec.md §4.6): it owns every
// component's lifecycle, wires their callbacks together, and rebuilds
// the Host Client / Notifier / Recovery Engine on config reload while
// preserving the State Store and the open player socket.
//
// Constructed via functional options, grounded on the teacher's
// apihttp.NewServer/ServerOption pattern generalized from an HTTP
// server's option set to a whole-process component graph.
package supervisor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"streamsupervisor/internal/app"
	"streamsupervisor/internal/engine"
	"streamsupervisor/internal/eventlog"
	"streamsupervisor/internal/hostclient"
	"streamsupervisor/internal/notifier"
	"streamsupervisor/internal/statestore"
	"streamsupervisor/internal/transport"
)

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

func WithConfigPath(path string) Option {
	return func(s *Supervisor) { s.configPath = path }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// components is the set of component handles rebuilt together on
// reload, swapped atomically behind Supervisor.mu (spec.md §9 Design
// Notes: "make the Supervisor own all component handles and atomically
// swap them behind a read-write-locked pointer").
type components struct {
	cfg   app.Config
	host  *hostclient.Client
	notif *notifier.Notifier
	eng   *engine.Engine
}

// Supervisor owns the State Store, the player transport, and the
// current generation of rebuildable components. The HTTP server that
// mounts the transport is built and run by cmd/supervisor.
type Supervisor struct {
	configPath string
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	store     *statestore.Store
	transport *transport.Transport
	events    *eventlog.Ring
	apiToken  string

	mu  sync.RWMutex
	cur *components
}

// New constructs a Supervisor and performs the initial component
// build from the config at configPath. A failure here is fatal
// (spec.md §7: "cannot read config on initial load").
func New(ctx context.Context, opts ...Option) (*Supervisor, error) {
	cctx, cancel := context.WithCancel(ctx)
	s := &Supervisor{
		logger: slog.Default(),
		ctx:    cctx,
		cancel: cancel,
		events: eventlog.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	cfg, err := app.Load(s.configPath)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("initial config load: %w", err)
	}

	token, err := generateAPIToken()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("generate api token: %w", err)
	}
	s.apiToken = token

	s.store = statestore.New(cfg.StatePath, s.logger)
	s.transport = transport.New(s.logger)

	cur, err := s.buildComponents(cfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build components: %w", err)
	}
	s.cur = cur
	go cur.eng.Run()

	return s, nil
}

// Transport exposes the player websocket endpoint for the caller to
// mount at /ws.
func (s *Supervisor) Transport() *transport.Transport { return s.transport }

// EventLog exposes the event ring for the admin HTTP layer.
func (s *Supervisor) EventLog() *eventlog.Ring { return s.events }

// APIToken returns the per-process secret generated once at boot
// (spec.md §5). It does not change across config reloads.
func (s *Supervisor) APIToken() string {
	return s.apiToken
}

func generateAPIToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// buildComponents constructs a fresh Host Client, Notifier, and
// Recovery Engine generation from cfg. It does not touch the State
// Store or the Transport — those persist across reloads.
func (s *Supervisor) buildComponents(cfg app.Config) (*components, error) {
	c := &components{cfg: cfg}

	notifCfg := notifier.Config{
		WebhookURL:  cfg.Notifier.WebhookURL,
		BotName:     cfg.Notifier.BotName,
		AvatarURL:   cfg.Notifier.AvatarURL,
		RoleMention: cfg.Notifier.RoleMention,
		Enabled:     cfg.Notifier.EventToggles,
	}
	c.notif = notifier.New(notifCfg, s.logger)

	var eng *engine.Engine
	hostCfg := hostclient.Config{
		URL:              cfg.Host.URL,
		Password:         cfg.Host.Password,
		SourceName:       cfg.Host.SourceName,
		AutoStream:       cfg.Host.AutoStream,
		AutoRestart:      cfg.Host.AutoRestart,
		ExecutablePath:   cfg.Host.ExecutablePath,
		InstallDir:       cfg.Host.InstallDir,
		ProcessImageName: cfg.Host.ProcessImageName,
		CrashSentinel:    cfg.Host.CrashSentinel,
	}

	observer := &hostObserver{notif: c.notif, logger: s.logger}
	c.host = hostclient.New(s.ctx, hostCfg, s.logger, observer, func() bool {
		if eng == nil {
			return false
		}
		return eng.PlayerHealthy()
	})
	c.host.Connect()

	c.eng = engine.New(s.ctx, cfg.Recovery, cfg.Playlists, s.store, s.transport, c.host, c.notif, s.events, s.logger)
	eng = c.eng

	return c, nil
}

// hostObserver adapts hostclient.Observer events onto the notifier.
type hostObserver struct {
	notif  *notifier.Notifier
	logger *slog.Logger
}

func (o *hostObserver) OnConnect() {
	o.notif.NotifyHostReconnect()
}

func (o *hostObserver) OnDisconnect() {
	o.notif.NotifyHostDisconnect()
}

func (o *hostObserver) OnStreamDrop(attempt, max int) {
	o.notif.NotifyStreamDrop(attempt, max)
}

func (o *hostObserver) OnStreamRestart(attempts int) {
	o.notif.NotifyStreamRestart(attempts)
}

func (o *hostObserver) OnStreamRestartFailed() {
	o.notif.NotifyCritical(0, "")
}

// ReloadConfig implements spec.md §4.6: reload config, rebuild Host
// Client and Notifier, stop and rebuild the Recovery Engine, keep the
// State Store and open player socket live. On any failure the prior
// generation keeps running untouched.
func (s *Supervisor) ReloadConfig() error {
	cfg, err := app.Load(s.configPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	next, err := s.buildComponents(cfg)
	if err != nil {
		return fmt.Errorf("rebuild components: %w", err)
	}

	s.mu.Lock()
	prev := s.cur
	s.cur = next
	s.mu.Unlock()

	// Stop the prior generation's mailbox goroutine before starting the
	// new one: both would otherwise read the same shared transport
	// Events() channel concurrently, letting the about-to-be-disposed
	// engine win a heartbeat it should never see (spec.md §4.6/§5: no
	// mutation from a disposed generation).
	if prev != nil {
		prev.eng.Close()
		prev.host.Close()
		prev.notif.Close()
	}

	go next.eng.Run()

	s.logger.Info("supervisor: config reloaded")
	return nil
}

// TriggerRestart implements spec.md §4.6: stop timers, flush state,
// close sockets, exit with the distinguished restart exit code.
func (s *Supervisor) TriggerRestart() {
	s.logger.Warn("supervisor: restart requested")
	s.Shutdown()
	os.Exit(75)
}

// Shutdown stops the current generation's timers, flushes the state
// store, and closes the player transport. Used both by TriggerRestart
// and by a clean SIGTERM-driven shutdown (the caller chooses the exit
// code in the latter case).
func (s *Supervisor) Shutdown() {
	s.mu.RLock()
	cur := s.cur
	s.mu.RUnlock()

	if cur != nil {
		cur.eng.Close()
		cur.host.Close()
		cur.notif.Close()
	}
	s.store.Flush()
	s.store.Close()
	s.transport.Close()
	s.cancel()
}
