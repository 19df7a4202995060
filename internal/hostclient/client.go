package hostclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"streamsupervisor/internal/metrics"
)

// Config configures the host client's connection and optional process launch.
type Config struct {
	URL              string
	Password         string
	SourceName       string
	AutoStream       bool
	AutoRestart      bool
	ExecutablePath   string
	InstallDir       string
	ProcessImageName string
	CrashSentinel    string
}

// Observer receives host client lifecycle and stream events. Passed at
// construction time, per spec.md's Design Notes — not reassigned later.
type Observer interface {
	OnConnect()
	OnDisconnect()
	OnStreamDrop(attempt, max int)
	OnStreamRestart(attempts int)
	OnStreamRestartFailed()
}

// healthCheck reports whether the player is currently considered
// healthy enough to justify a stream restart attempt.
type healthCheck func() bool

var cbTimestampRE = regexp.MustCompile(`([?&])_cb=\d+`)

// Client is the resilient RPC wrapper described in spec.md §4.3.
type Client struct {
	cfg         Config
	logger      *slog.Logger
	observer    Observer
	playerOK    healthCheck

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	sock             *socket
	connected        bool
	failedReconnects int
	reconnectDelay   time.Duration
	reconnectTimer   *time.Timer
	hostLaunched     bool

	restart restartState
}

const (
	initialReconnectDelay = 5 * time.Second
	maxReconnectDelay     = 30 * time.Second
	reconnectMultiplier   = 1.5
)

// New constructs a host client. Call Connect to begin the initial
// connection attempt; reconnects and the health monitor run for the
// lifetime of ctx.
func New(ctx context.Context, cfg Config, logger *slog.Logger, observer Observer, playerOK healthCheck) *Client {
	cctx, cancel := context.WithCancel(ctx)
	c := &Client{
		cfg:            cfg,
		logger:         logger,
		observer:       observer,
		playerOK:       playerOK,
		ctx:            cctx,
		cancel:         cancel,
		reconnectDelay: initialReconnectDelay,
	}
	c.restart.delays = []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second, 60 * time.Second, 60 * time.Second}
	go c.healthMonitorLoop()
	return c
}

// Close cancels every owned timer and closes the socket. Safe to call
// once, typically from Supervisor.reloadConfig/triggerRestart.
func (c *Client) Close() {
	c.cancel()
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.restart.timer != nil {
		c.restart.timer.Stop()
		c.restart.timer = nil
	}
	sock := c.sock
	c.sock = nil
	c.connected = false
	c.mu.Unlock()
	if sock != nil {
		sock.close()
	}
}

// IsConnected reports whether the RPC socket is currently live.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect attempts to establish the RPC connection. Idempotent: a call
// while already connected is a no-op. On failure, increments
// failedReconnects, optionally triggers the host-process launch, and
// schedules a reconnect — it never returns an error to the caller
// (spec.md §4.3: "all return success/failure, never throw").
func (c *Client) Connect() bool {
	if c.IsConnected() {
		return true
	}

	sock, err := dial(c.ctx, c.cfg.URL, c.cfg.Password, c.logger, c.handleEvent)
	if err != nil {
		c.logger.Warn("hostclient: connect failed", slog.String("error", err.Error()))
		c.onConnectFailure()
		return false
	}

	c.mu.Lock()
	c.sock = sock
	c.connected = true
	c.failedReconnects = 0
	c.reconnectDelay = initialReconnectDelay
	c.hostLaunched = false
	c.mu.Unlock()

	c.logger.Info("hostclient: connected", slog.String("url", c.cfg.URL))
	if c.observer != nil {
		c.observer.OnConnect()
	}
	return true
}

func (c *Client) onConnectFailure() {
	metrics.HostReconnectAttemptsTotal.Inc()

	c.mu.Lock()
	c.failedReconnects++
	failed := c.failedReconnects
	c.mu.Unlock()

	if c.cfg.AutoRestart && c.cfg.ExecutablePath != "" && failed >= 2 {
		c.maybeLaunchHost()
	}

	c.scheduleReconnect()
}

func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.sock = nil
	c.mu.Unlock()

	if !wasConnected {
		return
	}

	c.logger.Warn("hostclient: disconnected", slog.String("error", errString(err)))
	if c.observer != nil {
		c.observer.OnDisconnect()
	}
	c.onConnectFailure()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// scheduleReconnect arms a single-shot reconnect timer at the current
// backoff delay, then grows the delay by 1.5x capped at 30s. Multiple
// schedule calls coalesce onto one timer.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	delay := c.reconnectDelay
	metrics.HostReconnectDelaySeconds.Set(delay.Seconds())

	c.reconnectTimer = time.AfterFunc(delay, func() {
		if c.ctx.Err() != nil {
			return
		}
		c.Connect()
	})

	next := time.Duration(float64(c.reconnectDelay) * reconnectMultiplier)
	if next > maxReconnectDelay {
		next = maxReconnectDelay
	}
	c.reconnectDelay = next
}

// maybeLaunchHost spawns the host process if it is not already
// running, at most once per disconnect cycle. Uses argv-style
// execution exclusively — no shell concatenation of the configured
// executable path or image name (spec.md §4.3, §9 Design Notes).
func (c *Client) maybeLaunchHost() {
	c.mu.Lock()
	if c.hostLaunched {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	running, err := processRunning(c.cfg.ProcessImageName)
	if err != nil {
		c.logger.Warn("hostclient: process query failed", slog.String("error", err.Error()))
	}
	if running {
		return
	}

	if c.cfg.CrashSentinel != "" {
		if err := os.Remove(c.cfg.CrashSentinel); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("hostclient: clear crash sentinel failed", slog.String("error", err.Error()))
		}
	}

	args := []string{"--disable-shutdown-check"}
	cmd := exec.Command(c.cfg.ExecutablePath, args...)
	cmd.Dir = c.cfg.InstallDir

	if err := cmd.Start(); err != nil {
		c.logger.Error("hostclient: launch failed", slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	c.hostLaunched = true
	c.mu.Unlock()

	c.logger.Info("hostclient: launched host process",
		slog.String("executable", c.cfg.ExecutablePath),
		slog.Int("pid", cmd.Process.Pid),
	)

	// Launch is fire-and-forget: spec.md §5 says host-process launch
	// "has no wait". Reap in the background so the process never
	// becomes a zombie.
	go func() { _ = cmd.Wait() }()
}

// processRunning checks whether a process with the given image name is
// currently running, via an argv-style `pgrep -x` invocation (never
// shell concatenation of the name).
func processRunning(imageName string) (bool, error) {
	if imageName == "" {
		return false, nil
	}
	out, err := exec.Command("pgrep", "-x", imageName).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil // pgrep: no matching process
		}
		return false, err
	}
	return len(strings.TrimSpace(string(out))) > 0, nil
}

// handleEvent dispatches an unsolicited host event to the stream-drop
// restart sub-FSM.
func (c *Client) handleEvent(eventType string, data json.RawMessage) {
	if eventType != "StreamStateChanged" {
		return
	}
	var payload struct {
		OutputState string `json:"outputState"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		c.logger.Warn("hostclient: malformed StreamStateChanged", slog.String("error", err.Error()))
		return
	}
	switch payload.OutputState {
	case "OBS_WEBSOCKET_OUTPUT_STOPPED":
		c.onStreamStopped()
	case "OBS_WEBSOCKET_OUTPUT_STARTED":
		c.onStreamStarted()
	}
}

// --- RPC operations (§4.3) ---

func (c *Client) currentSocket() (*socket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock, c.connected
}

// RefreshBrowserSource fetches the configured source's current URL,
// strips any _cb=<digits> cache-busting parameter, appends a fresh
// one keyed on the current epoch millisecond, and writes it back.
func (c *Client) RefreshBrowserSource() bool {
	sock, ok := c.currentSocket()
	if !ok {
		return false
	}

	ctx, cancel := context.WithTimeout(c.ctx, rpcTimeout)
	defer cancel()

	reqData, _ := json.Marshal(map[string]string{"inputName": c.cfg.SourceName})
	resp, err := sock.call(ctx, "GetInputSettings", reqData)
	if err != nil {
		c.logger.Warn("hostclient: get input settings failed", slog.String("error", err.Error()))
		c.handleDisconnect(err)
		return false
	}

	var settings struct {
		InputSettings struct {
			URL string `json:"url"`
		} `json:"inputSettings"`
	}
	if err := json.Unmarshal(resp, &settings); err != nil {
		c.logger.Warn("hostclient: parse input settings failed", slog.String("error", err.Error()))
		return false
	}

	newURL := bustCache(settings.InputSettings.URL, time.Now().UnixMilli())

	setData, _ := json.Marshal(map[string]any{
		"inputName":     c.cfg.SourceName,
		"inputSettings": map[string]string{"url": newURL},
	})
	if _, err := sock.call(ctx, "SetInputSettings", setData); err != nil {
		c.logger.Warn("hostclient: set input settings failed", slog.String("error", err.Error()))
		c.handleDisconnect(err)
		return false
	}
	return true
}

// bustCache strips any existing _cb=<digits> query parameter and
// appends a fresh one keyed on nowMs.
func bustCache(url string, nowMs int64) string {
	stripped := cbTimestampRE.ReplaceAllString(url, "$1")
	stripped = strings.TrimRight(stripped, "&?")
	sep := "?"
	if strings.Contains(stripped, "?") {
		sep = "&"
	}
	return stripped + sep + "_cb=" + strconv.FormatInt(nowMs, 10)
}

// ToggleBrowserSource locates the source in the active scene, disables
// it, sleeps 1s, then re-enables it.
func (c *Client) ToggleBrowserSource() bool {
	sock, ok := c.currentSocket()
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(c.ctx, rpcTimeout)
	defer cancel()

	sceneItemID, ok := c.lookupSceneItemID(ctx, sock)
	if !ok {
		return false
	}

	if !c.setSceneItemEnabled(ctx, sock, sceneItemID, false) {
		return false
	}

	select {
	case <-time.After(1 * time.Second):
	case <-c.ctx.Done():
		return false
	}

	return c.setSceneItemEnabled(ctx, sock, sceneItemID, true)
}

func (c *Client) currentSceneName(ctx context.Context, sock *socket) (string, bool) {
	resp, err := sock.call(ctx, "GetCurrentProgramScene", nil)
	if err != nil {
		c.logger.Warn("hostclient: get current scene failed", slog.String("error", err.Error()))
		c.handleDisconnect(err)
		return "", false
	}
	var scene struct {
		CurrentProgramSceneName string `json:"currentProgramSceneName"`
	}
	if err := json.Unmarshal(resp, &scene); err != nil {
		return "", false
	}
	return scene.CurrentProgramSceneName, true
}

func (c *Client) lookupSceneItemID(ctx context.Context, sock *socket) (int, bool) {
	sceneName, ok := c.currentSceneName(ctx, sock)
	if !ok {
		return 0, false
	}

	reqData, _ := json.Marshal(map[string]string{"sceneName": sceneName})
	resp, err := sock.call(ctx, "GetSceneItemList", reqData)
	if err != nil {
		c.logger.Warn("hostclient: get scene item list failed", slog.String("error", err.Error()))
		c.handleDisconnect(err)
		return 0, false
	}

	var list struct {
		SceneItems []struct {
			SceneItemID  int    `json:"sceneItemId"`
			SourceName   string `json:"sourceName"`
		} `json:"sceneItems"`
	}
	if err := json.Unmarshal(resp, &list); err != nil {
		return 0, false
	}
	for _, item := range list.SceneItems {
		if item.SourceName == c.cfg.SourceName {
			return item.SceneItemID, true
		}
	}
	return 0, false
}

func (c *Client) setSceneItemEnabled(ctx context.Context, sock *socket, sceneItemID int, enabled bool) bool {
	sceneName, ok := c.currentSceneName(ctx, sock)
	if !ok {
		return false
	}
	data, _ := json.Marshal(map[string]any{
		"sceneName":        sceneName,
		"sceneItemId":      sceneItemID,
		"sceneItemEnabled": enabled,
	})
	if _, err := sock.call(ctx, "SetSceneItemEnabled", data); err != nil {
		c.logger.Warn("hostclient: set scene item enabled failed", slog.String("error", err.Error()))
		c.handleDisconnect(err)
		return false
	}
	return true
}

// IsStreaming queries the stream status. Any failure is treated as
// "not streaming".
func (c *Client) IsStreaming() bool {
	sock, ok := c.currentSocket()
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(c.ctx, rpcTimeout)
	defer cancel()

	resp, err := sock.call(ctx, "GetStreamStatus", nil)
	if err != nil {
		c.logger.Warn("hostclient: get stream status failed", slog.String("error", err.Error()))
		return false
	}
	var status struct {
		OutputActive bool `json:"outputActive"`
	}
	if err := json.Unmarshal(resp, &status); err != nil {
		return false
	}
	return status.OutputActive
}

// sourceEnabledInActiveScene checks whether the configured source is
// present and enabled in the current program scene.
func (c *Client) sourceEnabledInActiveScene(ctx context.Context, sock *socket) bool {
	sceneItemID, ok := c.lookupSceneItemID(ctx, sock)
	if !ok {
		return false
	}
	sceneName, ok := c.currentSceneName(ctx, sock)
	if !ok {
		return false
	}
	data, _ := json.Marshal(map[string]any{"sceneName": sceneName, "sceneItemId": sceneItemID})
	resp, err := sock.call(ctx, "GetSceneItemEnabled", data)
	if err != nil {
		return false
	}
	var result struct {
		SceneItemEnabled bool `json:"sceneItemEnabled"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return false
	}
	return result.SceneItemEnabled
}

// StartStreaming pre-checks that streaming is not already active and
// the source is present and enabled in the active scene, then issues
// StartStream.
func (c *Client) StartStreaming() bool {
	sock, ok := c.currentSocket()
	if !ok {
		return false
	}
	if c.IsStreaming() {
		return false
	}

	ctx, cancel := context.WithTimeout(c.ctx, rpcTimeout)
	defer cancel()

	if !c.sourceEnabledInActiveScene(ctx, sock) {
		c.logger.Warn("hostclient: start streaming aborted, source not present/enabled")
		return false
	}

	if _, err := sock.call(ctx, "StartStream", nil); err != nil {
		c.logger.Warn("hostclient: start stream failed", slog.String("error", err.Error()))
		c.handleDisconnect(err)
		return false
	}
	return true
}

// StopStream issues StopStream.
func (c *Client) StopStream() bool {
	sock, ok := c.currentSocket()
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(c.ctx, rpcTimeout)
	defer cancel()

	if _, err := sock.call(ctx, "StopStream", nil); err != nil {
		c.logger.Warn("hostclient: stop stream failed", slog.String("error", err.Error()))
		c.handleDisconnect(err)
		return false
	}
	return true
}

