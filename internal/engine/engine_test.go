package engine

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"streamsupervisor/internal/app"
	"streamsupervisor/internal/domain"
	"streamsupervisor/internal/eventlog"
	"streamsupervisor/internal/hostclient"
	"streamsupervisor/internal/notifier"
	"streamsupervisor/internal/statestore"
	"streamsupervisor/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *statestore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	return statestore.New(path, testLogger())
}

func testRecoveryConfig() app.RecoveryConfig {
	return app.RecoveryConfig{
		HeartbeatIntervalMs:    5000,
		HeartbeatTimeoutMs:     15000,
		RecoveryDelayMs:        5000,
		MaxConsecutiveErrors:   3,
		QualityRecoveryOn:      true,
		MinQuality:             "large",
		QualityRecoveryDelayMs: 30000,
	}
}

// newTestEngine builds an Engine with real (but unconnected) collaborators:
// a temp-file state store, a notifier with no webhook URL (a silent no-op),
// and a host client with no RPC socket (RefreshBrowserSource/
// ToggleBrowserSource both become safe no-ops returning false).
func newTestEngine(t *testing.T, cfg app.RecoveryConfig, playlists []domain.PlaylistEntry) (*Engine, *transport.Transport) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := testStore(t)
	tr := transport.New(testLogger())
	notif := notifier.New(notifier.Config{}, testLogger())
	host := hostclient.New(ctx, hostclient.Config{}, testLogger(), nil, func() bool { return true })
	t.Cleanup(host.Close)
	events := eventlog.New()

	eng := New(ctx, cfg, playlists, store, tr, host, notif, events, testLogger())
	return eng, tr
}

// dialConnected wires tr behind a real httptest server and dials a
// websocket client into it, so tr.IsConnected()/Send actually exercise the
// live-connection path instead of the drop-when-disconnected path.
func dialConnected(t *testing.T, tr *transport.Transport) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(tr)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// Drain the connect event so it doesn't linger unread in the
	// buffered events channel (not needed by these white-box tests,
	// which call handler methods directly rather than running the
	// mailbox loop).
	<-tr.Events()

	// Give the server a moment to register the connection as current
	// before the test proceeds to call IsConnected()/Send.
	deadline := time.Now().Add(time.Second)
	for !tr.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	return conn
}

func TestOnPlayerConnect_LoadsPlaylistFromClampedState(t *testing.T) {
	playlists := []domain.PlaylistEntry{{ID: "p0"}, {ID: "p1"}}
	eng, tr := newTestEngine(t, testRecoveryConfig(), playlists)
	conn := dialConnected(t, tr)

	eng.onPlayerConnect()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a loadPlaylist message, got error: %v", err)
	}
	if !strings.Contains(string(raw), `"playlistId":"p0"`) {
		t.Fatalf("expected playlist p0 loaded, got %s", raw)
	}
	if eng.state.step != domain.StepNone {
		t.Fatalf("expected step reset to none on connect, got %v", eng.state.step)
	}
}

func TestOnPlayerConnect_NoPlaylistsIsANoOp(t *testing.T) {
	eng, tr := newTestEngine(t, testRecoveryConfig(), nil)
	dialConnected(t, tr)

	eng.onPlayerConnect() // must not panic with zero playlists
}

func heartbeat(videoIndex int, currentTime float64, state domain.PlayerState) transport.Heartbeat {
	return transport.Heartbeat{
		VideoIndex:  videoIndex,
		VideoID:     "vid",
		PlayerState: int(state),
		CurrentTime: currentTime,
	}
}

func TestStallDetection_TriggersRecoveryAtThreeStalledHeartbeats(t *testing.T) {
	eng, tr := newTestEngine(t, testRecoveryConfig(), []domain.PlaylistEntry{{ID: "p0"}})
	dialConnected(t, tr)

	hb := heartbeat(0, 10.0, domain.PlayerPlaying)
	eng.onHeartbeat(hb) // establishes lastProgressTime, stalledHeartbeats -> 0
	eng.onHeartbeat(hb) // 1
	eng.onHeartbeat(hb) // 2
	if eng.state.step != domain.StepNone {
		t.Fatalf("expected no recovery before the 3rd stalled heartbeat, step=%v", eng.state.step)
	}
	eng.onHeartbeat(hb) // 3 -> triggers

	if eng.state.step != domain.StepRetryCurrent {
		t.Fatalf("expected StepRetryCurrent after 3 stalled heartbeats, got %v", eng.state.step)
	}
	eng.cancelRecoveryTimer()
}

func TestStallDetection_ProgressResetsCounterAndResolvesRecovery(t *testing.T) {
	eng, tr := newTestEngine(t, testRecoveryConfig(), []domain.PlaylistEntry{{ID: "p0"}})
	dialConnected(t, tr)

	stalled := heartbeat(0, 10.0, domain.PlayerPlaying)
	eng.onHeartbeat(stalled) // establishes lastProgressTime
	eng.onHeartbeat(stalled)
	eng.onHeartbeat(stalled)
	eng.onHeartbeat(stalled)
	if eng.state.step != domain.StepRetryCurrent {
		t.Fatalf("setup: expected recovery engaged, got %v", eng.state.step)
	}

	progressing := heartbeat(0, 20.0, domain.PlayerPlaying)
	eng.onHeartbeat(progressing)

	if eng.state.step != domain.StepNone {
		t.Fatalf("expected progress to resolve recovery, got %v", eng.state.step)
	}
	if eng.state.stalledHeartbeats != 0 {
		t.Fatalf("expected stalled counter reset, got %d", eng.state.stalledHeartbeats)
	}
}

func TestQualityRecoveryCheck_TriggersAtThreshold(t *testing.T) {
	cfg := testRecoveryConfig()
	cfg.QualityRecoveryDelayMs = 10000 // 2 heartbeats at 5000ms interval
	eng, tr := newTestEngine(t, cfg, []domain.PlaylistEntry{{ID: "p0"}})
	dialConnected(t, tr)

	hb := transport.Heartbeat{VideoIndex: 0, VideoID: "vid", PlayerState: int(domain.PlayerPlaying), PlaybackQuality: "small"}

	eng.qualityRecoveryCheck(hb)
	if eng.state.step != domain.StepNone {
		t.Fatalf("expected no recovery after 1 low-quality heartbeat, got %v", eng.state.step)
	}
	eng.qualityRecoveryCheck(hb)
	if eng.state.step != domain.StepRetryCurrent {
		t.Fatalf("expected recovery at the 2nd low-quality heartbeat, got %v", eng.state.step)
	}
	eng.cancelRecoveryTimer()
}

func TestQualityRecoveryCheck_DisabledByConfig(t *testing.T) {
	cfg := testRecoveryConfig()
	cfg.QualityRecoveryOn = false
	eng, tr := newTestEngine(t, cfg, []domain.PlaylistEntry{{ID: "p0"}})
	dialConnected(t, tr)

	hb := transport.Heartbeat{VideoIndex: 0, VideoID: "vid", PlayerState: int(domain.PlayerPlaying), PlaybackQuality: "small"}
	for i := 0; i < 10; i++ {
		eng.qualityRecoveryCheck(hb)
	}
	if eng.state.step != domain.StepNone {
		t.Fatalf("expected quality recovery disabled, got step %v", eng.state.step)
	}
}

func TestApplyStateWritePolicy_SkipsWriteWhileStalled(t *testing.T) {
	eng, tr := newTestEngine(t, testRecoveryConfig(), []domain.PlaylistEntry{{ID: "p0"}})
	dialConnected(t, tr)

	eng.state.stalledHeartbeats = 3
	hb := heartbeat(5, 1.0, domain.PlayerPlaying)
	before := eng.store.Get()

	eng.applyStateWritePolicy(hb)

	after := eng.store.Get()
	if after.VideoIndex != before.VideoIndex {
		t.Fatalf("expected store write to be skipped while stalled, videoIndex changed to %d", after.VideoIndex)
	}
}

func TestApplyStateWritePolicy_WritesWhenNotStalled(t *testing.T) {
	eng, tr := newTestEngine(t, testRecoveryConfig(), []domain.PlaylistEntry{{ID: "p0"}})
	dialConnected(t, tr)

	hb := heartbeat(5, 12.5, domain.PlayerPlaying)
	eng.applyStateWritePolicy(hb)

	after := eng.store.Get()
	if after.VideoIndex != 5 || after.VideoID != "vid" || after.CurrentTime != 12.5 {
		t.Fatalf("expected state write applied, got %+v", after)
	}
}

func TestPausedAutoResume_SendsResumeAtSecondPausedHeartbeat(t *testing.T) {
	eng, tr := newTestEngine(t, testRecoveryConfig(), []domain.PlaylistEntry{{ID: "p0"}})
	conn := dialConnected(t, tr)

	hb := heartbeat(0, 1.0, domain.PlayerPaused)
	eng.pausedAutoResume(hb)
	eng.pausedAutoResume(hb)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a resume message, got error: %v", err)
	}
	if !strings.Contains(string(raw), transport.TypeResume) {
		t.Fatalf("expected resume message, got %s", raw)
	}
}

func TestPausedAutoResume_ResetsCounterWhenUnpaused(t *testing.T) {
	eng, tr := newTestEngine(t, testRecoveryConfig(), []domain.PlaylistEntry{{ID: "p0"}})
	dialConnected(t, tr)

	eng.pausedAutoResume(heartbeat(0, 1.0, domain.PlayerPaused))
	eng.pausedAutoResume(heartbeat(0, 1.0, domain.PlayerPlaying))

	if eng.state.consecutivePausedHeartbeats != 0 {
		t.Fatalf("expected paused counter reset, got %d", eng.state.consecutivePausedHeartbeats)
	}
}

func TestNonPlayingDetection_TriggersRecoveryAtSixHeartbeats(t *testing.T) {
	eng, tr := newTestEngine(t, testRecoveryConfig(), []domain.PlaylistEntry{{ID: "p0"}})
	dialConnected(t, tr)

	hb := heartbeat(0, 0, domain.PlayerBuffering)
	for i := 0; i < 5; i++ {
		eng.nonPlayingDetection(hb)
	}
	if eng.state.step != domain.StepNone {
		t.Fatalf("expected no recovery before the 6th non-playing heartbeat, got %v", eng.state.step)
	}
	eng.nonPlayingDetection(hb)
	if eng.state.step != domain.StepRetryCurrent {
		t.Fatalf("expected recovery at the 6th non-playing heartbeat, got %v", eng.state.step)
	}
	eng.cancelRecoveryTimer()
}

func TestOnError_PermanentCodeSkipsImmediately(t *testing.T) {
	eng, tr := newTestEngine(t, testRecoveryConfig(), []domain.PlaylistEntry{{ID: "p0"}})
	conn := dialConnected(t, tr)
	eng.state.totalVideos = 5

	eng.onError(transport.PlayerError{ErrorCode: 150, VideoIndex: 0, VideoID: "vid"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a skip message, got error: %v", err)
	}
	if !strings.Contains(string(raw), transport.TypeSkip) {
		t.Fatalf("expected skip message, got %s", raw)
	}
	if eng.state.consecutiveErrors != 0 {
		t.Fatalf("permanent skip must not bump consecutiveErrors, got %d", eng.state.consecutiveErrors)
	}
}

func TestOnError_SkipsAfterMaxConsecutiveErrors(t *testing.T) {
	eng, tr := newTestEngine(t, testRecoveryConfig(), []domain.PlaylistEntry{{ID: "p0"}})
	conn := dialConnected(t, tr)
	eng.state.totalVideos = 5

	transientCode := 999
	eng.onError(transport.PlayerError{ErrorCode: transientCode, VideoIndex: 0, VideoID: "vid"})
	eng.onError(transport.PlayerError{ErrorCode: transientCode, VideoIndex: 0, VideoID: "vid"})
	if eng.state.consecutiveErrors != 2 {
		t.Fatalf("expected consecutiveErrors=2, got %d", eng.state.consecutiveErrors)
	}

	eng.onError(transport.PlayerError{ErrorCode: transientCode, VideoIndex: 0, VideoID: "vid"})

	if eng.state.consecutiveErrors != 0 {
		t.Fatalf("expected consecutiveErrors reset after skip, got %d", eng.state.consecutiveErrors)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a skip message, got error: %v", err)
	}
	if !strings.Contains(string(raw), transport.TypeSkip) {
		t.Fatalf("expected skip message, got %s", raw)
	}
}

func TestSkip_AdvancesPlaylistAtLastIndex(t *testing.T) {
	eng, tr := newTestEngine(t, testRecoveryConfig(), []domain.PlaylistEntry{{ID: "p0"}})
	conn := dialConnected(t, tr)
	eng.state.totalVideos = 3

	eng.skip(2, "test") // last index -> must advance, not skip in place

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a loadPlaylist message from advancePlaylist, got error: %v", err)
	}
	if !strings.Contains(string(raw), transport.TypeLoadPlaylist) {
		t.Fatalf("expected playlist advance at end of playlist, got %s", raw)
	}
}

func TestSkip_MovesToNextIndexMidPlaylist(t *testing.T) {
	eng, tr := newTestEngine(t, testRecoveryConfig(), []domain.PlaylistEntry{{ID: "p0"}})
	conn := dialConnected(t, tr)
	eng.state.totalVideos = 5

	eng.skip(1, "test")

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a skip message, got error: %v", err)
	}
	if !strings.Contains(string(raw), `"index":2`) {
		t.Fatalf("expected skip to index 2, got %s", raw)
	}
	if got := eng.store.Get().VideoIndex; got != 2 {
		t.Fatalf("expected store videoIndex updated to 2, got %d", got)
	}
}

func TestAdvancePlaylist_MovesToNextAndResetsState(t *testing.T) {
	eng, tr := newTestEngine(t, testRecoveryConfig(), []domain.PlaylistEntry{{ID: "p0"}, {ID: "p1"}})
	conn := dialConnected(t, tr)
	eng.state.totalVideos = 10
	eng.state.consecutiveErrors = 2

	eng.advancePlaylist("test")

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a loadPlaylist message, got error: %v", err)
	}
	if !strings.Contains(string(raw), `"playlistId":"p1"`) {
		t.Fatalf("expected playlist advanced to p1, got %s", raw)
	}
	if eng.state.totalVideos != 0 {
		t.Fatalf("expected totalVideos reset, got %d", eng.state.totalVideos)
	}
	if eng.state.consecutiveErrors != 0 {
		t.Fatalf("expected consecutiveErrors reset, got %d", eng.state.consecutiveErrors)
	}
	if got := eng.store.Get().PlaylistIndex; got != 1 {
		t.Fatalf("expected store playlistIndex=1, got %d", got)
	}
}

func TestAdvancePlaylist_NoOpWithoutPlaylists(t *testing.T) {
	eng, tr := newTestEngine(t, testRecoveryConfig(), nil)
	dialConnected(t, tr)

	eng.advancePlaylist("test") // must not panic indexing an empty slice
}

func TestEscalationFSM_StepsThroughLadderWhenStillBroken(t *testing.T) {
	eng, tr := newTestEngine(t, testRecoveryConfig(), []domain.PlaylistEntry{{ID: "p0"}})
	dialConnected(t, tr)

	eng.startRecovery()
	if eng.state.step != domain.StepRetryCurrent {
		t.Fatalf("expected StepRetryCurrent after startRecovery, got %v", eng.state.step)
	}

	// Force "still broken" so each fire escalates instead of resolving.
	eng.state.stalledHeartbeats = 3

	eng.onEscalationFire(domain.StepRetryCurrent)
	if eng.state.step != domain.StepRefreshSource {
		t.Fatalf("expected StepRefreshSource, got %v", eng.state.step)
	}

	eng.onEscalationFire(domain.StepRefreshSource)
	if eng.state.step != domain.StepToggleVisibility {
		t.Fatalf("expected StepToggleVisibility, got %v", eng.state.step)
	}

	eng.onEscalationFire(domain.StepToggleVisibility)
	if eng.state.step != domain.StepCriticalAlert {
		t.Fatalf("expected StepCriticalAlert, got %v", eng.state.step)
	}

	eng.onEscalationFire(domain.StepCriticalAlert)
	if eng.state.step != domain.StepRetryCurrent {
		t.Fatalf("expected the ladder to loop back to StepRetryCurrent, got %v", eng.state.step)
	}
	eng.cancelRecoveryTimer()
}

func TestEscalationFSM_IgnoresStaleFire(t *testing.T) {
	eng, tr := newTestEngine(t, testRecoveryConfig(), []domain.PlaylistEntry{{ID: "p0"}})
	dialConnected(t, tr)

	eng.startRecovery()
	eng.state.step = domain.StepRefreshSource // superseded since the fire below

	eng.onEscalationFire(domain.StepRetryCurrent) // stale — must be ignored

	if eng.state.step != domain.StepRefreshSource {
		t.Fatalf("expected stale fire to be ignored, step changed to %v", eng.state.step)
	}
	eng.cancelRecoveryTimer()
}

func TestEscalationFSM_ResolvesWhenNoLongerBroken(t *testing.T) {
	eng, tr := newTestEngine(t, testRecoveryConfig(), []domain.PlaylistEntry{{ID: "p0"}})
	dialConnected(t, tr)

	eng.startRecovery()
	eng.state.lastHeartbeatAt = time.Now() // recently healthy, not overdue
	eng.state.stalledHeartbeats = 0
	eng.state.nonPlayingHeartbeats = 0

	eng.onEscalationFire(domain.StepRetryCurrent)

	if eng.state.step != domain.StepNone {
		t.Fatalf("expected recovery resolved once no longer broken, got %v", eng.state.step)
	}
}

func TestResolveRecovery_NoOpWhenNotInRecovery(t *testing.T) {
	eng, tr := newTestEngine(t, testRecoveryConfig(), []domain.PlaylistEntry{{ID: "p0"}})
	dialConnected(t, tr)

	eng.resolveRecovery(0, "vid") // must not panic or notify when step is already none
	if eng.state.step != domain.StepNone {
		t.Fatalf("expected step unchanged, got %v", eng.state.step)
	}
}

func TestCheckHeartbeatWatchdog_FiresWhenOverdue(t *testing.T) {
	eng, tr := newTestEngine(t, testRecoveryConfig(), []domain.PlaylistEntry{{ID: "p0"}})
	dialConnected(t, tr)

	eng.state.lastHeartbeatAt = time.Now().Add(-1 * time.Hour)

	eng.checkHeartbeatWatchdog()

	if eng.state.step != domain.StepRetryCurrent {
		t.Fatalf("expected watchdog to start recovery, got %v", eng.state.step)
	}
	eng.cancelRecoveryTimer()
}

func TestCheckHeartbeatWatchdog_NoOpWhenDisconnected(t *testing.T) {
	eng, _ := newTestEngine(t, testRecoveryConfig(), []domain.PlaylistEntry{{ID: "p0"}})
	eng.state.lastHeartbeatAt = time.Now().Add(-1 * time.Hour)

	eng.checkHeartbeatWatchdog() // no client dialed in, tr.IsConnected() is false

	if eng.state.step != domain.StepNone {
		t.Fatalf("expected no-op without a connected player, got %v", eng.state.step)
	}
}

func TestCheckHeartbeatWatchdog_NoOpBeforeFirstHeartbeat(t *testing.T) {
	eng, tr := newTestEngine(t, testRecoveryConfig(), []domain.PlaylistEntry{{ID: "p0"}})
	dialConnected(t, tr)

	eng.checkHeartbeatWatchdog() // lastHeartbeatAt is still zero

	if eng.state.step != domain.StepNone {
		t.Fatalf("expected no-op before any heartbeat observed, got %v", eng.state.step)
	}
}

func TestPlayerHealthy_RoundTripsThroughMailboxWhileRunning(t *testing.T) {
	eng, tr := newTestEngine(t, testRecoveryConfig(), []domain.PlaylistEntry{{ID: "p0"}})
	dialConnected(t, tr)

	go eng.Run()
	t.Cleanup(eng.Close)

	if !eng.PlayerHealthy() {
		t.Fatal("expected PlayerHealthy() true: connected and step=None")
	}
}

func TestPlayerHealthy_FalseWhenEngineNotRunning(t *testing.T) {
	eng, tr := newTestEngine(t, testRecoveryConfig(), []domain.PlaylistEntry{{ID: "p0"}})
	dialConnected(t, tr)
	// Run is never started, so nothing drains the mailbox: the query is
	// buffered but never answered, the reply wait times out after 2s and
	// PlayerHealthy reports unhealthy.

	if eng.PlayerHealthy() {
		t.Fatal("expected PlayerHealthy() false when no goroutine services the mailbox")
	}
}

func TestMaintenanceRefresh_NoOpMidRecovery(t *testing.T) {
	eng, tr := newTestEngine(t, testRecoveryConfig(), []domain.PlaylistEntry{{ID: "p0"}})
	dialConnected(t, tr)
	eng.state.step = domain.StepRetryCurrent

	eng.maintenanceRefresh() // must not attempt a refresh while recovery is active; asserted only by absence of panic
}
