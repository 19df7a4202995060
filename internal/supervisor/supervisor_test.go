package supervisor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
statePath: state.json
playlists:
  - id: p1
    name: Playlist One
host:
  url: ws://127.0.0.1:0/invalid
`

func TestNew_BuildsRunningSupervisorFromValidConfig(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(ctx, WithConfigPath(path), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Shutdown()

	if s.Transport() == nil {
		t.Fatal("expected a non-nil Transport")
	}
	if s.EventLog() == nil {
		t.Fatal("expected a non-nil EventLog")
	}
	if s.APIToken() == "" {
		t.Fatal("expected a generated API token")
	}
}

func TestNew_FailsOnMissingConfigFile(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := New(ctx, WithConfigPath(filepath.Join(t.TempDir(), "missing.yaml")), WithLogger(testLogger()))
	if err == nil {
		t.Fatal("expected an error when the config file does not exist")
	}
}

func TestNew_FailsOnConfigWithoutPlaylists(t *testing.T) {
	path := writeConfig(t, "statePath: state.json\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := New(ctx, WithConfigPath(path), WithLogger(testLogger()))
	if err == nil {
		t.Fatal("expected validation to reject a config with no playlists")
	}
}

func TestAPIToken_StableAcrossReload(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(ctx, WithConfigPath(path), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Shutdown()

	before := s.APIToken()

	if err := s.ReloadConfig(); err != nil {
		t.Fatalf("ReloadConfig: %v", err)
	}

	if s.APIToken() != before {
		t.Fatal("expected the API token to persist unchanged across a config reload")
	}
}

func TestReloadConfig_KeepsPriorGenerationOnFailure(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(ctx, WithConfigPath(path), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Shutdown()

	s.mu.RLock()
	firstGen := s.cur
	s.mu.RUnlock()

	// Overwrite with an invalid config (no playlists); ReloadConfig must
	// fail and leave the running generation untouched.
	if err := os.WriteFile(path, []byte("statePath: state.json\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.ReloadConfig(); err == nil {
		t.Fatal("expected ReloadConfig to fail on an invalid config")
	}

	s.mu.RLock()
	stillFirstGen := s.cur
	s.mu.RUnlock()
	if stillFirstGen != firstGen {
		t.Fatal("expected the prior component generation to remain current after a failed reload")
	}
}

func TestReloadConfig_SwapsComponentsOnSuccess(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(ctx, WithConfigPath(path), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Shutdown()

	s.mu.RLock()
	firstGen := s.cur
	s.mu.RUnlock()

	if err := s.ReloadConfig(); err != nil {
		t.Fatalf("ReloadConfig: %v", err)
	}

	s.mu.RLock()
	secondGen := s.cur
	s.mu.RUnlock()

	if secondGen == firstGen {
		t.Fatal("expected ReloadConfig to swap in a new component generation")
	}
}

func TestShutdown_ReturnsPromptly(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(ctx, WithConfigPath(path), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Shutdown to return promptly")
	}
}
