package hostclient

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBustCache_ReplacesExistingParam(t *testing.T) {
	got := bustCache("http://host/page?foo=1&_cb=12345", 99999)
	want := "http://host/page?foo=1&_cb=99999"
	if got != want {
		t.Fatalf("bustCache() = %q, want %q", got, want)
	}
}

func TestBustCache_AppendsWhenAbsent(t *testing.T) {
	got := bustCache("http://host/page", 42)
	want := "http://host/page?_cb=42"
	if got != want {
		t.Fatalf("bustCache() = %q, want %q", got, want)
	}
}

func TestBustCache_AppendsAfterExistingQueryWithoutCB(t *testing.T) {
	got := bustCache("http://host/page?foo=1", 42)
	want := "http://host/page?foo=1&_cb=42"
	if got != want {
		t.Fatalf("bustCache() = %q, want %q", got, want)
	}
}

func TestScheduleReconnect_GrowsDelayExponentiallyCappedAt30s(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &Client{
		cfg:            Config{},
		logger:         testLogger(),
		ctx:            ctx,
		cancel:         cancel,
		reconnectDelay: initialReconnectDelay,
	}

	want := []time.Duration{
		5 * time.Second,
		7500 * time.Millisecond,
		11250 * time.Millisecond,
		16875 * time.Millisecond,
		25312500 * time.Microsecond,
		30 * time.Second, // capped
		30 * time.Second, // stays capped
	}

	for i, w := range want {
		before := c.reconnectDelay
		if before != w {
			t.Fatalf("step %d: reconnectDelay before scheduling = %v, want %v", i, before, w)
		}
		c.scheduleReconnect()
	}
	c.Close()
}

func TestOnConnectFailure_IncrementsFailedReconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &Client{
		cfg:            Config{},
		logger:         testLogger(),
		ctx:            ctx,
		cancel:         cancel,
		reconnectDelay: initialReconnectDelay,
	}

	c.onConnectFailure()
	c.onConnectFailure()

	c.mu.Lock()
	got := c.failedReconnects
	c.mu.Unlock()

	if got != 2 {
		t.Fatalf("failedReconnects = %d, want 2", got)
	}
	c.Close()
}

func TestIsConnected_FalseBeforeConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &Client{ctx: ctx, cancel: cancel, logger: testLogger()}
	if c.IsConnected() {
		t.Fatal("expected IsConnected() false with no socket")
	}
	c.Close()
}
