// Package notifier implements the batched, debounced outbound webhook
// dispatcher (spec.md §4.4): a FIFO queue with priority-based flush,
// per-event templates, and identity (bot name/avatar, role mention).
//
// Dispatch itself is grounded on the teacher's
// torrent-notifier/internal/notifier/notifier.go: a bare *http.Client
// with a fixed timeout, POST-and-log-on-failure, no retry buffer.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"streamsupervisor/internal/domain"
	"streamsupervisor/internal/metrics"
)

const debounceWindow = 5 * time.Second

// Colors per spec.md §7 ("Colors: info=3447003, warn=16776960, error=15158332").
const (
	colorInfo  = 3447003
	colorWarn  = 16776960
	colorError = 15158332
)

var levelEmoji = map[domain.NotifyLevel]string{
	domain.LevelInfo:  "ℹ️",
	domain.LevelWarn:  "⚠️",
	domain.LevelError: "🛑",
}

var levelColor = map[domain.NotifyLevel]int{
	domain.LevelInfo:  colorInfo,
	domain.LevelWarn:  colorWarn,
	domain.LevelError: colorError,
}

// Config configures the notifier's webhook destination, identity, and
// per-event-kind toggles.
type Config struct {
	WebhookURL  string
	BotName     string
	AvatarURL   string
	RoleMention string
	Enabled     map[string]bool // event kind -> enabled; missing key defaults to true
}

func (c Config) kindEnabled(kind string) bool {
	if c.Enabled == nil {
		return true
	}
	v, ok := c.Enabled[kind]
	if !ok {
		return true
	}
	return v
}

// queuedMessage is one FIFO entry awaiting flush.
type queuedMessage struct {
	content string
	level   domain.NotifyLevel
	fields  []field
}

type field struct {
	Name  string
	Value string
}

// Notifier owns the debounce timer and message queue. Its HTTP client
// carries a fixed 5s timeout; failures are logged and the message is
// dropped, never retried (spec.md §6: "Notifier fault: log; messages
// dropped, no retry").
type Notifier struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	mu    sync.Mutex
	queue []queuedMessage
	timer *time.Timer
}

// New constructs a notifier from cfg. A zero-value WebhookURL makes
// every send a silent no-op, mirroring the teacher's "disabled or URL
// empty ⇒ no-op" contract.
func New(cfg Config, logger *slog.Logger) *Notifier {
	return &Notifier{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Close cancels any pending debounce timer without flushing — used on
// shutdown/reload where the caller has already decided not to drain
// (spec.md names no "flush on close" obligation for the notifier).
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}

// send enqueues content at level, tagging along optional fields. A
// non-error level starts or extends the 5s debounce timer; an error
// level flushes immediately, draining the whole queue.
func (n *Notifier) send(content string, level domain.NotifyLevel, fields ...field) {
	if strings.TrimSpace(n.cfg.WebhookURL) == "" {
		return
	}

	n.mu.Lock()
	n.queue = append(n.queue, queuedMessage{content: content, level: level, fields: fields})

	if level == domain.LevelError {
		batch := n.queue
		n.queue = nil
		if n.timer != nil {
			n.timer.Stop()
			n.timer = nil
		}
		n.mu.Unlock()
		n.dispatch(batch)
		return
	}

	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(debounceWindow, n.flush)
	n.mu.Unlock()
}

func (n *Notifier) flush() {
	n.mu.Lock()
	batch := n.queue
	n.queue = nil
	n.timer = nil
	n.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	n.dispatch(batch)
}

func (n *Notifier) dispatch(batch []queuedMessage) {
	metrics.NotifierFlushesTotal.WithLabelValues(triggerFor(batch)).Inc()

	highest := domain.LevelInfo
	var lines []string
	var fields []field
	for _, m := range batch {
		if m.level > highest {
			highest = m.level
		}
		lines = append(lines, m.content)
		fields = append(fields, m.fields...)
	}

	description := levelEmoji[highest] + " " + strings.Join(lines, "\n")
	content := ""
	if highest == domain.LevelError && n.cfg.RoleMention != "" {
		content = n.cfg.RoleMention
	}

	embed := map[string]any{
		"description": description,
		"color":       levelColor[highest],
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}
	if len(batch) > 1 {
		embed["footer"] = map[string]string{"text": fmt.Sprintf("%d events", len(batch))}
	}
	if len(fields) > 0 {
		wireFields := make([]map[string]any, 0, len(fields))
		for _, f := range fields {
			wireFields = append(wireFields, map[string]any{"name": f.Name, "value": f.Value, "inline": true})
		}
		embed["fields"] = wireFields
	}

	payload := map[string]any{
		"embeds": []any{embed},
	}
	if content != "" {
		payload["content"] = content
	}
	if n.cfg.BotName != "" {
		payload["username"] = n.cfg.BotName
	}
	if n.cfg.AvatarURL != "" {
		payload["avatar_url"] = n.cfg.AvatarURL
	}

	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("notifier: marshal payload failed", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("notifier: build request failed", slog.String("error", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		metrics.NotifierHTTPFailuresTotal.Inc()
		n.logger.Warn("notifier: webhook post failed", slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		metrics.NotifierHTTPFailuresTotal.Inc()
		n.logger.Warn("notifier: webhook returned error status", slog.Int("status", resp.StatusCode))
	}
}

func triggerFor(batch []queuedMessage) string {
	for _, m := range batch {
		if m.level == domain.LevelError {
			return "error"
		}
	}
	return "debounce"
}
