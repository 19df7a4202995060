// Package app loads and validates the supervisor's configuration file
// and the small set of environment overrides layered on top of it.
//
// Schema migration between config versions is explicitly out of scope
// (spec.md §1) — Load only ever parses the current shape and fails the
// process on initial boot (spec.md §7 "cannot read config on initial
// load" is the one fatal config error); a reload failure is instead
// surfaced to the caller so the supervisor can keep the old config live.
package app

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"streamsupervisor/internal/domain"
)

// Config is the supervisor's full runtime configuration.
type Config struct {
	HTTPAddr  string `yaml:"httpAddr"`
	StatePath string `yaml:"statePath"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	Playlists []domain.PlaylistEntry `yaml:"playlists"`

	Recovery RecoveryConfig `yaml:"recovery"`
	Host     HostConfig     `yaml:"host"`
	Notifier NotifierConfig `yaml:"notifier"`
}

// RecoveryConfig holds the recovery engine's tunable thresholds.
type RecoveryConfig struct {
	HeartbeatIntervalMs   int64    `yaml:"heartbeatIntervalMs"`
	HeartbeatTimeoutMs    int64    `yaml:"heartbeatTimeoutMs"`
	RecoveryDelayMs       int64    `yaml:"recoveryDelayMs"`
	MaxConsecutiveErrors  int      `yaml:"maxConsecutiveErrors"`
	PermanentSkipCodes    []int    `yaml:"permanentSkipCodes"`
	QualityRecoveryOn     bool     `yaml:"qualityRecoveryEnabled"`
	MinQuality            string   `yaml:"minQuality"`
	QualityRecoveryDelayMs int64   `yaml:"qualityRecoveryDelayMs"`
	SourceRefreshIntervalMs int64  `yaml:"sourceRefreshIntervalMs"`
}

// HostConfig configures the host RPC client and optional process launch.
type HostConfig struct {
	URL              string `yaml:"url"`
	Password         string `yaml:"password"`
	SourceName       string `yaml:"sourceName"`
	AutoStream       bool   `yaml:"autoStream"`
	AutoRestart      bool   `yaml:"autoRestart"`
	ExecutablePath   string `yaml:"executablePath"`
	InstallDir       string `yaml:"installDir"`
	ProcessImageName string `yaml:"processImageName"`
	CrashSentinel    string `yaml:"crashSentinelPath"`
}

// NotifierConfig configures the outbound webhook notifier.
type NotifierConfig struct {
	WebhookURL   string          `yaml:"webhookUrl"`
	BotName      string          `yaml:"botName"`
	AvatarURL    string          `yaml:"avatarUrl"`
	RoleMention  string          `yaml:"roleMention"`
	EventToggles map[string]bool `yaml:"eventToggles"`
}

func defaults() Config {
	return Config{
		HTTPAddr:  "127.0.0.1:8099",
		StatePath: "state.json",
		LogLevel:  "info",
		LogFormat: "text",
		Recovery: RecoveryConfig{
			HeartbeatIntervalMs:     5000,
			HeartbeatTimeoutMs:      15000,
			RecoveryDelayMs:         5000,
			MaxConsecutiveErrors:    3,
			PermanentSkipCodes:      []int{100, 101, 150},
			MinQuality:              "large",
			QualityRecoveryDelayMs:  30000,
			SourceRefreshIntervalMs: 0,
		},
	}
}

// Load reads and parses the YAML config file at path, applying
// environment overrides and defaults for anything left unset. A
// missing or malformed file is a fatal startup error — the caller is
// expected to exit the process (spec.md §7).
func Load(path string) (Config, error) {
	cfg := defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config %s: %w", path, err)
	}

	if len(cfg.Recovery.PermanentSkipCodes) == 0 {
		cfg.Recovery.PermanentSkipCodes = []int{100, 101, 150}
	}

	return cfg, nil
}

func validate(cfg Config) error {
	if len(cfg.Playlists) == 0 {
		return fmt.Errorf("playlists: at least one playlist is required")
	}
	for i, p := range cfg.Playlists {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("playlists[%d]: id must not be empty", i)
		}
	}
	if err := validateLoopbackAddr(cfg.HTTPAddr); err != nil {
		return fmt.Errorf("httpAddr: %w", err)
	}
	return nil
}

// validateLoopbackAddr enforces spec.md §6's sole security boundary: the
// admin HTTP surface must never bind to anything but loopback.
func validateLoopbackAddr(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host != "127.0.0.1" && host != "localhost" && host != "::1" {
		return fmt.Errorf("must bind to 127.0.0.1 (or localhost/::1), got %q", host)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.HTTPAddr = getEnv("SUPERVISOR_HTTP_ADDR", cfg.HTTPAddr)
	cfg.StatePath = getEnv("SUPERVISOR_STATE_PATH", cfg.StatePath)
	cfg.LogLevel = strings.ToLower(getEnv("SUPERVISOR_LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(getEnv("SUPERVISOR_LOG_FORMAT", cfg.LogFormat))
	cfg.Host.Password = getEnv("SUPERVISOR_HOST_PASSWORD", cfg.Host.Password)
	cfg.Notifier.WebhookURL = getEnv("SUPERVISOR_WEBHOOK_URL", cfg.Notifier.WebhookURL)
	cfg.Recovery.HeartbeatTimeoutMs = getEnvInt64("SUPERVISOR_HEARTBEAT_TIMEOUT_MS", cfg.Recovery.HeartbeatTimeoutMs)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// RecoveryDelay returns the recovery delay as a time.Duration.
func (r RecoveryConfig) RecoveryDelay() time.Duration {
	return time.Duration(r.RecoveryDelayMs) * time.Millisecond
}

// HeartbeatTimeout returns the heartbeat timeout as a time.Duration.
func (r RecoveryConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(r.HeartbeatTimeoutMs) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat interval as a time.Duration.
func (r RecoveryConfig) HeartbeatInterval() time.Duration {
	return time.Duration(r.HeartbeatIntervalMs) * time.Millisecond
}
