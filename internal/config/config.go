package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

const (
	maxConfigFileBytes int64 = 1 << 20 // 1MB
	// maxValidPort is the highest TCP port number (2^16 - 1).
	// Port 0 is valid and means "OS auto-assign".
	maxValidPort = 65535
	// minPacketSize must fit the dispatcher header (command + client stub).
	minPacketSize = 21
	// maxPacketSize keeps the worker-side limit (body plus header) within a
	// 32-bit frame length.
	maxPacketSize = 1 << 30
)

// Worker pool modes.
const (
	WorkerModeProcess   = "process"
	WorkerModeGoroutine = "goroutine"
)

// Endpoint is one bind or dial address.
type Endpoint struct {
	Address string `yaml:"address" json:"address"`
	Port    int    `yaml:"port" json:"port"`
}

// String returns "address:port" (bracketed for IPv6).
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// KeepAliveConfig holds TCP keep-alive probe settings applied on accept.
type KeepAliveConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Idle     time.Duration `yaml:"idle" json:"idle"`
	Interval time.Duration `yaml:"interval" json:"interval"`
	Count    int           `yaml:"count" json:"count"`
}

// LogConfig selects the slog handler and level.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // text or json
	File   string `yaml:"file,omitempty" json:"file,omitempty"`
}

// MonitorConfig controls the HTTP monitor (websocket events, metrics, stats).
type MonitorConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
}

// ChatConfig configures the bundled chat processors.
type ChatConfig struct {
	Database string `yaml:"database" json:"database"`
}

// SupervisorConfig bounds the restart backoff of worker processes.
type SupervisorConfig struct {
	RestartBackoff    time.Duration `yaml:"restart_backoff" json:"restart_backoff"`
	MaxRestartBackoff time.Duration `yaml:"max_restart_backoff" json:"max_restart_backoff"`
}

// Config is the dispatcher runtime configuration.
type Config struct {
	// Listen lists the client-facing bind addresses.
	Listen []Endpoint `yaml:"listen" json:"listen"`
	// WorkerEndpoint is the single bind address workers connect to.
	WorkerEndpoint Endpoint `yaml:"worker_endpoint" json:"worker_endpoint"`
	WorkerCount    int      `yaml:"worker_count" json:"worker_count"`
	// WorkerMode is "process" (isolated child processes) or "goroutine"
	// (in-process, for debugging).
	WorkerMode string `yaml:"worker_mode" json:"worker_mode"`
	// MaxPacketSize bounds a frame body; declared lengths >= this close the connection.
	MaxPacketSize int `yaml:"max_packet_size" json:"max_packet_size"`
	// MaxQueueSize bounds the waiting-task queue. 0 means unbounded.
	MaxQueueSize int `yaml:"max_queue_size" json:"max_queue_size"`
	// ConnectionIDRandomPadding mixes a random salt into client stubs.
	ConnectionIDRandomPadding bool            `yaml:"connection_id_random_padding" json:"connection_id_random_padding"`
	KeepAlive                 KeepAliveConfig `yaml:"keep_alive" json:"keep_alive"`
	// TaskTimeout is the deadline for a worker to answer an assigned task.
	// 0 disables the deadline.
	TaskTimeout time.Duration `yaml:"task_timeout" json:"task_timeout"`
	// SendQueueSize is the number of outbound frames buffered per connection.
	SendQueueSize int              `yaml:"send_queue_size" json:"send_queue_size"`
	WriteTimeout  time.Duration    `yaml:"write_timeout" json:"write_timeout"`
	Log           LogConfig        `yaml:"log" json:"log"`
	Monitor       MonitorConfig    `yaml:"monitor" json:"monitor"`
	Chat          ChatConfig       `yaml:"chat" json:"chat"`
	Supervisor    SupervisorConfig `yaml:"supervisor" json:"supervisor"`
	PIDFile       string           `yaml:"pid_file,omitempty" json:"pid_file,omitempty"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Listen:         []Endpoint{{Address: "0.0.0.0", Port: 18800}},
		WorkerEndpoint: Endpoint{Address: "127.0.0.1", Port: 18801},
		WorkerCount:    4,
		WorkerMode:     WorkerModeProcess,
		MaxPacketSize:  256 * 1024,
		MaxQueueSize:   10000,
		KeepAlive: KeepAliveConfig{
			Enabled:  true,
			Idle:     30 * time.Second,
			Interval: 5 * time.Second,
			Count:    5,
		},
		TaskTimeout:   30 * time.Second,
		SendQueueSize: 256,
		WriteTimeout:  10 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Monitor: MonitorConfig{
			Address: "127.0.0.1:18880",
		},
		Chat: ChatConfig{
			Database: "gtcpd-sessions.db",
		},
		Supervisor: SupervisorConfig{
			RestartBackoff:    100 * time.Millisecond,
			MaxRestartBackoff: 5 * time.Second,
		},
	}
}

// Load reads the config file at path. A missing or empty file yields defaults.
// Fields absent from the file keep their default values.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, errors.New("config path required")
	}

	raw, err := readLimitedFile(path, maxConfigFileBytes)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("[config] file not found, using defaults", "path", path)
			return cfg, nil
		}
		return cfg, err
	}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		slog.Warn("[config] failed to parse config, using defaults", "path", path, "error", err)
		return DefaultConfig(), fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg to path atomically (temp file + rename).
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("save config: marshal: %w", err)
	}
	return atomicWrite(path, raw)
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if len(c.Listen) == 0 {
		errs = append(errs, errors.New("listen: at least one endpoint required"))
	}
	for i, ep := range c.Listen {
		if err := validateEndpoint(ep); err != nil {
			errs = append(errs, fmt.Errorf("listen[%d]: %w", i, err))
		}
	}
	if err := validateEndpoint(c.WorkerEndpoint); err != nil {
		errs = append(errs, fmt.Errorf("worker_endpoint: %w", err))
	}
	if c.WorkerCount < 1 {
		errs = append(errs, fmt.Errorf("worker_count: must be >= 1, got %d", c.WorkerCount))
	}
	switch c.WorkerMode {
	case WorkerModeProcess, WorkerModeGoroutine:
	default:
		errs = append(errs, fmt.Errorf("worker_mode: unknown mode %q", c.WorkerMode))
	}
	if c.MaxPacketSize < minPacketSize || c.MaxPacketSize > maxPacketSize {
		errs = append(errs, fmt.Errorf("max_packet_size: must be in [%d, %d], got %d", minPacketSize, maxPacketSize, c.MaxPacketSize))
	}
	if c.MaxQueueSize < 0 {
		errs = append(errs, fmt.Errorf("max_queue_size: must be >= 0, got %d", c.MaxQueueSize))
	}
	if c.SendQueueSize < 1 {
		errs = append(errs, fmt.Errorf("send_queue_size: must be >= 1, got %d", c.SendQueueSize))
	}
	if c.TaskTimeout < 0 {
		errs = append(errs, fmt.Errorf("task_timeout: must be >= 0, got %s", c.TaskTimeout))
	}
	if c.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("write_timeout: must be >= 0, got %s", c.WriteTimeout))
	}
	if c.KeepAlive.Enabled {
		if c.KeepAlive.Idle <= 0 || c.KeepAlive.Interval <= 0 || c.KeepAlive.Count <= 0 {
			errs = append(errs, errors.New("keep_alive: idle, interval and count must be positive when enabled"))
		}
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if c.Monitor.Enabled && strings.TrimSpace(c.Monitor.Address) == "" {
		errs = append(errs, errors.New("monitor.address: required when monitor is enabled"))
	}
	if c.Supervisor.RestartBackoff < 0 || c.Supervisor.MaxRestartBackoff < 0 {
		errs = append(errs, errors.New("supervisor: backoff durations must be >= 0"))
	}
	return errors.Join(errs...)
}

func validateEndpoint(ep Endpoint) error {
	if strings.TrimSpace(ep.Address) == "" {
		return errors.New("address required")
	}
	if ep.Port < 0 || ep.Port > maxValidPort {
		return fmt.Errorf("port %d out of range [0, %d]", ep.Port, maxValidPort)
	}
	return nil
}

// ParseLevel maps a config level name onto a slog.Level. Empty means info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level %q", name)
	}
}

// atomicWrite writes config data using temp-file + rename to avoid partial writes.
func atomicWrite(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("save config: mkdir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".config.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("save config: create temp: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			if closeErr := tmpFile.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
				slog.Warn("[config] failed to close temp file", "path", tmpPath, "error", closeErr)
			}
		}
		if err != nil {
			if removeErr := os.Remove(tmpPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				slog.Warn("[config] failed to remove temp file", "path", tmpPath, "error", removeErr)
			}
		}
	}()

	if err = tmpFile.Chmod(0o600); err != nil {
		return fmt.Errorf("save config: chmod temp: %w", err)
	}
	if _, err = tmpFile.Write(data); err != nil {
		return fmt.Errorf("save config: write: %w", err)
	}
	if err = tmpFile.Sync(); err != nil {
		return fmt.Errorf("save config: sync: %w", err)
	}
	err = tmpFile.Close()
	tmpFile = nil
	if err != nil {
		return fmt.Errorf("save config: close: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("save config: rename: %w", err)
	}
	return nil
}

func readLimitedFile(path string, maxBytes int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	limited := io.LimitReader(file, maxBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", maxBytes)
	}
	return raw, nil
}
