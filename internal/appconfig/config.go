package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/waypoint/core"
	"pkt.systems/waypoint/httpapi"
	"pkt.systems/waypoint/internal/blobsink"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string        `mapstructure:"state_dir" yaml:"state_dir"`
	Storage       StorageConfig `mapstructure:"storage" yaml:"storage"`
	Restore       RestoreConfig `mapstructure:"restore" yaml:"restore"`
	Queue         QueueConfig   `mapstructure:"queue" yaml:"queue"`
	HTTP          HTTPConfig    `mapstructure:"http" yaml:"http"`
	Uploads       UploadsConfig `mapstructure:"uploads" yaml:"uploads"`
	Browser       BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Logging       LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// StorageConfig selects the session storage backend.
type StorageConfig struct {
	// DSN picks the backend by scheme: memory, file, sqlite, postgres, redis.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// RestoreConfig tunes scroll restoration and capture.
type RestoreConfig struct {
	TolerancePx        int `mapstructure:"tolerance_px" yaml:"tolerance_px"`
	MaxAttempts        int `mapstructure:"max_attempts" yaml:"max_attempts"`
	StableAttempts     int `mapstructure:"stable_attempts" yaml:"stable_attempts"`
	DelayStepMillis    int `mapstructure:"delay_step_ms" yaml:"delay_step_ms"`
	DelayEvery         int `mapstructure:"delay_every" yaml:"delay_every"`
	MaxDelayMillis     int `mapstructure:"max_delay_ms" yaml:"max_delay_ms"`
	CaptureThresholdPx int `mapstructure:"capture_threshold_px" yaml:"capture_threshold_px"`
	DebounceMillis     int `mapstructure:"debounce_ms" yaml:"debounce_ms"`
}

// QueueConfig tunes the upload queue.
type QueueConfig struct {
	Concurrency       int `mapstructure:"concurrency" yaml:"concurrency"`
	MaxAttempts       int `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseBackoffMillis int `mapstructure:"base_backoff_ms" yaml:"base_backoff_ms"`
	MaxBackoffMillis  int `mapstructure:"max_backoff_ms" yaml:"max_backoff_ms"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr            string `mapstructure:"addr" yaml:"addr"`
	SessionCookie   string `mapstructure:"session_cookie" yaml:"session_cookie"`
	SessionTTLHours int    `mapstructure:"session_ttl_hours" yaml:"session_ttl_hours"`
	SessionFile     string `mapstructure:"session_file" yaml:"session_file"`
	BaseURL         string `mapstructure:"base_url" yaml:"base_url"`
	BasePath        string `mapstructure:"base_path" yaml:"base_path"`
	MaxUploadMB     int    `mapstructure:"max_upload_mb" yaml:"max_upload_mb"`
	HubHistory      int    `mapstructure:"hub_history" yaml:"hub_history"`
}

// UploadsConfig selects where uploaded files go.
type UploadsConfig struct {
	// Sink is "dir" or "http".
	Sink          string  `mapstructure:"sink" yaml:"sink"`
	Dir           string  `mapstructure:"dir" yaml:"dir"`
	URLPrefix     string  `mapstructure:"url_prefix" yaml:"url_prefix"`
	HTTPBase      string  `mapstructure:"http_base" yaml:"http_base"`
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst         int     `mapstructure:"burst" yaml:"burst"`
}

// BrowserConfig configures the Chrome page used by `waypoint restore`.
type BrowserConfig struct {
	ExecPath            string `mapstructure:"exec_path" yaml:"exec_path"`
	Headless            bool   `mapstructure:"headless" yaml:"headless"`
	ViewportWidth       int    `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight      int    `mapstructure:"viewport_height" yaml:"viewport_height"`
	NoSandbox           bool   `mapstructure:"no_sandbox" yaml:"no_sandbox"`
	FrameIntervalMillis int    `mapstructure:"frame_interval_ms" yaml:"frame_interval_ms"`
}

// LoggingConfig controls the root logger.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	Mode  string `mapstructure:"mode" yaml:"mode"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	stateDir := filepath.Join(home, ".waypoint", "state")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      stateDir,
		Storage: StorageConfig{
			DSN: "file://" + filepath.Join(stateDir, "positions.json"),
		},
		Restore: RestoreConfig{
			TolerancePx:        core.DefaultTolerance,
			MaxAttempts:        core.DefaultMaxAttempts,
			StableAttempts:     core.DefaultStableAttempts,
			DelayStepMillis:    int(core.DefaultDelayStep / time.Millisecond),
			DelayEvery:         core.DefaultDelayEvery,
			MaxDelayMillis:     int(core.DefaultMaxDelay / time.Millisecond),
			CaptureThresholdPx: core.DefaultCaptureThreshold,
			DebounceMillis:     int(core.DefaultScrollDebounce / time.Millisecond),
		},
		Queue: QueueConfig{
			Concurrency:       3,
			MaxAttempts:       3,
			BaseBackoffMillis: 1000,
			MaxBackoffMillis:  5000,
		},
		HTTP: HTTPConfig{
			Addr:            ":27490",
			SessionCookie:   "waypoint_session",
			SessionTTLHours: 24,
			SessionFile:     filepath.Join(stateDir, "sessions.json"),
			BaseURL:         "",
			BasePath:        "",
			MaxUploadMB:     64,
			HubHistory:      200,
		},
		Uploads: UploadsConfig{
			Sink:          "dir",
			Dir:           filepath.Join(home, ".waypoint", "uploads"),
			URLPrefix:     "/uploads",
			HTTPBase:      "",
			RatePerSecond: 0,
			Burst:         1,
		},
		Browser: BrowserConfig{
			ExecPath:            "",
			Headless:            true,
			ViewportWidth:       1280,
			ViewportHeight:      800,
			NoSandbox:           false,
			FrameIntervalMillis: int(core.FrameInterval / time.Millisecond),
		},
		Logging: LoggingConfig{
			Level: "info",
			Mode:  "console",
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".waypoint", "config.yaml"), nil
}

// Options converts the restore section to core options.
func (c RestoreConfig) Options() core.RestoreOptions {
	return core.RestoreOptions{
		Tolerance:      c.TolerancePx,
		MaxAttempts:    c.MaxAttempts,
		StableAttempts: c.StableAttempts,
		DelayStep:      millis(c.DelayStepMillis),
		DelayEvery:     c.DelayEvery,
		MaxDelay:       millis(c.MaxDelayMillis),
	}.WithDefaults()
}

// BinderOptions converts the restore section to binder options.
func (c RestoreConfig) BinderOptions() core.BinderOptions {
	return core.BinderOptions{
		Restore:          c.Options(),
		CaptureThreshold: c.CaptureThresholdPx,
		Debounce:         millis(c.DebounceMillis),
	}
}

// Backoff returns the capped exponential retry delay for the queue.
func (c QueueConfig) Backoff() func(attempts int) time.Duration {
	base := millis(c.BaseBackoffMillis)
	if base <= 0 {
		base = time.Second
	}
	ceiling := millis(c.MaxBackoffMillis)
	if ceiling <= 0 {
		ceiling = 5 * time.Second
	}
	return func(attempts int) time.Duration {
		if attempts < 1 {
			attempts = 1
		}
		delay := base
		for i := 1; i < attempts && delay < ceiling; i++ {
			delay *= 2
		}
		if delay > ceiling {
			delay = ceiling
		}
		return delay
	}
}

// Settings converts the queue section for the HTTP API.
func (c QueueConfig) Settings() httpapi.QueueConfig {
	return httpapi.QueueConfig{
		Concurrency: c.Concurrency,
		MaxAttempts: c.MaxAttempts,
		Backoff:     c.Backoff(),
	}
}

// SinkConfig converts the uploads section.
func (c UploadsConfig) SinkConfig() blobsink.Config {
	return blobsink.Config{
		Kind:          c.Sink,
		Dir:           c.Dir,
		URLPrefix:     c.URLPrefix,
		HTTPBase:      c.HTTPBase,
		RatePerSecond: c.RatePerSecond,
		Burst:         c.Burst,
	}
}

// Server converts the HTTP section.
func (c HTTPConfig) Server() httpapi.Config {
	return httpapi.Config{
		Addr:            c.Addr,
		SessionCookie:   c.SessionCookie,
		SessionTTLHours: c.SessionTTLHours,
		SessionFile:     c.SessionFile,
		BaseURL:         c.BaseURL,
		BasePath:        c.BasePath,
		MaxUploadBytes:  int64(c.MaxUploadMB) << 20,
	}
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
