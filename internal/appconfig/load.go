package appconfig

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/waypoint/internal/logx"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("storage.dsn", cfg.Storage.DSN)
	v.SetDefault("restore.tolerance_px", cfg.Restore.TolerancePx)
	v.SetDefault("restore.max_attempts", cfg.Restore.MaxAttempts)
	v.SetDefault("restore.stable_attempts", cfg.Restore.StableAttempts)
	v.SetDefault("restore.delay_step_ms", cfg.Restore.DelayStepMillis)
	v.SetDefault("restore.delay_every", cfg.Restore.DelayEvery)
	v.SetDefault("restore.max_delay_ms", cfg.Restore.MaxDelayMillis)
	v.SetDefault("restore.capture_threshold_px", cfg.Restore.CaptureThresholdPx)
	v.SetDefault("restore.debounce_ms", cfg.Restore.DebounceMillis)
	v.SetDefault("queue.concurrency", cfg.Queue.Concurrency)
	v.SetDefault("queue.max_attempts", cfg.Queue.MaxAttempts)
	v.SetDefault("queue.base_backoff_ms", cfg.Queue.BaseBackoffMillis)
	v.SetDefault("queue.max_backoff_ms", cfg.Queue.MaxBackoffMillis)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.session_cookie", cfg.HTTP.SessionCookie)
	v.SetDefault("http.session_ttl_hours", cfg.HTTP.SessionTTLHours)
	v.SetDefault("http.session_file", cfg.HTTP.SessionFile)
	v.SetDefault("http.base_url", cfg.HTTP.BaseURL)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.max_upload_mb", cfg.HTTP.MaxUploadMB)
	v.SetDefault("http.hub_history", cfg.HTTP.HubHistory)
	v.SetDefault("uploads.sink", cfg.Uploads.Sink)
	v.SetDefault("uploads.dir", cfg.Uploads.Dir)
	v.SetDefault("uploads.url_prefix", cfg.Uploads.URLPrefix)
	v.SetDefault("uploads.http_base", cfg.Uploads.HTTPBase)
	v.SetDefault("uploads.rate_per_second", cfg.Uploads.RatePerSecond)
	v.SetDefault("uploads.burst", cfg.Uploads.Burst)
	v.SetDefault("browser.exec_path", cfg.Browser.ExecPath)
	v.SetDefault("browser.headless", cfg.Browser.Headless)
	v.SetDefault("browser.viewport_width", cfg.Browser.ViewportWidth)
	v.SetDefault("browser.viewport_height", cfg.Browser.ViewportHeight)
	v.SetDefault("browser.no_sandbox", cfg.Browser.NoSandbox)
	v.SetDefault("browser.frame_interval_ms", cfg.Browser.FrameIntervalMillis)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.mode", cfg.Logging.Mode)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
		if strings.TrimSpace(v.GetString("storage.dsn")) == "" {
			return Config{}, fmt.Errorf("storage.dsn is required for config_version %d", CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateHTTPConfig(cfg.HTTP); err != nil {
		return Config{}, err
	}
	if err := validateUploadsConfig(cfg.Uploads); err != nil {
		return Config{}, err
	}
	if err := validateRestoreConfig(cfg.Restore); err != nil {
		return Config{}, err
	}
	if _, err := logx.Options(cfg.Logging.Level, cfg.Logging.Mode); err != nil {
		return Config{}, fmt.Errorf("logging: %w", err)
	}
	return cfg, nil
}

func validateHTTPConfig(cfg HTTPConfig) error {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("http.base_url must include scheme and host (e.g. https://example.com)")
		}
	}
	basePath := strings.TrimSpace(cfg.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("http.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("http.base_path must not include query or fragment")
		}
	}
	if cfg.MaxUploadMB < 0 {
		return fmt.Errorf("http.max_upload_mb must not be negative")
	}
	return nil
}

func validateUploadsConfig(cfg UploadsConfig) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Sink)) {
	case "dir":
		if strings.TrimSpace(cfg.Dir) == "" {
			return fmt.Errorf("uploads.dir is required when uploads.sink is dir")
		}
	case "http":
		parsed, err := url.Parse(strings.TrimSpace(cfg.HTTPBase))
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("uploads.http_base must include scheme and host when uploads.sink is http")
		}
	default:
		return fmt.Errorf("unsupported uploads.sink %q", cfg.Sink)
	}
	if cfg.RatePerSecond < 0 {
		return fmt.Errorf("uploads.rate_per_second must not be negative")
	}
	return nil
}

func validateRestoreConfig(cfg RestoreConfig) error {
	if cfg.TolerancePx < 0 || cfg.MaxAttempts < 0 || cfg.StableAttempts < 0 {
		return fmt.Errorf("restore tunables must not be negative")
	}
	if cfg.DelayStepMillis < 0 || cfg.MaxDelayMillis < 0 || cfg.DebounceMillis < 0 {
		return fmt.Errorf("restore delays must not be negative")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Storage.DSN = expandEnv(cfg.Storage.DSN)
	cfg.HTTP.SessionFile = expandEnv(cfg.HTTP.SessionFile)
	cfg.Uploads.Dir = expandEnv(cfg.Uploads.Dir)
	cfg.Uploads.HTTPBase = expandEnv(cfg.Uploads.HTTPBase)
	cfg.Browser.ExecPath = expandEnv(cfg.Browser.ExecPath)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
