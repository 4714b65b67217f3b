package httpapi

import (
	"path"
	"strings"
	"time"
)

// Config defines HTTP API settings.
type Config struct {
	Addr            string
	SessionCookie   string
	SessionTTLHours int
	SessionFile     string
	BaseURL         string
	BasePath        string
	// MaxUploadBytes bounds a multipart upload request.
	MaxUploadBytes int64
}

// QueueConfig tunes the upload queue run for every batch.
type QueueConfig struct {
	Concurrency int
	MaxAttempts int
	Backoff     func(attempts int) time.Duration
}

const (
	defaultSessionCookie  = "waypoint_session"
	defaultSessionTTL     = 24 * time.Hour
	defaultMaxUploadBytes = 64 << 20
	shutdownTimeout       = 5 * time.Second
)

// mountPath cleans a URL path prefix to "" (the root) or "/a/b" without a
// trailing slash.
func mountPath(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	cleaned := path.Clean("/" + value)
	if cleaned == "/" {
		return ""
	}
	return cleaned
}

// dirPath turns a mount path into the subtree pattern used for routing and
// cookies: "" becomes "/", "/a" becomes "/a/".
func dirPath(mount string) string {
	return mount + "/"
}

// baseHref is the <base href> for pages served behind a proxy, or "" when
// neither BaseURL nor BasePath is set.
func (c Config) baseHref() string {
	origin := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	mount := mountPath(c.BasePath)
	if origin == "" && mount == "" {
		return ""
	}
	return dirPath(origin + mount)
}
