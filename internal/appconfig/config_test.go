package appconfig

import (
	"testing"
	"time"
)

func TestDefaultConfigMatchesCoreDefaults(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	opts := cfg.Restore.Options()
	if opts.Tolerance != 10 || opts.MaxAttempts != 50 || opts.StableAttempts != 3 {
		t.Fatalf("unexpected restore defaults %+v", opts)
	}
	binder := cfg.Restore.BinderOptions()
	if binder.CaptureThreshold != 10 || binder.Debounce != 100*time.Millisecond {
		t.Fatalf("unexpected binder defaults %+v", binder)
	}
}

func TestQueueBackoffDoublesAndCaps(t *testing.T) {
	backoff := QueueConfig{BaseBackoffMillis: 1000, MaxBackoffMillis: 5000}.Backoff()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := backoff(i + 1); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}
