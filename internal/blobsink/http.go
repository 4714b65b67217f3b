package blobsink

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"pkt.systems/pslog"
	"pkt.systems/waypoint/schema"
)

// HTTPSink PUTs blobs to base/<name>.
type HTTPSink struct {
	base    *url.URL
	client  *http.Client
	limiter *rate.Limiter
}

// HTTPOption configures an HTTPSink.
type HTTPOption func(*HTTPSink)

// WithClient overrides the HTTP client.
func WithClient(client *http.Client) HTTPOption {
	return func(s *HTTPSink) {
		if client != nil {
			s.client = client
		}
	}
}

// WithRate limits uploads to perSecond with the given burst. Zero disables the limit.
func WithRate(perSecond float64, burst int) HTTPOption {
	return func(s *HTTPSink) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewHTTPSink validates base.
func NewHTTPSink(base string, opts ...HTTPOption) (*HTTPSink, error) {
	parsed, err := url.Parse(strings.TrimSpace(base))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: upload base %q must include scheme and host", schema.ErrInvalidRequest, base)
	}
	s := &HTTPSink{
		base:   parsed,
		client: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Put implements Sink. Non-2xx responses are ErrRejected.
func (s *HTTPSink) Put(ctx context.Context, name string, body io.Reader) (string, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", err
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	target := s.base.JoinPath(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %s returned %s", ErrRejected, target.Redacted(), resp.Status)
	}
	location := target.String()
	if loc := resp.Header.Get("Location"); loc != "" {
		if ref, err := url.Parse(loc); err == nil {
			location = target.ResolveReference(ref).String()
		}
	}
	pslog.Ctx(ctx).Debug("blob uploaded", "name", name, "status", resp.StatusCode, "location", location)
	return location, nil
}
