// Package blobsink stores uploaded files and adapts sinks to the upload queue.
package blobsink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/waypoint/schema"
	"pkt.systems/waypoint/uploadqueue"
)

// ErrRejected indicates the remote end refused an upload.
var ErrRejected = errors.New("upload rejected")

// Sink stores a named blob and returns where it can be fetched.
type Sink interface {
	Put(ctx context.Context, name string, body io.Reader) (string, error)
}

// File is a queue payload that can be reopened for every attempt.
type File struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// BytesFile wraps in-memory content.
func BytesFile(name string, data []byte) File {
	return File{
		Name: name,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// PathFile reads from disk on every attempt.
func PathFile(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, err
	}
	if !info.Mode().IsRegular() {
		return File{}, fmt.Errorf("%w: %s is not a regular file", schema.ErrInvalidRequest, path)
	}
	return File{
		Name: filepath.Base(path),
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// FileName labels queue items by file name.
func FileName(f File, _ int) string {
	return f.Name
}

// Executor adapts sink to the upload queue. The result is the stored location.
func Executor(sink Sink) uploadqueue.Executor[File, string] {
	return func(ctx context.Context, f File, _ int) (string, error) {
		if f.Open == nil {
			return "", fmt.Errorf("%w: %s has no content", schema.ErrInvalidRequest, f.Name)
		}
		body, err := f.Open()
		if err != nil {
			return "", err
		}
		defer body.Close()
		return sink.Put(ctx, f.Name, body)
	}
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	base := filepath.Base(filepath.FromSlash(name))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) || strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("%w: invalid file name %q", schema.ErrInvalidRequest, name)
	}
	return base, nil
}

// Config selects and configures a sink.
type Config struct {
	// Kind is "dir" or "http".
	Kind          string
	Dir           string
	URLPrefix     string
	HTTPBase      string
	RatePerSecond float64
	Burst         int
}

// Build constructs the sink described by cfg.
func Build(cfg Config) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "dir":
		return NewDirSink(cfg.Dir, cfg.URLPrefix)
	case "http", "https":
		return NewHTTPSink(cfg.HTTPBase, WithRate(cfg.RatePerSecond, cfg.Burst))
	default:
		return nil, fmt.Errorf("%w: unknown upload sink %q", schema.ErrInvalidRequest, cfg.Kind)
	}
}
