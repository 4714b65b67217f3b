package blobsink

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"pkt.systems/pslog"
)

// DirSink writes blobs into a directory.
type DirSink struct {
	dir    string
	prefix string
}

// NewDirSink creates dir if needed. Locations are urlPrefix/name.
func NewDirSink(dir, urlPrefix string) (*DirSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("upload dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if urlPrefix == "" {
		urlPrefix = "/"
	}
	return &DirSink{dir: dir, prefix: urlPrefix}, nil
}

// Dir returns the target directory.
func (s *DirSink) Dir() string {
	return s.dir
}

// Prefix returns the URL prefix locations are built from.
func (s *DirSink) Prefix() string {
	return s.prefix
}

// Put implements Sink. The file appears atomically.
func (s *DirSink) Put(ctx context.Context, name string, body io.Reader) (string, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(s.dir, "."+name+".*.tmp")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	written, err := io.Copy(tmp, body)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	pslog.Ctx(ctx).Debug("blob stored", "name", name, "bytes", written, "dir", s.dir)
	return path.Join(s.prefix, name), nil
}
