package blobsink

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"pkt.systems/waypoint/schema"
	"pkt.systems/waypoint/uploadqueue"
)

func TestDirSinkPut(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "uploads")
	sink, err := NewDirSink(dir, "/uploads")
	if err != nil {
		t.Fatalf("new dir sink: %v", err)
	}
	loc, err := sink.Put(context.Background(), "cat.png", strings.NewReader("meow"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if loc != "/uploads/cat.png" {
		t.Fatalf("unexpected location %q", loc)
	}
	data, err := os.ReadFile(filepath.Join(dir, "cat.png"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "meow" {
		t.Fatalf("unexpected content %q", data)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected no temp files left, got %d entries", len(entries))
	}
}

func TestDirSinkRejectsBadNames(t *testing.T) {
	sink, err := NewDirSink(t.TempDir(), "/uploads")
	if err != nil {
		t.Fatalf("new dir sink: %v", err)
	}
	for _, name := range []string{"", ".", "..", ".hidden"} {
		if _, err := sink.Put(context.Background(), name, strings.NewReader("x")); !errors.Is(err, schema.ErrInvalidRequest) {
			t.Fatalf("name %q: expected ErrInvalidRequest, got %v", name, err)
		}
	}
	loc, err := sink.Put(context.Background(), "../../etc/passwd", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("expected traversal to be flattened, got %v", err)
	}
	if loc != "/uploads/passwd" {
		t.Fatalf("unexpected location %q", loc)
	}
}

func TestHTTPSinkPut(t *testing.T) {
	var gotBody, gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		gotBody, gotPath, gotMethod = string(data), r.URL.Path, r.Method
		w.Header().Set("Location", "/blobs/abc")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sink, err := NewHTTPSink(srv.URL + "/store")
	if err != nil {
		t.Fatalf("new http sink: %v", err)
	}
	loc, err := sink.Put(context.Background(), "dog.jpg", strings.NewReader("woof"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/store/dog.jpg" || gotBody != "woof" {
		t.Fatalf("unexpected request %s %s %q", gotMethod, gotPath, gotBody)
	}
	if loc != srv.URL+"/blobs/abc" {
		t.Fatalf("unexpected location %q", loc)
	}
}

func TestHTTPSinkRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInsufficientStorage)
	}))
	defer srv.Close()
	sink, err := NewHTTPSink(srv.URL)
	if err != nil {
		t.Fatalf("new http sink: %v", err)
	}
	if _, err := sink.Put(context.Background(), "a.bin", strings.NewReader("x")); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestHTTPSinkRateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	sink, err := NewHTTPSink(srv.URL, WithRate(0.001, 1))
	if err != nil {
		t.Fatalf("new http sink: %v", err)
	}
	if _, err := sink.Put(context.Background(), "a.bin", strings.NewReader("x")); err != nil {
		t.Fatalf("first put should use the burst: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sink.Put(ctx, "b.bin", strings.NewReader("x")); err == nil {
		t.Fatalf("expected limiter wait to fail")
	}
}

func TestNewHTTPSinkValidatesBase(t *testing.T) {
	if _, err := NewHTTPSink("example.com/upload"); !errors.Is(err, schema.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestExecutorRetriesThroughQueue(t *testing.T) {
	var calls atomic.Int32
	var mu sync.Mutex
	stored := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		stored[r.URL.Path] = string(data)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	sink, err := NewHTTPSink(srv.URL)
	if err != nil {
		t.Fatalf("new http sink: %v", err)
	}

	q := uploadqueue.New[File, string](uploadqueue.Options[File]{
		Concurrency: 1,
		Backoff:     func(int) time.Duration { return time.Millisecond },
		Name:        FileName,
	})
	q.Enqueue([]File{BytesFile("a.txt", []byte("alpha")), BytesFile("b.txt", []byte("beta"))}, 3)
	results, err := q.Run(context.Background(), Executor(sink))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	sort.Strings(results)
	want := []string{srv.URL + "/a.txt", srv.URL + "/b.txt"}
	if diff := cmp.Diff(want, results); diff != "" {
		t.Fatalf("unexpected results (-want +got):\n%s", diff)
	}
	mu.Lock()
	defer mu.Unlock()
	if stored["/a.txt"] != "alpha" || stored["/b.txt"] != "beta" {
		t.Fatalf("unexpected stored content %+v", stored)
	}
}

func TestPathFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := PathFile(path)
	if err != nil {
		t.Fatalf("path file: %v", err)
	}
	if f.Name != "note.txt" || f.Size != 5 {
		t.Fatalf("unexpected file %+v", f)
	}
	if _, err := PathFile(dir); !errors.Is(err, schema.ErrInvalidRequest) {
		t.Fatalf("expected directories to be rejected, got %v", err)
	}
	sink, err := NewDirSink(filepath.Join(dir, "out"), "/files")
	if err != nil {
		t.Fatalf("new dir sink: %v", err)
	}
	loc, err := Executor(sink)(context.Background(), f, 0)
	if err != nil || loc != "/files/note.txt" {
		t.Fatalf("unexpected executor result %q, %v", loc, err)
	}
}
