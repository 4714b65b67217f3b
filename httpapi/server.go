package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/waypoint/core"
	"pkt.systems/waypoint/internal/blobsink"
	"pkt.systems/waypoint/internal/logx"
	"pkt.systems/waypoint/internal/sessionstore"
	"pkt.systems/waypoint/schema"
	"pkt.systems/waypoint/uploadqueue"
)

// Deps wires the server to storage, the upload sink, and observers.
type Deps struct {
	// Storage holds scroll positions. Every session gets its own namespace.
	Storage sessionstore.Store
	// Sink stores uploaded files. Uploads are disabled when nil.
	Sink  blobsink.Sink
	Queue QueueConfig
	// Hub streams batch events to SSE clients.
	Hub *Hub
	// Observer receives every batch event. It should include Hub.
	Observer uploadqueue.Sink
	// Positions observes position writes.
	Positions core.PositionObserver
	// Metrics is served on /metrics when set.
	Metrics      http.Handler
	OnBatchStart func(schema.BatchID)
}

// Server serves the HTTP API.
type Server struct {
	cfg       Config
	deps      Deps
	sessions  *sessionStore
	basePath  string
	baseHref  string
	maxUpload int64

	mu      sync.Mutex
	batches map[schema.BatchID]schema.SessionID
	running sync.WaitGroup
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, deps Deps) *Server {
	ttl := time.Duration(cfg.SessionTTLHours) * time.Hour
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if strings.TrimSpace(cfg.SessionCookie) == "" {
		cfg.SessionCookie = defaultSessionCookie
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(0)
	}
	if deps.Observer == nil {
		deps.Observer = deps.Hub
	}
	if deps.Storage == nil {
		deps.Storage = sessionstore.NewMemory()
	}
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		sessions:  newSessionStore(ttl, cfg.SessionFile),
		basePath:  mountPath(cfg.BasePath),
		baseHref:  cfg.baseHref(),
		maxUpload: maxUpload,
		batches:   make(map[schema.BatchID]schema.SessionID),
	}
	deps.Hub.OnEvict(s.forgetBatch)
	return s
}

// SetBaseContext sets the parent context for session lifetimes.
func (s *Server) SetBaseContext(ctx context.Context) {
	if s == nil || ctx == nil {
		return
	}
	s.sessions.setBaseContext(ctx)
}

// Drain waits for background upload batches to finish.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("/metrics", s.deps.Metrics)
	}
	mux.HandleFunc("/api/session", s.withSession(s.handleSession))
	mux.HandleFunc("/api/positions", s.withSession(s.handlePositions))
	mux.HandleFunc("/api/uploads", s.withSession(s.handleUploads))
	mux.HandleFunc("/api/uploads/stream", s.withSession(s.handleStream))
	if dir, ok := s.deps.Sink.(*blobsink.DirSink); ok {
		if mount := mountPath(dir.Prefix()); mount != "" {
			prefix := dirPath(mount)
			mux.Handle(prefix, http.StripPrefix(prefix, http.FileServer(http.Dir(dir.Dir()))))
		}
	}

	handler := withRequestLogging(mux, s.lookupSession)
	if s.basePath == "" {
		return handler
	}
	prefix := s.basePath
	root := http.NewServeMux()
	root.Handle(dirPath(prefix), http.StripPrefix(prefix, handler))
	root.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != prefix {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, dirPath(prefix), http.StatusTemporaryRedirect)
	})
	return root
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/demo" {
		http.NotFound(w, r)
		return
	}
	data, err := fs.ReadFile(assetsFS, "demo.html")
	if err != nil {
		http.Error(w, "page not found", http.StatusInternalServerError)
		return
	}
	data = applyBaseHref(data, s.baseHref)
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, "demo.html", time.Time{}, bytes.NewReader(data))
}

const baseHrefPlaceholder = "<!-- BASE_HREF -->"

func applyBaseHref(data []byte, baseHref string) []byte {
	replacement := ""
	if strings.TrimSpace(baseHref) != "" {
		replacement = fmt.Sprintf(`<base href="%s" />`, html.EscapeString(baseHref))
	}
	return bytes.ReplaceAll(data, []byte(baseHrefPlaceholder), []byte(replacement))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessions": s.sessions.count()})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, sess session) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"session":    sess.id,
			"expires_at": sess.expiresAt,
		})
	case http.MethodDelete:
		s.sessions.delete(s.sessionToken(r))
		http.SetCookie(w, &http.Cookie{
			Name:     s.cfg.SessionCookie,
			Value:    "",
			Path:     s.cookiePath(),
			HttpOnly: true,
			MaxAge:   -1,
		})
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

type positionResponse struct {
	Key      string `json:"key"`
	Offset   int    `json:"offset"`
	Found    bool   `json:"found"`
	Accepted *bool  `json:"accepted,omitempty"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request, sess session) {
	switch r.Method {
	case http.MethodGet:
		s.getPosition(w, r, sess)
	case http.MethodPut:
		s.putPosition(w, r, sess)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPut)
	}
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request, sess session) {
	query := r.URL.Query()
	key, err := schema.NewNavigationKey(query.Get("path"), query.Get("query"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	offset, found := s.positionsFor(r.Context(), sess).Read(r.Context(), key)
	writeJSON(w, http.StatusOK, positionResponse{Key: key.String(), Offset: offset, Found: found})
}

func (s *Server) putPosition(w http.ResponseWriter, r *http.Request, sess session) {
	log := logx.Ctx(r.Context())
	var payload struct {
		Path   string `json:"path"`
		Query  string `json:"query"`
		Offset *int   `json:"offset"`
		Force  bool   `json:"force"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http position decode failed", "err", err)
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err))
		return
	}
	if payload.Offset == nil || *payload.Offset < 0 {
		writeError(w, http.StatusBadRequest, schema.ErrInvalidOffset)
		return
	}
	key, err := schema.NewNavigationKey(payload.Path, payload.Query)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	positions := s.positionsFor(r.Context(), sess)
	var accepted bool
	if payload.Force {
		accepted = positions.Overwrite(r.Context(), key, *payload.Offset)
	} else {
		accepted = positions.Write(r.Context(), key, *payload.Offset)
	}
	writeJSON(w, http.StatusOK, positionResponse{Key: key.String(), Offset: *payload.Offset, Found: accepted, Accepted: &accepted})
}

func (s *Server) positionsFor(ctx context.Context, sess session) *core.PositionStore {
	namespace := ""
	if sess.prefs != nil {
		namespace = sess.prefs.Namespace
	}
	opts := []core.PositionOption{core.WithPositionLogger(logx.Ctx(ctx))}
	if s.deps.Positions != nil {
		opts = append(opts, core.WithPositionObserver(s.deps.Positions))
	}
	return core.NewPositionStore(sessionstore.WithPrefix(s.deps.Storage, namespace), opts...)
}

type batchResponse struct {
	Batch   schema.BatchID        `json:"batch"`
	Results []string              `json:"results"`
	Failed  []schema.ItemSnapshot `json:"failed"`
	Error   string                `json:"error,omitempty"`
}

var batchIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func (s *Server) handleUploads(w http.ResponseWriter, r *http.Request, sess session) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	log := logx.Ctx(r.Context())
	if s.deps.Sink == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("uploads are disabled"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		log.Warn("http upload parse failed", "err", err)
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err))
		return
	}
	headers := append([]*multipart.FileHeader{}, r.MultipartForm.File["file"]...)
	headers = append(headers, r.MultipartForm.File["files"]...)
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: no files in request", schema.ErrInvalidRequest))
		return
	}
	async, _ := strconv.ParseBool(r.FormValue("async"))
	files, err := uploadFiles(headers, async)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	batch, err := s.claimBatch(r.FormValue("batch"), sess.id)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBatchExists) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}

	if async {
		ctx := logx.ContextWithSessionLogger(sess.ctx, log, sess.id)
		s.running.Add(1)
		go func() {
			defer s.running.Done()
			s.runBatch(ctx, batch, files)
		}()
		writeJSON(w, http.StatusAccepted, batchResponse{Batch: batch, Results: []string{}, Failed: []schema.ItemSnapshot{}})
		return
	}
	res := s.runBatch(r.Context(), batch, files)
	writeJSON(w, http.StatusOK, res)
}

// uploadFiles turns multipart parts into queue payloads. Background batches
// outlive the request, so their content is copied before the handler returns.
func uploadFiles(headers []*multipart.FileHeader, detach bool) ([]blobsink.File, error) {
	files := make([]blobsink.File, 0, len(headers))
	for _, fh := range headers {
		if !detach {
			files = append(files, blobsink.File{
				Name: fh.Filename,
				Size: fh.Size,
				Open: func() (io.ReadCloser, error) { return fh.Open() },
			})
			continue
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return nil, err
		}
		files = append(files, blobsink.BytesFile(fh.Filename, data))
	}
	return files, nil
}

var errBatchExists = errors.New("batch already exists")

func (s *Server) claimBatch(requested string, owner schema.SessionID) (schema.BatchID, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		requested = uuid.NewString()
	}
	if !batchIDPattern.MatchString(requested) {
		return "", fmt.Errorf("%w: invalid batch id %q", schema.ErrInvalidRequest, requested)
	}
	batch := schema.BatchID(requested)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batch]; ok {
		return "", fmt.Errorf("%w: %s", errBatchExists, batch)
	}
	s.batches[batch] = owner
	return batch, nil
}

func (s *Server) batchOwner(batch schema.BatchID) (schema.SessionID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.batches[batch]
	return owner, ok
}

// forgetBatch drops ownership once the hub no longer holds the batch history.
func (s *Server) forgetBatch(batch schema.BatchID) {
	s.mu.Lock()
	delete(s.batches, batch)
	s.mu.Unlock()
}

func (s *Server) runBatch(ctx context.Context, batch schema.BatchID, files []blobsink.File) batchResponse {
	log := logx.WithBatch(ctx, batch)
	ctx = logx.ContextWithBatchLogger(ctx, log, batch)
	sink := s.deps.Observer
	q := uploadqueue.New[blobsink.File, string](uploadqueue.Options[blobsink.File]{
		Concurrency: s.deps.Queue.Concurrency,
		Backoff:     s.deps.Queue.Backoff,
		Name:        blobsink.FileName,
		Logger:      log,
		OnAttempt:   uploadqueue.AttemptReporter(batch, sink),
	})
	uploadqueue.Observe(q, batch, sink)
	q.Enqueue(files, s.deps.Queue.MaxAttempts)
	if s.deps.OnBatchStart != nil {
		s.deps.OnBatchStart(batch)
	}
	log.Info("upload batch start", "files", len(files))
	results, err := q.Run(ctx, blobsink.Executor(s.deps.Sink))
	uploadqueue.Finish(batch, sink, q.Progress())

	res := batchResponse{Batch: batch, Results: results, Failed: q.Failed()}
	if res.Results == nil {
		res.Results = []string{}
	}
	if res.Failed == nil {
		res.Failed = []schema.ItemSnapshot{}
	}
	if err != nil {
		res.Error = err.Error()
		log.Warn("upload batch interrupted", "err", err)
	}
	return res
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, sess session) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	batch := schema.BatchID(strings.TrimSpace(r.URL.Query().Get("batch")))
	if owner, ok := s.batchOwner(batch); !ok || owner != sess.id {
		writeError(w, http.StatusNotFound, schema.ErrBatchNotFound)
		return
	}
	log := logx.WithBatch(r.Context(), batch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastID := parseUint(r.Header.Get("Last-Event-ID"))
	ch, unsubscribe, history := s.deps.Hub.Subscribe(batch)
	defer unsubscribe()

	replayed := 0
	for _, event := range history {
		if event.Seq <= lastID {
			continue
		}
		_ = writeSSEvent(w, event)
		replayed++
		if event.Type == string(schema.BatchDone) {
			flusher.Flush()
			log.Debug("http stream replayed finished batch", "replay", replayed)
			return
		}
	}
	flusher.Flush()

	log.Info("http stream opened", "last_id", lastID, "replay", replayed)
	for {
		select {
		case <-r.Context().Done():
			log.Info("http stream closed")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			_ = writeSSEvent(w, event)
			flusher.Flush()
			if event.Type == string(schema.BatchDone) {
				log.Info("http stream finished")
				return
			}
		}
	}
}

// withSession attaches the caller's session, creating an anonymous one
// when the cookie is missing or stale.
func (s *Server) withSession(next func(http.ResponseWriter, *http.Request, session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logx.Ctx(r.Context()).With("remote", clientIP(r))
		var entry session
		ok := false
		if token := s.sessionToken(r); token != "" {
			entry, ok = s.sessions.get(token)
		}
		if !ok {
			var token string
			token, entry = s.sessions.create()
			http.SetCookie(w, &http.Cookie{
				Name:     s.cfg.SessionCookie,
				Value:    token,
				Path:     s.cookiePath(),
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
				Expires:  entry.expiresAt,
			})
		}
		log = log.With("session", entry.id)
		ctx := logx.ContextWithSessionLogger(r.Context(), log, entry.id)
		next(w, r.WithContext(ctx), entry)
	}
}

func (s *Server) cookiePath() string {
	return dirPath(s.basePath)
}

func (s *Server) sessionToken(r *http.Request) string {
	cookie, err := r.Cookie(s.cfg.SessionCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (s *Server) lookupSession(r *http.Request) schema.SessionID {
	if s == nil || r == nil {
		return ""
	}
	token := s.sessionToken(r)
	if token == "" {
		return ""
	}
	entry, ok := s.sessions.get(token)
	if !ok {
		return ""
	}
	return entry.id
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSEvent(w http.ResponseWriter, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return nil
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
