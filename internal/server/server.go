package server

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/jpalmerr/vidiboard/internal/compile"
	"github.com/jpalmerr/vidiboard/internal/protocol"
	"github.com/jpalmerr/vidiboard/internal/session"
	"github.com/jpalmerr/vidiboard/internal/store"
)

const (
	// sseWriteTimeout is the maximum time allowed for a single SSE write operation.
	// This prevents goroutine leaks when clients are slow or disconnected.
	// Must be <= shutdown timeout to ensure clean shutdown.
	sseWriteTimeout = 5 * time.Second

	shutdownTimeout = 5 * time.Second

	// maxBodyBytes bounds request bodies; definitions can be large.
	maxBodyBytes = 32 << 20

	// defaultTitle is used when no custom title is configured.
	defaultTitle = "Vidiboard"

	// titlePlaceholder is the marker in HTML that gets replaced with the actual title.
	titlePlaceholder = "{{.Title}}"

	// idPlaceholder is replaced with the dashboard id on the viewer page.
	idPlaceholder = "{{.DashboardID}}"
)

// Service is the lifecycle service the HTTP layer drives.
type Service interface {
	session.Hub

	Publish(ctx context.Context, def store.Definition, opts store.PutOptions) (store.Record, bool, error)
	Get(ctx context.Context, id string) (store.Record, error)
	Patch(ctx context.Context, id string, p store.Patch) (store.Record, error)
	Delete(ctx context.Context, id string) error
	Touch(ctx context.Context, id string) error
	List(ctx context.Context, q store.ListQuery) ([]store.Record, error)

	PushUpdate(ctx context.Context, id string, cmd protocol.UpdateCommand) (uint64, error)

	RequestArtifact(ctx context.Context, id string) (compile.Snapshot, error)
	CompileStatus(ctx context.Context, id string) (compile.Snapshot, error)
	Recompile(ctx context.Context, id string) (compile.Snapshot, error)
	AwaitArtifact(ctx context.Context, id string) (compile.Snapshot, error)
	WatchCompile(ctx context.Context, id string) (<-chan compile.Snapshot, func(), error)
}

// Config holds the listener and presentation settings of a [Server].
type Config struct {
	Host string
	Port int

	// Title is substituted into the portal and viewer pages.
	Title string

	// Assets holds assets/index.html and assets/viewer.html. May be nil.
	Assets fs.FS

	// ArtifactDir is served under /artifacts/. Empty disables the route.
	ArtifactDir string

	// DefaultTTL applies to published dashboards that set neither
	// permanent nor ttl_seconds.
	DefaultTTL time.Duration

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string
	TLSKeyFile  string

	// Session tunes viewer connections. Its Logger is ignored.
	Session session.Config

	Logger *slog.Logger
}

// Server handles HTTP requests for the dashboard API, viewer sessions and
// compiled artifacts.
//
// The server is designed for graceful shutdown via context cancellation.
type Server struct {
	svc        Service
	cfg        Config
	logger     *slog.Logger
	httpServer *http.Server

	mu   sync.Mutex
	addr net.Addr
}

// NewServer creates a new HTTP [Server].
//
// The server is not started until [Server.Start] is called.
func NewServer(svc Service, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger,
	}
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns immediately after confirming the server
// is listening. The server will continue running until the context is
// cancelled, at which point it initiates a graceful shutdown with a 5-second
// timeout.
//
// Returns an error if the server fails to bind to the configured address.
func (s *Server) Start(ctx context.Context) error {
	// create listener first to verify port availability synchronously
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to %s: %w", addr, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// BaseContext derives all request contexts from the server context.
		// When ctx is cancelled, all request contexts are also cancelled,
		// enabling graceful shutdown of long-running handlers like SSE and
		// viewer sessions.
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	tls := s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != ""
	go func() {
		var err error
		if tls {
			err = s.httpServer.ServeTLS(ln, s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			err = s.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	// shutdown on context cancellation
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler returns the complete route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	api := func(h http.HandlerFunc) http.Handler { return gzhttp.GzipHandler(h) }

	mux.Handle("POST /api/v1/dashboards", api(s.handleCreate))
	mux.Handle("GET /api/v1/dashboards", api(s.handleList))
	mux.Handle("GET /api/v1/dashboards/{id}", api(s.handleGet))
	mux.Handle("PUT /api/v1/dashboards/{id}", api(s.handleReplace))
	mux.Handle("PATCH /api/v1/dashboards/{id}", api(s.handlePatch))
	mux.Handle("DELETE /api/v1/dashboards/{id}", api(s.handleDelete))
	mux.Handle("POST /api/v1/dashboards/{id}/touch", api(s.handleTouch))
	mux.Handle("POST /api/v1/dashboards/{id}/update", api(s.handlePushUpdate))
	mux.Handle("GET /api/v1/dashboards/{id}/compile-status", api(s.handleCompileStatus))
	mux.Handle("POST /api/v1/dashboards/{id}/recompile", api(s.handleRecompile))
	mux.Handle("GET /api/v1/dashboards/{id}/artifact", api(s.handleArtifact))

	// streams are never compressed
	mux.HandleFunc("GET /api/v1/dashboards/{id}/compile-events", s.handleCompileEvents)
	mux.HandleFunc("GET /ws/v1/dashboards/{id}", s.handleWebSocket)

	if s.cfg.ArtifactDir != "" {
		files := http.FileServer(http.Dir(s.cfg.ArtifactDir))
		mux.Handle("GET /artifacts/", http.StripPrefix("/artifacts/", files))
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /d/{id}", s.handleViewer)
	mux.HandleFunc("GET /{$}", s.handleDashboard)

	return s.withCORS(s.withLogging(mux))
}

// withCORS allows any origin, matching the permissive browser access the
// viewer pages rely on.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDashboard serves the portal page.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, "assets/index.html", nil)
}

// handleViewer serves the viewer page for one dashboard.
func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !store.ValidID(id) {
		http.NotFound(w, r)
		return
	}
	s.renderPage(w, "assets/viewer.html", strings.NewReplacer(idPlaceholder, html.EscapeString(id)))
}

func (s *Server) renderPage(w http.ResponseWriter, name string, extra *strings.Replacer) {
	if s.cfg.Assets == nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	content, err := fs.ReadFile(s.cfg.Assets, name)
	if err != nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	// apply title substitution with HTML escaping to prevent XSS
	title := s.cfg.Title
	if title == "" {
		title = defaultTitle
	}
	rendered := strings.ReplaceAll(string(content), titlePlaceholder, html.EscapeString(title))
	if extra != nil {
		rendered = extra.Replace(rendered)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err = w.Write([]byte(rendered)); err != nil {
		s.logger.Error("failed to write page response", "page", name, "error", err)
	}
}

// handleWebSocket upgrades the request and runs a viewer session until it
// ends. A last_seq query parameter marks a reconnect.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !store.ValidID(id) {
		writeError(w, fmt.Errorf("%w: %q", store.ErrInvalidID, id))
		return
	}

	cfg := s.cfg.Session
	cfg.Logger = s.logger
	if raw := r.URL.Query().Get("last_seq"); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, badRequest("last_seq must be a non-negative integer"))
			return
		}
		cfg.LastSeq = &seq
	}

	conn, err := session.UpgradeHTTP(w, r)
	if err != nil {
		// the upgrader has already replied
		s.logger.Debug("websocket upgrade failed", "dashboard_id", id, "error", err)
		return
	}

	sess := session.New(conn, s.svc, id, cfg)
	if err := sess.Run(r.Context()); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("session ended", "dashboard_id", id, "session_id", sess.ID(), "error", err)
	}
}

// handleCompileEvents streams compile transitions via Server-Sent Events.
//
// The handler uses write deadlines to prevent goroutine leaks when clients are
// slow or disconnected. Without deadlines, a blocked Fprintf call would prevent
// the handler from detecting context cancellation or channel closure.
func (s *Server) handleCompileEvents(w http.ResponseWriter, r *http.Request) {
	// check if flushing is supported
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	id := r.PathValue("id")
	current, err := s.svc.CompileStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	events, cancel, err := s.svc.WatchCompile(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	// ResponseController provides deadline-aware write and flush operations.
	rc := http.NewResponseController(w)

	// track if write deadlines are supported (may not be for some ResponseWriter impls)
	deadlinesSupported := true

	writeAndFlush := func(snap compile.Snapshot) error {
		data, err := marshalStatus(snap)
		if err != nil {
			return err
		}
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil {
				// deadline not supported by underlying connection, continue without
				s.logger.Warn("sse write deadlines not supported", "error", err)
				deadlinesSupported = false
			}
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}

		// ResponseController.Flush respects the write deadline
		return rc.Flush()
	}

	// set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := writeAndFlush(current); err != nil {
		return
	}

	for {
		select {
		case snap, ok := <-events:
			if !ok {
				// dashboard deleted
				return
			}
			if err := writeAndFlush(snap); err != nil {
				return
			}

		case <-r.Context().Done():
			// request context is derived from server context via BaseContext,
			// so this fires on both client disconnect AND server shutdown
			return
		}
	}
}
