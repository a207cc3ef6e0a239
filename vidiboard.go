package vidiboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jpalmerr/vidiboard/dashboard"
	"github.com/jpalmerr/vidiboard/internal/broadcast"
	"github.com/jpalmerr/vidiboard/internal/clock"
	"github.com/jpalmerr/vidiboard/internal/compile"
	"github.com/jpalmerr/vidiboard/internal/protocol"
	"github.com/jpalmerr/vidiboard/internal/server"
	"github.com/jpalmerr/vidiboard/internal/session"
	"github.com/jpalmerr/vidiboard/internal/store"
)

const (
	defaultPort          = 8080
	defaultArtifactDir   = "artifacts"
	defaultDefaultTTL    = 24 * time.Hour
	defaultSweepInterval = 5 * time.Minute
	defaultPollInterval  = time.Second
	defaultMaxPolls      = 120

	// openTimeout bounds connecting to the store in New.
	openTimeout = 30 * time.Second

	reasonDeleted = "dashboard deleted"
	reasonExpired = "dashboard expired"
)

// Service is the dashboard lifecycle service.
//
// Service owns the dashboard store, the compilation manager and the update
// broadcaster, and serves them over HTTP. It is created using [New] with
// functional options and started with [Service.Start].
//
// The typical lifecycle is:
//
//	svc, err := vidiboard.New(vidiboard.WithSQLite("dashboards.db"))
//	if err != nil {
//	    slog.Error("failed to create vidiboard", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	svc.Start(ctx) // blocks until context cancelled
//
// Every operation is usable before Start, so a Service can also be embedded
// without its HTTP server. Call [Service.Close] when Start is never called.
type Service struct {
	cfg      svcConfig
	logger   *slog.Logger
	clock    clock.Clock
	store    store.Store
	compiler *compile.Manager
	bc       *broadcast.Broadcaster

	awaits singleflight.Group

	mu       sync.Mutex
	releases map[*broadcast.Subscription]func()
	started  bool
	runCtx   context.Context
	addr     net.Addr

	closeOnce sync.Once
	closeErr  error
}

var _ server.Service = (*Service)(nil)

// New creates a [Service] with the given options and opens its store.
//
// Defaults:
//   - Store: in memory
//   - Port: 8080
//   - Artifact dir: "artifacts"
//   - Workers: 2
//   - Default TTL: 24 hours, swept every 5 minutes
//   - Artifact waits: 120 polls, 1 second apart
//
// Returns an error if any option is invalid or the store cannot be opened.
func New(opts ...Option) (*Service, error) {
	cfg := svcConfig{
		port:          defaultPort,
		artifactDir:   defaultArtifactDir,
		defaultTTL:    defaultDefaultTTL,
		sweepInterval: defaultSweepInterval,
		pollInterval:  defaultPollInterval,
		maxPolls:      defaultMaxPolls,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	// default to slog.Default() if no logger provided
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.clock == nil {
		cfg.clock = clock.Real()
	}
	if cfg.openStore == nil {
		if err := WithMemoryStore()(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.builder == nil {
		cfg.builder = &compile.CommandBuilder{
			Command:     cfg.buildCommand,
			Args:        cfg.buildArgs,
			ArtifactDir: cfg.artifactDir,
			Logger:      cfg.logger,
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()
	st, err := cfg.openStore(ctx, cfg.clock)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	s := &Service{
		cfg:      cfg,
		logger:   cfg.logger,
		clock:    cfg.clock,
		store:    st,
		bc:       broadcast.New(cfg.logger, cfg.maxPending),
		releases: make(map[*broadcast.Subscription]func()),
	}
	s.compiler = compile.NewManager(cfg.builder, compile.SourceFunc(s.current), compile.Config{
		Workers:      cfg.workers,
		BuildTimeout: cfg.buildTimeout,
		Fallback:     cfg.fallback,
		OnTransition: s.onTransition,
		Logger:       cfg.logger,
		Clock:        cfg.clock,
	})
	return s, nil
}

// Start serves the HTTP API and runs the build workers and the eviction
// sweep.
//
// Start is a blocking call that runs until the provided context is
// cancelled. On return the store is closed.
//
// Returns nil on graceful shutdown. Returns an error if the HTTP server
// fails to start.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("service already started")
	}
	s.started = true
	s.runCtx = ctx
	s.mu.Unlock()
	defer s.Close()

	// check if context already cancelled
	if ctx.Err() != nil {
		return nil
	}

	s.logger.Info("vidiboard starting",
		"port", s.cfg.port,
		"artifact_dir", s.cfg.artifactDir,
		"eager_compile", s.cfg.eager,
	)
	s.verifyBuilder(ctx)

	s.compiler.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sweepLoop(ctx)
	}()

	// cleanup stops the workers and waits for the sweep loop
	cleanup := func() {
		s.compiler.Stop()
		wg.Wait()
	}

	httpServer := server.NewServer(s, server.Config{
		Host:        s.cfg.host,
		Port:        s.cfg.port,
		Title:       s.cfg.title,
		Assets:      dashboard.Assets,
		ArtifactDir: s.cfg.artifactDir,
		DefaultTTL:  s.cfg.defaultTTL,
		TLSCertFile: s.cfg.tlsCert,
		TLSKeyFile:  s.cfg.tlsKey,
		Session: session.Config{
			PingInterval: s.cfg.pingInterval,
			ReadTimeout:  s.cfg.readTimeout,
		},
		Logger: s.logger,
	})
	if err := httpServer.Start(ctx); err != nil {
		cleanup()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.mu.Lock()
	s.addr = httpServer.Addr()
	s.mu.Unlock()
	s.logger.Info("dashboard available", "addr", httpServer.Addr().String())

	<-ctx.Done()
	cleanup()
	s.logger.Info("vidiboard stopped")
	return nil
}

// Close releases the store. Start calls it on return; call it directly only
// when Start is never called. Close is idempotent.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.compiler.Stop()
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}

// Addr returns the address the HTTP server listens on, or nil before Start
// has bound it.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// verifyBuilder logs whether the build toolchain is usable.
func (s *Service) verifyBuilder(ctx context.Context) {
	v, ok := s.cfg.builder.(interface{ Verify(context.Context) error })
	if !ok {
		return
	}
	if err := v.Verify(ctx); err != nil {
		if s.cfg.fallback != nil {
			s.logger.Warn("builder unavailable, serving fallback artifact",
				"fallback", s.cfg.fallback.Ref,
				"error", err,
			)
			return
		}
		s.logger.Warn("builder unavailable, compilation will fail", "error", err)
	}
}

func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("sweep failed", "error", err)
			}
		}
	}
}

// baseContext is the parent of work shared between callers.
func (s *Service) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}

// current resolves the definition the compiler should build.
func (s *Service) current(ctx context.Context, id string) (string, json.RawMessage, error) {
	rec, err := s.store.Peek(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return rec.Hash(), rec.Definition.JSON(), nil
}

func (s *Service) onTransition(snap compile.Snapshot) {
	for _, cb := range s.cfg.compileCallbacks {
		invokeCallbackSafe(cb, snap, s.logger)
	}
}

// invokeCallbackSafe calls a compile callback with panic recovery.
// Panics are logged but do not propagate.
func invokeCallbackSafe(cb func(CompileSnapshot), snap CompileSnapshot, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("compile callback panicked",
				"panic", r,
				"dashboard_id", snap.DashboardID,
				"status", snap.Status,
			)
		}
	}()
	cb(snap)
}

// Publish creates a dashboard, or fully replaces the one named by opts.ID.
// It reports whether the dashboard was created.
//
// Viewers of a replaced dashboard receive a refresh_all event when the
// definition changed.
func (s *Service) Publish(ctx context.Context, def Definition, opts PutOptions) (Record, bool, error) {
	var prevHash string
	if opts.ID != "" {
		if prev, err := s.store.Peek(ctx, opts.ID); err == nil {
			prevHash = prev.Hash()
		}
	}

	rec, created, err := s.store.Put(ctx, def, opts)
	if err != nil {
		return Record{}, false, err
	}

	if created {
		// the id may belong to a deleted dashboard whose channel was closed
		s.bc.Reopen(rec.ID)
	}

	s.logger.Info("dashboard published",
		"dashboard_id", rec.ID,
		"hash", rec.Hash(),
		"created", created,
	)
	s.afterChange(ctx, rec, !created && prevHash != rec.Hash())
	return rec, created, nil
}

// Get returns a dashboard and bumps its access time.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.store.Get(ctx, id)
}

// Patch applies a partial update. Viewers receive a refresh_all event when
// the definition changed.
func (s *Service) Patch(ctx context.Context, id string, p Patch) (Record, error) {
	prev, err := s.store.Peek(ctx, id)
	if err != nil {
		return Record{}, err
	}

	rec, err := s.store.Patch(ctx, id, p)
	if err != nil {
		return Record{}, err
	}

	changed := rec.Hash() != prev.Hash()
	s.logger.Debug("dashboard patched", "dashboard_id", id, "definition_changed", changed)
	s.afterChange(ctx, rec, changed)
	return rec, nil
}

// afterChange propagates a stored definition to compilation and viewers.
func (s *Service) afterChange(ctx context.Context, rec Record, changed bool) {
	s.compiler.MarkStale(rec.ID, rec.Hash())

	if changed {
		msg := protocol.Message{Type: protocol.TypeRefreshAll, Dashboard: rec.Definition.JSON()}
		seq, err := s.bc.Publish(rec.ID, msg)
		switch {
		case errors.Is(err, broadcast.ErrChannelClosed):
		case err != nil:
			s.logger.Warn("failed to broadcast refresh", "dashboard_id", rec.ID, "error", err)
		default:
			s.logger.Debug("refresh broadcast", "dashboard_id", rec.ID, "seq", seq)
		}
	}

	if s.cfg.eager {
		if _, err := s.compiler.Request(ctx, rec.ID); err != nil {
			s.logger.Warn("failed to schedule build", "dashboard_id", rec.ID, "error", err)
		}
	}
}

// Delete removes a dashboard, cancels its build and disconnects its viewers.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.evict(id, reasonDeleted)
	s.logger.Info("dashboard deleted", "dashboard_id", id)
	return nil
}

func (s *Service) evict(id, reason string) {
	s.compiler.Invalidate(id)
	s.bc.Close(id, reason)
}

// Touch bumps a dashboard's access time.
func (s *Service) Touch(ctx context.Context, id string) error {
	return s.store.Touch(ctx, id)
}

// List returns the dashboards matching q.
func (s *Service) List(ctx context.Context, q ListQuery) ([]Record, error) {
	return s.store.List(ctx, q)
}

// Sweep evicts every expired dashboard that has no attached viewer and
// returns the evicted ids.
func (s *Service) Sweep(ctx context.Context) ([]string, error) {
	ids, err := s.store.Sweep(ctx, s.clock.Now(), s.bc.Active)
	for _, id := range ids {
		s.evict(id, reasonExpired)
	}
	if len(ids) > 0 {
		s.logger.Info("expired dashboards evicted", "count", len(ids))
	}
	return ids, err
}

// PushUpdate broadcasts an update command to the dashboard's viewers and
// returns the seq it was assigned. The stored definition is not modified.
//
// A push racing with the dashboard's deletion is dropped and returns seq 0.
func (s *Service) PushUpdate(ctx context.Context, id string, cmd UpdateCommand) (uint64, error) {
	if err := cmd.Validate(); err != nil {
		return 0, err
	}
	if _, err := s.store.Peek(ctx, id); err != nil {
		return 0, err
	}

	seq, err := s.bc.Publish(id, cmd.Message())
	if errors.Is(err, broadcast.ErrChannelClosed) {
		return 0, nil
	}
	return seq, err
}

// RequestArtifact returns the compilation state of the dashboard's current
// definition, scheduling a build when no usable artifact exists.
func (s *Service) RequestArtifact(ctx context.Context, id string) (CompileSnapshot, error) {
	return s.compiler.Request(ctx, id)
}

// CompileStatus returns the compilation state without scheduling anything.
func (s *Service) CompileStatus(ctx context.Context, id string) (CompileSnapshot, error) {
	return s.compiler.Status(ctx, id)
}

// Recompile forces a build of the current definition.
func (s *Service) Recompile(ctx context.Context, id string) (CompileSnapshot, error) {
	return s.compiler.Recompile(ctx, id)
}

// WatchCompile streams compilation transitions of the dashboard until
// cancel is called or the dashboard is deleted.
func (s *Service) WatchCompile(ctx context.Context, id string) (<-chan CompileSnapshot, func(), error) {
	if _, err := s.store.Peek(ctx, id); err != nil {
		return nil, nil, err
	}
	ch, cancel := s.compiler.Watch(id)
	return ch, cancel, nil
}

// AwaitArtifact requests the artifact and polls until the build settles.
//
// It returns [ErrCompilationFailed] with the build detail for a failed
// build and [ErrCompilationTimeout] once the poll budget is spent.
// Concurrent callers waiting on the same definition share one poll loop.
func (s *Service) AwaitArtifact(ctx context.Context, id string) (CompileSnapshot, error) {
	rec, err := s.store.Peek(ctx, id)
	if err != nil {
		return CompileSnapshot{}, err
	}

	key := id + "@" + rec.Hash()
	ch := s.awaits.DoChan(key, func() (any, error) {
		return s.pollArtifact(s.baseContext(), id)
	})

	select {
	case <-ctx.Done():
		return CompileSnapshot{}, ctx.Err()
	case res := <-ch:
		snap, _ := res.Val.(CompileSnapshot)
		return snap, res.Err
	}
}

func (s *Service) pollArtifact(ctx context.Context, id string) (CompileSnapshot, error) {
	snap, err := s.compiler.Request(ctx, id)
	if err != nil {
		return snap, err
	}

	ticker := time.NewTicker(s.cfg.pollInterval)
	defer ticker.Stop()

	for polls := 0; ; polls++ {
		switch snap.Status {
		case compile.StatusReady:
			return snap, nil
		case compile.StatusFailed:
			return snap, fmt.Errorf("%w: %s", ErrCompilationFailed, snap.Error)
		}
		if polls >= s.cfg.maxPolls {
			return snap, fmt.Errorf("%w: still %s after %d polls", ErrCompilationTimeout, snap.Status, polls)
		}

		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}

		if snap, err = s.compiler.Status(ctx, id); err != nil {
			return snap, err
		}
		if !snap.Scheduled {
			// the definition changed while waiting
			if snap, err = s.compiler.Request(ctx, id); err != nil {
				return snap, err
			}
		}
	}
}

// Attach subscribes a viewer to the dashboard's channel and pins its ready
// artifact until the viewer detaches.
func (s *Service) Attach(ctx context.Context, id string) (*broadcast.Subscription, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	sub := s.bc.Attach(id)

	// a delete between Get and Attach has already closed the old channel
	if _, err := s.store.Peek(ctx, id); err != nil {
		s.bc.Detach(sub)
		if errors.Is(err, store.ErrNotFound) {
			s.bc.Close(id, reasonDeleted)
		}
		return nil, err
	}

	release := s.compiler.Retain(id, rec.Hash())
	s.mu.Lock()
	s.releases[sub] = release
	s.mu.Unlock()
	return sub, nil
}

// Detach releases everything Attach acquired.
func (s *Service) Detach(sub *broadcast.Subscription) {
	s.bc.Detach(sub)

	s.mu.Lock()
	release, ok := s.releases[sub]
	delete(s.releases, sub)
	s.mu.Unlock()

	if ok {
		release()
	}
}

// Resync enqueues the dashboard's current definition for sub, stamped with
// the channel position.
func (s *Service) Resync(ctx context.Context, sub *broadcast.Subscription) error {
	return s.bc.Resync(sub, func(seq uint64) (protocol.Message, error) {
		rec, err := s.store.Peek(ctx, sub.DashboardID())
		if err != nil {
			return protocol.Message{}, err
		}
		return protocol.Snapshot(rec.Definition.JSON(), seq), nil
	})
}

// Send enqueues a non-mutation message for sub alone.
func (s *Service) Send(sub *broadcast.Subscription, msg protocol.Message) error {
	return s.bc.Send(sub, msg)
}

// Sessions returns the number of viewers attached to the dashboard.
func (s *Service) Sessions(id string) int {
	return s.bc.Sessions(id)
}
