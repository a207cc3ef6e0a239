package vidiboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpalmerr/vidiboard/internal/clock"
	"github.com/jpalmerr/vidiboard/internal/compile"
	"github.com/jpalmerr/vidiboard/internal/store"
)

// storeOpener opens the configured backend once the clock is known.
type storeOpener func(ctx context.Context, clk clock.Clock) (store.Store, error)

// svcConfig holds mutable state during Service construction.
type svcConfig struct {
	title  string
	host   string
	port   int
	logger *slog.Logger
	clock  clock.Clock

	openStore storeOpener

	builder      compile.Builder
	buildCommand string
	buildArgs    []string
	workers      int
	buildTimeout time.Duration
	fallback     *compile.Artifact
	artifactDir  string

	pollInterval time.Duration
	maxPolls     int
	eager        bool

	defaultTTL    time.Duration
	sweepInterval time.Duration
	maxPending    int

	pingInterval time.Duration
	readTimeout  time.Duration

	tlsCert string
	tlsKey  string

	compileCallbacks []func(CompileSnapshot)
}

// Option is a function that configures a [Service] instance during construction.
//
// Option implements the functional options pattern, allowing optional
// configuration to be passed to [New] in a type-safe, extensible way.
// Options return an error if validation fails.
type Option func(*svcConfig) error

// WithPort sets the HTTP port. Port 0 picks a free port; see [Service.Addr].
// Defaults to 8080 if not specified.
//
// Returns an error if the port is outside the valid range (0-65535).
func WithPort(port int) Option {
	return func(cfg *svcConfig) error {
		if port < 0 || port > 65535 {
			return errors.New("port must be between 0 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithHost sets the interface the HTTP server binds to. Defaults to all
// interfaces.
func WithHost(host string) Option {
	return func(cfg *svcConfig) error {
		cfg.host = host
		return nil
	}
}

// WithLogger sets a custom [slog.Logger] for the Service instance.
//
// If not specified, [slog.Default] is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *svcConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithTitle sets the title shown on the portal and viewer pages.
//
// If not specified, defaults to "Vidiboard".
func WithTitle(title string) Option {
	return func(cfg *svcConfig) error {
		cfg.title = title
		return nil
	}
}

// WithMemoryStore keeps dashboards in process memory. This is the default.
func WithMemoryStore() Option {
	return func(cfg *svcConfig) error {
		cfg.openStore = func(_ context.Context, clk clock.Clock) (store.Store, error) {
			return store.NewMemoryStore(clk), nil
		}
		return nil
	}
}

// WithSQLite persists dashboards in the SQLite database at path.
//
// Example:
//
//	svc, err := vidiboard.New(vidiboard.WithSQLite("dashboards.db"))
//
// Returns an error if path is empty.
func WithSQLite(path string) Option {
	return func(cfg *svcConfig) error {
		if path == "" {
			return errors.New("sqlite path cannot be empty")
		}
		cfg.openStore = func(ctx context.Context, clk clock.Clock) (store.Store, error) {
			return store.OpenSQLite(ctx, path, clk)
		}
		return nil
	}
}

// WithPostgres persists dashboards in PostgreSQL.
//
// Returns an error if the DSN is empty.
func WithPostgres(pg PostgresConfig) Option {
	return func(cfg *svcConfig) error {
		if pg.DSN == "" {
			return errors.New("postgres dsn cannot be empty")
		}
		cfg.openStore = func(ctx context.Context, clk clock.Clock) (store.Store, error) {
			return store.OpenPostgres(ctx, pg, clk)
		}
		return nil
	}
}

// WithStore uses an already opened store. The Service closes it on shutdown.
//
// Returns an error if s is nil.
func WithStore(s store.Store) Option {
	return func(cfg *svcConfig) error {
		if s == nil {
			return errors.New("store cannot be nil")
		}
		cfg.openStore = func(context.Context, clock.Clock) (store.Store, error) {
			return s, nil
		}
		return nil
	}
}

// WithBuilder sets the compiler used to turn definitions into artifacts.
// It takes precedence over [WithBuildCommand].
//
// Returns an error if b is nil.
func WithBuilder(b Builder) Option {
	return func(cfg *svcConfig) error {
		if b == nil {
			return errors.New("builder cannot be nil")
		}
		cfg.builder = b
		return nil
	}
}

// WithBuildCommand compiles dashboards by running an external command.
// The command writes each artifact under the artifact directory.
//
// Example:
//
//	svc, err := vidiboard.New(
//	    vidiboard.WithBuildCommand("vidi-build", "--release"),
//	    vidiboard.WithArtifactDir("/var/lib/vidiboard/artifacts"),
//	)
//
// Returns an error if the command is empty.
func WithBuildCommand(command string, args ...string) Option {
	return func(cfg *svcConfig) error {
		if command == "" {
			return errors.New("build command cannot be empty")
		}
		cfg.buildCommand = command
		cfg.buildArgs = append([]string(nil), args...)
		return nil
	}
}

// WithArtifactDir sets the directory compiled artifacts are written to and
// served from under /artifacts/. Defaults to "artifacts".
func WithArtifactDir(dir string) Option {
	return func(cfg *svcConfig) error {
		if dir == "" {
			return errors.New("artifact dir cannot be empty")
		}
		cfg.artifactDir = dir
		return nil
	}
}

// WithWorkers sets the number of concurrent builds. Defaults to 2.
//
// Returns an error if the value is zero or negative.
func WithWorkers(n int) Option {
	return func(cfg *svcConfig) error {
		if n <= 0 {
			return errors.New("workers must be positive")
		}
		cfg.workers = n
		return nil
	}
}

// WithBuildTimeout bounds a single build. Defaults to 10 minutes.
func WithBuildTimeout(d time.Duration) Option {
	return func(cfg *svcConfig) error {
		if d <= 0 {
			return errors.New("build timeout must be positive")
		}
		cfg.buildTimeout = d
		return nil
	}
}

// WithFallbackArtifact serves the pre-built artifact at ref, relative to the
// artifact directory, whenever the builder is unavailable.
func WithFallbackArtifact(ref string) Option {
	return func(cfg *svcConfig) error {
		if ref == "" {
			return errors.New("fallback artifact ref cannot be empty")
		}
		cfg.fallback = &compile.Artifact{Ref: ref, Fallback: true}
		return nil
	}
}

// WithCompilePolling bounds [Service.AwaitArtifact]: the compile status is
// read every interval, at most maxPolls times. Defaults to 1s and 120.
func WithCompilePolling(interval time.Duration, maxPolls int) Option {
	return func(cfg *svcConfig) error {
		if interval <= 0 {
			return errors.New("poll interval must be positive")
		}
		if maxPolls <= 0 {
			return errors.New("max polls must be positive")
		}
		cfg.pollInterval = interval
		cfg.maxPolls = maxPolls
		return nil
	}
}

// WithEagerCompile schedules a build whenever a definition is published or
// changed, instead of on first artifact request.
func WithEagerCompile() Option {
	return func(cfg *svcConfig) error {
		cfg.eager = true
		return nil
	}
}

// WithDefaultTTL sets the idle TTL applied by the HTTP API to dashboards
// published without permanent or ttl_seconds. Zero disables expiry.
// Defaults to 24 hours.
func WithDefaultTTL(d time.Duration) Option {
	return func(cfg *svcConfig) error {
		if d < 0 {
			return errors.New("default ttl cannot be negative")
		}
		cfg.defaultTTL = d
		return nil
	}
}

// WithSweepInterval sets how often expired dashboards are evicted.
// Defaults to 5 minutes.
//
// Returns an error if the duration is zero or negative.
func WithSweepInterval(d time.Duration) Option {
	return func(cfg *svcConfig) error {
		if d <= 0 {
			return errors.New("sweep interval must be positive")
		}
		cfg.sweepInterval = d
		return nil
	}
}

// WithMaxPending bounds the number of undelivered events per viewer. A
// viewer that falls further behind is disconnected.
func WithMaxPending(n int) Option {
	return func(cfg *svcConfig) error {
		if n <= 0 {
			return errors.New("max pending must be positive")
		}
		cfg.maxPending = n
		return nil
	}
}

// WithKeepalive tunes viewer connections: a ping is sent every
// pingInterval and a connection silent for readTimeout is dropped.
func WithKeepalive(pingInterval, readTimeout time.Duration) Option {
	return func(cfg *svcConfig) error {
		if pingInterval <= 0 || readTimeout <= 0 {
			return errors.New("keepalive durations must be positive")
		}
		if readTimeout <= pingInterval {
			return fmt.Errorf("read timeout %s must exceed ping interval %s", readTimeout, pingInterval)
		}
		cfg.pingInterval = pingInterval
		cfg.readTimeout = readTimeout
		return nil
	}
}

// WithTLS serves HTTPS using the given certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(cfg *svcConfig) error {
		if certFile == "" || keyFile == "" {
			return errors.New("tls requires both a certificate and a key file")
		}
		cfg.tlsCert = certFile
		cfg.tlsKey = keyFile
		return nil
	}
}

// WithClock replaces the wall clock. Intended for tests.
func WithClock(clk clock.Clock) Option {
	return func(cfg *svcConfig) error {
		if clk == nil {
			return errors.New("clock cannot be nil")
		}
		cfg.clock = clk
		return nil
	}
}

// WithCompileCallback registers a function to be called on every
// compilation state change.
//
// Multiple callbacks may be registered by calling WithCompileCallback
// multiple times; they execute in registration order.
//
// IMPORTANT: Callbacks must be non-blocking. They run on the build workers,
// so a blocking callback delays other builds.
//
// Example:
//
//	svc, err := vidiboard.New(
//	    vidiboard.WithCompileCallback(func(s vidiboard.CompileSnapshot) {
//	        if s.Status == vidiboard.CompileFailed {
//	            log.Printf("build of %s failed: %s", s.DashboardID, s.Error)
//	        }
//	    }),
//	)
//
// Nil callbacks are silently ignored.
func WithCompileCallback(cb func(CompileSnapshot)) Option {
	return func(cfg *svcConfig) error {
		if cb == nil {
			return nil // no-op for nil callback (safe to call)
		}
		cfg.compileCallbacks = append(cfg.compileCallbacks, cb)
		return nil
	}
}
