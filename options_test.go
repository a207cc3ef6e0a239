package vidiboard

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jpalmerr/vidiboard/internal/compile"
	"github.com/jpalmerr/vidiboard/internal/store"
)

func TestNew_Defaults(t *testing.T) {
	svc := newTestService(t)

	if svc.cfg.port != defaultPort {
		t.Errorf("port = %v, want %v", svc.cfg.port, defaultPort)
	}
	if svc.cfg.defaultTTL != defaultDefaultTTL {
		t.Errorf("defaultTTL = %v, want %v", svc.cfg.defaultTTL, defaultDefaultTTL)
	}
	if svc.cfg.sweepInterval != defaultSweepInterval {
		t.Errorf("sweepInterval = %v, want %v", svc.cfg.sweepInterval, defaultSweepInterval)
	}
	if svc.cfg.artifactDir != defaultArtifactDir {
		t.Errorf("artifactDir = %v, want %v", svc.cfg.artifactDir, defaultArtifactDir)
	}
	if svc.cfg.eager {
		t.Error("eager compile should be off by default")
	}
	if _, ok := svc.store.(*store.MemoryStore); !ok {
		t.Errorf("store = %T, want *store.MemoryStore", svc.store)
	}
}

func TestNew_DefaultBuilderUsesBuildCommand(t *testing.T) {
	svc, err := New(
		WithLogger(testLogger()),
		WithBuildCommand("vidi-build", "--release"),
		WithArtifactDir("/tmp/out"),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer svc.Close()

	b, ok := svc.cfg.builder.(*compile.CommandBuilder)
	if !ok {
		t.Fatalf("builder = %T, want *compile.CommandBuilder", svc.cfg.builder)
	}
	if b.Command != "vidi-build" || len(b.Args) != 1 || b.ArtifactDir != "/tmp/out" {
		t.Errorf("builder = %+v", b)
	}
}

func TestNew_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"negative port", WithPort(-1)},
		{"port too high", WithPort(65536)},
		{"nil logger", WithLogger(nil)},
		{"empty sqlite path", WithSQLite("")},
		{"empty postgres dsn", WithPostgres(PostgresConfig{})},
		{"nil store", WithStore(nil)},
		{"nil builder", WithBuilder(nil)},
		{"empty build command", WithBuildCommand("")},
		{"empty artifact dir", WithArtifactDir("")},
		{"zero workers", WithWorkers(0)},
		{"zero build timeout", WithBuildTimeout(0)},
		{"empty fallback", WithFallbackArtifact("")},
		{"zero poll interval", WithCompilePolling(0, 10)},
		{"zero max polls", WithCompilePolling(time.Second, 0)},
		{"negative default ttl", WithDefaultTTL(-time.Second)},
		{"zero sweep interval", WithSweepInterval(0)},
		{"zero max pending", WithMaxPending(0)},
		{"read timeout below ping", WithKeepalive(time.Minute, time.Second)},
		{"tls without key", WithTLS("cert.pem", "")},
		{"nil clock", WithClock(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(WithLogger(testLogger()), tt.opt)
			if err == nil {
				t.Errorf("New() expected error for %s, got nil", tt.name)
			}
		})
	}
}

func TestWithPort_ValidEdgeCases(t *testing.T) {
	for _, port := range []int{0, 1, 80, 8080, 65535} {
		svc := newTestService(t, WithPort(port))
		if svc.cfg.port != port {
			t.Errorf("port = %v, want %v", svc.cfg.port, port)
		}
	}
}

func TestWithStore_ClosedWithService(t *testing.T) {
	st := &closeTracker{Store: store.NewMemoryStore(nil)}
	svc, err := New(WithLogger(testLogger()), WithStore(st))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	svc.Close()
	svc.Close()
	if st.closed != 1 {
		t.Errorf("store closed %d times, want 1", st.closed)
	}
}

type closeTracker struct {
	store.Store
	closed int
}

func (c *closeTracker) Close() error {
	c.closed++
	return c.Store.Close()
}

func TestWithSQLite_OpensDatabase(t *testing.T) {
	path := t.TempDir() + "/dashboards.db"
	svc := newTestService(t, WithSQLite(path))

	if _, ok := svc.store.(*store.SQLStore); !ok {
		t.Errorf("store = %T, want *store.SQLStore", svc.store)
	}
	publish(t, svc, `{}`)
}

func TestWithPostgres_UnreachableFails(t *testing.T) {
	_, err := New(
		WithLogger(testLogger()),
		WithPostgres(PostgresConfig{DSN: "postgres://nobody@127.0.0.1:1/none?connect_timeout=1"}),
	)
	if err == nil {
		t.Fatal("New() with an unreachable database should fail")
	}
	if !strings.Contains(err.Error(), "failed to open store") {
		t.Errorf("error = %v, want store context", err)
	}
}

func TestWithKeepalive(t *testing.T) {
	svc := newTestService(t, WithKeepalive(5*time.Second, 20*time.Second))
	if svc.cfg.pingInterval != 5*time.Second || svc.cfg.readTimeout != 20*time.Second {
		t.Errorf("keepalive = %v/%v", svc.cfg.pingInterval, svc.cfg.readTimeout)
	}
}

func TestWithFallbackArtifact(t *testing.T) {
	svc := newTestService(t, WithFallbackArtifact("_generic"))
	if svc.cfg.fallback == nil || svc.cfg.fallback.Ref != "_generic" || !svc.cfg.fallback.Fallback {
		t.Errorf("fallback = %+v", svc.cfg.fallback)
	}
}

func TestWithLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	svc, err := New(WithLogger(logger), WithBuilder(&stubBuilder{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer svc.Close()

	if svc.logger != logger {
		t.Error("logger was not set correctly")
	}

	publish(t, svc, `{}`)
	if !strings.Contains(buf.String(), "dashboard published") {
		t.Errorf("expected publish to be logged, got: %s", buf.String())
	}
}

func TestWithLogger_DefaultsToSlogDefault(t *testing.T) {
	svc, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer svc.Close()

	if svc.logger != slog.Default() {
		t.Error("logger should default to slog.Default()")
	}
}

func TestVerifyBuilder_LogsMissingToolchain(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	svc, err := New(WithLogger(logger), WithBuildCommand("vidiboard-no-such-builder"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer svc.Close()

	svc.verifyBuilder(context.Background())
	if !strings.Contains(buf.String(), "builder unavailable") {
		t.Errorf("expected a warning, got: %s", buf.String())
	}
}

func TestPublishOptions(t *testing.T) {
	tests := []struct {
		name    string
		opts    []PublishOption
		want    PutOptions
		wantErr bool
	}{
		{
			name: "metadata",
			opts: []PublishOption{WithID("run-1"), WithName("loss"), WithOwner("ana"), WithTags("a", "b")},
			want: PutOptions{ID: "run-1", Name: "loss", Owner: "ana", Tags: []string{"a", "b"}},
		},
		{
			name: "permanent clears ttl",
			opts: []PublishOption{WithTTL(time.Hour), WithPermanent()},
			want: PutOptions{Permanent: true},
		},
		{name: "ttl on permanent", opts: []PublishOption{WithPermanent(), WithTTL(time.Hour)}, wantErr: true},
		{name: "negative ttl", opts: []PublishOption{WithTTL(-time.Second)}, wantErr: true},
		{name: "unsafe id", opts: []PublishOption{WithID("a/b")}, wantErr: true},
		{name: "empty id", opts: []PublishOption{WithID("")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got PutOptions
			var err error
			for _, opt := range tt.opts {
				if err = opt(&got); err != nil {
					break
				}
			}
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.ID != tt.want.ID || got.Name != tt.want.Name || got.Owner != tt.want.Owner ||
				got.Permanent != tt.want.Permanent || got.TTL != tt.want.TTL ||
				strings.Join(got.Tags, ",") != strings.Join(tt.want.Tags, ",") {
				t.Errorf("options = %+v, want %+v", got, tt.want)
			}
		})
	}
}
