package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jpalmerr/vidiboard"
	"github.com/jpalmerr/vidiboard/internal/compile"
	"github.com/jpalmerr/vidiboard/internal/poller"
)

// syncBuffer is a bytes.Buffer safe for a command writing while the test
// reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// resetFlags restores every flag to its default so commands do not leak
// state between tests.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// executeCmd runs the root command with args and returns captured stdout,
// stderr and any error.
func executeCmd(t *testing.T, ctx context.Context, args ...string) (string, string, error) {
	t.Helper()

	resetFlags(rootCmd)
	var stdout, stderr syncBuffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})

	err := rootCmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

type refBuilder struct{}

func (refBuilder) Build(ctx context.Context, req compile.BuildRequest) (compile.Artifact, error) {
	return compile.Artifact{Ref: compile.ArtifactRef(req.DashboardID, req.Hash)}, nil
}

// startService runs an in-memory service on a free port and returns its
// base URL.
func startService(t *testing.T) string {
	t.Helper()

	svc, err := vidiboard.New(
		vidiboard.WithHost("127.0.0.1"),
		vidiboard.WithPort(0),
		vidiboard.WithMemoryStore(),
		vidiboard.WithBuilder(refBuilder{}),
		vidiboard.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("vidiboard.New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := svc.Addr(); addr != nil {
			return "http://" + addr.String()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("service never bound its listener")
	return ""
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestVersion(t *testing.T) {
	out, _, err := executeCmd(t, context.Background(), "version")
	if err != nil {
		t.Fatalf("version command error = %v", err)
	}
	if !strings.Contains(out, "vidiboard dev") {
		t.Errorf("output = %q, want version line", out)
	}
}

func TestRunValidate_ValidConfig(t *testing.T) {
	configPath := writeFile(t, "vidiboard.yaml", `
port: 9000
database:
  driver: memory
compile:
  command: vidi-build
  workers: 3
dashboards:
  - id: home
    file: home.json
grids:
  - id: loss
    template: '{"title":"{{.model}}"}'
    dimensions:
      model: [small, large]
`)

	out, _, err := executeCmd(t, context.Background(), "validate", "-c", configPath)
	if err != nil {
		t.Fatalf("validate command error = %v", err)
	}

	expectedPhrases := []string{
		"Config is valid!",
		"Listen:        0.0.0.0:9000",
		"Store:         memory",
		"Builder:       vidi-build (3 workers)",
		"1 direct + 2 from grids = 3 total",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(out, phrase) {
			t.Errorf("output missing %q\nGot: %s", phrase, out)
		}
	}
}

func TestRunValidate_InvalidConfig(t *testing.T) {
	configPath := writeFile(t, "invalid.yaml", `
dashboards:
  - file: home.json
`)

	_, _, err := executeCmd(t, context.Background(), "validate", "-c", configPath)
	if err == nil {
		t.Fatal("validate command expected error for invalid config, got nil")
	}
	if !strings.Contains(err.Error(), "id is required") {
		t.Errorf("error should mention 'id is required', got: %v", err)
	}
}

func TestRunValidate_MissingFile(t *testing.T) {
	_, _, err := executeCmd(t, context.Background(), "validate", "-c", "/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("validate command expected error for missing file, got nil")
	}
	if !strings.Contains(err.Error(), "failed to read") {
		t.Errorf("error should mention 'failed to read', got: %v", err)
	}
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, _, err := executeCmd(t, context.Background(), "wait", "--log-level", "loud", "x")
	if err == nil || !strings.Contains(err.Error(), "unknown log level") {
		t.Errorf("error = %v, want unknown log level", err)
	}
}

func TestPublish_WaitsForArtifact(t *testing.T) {
	base := startService(t)
	defPath := writeFile(t, "loss.jsonc", `{
  // training loss
  "plots": [{"kind": "line"}],
}`)

	out, _, err := executeCmd(t, context.Background(), "publish",
		"-s", base, "-f", defPath,
		"--id", "loss", "--name", "Training loss", "--tag", "ml", "--tag", "nightly",
		"--wait", "--poll-interval", "5ms",
	)
	if err != nil {
		t.Fatalf("publish command error = %v\n%s", err, out)
	}

	for _, phrase := range []string{"Published loss", "Plots:  1", "Build:  ready", "Artifact: "} {
		if !strings.Contains(out, phrase) {
			t.Errorf("output missing %q\nGot: %s", phrase, out)
		}
	}

	client, err := poller.NewClient(base)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer client.Close()
	dash, err := client.Get(context.Background(), "loss")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if dash.Name != "Training loss" || strings.Join(dash.Tags, ",") != "ml,nightly" {
		t.Errorf("dashboard = %+v", dash)
	}
}

func TestPublish_Errors(t *testing.T) {
	invalid := writeFile(t, "bad.json", `[1, 2]`)
	valid := writeFile(t, "ok.json", `{}`)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing file", []string{"publish", "-f", "/nonexistent/def.json"}, "failed to read definition"},
		{"invalid definition", []string{"publish", "-f", invalid}, "invalid dashboard definition"},
		{"ttl with permanent", []string{"publish", "-f", valid, "--permanent", "--ttl", "1h"}, "--ttl cannot be combined"},
		{"bad server", []string{"publish", "-f", valid, "-s", "ftp://example.com"}, "scheme must be http"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := executeCmd(t, context.Background(), tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestPublish_Stdin(t *testing.T) {
	base := startService(t)

	rootCmd.SetIn(strings.NewReader(`{"plots": []}`))
	t.Cleanup(func() { rootCmd.SetIn(nil) })

	out, _, err := executeCmd(t, context.Background(), "publish", "-s", base, "-f", "-", "--id", "piped")
	if err != nil {
		t.Fatalf("publish command error = %v", err)
	}
	if !strings.Contains(out, "Published piped") {
		t.Errorf("output = %q", out)
	}
}

func TestWait_ReportsEachDashboard(t *testing.T) {
	base := startService(t)
	defPath := writeFile(t, "d.json", `{"plots": [{}]}`)

	for _, id := range []string{"a", "b"} {
		if _, _, err := executeCmd(t, context.Background(), "publish", "-s", base, "-f", defPath, "--id", id); err != nil {
			t.Fatalf("publish %s error = %v", id, err)
		}
	}

	out, _, err := executeCmd(t, context.Background(), "wait", "-s", base, "--poll-interval", "5ms", "a", "b")
	if err != nil {
		t.Fatalf("wait command error = %v\n%s", err, out)
	}
	if strings.Count(out, "✓") != 2 {
		t.Errorf("output = %q, want two ready lines", out)
	}

	out, _, err = executeCmd(t, context.Background(), "wait", "-s", base, "--poll-interval", "5ms", "a", "missing")
	if err == nil || !strings.Contains(err.Error(), "1 of 2 dashboards") {
		t.Errorf("error = %v, want one failure", err)
	}
	if !strings.Contains(out, "✗") {
		t.Errorf("output = %q, want a failure line", out)
	}
}

func TestFollow_StopsOnDelete(t *testing.T) {
	base := startService(t)
	defPath := writeFile(t, "d.json", `{"plots": [{}]}`)
	if _, _, err := executeCmd(t, context.Background(), "publish", "-s", base, "-f", defPath, "--id", "live"); err != nil {
		t.Fatalf("publish error = %v", err)
	}

	resetFlags(rootCmd)
	var stdout, stderr syncBuffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs([]string{"follow", "-s", base, "live"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})

	done := make(chan error, 1)
	go func() { done <- rootCmd.ExecuteContext(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(stdout.String(), `"type":"connected"`) {
		if time.Now().After(deadline) {
			t.Fatalf("follow never connected, stdout: %q", stdout.String())
		}
		time.Sleep(5 * time.Millisecond)
	}

	client, err := poller.NewClient(base)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer client.Close()
	if err := client.Delete(context.Background(), "live"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("follow command error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("follow did not stop after delete")
	}
	if !strings.Contains(stderr.String(), "dashboard closed: live") {
		t.Errorf("stderr = %q, want closed notice", stderr.String())
	}
}
