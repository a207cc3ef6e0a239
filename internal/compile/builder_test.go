package compile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func shellBuilder(t *testing.T, script string) *CommandBuilder {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	return &CommandBuilder{
		Command:     "sh",
		Args:        []string{"-c", script},
		ArtifactDir: t.TempDir(),
		Logger:      testLogger(),
	}
}

func TestCommandBuilder_Build(t *testing.T) {
	b := shellBuilder(t, `cp "$VIDIBOARD_DEFINITION" "$VIDIBOARD_OUT_DIR/index.json" && echo "$VIDIBOARD_DASHBOARD_ID" > "$VIDIBOARD_OUT_DIR/id"`)

	art, err := b.Build(context.Background(), BuildRequest{
		DashboardID: "d1",
		Hash:        hashA,
		Definition:  []byte(`{"plots":[]}`),
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if art.Ref != "d1/aaaaaaaaaaaaaaaa" {
		t.Errorf("Ref = %v, want %v", art.Ref, "d1/aaaaaaaaaaaaaaaa")
	}

	out := filepath.Join(b.ArtifactDir, "d1", "aaaaaaaaaaaaaaaa")
	data, err := os.ReadFile(filepath.Join(out, "index.json"))
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	if string(data) != `{"plots":[]}` {
		t.Errorf("index.json = %s", data)
	}
	id, _ := os.ReadFile(filepath.Join(out, "id"))
	if strings.TrimSpace(string(id)) != "d1" {
		t.Errorf("id = %q, want d1", id)
	}
}

func TestCommandBuilder_FailureIncludesOutput(t *testing.T) {
	b := shellBuilder(t, `echo "plot 2: unknown kind" >&2; exit 3`)

	_, err := b.Build(context.Background(), BuildRequest{DashboardID: "d1", Hash: hashA, Definition: []byte(`{}`)})
	if err == nil {
		t.Fatal("Build() error = nil, want failure")
	}
	if !strings.Contains(err.Error(), "plot 2: unknown kind") {
		t.Errorf("error = %v, want command output", err)
	}
	if _, statErr := os.Stat(filepath.Join(b.ArtifactDir, "d1", "aaaaaaaaaaaaaaaa")); !os.IsNotExist(statErr) {
		t.Error("failed build should not leave an output directory")
	}
}

func TestCommandBuilder_Cancelled(t *testing.T) {
	b := shellBuilder(t, `sleep 5`)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Build(ctx, BuildRequest{DashboardID: "d1", Hash: hashA, Definition: []byte(`{}`)})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Build() error = %v, want DeadlineExceeded", err)
	}
}

func TestCommandBuilder_Unavailable(t *testing.T) {
	b := &CommandBuilder{Command: "vidiboard-no-such-compiler", ArtifactDir: t.TempDir()}

	if err := b.Verify(context.Background()); !errors.Is(err, ErrBuilderUnavailable) {
		t.Errorf("Verify() error = %v, want ErrBuilderUnavailable", err)
	}
	_, err := b.Build(context.Background(), BuildRequest{DashboardID: "d1", Hash: hashA})
	if !errors.Is(err, ErrBuilderUnavailable) {
		t.Errorf("Build() error = %v, want ErrBuilderUnavailable", err)
	}

	empty := &CommandBuilder{}
	if err := empty.Verify(context.Background()); !errors.Is(err, ErrBuilderUnavailable) {
		t.Errorf("Verify() with no command error = %v, want ErrBuilderUnavailable", err)
	}
}

func TestCommandBuilder_RejectsUnsafeID(t *testing.T) {
	b := shellBuilder(t, `true`)

	for _, id := range []string{"../escape", "a/b", "/abs"} {
		if _, err := b.Build(context.Background(), BuildRequest{DashboardID: id, Hash: hashA}); err == nil {
			t.Errorf("Build(%q) error = nil, want rejection", id)
		}
	}
}

func TestCommandBuilder_DiscardAndPurge(t *testing.T) {
	b := shellBuilder(t, `touch "$VIDIBOARD_OUT_DIR/app.wasm"`)
	ctx := context.Background()

	artA, err := b.Build(ctx, BuildRequest{DashboardID: "d1", Hash: hashA, Definition: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Build(A) error = %v", err)
	}
	artB, err := b.Build(ctx, BuildRequest{DashboardID: "d1", Hash: hashB, Definition: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Build(B) error = %v", err)
	}

	if err := b.Discard(ctx, "d1", artA); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(b.ArtifactDir, filepath.FromSlash(artA.Ref))); !os.IsNotExist(err) {
		t.Error("discarded artifact still exists")
	}
	if _, err := os.Stat(filepath.Join(b.ArtifactDir, filepath.FromSlash(artB.Ref))); err != nil {
		t.Errorf("sibling artifact removed: %v", err)
	}

	if err := b.Discard(ctx, "d1", Artifact{Ref: "generic", Fallback: true}); err != nil {
		t.Errorf("Discard(fallback) error = %v", err)
	}

	if err := b.Purge(ctx, "d1"); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(b.ArtifactDir, "d1")); !os.IsNotExist(err) {
		t.Error("purged dashboard directory still exists")
	}
}

func TestCommandBuilder_RelativeCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	script := "#!/bin/sh\ntouch \"$VIDIBOARD_OUT_DIR/index.html\"\n"
	if err := os.WriteFile(filepath.Join(dir, "build.sh"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	b := &CommandBuilder{Command: "./build.sh", ArtifactDir: t.TempDir(), Logger: testLogger()}
	art, err := b.Build(context.Background(), BuildRequest{DashboardID: "d1", Hash: hashA, Definition: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(b.ArtifactDir, filepath.FromSlash(art.Ref), "index.html")); err != nil {
		t.Errorf("artifact not written: %v", err)
	}
}

func TestCommandBuilder_FailedRebuildKeepsArtifact(t *testing.T) {
	b := shellBuilder(t, `echo v1 > "$VIDIBOARD_OUT_DIR/index.html"`)
	ctx := context.Background()
	req := BuildRequest{DashboardID: "d1", Hash: hashA, Definition: []byte(`{}`)}

	art, err := b.Build(ctx, req)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	index := filepath.Join(b.ArtifactDir, filepath.FromSlash(art.Ref), "index.html")

	b.Args = []string{"-c", `echo partial > "$VIDIBOARD_OUT_DIR/index.html"; exit 1`}
	if _, err := b.Build(ctx, req); err == nil {
		t.Fatal("Build() error = nil, want failure")
	}
	data, err := os.ReadFile(index)
	if err != nil {
		t.Fatalf("artifact removed by failed rebuild: %v", err)
	}
	if strings.TrimSpace(string(data)) != "v1" {
		t.Errorf("index.html = %q, want v1", data)
	}

	b.Args = []string{"-c", `echo v2 > "$VIDIBOARD_OUT_DIR/index.html"`}
	if _, err := b.Build(ctx, req); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	data, _ = os.ReadFile(index)
	if strings.TrimSpace(string(data)) != "v2" {
		t.Errorf("index.html = %q, want v2", data)
	}

	entries, err := os.ReadDir(filepath.Join(b.ArtifactDir, "d1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Errorf("dashboard dir = %v, want only the artifact", names)
	}
}
