package compile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"time"
)

// Environment variables passed to the build command.
const (
	EnvDefinition  = "VIDIBOARD_DEFINITION"
	EnvOutDir      = "VIDIBOARD_OUT_DIR"
	EnvDashboardID = "VIDIBOARD_DASHBOARD_ID"
	EnvHash        = "VIDIBOARD_HASH"
)

const (
	maxOutputTail = 4096

	// waitDelay bounds how long a cancelled build may hold its output pipes.
	waitDelay = 2 * time.Second
)

// CommandBuilder builds artifacts by running an external command.
//
// For each build the canonical definition is written to a private temporary
// directory and the command runs with the EnvDefinition, EnvOutDir,
// EnvDashboardID and EnvHash variables set. The command must write the
// artifact into the output directory. That directory is a staging area
// which, once the command succeeds, replaces
// <ArtifactDir>/<dashboard id>/<first 16 hex chars of the hash>; a failed
// build leaves any previous artifact there untouched.
type CommandBuilder struct {
	// Command is the executable, resolved through PATH.
	Command string
	Args    []string

	// ArtifactDir is the root under which artifacts are written.
	ArtifactDir string

	// Env holds extra KEY=VALUE pairs for the command.
	Env []string

	Logger *slog.Logger
}

var (
	_ Builder   = (*CommandBuilder)(nil)
	_ Discarder = (*CommandBuilder)(nil)
	_ Purger    = (*CommandBuilder)(nil)
)

// ArtifactRef returns the artifact ref for a build of hash.
func ArtifactRef(dashboardID, hash string) string {
	if len(hash) > 16 {
		hash = hash[:16]
	}
	return path.Join(dashboardID, hash)
}

// Verify checks that the build command can be found.
func (b *CommandBuilder) Verify(ctx context.Context) error {
	if b.Command == "" {
		return fmt.Errorf("%w: no build command configured", ErrBuilderUnavailable)
	}
	if _, err := exec.LookPath(b.Command); err != nil {
		return fmt.Errorf("%w: %v", ErrBuilderUnavailable, err)
	}
	return ctx.Err()
}

// Build runs the command for one definition.
func (b *CommandBuilder) Build(ctx context.Context, req BuildRequest) (Artifact, error) {
	if b.Command == "" {
		return Artifact{}, fmt.Errorf("%w: no build command configured", ErrBuilderUnavailable)
	}
	exe, err := exec.LookPath(b.Command)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrBuilderUnavailable, err)
	}
	// the command runs in a temp dir, so a relative path must not leak into it
	if exe, err = filepath.Abs(exe); err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrBuilderUnavailable, err)
	}
	if !filepath.IsLocal(req.DashboardID) || filepath.Base(req.DashboardID) != req.DashboardID {
		return Artifact{}, fmt.Errorf("refusing to build dashboard with unsafe id %q", req.DashboardID)
	}

	workDir, err := os.MkdirTemp("", "vidiboard-build-*")
	if err != nil {
		return Artifact{}, fmt.Errorf("create build dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	defPath := filepath.Join(workDir, "definition.json")
	if err := os.WriteFile(defPath, req.Definition, 0o600); err != nil {
		return Artifact{}, fmt.Errorf("write definition: %w", err)
	}

	ref := ArtifactRef(req.DashboardID, req.Hash)
	outDir := filepath.Join(b.ArtifactDir, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(outDir), 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create output dir: %w", err)
	}
	stageDir, err := os.MkdirTemp(filepath.Dir(outDir), ".build-*")
	if err != nil {
		return Artifact{}, fmt.Errorf("create output dir: %w", err)
	}
	defer os.RemoveAll(stageDir)
	if err := os.Chmod(stageDir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create output dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, exe, b.Args...)
	cmd.Dir = workDir
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(), b.Env...)
	cmd.Env = append(cmd.Env,
		EnvDefinition+"="+defPath,
		EnvOutDir+"="+stageDir,
		EnvDashboardID+"="+req.DashboardID,
		EnvHash+"="+req.Hash,
	)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Artifact{}, fmt.Errorf("build interrupted: %w", ctxErr)
		}
		return Artifact{}, fmt.Errorf("build command failed: %w: %s", err, tail(output.Bytes()))
	}
	if err := replaceDir(stageDir, outDir); err != nil {
		return Artifact{}, fmt.Errorf("install artifact: %w", err)
	}

	b.logger().Debug("build command finished",
		"dashboard_id", req.DashboardID,
		"hash", req.Hash,
		"out_dir", outDir,
	)
	return Artifact{Ref: ref}, nil
}

// Discard removes one artifact directory.
func (b *CommandBuilder) Discard(_ context.Context, dashboardID string, art Artifact) error {
	if art.Fallback || art.Ref == "" {
		return nil
	}
	dir := filepath.Join(b.ArtifactDir, filepath.FromSlash(art.Ref))
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	// drop the dashboard directory once its last artifact is gone
	if err := os.Remove(filepath.Join(b.ArtifactDir, dashboardID)); err != nil && !errors.Is(err, os.ErrNotExist) && !isNotEmpty(err) {
		return err
	}
	return nil
}

// Purge removes every artifact of a dashboard.
func (b *CommandBuilder) Purge(_ context.Context, dashboardID string) error {
	if !filepath.IsLocal(dashboardID) {
		return fmt.Errorf("refusing to purge unsafe id %q", dashboardID)
	}
	return os.RemoveAll(filepath.Join(b.ArtifactDir, dashboardID))
}

// replaceDir moves src to dst, replacing any previous dst.
func replaceDir(src, dst string) error {
	prev := src + ".prev"
	if err := os.Rename(dst, prev); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		os.Rename(prev, dst)
		return err
	}
	return os.RemoveAll(prev)
}

func (b *CommandBuilder) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}

func isNotEmpty(err error) bool {
	var pathErr *os.PathError
	if !errors.As(err, &pathErr) {
		return false
	}
	// rmdir on a non-empty directory; errno differs per platform
	entries, readErr := os.ReadDir(pathErr.Path)
	return readErr == nil && len(entries) > 0
}

func tail(output []byte) string {
	output = bytes.TrimSpace(output)
	if len(output) > maxOutputTail {
		output = output[len(output)-maxOutputTail:]
	}
	return string(output)
}
