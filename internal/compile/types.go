package compile

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrBuilderUnavailable is returned by a [Builder] whose toolchain is
	// missing. The manager serves the fallback artifact when one is set.
	ErrBuilderUnavailable = errors.New("builder unavailable")

	// ErrCompilationFailed reports a build that ended in the failed state.
	ErrCompilationFailed = errors.New("compilation failed")

	// ErrCompilationTimeout reports a waiter that gave up before the build
	// reached a terminal state.
	ErrCompilationTimeout = errors.New("compilation timed out")
)

// Status is the state of a compilation record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompiling Status = "compiling"
	StatusReady     Status = "ready"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition happens without a request.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// Artifact locates a compiled dashboard.
type Artifact struct {
	// Ref is a slash-separated path relative to the artifact root.
	Ref string `json:"ref"`

	// Fallback marks the pre-built generic artifact served when no builder
	// is available.
	Fallback bool `json:"fallback,omitempty"`
}

// Snapshot is a point-in-time view of a compilation record.
type Snapshot struct {
	DashboardID string    `json:"dashboard_id"`
	Hash        string    `json:"hash"`
	Status      Status    `json:"status"`
	Artifact    *Artifact `json:"artifact,omitempty"`
	Error       string    `json:"error,omitempty"`

	// Scheduled is false for a hash that has never been requested.
	Scheduled bool `json:"scheduled"`

	UpdatedAt time.Time `json:"updated_at"`
}

// BuildRequest is the input handed to a [Builder].
type BuildRequest struct {
	DashboardID string
	Hash        string
	Definition  json.RawMessage
}

// Builder turns a definition into an artifact. Implementations must honor
// ctx cancellation.
type Builder interface {
	Build(ctx context.Context, req BuildRequest) (Artifact, error)
}

// Discarder is implemented by builders that can remove artifacts they
// produced. The manager calls it for superseded and invalidated artifacts.
type Discarder interface {
	Discard(ctx context.Context, dashboardID string, art Artifact) error
}

// Purger is implemented by builders that keep per-dashboard output which
// must be removed when the dashboard is deleted.
type Purger interface {
	Purge(ctx context.Context, dashboardID string) error
}

// Source resolves the current definition of a dashboard.
type Source interface {
	Current(ctx context.Context, dashboardID string) (hash string, definition json.RawMessage, err error)
}

// SourceFunc adapts a function to [Source].
type SourceFunc func(ctx context.Context, dashboardID string) (string, json.RawMessage, error)

// Current calls f.
func (f SourceFunc) Current(ctx context.Context, dashboardID string) (string, json.RawMessage, error) {
	return f(ctx, dashboardID)
}
