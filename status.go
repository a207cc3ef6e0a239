package vidiboard

import (
	"github.com/jpalmerr/vidiboard/internal/compile"
	"github.com/jpalmerr/vidiboard/internal/protocol"
	"github.com/jpalmerr/vidiboard/internal/store"
)

// Record is a stored dashboard: its metadata, timestamps and current
// [Definition].
type Record = store.Record

// Definition is a parsed, canonicalized dashboard definition. Two
// definitions with the same content have the same Hash.
type Definition = store.Definition

// PutOptions carries the metadata written by [Service.Publish].
type PutOptions = store.PutOptions

// Patch is a partial update applied by [Service.Patch]. Nil fields are left
// unchanged.
type Patch = store.Patch

// ListQuery filters and pages [Service.List].
type ListQuery = store.ListQuery

// PostgresConfig configures [WithPostgres].
type PostgresConfig = store.PostgresConfig

// CompileSnapshot is a point-in-time view of a dashboard's compilation.
type CompileSnapshot = compile.Snapshot

// CompileStatus is the state of a compilation.
//
// A compilation moves from [CompilePending] to [CompileCompiling] and ends
// in [CompileReady] or [CompileFailed]. A definition change supersedes it.
type CompileStatus = compile.Status

const (
	// CompilePending means a build is queued, or was never requested when
	// the snapshot's Scheduled field is false.
	CompilePending CompileStatus = compile.StatusPending

	// CompileCompiling means a worker is running the build.
	CompileCompiling CompileStatus = compile.StatusCompiling

	// CompileReady means the artifact can be served.
	CompileReady CompileStatus = compile.StatusReady

	// CompileFailed means the build ended with an error. The next request
	// schedules a new build.
	CompileFailed CompileStatus = compile.StatusFailed
)

// Artifact locates a compiled dashboard under the artifact directory.
type Artifact = compile.Artifact

// Builder turns a definition into an artifact. See [WithBuilder].
type Builder = compile.Builder

// BuildRequest is the input handed to a [Builder].
type BuildRequest = compile.BuildRequest

// ArtifactRef returns the conventional artifact ref for a build of hash:
// the dashboard id followed by the first 16 hex characters of the hash.
func ArtifactRef(dashboardID, hash string) string {
	return compile.ArtifactRef(dashboardID, hash)
}

// UpdateCommand is a viewer mutation pushed with [Service.PushUpdate].
type UpdateCommand = protocol.UpdateCommand

// CommandType names an [UpdateCommand].
type CommandType = protocol.CommandType

const (
	CommandAppendPoints2D = protocol.CommandAppendPoints2D
	CommandAppendPoints3D = protocol.CommandAppendPoints3D
	CommandReplaceTrace2D = protocol.CommandReplaceTrace2D
	CommandReplaceTrace3D = protocol.CommandReplaceTrace3D
	CommandUpdatePlot     = protocol.CommandUpdatePlot
	CommandRefreshAll     = protocol.CommandRefreshAll
)

// Message is an event delivered to viewers.
type Message = protocol.Message

// ParseDefinition parses a JSON or JSONC dashboard definition.
//
// The document must be an object. Its optional "plots" member must be an
// array, and its optional "tabs" member an array of objects each holding a
// "plots" array.
func ParseDefinition(raw []byte) (Definition, error) {
	return store.ParseDefinition(raw)
}
