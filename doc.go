// Package vidiboard provides a dashboard lifecycle and synchronization
// service: producers publish dashboard definitions, the service compiles
// them into viewer artifacts on demand and keeps connected viewers in sync
// with live updates.
//
// # Quick Start
//
// Create a service and start it with graceful shutdown:
//
//	svc, _ := vidiboard.New(
//	    vidiboard.WithSQLite("dashboards.db"),
//	    vidiboard.WithBuildCommand("vidi-build"),
//	)
//
//	// Set up graceful shutdown on SIGINT/SIGTERM
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	svc.Start(ctx) // blocks until context is cancelled
//
// # Publishing
//
// Dashboards can be published over HTTP (POST /api/v1/dashboards) or
// directly through the SDK:
//
//	rec, err := svc.PublishJSON(ctx, raw,
//	    vidiboard.WithName("training"),
//	    vidiboard.WithTTL(2 * time.Hour),
//	)
//
// Publishing the same content twice yields the same definition hash, so a
// republish never triggers a rebuild. Dashboards that are neither permanent
// nor recently accessed are evicted by a periodic sweep, unless a viewer is
// attached.
//
// # Compilation
//
// Artifacts are built lazily on first request (or on publish with
// [WithEagerCompile]) by a bounded worker pool. At most one build runs per
// definition; a definition change cancels the build of the old one. Use
// [Service.AwaitArtifact] or GET /api/v1/dashboards/{id}/artifact?wait=true
// to block until the build settles.
//
// # Live Updates
//
// Viewers connect over WebSocket to /ws/v1/dashboards/{id}. Every event on
// a dashboard carries a sequence number that increases by one per event;
// a viewer that detects a gap asks for a snapshot and resumes from it.
// Producers push updates with [Service.PushUpdate] or
// POST /api/v1/dashboards/{id}/update.
//
// # Architecture
//
// Vidiboard consists of several internal packages (under internal/):
//
//   - internal/store: Dashboard records in memory, SQLite or PostgreSQL
//   - internal/compile: Build scheduling and artifact tracking
//   - internal/broadcast: Per-dashboard ordered event channels
//   - internal/session: WebSocket viewer sessions
//   - internal/server: HTTP server with REST API, SSE and WebSocket routes
//   - internal/poller: HTTP client for the API with artifact waiters
//   - dashboard: Embedded web UI assets
//
// The internal packages are not part of the public API and may change
// without notice. The library is designed for single-binary deployment
// using Go's embed directive for static assets.
package vidiboard
