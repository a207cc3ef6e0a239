// Package dashboard provides the embedded web UI assets for Vidiboard.
//
// This package uses Go's embed directive to include the portal and viewer
// pages at compile time. This enables single-binary deployment without
// external asset files.
//
// The embedded assets are served by the server package at "/" and
// "/d/{id}". Users of the vidiboard library should not need to interact
// with this package directly.
package dashboard

import "embed"

// Assets is an embedded filesystem containing the web UI.
//
// The filesystem structure is:
//
//	assets/
//	  index.html    - Portal listing published dashboards
//	  viewer.html   - Live viewer that hosts a compiled artifact
//
// Assets is used by the server package. The embed directive includes all
// files in the assets directory at compile time.
//
//go:embed assets/*
var Assets embed.FS
