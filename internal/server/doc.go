// Package server provides the HTTP surface of the dashboard service.
//
// This package is internal and handles all HTTP concerns:
//
//   - REST API under "/api/v1/dashboards" for the dashboard lifecycle,
//     update pushes and compile status
//   - Server-Sent Events of compile transitions at
//     "/api/v1/dashboards/{id}/compile-events"
//   - Viewer sessions over WebSocket at "/ws/v1/dashboards/{id}"
//   - Compiled artifacts under "/artifacts/" and the portal and viewer pages
//
// JSON responses are gzip-compressed when the client accepts it. The server
// supports graceful shutdown via context cancellation, with a 5-second
// timeout for in-flight requests.
package server
