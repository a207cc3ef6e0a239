// Package poller is the client side of the dashboard service.
//
// The main components are:
//
//   - [Client]: REST client with pooled connections and size limits
//   - [Waiter]: bounded polling of compile status until an artifact is ready
//   - [Scheduler]: waits for several dashboards with a worker pool
//   - [Follower]: viewer session that reconnects with capped linear backoff
//     and resumes from the last seq it received
//
// The command line tool is built on this package.
package poller
