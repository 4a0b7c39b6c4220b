// Package metrics exposes Prometheus collectors for capture, queueing,
// sessions, the server connection and the status API.
package metrics
