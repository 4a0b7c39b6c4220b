// Package server implements the local HTTP status API of the client:
// health, statistics, sanitized configuration and Prometheus metrics.
package server
