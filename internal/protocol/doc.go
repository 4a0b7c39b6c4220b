// Package protocol defines the JSON messages exchanged with the recognition server.
// Outbound audio segments are built by value from a task's start message and carry
// base64-encoded little-endian float32 samples; inbound results are parsed and
// validated before they reach the result sinks.
package protocol
