// Package transcription implements the WebSocket transport to the CapsWriter
// recognition server. It writes audio segment messages as JSON text frames,
// reads transcription results, and reconnects with exponential backoff.
package transcription
