// Package stream drives push-to-talk sessions from capture to transport.
// It holds the session state machine that turns frames and key state into
// start, continuation and final messages, the unbounded transmission queue
// drained by a single consumer, and the per-connection pipeline that ties
// them to the result and status sinks.
package stream
