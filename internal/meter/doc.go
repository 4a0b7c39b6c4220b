// Package meter computes the microphone level shown while recording.
// Each capture frame is reduced to an RMS value and an approximate dB SPL
// reading; readings are published at most once per interval.
package meter
