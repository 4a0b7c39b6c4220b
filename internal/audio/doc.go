// Package audio handles microphone capture, sample conversion and filtering.
// It implements a notification-driven circular capture buffer over a pluggable
// Device, the int16 to float32 preprocessor with interchangeable smoothing
// filters, and a WAV archive for recorded tasks.
package audio
