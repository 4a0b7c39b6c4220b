// Package device provides the PortAudio capture driver. Each input stream
// copies callback buffers into a byte ring and signals the capture buffer
// every time a slice completes.
package device
