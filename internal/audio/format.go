package audio

import (
	"fmt"
)

// Capture format defaults (16kHz, 16bit, mono)
const (
	DefaultSampleRate    = 16000
	DefaultBitsPerSample = 16
	DefaultChannels      = 1

	// DefaultNotifyCount is the number of notification slices in the ring
	DefaultNotifyCount = 16
	// DefaultSliceSize is 800 samples of 16-bit audio, 50ms at 16kHz
	DefaultSliceSize = 1600
)

// Format describes the PCM layout of a capture session.
// It is fixed for the lifetime of the session.
type Format struct {
	SampleRate    int `json:"sample_rate"`
	BitsPerSample int `json:"bits_per_sample"`
	Channels      int `json:"channels"`
}

// DefaultFormat returns the speech capture format (16kHz, 16bit, mono)
func DefaultFormat() Format {
	return Format{
		SampleRate:    DefaultSampleRate,
		BitsPerSample: DefaultBitsPerSample,
		Channels:      DefaultChannels,
	}
}

// BlockAlign returns the number of bytes per sample frame
func (f Format) BlockAlign() int {
	return f.Channels * (f.BitsPerSample / 8)
}

// BytesPerSecond returns the byte rate of the format
func (f Format) BytesPerSecond() int {
	return f.BlockAlign() * f.SampleRate
}

// Validate checks that the format is one the capture pipeline supports.
// Only mono 16-bit PCM is accepted.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.BitsPerSample != 16 {
		return fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", f.BitsPerSample)
	}
	if f.Channels != 1 {
		return fmt.Errorf("unsupported channel count: %d (only mono is supported)", f.Channels)
	}
	return nil
}

// String returns a human-readable representation of the format
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dbit/%dch", f.SampleRate, f.BitsPerSample, f.Channels)
}

// Layout describes how the capture ring is divided into notification slices
type Layout struct {
	NotifyCount int // number of slices in the ring
	SliceSize   int // bytes per slice
}

// DefaultLayout returns the reference ring layout (16 slices of 1600 bytes)
func DefaultLayout() Layout {
	return Layout{NotifyCount: DefaultNotifyCount, SliceSize: DefaultSliceSize}
}

// BufferSize returns the total ring size in bytes
func (l Layout) BufferSize() int {
	return l.NotifyCount * l.SliceSize
}

// NotifyPositions returns the byte offsets at which the device signals a slice boundary.
// Each position is the last byte of its slice.
func (l Layout) NotifyPositions() []int {
	positions := make([]int, l.NotifyCount)
	for i := 0; i < l.NotifyCount; i++ {
		positions[i] = l.SliceSize*i + l.SliceSize - 1
	}
	return positions
}

// Validate checks the layout against the capture format
func (l Layout) Validate(f Format) error {
	if l.NotifyCount < 2 {
		return fmt.Errorf("notify count must be at least 2, got %d", l.NotifyCount)
	}
	if l.SliceSize <= 0 {
		return fmt.Errorf("slice size must be positive, got %d", l.SliceSize)
	}
	if align := f.BlockAlign(); align > 0 && l.SliceSize%align != 0 {
		return fmt.Errorf("slice size %d is not a multiple of block align %d", l.SliceSize, align)
	}
	return nil
}
