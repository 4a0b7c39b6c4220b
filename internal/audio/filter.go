package audio

import (
	"encoding/binary"
	"fmt"
	"slices"
)

// DefaultFilterWindow is the moving average window used when none is configured
const DefaultFilterWindow = 512

// Filter kinds accepted by NewFilter
const (
	FilterMovingAverage = "moving_average"
	FilterMedian        = "median"
	FilterNone          = "none"
)

// PCM16ToFloat converts little-endian signed 16-bit PCM into float32 samples
// in [-1, 1). A trailing odd byte is ignored.
func PCM16ToFloat(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(data[2*i:]))
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Filter smooths a frame of samples. Implementations are stateless across frames
// and must return a slice of the same length as the input.
type Filter interface {
	Apply(samples []float32) []float32
	Name() string
}

// MovingAverage is a centered mean over [i-Window/2, i+Window/2] clipped to the frame
type MovingAverage struct {
	Window int
}

// Apply returns the centered moving average of samples
func (m MovingAverage) Apply(samples []float32) []float32 {
	n := len(samples)
	out := make([]float32, n)
	if n == 0 {
		return out
	}

	half := m.Window / 2

	// prefix[i] holds the sum of samples[:i]
	prefix := make([]float64, n+1)
	for i, s := range samples {
		prefix[i+1] = prefix[i] + float64(s)
	}

	for i := range samples {
		lo := max(i-half, 0)
		hi := min(i+half, n-1)
		out[i] = float32((prefix[hi+1] - prefix[lo]) / float64(hi-lo+1))
	}
	return out
}

// Name returns the filter name
func (m MovingAverage) Name() string { return FilterMovingAverage }

// Median replaces each sample with the median of its centered window clipped to the frame.
// For an even-sized window the upper middle element is used.
type Median struct {
	Window int
}

// Apply returns the centered running median of samples
func (m Median) Apply(samples []float32) []float32 {
	n := len(samples)
	out := make([]float32, n)
	half := m.Window / 2
	window := make([]float32, 0, 2*half+1)

	for i := range samples {
		lo := max(i-half, 0)
		hi := min(i+half, n-1)
		window = append(window[:0], samples[lo:hi+1]...)
		slices.Sort(window)
		out[i] = window[len(window)/2]
	}
	return out
}

// Name returns the filter name
func (m Median) Name() string { return FilterMedian }

// Passthrough leaves samples untouched
type Passthrough struct{}

// Apply returns a copy of samples
func (Passthrough) Apply(samples []float32) []float32 {
	return slices.Clone(samples)
}

// Name returns the filter name
func (Passthrough) Name() string { return FilterNone }

// NewFilter builds a filter by kind
func NewFilter(kind string, window int) (Filter, error) {
	switch kind {
	case FilterMovingAverage, "":
		if window <= 0 {
			window = DefaultFilterWindow
		}
		return MovingAverage{Window: window}, nil
	case FilterMedian:
		if window <= 0 {
			return nil, fmt.Errorf("median filter window must be positive, got %d", window)
		}
		return Median{Window: window}, nil
	case FilterNone:
		return Passthrough{}, nil
	default:
		return nil, fmt.Errorf("unknown filter kind: %s", kind)
	}
}

// Preprocessor turns raw capture frames into filtered float samples
type Preprocessor struct {
	filter Filter
}

// NewPreprocessor creates a preprocessor. A nil filter selects the default moving average.
func NewPreprocessor(filter Filter) *Preprocessor {
	if filter == nil {
		filter = MovingAverage{Window: DefaultFilterWindow}
	}
	return &Preprocessor{filter: filter}
}

// Process converts a frame to float samples and applies the filter.
// An empty frame yields an empty slice.
func (p *Preprocessor) Process(frame Frame) []float32 {
	samples := PCM16ToFloat(frame.Data)
	if len(samples) == 0 {
		return samples
	}
	return p.filter.Apply(samples)
}

// Filter returns the active filter
func (p *Preprocessor) Filter() Filter {
	return p.filter
}
