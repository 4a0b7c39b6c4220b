package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oMMh6666/CapsWriter/internal/metrics"
)

// Capture buffer state errors
var (
	ErrAlreadyStarted = errors.New("capture buffer already started")
	ErrNotCapturing   = errors.New("capture buffer is not capturing")
)

// CaptureState represents the lifecycle state of a CaptureBuffer
type CaptureState int

const (
	StateIdle CaptureState = iota
	StateCapturing
	StateStopped
)

// String returns the state name
func (s CaptureState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Frame is one contiguous chunk of raw PCM harvested from the ring on a notification.
// Counters are cumulative since capture start.
type Frame struct {
	Data    []byte  // Raw little-endian PCM bytes
	Samples int64   // Total samples captured so far
	Bytes   int64   // Total bytes captured so far
	Seconds float64 // Total seconds captured so far
}

// FrameHandler receives every frame produced by the capture loop.
// It runs on the capture goroutine and must not block on I/O.
type FrameHandler func(Frame)

// CaptureStats represents capture buffer statistics for monitoring
type CaptureStats struct {
	State         string  `json:"state"`
	Format        string  `json:"format"`
	BufferSize    int     `json:"buffer_size_bytes"`
	SliceSize     int     `json:"slice_size_bytes"`
	NextOffset    int     `json:"next_offset"`
	Frames        uint64  `json:"frames"`
	SpuriousWakes uint64  `json:"spurious_wakes"`
	TotalSamples  int64   `json:"total_samples"`
	TotalBytes    int64   `json:"total_bytes"`
	TotalSeconds  float64 `json:"total_seconds"`
}

// CaptureBuffer harvests fixed-size slices from a device ring buffer and
// surfaces each unread span exactly once as a Frame.
//
// When a handler is set, Start spawns the capture goroutine which is the sole
// writer of the read cursor and counters. Without a handler the caller pumps
// NextFrame itself from a single goroutine.
type CaptureBuffer struct {
	driver  Driver
	layout  Layout
	handler FrameHandler
	metrics *metrics.Metrics
	logger  *slog.Logger

	// Cursor state, written only by the capture goroutine (or Stop after join)
	device      Device
	format      Format
	bufferSize  int
	nextOffset  int
	sampleCount int64
	totalBytes  int64
	totalSecs   float64
	frames      uint64
	spurious    uint64

	// Lifecycle
	state CaptureState
	done  chan struct{}
	err   error

	mu      sync.Mutex   // lifecycle
	readMu  sync.Mutex   // serializes NextFrame's read with the drain in Stop
	statsMu sync.RWMutex // cursor snapshot for readers on other goroutines
}

// NewCaptureBuffer creates a capture buffer over the given driver
func NewCaptureBuffer(driver Driver, layout Layout, handler FrameHandler, logger *slog.Logger) *CaptureBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &CaptureBuffer{
		driver:  driver,
		layout:  layout,
		handler: handler,
		logger:  logger,
		state:   StateIdle,
	}
}

// SetMetrics records spurious wakes on m. It must not race with a running capture goroutine.
func (b *CaptureBuffer) SetMetrics(m *metrics.Metrics) {
	b.metrics = m
}

// Start opens the default device, allocates a ring of NotifyCount slices and
// begins capture. Device failures are returned as *DeviceError.
func (b *CaptureBuffer) Start(format Format) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateCapturing {
		return ErrAlreadyStarted
	}

	if err := format.Validate(); err != nil {
		return &DeviceError{Kind: FormatUnsupported, Err: err}
	}
	if err := b.layout.Validate(format); err != nil {
		return &DeviceError{Kind: FormatUnsupported, Err: err}
	}

	info, err := b.driver.DefaultDevice()
	if err != nil {
		return asDeviceError(NoDevice, err)
	}

	dev, err := b.driver.Open(info, format, b.layout)
	if err != nil {
		return asDeviceError(DeviceUnavailable, err)
	}

	b.statsMu.Lock()
	b.format = format
	b.bufferSize = b.layout.BufferSize()
	b.nextOffset = 0
	b.sampleCount = 0
	b.totalBytes = 0
	b.totalSecs = 0
	b.frames = 0
	b.spurious = 0
	b.statsMu.Unlock()

	if err := dev.Start(); err != nil {
		_ = dev.Close()
		return asDeviceError(DeviceUnavailable, err)
	}

	b.device = dev
	b.err = nil
	b.state = StateCapturing

	b.logger.Info("Audio capture started",
		slog.String("device", info.Name),
		slog.String("format", format.String()),
		slog.Int("buffer_size", b.bufferSize),
		slog.Int("slice_size", b.layout.SliceSize),
	)

	if b.handler != nil {
		b.done = make(chan struct{})
		go b.captureLoop(dev, b.done)
	} else {
		b.done = nil
	}

	return nil
}

// NextFrame blocks until the device signals a slice boundary and returns the
// unread span. It returns (nil, nil) for a spurious wake with no new data.
// It may race with Stop; a read that loses returns ErrDeviceStopped.
func (b *CaptureBuffer) NextFrame() (*Frame, error) {
	dev := b.currentDevice()
	if dev == nil {
		return nil, ErrNotCapturing
	}

	if err := dev.Wait(); err != nil {
		if errors.Is(err, ErrDeviceStopped) {
			return nil, err
		}
		return nil, &CaptureFault{Op: "wait", Err: err}
	}

	b.readMu.Lock()
	defer b.readMu.Unlock()
	if b.currentDevice() != dev || b.State() != StateCapturing {
		return nil, ErrDeviceStopped
	}
	return b.readFrame(dev)
}

func (b *CaptureBuffer) currentDevice() Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.device
}

// readFrame computes the unread span from the device read cursor and copies it out
func (b *CaptureBuffer) readFrame(dev Device) (*Frame, error) {
	_, readPos, err := dev.Position()
	if err != nil {
		return nil, &CaptureFault{Op: "position", Err: err}
	}

	lockSize := readPos - b.nextOffset
	if lockSize < 0 { // read cursor wrapped past the end of the ring
		lockSize += b.bufferSize
	}
	lockSize -= lockSize % b.layout.SliceSize
	if lockSize == 0 {
		b.statsMu.Lock()
		b.spurious++
		b.statsMu.Unlock()
		b.metrics.RecordSpuriousWake()
		return nil, nil
	}

	data := make([]byte, lockSize)
	n, err := dev.ReadAt(data, b.nextOffset)
	if err != nil {
		return nil, &CaptureFault{Op: "read", Err: err}
	}
	data = data[:n]

	b.statsMu.Lock()
	b.nextOffset = (b.nextOffset + n) % b.bufferSize
	b.totalBytes += int64(n)
	b.sampleCount = b.totalBytes * 8 / int64(b.format.BitsPerSample)
	b.totalSecs = float64(b.sampleCount) / float64(b.format.SampleRate)
	b.frames++
	frame := &Frame{
		Data:    data,
		Samples: b.sampleCount,
		Bytes:   b.totalBytes,
		Seconds: b.totalSecs,
	}
	b.statsMu.Unlock()

	return frame, nil
}

// captureLoop is the capture goroutine
func (b *CaptureBuffer) captureLoop(dev Device, done chan struct{}) {
	defer close(done)

	for {
		frame, err := b.NextFrame()
		if err != nil {
			if errors.Is(err, ErrDeviceStopped) {
				return
			}
			b.mu.Lock()
			b.err = err
			b.mu.Unlock()
			b.logger.Error("Audio capture fault", slog.String("error", err.Error()))
			return
		}
		if frame != nil {
			b.handler(*frame)
		}
	}
}

// Stop halts the device, joins the capture goroutine, drains any final frame
// through the same read path and releases the device. The drained frame is
// passed to the handler and also returned. Stop must not be called from the handler.
func (b *CaptureBuffer) Stop() (*Frame, error) {
	b.mu.Lock()
	if b.state != StateCapturing {
		b.mu.Unlock()
		return nil, ErrNotCapturing
	}
	dev, done := b.device, b.done
	b.state = StateStopped
	b.mu.Unlock()

	var errs []error
	if err := dev.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop device: %w", err))
	}

	if done != nil {
		<-done
	}

	b.readMu.Lock()
	final, err := b.readFrame(dev)
	if err != nil {
		b.logger.Warn("Failed to drain final frame", slog.String("error", err.Error()))
		final = nil
	}

	if err := dev.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close device: %w", err))
	}

	b.mu.Lock()
	b.device = nil
	b.mu.Unlock()
	b.readMu.Unlock()

	if final != nil && b.handler != nil {
		b.handler(*final)
	}

	stats := b.GetStats()
	b.logger.Info("Audio capture stopped",
		slog.Uint64("frames", stats.Frames),
		slog.Int64("total_bytes", stats.TotalBytes),
		slog.Float64("total_seconds", stats.TotalSeconds),
	)

	return final, errors.Join(errs...)
}

// Done is closed when the capture goroutine exits, either after Stop or on a fault.
// It is nil when the buffer runs without a handler.
func (b *CaptureBuffer) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Err returns the terminal capture fault, if any
func (b *CaptureBuffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// State returns the current lifecycle state
func (b *CaptureBuffer) State() CaptureState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// NextOffset returns the ring offset of the next unread byte
func (b *CaptureBuffer) NextOffset() int {
	b.statsMu.RLock()
	defer b.statsMu.RUnlock()
	return b.nextOffset
}

// GetStats returns current capture statistics
func (b *CaptureBuffer) GetStats() CaptureStats {
	state := b.State()

	b.statsMu.RLock()
	defer b.statsMu.RUnlock()

	return CaptureStats{
		State:         state.String(),
		Format:        b.format.String(),
		BufferSize:    b.bufferSize,
		SliceSize:     b.layout.SliceSize,
		NextOffset:    b.nextOffset,
		Frames:        b.frames,
		SpuriousWakes: b.spurious,
		TotalSamples:  b.sampleCount,
		TotalBytes:    b.totalBytes,
		TotalSeconds:  b.totalSecs,
	}
}

// asDeviceError keeps a driver-supplied DeviceError or wraps err with kind
func asDeviceError(kind DeviceErrorKind, err error) error {
	var devErr *DeviceError
	if errors.As(err, &devErr) {
		return devErr
	}
	return &DeviceError{Kind: kind, Err: err}
}
