package audio

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/oMMh6666/CapsWriter/internal/metrics"
)

// fakeDevice is an in-memory ring the tests advance by hand
type fakeDevice struct {
	mu      sync.Mutex
	ring    []byte
	readPos int
	seq     byte
	waitErr error

	wakes    chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	started bool
	closed  bool
}

func newFakeDevice(size int) *fakeDevice {
	return &fakeDevice{
		ring:    make([]byte, size),
		wakes:   make(chan struct{}, 64),
		stopped: make(chan struct{}),
	}
}

// advance writes n bytes of an incrementing pattern at the read cursor
func (d *fakeDevice) advance(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		d.ring[d.readPos] = d.seq
		d.seq++
		d.readPos = (d.readPos + 1) % len(d.ring)
	}
}

func (d *fakeDevice) wake() { d.wakes <- struct{}{} }

func (d *fakeDevice) fail(err error) {
	d.mu.Lock()
	d.waitErr = err
	d.mu.Unlock()
	d.wake()
}

func (d *fakeDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	return nil
}

func (d *fakeDevice) Wait() error {
	select {
	case <-d.stopped:
		return ErrDeviceStopped
	case <-d.wakes:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.waitErr
	}
}

func (d *fakeDevice) Position() (int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readPos, d.readPos, nil
}

func (d *fakeDevice) ReadAt(p []byte, offset int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range p {
		p[i] = d.ring[(offset+i)%len(d.ring)]
	}
	return len(p), nil
}

func (d *fakeDevice) Stop() error {
	d.stopOnce.Do(func() { close(d.stopped) })
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type fakeDriver struct {
	dev        *fakeDevice
	defaultErr error
	openErr    error
}

func (f *fakeDriver) DefaultDevice() (DeviceInfo, error) {
	if f.defaultErr != nil {
		return DeviceInfo{}, f.defaultErr
	}
	return DeviceInfo{ID: "fake", Name: "Fake Microphone"}, nil
}

func (f *fakeDriver) Open(info DeviceInfo, format Format, layout Layout) (Device, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.dev, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// smallLayout is 4 slices of 8 bytes
func smallLayout() Layout {
	return Layout{NotifyCount: 4, SliceSize: 8}
}

func startManual(t *testing.T) (*CaptureBuffer, *fakeDevice) {
	t.Helper()
	layout := smallLayout()
	dev := newFakeDevice(layout.BufferSize())
	buf := NewCaptureBuffer(&fakeDriver{dev: dev}, layout, nil, testLogger())
	if err := buf.Start(DefaultFormat()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return buf, dev
}

func TestCaptureBufferStart(t *testing.T) {
	buf, dev := startManual(t)

	if !dev.started {
		t.Error("Expected device to be started")
	}
	if buf.State() != StateCapturing {
		t.Errorf("Expected state capturing, got %s", buf.State())
	}

	if err := buf.Start(DefaultFormat()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted on double start, got %v", err)
	}
}

func TestCaptureBufferStartErrors(t *testing.T) {
	denied := &DeviceError{Kind: PermissionDenied, Err: errors.New("microphone access denied")}

	tests := []struct {
		name   string
		driver *fakeDriver
		format Format
		want   DeviceErrorKind
	}{
		{
			name:   "no default device",
			driver: &fakeDriver{defaultErr: errors.New("no input devices")},
			format: DefaultFormat(),
			want:   NoDevice,
		},
		{
			name:   "permission denied is kept",
			driver: &fakeDriver{openErr: denied},
			format: DefaultFormat(),
			want:   PermissionDenied,
		},
		{
			name:   "open failure",
			driver: &fakeDriver{openErr: errors.New("device busy")},
			format: DefaultFormat(),
			want:   DeviceUnavailable,
		},
		{
			name:   "stereo rejected",
			driver: &fakeDriver{dev: newFakeDevice(32)},
			format: Format{SampleRate: 16000, BitsPerSample: 16, Channels: 2},
			want:   FormatUnsupported,
		},
		{
			name:   "8-bit rejected",
			driver: &fakeDriver{dev: newFakeDevice(32)},
			format: Format{SampleRate: 16000, BitsPerSample: 8, Channels: 1},
			want:   FormatUnsupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := NewCaptureBuffer(tt.driver, smallLayout(), nil, testLogger())
			err := buf.Start(tt.format)

			var devErr *DeviceError
			if !errors.As(err, &devErr) {
				t.Fatalf("Expected *DeviceError, got %v", err)
			}
			if devErr.Kind != tt.want {
				t.Errorf("Expected kind %s, got %s", tt.want, devErr.Kind)
			}
			if buf.State() != StateIdle {
				t.Errorf("Expected state idle after failed start, got %s", buf.State())
			}
		})
	}
}

func TestNextFrameRoundsDownToSlices(t *testing.T) {
	buf, dev := startManual(t)

	dev.advance(12)
	dev.wake()
	frame, err := buf.NextFrame()
	if err != nil {
		t.Fatalf("NextFrame failed: %v", err)
	}
	if frame == nil || len(frame.Data) != 8 {
		t.Fatalf("Expected 8-byte frame, got %+v", frame)
	}
	for i, b := range frame.Data {
		if b != byte(i) {
			t.Fatalf("Unexpected byte %d at %d", b, i)
		}
	}

	// The partial slice is picked up once it completes
	dev.advance(4)
	dev.wake()
	frame, err = buf.NextFrame()
	if err != nil {
		t.Fatalf("NextFrame failed: %v", err)
	}
	if frame == nil || len(frame.Data) != 8 {
		t.Fatalf("Expected 8-byte frame, got %+v", frame)
	}
	if frame.Data[0] != 8 {
		t.Errorf("Expected frame to continue at byte 8, got %d", frame.Data[0])
	}

	if frame.Bytes != 16 {
		t.Errorf("Expected 16 total bytes, got %d", frame.Bytes)
	}
	if frame.Samples != 8 {
		t.Errorf("Expected 8 total samples, got %d", frame.Samples)
	}
	wantSecs := 8.0 / 16000.0
	if frame.Seconds != wantSecs {
		t.Errorf("Expected %f seconds, got %f", wantSecs, frame.Seconds)
	}
}

func TestNextFrameWraparound(t *testing.T) {
	buf, dev := startManual(t)
	bufferSize := smallLayout().BufferSize()

	steps := []int{24, 16, 8, 24, 16}
	var total int
	var next byte

	for i, n := range steps {
		dev.advance(n)
		dev.wake()
		frame, err := buf.NextFrame()
		if err != nil {
			t.Fatalf("Step %d: NextFrame failed: %v", i, err)
		}
		if frame == nil {
			t.Fatalf("Step %d: expected a frame", i)
		}
		if len(frame.Data) != n {
			t.Errorf("Step %d: expected %d bytes, got %d", i, n, len(frame.Data))
		}
		for j, b := range frame.Data {
			if b != next {
				t.Fatalf("Step %d: byte %d is %d, expected %d", i, j, b, next)
			}
			next++
		}

		total += len(frame.Data)
		if got := buf.NextOffset(); got != total%bufferSize {
			t.Errorf("Step %d: next offset %d, expected %d", i, got, total%bufferSize)
		}
		if frame.Bytes != int64(total) {
			t.Errorf("Step %d: expected %d total bytes, got %d", i, total, frame.Bytes)
		}
	}
}

func TestNextFrameSpuriousWake(t *testing.T) {
	buf, dev := startManual(t)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	buf.SetMetrics(m)

	dev.advance(8)
	dev.wake()
	if _, err := buf.NextFrame(); err != nil {
		t.Fatalf("NextFrame failed: %v", err)
	}

	before := buf.GetStats()

	dev.wake()
	frame, err := buf.NextFrame()
	if err != nil {
		t.Fatalf("Spurious wake returned error: %v", err)
	}
	if frame != nil {
		t.Fatalf("Expected no frame on spurious wake, got %d bytes", len(frame.Data))
	}

	after := buf.GetStats()
	if after.TotalBytes != before.TotalBytes || after.TotalSamples != before.TotalSamples {
		t.Error("Spurious wake changed counters")
	}
	if after.NextOffset != before.NextOffset {
		t.Error("Spurious wake moved the read cursor")
	}
	if after.SpuriousWakes != before.SpuriousWakes+1 {
		t.Errorf("Expected spurious wake count %d, got %d", before.SpuriousWakes+1, after.SpuriousWakes)
	}
	if got := testutil.ToFloat64(m.SpuriousWakes); got != 1 {
		t.Errorf("Expected spurious wake metric 1, got %f", got)
	}
}

func TestStopDrainsFinalFrame(t *testing.T) {
	buf, dev := startManual(t)

	dev.advance(16)
	final, err := buf.Stop()
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if final == nil || len(final.Data) != 16 {
		t.Fatalf("Expected 16-byte drained frame, got %+v", final)
	}
	if !dev.closed {
		t.Error("Expected device to be closed")
	}
	if buf.State() != StateStopped {
		t.Errorf("Expected state stopped, got %s", buf.State())
	}

	if _, err := buf.Stop(); !errors.Is(err, ErrNotCapturing) {
		t.Errorf("Expected ErrNotCapturing on second stop, got %v", err)
	}
	if _, err := buf.NextFrame(); !errors.Is(err, ErrNotCapturing) {
		t.Errorf("Expected ErrNotCapturing after stop, got %v", err)
	}
}

func TestStopWhileNextFrameBlocked(t *testing.T) {
	buf, dev := startManual(t)
	dev.advance(16)

	errc := make(chan error, 1)
	go func() {
		frame, err := buf.NextFrame()
		if frame != nil {
			err = errors.New("unexpected frame from a stopped buffer")
		}
		errc <- err
	}()

	final, err := buf.Stop()
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if final == nil || len(final.Data) != 16 {
		t.Fatalf("Expected Stop to drain 16 bytes, got %+v", final)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, ErrDeviceStopped) && !errors.Is(err, ErrNotCapturing) {
			t.Errorf("Expected pending NextFrame to end with a stop error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("NextFrame stayed blocked after Stop")
	}

	if stats := buf.GetStats(); stats.TotalBytes != 16 {
		t.Errorf("Expected 16 bytes counted once, got %d", stats.TotalBytes)
	}
}

func TestStopBeforeStart(t *testing.T) {
	buf := NewCaptureBuffer(&fakeDriver{dev: newFakeDevice(32)}, smallLayout(), nil, testLogger())
	if _, err := buf.Stop(); !errors.Is(err, ErrNotCapturing) {
		t.Errorf("Expected ErrNotCapturing, got %v", err)
	}
}

func TestCaptureLoopDeliversFrames(t *testing.T) {
	layout := smallLayout()
	dev := newFakeDevice(layout.BufferSize())
	frames := make(chan Frame, 16)
	buf := NewCaptureBuffer(&fakeDriver{dev: dev}, layout, func(f Frame) { frames <- f }, testLogger())

	if err := buf.Start(DefaultFormat()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	dev.advance(8)
	dev.wake()

	select {
	case f := <-frames:
		if len(f.Data) != 8 {
			t.Errorf("Expected 8-byte frame, got %d", len(f.Data))
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for frame")
	}

	// Data that arrives without a notification is drained by Stop
	dev.advance(8)
	if _, err := buf.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	select {
	case <-buf.Done():
	default:
		t.Error("Expected capture goroutine to have exited")
	}

	select {
	case f := <-frames:
		if f.Bytes != 16 {
			t.Errorf("Expected drained frame to bring total to 16 bytes, got %d", f.Bytes)
		}
	default:
		t.Error("Expected drained frame to reach the handler")
	}

	if buf.Err() != nil {
		t.Errorf("Expected no fault after clean stop, got %v", buf.Err())
	}
}

func TestCaptureLoopFault(t *testing.T) {
	layout := smallLayout()
	dev := newFakeDevice(layout.BufferSize())
	buf := NewCaptureBuffer(&fakeDriver{dev: dev}, layout, func(Frame) {}, testLogger())

	if err := buf.Start(DefaultFormat()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	dev.fail(errors.New("device unplugged"))

	select {
	case <-buf.Done():
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for capture loop to exit")
	}

	var fault *CaptureFault
	if !errors.As(buf.Err(), &fault) {
		t.Fatalf("Expected *CaptureFault, got %v", buf.Err())
	}
	if fault.Op != "wait" {
		t.Errorf("Expected fault during wait, got %s", fault.Op)
	}

	if _, err := buf.Stop(); err != nil {
		t.Errorf("Stop after fault failed: %v", err)
	}
	if !dev.closed {
		t.Error("Expected device to be closed after stop")
	}
}

func TestLayout(t *testing.T) {
	layout := DefaultLayout()
	if layout.BufferSize() != 25600 {
		t.Errorf("Expected buffer size 25600, got %d", layout.BufferSize())
	}

	positions := layout.NotifyPositions()
	if len(positions) != 16 {
		t.Fatalf("Expected 16 notify positions, got %d", len(positions))
	}
	if positions[0] != 1599 || positions[15] != 25599 {
		t.Errorf("Unexpected notify positions: first %d, last %d", positions[0], positions[15])
	}

	if err := (Layout{NotifyCount: 4, SliceSize: 7}).Validate(DefaultFormat()); err == nil {
		t.Error("Expected error for slice size not aligned to samples")
	}
	if err := (Layout{NotifyCount: 1, SliceSize: 8}).Validate(DefaultFormat()); err == nil {
		t.Error("Expected error for single slice ring")
	}
}
