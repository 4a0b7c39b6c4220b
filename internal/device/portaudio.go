package device

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/oMMh6666/CapsWriter/internal/audio"
)

// Driver opens capture devices through PortAudio
type Driver struct {
	logger *slog.Logger

	mu          sync.Mutex
	initialized bool
}

// NewDriver creates a PortAudio driver. Call Init before use and Terminate on shutdown.
func NewDriver(logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{logger: logger}
}

// Init initializes the PortAudio library
func (d *Driver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return &audio.DeviceError{Kind: audio.DeviceUnavailable, Err: fmt.Errorf("portaudio init failed: %w", err)}
	}
	d.initialized = true
	return nil
}

// Terminate releases the PortAudio library
func (d *Driver) Terminate() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return nil
	}
	d.initialized = false
	return portaudio.Terminate()
}

// Devices lists input-capable devices
func (d *Driver) Devices() ([]audio.DeviceInfo, error) {
	if err := d.Init(); err != nil {
		return nil, err
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	var out []audio.DeviceInfo
	for i, dev := range devices {
		if dev.MaxInputChannels < 1 {
			continue
		}
		out = append(out, audio.DeviceInfo{ID: fmt.Sprintf("%d", i), Name: dev.Name})
	}
	return out, nil
}

// DefaultDevice returns the default input device
func (d *Driver) DefaultDevice() (audio.DeviceInfo, error) {
	if err := d.Init(); err != nil {
		return audio.DeviceInfo{}, err
	}

	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return audio.DeviceInfo{}, &audio.DeviceError{Kind: audio.NoDevice, Err: err}
	}
	if dev == nil || dev.MaxInputChannels < 1 {
		return audio.DeviceInfo{}, &audio.DeviceError{Kind: audio.NoDevice}
	}
	return audio.DeviceInfo{ID: "default", Name: dev.Name}, nil
}

// Open prepares a callback stream that fills a ring of layout.BufferSize() bytes
// and signals once per completed slice
func (d *Driver) Open(info audio.DeviceInfo, format audio.Format, layout audio.Layout) (audio.Device, error) {
	if err := d.Init(); err != nil {
		return nil, err
	}

	dev := &Device{
		info:    info,
		ring:    newRing(layout.BufferSize(), layout.SliceSize),
		notify:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
		logger:  d.logger,
	}

	framesPerBuffer := layout.SliceSize / format.BlockAlign()
	stream, err := portaudio.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), framesPerBuffer, dev.callback)
	if err != nil {
		return nil, classifyOpenError(err)
	}
	dev.stream = stream

	d.logger.Debug("Opened PortAudio stream",
		slog.String("device", info.Name),
		slog.Int("frames_per_buffer", framesPerBuffer),
		slog.Int("ring_size", layout.BufferSize()),
	)
	return dev, nil
}

// classifyOpenError maps PortAudio open failures onto device error kinds
func classifyOpenError(err error) error {
	var kind audio.DeviceErrorKind
	switch {
	case errors.Is(err, portaudio.InvalidSampleRate),
		errors.Is(err, portaudio.InvalidChannelCount),
		errors.Is(err, portaudio.SampleFormatNotSupported):
		kind = audio.FormatUnsupported
	case errors.Is(err, portaudio.InvalidDevice):
		kind = audio.NoDevice
	case strings.Contains(strings.ToLower(err.Error()), "permission"):
		kind = audio.PermissionDenied
	default:
		kind = audio.DeviceUnavailable
	}
	return &audio.DeviceError{Kind: kind, Err: err}
}

// Device is a PortAudio input stream feeding a notification ring
type Device struct {
	info   audio.DeviceInfo
	stream *portaudio.Stream
	ring   *ring
	logger *slog.Logger

	notify   chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// callback runs on the PortAudio thread
func (d *Device) callback(in []int16) {
	if d.ring.write(in) > 0 {
		select {
		case d.notify <- struct{}{}:
		default:
			// consumer has a wake pending, it will pick up every completed slice
		}
	}
}

// Start begins capture
func (d *Device) Start() error {
	d.ring.reset()
	if err := d.stream.Start(); err != nil {
		return fmt.Errorf("failed to start stream: %w", err)
	}
	return nil
}

// Wait blocks until at least one slice completes or the device stops
func (d *Device) Wait() error {
	select {
	case <-d.stopped:
		return audio.ErrDeviceStopped
	case <-d.notify:
		return nil
	}
}

// Position returns the capture and read cursors, which coincide for a callback stream
func (d *Device) Position() (int, int, error) {
	pos := d.ring.position()
	return pos, pos, nil
}

// ReadAt copies ring bytes starting at offset
func (d *Device) ReadAt(p []byte, offset int) (int, error) {
	return d.ring.readAt(p, offset), nil
}

// Stop halts the stream and unblocks Wait
func (d *Device) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		close(d.stopped)
		if stopErr := d.stream.Stop(); stopErr != nil {
			err = fmt.Errorf("failed to stop stream: %w", stopErr)
		}
	})
	return err
}

// Close releases the stream
func (d *Device) Close() error {
	if err := d.stream.Close(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	return nil
}
