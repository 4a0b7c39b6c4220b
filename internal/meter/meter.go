package meter

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/oMMh6666/CapsWriter/internal/audio"
	"github.com/oMMh6666/CapsWriter/internal/metrics"
)

const (
	// DefaultInterval is the minimum spacing between published levels
	DefaultInterval = 200 * time.Millisecond
	// DefaultThreshold is the level in dB SPL above which a frame counts as active
	DefaultThreshold = 50.0
	// referenceDB maps full scale onto a rough dB SPL reading
	referenceDB = 94.0
	fullScale   = 32768.0
	epsilon     = 1e-10
)

// Level is one published microphone reading
type Level struct {
	RMS    float64   `json:"rms"`
	DB     float64   `json:"db"`
	Active bool      `json:"active"`
	At     time.Time `json:"at"`
}

// Stats represents meter statistics
type Stats struct {
	Frames           uint64    `json:"frames"`
	Updates          uint64    `json:"updates"`
	ActiveFrames     uint64    `json:"active_frames"`
	ActivePercentage float64   `json:"active_percentage"`
	PeakDB           float64   `json:"peak_db"`
	Last             Level     `json:"last"`
	LastUpdated      time.Time `json:"last_updated"`
}

// Config configures a Meter
type Config struct {
	Interval  time.Duration
	Threshold float64 // dB SPL
	OnLevel   func(Level)
	Clock     func() time.Time
}

// Meter turns capture frames into a throttled microphone level. It is a
// stream.FrameSink and runs on the capture goroutine.
type Meter struct {
	interval  time.Duration
	threshold float64
	onLevel   func(Level)
	clock     func() time.Time
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu           sync.RWMutex
	lastPublish  time.Time
	last         Level
	frames       uint64
	updates      uint64
	activeFrames uint64
	peak         float64
}

// NewMeter creates a level meter
func NewMeter(cfg Config, m *metrics.Metrics, logger *slog.Logger) (*Meter, error) {
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("interval cannot be negative, got %v", cfg.Interval)
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Meter{
		interval:  cfg.Interval,
		threshold: cfg.Threshold,
		onLevel:   cfg.OnLevel,
		clock:     cfg.Clock,
		metrics:   m,
		logger:    logger,
		peak:      math.Inf(-1),
	}, nil
}

// RMS returns the root mean square of little-endian int16 PCM
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}

	var energy float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		energy += s * s
	}
	return math.Sqrt(energy / float64(n))
}

// DecibelsSPL converts an int16 RMS into an approximate dB SPL reading
func DecibelsSPL(rms float64) float64 {
	return 20*math.Log10(rms/fullScale+epsilon) + referenceDB
}

// OnFrame measures one frame and publishes the level at most once per interval
func (m *Meter) OnFrame(frame audio.Frame) {
	if len(frame.Data) < 2 {
		return
	}

	rms := RMS(frame.Data)
	db := DecibelsSPL(rms)
	now := m.clock()
	level := Level{RMS: rms, DB: db, Active: db >= m.threshold, At: now}

	m.mu.Lock()
	m.frames++
	if level.Active {
		m.activeFrames++
	}
	if db > m.peak {
		m.peak = db
	}
	publish := m.lastPublish.IsZero() || now.Sub(m.lastPublish) >= m.interval
	if publish {
		m.lastPublish = now
		m.last = level
		m.updates++
	}
	m.mu.Unlock()

	if !publish {
		return
	}

	m.metrics.SetMicLevel(db)
	if m.onLevel != nil {
		m.onLevel(level)
	}
}

// Last returns the most recently published level
func (m *Meter) Last() Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// GetStats returns current meter statistics
func (m *Meter) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	activePercentage := float64(0)
	if m.frames > 0 {
		activePercentage = float64(m.activeFrames) / float64(m.frames) * 100
	}
	peak := m.peak
	if math.IsInf(peak, -1) {
		peak = 0
	}

	return Stats{
		Frames:           m.frames,
		Updates:          m.updates,
		ActiveFrames:     m.activeFrames,
		ActivePercentage: activePercentage,
		PeakDB:           peak,
		Last:             m.last,
		LastUpdated:      m.lastPublish,
	}
}

// Reset clears the statistics and the throttle
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.frames = 0
	m.updates = 0
	m.activeFrames = 0
	m.peak = math.Inf(-1)
	m.last = Level{}
	m.lastPublish = time.Time{}
}

// Bar renders a level as a fixed-width text bar for terminal display
func Bar(level Level, width int) string {
	if width <= 0 {
		return ""
	}
	// 0..100 dB SPL maps onto the bar
	filled := int(math.Round(level.DB / 100 * float64(width)))
	if filled < 0 {
		filled = 0
	}
	if filled > width {
		filled = width
	}

	b := make([]byte, width)
	for i := range b {
		if i < filled {
			b[i] = '#'
		} else {
			b[i] = '.'
		}
	}
	return fmt.Sprintf("[%s] %5.1f dB", b, level.DB)
}
