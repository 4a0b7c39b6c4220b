package stream

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oMMh6666/CapsWriter/internal/metrics"
	"github.com/oMMh6666/CapsWriter/internal/protocol"
)

// SessionState is the push-to-talk session state
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionActive
)

// String returns the state name
func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionActive:
		return "active"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Enqueuer accepts outbound messages without blocking
type Enqueuer interface {
	Enqueue(msg protocol.Message)
}

// SessionInfo describes the open task for monitoring
type SessionInfo struct {
	State     string    `json:"state"`
	TaskID    string    `json:"task_id,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	Messages  uint64    `json:"messages"`
	Samples   uint64    `json:"samples"`
	Tasks     uint64    `json:"tasks_completed"`
}

// Machine maps frames and the activation key onto session messages.
// At most one task is open; every task ends with exactly one final message.
type Machine struct {
	builder *protocol.Builder
	out     Enqueuer
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	state     SessionState
	start     protocol.Message
	lastFrame float64
	openedAt  time.Time
	messages  uint64
	samples   uint64
	tasks     uint64
}

// NewMachine creates an idle session machine writing to out
func NewMachine(builder *protocol.Builder, out Enqueuer, m *metrics.Metrics, logger *slog.Logger) *Machine {
	if builder == nil {
		builder = protocol.NewBuilder()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		builder: builder,
		out:     out,
		metrics: m,
		logger:  logger,
		state:   SessionIdle,
	}
}

// OnFrame advances the session for one preprocessed frame observed with the key in state held
func (m *Machine) OnFrame(samples []float32, held bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case held && m.state == SessionIdle:
		m.openLocked()
		m.emitLocked(m.builder.BuildContinuation(m.start, samples), len(samples))

	case held && m.state == SessionActive:
		m.emitLocked(m.builder.BuildContinuation(m.start, samples), len(samples))

	case !held && m.state == SessionActive:
		if len(samples) > 0 {
			m.emitLocked(m.builder.BuildContinuation(m.start, samples), len(samples))
		}
		m.closeLocked()

	default:
		// released while idle
	}
}

// Close emits the final message if a task is open and reports whether it did
func (m *Machine) Close() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != SessionActive {
		return false
	}
	m.closeLocked()
	return true
}

func (m *Machine) openLocked() {
	m.start = m.builder.BuildStart()
	m.lastFrame = m.start.TimeFrame
	m.openedAt = time.Now()
	m.messages = 0
	m.samples = 0
	m.state = SessionActive

	m.out.Enqueue(m.start)
	m.messages++
	m.metrics.RecordTaskOpened()

	m.logger.Debug("Task opened", slog.String("task_id", m.start.TaskID))
}

func (m *Machine) closeLocked() {
	m.emitLocked(m.builder.BuildFinal(m.start), 0)

	duration := time.Since(m.openedAt)
	m.metrics.RecordTaskClosed(duration.Seconds())
	m.logger.Debug("Task closed",
		slog.String("task_id", m.start.TaskID),
		slog.Uint64("messages", m.messages),
		slog.Uint64("samples", m.samples),
		slog.Duration("duration", duration),
	)

	m.tasks++
	m.start = protocol.Message{}
	m.state = SessionIdle
}

// emitLocked enqueues msg with time_frame clamped to be non-decreasing within the task
func (m *Machine) emitLocked(msg protocol.Message, samples int) {
	if msg.TimeFrame < m.lastFrame {
		msg.TimeFrame = m.lastFrame
	}
	m.lastFrame = msg.TimeFrame

	m.out.Enqueue(msg)
	m.messages++
	m.samples += uint64(samples)
}

// State returns the current session state
func (m *Machine) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TaskID returns the open task id, or "" when idle
func (m *Machine) TaskID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.start.TaskID
}

// GetInfo returns the current session information
func (m *Machine) GetInfo() SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := SessionInfo{
		State:    m.state.String(),
		TaskID:   m.start.TaskID,
		Messages: m.messages,
		Samples:  m.samples,
		Tasks:    m.tasks,
	}
	if m.state == SessionActive {
		info.StartTime = m.openedAt
	}
	return info
}
