package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oMMh6666/CapsWriter/internal/metrics"
	"github.com/oMMh6666/CapsWriter/internal/protocol"
)

// ErrConsumerRunning is returned when a second consumer tries to drain the queue
var ErrConsumerRunning = errors.New("queue consumer already running")

// DefaultHighWater is the queue depth that triggers a backlog warning (30s of 50ms frames)
const DefaultHighWater = 600

// compactThreshold bounds how many consumed slots are kept before the backing slice is compacted
const compactThreshold = 1024

// Sender writes one message to the transport
type Sender interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// linkError is implemented by send errors that mean the transport is down.
// The consumer pauses on them so pending messages wait for the reconnect.
type linkError interface {
	LinkDown() bool
}

func isLinkDown(err error) bool {
	var le linkError
	return errors.As(err, &le) && le.LinkDown()
}

// SenderFunc adapts a function to Sender
type SenderFunc func(ctx context.Context, msg protocol.Message) error

// Send calls f
func (f SenderFunc) Send(ctx context.Context, msg protocol.Message) error {
	return f(ctx, msg)
}

// DisconnectPolicy decides what happens to pending messages when the transport drops
type DisconnectPolicy string

const (
	// PolicyKeep replays every pending message after reconnect
	PolicyKeep DisconnectPolicy = "keep"
	// PolicyDiscard drops pending messages of tasks that are already closed
	PolicyDiscard DisconnectPolicy = "discard"
	// PolicyFinalOnly drops pending audio of closed tasks but keeps their final markers
	PolicyFinalOnly DisconnectPolicy = "final_only"
)

// ParseDisconnectPolicy validates a policy name. Empty selects PolicyKeep.
func ParseDisconnectPolicy(s string) (DisconnectPolicy, error) {
	switch DisconnectPolicy(s) {
	case "":
		return PolicyKeep, nil
	case PolicyKeep, PolicyDiscard, PolicyFinalOnly:
		return DisconnectPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown disconnect policy: %s", s)
	}
}

// QueueConfig configures a transmission queue
type QueueConfig struct {
	HighWater int
	Policy    DisconnectPolicy
}

// QueueStats represents transmission queue statistics for monitoring
type QueueStats struct {
	Depth         int    `json:"depth"`
	MaxDepth      int    `json:"max_depth"`
	Enqueued      uint64 `json:"enqueued"`
	Sent          uint64 `json:"sent"`
	Failed        uint64 `json:"failed"`
	Discarded     uint64 `json:"discarded"`
	Paused        bool   `json:"paused"`
	Running       bool   `json:"running"`
	Policy        string `json:"disconnect_policy"`
	HighWater     int    `json:"high_water"`
	OverHighWater bool   `json:"over_high_water"`
}

// Queue is an unbounded FIFO between the capture goroutine and the transport.
// Enqueue never waits on the consumer; exactly one Run drains it in order.
type Queue struct {
	cfg     QueueConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	items    []protocol.Message
	head     int
	paused   bool
	running  bool
	inflight bool
	warned   bool
	resumes  uint64 // bumped by Resume

	// Statistics
	enqueued  uint64
	sent      uint64
	failed    uint64
	discarded uint64
	maxDepth  int

	notify      chan struct{}
	onSendError func(protocol.Message, error)
}

// NewQueue creates an empty, unpaused queue
func NewQueue(cfg QueueConfig, m *metrics.Metrics, logger *slog.Logger) *Queue {
	if cfg.HighWater <= 0 {
		cfg.HighWater = DefaultHighWater
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyKeep
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		notify:  make(chan struct{}, 1),
	}
}

// OnSendError registers a callback invoked on the consumer goroutine for every failed send
func (q *Queue) OnSendError(fn func(protocol.Message, error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onSendError = fn
}

// Enqueue appends msg. It never blocks beyond a short critical section.
func (q *Queue) Enqueue(msg protocol.Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.enqueued++
	depth := len(q.items) - q.head
	if depth > q.maxDepth {
		q.maxDepth = depth
	}
	q.mu.Unlock()

	q.metrics.RecordEnqueued(msg.Kind().String(), depth)
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of pending messages
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Pause stops the consumer from dequeuing; enqueues keep succeeding
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume lets the consumer continue draining
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.resumes++
	q.mu.Unlock()
	q.wake()
}

// Paused reports whether dequeuing is halted
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Policy returns the configured disconnect policy
func (q *Queue) Policy() DisconnectPolicy {
	return q.cfg.Policy
}

// ApplyDisconnectPolicy prunes pending messages according to the configured policy
// and returns how many were dropped. A task counts as closed when its final marker
// is still pending; messages of the open task are never dropped.
func (q *Queue) ApplyDisconnectPolicy() int {
	if q.cfg.Policy == PolicyKeep {
		return 0
	}

	q.mu.Lock()
	pending := q.items[q.head:]

	closed := make(map[string]bool)
	for _, msg := range pending {
		if msg.IsFinal {
			closed[msg.TaskID] = true
		}
	}
	if len(closed) == 0 {
		q.mu.Unlock()
		return 0
	}

	kept := make([]protocol.Message, 0, len(pending))
	for _, msg := range pending {
		switch {
		case !closed[msg.TaskID]:
			kept = append(kept, msg)
		case q.cfg.Policy == PolicyFinalOnly && msg.IsFinal:
			kept = append(kept, msg)
		}
	}

	dropped := len(pending) - len(kept)
	q.items = kept
	q.head = 0
	q.discarded += uint64(dropped)
	depth := len(kept)
	q.mu.Unlock()

	if dropped > 0 {
		q.metrics.RecordDiscarded(dropped)
		q.metrics.SetQueueDepth(depth)
		q.logger.Info("Dropped pending messages after disconnect",
			slog.String("policy", string(q.cfg.Policy)),
			slog.Int("dropped", dropped),
			slog.Int("closed_tasks", len(closed)),
			slog.Int("remaining", depth),
		)
	}
	return dropped
}

// pop removes the oldest message unless the queue is paused or empty. It also
// returns the resume count seen at pop time.
func (q *Queue) pop() (protocol.Message, uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused || q.head == len(q.items) {
		return protocol.Message{}, 0, false
	}

	msg := q.items[q.head]
	q.items[q.head] = protocol.Message{}
	q.head++

	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head >= compactThreshold && q.head*2 >= len(q.items) {
		q.items = append(q.items[:0], q.items[q.head:]...)
		q.head = 0
	}

	q.inflight = true
	return msg, q.resumes, true
}

// checkHighWater logs once each time the backlog crosses the high-water mark
func (q *Queue) checkHighWater() {
	q.mu.Lock()
	depth := len(q.items) - q.head
	paused := q.paused
	warn := false
	switch {
	case depth >= q.cfg.HighWater && !q.warned:
		q.warned = true
		warn = true
	case depth < q.cfg.HighWater/2:
		q.warned = false
	}
	q.mu.Unlock()

	if warn {
		q.logger.Warn("Transmission queue backlog above high-water mark",
			slog.Int("depth", depth),
			slog.Int("high_water", q.cfg.HighWater),
			slog.Bool("paused", paused),
		)
	}
}

// Run drains the queue in FIFO order until ctx is cancelled. A failed send is
// counted, reported and skipped; the queue never retries. When the failure
// means the link is down the queue pauses itself, so later messages stay
// pending until Resume. A Resume that lands while the send is in flight wins.
func (q *Queue) Run(ctx context.Context, sender Sender) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return ErrConsumerRunning
	}
	q.running = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.running = false
		q.inflight = false
		q.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.checkHighWater()

		msg, popResumes, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.notify:
				continue
			}
		}

		start := time.Now()
		err := sender.Send(ctx, msg)
		elapsed := time.Since(start).Seconds()

		q.mu.Lock()
		q.inflight = false
		pausedSelf := false
		if err != nil {
			q.failed++
			if isLinkDown(err) && q.resumes == popResumes && !q.paused {
				q.paused = true
				pausedSelf = true
			}
		} else {
			q.sent++
		}
		depth := len(q.items) - q.head
		onErr := q.onSendError
		q.mu.Unlock()
		q.metrics.SetQueueDepth(depth)

		if err != nil {
			q.metrics.RecordSendFailure(elapsed)
			q.logger.Warn("Failed to send message",
				slog.String("task_id", msg.TaskID),
				slog.String("kind", msg.Kind().String()),
				slog.String("error", err.Error()),
			)
			if pausedSelf {
				q.logger.Info("Transport down, holding pending messages", slog.Int("pending", depth))
			}
			if onErr != nil {
				onErr(msg, err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		q.metrics.RecordSent(msg.Kind().String(), elapsed)
	}
}

// WaitIdle blocks until no message is pending or in flight, or ctx is done
func (q *Queue) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		q.mu.Lock()
		idle := q.head == len(q.items) && !q.inflight
		q.mu.Unlock()
		if idle {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetStats returns current queue statistics
func (q *Queue) GetStats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return QueueStats{
		Depth:         len(q.items) - q.head,
		MaxDepth:      q.maxDepth,
		Enqueued:      q.enqueued,
		Sent:          q.sent,
		Failed:        q.failed,
		Discarded:     q.discarded,
		Paused:        q.paused,
		Running:       q.running,
		Policy:        string(q.cfg.Policy),
		HighWater:     q.cfg.HighWater,
		OverHighWater: q.warned,
	}
}
