package stream

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oMMh6666/CapsWriter/internal/audio"
	"github.com/oMMh6666/CapsWriter/internal/metrics"
	"github.com/oMMh6666/CapsWriter/internal/protocol"
)

// KeySource reports whether the push-to-talk key is currently held
type KeySource interface {
	Held() bool
}

// FrameSink observes raw capture frames on the capture goroutine. It must not block.
type FrameSink interface {
	OnFrame(frame audio.Frame)
}

// ResultSink receives parsed transcription results on the transport reader goroutine
type ResultSink interface {
	OnResult(result *protocol.Result)
}

// ResultSinkFunc adapts a function to ResultSink
type ResultSinkFunc func(result *protocol.Result)

// OnResult calls f
func (f ResultSinkFunc) OnResult(result *protocol.Result) { f(result) }

// StatusSink is told when the server connection comes up or goes down
type StatusSink interface {
	OnStatus(connected bool, err error)
}

// PipelineConfig wires the components of one capture-to-transport pipeline
type PipelineConfig struct {
	Preprocessor *audio.Preprocessor
	Machine      *Machine
	Queue        *Queue
	Keys         KeySource
	FrameSinks   []FrameSink
	ResultSinks  []ResultSink
	StatusSinks  []StatusSink
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// PipelineStats represents pipeline statistics for monitoring
type PipelineStats struct {
	Session        SessionInfo `json:"session"`
	Queue          QueueStats  `json:"queue"`
	Connected      bool        `json:"connected"`
	Frames         uint64      `json:"frames"`
	Results        uint64      `json:"results"`
	ProtocolErrors uint64      `json:"protocol_errors"`
	LastResultAt   time.Time   `json:"last_result_at,omitempty"`
	LastText       string      `json:"last_text,omitempty"`
}

// Pipeline carries frames from the capture buffer through the preprocessor and
// session machine into the queue, and results from the transport to the sinks.
type Pipeline struct {
	pre         *audio.Preprocessor
	machine     *Machine
	queue       *Queue
	keys        KeySource
	frameSinks  []FrameSink
	resultSinks []ResultSink
	statusSinks []StatusSink
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu             sync.Mutex
	connected      bool
	frames         uint64
	results        uint64
	protocolErrors uint64
	lastResultAt   time.Time
	lastText       string
}

// NewPipeline creates a pipeline from its parts
func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pre := cfg.Preprocessor
	if pre == nil {
		pre = audio.NewPreprocessor(nil)
	}
	return &Pipeline{
		pre:         pre,
		machine:     cfg.Machine,
		queue:       cfg.Queue,
		keys:        cfg.Keys,
		frameSinks:  cfg.FrameSinks,
		resultSinks: cfg.ResultSinks,
		statusSinks: cfg.StatusSinks,
		metrics:     cfg.Metrics,
		logger:      logger,
	}
}

// HandleFrame is the capture buffer's frame handler
func (p *Pipeline) HandleFrame(frame audio.Frame) {
	p.metrics.RecordFrame(len(frame.Data))
	p.mu.Lock()
	p.frames++
	p.mu.Unlock()

	for _, sink := range p.frameSinks {
		sink.OnFrame(frame)
	}

	samples := p.pre.Process(frame)
	p.machine.OnFrame(samples, p.keys.Held())
}

// HandleResult fans a parsed result out to the result sinks
func (p *Pipeline) HandleResult(result *protocol.Result) {
	p.mu.Lock()
	p.results++
	p.lastResultAt = time.Now()
	p.lastText = result.Text
	p.mu.Unlock()

	p.metrics.RecordResult(result.IsFinal, result.Latency())
	p.logger.Debug("Result received",
		slog.String("task_id", result.TaskID),
		slog.Bool("final", result.IsFinal),
		slog.Float64("duration", result.Duration),
		slog.String("text", result.Text),
	)

	for _, sink := range p.resultSinks {
		sink.OnResult(result)
	}
}

// HandleProtocolError records a malformed inbound frame; capture is unaffected
func (p *Pipeline) HandleProtocolError(err error) {
	p.mu.Lock()
	p.protocolErrors++
	p.mu.Unlock()

	p.metrics.RecordProtocolError()

	attrs := []any{slog.String("error", err.Error())}
	var perr *protocol.ProtocolError
	if errors.As(err, &perr) {
		attrs = append(attrs, slog.String("payload", perr.Payload))
	}
	p.logger.Warn("Dropped malformed result", attrs...)
}

// HandleConnected resumes the queue once the transport is up
func (p *Pipeline) HandleConnected() {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()

	p.metrics.SetConnected(true)
	p.queue.Resume()

	p.logger.Info("Connected to server", slog.Int("pending", p.queue.Len()))
	for _, sink := range p.statusSinks {
		sink.OnStatus(true, nil)
	}
}

// HandleDisconnected pauses the queue and applies the disconnect policy
func (p *Pipeline) HandleDisconnected(err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()

	p.metrics.SetConnected(false)
	p.queue.Pause()
	dropped := p.queue.ApplyDisconnectPolicy()

	attrs := []any{
		slog.Int("pending", p.queue.Len()),
		slog.Int("dropped", dropped),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	p.logger.Warn("Disconnected from server", attrs...)

	for _, sink := range p.statusSinks {
		sink.OnStatus(false, err)
	}
}

// Close ends any open task with a final message
func (p *Pipeline) Close() {
	if p.machine.Close() {
		p.logger.Info("Closed open task on shutdown")
	}
}

// Connected reports the last known transport state
func (p *Pipeline) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// GetStats returns current pipeline statistics
func (p *Pipeline) GetStats() PipelineStats {
	p.mu.Lock()
	stats := PipelineStats{
		Connected:      p.connected,
		Frames:         p.frames,
		Results:        p.results,
		ProtocolErrors: p.protocolErrors,
		LastResultAt:   p.lastResultAt,
		LastText:       p.lastText,
	}
	p.mu.Unlock()

	stats.Session = p.machine.GetInfo()
	stats.Queue = p.queue.GetStats()
	return stats
}
