package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oMMh6666/CapsWriter/internal/audio"
	"github.com/oMMh6666/CapsWriter/internal/config"
	"github.com/oMMh6666/CapsWriter/internal/meter"
	"github.com/oMMh6666/CapsWriter/internal/metrics"
	"github.com/oMMh6666/CapsWriter/internal/sink"
	"github.com/oMMh6666/CapsWriter/internal/stream"
	"github.com/oMMh6666/CapsWriter/internal/transcription"
)

// Version is reported by the status endpoints
const Version = "1.0.0"

// Sources are the components the status API reports on. Any of them may be nil.
type Sources struct {
	Pipeline interface {
		GetStats() stream.PipelineStats
	}
	Client interface {
		GetStats() transcription.ClientStats
	}
	Capture interface {
		GetStats() audio.CaptureStats
	}
	Meter interface {
		GetStats() meter.Stats
	}
	Archive interface {
		GetStats() audio.ArchiveStats
	}
	MQTT interface {
		GetStats() sink.MQTTStats
	}
}

// HTTPServer provides HTTP API endpoints for monitoring
type HTTPServer struct {
	server   *http.Server
	handler  http.Handler
	logger   *slog.Logger
	config   *config.Config
	sources  Sources
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server. A nil gatherer serves the
// default Prometheus registry.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	sources Sources, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		sources:   sources,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Address, fmt.Sprintf("%d", cfg.Port)),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", ww.statusCode), duration)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the route multiplexer
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// Addr returns the listen address
func (h *HTTPServer) Addr() string {
	return h.server.Addr
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (h *HTTPServer) Run(ctx context.Context) error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	h.logger.Info("Stopping HTTP API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint. It answers 503 once capture has stopped.
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "healthy"
	code := http.StatusOK
	components := map[string]interface{}{}

	if h.sources.Capture != nil {
		capture := h.sources.Capture.GetStats()
		components["capture"] = map[string]interface{}{
			"status": capture.State,
			"frames": capture.Frames,
		}
		if capture.State == "stopped" {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	if h.sources.Client != nil {
		client := h.sources.Client.GetStats()
		connection := "connected"
		if !client.Connected {
			connection = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
		components["server"] = map[string]interface{}{
			"status":     connection,
			"url":        client.URL,
			"reconnects": client.Reconnects,
		}
	}

	if h.sources.Pipeline != nil {
		p := h.sources.Pipeline.GetStats()
		components["session"] = map[string]interface{}{
			"status":  p.Session.State,
			"task_id": p.Session.TaskID,
		}
		components["queue"] = map[string]interface{}{
			"depth":  p.Queue.Depth,
			"paused": p.Queue.Paused,
		}
	}

	health := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "capswriter",
			"version": Version,
		},
		"components": components,
	}

	writeJSON(w, code, health)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
	}
	if h.sources.Pipeline != nil {
		stats["pipeline"] = h.sources.Pipeline.GetStats()
	}
	if h.sources.Client != nil {
		stats["transport"] = h.sources.Client.GetStats()
	}
	if h.sources.Capture != nil {
		stats["capture"] = h.sources.Capture.GetStats()
	}
	if h.sources.Meter != nil {
		stats["meter"] = h.sources.Meter.GetStats()
	}
	if h.sources.Archive != nil {
		stats["archive"] = h.sources.Archive.GetStats()
	}
	if h.sources.MQTT != nil {
		stats["mqtt"] = h.sources.MQTT.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.config == nil {
		http.Error(w, "Configuration unavailable", http.StatusNotFound)
		return
	}

	c := h.config
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"url":          c.Server.URL(),
			"dial_timeout": c.Server.DialTimeout,
			"max_retries":  c.Server.MaxRetries,
			"retry_delay":  c.Server.RetryDelay,
			"max_backoff":  c.Server.MaxBackoff,
			"reconnect":    c.Server.Reconnect,
		},
		"audio": map[string]interface{}{
			"sample_rate":  c.Audio.SampleRate,
			"bit_depth":    c.Audio.BitDepth,
			"channels":     c.Audio.Channels,
			"notify_count": c.Audio.NotifyCount,
			"slice_size":   c.Audio.SliceSize,
		},
		"filter": map[string]interface{}{
			"kind":   c.Filter.Kind,
			"window": c.Filter.Window,
		},
		"session": map[string]interface{}{
			"seg_duration": c.Session.SegDuration,
			"seg_overlap":  c.Session.SegOverlap,
			"source":       c.Session.Source,
		},
		"queue": map[string]interface{}{
			"disconnect_policy": c.Queue.DisconnectPolicy,
			"high_water":        c.Queue.HighWater,
			"drain_timeout":     c.Queue.DrainTimeout,
		},
		"ptt": map[string]interface{}{
			"mode": c.PTT.Mode,
		},
		"output": map[string]interface{}{
			"clipboard": c.Output.Clipboard,
			"paste":     c.Output.Paste,
			"notify":    c.Output.Notify,
			"archive":   c.Output.ArchiveDir != "",
			"mqtt": map[string]interface{}{
				"broker": c.Output.MQTT.Broker,
				"topic":  c.Output.MQTT.Topic,
				"qos":    c.Output.MQTT.QoS,
			},
		},
		"logging": map[string]interface{}{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "CapsWriter push-to-talk client",
		"version": Version,
		"endpoints": map[string]interface{}{
			"GET /":        "API documentation",
			"GET /health":  "Client health check",
			"GET /stats":   "Capture, session, queue and transport statistics",
			"GET /config":  "Get client configuration",
			"GET /metrics": "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}
