package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/oMMh6666/CapsWriter/internal/audio"
	"github.com/oMMh6666/CapsWriter/internal/config"
	"github.com/oMMh6666/CapsWriter/internal/metrics"
	"github.com/oMMh6666/CapsWriter/internal/stream"
	"github.com/oMMh6666/CapsWriter/internal/transcription"
)

type fakeClient struct{ stats transcription.ClientStats }

func (f fakeClient) GetStats() transcription.ClientStats { return f.stats }

type fakeCapture struct{ stats audio.CaptureStats }

func (f fakeCapture) GetStats() audio.CaptureStats { return f.stats }

type fakePipeline struct{ stats stream.PipelineStats }

func (f fakePipeline) GetStats() stream.PipelineStats { return f.stats }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(sources Sources) (*HTTPServer, *prometheus.Registry, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	cfg := config.Default()
	return NewHTTPServer(cfg.HTTP, testLogger(), cfg, sources, m, reg), reg, m
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("Invalid JSON from %s: %v", path, err)
		}
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		connected  bool
		state      string
		wantStatus string
		wantCode   int
	}{
		{"connected and capturing", true, "capturing", "healthy", http.StatusOK},
		{"disconnected", false, "capturing", "degraded", http.StatusOK},
		{"capture stopped", true, "stopped", "unhealthy", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _ := newTestServer(Sources{
				Client:  fakeClient{transcription.ClientStats{Connected: tt.connected, URL: "ws://127.0.0.1:6016/"}},
				Capture: fakeCapture{audio.CaptureStats{State: tt.state}},
			})

			rec, body := get(t, srv.Handler(), "/health")
			if rec.Code != tt.wantCode {
				t.Errorf("Expected status code %d, got %d", tt.wantCode, rec.Code)
			}
			if body["status"] != tt.wantStatus {
				t.Errorf("Expected status %s, got %v", tt.wantStatus, body["status"])
			}
		})
	}
}

func TestStats(t *testing.T) {
	srv, _, _ := newTestServer(Sources{
		Pipeline: fakePipeline{stream.PipelineStats{Frames: 42, Session: stream.SessionInfo{State: "active", TaskID: "t1"}}},
		Client:   fakeClient{transcription.ClientStats{MessagesSent: 7}},
	})

	rec, body := get(t, srv.Handler(), "/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	pipeline, ok := body["pipeline"].(map[string]interface{})
	if !ok || pipeline["frames"] != float64(42) {
		t.Errorf("Unexpected pipeline stats: %v", body["pipeline"])
	}
	if _, ok := body["capture"]; ok {
		t.Error("Expected capture stats omitted when source is nil")
	}
}

func TestConfigEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(Sources{})

	_, body := get(t, srv.Handler(), "/config")
	server, ok := body["server"].(map[string]interface{})
	if !ok || server["url"] != "ws://127.0.0.1:6016/" {
		t.Errorf("Unexpected server config: %v", body["server"])
	}
	queue := body["queue"].(map[string]interface{})
	if queue["disconnect_policy"] != "keep" {
		t.Errorf("Unexpected queue config: %v", queue)
	}
}

func TestConfigEndpointHidesMQTTPassword(t *testing.T) {
	cfg := config.Default()
	cfg.Output.MQTT.Broker = "tcp://broker:1883"
	cfg.Output.MQTT.Password = "hunter2"
	srv := NewHTTPServer(cfg.HTTP, testLogger(), cfg, Sources{}, nil, prometheus.NewRegistry())

	rec, _ := get(t, srv.Handler(), "/config")
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Error("Expected MQTT password to be omitted from /config")
	}
	if !strings.Contains(rec.Body.String(), "tcp://broker:1883") {
		t.Error("Expected MQTT broker in /config")
	}
}

func TestRootAndNotFound(t *testing.T) {
	srv, _, _ := newTestServer(Sources{})

	rec, body := get(t, srv.Handler(), "/")
	if rec.Code != http.StatusOK || body["version"] != Version {
		t.Errorf("Unexpected root response %d %v", rec.Code, body)
	}

	rec, _ = get(t, srv.Handler(), "/nope")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(Sources{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stats", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestMetricsEndpointAndRequestCounting(t *testing.T) {
	srv, _, m := newTestServer(Sources{})

	get(t, srv.Handler(), "/health")
	get(t, srv.Handler(), "/health")

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/health", "200")); got != 2 {
		t.Errorf("Expected 2 recorded /health requests, got %f", got)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "capswriter_http_requests_total") {
		t.Error("Expected metrics output to include capswriter_http_requests_total")
	}
}
