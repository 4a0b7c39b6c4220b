package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the config file
const (
	EnvServerAddress = "CW_SERVER_ADDRESS"
	EnvServerPort    = "CW_SERVER_PORT"
	EnvLogLevel      = "CW_LOG_LEVEL"
	EnvMQTTPassword  = "CW_MQTT_PASSWORD"
)

// Config represents the complete client configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Audio   AudioConfig   `yaml:"audio"`
	Filter  FilterConfig  `yaml:"filter"`
	Session SessionConfig `yaml:"session"`
	Queue   QueueConfig   `yaml:"queue"`
	PTT     PTTConfig     `yaml:"ptt"`
	Output  OutputConfig  `yaml:"output"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains the recognition server connection settings
type ServerConfig struct {
	Address      string  `yaml:"address"`
	Port         int     `yaml:"port"`
	Path         string  `yaml:"path"`
	DialTimeout  int     `yaml:"dial_timeout"`  // seconds
	WriteTimeout int     `yaml:"write_timeout"` // seconds
	MaxRetries   int     `yaml:"max_retries"`   // 0 retries forever
	RetryDelay   float64 `yaml:"retry_delay"`   // seconds
	MaxBackoff   int     `yaml:"max_backoff"`   // seconds
	Reconnect    bool    `yaml:"reconnect"`
}

// AudioConfig contains capture format and ring layout
type AudioConfig struct {
	SampleRate  int `yaml:"sample_rate"`
	BitDepth    int `yaml:"bit_depth"`
	Channels    int `yaml:"channels"`
	NotifyCount int `yaml:"notify_count"`
	SliceSize   int `yaml:"slice_size"` // bytes
}

// FilterConfig selects the smoothing filter
type FilterConfig struct {
	Kind   string `yaml:"kind"`
	Window int    `yaml:"window"`
}

// SessionConfig contains the per-task segmentation hints sent to the server
type SessionConfig struct {
	SegDuration int    `yaml:"seg_duration"` // seconds
	SegOverlap  int    `yaml:"seg_overlap"`  // seconds
	Source      string `yaml:"source"`
}

// QueueConfig contains transmission queue settings
type QueueConfig struct {
	DisconnectPolicy string `yaml:"disconnect_policy"`
	HighWater        int    `yaml:"high_water"`
	DrainTimeout     int    `yaml:"drain_timeout"` // seconds
}

// PTTConfig selects the push-to-talk key source.
// capslock polls the physical key and is only available on Windows.
type PTTConfig struct {
	Mode string `yaml:"mode"`
}

// OutputConfig controls where results go
type OutputConfig struct {
	Clipboard  bool       `yaml:"clipboard"`
	Paste      bool       `yaml:"paste"`
	Notify     bool       `yaml:"notify"`
	ArchiveDir string     `yaml:"archive_dir"`
	MQTT       MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig publishes results to a broker when Broker is set
type MQTTConfig struct {
	Broker    string `yaml:"broker"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Topic     string `yaml:"topic"`
	QoS       int    `yaml:"qos"`
	FinalOnly bool   `yaml:"final_only"`
}

// HTTPConfig contains status API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration that talks to a local server on port 6016
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      "127.0.0.1",
			Port:         6016,
			Path:         "/",
			DialTimeout:  10,
			WriteTimeout: 5,
			MaxRetries:   0,
			RetryDelay:   1,
			MaxBackoff:   30,
			Reconnect:    true,
		},
		Audio: AudioConfig{
			SampleRate:  16000,
			BitDepth:    16,
			Channels:    1,
			NotifyCount: 16,
			SliceSize:   1600,
		},
		Filter: FilterConfig{
			Kind:   "moving_average",
			Window: 512,
		},
		Session: SessionConfig{
			SegDuration: 15,
			SegOverlap:  2,
			Source:      "mic",
		},
		Queue: QueueConfig{
			DisconnectPolicy: "keep",
			HighWater:        600,
			DrainTimeout:     5,
		},
		PTT: PTTConfig{
			Mode: "stdin",
		},
		Output: OutputConfig{
			Clipboard: false,
			Paste:     false,
			Notify:    false,
			MQTT: MQTTConfig{
				ClientID:  "capswriter",
				Topic:     "capswriter/results",
				QoS:       1,
				FinalOnly: true,
			},
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads the configuration file on top of the defaults, applies
// environment overrides (including a .env file in the working directory)
// and validates the result. A missing file leaves the defaults in place.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	// Missing .env is fine
	_ = godotenv.Load()

	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides server address, port and log level from the environment
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvServerAddress); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv(EnvServerPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvServerPort, v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvMQTTPassword); v != "" {
		c.Output.MQTT.Password = v
	}
	return nil
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Filter.Validate(); err != nil {
		return fmt.Errorf("filter config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue config: %w", err)
	}

	if err := c.PTT.Validate(); err != nil {
		return fmt.Errorf("ptt config: %w", err)
	}

	if err := c.Output.Validate(); err != nil {
		return fmt.Errorf("output config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Path != "" && !strings.HasPrefix(s.Path, "/") {
		return fmt.Errorf("path must start with '/', got '%s'", s.Path)
	}

	if s.DialTimeout < 1 {
		return fmt.Errorf("dial_timeout must be at least 1 second, got %d", s.DialTimeout)
	}

	if s.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", s.WriteTimeout)
	}

	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", s.MaxRetries)
	}

	if s.RetryDelay <= 0 {
		return fmt.Errorf("retry_delay must be positive, got %f", s.RetryDelay)
	}

	if float64(s.MaxBackoff) < s.RetryDelay {
		return fmt.Errorf("max_backoff (%d) must not be less than retry_delay (%f)", s.MaxBackoff, s.RetryDelay)
	}

	return nil
}

// URL returns the WebSocket URL of the recognition server
func (s *ServerConfig) URL() string {
	path := s.Path
	if path == "" {
		path = "/"
	}
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(s.Address, strconv.Itoa(s.Port)),
		Path:   path,
	}
	return u.String()
}

// Validate validates audio configuration. Only mono 16-bit capture is supported.
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}

	if a.NotifyCount < 2 {
		return fmt.Errorf("notify_count must be at least 2, got %d", a.NotifyCount)
	}

	blockAlign := a.Channels * a.BitDepth / 8
	if a.SliceSize <= 0 || a.SliceSize%blockAlign != 0 {
		return fmt.Errorf("slice_size must be a positive multiple of %d bytes, got %d", blockAlign, a.SliceSize)
	}

	return nil
}

// Validate validates filter configuration
func (f *FilterConfig) Validate() error {
	switch f.Kind {
	case "moving_average", "median", "none":
	default:
		return fmt.Errorf("kind must be one of [moving_average, median, none], got '%s'", f.Kind)
	}

	if f.Kind != "none" && f.Window < 1 {
		return fmt.Errorf("window must be at least 1, got %d", f.Window)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.SegDuration < 1 {
		return fmt.Errorf("seg_duration must be at least 1 second, got %d", s.SegDuration)
	}

	if s.SegOverlap < 0 || s.SegOverlap >= s.SegDuration {
		return fmt.Errorf("seg_overlap must be between 0 and seg_duration (%d), got %d", s.SegDuration, s.SegOverlap)
	}

	if s.Source == "" {
		return fmt.Errorf("source cannot be empty")
	}

	return nil
}

// Validate validates queue configuration
func (q *QueueConfig) Validate() error {
	switch q.DisconnectPolicy {
	case "keep", "discard", "final_only":
	default:
		return fmt.Errorf("disconnect_policy must be one of [keep, discard, final_only], got '%s'", q.DisconnectPolicy)
	}

	if q.HighWater < 1 {
		return fmt.Errorf("high_water must be at least 1, got %d", q.HighWater)
	}

	if q.DrainTimeout < 0 {
		return fmt.Errorf("drain_timeout cannot be negative, got %d", q.DrainTimeout)
	}

	return nil
}

// Validate validates push-to-talk configuration
func (p *PTTConfig) Validate() error {
	switch p.Mode {
	case "stdin", "hold", "capslock":
		return nil
	default:
		return fmt.Errorf("mode must be one of [stdin, hold, capslock], got '%s'", p.Mode)
	}
}

// Validate validates output configuration
func (o *OutputConfig) Validate() error {
	if o.MQTT.Broker != "" {
		if o.MQTT.Topic == "" {
			return fmt.Errorf("mqtt topic cannot be empty when a broker is set")
		}
		if o.MQTT.QoS < 0 || o.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", o.MQTT.QoS)
		}
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetDialTimeoutDuration returns the dial timeout as a time.Duration
func (s *ServerConfig) GetDialTimeoutDuration() time.Duration {
	return time.Duration(s.DialTimeout) * time.Second
}

// GetWriteTimeoutDuration returns the write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetRetryDelayDuration returns the first reconnect delay as a time.Duration
func (s *ServerConfig) GetRetryDelayDuration() time.Duration {
	return time.Duration(s.RetryDelay * float64(time.Second))
}

// GetMaxBackoffDuration returns the reconnect backoff cap as a time.Duration
func (s *ServerConfig) GetMaxBackoffDuration() time.Duration {
	return time.Duration(s.MaxBackoff) * time.Second
}

// GetDrainTimeoutDuration returns how long shutdown waits for the queue to empty
func (q *QueueConfig) GetDrainTimeoutDuration() time.Duration {
	return time.Duration(q.DrainTimeout) * time.Second
}
