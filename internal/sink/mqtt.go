package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/oMMh6666/CapsWriter/internal/protocol"
)

// DefaultMQTTTopic is used when no topic is configured. {task_id} is replaced per result.
const DefaultMQTTTopic = "capswriter/results"

// MQTTConfig holds broker connection and publishing settings
type MQTTConfig struct {
	Broker    string
	ClientID  string
	Username  string
	Password  string
	Topic     string // e.g. "capswriter/{task_id}/result"
	QoS       byte
	FinalOnly bool
	Buffer    int
}

// MQTTStats represents publisher statistics
type MQTTStats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	LastError string `json:"last_error,omitempty"`
}

// mqttPublisher is the part of mqtt.Client the publisher uses
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher forwards results to an MQTT broker. OnResult only queues the
// result; Run publishes from its own goroutine so the transport reader never
// waits on the broker.
type MQTTPublisher struct {
	client    mqttPublisher
	topic     string
	qos       byte
	finalOnly bool
	timeout   time.Duration
	logger    *slog.Logger

	results chan *protocol.Result

	mu        sync.Mutex
	published uint64
	failed    uint64
	dropped   uint64
	lastErr   error
}

// ConnectMQTT dials the broker with auto-reconnect enabled
func ConnectMQTT(cfg MQTTConfig, logger *slog.Logger) (mqtt.Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("Connected to MQTT broker", slog.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", slog.String("error", err.Error()))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return client, nil
}

// NewMQTTPublisher creates a publisher on an already connected client
func NewMQTTPublisher(client mqttPublisher, cfg MQTTConfig, logger *slog.Logger) *MQTTPublisher {
	if cfg.Topic == "" {
		cfg.Topic = DefaultMQTTTopic
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTPublisher{
		client:    client,
		topic:     cfg.Topic,
		qos:       cfg.QoS,
		finalOnly: cfg.FinalOnly,
		timeout:   5 * time.Second,
		logger:    logger,
		results:   make(chan *protocol.Result, cfg.Buffer),
	}
}

// OnResult queues a result for publishing, dropping it when the buffer is full
func (p *MQTTPublisher) OnResult(result *protocol.Result) {
	if p.finalOnly && !result.IsFinal {
		return
	}

	select {
	case p.results <- result:
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		p.logger.Warn("MQTT publish buffer full, dropping result", slog.String("task_id", result.TaskID))
	}
}

// Run publishes queued results until ctx is cancelled
func (p *MQTTPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case result := <-p.results:
			if err := p.publish(result); err != nil {
				p.mu.Lock()
				p.failed++
				p.lastErr = err
				p.mu.Unlock()
				p.logger.Warn("Failed to publish result",
					slog.String("task_id", result.TaskID),
					slog.String("error", err.Error()),
				)
				continue
			}
			p.mu.Lock()
			p.published++
			p.mu.Unlock()
		}
	}
}

func (p *MQTTPublisher) publish(result *protocol.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	token := p.client.Publish(FormatTopic(p.topic, result.TaskID), p.qos, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish timed out after %v", p.timeout)
	}
	return token.Error()
}

// GetStats returns publisher statistics
func (p *MQTTPublisher) GetStats() MQTTStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := MQTTStats{
		Published: p.published,
		Failed:    p.failed,
		Dropped:   p.dropped,
	}
	if p.lastErr != nil {
		stats.LastError = p.lastErr.Error()
	}
	return stats
}

// FormatTopic replaces the {task_id} placeholder
func FormatTopic(pattern, taskID string) string {
	return strings.ReplaceAll(pattern, "{task_id}", taskID)
}
