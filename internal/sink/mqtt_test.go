package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/oMMh6666/CapsWriter/internal/protocol"
)

// fakeToken completes immediately with err
type fakeToken struct{ err error }

func (t fakeToken) Wait() bool { return true }

func (t fakeToken) WaitTimeout(time.Duration) bool { return true }

func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (t fakeToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeBroker struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return fakeToken{err: b.err}
}

func (b *fakeBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

func runPublisher(t *testing.T, p *MQTTPublisher) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMQTTPublisher(t *testing.T) {
	broker := &fakeBroker{}
	p := NewMQTTPublisher(broker, MQTTConfig{Topic: "capswriter/{task_id}/result", QoS: 1, FinalOnly: true}, testLogger())
	stop := runPublisher(t, p)
	defer stop()

	p.OnResult(&protocol.Result{TaskID: "t1", Text: "partial"})
	p.OnResult(&protocol.Result{TaskID: "t1", Text: "hello", IsFinal: true})

	waitUntil(t, func() bool { return p.GetStats().Published == 1 })

	if broker.count() != 1 {
		t.Fatalf("Expected 1 publish, got %d", broker.count())
	}
	msg := broker.msgs[0]
	if msg.topic != "capswriter/t1/result" || msg.qos != 1 {
		t.Errorf("Unexpected topic/qos: %s %d", msg.topic, msg.qos)
	}
	var got protocol.Result
	if err := json.Unmarshal(msg.payload, &got); err != nil {
		t.Fatalf("Payload is not a result: %v", err)
	}
	if got.Text != "hello" || !got.IsFinal {
		t.Errorf("Unexpected payload %+v", got)
	}
}

func TestMQTTPublisherFailure(t *testing.T) {
	broker := &fakeBroker{err: errors.New("not connected")}
	p := NewMQTTPublisher(broker, MQTTConfig{}, testLogger())
	stop := runPublisher(t, p)
	defer stop()

	p.OnResult(&protocol.Result{TaskID: "t1", Text: "x", IsFinal: true})

	waitUntil(t, func() bool { return p.GetStats().Failed == 1 })
	if p.GetStats().LastError != "not connected" {
		t.Errorf("Unexpected last error %q", p.GetStats().LastError)
	}
	if broker.msgs[0].topic != DefaultMQTTTopic {
		t.Errorf("Expected default topic, got %s", broker.msgs[0].topic)
	}
}

func TestMQTTPublisherDropsWhenFull(t *testing.T) {
	p := NewMQTTPublisher(&fakeBroker{}, MQTTConfig{Buffer: 1}, testLogger())

	// No Run goroutine: the second result finds the buffer full
	p.OnResult(&protocol.Result{TaskID: "a", Text: "1"})
	p.OnResult(&protocol.Result{TaskID: "a", Text: "2"})

	if p.GetStats().Dropped != 1 {
		t.Errorf("Expected 1 dropped result, got %d", p.GetStats().Dropped)
	}
}

func TestConnectMQTTRequiresBroker(t *testing.T) {
	if _, err := ConnectMQTT(MQTTConfig{}, testLogger()); err == nil {
		t.Error("Expected error for empty broker")
	}
}

func TestFormatTopic(t *testing.T) {
	if got := FormatTopic("a/{task_id}/b", "xyz"); got != "a/xyz/b" {
		t.Errorf("Unexpected topic %s", got)
	}
	if got := FormatTopic("plain", "xyz"); got != "plain" {
		t.Errorf("Unexpected topic %s", got)
	}
}
