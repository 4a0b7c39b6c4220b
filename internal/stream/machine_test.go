package stream

import (
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/oMMh6666/CapsWriter/internal/protocol"
)

// recorder collects enqueued messages
type recorder struct {
	msgs []protocol.Message
}

func (r *recorder) Enqueue(msg protocol.Message) {
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) kinds() []protocol.MessageKind {
	out := make([]protocol.MessageKind, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Kind()
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testBuilder returns a builder with sequential ids and a clock advancing 100ms per call
func testBuilder() *protocol.Builder {
	b := protocol.NewBuilder()
	now := time.Unix(1700000000, 0)
	b.Clock = func() time.Time {
		now = now.Add(100 * time.Millisecond)
		return now
	}
	n := 0
	b.NewID = func() string {
		n++
		return fmt.Sprintf("task-%d", n)
	}
	return b
}

func frame(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 0.1
	}
	return out
}

func assertKinds(t *testing.T, got []protocol.MessageKind, want ...protocol.MessageKind) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Expected %d messages %v, got %d %v", len(want), want, len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Message %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestMachineHeldThenReleased(t *testing.T) {
	rec := &recorder{}
	m := NewMachine(testBuilder(), rec, nil, testLogger())

	// 3 frames of 100ms audio while held
	for i := 0; i < 3; i++ {
		m.OnFrame(frame(1600), true)
	}
	assertKinds(t, rec.kinds(), protocol.KindStart,
		protocol.KindContinuation, protocol.KindContinuation, protocol.KindContinuation)

	if m.State() != SessionActive || m.TaskID() != "task-1" {
		t.Fatalf("Expected active task-1, got %s %q", m.State(), m.TaskID())
	}

	// Released on the next frame
	m.OnFrame(frame(1600), false)
	assertKinds(t, rec.kinds()[4:], protocol.KindContinuation, protocol.KindFinal)

	if m.State() != SessionIdle || m.TaskID() != "" {
		t.Errorf("Expected idle with no task after release, got %s %q", m.State(), m.TaskID())
	}

	start := rec.msgs[0]
	for i, msg := range rec.msgs {
		if msg.TaskID != start.TaskID {
			t.Errorf("Message %d: task id %s, expected %s", i, msg.TaskID, start.TaskID)
		}
		if msg.TimeStart != start.TimeStart {
			t.Errorf("Message %d: time_start %f, expected %f", i, msg.TimeStart, start.TimeStart)
		}
	}
}

func TestMachineReleaseWithEmptyFrame(t *testing.T) {
	rec := &recorder{}
	m := NewMachine(testBuilder(), rec, nil, testLogger())

	m.OnFrame(frame(800), true)
	m.OnFrame(nil, false)

	assertKinds(t, rec.kinds(), protocol.KindStart, protocol.KindContinuation, protocol.KindFinal)
}

func TestMachineReleasedWhileIdle(t *testing.T) {
	rec := &recorder{}
	m := NewMachine(testBuilder(), rec, nil, testLogger())

	for i := 0; i < 5; i++ {
		m.OnFrame(frame(800), false)
	}
	if len(rec.msgs) != 0 {
		t.Errorf("Expected no messages while idle, got %d", len(rec.msgs))
	}
	if m.Close() {
		t.Error("Close on idle machine must not emit")
	}
}

func TestMachineCloseEmitsFinal(t *testing.T) {
	rec := &recorder{}
	m := NewMachine(testBuilder(), rec, nil, testLogger())

	m.OnFrame(frame(800), true)
	if !m.Close() {
		t.Fatal("Expected Close to emit a final message")
	}
	assertKinds(t, rec.kinds(), protocol.KindStart, protocol.KindContinuation, protocol.KindFinal)

	if m.Close() {
		t.Error("Second Close must not emit")
	}
}

func TestMachineExactlyOneFinalPerTask(t *testing.T) {
	rec := &recorder{}
	m := NewMachine(testBuilder(), rec, nil, testLogger())

	// Key pattern: two presses separated by idle frames
	pattern := []bool{true, true, false, false, true, false, false}
	for _, held := range pattern {
		m.OnFrame(frame(800), held)
	}

	finals := map[string]int{}
	lastIndex := map[string]int{}
	for i, msg := range rec.msgs {
		if msg.IsFinal {
			finals[msg.TaskID]++
		}
		lastIndex[msg.TaskID] = i
	}

	if len(finals) != 2 {
		t.Fatalf("Expected 2 tasks, got %d", len(finals))
	}
	for id, n := range finals {
		if n != 1 {
			t.Errorf("Task %s has %d finals", id, n)
		}
		if !rec.msgs[lastIndex[id]].IsFinal {
			t.Errorf("Last message of task %s is not final", id)
		}
	}

	if info := m.GetInfo(); info.Tasks != 2 {
		t.Errorf("Expected 2 completed tasks, got %d", info.Tasks)
	}
}

func TestMachineTimeFrameNonDecreasing(t *testing.T) {
	b := protocol.NewBuilder()
	base := time.Unix(1700000000, 0)
	// Clock jumps back in the middle of the task
	times := []time.Time{base, base.Add(time.Second), base.Add(2 * time.Second), base.Add(500 * time.Millisecond), base.Add(3 * time.Second)}
	i := 0
	b.Clock = func() time.Time {
		ts := times[min(i, len(times)-1)]
		i++
		return ts
	}

	rec := &recorder{}
	m := NewMachine(b, rec, nil, testLogger())

	m.OnFrame(frame(10), true)
	m.OnFrame(frame(10), true)
	m.OnFrame(frame(10), true)
	m.OnFrame(nil, false)

	for j := 1; j < len(rec.msgs); j++ {
		if rec.msgs[j].TimeFrame < rec.msgs[j-1].TimeFrame {
			t.Errorf("time_frame decreased at message %d: %f < %f", j, rec.msgs[j].TimeFrame, rec.msgs[j-1].TimeFrame)
		}
	}
}
