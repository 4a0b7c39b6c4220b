package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Session policy defaults sent with every message
const (
	DefaultSegDuration = 15 // seconds per recognition segment
	DefaultSegOverlap  = 2  // seconds of overlap between segments
	DefaultSource      = "mic"
)

// MessageKind classifies an outbound message
type MessageKind int

const (
	KindStart MessageKind = iota + 1
	KindContinuation
	KindFinal
)

// String returns the kind name
func (k MessageKind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindContinuation:
		return "continuation"
	case KindFinal:
		return "final"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Message is one audio segment sent to the recognition server.
// Once built a Message is never mutated; builders return fresh values.
type Message struct {
	TaskID      string  `json:"task_id"`
	SegDuration int     `json:"seg_duration"`
	SegOverlap  int     `json:"seg_overlap"`
	IsFinal     bool    `json:"is_final"`
	TimeStart   float64 `json:"time_start"` // unix seconds
	TimeFrame   float64 `json:"time_frame"` // unix seconds
	Source      string  `json:"source"`
	Data        string  `json:"data"` // base64 of little-endian float32 samples

	kind MessageKind // set by Builder, not on the wire
}

// Kind returns the kind the Builder assigned. Messages built elsewhere, such as
// decoded ones, fall back to a guess from their fields.
func (m Message) Kind() MessageKind {
	if m.kind != 0 {
		return m.kind
	}
	switch {
	case m.IsFinal:
		return KindFinal
	case m.Data == "" && m.TimeFrame == m.TimeStart:
		return KindStart
	default:
		return KindContinuation
	}
}

// Samples returns the number of float32 samples carried in Data
func (m Message) Samples() int {
	return base64.StdEncoding.DecodedLen(len(m.Data)) / 4
}

// Marshal encodes the message as JSON
func (m Message) Marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return b, nil
}

// String returns a compact description of the message
func (m Message) String() string {
	return fmt.Sprintf("Message{TaskID: %s, Kind: %s, TimeFrame: %.3f, DataLen: %d}",
		m.TaskID, m.Kind(), m.TimeFrame, len(m.Data))
}

// Builder constructs start, continuation and final messages for a session
type Builder struct {
	SegDuration int
	SegOverlap  int
	Source      string

	// Clock and NewID default to time.Now and uuid.NewString
	Clock func() time.Time
	NewID func() string
}

// NewBuilder returns a builder with the default session policy
func NewBuilder() *Builder {
	return &Builder{
		SegDuration: DefaultSegDuration,
		SegOverlap:  DefaultSegOverlap,
		Source:      DefaultSource,
	}
}

func (b *Builder) now() float64 {
	clock := b.Clock
	if clock == nil {
		clock = time.Now
	}
	return UnixSeconds(clock())
}

func (b *Builder) newID() string {
	if b.NewID != nil {
		return b.NewID()
	}
	return uuid.NewString()
}

// BuildStart opens a new task: fresh task id, time_start = time_frame = now, no audio
func (b *Builder) BuildStart() Message {
	now := b.now()
	return Message{
		TaskID:      b.newID(),
		SegDuration: b.SegDuration,
		SegOverlap:  b.SegOverlap,
		IsFinal:     false,
		TimeStart:   now,
		TimeFrame:   now,
		Source:      b.Source,
		Data:        "",
		kind:        KindStart,
	}
}

// BuildContinuation carries one frame of samples for the task opened by start
func (b *Builder) BuildContinuation(start Message, samples []float32) Message {
	msg := start
	msg.IsFinal = false
	msg.TimeFrame = max(b.now(), start.TimeStart)
	msg.Data = EncodeSamples(samples)
	msg.kind = KindContinuation
	return msg
}

// BuildFinal closes the task opened by start
func (b *Builder) BuildFinal(start Message) Message {
	msg := start
	msg.IsFinal = true
	msg.TimeFrame = max(b.now(), start.TimeStart)
	msg.Data = ""
	msg.kind = KindFinal
	return msg
}

// UnixSeconds converts a time to fractional unix seconds
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// EncodeSamples packs samples as little-endian IEEE-754 float32 and base64-encodes them
func EncodeSamples(samples []float32) string {
	if len(samples) == 0 {
		return ""
	}
	buf := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(s))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeSamples reverses EncodeSamples
func DecodeSamples(data string) ([]float32, error) {
	if data == "" {
		return nil, nil
	}
	buf, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("payload length %d is not a multiple of 4", len(buf))
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return out, nil
}
