package keystate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// Source modes
const (
	ModeStdin    = "stdin"
	ModeHold     = "hold"
	ModeCapsLock = "capslock"
)

// Static is a key source whose state is set directly
type Static struct {
	held atomic.Bool
}

// NewStatic creates a static source in the given state
func NewStatic(held bool) *Static {
	s := &Static{}
	s.held.Store(held)
	return s
}

// Held reports the current state
func (s *Static) Held() bool { return s.held.Load() }

// Set changes the state
func (s *Static) Set(held bool) { s.held.Store(held) }

// Toggle flips the held state each time a line is read from its input.
// It stands in for a physical push-to-talk key on terminals.
type Toggle struct {
	r        io.Reader
	onChange func(held bool)

	held    atomic.Bool
	mu      sync.Mutex
	presses uint64
}

// NewToggle creates a line-driven toggle source. onChange may be nil.
func NewToggle(r io.Reader, onChange func(held bool)) *Toggle {
	return &Toggle{r: r, onChange: onChange}
}

// Held reports whether recording is toggled on
func (t *Toggle) Held() bool { return t.held.Load() }

// Presses returns how many toggles have been read
func (t *Toggle) Presses() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.presses
}

// Run reads lines until EOF, a "q" line or ctx cancellation. The key is
// released when Run returns. Cancellation is only observed between lines.
func (t *Toggle) Run(ctx context.Context) error {
	defer t.set(false)

	scanner := bufio.NewScanner(t.r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		if strings.EqualFold(strings.TrimSpace(scanner.Text()), "q") {
			return nil
		}

		t.mu.Lock()
		t.presses++
		t.mu.Unlock()
		t.set(!t.held.Load())
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read key input: %w", err)
	}
	return nil
}

func (t *Toggle) set(held bool) {
	if t.held.Swap(held) == held {
		return
	}
	if t.onChange != nil {
		t.onChange(held)
	}
}
