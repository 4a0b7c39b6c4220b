package sink

import (
	"fmt"
	"io"
	"sync"

	"github.com/oMMh6666/CapsWriter/internal/protocol"
)

// Printer appends result text to a writer, one line per result
type Printer struct {
	mu        sync.Mutex
	w         io.Writer
	finalOnly bool
	verbose   bool
	lines     uint64
}

// NewPrinter creates a printer. With finalOnly set, partial results are skipped.
// Verbose prefixes each line with the task id and audio duration.
func NewPrinter(w io.Writer, finalOnly, verbose bool) *Printer {
	return &Printer{w: w, finalOnly: finalOnly, verbose: verbose}
}

// OnResult writes the result text
func (p *Printer) OnResult(result *protocol.Result) {
	if result.Text == "" || (p.finalOnly && !result.IsFinal) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.verbose {
		fmt.Fprintf(p.w, "[%s %.2fs] %s\n", shortID(result.TaskID), result.Duration, result.Text)
	} else {
		fmt.Fprintln(p.w, result.Text)
	}
	p.lines++
}

// Lines returns how many results were written
func (p *Printer) Lines() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lines
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
