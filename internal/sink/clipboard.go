package sink

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/atotto/clipboard"

	"github.com/oMMh6666/CapsWriter/internal/protocol"
)

// ClipboardStats represents clipboard sink statistics
type ClipboardStats struct {
	Copied       uint64 `json:"copied"`
	Pasted       uint64 `json:"pasted"`
	Failures     uint64 `json:"failures"`
	LastError    string `json:"last_error,omitempty"`
	PasteEnabled bool   `json:"paste_enabled"`
}

// Clipboard puts final results on the system clipboard and optionally pastes
// them into the focused window
type Clipboard struct {
	write  func(string) error
	paste  func(string) error
	logger *slog.Logger

	mu       sync.Mutex
	copied   uint64
	pasted   uint64
	failures uint64
	lastErr  error
}

// NewClipboard creates a clipboard sink. When paste is set, results are typed
// into the focused window with Ctrl+V and the previous clipboard is restored.
func NewClipboard(paste bool, logger *slog.Logger) *Clipboard {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Clipboard{
		write:  clipboard.WriteAll,
		logger: logger,
	}
	if paste {
		c.paste = PasteText
	}
	return c
}

// OnResult copies or pastes the text of final results
func (c *Clipboard) OnResult(result *protocol.Result) {
	text := strings.TrimSpace(result.Text)
	if !result.IsFinal || text == "" {
		return
	}

	var err error
	if c.paste != nil {
		err = c.paste(text)
	} else {
		err = c.write(text)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.failures++
		c.lastErr = err
		c.logger.Warn("Failed to deliver result to clipboard",
			slog.String("task_id", result.TaskID),
			slog.Bool("paste", c.paste != nil),
			slog.String("error", err.Error()),
		)
		return
	}

	if c.paste != nil {
		c.pasted++
	} else {
		c.copied++
	}
}

// GetStats returns clipboard sink statistics
func (c *Clipboard) GetStats() ClipboardStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := ClipboardStats{
		Copied:       c.copied,
		Pasted:       c.pasted,
		Failures:     c.failures,
		PasteEnabled: c.paste != nil,
	}
	if c.lastErr != nil {
		stats.LastError = c.lastErr.Error()
	}
	return stats
}

// ClipboardAvailable reports whether a clipboard backend exists on this system
func ClipboardAvailable() error {
	if clipboard.Unsupported {
		return fmt.Errorf("no clipboard utility available")
	}
	return nil
}
