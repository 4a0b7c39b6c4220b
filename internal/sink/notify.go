package sink

import (
	"log/slog"
	"sync"

	"github.com/gen2brain/beeep"
)

// NotifyTitle is the title of every desktop notification
const NotifyTitle = "CapsWriter"

// Notifier shows a desktop notification when the server connection changes
type Notifier struct {
	notify func(title, message string) error
	logger *slog.Logger

	mu    sync.Mutex
	known bool
	up    bool
	sent  uint64
}

// NewNotifier creates a connection status notifier
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		notify: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
		logger: logger,
	}
}

// OnStatus notifies on the first status and on every change after it
func (n *Notifier) OnStatus(connected bool, err error) {
	n.mu.Lock()
	if n.known && n.up == connected {
		n.mu.Unlock()
		return
	}
	n.known = true
	n.up = connected
	n.sent++
	n.mu.Unlock()

	message := "Connected to server"
	if !connected {
		message = "Disconnected from server"
		if err != nil {
			message += ": " + err.Error()
		}
	}

	if nerr := n.notify(NotifyTitle, message); nerr != nil {
		n.logger.Debug("Desktop notification failed", slog.String("error", nerr.Error()))
	}
}

// Sent returns how many notifications were attempted
func (n *Notifier) Sent() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}
