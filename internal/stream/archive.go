package stream

import (
	"context"
	"log/slog"

	"github.com/oMMh6666/CapsWriter/internal/protocol"
)

// Archiver stores the audio of each task
type Archiver interface {
	Append(taskID string, samples []float32) error
	Finish(taskID string) (string, error)
}

// ArchiveSender records every message's audio before handing it to the next sender.
// It runs on the consumer goroutine so file I/O never touches the capture path.
type ArchiveSender struct {
	next    Sender
	archive Archiver
	logger  *slog.Logger
}

// NewArchiveSender wraps next with an archive
func NewArchiveSender(next Sender, archive Archiver, logger *slog.Logger) *ArchiveSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveSender{next: next, archive: archive, logger: logger}
}

// Send archives msg and forwards it. Archive failures are logged and never block sending.
func (s *ArchiveSender) Send(ctx context.Context, msg protocol.Message) error {
	switch {
	case msg.IsFinal:
		path, err := s.archive.Finish(msg.TaskID)
		if err != nil {
			s.logger.Warn("Failed to finish task archive",
				slog.String("task_id", msg.TaskID),
				slog.String("error", err.Error()),
			)
		} else if path != "" {
			s.logger.Info("Task audio archived",
				slog.String("task_id", msg.TaskID),
				slog.String("path", path),
			)
		}

	case msg.Data != "":
		samples, err := protocol.DecodeSamples(msg.Data)
		if err == nil {
			err = s.archive.Append(msg.TaskID, samples)
		}
		if err != nil {
			s.logger.Warn("Failed to archive task audio",
				slog.String("task_id", msg.TaskID),
				slog.String("error", err.Error()),
			)
		}
	}

	return s.next.Send(ctx, msg)
}
