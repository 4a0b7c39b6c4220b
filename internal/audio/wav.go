package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// wavPCMFormat is the WAVE format tag for integer PCM
const wavPCMFormat = 1

// ArchiveStats represents archive statistics for monitoring
type ArchiveStats struct {
	Dir           string `json:"dir"`
	OpenTasks     int    `json:"open_tasks"`
	FilesWritten  uint64 `json:"files_written"`
	SamplesStored uint64 `json:"samples_stored"`
}

type archiveEntry struct {
	file    *os.File
	enc     *wav.Encoder
	samples int
}

// Archive writes the audio of each task to <dir>/<task_id>.wav
type Archive struct {
	dir    string
	format Format
	logger *slog.Logger

	mu      sync.Mutex
	open    map[string]*archiveEntry
	written uint64
	stored  uint64
}

// NewArchive creates the archive directory if needed
func NewArchive(dir string, format Format, logger *slog.Logger) (*Archive, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid archive format: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{
		dir:    dir,
		format: format,
		logger: logger,
		open:   make(map[string]*archiveEntry),
	}, nil
}

// Path returns the file path used for a task
func (a *Archive) Path(taskID string) string {
	return filepath.Join(a.dir, filepath.Base(taskID)+".wav")
}

// Append adds float samples to the task's file, creating it on first use
func (a *Archive) Append(taskID string, samples []float32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.open[taskID]
	if !ok {
		f, err := os.Create(a.Path(taskID))
		if err != nil {
			return fmt.Errorf("failed to create archive file: %w", err)
		}
		entry = &archiveEntry{
			file: f,
			enc:  wav.NewEncoder(f, a.format.SampleRate, a.format.BitsPerSample, a.format.Channels, wavPCMFormat),
		}
		a.open[taskID] = entry
	}

	if len(samples) == 0 {
		return nil
	}

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: a.format.Channels, SampleRate: a.format.SampleRate},
		Data:           FloatToPCM16(samples),
		SourceBitDepth: a.format.BitsPerSample,
	}
	if err := entry.enc.Write(buf); err != nil {
		return fmt.Errorf("failed to write archive samples: %w", err)
	}
	entry.samples += len(samples)
	a.stored += uint64(len(samples))
	return nil
}

// Finish closes the task's file and returns its path. Finishing an unknown task is a no-op.
func (a *Archive) Finish(taskID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finishLocked(taskID)
}

func (a *Archive) finishLocked(taskID string) (string, error) {
	entry, ok := a.open[taskID]
	if !ok {
		return "", nil
	}
	delete(a.open, taskID)

	path := a.Path(taskID)
	encErr := entry.enc.Close()
	fileErr := entry.file.Close()
	if err := errors.Join(encErr, fileErr); err != nil {
		return path, fmt.Errorf("failed to finalize archive file: %w", err)
	}

	a.written++
	a.logger.Debug("Archived task audio",
		slog.String("task_id", taskID),
		slog.String("path", path),
		slog.Int("samples", entry.samples),
	)
	return path, nil
}

// Close finishes every open task file
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	for taskID := range a.open {
		if _, err := a.finishLocked(taskID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetStats returns archive statistics
func (a *Archive) GetStats() ArchiveStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ArchiveStats{
		Dir:           a.dir,
		OpenTasks:     len(a.open),
		FilesWritten:  a.written,
		SamplesStored: a.stored,
	}
}

// ReadWAV decodes an archived file into 16-bit samples and its format
func ReadWAV(path string) ([]int, Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Format{}, fmt.Errorf("failed to open WAV file: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, Format{}, fmt.Errorf("invalid WAV file: %s", path)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("failed to read WAV samples: %w", err)
	}

	format := Format{
		SampleRate:    int(dec.SampleRate),
		BitsPerSample: int(dec.BitDepth),
		Channels:      int(dec.NumChans),
	}
	return buf.Data, format, nil
}

// FloatToPCM16 converts float samples in [-1, 1] back to 16-bit integer values, clamping overflow
func FloatToPCM16(samples []float32) []int {
	out := make([]int, len(samples))
	for i, s := range samples {
		v := math.Round(float64(s) * 32768.0)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		out[i] = int(v)
	}
	return out
}
