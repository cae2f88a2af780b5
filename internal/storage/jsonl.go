// Package storage records raw console traffic to rotated JSON lines files.
package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgnsrekt/browsersuite/internal/console"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Record is one console message as written to the transcript.
type Record struct {
	RunID string    `json:"run_id,omitempty"`
	Time  time.Time `json:"time"`
	Seq   int64     `json:"seq"`
	Type  string    `json:"type"`
	Text  string    `json:"text"`
	Args  int       `json:"args"`

	Truncated    bool   `json:"truncated,omitempty"`
	OriginalSize int    `json:"original_size,omitempty"`
	SHA256       string `json:"sha256,omitempty"`
}

// JSONLWriter writes records asynchronously, one JSON object per line.
type JSONLWriter struct {
	path    string
	runID   string
	writeCh chan Record
	done    chan struct{}
	wg      sync.WaitGroup
	logger  *lumberjack.Logger

	mu      sync.Mutex
	closed  bool
	seq     int64
	dropped int
}

// NewJSONLWriter opens path for appending. Records are tagged with runID.
// The file rotates once it grows past maxSizeMB.
func NewJSONLWriter(path, runID string, bufferSize, maxSizeMB int) (*JSONLWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("transcript: mkdir: %w", err)
	}
	w := &JSONLWriter{
		path:    path,
		runID:   runID,
		writeCh: make(chan Record, bufferSize),
		done:    make(chan struct{}),
		logger: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   false,
		},
	}

	w.wg.Add(1)
	go w.writeLoop()

	slog.Info("Recording console transcript", "file", path, "run_id", runID)
	return w, nil
}

// Observe is a console subscriber that queues msg for writing.
func (w *JSONLWriter) Observe(msg console.Message) {
	w.mu.Lock()
	w.seq++
	rec := Record{RunID: w.runID, Time: time.Now().UTC(), Seq: w.seq, Type: msg.Type, Args: len(msg.Args)}
	w.mu.Unlock()

	var size int
	rec.Text, rec.Truncated, size, rec.SHA256 = truncateText(msg.Text, MaxTextBytes)
	if rec.Truncated {
		rec.OriginalSize = size
	}

	if err := w.Write(rec); err != nil {
		slog.Debug("transcript record dropped", "seq", rec.Seq, "error", err)
	}
}

// Write queues a record without blocking.
func (w *JSONLWriter) Write(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("writer is closed")
	}
	select {
	case w.writeCh <- rec:
		return nil
	default:
		w.dropped++
		return fmt.Errorf("buffer full")
	}
}

// Close drains pending records and closes the file.
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	dropped := w.dropped
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()

	if dropped > 0 {
		slog.Warn("Console transcript buffer overflowed, records were dropped", "dropped", dropped, "file", w.path)
	}
	return w.logger.Close()
}

func (w *JSONLWriter) writeLoop() {
	defer w.wg.Done()

	for {
		select {
		case rec := <-w.writeCh:
			w.writeRecord(rec)
		case <-w.done:
			for {
				select {
				case rec := <-w.writeCh:
					w.writeRecord(rec)
				default:
					return
				}
			}
		}
	}
}

func (w *JSONLWriter) writeRecord(rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("Failed to marshal record", "error", err)
		return
	}
	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("Failed to write record", "error", err, "file", w.path)
	}
}
