// Package coverage prepares the coverage output directories and persists the
// Istanbul coverage object harvested from the page.
package coverage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// OutFile is the fixed name of the coverage artifact nyc reads.
const OutFile = "out.json"

// ScreenshotFile is written to the report dir when a failed run is captured.
const ScreenshotFile = "failure.png"

// Store manages the coverage and report directories for one run.
type Store struct {
	dir       string
	reportDir string
	mu        sync.Mutex
}

// Prepare ensures dir exists and is empty, ensures reportDir exists, and
// empties reportDir too when emptyReport is set.
func Prepare(dir, reportDir string, emptyReport bool) (*Store, error) {
	if err := EnsureEmptyDir(dir); err != nil {
		return nil, fmt.Errorf("coverage store: %w", err)
	}
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return nil, fmt.Errorf("coverage store: mkdir %s: %w", reportDir, err)
	}
	if emptyReport {
		if err := EnsureEmptyDir(reportDir); err != nil {
			return nil, fmt.Errorf("coverage store: %w", err)
		}
	}
	return &Store{dir: dir, reportDir: reportDir}, nil
}

// EnsureEmptyDir creates dir when missing and removes everything inside it.
// The directory itself is kept.
func EnsureEmptyDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("empty dir %s: %w", dir, err)
		}
	}
	return nil
}

// Path is the location of the coverage artifact.
func (s *Store) Path() string {
	return filepath.Join(s.dir, OutFile)
}

// Write persists raw as out.json. An absent coverage global (nil, "null" or
// empty input) writes nothing and reports false.
func (s *Store) Write(raw []byte) (bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		slog.Info("No coverage global found, skipping coverage output")
		return false, nil
	}

	var files map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &files); err != nil {
		return false, fmt.Errorf("coverage store: coverage is not a JSON object: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(s.Path(), trimmed, 0o644); err != nil {
		return false, fmt.Errorf("coverage store: write %s: %w", OutFile, err)
	}
	slog.Info("Coverage written", "path", s.Path(), "files", len(files), "bytes", len(trimmed))
	return true, nil
}

// Read returns the stored coverage artifact.
func (s *Store) Read() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("coverage not found: %s", s.Path())
		}
		return nil, fmt.Errorf("coverage store: read: %w", err)
	}
	return data, nil
}

// SaveScreenshot writes png into the report dir and returns its path.
func (s *Store) SaveScreenshot(png []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.reportDir, ScreenshotFile)
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("coverage store: write screenshot: %w", err)
	}
	slog.Info("Failure screenshot saved", "path", path, "size_bytes", len(png))
	return path, nil
}
