package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eddiefleurent/fno_trader/internal/models"
)

// JSONStorage keeps open positions and history in two JSON documents. Every save
// writes a temporary file in the same directory and renames it over the target.
type JSONStorage struct {
	mu            sync.RWMutex
	positionsPath string
	historyPath   string
	now           func() time.Time
}

// NewJSONStorage creates the storage, making parent directories as needed.
func NewJSONStorage(positionsPath, historyPath string) (*JSONStorage, error) {
	if positionsPath == "" || historyPath == "" {
		return nil, fmt.Errorf("positions and history paths are required")
	}
	if positionsPath == historyPath {
		return nil, fmt.Errorf("positions and history must be separate files")
	}
	for _, p := range []string{positionsPath, historyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
	}
	return &JSONStorage{positionsPath: positionsPath, historyPath: historyPath, now: time.Now}, nil
}

// PositionsPath returns the open positions document path.
func (s *JSONStorage) PositionsPath() string { return s.positionsPath }

// HistoryPath returns the closed history document path.
func (s *JSONStorage) HistoryPath() string { return s.historyPath }

// LoadPositions reads the open positions document.
func (s *JSONStorage) LoadPositions() (map[string]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions := make(map[string]models.Position)
	data, err := readDocument(s.positionsPath)
	if err != nil || data == nil {
		return positions, err
	}
	if err := json.Unmarshal(data, &positions); err != nil {
		return make(map[string]models.Position), s.quarantine(s.positionsPath, err)
	}
	for key, pos := range positions {
		if pos.Underlying != key {
			return make(map[string]models.Position),
				s.quarantine(s.positionsPath, fmt.Errorf("position %s stored under key %q", pos.ID, key))
		}
		if !pos.IsOpen() {
			return make(map[string]models.Position),
				s.quarantine(s.positionsPath, fmt.Errorf("closed position %s in open positions", pos.ID))
		}
	}
	return positions, nil
}

// SavePositions atomically replaces the open positions document.
func (s *JSONStorage) SavePositions(positions map[string]models.Position) error {
	if positions == nil {
		positions = map[string]models.Position{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteJSONAtomic(s.positionsPath, positions)
}

// LoadHistory reads the closed history document.
func (s *JSONStorage) LoadHistory() ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := make([]models.Position, 0)
	data, err := readDocument(s.historyPath)
	if err != nil || data == nil {
		return history, err
	}
	if err := json.Unmarshal(data, &history); err != nil {
		return make([]models.Position, 0), s.quarantine(s.historyPath, err)
	}
	for _, pos := range history {
		if pos.IsOpen() {
			return make([]models.Position, 0),
				s.quarantine(s.historyPath, fmt.Errorf("open position %s in history", pos.ID))
		}
	}
	return history, nil
}

// SaveHistory atomically replaces the closed history document.
func (s *JSONStorage) SaveHistory(history []models.Position) error {
	if history == nil {
		history = []models.Position{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteJSONAtomic(s.historyPath, history)
}

// readDocument returns nil data for a missing or blank file.
func readDocument(path string) ([]byte, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from configuration
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	return data, nil
}

// quarantine moves a corrupt document aside so the next save cannot destroy it.
func (s *JSONStorage) quarantine(path string, cause error) error {
	aside := fmt.Sprintf("%s.corrupt-%s", path, s.now().Format("20060102T150405"))
	if err := os.Rename(path, aside); err != nil {
		return fmt.Errorf("%w: %s: %v (could not move aside: %v)", ErrCorruptState, path, cause, err)
	}
	return fmt.Errorf("%w: %s: %v (moved to %s)", ErrCorruptState, path, cause, aside)
}

// WriteJSONAtomic marshals v with indentation, writes it to a temporary file next
// to path, syncs it and renames it over path.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("syncing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
