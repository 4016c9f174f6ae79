package storage

import (
	"sync"

	"github.com/eddiefleurent/fno_trader/internal/models"
)

// MockStorage implements Interface in memory for testing.
type MockStorage struct {
	mu               sync.Mutex
	saveError        error
	loadError        error
	positions        map[string]models.Position
	history          []models.Position
	savePositionsCnt int
	saveHistoryCnt   int
	loadCallCount    int
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{positions: make(map[string]models.Position)}
}

func (m *MockStorage) LoadPositions() (map[string]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCallCount++
	if m.loadError != nil {
		return make(map[string]models.Position), m.loadError
	}
	out := make(map[string]models.Position, len(m.positions))
	for k, v := range m.positions {
		out[k] = v.Clone()
	}
	return out, nil
}

func (m *MockStorage) SavePositions(positions map[string]models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.savePositionsCnt++
	if m.saveError != nil {
		return m.saveError
	}
	m.positions = make(map[string]models.Position, len(positions))
	for k, v := range positions {
		m.positions[k] = v.Clone()
	}
	return nil
}

func (m *MockStorage) LoadHistory() ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCallCount++
	if m.loadError != nil {
		return make([]models.Position, 0), m.loadError
	}
	out := make([]models.Position, len(m.history))
	for i, p := range m.history {
		out[i] = p.Clone()
	}
	return out, nil
}

func (m *MockStorage) SaveHistory(history []models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveHistoryCnt++
	if m.saveError != nil {
		return m.saveError
	}
	m.history = make([]models.Position, len(history))
	for i, p := range history {
		m.history[i] = p.Clone()
	}
	return nil
}

// Mock control methods for testing

func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

func (m *MockStorage) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadError = err
}

// GetSaveCallCount returns the number of SavePositions plus SaveHistory calls.
func (m *MockStorage) GetSaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.savePositionsCnt + m.saveHistoryCnt
}

func (m *MockStorage) GetSavePositionsCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.savePositionsCnt
}

func (m *MockStorage) GetSaveHistoryCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveHistoryCnt
}

func (m *MockStorage) GetLoadCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCallCount
}

// AddHistoryPosition seeds a closed position.
func (m *MockStorage) AddHistoryPosition(pos models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, pos.Clone())
}

// SetPosition seeds an open position.
func (m *MockStorage) SetPosition(pos models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.Underlying] = pos.Clone()
}

// Ensure MockStorage implements Interface
var _ Interface = (*MockStorage)(nil)
