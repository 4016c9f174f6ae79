// Package storage persists open positions and closed trade history.
package storage

import "github.com/eddiefleurent/fno_trader/internal/models"

// Interface defines the contract for position and trade history persistence.
//
// Implementations must be safe for concurrent use. Save methods replace the whole
// document; the engine always passes a complete snapshot.
type Interface interface {
	// LoadPositions returns open positions keyed by underlying. A missing
	// document is an empty map; a malformed one is an empty map plus ErrCorruptState.
	LoadPositions() (map[string]models.Position, error)
	SavePositions(positions map[string]models.Position) error

	// LoadHistory returns closed positions in the order they were appended.
	LoadHistory() ([]models.Position, error)
	SaveHistory(history []models.Position) error
}

// NewStorage creates the JSON file backed implementation.
func NewStorage(positionsPath, historyPath string) (Interface, error) {
	return NewJSONStorage(positionsPath, historyPath)
}

// Ensure JSONStorage implements Interface
var _ Interface = (*JSONStorage)(nil)
