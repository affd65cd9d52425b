package persistence

import "weekly-stage-bot/internal/models"

// StateRepository defines the interface for portfolio persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type StateRepository interface {
	// SaveState atomically replaces the stored portfolio with the given state.
	SaveState(state *models.PortfolioState) error

	// LoadState loads the portfolio from storage.
	// If no state is found, it should return (nil, nil).
	LoadState() (*models.PortfolioState, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
