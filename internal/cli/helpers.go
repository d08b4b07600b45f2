package cli

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/cartlift/cartlift/internal/engine"
	"github.com/cartlift/cartlift/internal/offer"
	"github.com/cartlift/cartlift/internal/store"
)

// withStore opens the database, executes the function, and handles cleanup.
func withStore(fn func(*store.SQLiteStore) error) error {
	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	return fn(s)
}

// newEngine wires the experiment core for CLI commands. Commands print
// their own human output, so the engine logger is silenced.
func newEngine(s *store.SQLiteStore) (*engine.Lifecycle, *engine.Rollout) {
	log := zap.NewNop()
	rollout := engine.NewRollout(s, offer.NewSettingsApplier(s, log), log)
	return engine.NewLifecycle(s, rollout, log), rollout
}
