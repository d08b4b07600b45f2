package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/cartlift/cartlift/internal/engine"
	"github.com/cartlift/cartlift/internal/store"
)

// SetupTestStore creates a test database and returns the store.
// Uses t.TempDir() for automatic cleanup on test completion.
func SetupTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	dbPath := t.TempDir() + "/test.db"

	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// DiscountSpec is a minimal valid two-arm discount experiment spec for
// tests; opts mutate it before use.
func DiscountSpec(opts ...func(*engine.ExperimentSpec)) engine.ExperimentSpec {
	spec := engine.ExperimentSpec{
		Name: "checkout-discount",
		Type: "discount",
		Variants: []engine.VariantSpec{
			{Name: "Control", IsControl: true, TrafficPct: 0.5, Value: store.VariantValue{Kind: store.ValuePercent, Percent: 0}},
			{Name: "TenOff", TrafficPct: 0.5, Value: store.VariantValue{Kind: store.ValuePercent, Percent: 10}},
		},
	}
	for _, opt := range opts {
		opt(&spec)
	}
	return spec
}

// CreateRunning creates and starts an experiment, failing the test on any
// error.
func CreateRunning(t *testing.T, lifecycle *engine.Lifecycle, spec engine.ExperimentSpec) *store.Experiment {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exp, err := lifecycle.CreateExperiment(ctx, spec)
	if err != nil {
		t.Fatalf("failed to create experiment: %v", err)
	}
	exp, err = lifecycle.Start(ctx, exp.ID)
	if err != nil {
		t.Fatalf("failed to start experiment: %v", err)
	}
	return exp
}
