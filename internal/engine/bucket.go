package engine

import (
	"context"
	"errors"
	"hash/fnv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cartlift/cartlift/internal/store"
)

// Bucketer deterministically maps visitors to variants. Assign fails open:
// storefront traffic must never block on the experiment store, so any store
// failure yields a synthetic control assignment instead of an error.
type Bucketer struct {
	store store.Store
	log   *zap.Logger
}

func NewBucketer(s store.Store, log *zap.Logger) *Bucketer {
	return &Bucketer{store: s, log: log}
}

// Assign returns the visitor's assignment for the experiment, creating it on
// first visit. Idempotent: repeated and concurrent calls for the same
// (experiment, visitor) pair all return the same variant, backed by the
// store's unique index. On first assignment it records an exposure event and
// bumps the variant's visitor counter in the same transaction.
func (b *Bucketer) Assign(ctx context.Context, experimentID, visitorID, identifierType string) (*store.Assignment, error) {
	if experimentID == "" || visitorID == "" {
		return nil, Validationf("experiment id and visitor id are required")
	}
	if identifierType == "" {
		identifierType = "session"
	}

	exp, err := b.store.GetExperiment(ctx, experimentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NotFoundf("experiment %s not found", experimentID)
		}
		b.log.Warn("assign failing open: experiment read failed",
			zap.String("experiment_id", experimentID),
			zap.String("visitor_id", visitorID),
			zap.Error(err))
		return syntheticAssignment(experimentID, "", visitorID, identifierType), nil
	}

	control := exp.ControlVariant()
	controlID := ""
	if control != nil {
		controlID = control.ID
	}

	// Only running experiments take new visitors. Paused ones keep their
	// existing assignments but hand newcomers the default experience.
	if exp.Status != store.StatusRunning {
		return syntheticAssignment(exp.ID, controlID, visitorID, identifierType), nil
	}

	// Allocation gate: a visitor outside the experiment's traffic slice is
	// permanently outside it (the draw is deterministic per visitor).
	if draw(exp.ID, visitorID, "alloc") >= exp.TrafficAllocation {
		return syntheticAssignment(exp.ID, controlID, visitorID, identifierType), nil
	}

	existing, err := b.store.GetAssignment(ctx, exp.ID, visitorID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		b.log.Warn("assign failing open: assignment read failed",
			zap.String("experiment_id", exp.ID),
			zap.String("visitor_id", visitorID),
			zap.Error(err))
		return syntheticAssignment(exp.ID, controlID, visitorID, identifierType), nil
	}

	variant := pickVariant(exp, draw(exp.ID, visitorID, ""))

	assignment := &store.Assignment{
		ID:             uuid.New().String(),
		ExperimentID:   exp.ID,
		VariantID:      variant.ID,
		VisitorID:      visitorID,
		IdentifierType: identifierType,
	}
	persisted, created, err := b.store.CreateAssignment(ctx, assignment)
	if err != nil {
		b.log.Warn("assign failing open: assignment write failed",
			zap.String("experiment_id", exp.ID),
			zap.String("visitor_id", visitorID),
			zap.Error(err))
		return syntheticAssignment(exp.ID, controlID, visitorID, identifierType), nil
	}
	if !created {
		// Lost the insert race; the winner's row is the assignment.
		return persisted, nil
	}

	exposure := &store.Event{
		ID:           uuid.New().String(),
		ExperimentID: exp.ID,
		VariantID:    persisted.VariantID,
		AssignmentID: persisted.ID,
		EventType:    store.EventExposure,
		VisitorID:    visitorID,
	}
	if err := b.store.RecordEvent(ctx, exposure, store.CounterDelta{Visitors: 1}); err != nil {
		// The assignment is durable; a lost exposure is reconciled by the
		// audit recompute path.
		b.log.Warn("exposure event write failed",
			zap.String("experiment_id", exp.ID),
			zap.String("assignment_id", persisted.ID),
			zap.Error(err))
	}

	return persisted, nil
}

// pickVariant walks the arms control-first in declaration order,
// accumulating traffic shares until one covers the draw. Floating-point
// shortfall at the top of the range falls through to the last arm so a
// selection always occurs.
func pickVariant(exp *store.Experiment, d float64) *store.Variant {
	ordered := make([]*store.Variant, 0, len(exp.Variants))
	for i := range exp.Variants {
		if exp.Variants[i].IsControl {
			ordered = append(ordered, &exp.Variants[i])
		}
	}
	for i := range exp.Variants {
		if !exp.Variants[i].IsControl {
			ordered = append(ordered, &exp.Variants[i])
		}
	}

	cumulative := 0.0
	for _, v := range ordered {
		cumulative += v.TrafficPct
		if d < cumulative {
			return v
		}
	}
	return ordered[len(ordered)-1]
}

// draw hashes (experimentID, visitorID, salt) to a uniform value in [0,1).
// FNV-1a keeps the draw stable across processes and deployments, which is
// what makes bucketing reproducible on retries and in multi-instance
// setups.
func draw(experimentID, visitorID, salt string) float64 {
	h := fnv.New64a()
	h.Write([]byte(experimentID))
	h.Write([]byte{':'})
	h.Write([]byte(visitorID))
	if salt != "" {
		h.Write([]byte{':'})
		h.Write([]byte(salt))
	}
	return unitInterval(h.Sum64())
}

// unitInterval maps a 64-bit hash onto [0,1) using its top 53 bits. Dividing
// the full hash by 2^64 instead would round values near the top up to
// exactly 1.0, outside every variant's share.
func unitInterval(h uint64) float64 {
	return float64(h>>11) / (1 << 53)
}

func syntheticAssignment(experimentID, variantID, visitorID, identifierType string) *store.Assignment {
	return &store.Assignment{
		ExperimentID:   experimentID,
		VariantID:      variantID,
		VisitorID:      visitorID,
		IdentifierType: identifierType,
		Synthetic:      true,
	}
}
