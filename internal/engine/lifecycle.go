package engine

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cartlift/cartlift/internal/store"
)

// trafficTolerance is the floating-point slack allowed when checking that
// variant traffic shares sum to 1.
const trafficTolerance = 1e-6

// ExperimentSpec is the input to CreateExperiment.
type ExperimentSpec struct {
	Name              string
	Type              string
	TrafficAllocation float64 // 0 defaults to 1 (everyone participates)
	PrimaryMetric     store.Metric
	ConfidenceLevel   float64 // 0 defaults to 0.95
	MinSampleSize     int
	AttributionWindow time.Duration
	Variants          []VariantSpec
}

type VariantSpec struct {
	Name       string
	IsControl  bool
	TrafficPct float64
	Value      store.VariantValue
}

// Lifecycle governs experiment state transitions and creation-time
// invariants.
type Lifecycle struct {
	store   store.Store
	rollout *Rollout
	log     *zap.Logger
}

func NewLifecycle(s store.Store, rollout *Rollout, log *zap.Logger) *Lifecycle {
	return &Lifecycle{store: s, rollout: rollout, log: log}
}

// CreateExperiment validates spec and persists the experiment with its
// variants atomically, in draft.
func (l *Lifecycle) CreateExperiment(ctx context.Context, spec ExperimentSpec) (*store.Experiment, error) {
	if spec.Name == "" {
		return nil, Validationf("experiment name is required")
	}
	if len(spec.Variants) < 2 {
		return nil, Validationf("need at least 2 variants, got %d", len(spec.Variants))
	}

	if spec.TrafficAllocation == 0 {
		spec.TrafficAllocation = 1
	}
	if spec.TrafficAllocation <= 0 || spec.TrafficAllocation > 1 {
		return nil, Validationf("traffic allocation must be in (0,1], got %g", spec.TrafficAllocation)
	}
	if spec.ConfidenceLevel == 0 {
		spec.ConfidenceLevel = 0.95
	}
	if spec.ConfidenceLevel <= 0 || spec.ConfidenceLevel >= 1 {
		return nil, Validationf("confidence level must be in (0,1), got %g", spec.ConfidenceLevel)
	}
	if spec.MinSampleSize < 0 {
		return nil, Validationf("min sample size must not be negative")
	}
	if spec.PrimaryMetric == "" {
		spec.PrimaryMetric = store.MetricConversionRate
	}

	controls := 0
	sum := 0.0
	for i, v := range spec.Variants {
		if v.Name == "" {
			return nil, Validationf("variant %d has no name", i)
		}
		if v.TrafficPct <= 0 || v.TrafficPct > 1 {
			return nil, Validationf("variant %q traffic share must be in (0,1], got %g", v.Name, v.TrafficPct)
		}
		if v.Value.Kind != store.ValuePercent && v.Value.Kind != store.ValueAmount {
			return nil, Validationf("variant %q has unknown value kind %q", v.Name, v.Value.Kind)
		}
		if v.IsControl {
			controls++
		}
		sum += v.TrafficPct
	}
	if controls != 1 {
		return nil, Validationf("exactly one control variant required, got %d", controls)
	}
	if math.Abs(sum-1) > trafficTolerance {
		return nil, Validationf("variant traffic shares must sum to 1, got %g", sum)
	}

	exp := &store.Experiment{
		ID:                uuid.New().String(),
		Name:              spec.Name,
		Type:              spec.Type,
		Status:            store.StatusDraft,
		TrafficAllocation: spec.TrafficAllocation,
		PrimaryMetric:     spec.PrimaryMetric,
		ConfidenceLevel:   spec.ConfidenceLevel,
		MinSampleSize:     spec.MinSampleSize,
		AttributionWindow: spec.AttributionWindow,
	}
	for _, v := range spec.Variants {
		exp.Variants = append(exp.Variants, store.Variant{
			ID:           uuid.New().String(),
			ExperimentID: exp.ID,
			Name:         v.Name,
			IsControl:    v.IsControl,
			TrafficPct:   v.TrafficPct,
			Value:        v.Value,
		})
	}

	if err := l.store.CreateExperiment(ctx, exp); err != nil {
		return nil, wrapStore(err, "create experiment")
	}

	l.log.Info("experiment created",
		zap.String("experiment_id", exp.ID),
		zap.String("name", exp.Name),
		zap.Int("variants", len(exp.Variants)))
	return exp, nil
}

// Start moves a draft or paused experiment to running, stamping StartDate
// on first start.
func (l *Lifecycle) Start(ctx context.Context, experimentID string) (*store.Experiment, error) {
	exp, err := l.get(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	if exp.Status != store.StatusDraft && exp.Status != store.StatusPaused {
		return nil, InvalidTransitionf("cannot start experiment in status %q", exp.Status)
	}

	var startDate *time.Time
	if exp.StartDate == nil {
		now := time.Now()
		startDate = &now
	}
	if err := l.store.UpdateExperimentStatus(ctx, exp.ID, store.StatusRunning, startDate, nil, nil); err != nil {
		return nil, wrapStore(err, "start experiment")
	}

	l.log.Info("experiment started", zap.String("experiment_id", exp.ID))
	return l.get(ctx, experimentID)
}

// Pause stops new assignments; already-assigned visitors keep accruing
// events for the attribution window.
func (l *Lifecycle) Pause(ctx context.Context, experimentID string) (*store.Experiment, error) {
	exp, err := l.get(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	if exp.Status != store.StatusRunning {
		return nil, InvalidTransitionf("cannot pause experiment in status %q", exp.Status)
	}
	if err := l.store.UpdateExperimentStatus(ctx, exp.ID, store.StatusPaused, nil, nil, nil); err != nil {
		return nil, wrapStore(err, "pause experiment")
	}

	l.log.Info("experiment paused", zap.String("experiment_id", exp.ID))
	return l.get(ctx, experimentID)
}

// Complete ends a running or paused experiment. With a winner it delegates
// to the rollout coordinator so the offer applier is notified.
func (l *Lifecycle) Complete(ctx context.Context, experimentID string, winnerVariantID *string) (*store.Experiment, error) {
	if winnerVariantID != nil {
		return l.rollout.Rollout(ctx, experimentID, *winnerVariantID)
	}

	exp, err := l.get(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	if exp.Status != store.StatusRunning && exp.Status != store.StatusPaused {
		return nil, InvalidTransitionf("cannot complete experiment in status %q", exp.Status)
	}

	now := time.Now()
	if err := l.store.UpdateExperimentStatus(ctx, exp.ID, store.StatusCompleted, nil, &now, nil); err != nil {
		return nil, wrapStore(err, "complete experiment")
	}

	l.log.Info("experiment completed", zap.String("experiment_id", exp.ID))
	return l.get(ctx, experimentID)
}

// Cancel moves any non-terminal experiment to cancelled. Historical data is
// kept for audit.
func (l *Lifecycle) Cancel(ctx context.Context, experimentID string) (*store.Experiment, error) {
	exp, err := l.get(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	if exp.Status.Terminal() {
		return nil, InvalidTransitionf("cannot cancel experiment in status %q", exp.Status)
	}
	if err := l.store.UpdateExperimentStatus(ctx, exp.ID, store.StatusCancelled, nil, nil, nil); err != nil {
		return nil, wrapStore(err, "cancel experiment")
	}

	l.log.Info("experiment cancelled", zap.String("experiment_id", exp.ID))
	return l.get(ctx, experimentID)
}

func (l *Lifecycle) get(ctx context.Context, experimentID string) (*store.Experiment, error) {
	if experimentID == "" {
		return nil, Validationf("experiment id is required")
	}
	exp, err := l.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, wrapStore(err, "get experiment")
	}
	return exp, nil
}
