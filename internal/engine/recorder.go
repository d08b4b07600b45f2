package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cartlift/cartlift/internal/store"
)

// Recorder validates and appends click/conversion events against existing
// assignments and applies the matching aggregate deltas.
type Recorder struct {
	store store.Store
	log   *zap.Logger
	now   func() time.Time
}

func NewRecorder(s store.Store, log *zap.Logger) *Recorder {
	return &Recorder{store: s, log: log, now: time.Now}
}

// Track appends an event for assignmentID. Conversions carry value in minor
// units and bump the owning variant's conversion and revenue counters
// atomically with the insert; exposure and click events are recorded for
// analysis only.
func (r *Recorder) Track(ctx context.Context, assignmentID string, eventType store.EventType, value int64, data json.RawMessage) (*store.Event, error) {
	if assignmentID == "" {
		return nil, Validationf("assignment id is required")
	}
	switch eventType {
	case store.EventExposure, store.EventClick, store.EventConversion:
	default:
		return nil, Validationf("unknown event type %q", eventType)
	}
	if value < 0 {
		return nil, Validationf("event value must not be negative, got %d", value)
	}

	assignment, err := r.store.GetAssignmentByID(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NotFoundf("assignment %s not found", assignmentID)
		}
		return nil, wrapStore(err, "get assignment")
	}

	exp, err := r.store.GetExperiment(ctx, assignment.ExperimentID)
	if err != nil {
		return nil, wrapStore(err, "get experiment")
	}

	// Paused experiments keep accepting events from already-assigned
	// visitors so attribution windows stay honest; terminal ones do not.
	if exp.Status != store.StatusRunning && exp.Status != store.StatusPaused {
		return nil, Inactivef("experiment %s is %s", exp.ID, exp.Status)
	}

	var delta store.CounterDelta
	if eventType == store.EventConversion {
		if exp.AttributionWindow > 0 {
			cutoff := assignment.CreatedAt.Add(exp.AttributionWindow)
			if r.now().After(cutoff) {
				return nil, Validationf("conversion outside attribution window (assigned %s, window %s)",
					assignment.CreatedAt.Format(time.RFC3339), exp.AttributionWindow)
			}
		}
		delta = store.CounterDelta{Conversions: 1, Revenue: value}
	} else {
		// Value is only meaningful on conversions.
		value = 0
	}

	ev := &store.Event{
		ID:           uuid.New().String(),
		ExperimentID: assignment.ExperimentID,
		VariantID:    assignment.VariantID,
		AssignmentID: assignment.ID,
		EventType:    eventType,
		VisitorID:    assignment.VisitorID,
		EventValue:   value,
		EventData:    data,
	}
	if err := r.store.RecordEvent(ctx, ev, delta); err != nil {
		return nil, wrapStore(err, "record event")
	}

	r.log.Debug("event recorded",
		zap.String("experiment_id", ev.ExperimentID),
		zap.String("variant_id", ev.VariantID),
		zap.String("event_type", string(eventType)))
	return ev, nil
}
