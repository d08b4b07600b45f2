package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cartlift/cartlift/internal/offer"
	"github.com/cartlift/cartlift/internal/store"
)

// Rollout ends an experiment with a declared winner and hands the winning
// configuration to the host's offer applier so all future traffic receives
// it.
type Rollout struct {
	store   store.Store
	applier offer.Applier
	log     *zap.Logger
}

func NewRollout(s store.Store, applier offer.Applier, log *zap.Logger) *Rollout {
	return &Rollout{store: s, applier: applier, log: log}
}

// Rollout marks the experiment completed with winnerVariantID and notifies
// the offer applier. Calling it again with the same winner is a no-op
// (the applier is still invoked, so a failed notification can be retried);
// with a different winner it fails.
func (r *Rollout) Rollout(ctx context.Context, experimentID, winnerVariantID string) (*store.Experiment, error) {
	if experimentID == "" || winnerVariantID == "" {
		return nil, Validationf("experiment id and winner variant id are required")
	}

	exp, err := r.store.GetExperiment(ctx, experimentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NotFoundf("experiment %s not found", experimentID)
		}
		return nil, wrapStore(err, "get experiment")
	}

	winner := exp.Variant(winnerVariantID)
	if winner == nil {
		return nil, NotFoundf("variant %s does not belong to experiment %s", winnerVariantID, exp.ID)
	}

	if exp.Status == store.StatusCompleted {
		if exp.WinnerVariantID != nil && *exp.WinnerVariantID == winnerVariantID {
			if err := r.notify(ctx, exp, winner); err != nil {
				return nil, err
			}
			return exp, nil
		}
		return nil, InvalidTransitionf("experiment %s already completed with a different winner", exp.ID)
	}
	if exp.Status != store.StatusRunning && exp.Status != store.StatusPaused {
		return nil, InvalidTransitionf("cannot roll out experiment in status %q", exp.Status)
	}

	now := time.Now()
	if err := r.store.UpdateExperimentStatus(ctx, exp.ID, store.StatusCompleted, nil, &now, &winnerVariantID); err != nil {
		return nil, wrapStore(err, "complete experiment")
	}

	if err := r.notify(ctx, exp, winner); err != nil {
		return nil, err
	}

	r.log.Info("experiment rolled out",
		zap.String("experiment_id", exp.ID),
		zap.String("winner_variant_id", winnerVariantID))

	updated, err := r.store.GetExperiment(ctx, exp.ID)
	if err != nil {
		return nil, wrapStore(err, "get experiment")
	}
	return updated, nil
}

func (r *Rollout) notify(ctx context.Context, exp *store.Experiment, winner *store.Variant) error {
	err := r.applier.Apply(ctx, offer.Winning{
		ExperimentID:   exp.ID,
		VariantID:      winner.ID,
		ExperimentType: exp.Type,
		Value:          winner.Value,
	})
	if err != nil {
		return &Error{Kind: KindStoreUnavailable, Msg: "apply winning offer", Err: err}
	}
	return nil
}
