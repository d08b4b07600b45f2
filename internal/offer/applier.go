// Package offer is the boundary to the host storefront's checkout
// configuration. The experiment core only tells the applier which variant
// won; making the live cart honor it is the host's job.
package offer

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/cartlift/cartlift/internal/store"
)

// Winning is the configuration handed to the host when an experiment ends
// with a winner.
type Winning struct {
	ExperimentID   string             `json:"experiment_id"`
	VariantID      string             `json:"variant_id"`
	ExperimentType string             `json:"experiment_type"`
	Value          store.VariantValue `json:"value"`
}

type Applier interface {
	Apply(ctx context.Context, w Winning) error
}

// NopApplier discards rollout notifications. Used when the host consumes
// winners out of band.
type NopApplier struct{}

func (NopApplier) Apply(context.Context, Winning) error { return nil }

// Settings is the slice of the store the settings applier needs.
type Settings interface {
	SetSetting(ctx context.Context, key, value string) error
}

// SettingsApplier publishes the winning configuration into the host's
// settings store under "offer.<experimentID>". Re-applying the same winner
// overwrites with identical content, so rollout retries are safe.
type SettingsApplier struct {
	settings Settings
	log      *zap.Logger
}

func NewSettingsApplier(settings Settings, log *zap.Logger) *SettingsApplier {
	return &SettingsApplier{settings: settings, log: log}
}

func (a *SettingsApplier) Apply(ctx context.Context, w Winning) error {
	payload, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal winning offer: %w", err)
	}
	if err := a.settings.SetSetting(ctx, "offer."+w.ExperimentID, string(payload)); err != nil {
		return fmt.Errorf("failed to publish winning offer: %w", err)
	}
	a.log.Info("winning offer published",
		zap.String("experiment_id", w.ExperimentID),
		zap.String("variant_id", w.VariantID),
		zap.String("experiment_type", w.ExperimentType))
	return nil
}
