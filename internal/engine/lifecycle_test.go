package engine_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cartlift/cartlift/internal/engine"
	"github.com/cartlift/cartlift/internal/offer"
	"github.com/cartlift/cartlift/internal/store"
	"github.com/cartlift/cartlift/internal/testutil"
)

func newLifecycle(t *testing.T) (*store.SQLiteStore, *engine.Lifecycle) {
	t.Helper()
	s := testutil.SetupTestStore(t)
	log := zap.NewNop()
	rollout := engine.NewRollout(s, offer.NewSettingsApplier(s, log), log)
	return s, engine.NewLifecycle(s, rollout, log)
}

func TestCreateExperiment(t *testing.T) {
	_, lifecycle := newLifecycle(t)

	exp, err := lifecycle.CreateExperiment(context.Background(), testutil.DiscountSpec())
	require.NoError(t, err)

	assert.NotEmpty(t, exp.ID)
	assert.Equal(t, store.StatusDraft, exp.Status)
	assert.Nil(t, exp.StartDate)
	require.Len(t, exp.Variants, 2)

	sum := 0.0
	for _, v := range exp.Variants {
		assert.NotEmpty(t, v.ID)
		assert.Zero(t, v.TotalVisitors)
		assert.Zero(t, v.TotalConversions)
		assert.Zero(t, v.TotalRevenue)
		sum += v.TrafficPct
	}
	assert.LessOrEqual(t, math.Abs(sum-1), 1e-6)

	// Defaults applied
	assert.Equal(t, 1.0, exp.TrafficAllocation)
	assert.Equal(t, 0.95, exp.ConfidenceLevel)
	assert.Equal(t, store.MetricConversionRate, exp.PrimaryMetric)
}

func TestCreateExperiment_Validation(t *testing.T) {
	_, lifecycle := newLifecycle(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*engine.ExperimentSpec)
	}{
		{"missing name", func(s *engine.ExperimentSpec) { s.Name = "" }},
		{"one variant", func(s *engine.ExperimentSpec) { s.Variants = s.Variants[:1] }},
		{"no control", func(s *engine.ExperimentSpec) { s.Variants[0].IsControl = false }},
		{"two controls", func(s *engine.ExperimentSpec) { s.Variants[1].IsControl = true }},
		{"allocation above one", func(s *engine.ExperimentSpec) { s.TrafficAllocation = 1.5 }},
		{"confidence above one", func(s *engine.ExperimentSpec) { s.ConfidenceLevel = 1.2 }},
		{"negative sample floor", func(s *engine.ExperimentSpec) { s.MinSampleSize = -1 }},
		{"zero traffic share", func(s *engine.ExperimentSpec) { s.Variants[1].TrafficPct = 0 }},
		{"unknown value kind", func(s *engine.ExperimentSpec) { s.Variants[1].Value.Kind = "points" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := testutil.DiscountSpec(tc.mutate)
			_, err := lifecycle.CreateExperiment(ctx, spec)
			require.Error(t, err)
			assert.Equal(t, engine.KindValidation, engine.KindOf(err))
		})
	}
}

func TestCreateExperiment_SharesMustSumToOne(t *testing.T) {
	_, lifecycle := newLifecycle(t)

	spec := engine.ExperimentSpec{
		Name: "three-way",
		Type: "discount",
		Variants: []engine.VariantSpec{
			{Name: "Control", IsControl: true, TrafficPct: 0.3, Value: store.VariantValue{Kind: store.ValuePercent}},
			{Name: "A", TrafficPct: 0.3, Value: store.VariantValue{Kind: store.ValuePercent, Percent: 5}},
			{Name: "B", TrafficPct: 0.3, Value: store.VariantValue{Kind: store.ValuePercent, Percent: 10}},
		},
	}
	_, err := lifecycle.CreateExperiment(context.Background(), spec)
	require.Error(t, err)
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))
}

func TestStart(t *testing.T) {
	_, lifecycle := newLifecycle(t)
	ctx := context.Background()

	exp, err := lifecycle.CreateExperiment(ctx, testutil.DiscountSpec())
	require.NoError(t, err)

	started, err := lifecycle.Start(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, started.Status)
	require.NotNil(t, started.StartDate)

	// Pausing and restarting keeps the original start date.
	_, err = lifecycle.Pause(ctx, exp.ID)
	require.NoError(t, err)
	restarted, err := lifecycle.Start(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, started.StartDate.Unix(), restarted.StartDate.Unix())
}

func TestTransitions_Invalid(t *testing.T) {
	_, lifecycle := newLifecycle(t)
	ctx := context.Background()

	exp, err := lifecycle.CreateExperiment(ctx, testutil.DiscountSpec())
	require.NoError(t, err)

	// Draft can't be paused or completed.
	_, err = lifecycle.Pause(ctx, exp.ID)
	assert.Equal(t, engine.KindInvalidTransition, engine.KindOf(err))
	_, err = lifecycle.Complete(ctx, exp.ID, nil)
	assert.Equal(t, engine.KindInvalidTransition, engine.KindOf(err))

	// Terminal states reject everything.
	_, err = lifecycle.Cancel(ctx, exp.ID)
	require.NoError(t, err)
	_, err = lifecycle.Start(ctx, exp.ID)
	assert.Equal(t, engine.KindInvalidTransition, engine.KindOf(err))
	_, err = lifecycle.Cancel(ctx, exp.ID)
	assert.Equal(t, engine.KindInvalidTransition, engine.KindOf(err))
}

func TestComplete(t *testing.T) {
	_, lifecycle := newLifecycle(t)
	ctx := context.Background()

	exp := testutil.CreateRunning(t, lifecycle, testutil.DiscountSpec())

	done, err := lifecycle.Complete(ctx, exp.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, done.Status)
	require.NotNil(t, done.EndDate)
	assert.Nil(t, done.WinnerVariantID)
}

func TestComplete_FromPaused(t *testing.T) {
	_, lifecycle := newLifecycle(t)
	ctx := context.Background()

	exp := testutil.CreateRunning(t, lifecycle, testutil.DiscountSpec())
	_, err := lifecycle.Pause(ctx, exp.ID)
	require.NoError(t, err)

	done, err := lifecycle.Complete(ctx, exp.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, done.Status)
}

func TestComplete_WithWinner(t *testing.T) {
	s, lifecycle := newLifecycle(t)
	ctx := context.Background()

	exp := testutil.CreateRunning(t, lifecycle, testutil.DiscountSpec())
	winner := exp.Variants[1].ID

	done, err := lifecycle.Complete(ctx, exp.ID, &winner)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, done.Status)
	require.NotNil(t, done.WinnerVariantID)
	assert.Equal(t, winner, *done.WinnerVariantID)

	// The winning configuration reached the offer applier.
	value, err := s.GetSetting(ctx, "offer."+exp.ID)
	require.NoError(t, err)
	assert.Contains(t, value, winner)
}

func TestLifecycle_NotFound(t *testing.T) {
	_, lifecycle := newLifecycle(t)

	_, err := lifecycle.Start(context.Background(), "missing")
	assert.Equal(t, engine.KindNotFound, engine.KindOf(err))
}
