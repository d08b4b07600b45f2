package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/cartlift/cartlift/internal/store"
)

// DefaultMinSampleSize is the per-arm visitor floor below which
// significance is not evaluated, used when the experiment does not set its
// own.
const DefaultMinSampleSize = 30

// Window bounds a results computation. The zero window reads the live
// variant counters; a bounded window recomputes aggregates from raw events,
// which is slower but exact for the range.
type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) IsZero() bool {
	return w.From.IsZero() && w.To.IsZero()
}

type Results struct {
	ExperimentID    string          `json:"experiment_id"`
	Variants        []VariantResult `json:"variants"`
	LeaderVariantID *string         `json:"leader_variant_id,omitempty"`
}

type VariantResult struct {
	VariantID         string  `json:"variant_id"`
	Name              string  `json:"name"`
	IsControl         bool    `json:"is_control"`
	Visitors          int64   `json:"visitors"`
	Conversions       int64   `json:"conversions"`
	Revenue           int64   `json:"revenue"`
	ConversionRate    float64 `json:"conversion_rate"`
	RevenuePerVisitor float64 `json:"revenue_per_visitor"`

	// Wilson interval on the variant's own conversion rate.
	RateCILower float64 `json:"rate_ci_lower"`
	RateCIUpper float64 `json:"rate_ci_upper"`

	// Comparison against control; nil/false for the control itself and
	// whenever either arm is below the sample floor. The p-value is
	// two-tailed and reported for reference; significance is declared when
	// the one-tailed confidence reaches the experiment's confidence level.
	PValue        *float64 `json:"p_value,omitempty"`
	Confidence    float64  `json:"confidence"`
	IsSignificant bool     `json:"is_significant"`
	// Interval on the rate difference vs control, in percentage points.
	DiffCILower float64 `json:"diff_ci_lower"`
	DiffCIUpper float64 `json:"diff_ci_upper"`
}

// Engine computes experiment results from aggregate counters. It is
// read-only and deterministic: identical aggregates and window produce
// bit-identical output.
type Engine struct {
	store store.Store
}

func NewEngine(s store.Store) *Engine {
	return &Engine{store: s}
}

func (e *Engine) ComputeResults(ctx context.Context, experimentID string, window Window) (*Results, error) {
	exp, err := e.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load experiment: %w", err)
	}

	counters, err := e.counters(ctx, exp, window)
	if err != nil {
		return nil, err
	}

	minSample := exp.MinSampleSize
	if minSample <= 0 {
		minSample = DefaultMinSampleSize
	}

	control := exp.ControlVariant()
	if control == nil {
		return nil, fmt.Errorf("experiment %s has no control variant", exp.ID)
	}
	controlCount := counters[control.ID]

	results := &Results{ExperimentID: exp.ID}
	for i := range exp.Variants {
		v := &exp.Variants[i]
		c := counters[v.ID]

		vr := VariantResult{
			VariantID:   v.ID,
			Name:        v.Name,
			IsControl:   v.IsControl,
			Visitors:    c.Visitors,
			Conversions: c.Conversions,
			Revenue:     c.Revenue,
		}
		if c.Visitors > 0 {
			vr.ConversionRate = float64(c.Conversions) / float64(c.Visitors)
			vr.RevenuePerVisitor = float64(c.Revenue) / float64(c.Visitors)
		}
		vr.RateCILower, vr.RateCIUpper = WilsonInterval(c.Conversions, c.Visitors, exp.ConfidenceLevel)

		if !v.IsControl && c.Visitors >= int64(minSample) && controlCount.Visitors >= int64(minSample) {
			z, p, ok := TwoProportionTest(controlCount.Conversions, controlCount.Visitors, c.Conversions, c.Visitors)
			if ok {
				pv := p
				vr.PValue = &pv
				vr.Confidence = Confidence(z)
				vr.IsSignificant = vr.Confidence >= exp.ConfidenceLevel
				vr.DiffCILower, vr.DiffCIUpper = DiffInterval(
					controlCount.Conversions, controlCount.Visitors,
					c.Conversions, c.Visitors,
					ZScore(exp.ConfidenceLevel))
			}
		}

		results.Variants = append(results.Variants, vr)
	}

	results.LeaderVariantID = pickLeader(results.Variants)
	return results, nil
}

func (e *Engine) counters(ctx context.Context, exp *store.Experiment, window Window) (map[string]store.VariantAggregate, error) {
	counters := make(map[string]store.VariantAggregate, len(exp.Variants))

	if window.IsZero() {
		for _, v := range exp.Variants {
			counters[v.ID] = store.VariantAggregate{
				VariantID:   v.ID,
				Visitors:    v.TotalVisitors,
				Conversions: v.TotalConversions,
				Revenue:     v.TotalRevenue,
			}
		}
		return counters, nil
	}

	aggs, err := e.store.AggregateEvents(ctx, exp.ID, window.From, window.To)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate events: %w", err)
	}
	for _, a := range aggs {
		counters[a.VariantID] = a
	}
	return counters, nil
}

// pickLeader selects a challenger with a significant positive rate lift over
// control. Ties on revenue per visitor break on conversion rate, then on the
// lexically smallest variant ID so the result is stable.
func pickLeader(variants []VariantResult) *string {
	var controlRate float64
	for _, v := range variants {
		if v.IsControl {
			controlRate = v.ConversionRate
		}
	}

	var leader *VariantResult
	for i := range variants {
		v := &variants[i]
		if v.IsControl || !v.IsSignificant || v.ConversionRate <= controlRate {
			continue
		}
		if leader == nil || betterThan(v, leader) {
			leader = v
		}
	}
	if leader == nil {
		return nil
	}
	id := leader.VariantID
	return &id
}

func betterThan(a, b *VariantResult) bool {
	if a.RevenuePerVisitor != b.RevenuePerVisitor {
		return a.RevenuePerVisitor > b.RevenuePerVisitor
	}
	if a.ConversionRate != b.ConversionRate {
		return a.ConversionRate > b.ConversionRate
	}
	return a.VariantID < b.VariantID
}
