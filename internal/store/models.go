package store

import (
	"encoding/json"
	"time"
)

type ExperimentStatus string

const (
	StatusDraft     ExperimentStatus = "draft"
	StatusRunning   ExperimentStatus = "running"
	StatusPaused    ExperimentStatus = "paused"
	StatusCompleted ExperimentStatus = "completed"
	StatusCancelled ExperimentStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed out of the status.
func (s ExperimentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Metric string

const (
	MetricConversionRate    Metric = "conversion_rate"
	MetricRevenuePerVisitor Metric = "revenue_per_visitor"
)

type EventType string

const (
	EventExposure   EventType = "exposure"
	EventClick      EventType = "click"
	EventConversion EventType = "conversion"
)

type Experiment struct {
	ID                string
	Name              string
	Type              string // "discount", "shipping-threshold", "bundle", ...
	Status            ExperimentStatus
	TrafficAllocation float64 // fraction of eligible visitors, in (0,1]
	PrimaryMetric     Metric
	ConfidenceLevel   float64 // in (0,1), e.g. 0.95
	MinSampleSize     int     // 0 means the engine default
	AttributionWindow time.Duration
	WinnerVariantID   *string
	StartDate         *time.Time
	EndDate           *time.Time
	Variants          []Variant
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ControlVariant returns the control arm, or nil on malformed rows.
func (e *Experiment) ControlVariant() *Variant {
	for i := range e.Variants {
		if e.Variants[i].IsControl {
			return &e.Variants[i]
		}
	}
	return nil
}

func (e *Experiment) Variant(id string) *Variant {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i]
		}
	}
	return nil
}

type ValueKind string

const (
	ValuePercent ValueKind = "percent"
	ValueAmount  ValueKind = "amount"
)

// VariantValue is the offer payload a variant carries. It is opaque to the
// experiment core; the host's offer applier interprets it together with
// Experiment.Type. Amounts are in minor currency units.
type VariantValue struct {
	Kind        ValueKind `json:"kind"`
	Percent     float64   `json:"percent,omitempty"`
	AmountMinor int64     `json:"amount_minor,omitempty"`
}

type Variant struct {
	ID           string
	ExperimentID string
	Name         string
	IsControl    bool
	TrafficPct   float64 // share of allocated traffic, in (0,1]
	Value        VariantValue

	// Aggregates, maintained incrementally by the store.
	// TotalRevenue is in minor units.
	TotalVisitors    int64
	TotalConversions int64
	TotalRevenue     int64
}

type Assignment struct {
	ID             string
	ExperimentID   string
	VariantID      string
	VisitorID      string
	IdentifierType string // "session" or "customer"
	// Synthetic marks a non-persisted fallback assignment (inactive
	// experiment, allocation miss, or store failure). Synthetic
	// assignments never accrue events.
	Synthetic bool
	CreatedAt time.Time
}

type Event struct {
	ID           string
	ExperimentID string
	VariantID    string
	AssignmentID string
	EventType    EventType
	VisitorID    string
	EventValue   int64 // minor units; only meaningful for conversions
	EventData    json.RawMessage
	CreatedAt    time.Time
}

// CounterDelta is applied to a variant's aggregates atomically with an
// event insert.
type CounterDelta struct {
	Visitors    int64
	Conversions int64
	Revenue     int64
}

// VariantAggregate is a recomputation of a variant's counters from raw
// events, used for audits and windowed reporting.
type VariantAggregate struct {
	VariantID   string
	Visitors    int64
	Conversions int64
	Revenue     int64
}
