package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cartlift/cartlift/internal/engine"
	"github.com/cartlift/cartlift/internal/stats"
	"github.com/cartlift/cartlift/internal/store"
)

type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", zap.Error(err))
	}
}

// writeError maps the domain error taxonomy onto HTTP statuses. Raw store
// errors never leak: anything unclassified is reported as internal.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := engine.KindOf(err)
	status := http.StatusInternalServerError

	switch kind {
	case engine.KindValidation:
		status = http.StatusBadRequest
	case engine.KindInvalidTransition, engine.KindExperimentInactive:
		status = http.StatusConflict
	case engine.KindNotFound:
		status = http.StatusNotFound
	case engine.KindStoreUnavailable:
		status = http.StatusServiceUnavailable
	default:
		if errors.Is(err, store.ErrNotFound) {
			kind = engine.KindNotFound
			status = http.StatusNotFound
		} else {
			kind = "internal"
			s.log.Error("internal error", zap.Error(err))
		}
	}

	s.writeJSON(w, status, errorResponse{Error: errorPayload{
		Kind:    string(kind),
		Message: err.Error(),
	}})
}

type HealthResponse struct {
	Status           string `json:"status"`
	ExperimentsCount int    `json:"experiments_count"`
	DBSizeBytes      int64  `json:"db_size_bytes"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	exps, err := s.store.ListExperiments(r.Context())
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var dbSize int64
	row := s.store.DB().QueryRow("SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()")
	_ = row.Scan(&dbSize)

	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:           "ok",
		ExperimentsCount: len(exps),
		DBSizeBytes:      dbSize,
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
	})
}

// Beacon endpoints are called from the storefront, so they carry permissive
// CORS headers.
func setBeaconCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func (s *Server) handleBeaconPreflight(w http.ResponseWriter, r *http.Request) {
	setBeaconCORS(w)
	w.WriteHeader(http.StatusNoContent)
}

type assignRequest struct {
	ExperimentID   string `json:"experiment_id"`
	VisitorID      string `json:"visitor_id"`
	IdentifierType string `json:"identifier_type"`
}

type assignResponse struct {
	AssignmentID string `json:"assignment_id,omitempty"`
	ExperimentID string `json:"experiment_id"`
	VariantID    string `json:"variant_id"`
	Synthetic    bool   `json:"synthetic"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	setBeaconCORS(w)

	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, engine.Validationf("invalid JSON"))
		return
	}

	assignment, err := s.bucketer.Assign(r.Context(), req.ExperimentID, req.VisitorID, req.IdentifierType)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, assignResponse{
		AssignmentID: assignment.ID,
		ExperimentID: assignment.ExperimentID,
		VariantID:    assignment.VariantID,
		Synthetic:    assignment.Synthetic,
	})
}

type trackRequest struct {
	AssignmentID string          `json:"assignment_id"`
	EventType    string          `json:"event_type"`
	Value        int64           `json:"value"`
	Data         json.RawMessage `json:"data,omitempty"`
}

type trackResponse struct {
	EventID      string `json:"event_id"`
	ExperimentID string `json:"experiment_id"`
	VariantID    string `json:"variant_id"`
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	setBeaconCORS(w)

	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, engine.Validationf("invalid JSON"))
		return
	}

	ev, err := s.recorder.Track(r.Context(), req.AssignmentID, store.EventType(req.EventType), req.Value, req.Data)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, trackResponse{
		EventID:      ev.ID,
		ExperimentID: ev.ExperimentID,
		VariantID:    ev.VariantID,
	})
}

type createVariantRequest struct {
	Name       string             `json:"name" validate:"required"`
	IsControl  bool               `json:"is_control"`
	TrafficPct float64            `json:"traffic_pct" validate:"gt=0,lte=1"`
	Value      store.VariantValue `json:"value"`
}

type createExperimentRequest struct {
	Name                  string                 `json:"name" validate:"required"`
	Type                  string                 `json:"type" validate:"required"`
	TrafficAllocation     float64                `json:"traffic_allocation" validate:"gte=0,lte=1"`
	PrimaryMetric         string                 `json:"primary_metric" validate:"omitempty,oneof=conversion_rate revenue_per_visitor"`
	ConfidenceLevel       float64                `json:"confidence_level" validate:"gte=0,lt=1"`
	MinSampleSize         int                    `json:"min_sample_size" validate:"gte=0"`
	AttributionWindowSecs int64                  `json:"attribution_window_secs" validate:"gte=0"`
	Variants              []createVariantRequest `json:"variants" validate:"required,min=2,dive"`
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req createExperimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, engine.Validationf("invalid JSON"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, engine.Validationf("%v", err))
		return
	}

	spec := engine.ExperimentSpec{
		Name:              req.Name,
		Type:              req.Type,
		TrafficAllocation: req.TrafficAllocation,
		PrimaryMetric:     store.Metric(req.PrimaryMetric),
		ConfidenceLevel:   req.ConfidenceLevel,
		MinSampleSize:     req.MinSampleSize,
		AttributionWindow: time.Duration(req.AttributionWindowSecs) * time.Second,
	}
	for _, v := range req.Variants {
		value := v.Value
		if value.Kind == "" {
			value.Kind = store.ValuePercent
		}
		spec.Variants = append(spec.Variants, engine.VariantSpec{
			Name:       v.Name,
			IsControl:  v.IsControl,
			TrafficPct: v.TrafficPct,
			Value:      value,
		})
	}

	exp, err := s.lifecycle.CreateExperiment(r.Context(), spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toExperimentResponse(exp))
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	exps, err := s.store.ListExperiments(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]experimentResponse, 0, len(exps))
	for _, exp := range exps {
		out = append(out, toExperimentResponse(exp))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.store.GetExperiment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toExperimentResponse(exp))
}

// handleTransition adapts the single-argument lifecycle operations.
func (s *Server) handleTransition(fn func(ctx context.Context, id string) (*store.Experiment, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exp, err := fn(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, toExperimentResponse(exp))
	}
}

type completeRequest struct {
	WinnerVariantID *string `json:"winner_variant_id,omitempty"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, engine.Validationf("invalid JSON"))
			return
		}
	}

	exp, err := s.lifecycle.Complete(r.Context(), chi.URLParam(r, "id"), req.WinnerVariantID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toExperimentResponse(exp))
}

type rolloutRequest struct {
	WinnerVariantID string `json:"winner_variant_id"`
}

func (s *Server) handleRollout(w http.ResponseWriter, r *http.Request) {
	var req rolloutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, engine.Validationf("invalid JSON"))
		return
	}

	exp, err := s.rollout.Rollout(r.Context(), chi.URLParam(r, "id"), req.WinnerVariantID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toExperimentResponse(exp))
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	var window stats.Window
	if from := r.URL.Query().Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			s.writeError(w, engine.Validationf("invalid 'from' timestamp"))
			return
		}
		window.From = t
	}
	if to := r.URL.Query().Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			s.writeError(w, engine.Validationf("invalid 'to' timestamp"))
			return
		}
		window.To = t
	}
	if window.From.IsZero() != window.To.IsZero() {
		s.writeError(w, engine.Validationf("'from' and 'to' must be given together"))
		return
	}

	results, err := s.results.ComputeResults(r.Context(), chi.URLParam(r, "id"), window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

type variantResponse struct {
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	IsControl        bool               `json:"is_control"`
	TrafficPct       float64            `json:"traffic_pct"`
	Value            store.VariantValue `json:"value"`
	TotalVisitors    int64              `json:"total_visitors"`
	TotalConversions int64              `json:"total_conversions"`
	TotalRevenue     int64              `json:"total_revenue"`
}

type experimentResponse struct {
	ID                    string            `json:"id"`
	Name                  string            `json:"name"`
	Type                  string            `json:"type"`
	Status                string            `json:"status"`
	TrafficAllocation     float64           `json:"traffic_allocation"`
	PrimaryMetric         string            `json:"primary_metric"`
	ConfidenceLevel       float64           `json:"confidence_level"`
	MinSampleSize         int               `json:"min_sample_size"`
	AttributionWindowSecs int64             `json:"attribution_window_secs"`
	WinnerVariantID       *string           `json:"winner_variant_id,omitempty"`
	StartDate             *time.Time        `json:"start_date,omitempty"`
	EndDate               *time.Time        `json:"end_date,omitempty"`
	Variants              []variantResponse `json:"variants"`
	CreatedAt             time.Time         `json:"created_at"`
}

func toExperimentResponse(exp *store.Experiment) experimentResponse {
	out := experimentResponse{
		ID:                    exp.ID,
		Name:                  exp.Name,
		Type:                  exp.Type,
		Status:                string(exp.Status),
		TrafficAllocation:     exp.TrafficAllocation,
		PrimaryMetric:         string(exp.PrimaryMetric),
		ConfidenceLevel:       exp.ConfidenceLevel,
		MinSampleSize:         exp.MinSampleSize,
		AttributionWindowSecs: int64(exp.AttributionWindow / time.Second),
		WinnerVariantID:       exp.WinnerVariantID,
		StartDate:             exp.StartDate,
		EndDate:               exp.EndDate,
		CreatedAt:             exp.CreatedAt,
	}
	for _, v := range exp.Variants {
		out.Variants = append(out.Variants, variantResponse{
			ID:               v.ID,
			Name:             v.Name,
			IsControl:        v.IsControl,
			TrafficPct:       v.TrafficPct,
			Value:            v.Value,
			TotalVisitors:    v.TotalVisitors,
			TotalConversions: v.TotalConversions,
			TotalRevenue:     v.TotalRevenue,
		})
	}
	return out
}
