package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cartlift/cartlift/internal/server"
	"github.com/cartlift/cartlift/internal/testutil"
)

const testToken = "test-token"

func newTestServer(t *testing.T) *server.Server {
	t.Helper()
	s := testutil.SetupTestStore(t)
	return server.New(s, 0, testToken, zap.NewNop())
}

// apiRequest performs an authenticated admin API call against the server's
// handler and decodes the JSON response into out when it is non-nil.
func apiRequest(t *testing.T, srv *server.Server, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.AddCookie(&http.Cookie{Name: "cl_token", Value: srv.Token()})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
	}
	return rec
}

// beaconRequest performs an unauthenticated storefront beacon call.
func beaconRequest(t *testing.T, srv *server.Server, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, path, &buf)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
	}
	return rec
}

func validCreateBody() map[string]any {
	return map[string]any{
		"name": "checkout-discount",
		"type": "discount",
		"variants": []map[string]any{
			{"name": "Control", "is_control": true, "traffic_pct": 0.5, "value": map[string]any{"kind": "percent", "percent": 0}},
			{"name": "TenOff", "traffic_pct": 0.5, "value": map[string]any{"kind": "percent", "percent": 10}},
		},
	}
}

type experimentPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Variants []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		IsControl bool   `json:"is_control"`
	} `json:"variants"`
	WinnerVariantID *string `json:"winner_variant_id"`
}

func createRunningExperiment(t *testing.T, srv *server.Server) experimentPayload {
	t.Helper()

	var exp experimentPayload
	rec := apiRequest(t, srv, http.MethodPost, "/api/experiments", validCreateBody(), &exp)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = apiRequest(t, srv, http.MethodPost, "/api/experiments/"+exp.ID+"/start", nil, &exp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "running", exp.Status)
	return exp
}

func TestAuth(t *testing.T) {
	srv := newTestServer(t)

	t.Run("no token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/experiments", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/experiments?token=wrong", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("query token serves and sets cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/experiments?token="+srv.Token(), nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, "cl_token", cookies[0].Name)
		assert.Equal(t, srv.Token(), cookies[0].Value)
	})

	t.Run("cookie grants access", func(t *testing.T) {
		rec := apiRequest(t, srv, http.MethodGet, "/api/experiments", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestCreateExperimentAPI(t *testing.T) {
	srv := newTestServer(t)

	var exp experimentPayload
	rec := apiRequest(t, srv, http.MethodPost, "/api/experiments", validCreateBody(), &exp)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, exp.ID)
	assert.Equal(t, "draft", exp.Status)
	require.Len(t, exp.Variants, 2)
	assert.True(t, exp.Variants[0].IsControl)
}

func TestCreateExperimentAPI_BadShares(t *testing.T) {
	srv := newTestServer(t)

	body := validCreateBody()
	body["variants"] = []map[string]any{
		{"name": "Control", "is_control": true, "traffic_pct": 0.3, "value": map[string]any{"kind": "percent"}},
		{"name": "A", "traffic_pct": 0.3, "value": map[string]any{"kind": "percent", "percent": 5}},
		{"name": "B", "traffic_pct": 0.3, "value": map[string]any{"kind": "percent", "percent": 10}},
	}

	rec := apiRequest(t, srv, http.MethodPost, "/api/experiments", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation")
}

func TestCreateExperimentAPI_MissingFields(t *testing.T) {
	srv := newTestServer(t)

	rec := apiRequest(t, srv, http.MethodPost, "/api/experiments", map[string]any{"name": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBeaconRoundtrip(t *testing.T) {
	srv := newTestServer(t)
	exp := createRunningExperiment(t, srv)

	var assigned struct {
		AssignmentID string `json:"assignment_id"`
		VariantID    string `json:"variant_id"`
		Synthetic    bool   `json:"synthetic"`
	}
	rec := beaconRequest(t, srv, "/b/assign", map[string]any{
		"experiment_id": exp.ID,
		"visitor_id":    "visitor-1",
	}, &assigned)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.NotEmpty(t, assigned.AssignmentID)
	assert.False(t, assigned.Synthetic)

	// Same visitor, same variant.
	var again struct {
		AssignmentID string `json:"assignment_id"`
		VariantID    string `json:"variant_id"`
	}
	rec = beaconRequest(t, srv, "/b/assign", map[string]any{
		"experiment_id": exp.ID,
		"visitor_id":    "visitor-1",
	}, &again)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, assigned.AssignmentID, again.AssignmentID)
	assert.Equal(t, assigned.VariantID, again.VariantID)

	var tracked struct {
		EventID   string `json:"event_id"`
		VariantID string `json:"variant_id"`
	}
	rec = beaconRequest(t, srv, "/b/track", map[string]any{
		"assignment_id": assigned.AssignmentID,
		"event_type":    "conversion",
		"value":         2500,
	}, &tracked)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, assigned.VariantID, tracked.VariantID)

	var results struct {
		Variants []struct {
			VariantID   string `json:"variant_id"`
			Visitors    int64  `json:"visitors"`
			Conversions int64  `json:"conversions"`
		} `json:"variants"`
	}
	rec = apiRequest(t, srv, http.MethodGet, "/api/experiments/"+exp.ID+"/results", nil, &results)
	require.Equal(t, http.StatusOK, rec.Code)

	var visitors, conversions int64
	for _, v := range results.Variants {
		visitors += v.Visitors
		conversions += v.Conversions
	}
	assert.Equal(t, int64(1), visitors)
	assert.Equal(t, int64(1), conversions)
}

func TestAssign_UnknownExperiment(t *testing.T) {
	srv := newTestServer(t)

	rec := beaconRequest(t, srv, "/b/assign", map[string]any{
		"experiment_id": "missing",
		"visitor_id":    "visitor-1",
	}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTrack_CancelledExperiment(t *testing.T) {
	srv := newTestServer(t)
	exp := createRunningExperiment(t, srv)

	var assigned struct {
		AssignmentID string `json:"assignment_id"`
	}
	rec := beaconRequest(t, srv, "/b/assign", map[string]any{
		"experiment_id": exp.ID,
		"visitor_id":    "visitor-1",
	}, &assigned)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = apiRequest(t, srv, http.MethodPost, "/api/experiments/"+exp.ID+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = beaconRequest(t, srv, "/b/track", map[string]any{
		"assignment_id": assigned.AssignmentID,
		"event_type":    "conversion",
		"value":         100,
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "experiment_inactive")
}

func TestRolloutAPI(t *testing.T) {
	srv := newTestServer(t)
	exp := createRunningExperiment(t, srv)
	winner := exp.Variants[1].ID

	var out experimentPayload
	rec := apiRequest(t, srv, http.MethodPost, "/api/experiments/"+exp.ID+"/rollout",
		map[string]any{"winner_variant_id": winner}, &out)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", out.Status)
	require.NotNil(t, out.WinnerVariantID)
	assert.Equal(t, winner, *out.WinnerVariantID)

	// A second rollout with a different winner conflicts.
	rec = apiRequest(t, srv, http.MethodPost, "/api/experiments/"+exp.ID+"/rollout",
		map[string]any{"winner_variant_id": exp.Variants[0].ID}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCompleteAPI_NoBody(t *testing.T) {
	srv := newTestServer(t)
	exp := createRunningExperiment(t, srv)

	req := httptest.NewRequest(http.MethodPost, "/api/experiments/"+exp.ID+"/complete", nil)
	req.AddCookie(&http.Cookie{Name: "cl_token", Value: srv.Token()})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out experimentPayload
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, "completed", out.Status)
	assert.Nil(t, out.WinnerVariantID)
}

func TestResults_BadWindow(t *testing.T) {
	srv := newTestServer(t)
	exp := createRunningExperiment(t, srv)

	rec := apiRequest(t, srv, http.MethodGet,
		fmt.Sprintf("/api/experiments/%s/results?from=notatime", exp.ID), nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResults_OneSidedWindow(t *testing.T) {
	srv := newTestServer(t)
	exp := createRunningExperiment(t, srv)

	for _, query := range []string{"from=2026-08-01T00:00:00Z", "to=2026-08-15T00:00:00Z"} {
		rec := apiRequest(t, srv, http.MethodGet,
			fmt.Sprintf("/api/experiments/%s/results?%s", exp.ID, query), nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
		assert.Contains(t, rec.Body.String(), "together")
	}
}

func TestBeaconPreflight(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/b/assign", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var health server.HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
}
