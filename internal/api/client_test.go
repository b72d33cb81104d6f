package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"codeberg.org/mutker/energentctl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockServer creates an httptest server that mimics the backend API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: serverURL})
	require.NoError(t, err)
	return c
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrInvalidConfig))

	_, err = NewClient(Config{BaseURL: "ftp://example.com"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrInvalidURL))
}

func TestNewClientTimeout(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "http://localhost:5001", Timeout: 3 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, c.client.Timeout)

	custom := &http.Client{Timeout: time.Minute}
	c, err = NewClient(Config{BaseURL: "http://localhost:5001", HTTPClient: custom, Timeout: 3 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, c.client.Timeout)
	assert.Equal(t, time.Minute, custom.Timeout, "caller's client is left untouched")

	c, err = NewClient(Config{BaseURL: "http://localhost:5001", HTTPClient: custom})
	require.NoError(t, err)
	assert.Same(t, custom, c.client)
}

func TestStreamURLDerivation(t *testing.T) {
	tests := []struct {
		base, override, want string
	}{
		{base: "http://127.0.0.1:5001", want: "ws://127.0.0.1:5001/ws/power"},
		{base: "https://energent.example.com/", want: "wss://energent.example.com/ws/power"},
		{base: "http://host/prefix", want: "ws://host/prefix/ws/power"},
		{base: "http://host", override: "ws://other:9000/ws/power", want: "ws://other:9000/ws/power"},
	}

	for _, tt := range tests {
		c, err := NewClient(Config{BaseURL: tt.base, StreamURL: tt.override})
		require.NoError(t, err)
		assert.Equal(t, tt.want, c.StreamURL(), tt.base)
	}
}

func TestPredictSendsDefaults(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/predict": func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			assert.Equal(t, "bert-base", q.Get("model_id"))
			assert.Equal(t, "gpu", q.Get("compute_target"))
			assert.Equal(t, "FP32", q.Get("precision"))
			writeJSON(w, http.StatusOK, map[string]any{
				"predicted_watts":      42.5,
				"predicted_co2_per_1k": 0.97,
				"predicted_grade":      "B",
				"confidence":           "HIGH",
				"alternatives": []map[string]any{
					{"model_id": "distilbert", "compute_target": "npu", "precision": "INT8", "predicted_watts": 6.1},
				},
				"best_alternative": map[string]any{"model_id": "distilbert", "compute_target": "npu", "precision": "INT8"},
			})
		},
	})

	pred, err := newTestClient(t, srv.URL).Predict(context.Background(), Selection{ModelID: "bert-base"})
	require.NoError(t, err)
	assert.Equal(t, 42.5, pred.PredictedWatts)
	assert.Equal(t, "B", pred.PredictedGrade)
	require.Len(t, pred.Alternatives, 1)
	require.NotNil(t, pred.BestAlternative)
	assert.Equal(t, Selection{ModelID: "distilbert", ComputeTarget: "npu", Precision: "INT8"}, pred.BestAlternative.Selection())
}

func TestSubmitRunPostsBody(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/run": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, map[string]any{
				"model":          "m1",
				"task":           "NLP",
				"precision":      "FP32",
				"compute_target": "gpu",
				"batch_size":     float64(1),
				"num_samples":    float64(10),
			}, body)
			writeJSON(w, http.StatusOK, map[string]string{"run_id": "r1", "status": "started"})
		},
	})

	resp, err := newTestClient(t, srv.URL).SubmitRun(context.Background(), RunRequest{
		Model: "m1", Task: "NLP", Precision: "FP32", ComputeTarget: "gpu", BatchSize: 1, NumSamples: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, "r1", resp.RunID)
}

func TestSubmitRunWithoutRunID(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/run": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
		},
	})

	_, err := newTestClient(t, srv.URL).SubmitRun(context.Background(), RunRequest{Model: "m1"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrMissingRunID))
}

func TestGetRunAndOptimize(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/run/r1": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"run_id": "r1", "status": "complete", "avg_watts": 12.3, "grade": "A", "co2_g": 0.4,
				"power_readings": []map[string]any{{"timestamp": 1, "npu_watts": nil}},
			})
		},
		"GET /api/run/r1/optimize": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, []map[string]any{
				{"suggestion_id": "s1", "type": "precision", "suggested_config": "INT8 (~6.0W)", "priority": "HIGH"},
			})
		},
	})
	c := newTestClient(t, srv.URL)

	run, err := c.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, run.Status)
	assert.True(t, run.IsTerminal())
	require.NotNil(t, run.AvgWatts)
	assert.Equal(t, 12.3, *run.AvgWatts)
	assert.Equal(t, "A", run.Grade)
	require.Len(t, run.PowerReadings, 1)
	assert.Nil(t, run.PowerReadings[0].NPUWatts)

	suggestions, err := c.Optimize(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	assert.Equal(t, SuggestionPrecision, suggestions[0].Type)
}

func TestStatusErrorCarriesDetail(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/run/missing": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Run not found: missing"})
		},
	})

	_, err := newTestClient(t, srv.URL).GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, "HTTP 404: Run not found: missing", err.Error())
}

func TestStatusErrorWithoutBody(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/models": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
	})

	_, err := newTestClient(t, srv.URL).Models(context.Background())
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusBadGateway))
	assert.Equal(t, "HTTP 502", err.Error())
}

func TestDecodeError(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/hardware": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "<html>")
		},
	})

	_, err := newTestClient(t, srv.URL).Hardware(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrDecode))
}

func TestCancelledRequestReturnsContextError(t *testing.T) {
	release := make(chan struct{})
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/predict": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		},
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := newTestClient(t, srv.URL).Predict(ctx, Selection{ModelID: "m1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExportRun(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/run/r1/export": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "csv", r.URL.Query().Get("format"))
			w.Header().Set("Content-Type", "text/csv")
			_, _ = io.WriteString(w, "timestamp,gpu_watts\n1,2\n")
		},
	})
	c := newTestClient(t, srv.URL)

	data, err := c.ExportRun(context.Background(), "r1", "csv")
	require.NoError(t, err)
	assert.Equal(t, "timestamp,gpu_watts\n1,2\n", string(data))

	_, err = c.ExportRun(context.Background(), "r1", "xml")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrInvalidFormat))
}

func TestCatalogEndpoints(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/models": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, []map[string]any{{"model_id": "m1", "task": "NLP", "npu_compatible": true}})
		},
		"GET /api/carbon/intensity": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"intensity_g_kwh": 820.0, "source": "cached"})
		},
		"GET /api/runs/history": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, []map[string]any{{"run_id": "r2", "status": "complete"}})
		},
		"GET /api/validate": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"generated_at": nil, "results": []any{}, "message": "none"})
		},
		"GET /api/health": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "active_ws_clients": 2})
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	models, err := c.Models(ctx)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.True(t, models[0].NPUCompatible)

	ci, err := c.CarbonIntensity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 820.0, ci.IntensityGPerKWh)

	history, err := c.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "r2", history[0].RunID)

	v, err := c.Validate(ctx)
	require.NoError(t, err)
	assert.Nil(t, v.GeneratedAt)
	assert.Equal(t, "none", v.Message)

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, h.ActiveStreamClients)
}

func TestSelectionDefaults(t *testing.T) {
	assert.Equal(t, Selection{ModelID: "m", ComputeTarget: "gpu", Precision: "FP32"}, Selection{ModelID: "m"}.WithDefaults())
	assert.Equal(t, Selection{ModelID: "m", ComputeTarget: "npu", Precision: "INT8"},
		Selection{ModelID: "m", ComputeTarget: "npu", Precision: "INT8"}.WithDefaults())
}
