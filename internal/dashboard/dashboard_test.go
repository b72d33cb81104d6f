package dashboard_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/energentctl/internal/api"
	"codeberg.org/mutker/energentctl/internal/dashboard"
	"codeberg.org/mutker/energentctl/internal/errors"
	"codeberg.org/mutker/energentctl/internal/run"
	"codeberg.org/mutker/energentctl/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// backend is an in-memory Energent API. Runs report running on their first
// poll and complete on the second.
type backend struct {
	mu          sync.Mutex
	modelsFail  bool
	submits     []api.RunRequest
	predictions []string
	polls       map[string]int
}

func newBackend() *backend {
	return &backend{polls: make(map[string]int)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *backend) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/models", func(w http.ResponseWriter, _ *http.Request) {
		b.mu.Lock()
		fail := b.modelsFail
		b.mu.Unlock()
		if fail {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "catalog unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, []api.Model{
			{ModelID: "resnet-50", Task: api.TaskVision},
			{ModelID: "distilbert", Task: api.TaskNLP},
			{ModelID: "bert-base", Task: api.TaskNLP},
		})
	})
	mux.HandleFunc("GET /api/hardware", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, api.Hardware{CPUModel: "Ryzen AI 9", NPUAvailable: true})
	})
	mux.HandleFunc("GET /api/carbon/intensity", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, api.CarbonIntensity{IntensityGPerKWh: 820, Source: "cached"})
	})
	mux.HandleFunc("GET /api/predict", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		b.mu.Lock()
		b.predictions = append(b.predictions, q.Get("model_id")+"/"+q.Get("compute_target")+"/"+q.Get("precision"))
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, api.Prediction{PredictedWatts: 15, PredictedGrade: "B"})
	})
	mux.HandleFunc("POST /api/run", func(w http.ResponseWriter, r *http.Request) {
		var req api.RunRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.submits = append(b.submits, req)
		id := fmt.Sprintf("r%d", len(b.submits))
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, api.RunAccepted{RunID: id, Status: "started"})
	})
	mux.HandleFunc("GET /api/run/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		b.mu.Lock()
		b.polls[id]++
		n := b.polls[id]
		b.mu.Unlock()

		status := api.StatusRunning
		if n >= 2 {
			status = api.StatusComplete
		}
		avg := 12.3
		writeJSON(w, http.StatusOK, api.Run{RunID: id, Model: "distilbert", Task: api.TaskNLP, Status: status, AvgWatts: &avg, Grade: "A"})
	})
	mux.HandleFunc("GET /api/run/{id}/optimize", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, []api.Suggestion{
			{SuggestionID: "s1", Type: api.SuggestionPrecision, Title: "Use FP16", SuggestedConfig: "FP16 (~8.0W)"},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func (b *backend) predicted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.predictions...)
}

func (b *backend) requested(tuple string) bool {
	for _, p := range b.predicted() {
		if p == tuple {
			return true
		}
	}
	return false
}

func (b *backend) submitted() []api.RunRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]api.RunRequest(nil), b.submits...)
}

// scriptedConn replays samples and then blocks until closed.
type scriptedConn struct {
	msgs   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *scriptedConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-c.msgs:
		return msg, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type dialer struct {
	mu    sync.Mutex
	conns []*scriptedConn
	msgs  [][]byte
}

func (d *dialer) Dial(ctx context.Context, _ string) (stream.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &scriptedConn{msgs: make(chan []byte, len(d.msgs)+1), closed: make(chan struct{})}
	for _, m := range d.msgs {
		c.msgs <- m
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

type recorder struct {
	mu     sync.Mutex
	states []run.State
}

func (r *recorder) RecordRun(_ context.Context, _ string, state run.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func mount(t *testing.T, b *backend, d *dialer, rec dashboard.Recorder) *dashboard.Dashboard {
	t.Helper()

	client, err := api.NewClient(api.Config{BaseURL: b.server(t).URL})
	require.NoError(t, err)

	cfg := dashboard.Config{
		StreamURL:    client.StreamURL(),
		Dialer:       d,
		ConnectDelay: time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Task:         api.TaskNLP,
		Location:     time.UTC,
	}
	if rec != nil {
		cfg.Recorder = rec
	}

	dash, err := dashboard.New(client, cfg)
	require.NoError(t, err)
	require.NoError(t, dash.Mount(context.Background()))
	t.Cleanup(dash.Unmount)
	return dash
}

func TestMountLoadsCatalogAndSelectsFirstModel(t *testing.T) {
	b := newBackend()
	dash := mount(t, b, &dialer{}, nil)

	snap := dash.Snapshot()
	assert.Len(t, snap.Catalog.Models, 3)
	require.NotNil(t, snap.Catalog.Hardware)
	assert.True(t, snap.Catalog.Hardware.NPUAvailable)
	require.NotNil(t, snap.Catalog.Carbon)
	assert.Empty(t, snap.Catalog.ModelsErr)
	assert.Equal(t, api.Selection{ModelID: "distilbert", ComputeTarget: "gpu", Precision: "FP32"}, snap.Selection)
	assert.NotEmpty(t, snap.InstanceID)
	assert.True(t, snap.Mounted)

	require.Eventually(t, func() bool { return dash.Snapshot().Prediction.Prediction != nil }, waitFor, tick)
	assert.Equal(t, []string{"distilbert/gpu/FP32"}, b.predicted())
}

func TestModelsErrorIsRecorded(t *testing.T) {
	b := newBackend()
	b.modelsFail = true
	dash := mount(t, b, &dialer{}, nil)

	snap := dash.Snapshot()
	assert.Equal(t, "HTTP 500: catalog unavailable", snap.Catalog.ModelsErr)
	assert.NotNil(t, snap.Catalog.Hardware)
	assert.Empty(t, snap.Selection.ModelID)
	assert.Nil(t, snap.Prediction.Prediction)
	assert.False(t, snap.Prediction.Loading)
}

func TestSelectionChangesRequestPredictions(t *testing.T) {
	b := newBackend()
	dash := mount(t, b, &dialer{}, nil)
	require.Eventually(t, func() bool { return len(b.predicted()) == 1 }, waitFor, tick)

	dash.SetTask(api.TaskVision)
	require.Eventually(t, func() bool { return len(b.predicted()) == 2 }, waitFor, tick)
	assert.Equal(t, "resnet-50", dash.Snapshot().Selection.ModelID)

	dash.SetComputeTarget(api.ComputeNPU)
	dash.SetPrecision(api.PrecisionINT8)
	require.Eventually(t, func() bool { return b.requested("resnet-50/npu/INT8") }, waitFor, tick)

	dash.ApplyAlternative(api.Alternative{ModelID: "distilbert", ComputeTarget: "cpu", Precision: "FP16"})
	assert.Equal(t, api.Selection{ModelID: "distilbert", ComputeTarget: "cpu", Precision: "FP16"}, dash.Snapshot().Selection)
	require.Eventually(t, func() bool { return b.requested("distilbert/cpu/FP16") }, waitFor, tick)
}

func TestTelemetryFillsWindow(t *testing.T) {
	d := &dialer{msgs: [][]byte{
		[]byte(`{"timestamp": 1700000061, "gpu_watts": 10, "cpu_watts": 5, "npu_watts": null, "total_watts": 15}`),
		[]byte(`garbage`),
		[]byte(`{"timestamp": 1700000062, "gpu_watts": 11, "cpu_watts": 6, "npu_watts": 4.2, "total_watts": 21.2}`),
	}}
	dash := mount(t, newBackend(), d, nil)

	require.Eventually(t, func() bool { return dash.Snapshot().Series.Len() == 2 }, waitFor, tick)

	snap := dash.Snapshot()
	assert.Equal(t, stream.Connected, snap.Connection)
	assert.Equal(t, []string{"14:21", "14:22"}, snap.Series.Labels)
	assert.Equal(t, []float64{10, 11}, snap.Series.GPU)
	assert.Nil(t, snap.Series.NPU[0])
	require.NotNil(t, snap.Series.NPU[1])
	assert.Equal(t, 4.2, *snap.Series.NPU[1])
	require.NotNil(t, snap.Latest)
	assert.Equal(t, 21.2, snap.Latest.TotalWatts)
}

func TestRunApplyBestAndRecord(t *testing.T) {
	b := newBackend()
	rec := &recorder{}
	dash := mount(t, b, &dialer{}, rec)

	require.NoError(t, dash.Run())
	require.Eventually(t, func() bool { return dash.Snapshot().Run.Phase == run.PhaseComplete }, waitFor, tick)
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)

	snap := dash.Snapshot()
	assert.Equal(t, "r1", snap.Run.RunID)
	require.Len(t, snap.Run.Suggestions, 1)

	sel, err := dash.ApplyBest()
	require.NoError(t, err)
	assert.Equal(t, api.Selection{ModelID: "distilbert", ComputeTarget: "gpu", Precision: "FP16"}, sel)
	assert.Equal(t, sel, dash.Snapshot().Selection)

	require.Eventually(t, func() bool {
		s := dash.Snapshot().Run
		return s.Phase == run.PhaseComplete && s.RunID == "r2"
	}, waitFor, tick)
	require.Eventually(t, func() bool { return rec.count() == 2 }, waitFor, tick)

	snap = dash.Snapshot()
	require.NotNil(t, snap.Run.Baseline)
	assert.Equal(t, "r1", snap.Run.Baseline.RunID)

	submits := b.submitted()
	require.Len(t, submits, 2)
	assert.Equal(t, api.RunRequest{
		Model: "distilbert", Task: "NLP", Precision: "FP32", ComputeTarget: "gpu", BatchSize: 1, NumSamples: 10,
	}, submits[0])
	assert.Equal(t, "FP16", submits[1].Precision)

	require.NoError(t, dash.Reset())
	assert.Equal(t, run.State{Phase: run.PhaseIdle}, dash.Snapshot().Run)
	assert.Equal(t, 2, rec.count())
}

func TestUnmountTearsDownEverything(t *testing.T) {
	d := &dialer{}
	dash := mount(t, newBackend(), d, nil)
	require.Eventually(t, func() bool { return dash.Snapshot().Connection == stream.Connected }, waitFor, tick)

	dash.Unmount()
	dash.Unmount()

	d.mu.Lock()
	conns := append([]*scriptedConn(nil), d.conns...)
	d.mu.Unlock()
	require.Len(t, conns, 1)
	select {
	case <-conns[0].closed:
	default:
		t.Fatal("socket left open after unmount")
	}

	err := dash.Run()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrNotMounted))
	assert.False(t, dash.Snapshot().Mounted)
}

func TestMountIsSingleUse(t *testing.T) {
	dash := mount(t, newBackend(), &dialer{}, nil)

	err := dash.Mount(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrAlreadyRunning))
}

func TestActionsRequireMount(t *testing.T) {
	client, err := api.NewClient(api.Config{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	dash, err := dashboard.New(client, dashboard.Config{StreamURL: client.StreamURL(), Dialer: &dialer{}})
	require.NoError(t, err)

	assert.True(t, errors.HasCode(dash.Run(), errors.ErrNotMounted))
	_, err = dash.ApplyBest()
	assert.True(t, errors.HasCode(err, errors.ErrNotMounted))

	snap := dash.Snapshot()
	assert.Equal(t, run.PhaseIdle, snap.Run.Phase)
	assert.Equal(t, 0, snap.Series.Len())
	assert.NotNil(t, snap.Series.Labels)
	dash.Unmount()
}
