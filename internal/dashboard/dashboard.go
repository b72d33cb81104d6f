package dashboard

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/energentctl/internal/api"
	"codeberg.org/mutker/energentctl/internal/errors"
	"codeberg.org/mutker/energentctl/internal/logger"
	"codeberg.org/mutker/energentctl/internal/predict"
	"codeberg.org/mutker/energentctl/internal/run"
	"codeberg.org/mutker/energentctl/internal/stream"
	"codeberg.org/mutker/energentctl/internal/telemetry"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Backend is the backend API a view talks to. *api.Client implements it.
type Backend interface {
	predict.Predictor
	run.Backend
	Models(ctx context.Context) ([]api.Model, error)
	Hardware(ctx context.Context) (*api.Hardware, error)
	CarbonIntensity(ctx context.Context) (*api.CarbonIntensity, error)
}

// Recorder is notified once for every run that reaches COMPLETE.
type Recorder interface {
	RecordRun(ctx context.Context, task string, state run.State) error
}

type Config struct {
	StreamURL      string
	Dialer         stream.Dialer
	ReconnectDelay time.Duration
	ConnectDelay   time.Duration

	WindowSize int
	Location   *time.Location

	PollInterval time.Duration
	NumSamples   int
	BatchSize    int

	Task      string
	Selection api.Selection

	Recorder Recorder
}

// Catalog is the static backend data fetched once per mount.
type Catalog struct {
	Models    []api.Model
	Hardware  *api.Hardware
	Carbon    *api.CarbonIntensity
	ModelsErr string
}

// ModelsForTask returns the catalog models serving task, in catalog order.
func (c Catalog) ModelsForTask(task string) []api.Model {
	var models []api.Model
	for _, m := range c.Models {
		if m.Task == task {
			models = append(models, m)
		}
	}
	return models
}

// Snapshot is a read-only view of everything the dashboard shows.
type Snapshot struct {
	InstanceID string
	Mounted    bool
	Connection stream.State
	Latest     *telemetry.Sample
	Series     telemetry.Series
	Task       string
	Selection  api.Selection
	Prediction predict.State
	Run        run.State
	Catalog    Catalog
}

// Dashboard is one mounted view: a telemetry socket feeding a rolling
// window, a prediction coordinator and a run controller, all torn down by a
// single Unmount.
type Dashboard struct {
	id      string
	cfg     Config
	backend Backend
	window  *telemetry.Window
	stream  *stream.Manager

	mu        sync.RWMutex
	mounted   bool
	unmounted bool
	cancel    context.CancelFunc
	ctx       context.Context
	predictor *predict.Coordinator
	runs      *run.Controller
	task      string
	selection api.Selection
	catalog   Catalog

	phaseMu   sync.Mutex
	lastPhase run.Phase

	wg sync.WaitGroup
}

func New(backend Backend, cfg Config) (*Dashboard, error) {
	errFactory := errors.New()

	if backend == nil {
		return nil, errFactory.WithData(errors.ErrInvalidConfig, "backend is required")
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = telemetry.DefaultCapacity
	}
	if cfg.Task == "" {
		cfg.Task = api.TaskNLP
	}

	var windowOpts []telemetry.WindowOption
	if cfg.Location != nil {
		windowOpts = append(windowOpts, telemetry.WithLocation(cfg.Location))
	}
	window, err := telemetry.NewWindow(cfg.WindowSize, windowOpts...)
	if err != nil {
		return nil, err
	}

	manager, err := stream.NewManager(stream.Config{
		URL:            cfg.StreamURL,
		ReconnectDelay: cfg.ReconnectDelay,
		ConnectDelay:   cfg.ConnectDelay,
		Dialer:         cfg.Dialer,
		Sink:           window.Push,
	})
	if err != nil {
		return nil, err
	}

	return &Dashboard{
		id:        uuid.NewString(),
		cfg:       cfg,
		backend:   backend,
		window:    window,
		stream:    manager,
		task:      cfg.Task,
		selection: cfg.Selection.WithDefaults(),
		lastPhase: run.PhaseIdle,
	}, nil
}

// ID identifies this view instance in logs.
func (d *Dashboard) ID() string {
	return d.id
}

// Mount starts the telemetry socket, loads the catalog and issues the first
// prediction. It returns once the catalog fetch has finished; catalog
// failures are recorded, not returned. A dashboard can be mounted once.
func (d *Dashboard) Mount(ctx context.Context) error {
	d.mu.Lock()
	if d.mounted {
		d.mu.Unlock()
		return errors.New().New(errors.ErrAlreadyRunning)
	}
	d.mounted = true

	ctx, cancel := context.WithCancel(ctx)
	d.ctx = ctx
	d.cancel = cancel
	d.predictor = predict.New(ctx, d.backend)
	d.runs = run.New(ctx, d.backend, run.Config{
		PollInterval: d.cfg.PollInterval,
		NumSamples:   d.cfg.NumSamples,
		BatchSize:    d.cfg.BatchSize,
		Observer:     d.observeRun,
	})
	d.mu.Unlock()

	logger.Info().
		Str("instance_id", d.id).
		Str("stream_url", d.cfg.StreamURL).
		Msg("Mounting dashboard")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.stream.Run(ctx); err != nil {
			logger.Error().Err(err).Str("instance_id", d.id).Msg("Telemetry stream stopped")
		}
	}()

	d.loadCatalog(ctx)

	d.mu.Lock()
	d.selection = d.autoSelect(d.selection)
	sel := d.selection
	d.mu.Unlock()

	d.predictor.Select(sel)
	return nil
}

// Unmount cancels the socket, the poller and any prediction request, then
// waits for them to stop. Later results are ignored.
func (d *Dashboard) Unmount() {
	d.mu.Lock()
	if !d.mounted || d.unmounted {
		d.unmounted = true
		d.mu.Unlock()
		return
	}
	d.unmounted = true
	cancel, predictor, runs := d.cancel, d.predictor, d.runs
	d.mu.Unlock()

	cancel()
	predictor.Close()
	runs.Close()
	d.wg.Wait()

	logger.Info().Str("instance_id", d.id).Msg("Dashboard unmounted")
}

func (d *Dashboard) loadCatalog(ctx context.Context) {
	var (
		catalog Catalog
		g       errgroup.Group
	)

	g.Go(func() error {
		models, err := d.backend.Models(ctx)
		if err != nil {
			catalog.ModelsErr = err.Error()
			return err
		}
		catalog.Models = models
		return nil
	})
	g.Go(func() error {
		hw, err := d.backend.Hardware(ctx)
		if err != nil {
			return err
		}
		catalog.Hardware = hw
		return nil
	})
	g.Go(func() error {
		carbon, err := d.backend.CarbonIntensity(ctx)
		if err != nil {
			return err
		}
		catalog.Carbon = carbon
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Warn().Err(err).Str("instance_id", d.id).Msg("Failed to load catalog")
	}

	d.mu.Lock()
	d.catalog = catalog
	d.mu.Unlock()

	logger.Debug().
		Int("models", len(catalog.Models)).
		Bool("hardware", catalog.Hardware != nil).
		Bool("carbon", catalog.Carbon != nil).
		Msg("Catalog loaded")
}

// autoSelect picks the first model of the current task unless the selected
// model already serves it. Must be called with d.mu held.
func (d *Dashboard) autoSelect(sel api.Selection) api.Selection {
	models := d.catalog.ModelsForTask(d.task)
	if len(models) == 0 {
		return sel
	}
	for _, m := range models {
		if m.ModelID == sel.ModelID {
			return sel
		}
	}
	sel.ModelID = models[0].ModelID
	return sel
}

// SetTask switches the task and selects its first model.
func (d *Dashboard) SetTask(task string) {
	d.setSelection(func(sel api.Selection) api.Selection {
		d.task = task
		if models := d.catalog.ModelsForTask(task); len(models) > 0 {
			sel.ModelID = models[0].ModelID
		}
		return sel
	})
}

func (d *Dashboard) SetModel(modelID string) {
	d.setSelection(func(sel api.Selection) api.Selection {
		sel.ModelID = modelID
		return sel
	})
}

func (d *Dashboard) SetComputeTarget(target string) {
	d.setSelection(func(sel api.Selection) api.Selection {
		sel.ComputeTarget = target
		return sel
	})
}

func (d *Dashboard) SetPrecision(precision string) {
	d.setSelection(func(sel api.Selection) api.Selection {
		sel.Precision = precision
		return sel
	})
}

// ApplyAlternative switches the selection to a predicted alternative.
func (d *Dashboard) ApplyAlternative(alt api.Alternative) {
	d.setSelection(func(api.Selection) api.Selection {
		return alt.Selection()
	})
}

func (d *Dashboard) setSelection(fn func(api.Selection) api.Selection) {
	d.mu.Lock()
	d.selection = fn(d.selection).WithDefaults()
	sel := d.selection
	predictor := d.predictor
	d.mu.Unlock()

	if predictor != nil {
		predictor.Select(sel)
	}
}

// Run submits a run for the current selection.
func (d *Dashboard) Run() error {
	runs, req, err := d.request()
	if err != nil {
		return err
	}
	return runs.Submit(req)
}

// ApplyBest re-runs with the top suggestion applied and moves the view's
// selection to the derived tuple.
func (d *Dashboard) ApplyBest() (api.Selection, error) {
	runs, req, err := d.request()
	if err != nil {
		return api.Selection{}, err
	}

	sel, err := runs.ApplyBest(req)
	if err != nil {
		return sel, err
	}
	d.setSelection(func(api.Selection) api.Selection { return sel })
	return sel, nil
}

// Reset returns the run workflow to IDLE.
func (d *Dashboard) Reset() error {
	runs, _, err := d.request()
	if err != nil {
		return err
	}
	runs.Reset()
	return nil
}

func (d *Dashboard) request() (*run.Controller, run.Request, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.mounted || d.unmounted {
		return nil, run.Request{}, errors.New().New(errors.ErrNotMounted)
	}
	return d.runs, run.Request{Selection: d.selection, Task: d.task}, nil
}

// observeRun runs under the run controller's lock for every new run state.
func (d *Dashboard) observeRun(s run.State) {
	d.phaseMu.Lock()
	completed := s.Phase == run.PhaseComplete && d.lastPhase != run.PhaseComplete
	d.lastPhase = s.Phase
	d.phaseMu.Unlock()

	if !completed || d.cfg.Recorder == nil {
		return
	}

	d.mu.RLock()
	task, ctx := d.task, d.ctx
	d.mu.RUnlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.cfg.Recorder.RecordRun(context.WithoutCancel(ctx), task, s); err != nil {
			logger.Warn().Err(err).Str("run_id", s.RunID).Msg("Failed to record run")
		}
	}()
}

// Snapshot returns the current projection of the view.
func (d *Dashboard) Snapshot() Snapshot {
	d.mu.RLock()
	snap := Snapshot{
		InstanceID: d.id,
		Mounted:    d.mounted && !d.unmounted,
		Task:       d.task,
		Selection:  d.selection,
		Catalog:    d.catalog,
	}
	predictor, runs := d.predictor, d.runs
	d.mu.RUnlock()

	snap.Connection = d.stream.State()
	if latest, ok := d.stream.Latest(); ok {
		snap.Latest = &latest
	}
	snap.Series = d.window.Series()
	if predictor != nil {
		snap.Prediction = predictor.State()
	}
	if runs != nil {
		snap.Run = runs.State()
	} else {
		snap.Run = run.State{Phase: run.PhaseIdle}
	}
	return snap
}
