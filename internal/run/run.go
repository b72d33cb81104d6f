package run

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/energentctl/internal/api"
	"codeberg.org/mutker/energentctl/internal/errors"
	"codeberg.org/mutker/energentctl/internal/logger"
)

const (
	DefaultPollInterval = time.Second
	DefaultNumSamples   = 10
	DefaultBatchSize    = 1
)

// Backend is the part of the API the controller drives. *api.Client
// implements it.
type Backend interface {
	SubmitRun(ctx context.Context, req api.RunRequest) (*api.RunAccepted, error)
	GetRun(ctx context.Context, runID string) (*api.Run, error)
	Optimize(ctx context.Context, runID string) ([]api.Suggestion, error)
}

type Config struct {
	PollInterval time.Duration
	NumSamples   int
	BatchSize    int

	// Observer is called with every new State while the controller's lock
	// is held. It must not call back into the controller.
	Observer func(State)
}

// Request is what a run is submitted for.
type Request struct {
	Selection api.Selection
	Task      string
}

// Controller drives one run at a time through submit, status polling and
// suggestion fetching. Every run leg is a single worker goroutine bound to a
// cancellable context; starting a new leg, resetting or closing cancels it.
type Controller struct {
	ctx     context.Context
	backend Backend
	cfg     Config

	mu      sync.Mutex
	state   State
	gen     uint64
	cancel  context.CancelFunc
	closed  bool
	workers sync.WaitGroup
}

func New(ctx context.Context, backend Backend, cfg Config) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.NumSamples <= 0 {
		cfg.NumSamples = DefaultNumSamples
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	return &Controller{
		ctx:     ctx,
		backend: backend,
		cfg:     cfg,
		state:   State{Phase: PhaseIdle},
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Submit starts a run for req. The submission itself happens in the
// background; failures return the controller to IDLE.
func (c *Controller) Submit(req Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkSubmit(req); err != nil {
		return err
	}
	c.begin(req)
	return nil
}

// ApplyBest captures the current run as the baseline, derives a new
// selection from the top suggestion and submits it. It returns the derived
// selection.
func (c *Controller) ApplyBest(req Request) (api.Selection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	errFactory := errors.New()

	if c.closed {
		return req.Selection, errFactory.New(ErrClosed)
	}
	if (c.state.Phase != PhaseComplete && c.state.Phase != PhaseOptimized) || c.state.Current == nil {
		return req.Selection, errFactory.WithData(ErrNothingToApply, string(c.state.Phase))
	}

	if len(c.state.Suggestions) > 0 {
		req.Selection = ApplySuggestion(req.Selection, c.state.Suggestions[0])
	}
	if err := c.checkSubmit(req); err != nil {
		return req.Selection, err
	}

	c.update(Transition(c.state, BestApplied{}))
	logger.Info().
		Str("baseline_run_id", c.state.Baseline.RunID).
		Str("compute_target", req.Selection.ComputeTarget).
		Str("precision", req.Selection.Precision).
		Msg("Applying best suggestion")

	c.begin(req)
	return req.Selection, nil
}

// Reset returns to IDLE and stops any polling.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.gen++
	c.abort()
	c.update(Transition(c.state, Reset{}))
}

// Close stops polling, aborts requests in flight and waits for the worker
// to exit. The state is frozen afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.gen++
	c.abort()
	c.mu.Unlock()

	c.workers.Wait()
}

func (c *Controller) checkSubmit(req Request) error {
	errFactory := errors.New()

	switch {
	case c.closed:
		return errFactory.New(ErrClosed)
	case req.Selection.ModelID == "":
		return errFactory.New(ErrNoModel)
	case c.state.Phase == PhaseRunning || c.state.Phase == PhaseAnalyzing:
		return errFactory.WithData(ErrRunInProgress, c.state.RunID)
	}
	return nil
}

// begin must be called with c.mu held.
func (c *Controller) begin(req Request) {
	c.gen++
	c.abort()

	ctx, cancel := context.WithCancel(c.ctx)
	c.cancel = cancel
	c.update(Transition(c.state, Submitted{}))

	sel := req.Selection.WithDefaults()
	body := api.RunRequest{
		Model:         sel.ModelID,
		Task:          req.Task,
		Precision:     sel.Precision,
		ComputeTarget: sel.ComputeTarget,
		BatchSize:     c.cfg.BatchSize,
		NumSamples:    c.cfg.NumSamples,
	}

	c.workers.Add(1)
	go c.work(ctx, c.gen, body)
}

func (c *Controller) work(ctx context.Context, gen uint64, body api.RunRequest) {
	defer c.workers.Done()

	accepted, err := c.backend.SubmitRun(ctx, body)
	if err != nil {
		if c.apply(ctx, gen, SubmitFailed{Err: err.Error()}) {
			logger.Warn().Err(err).Str("model", body.Model).Msg("Run submission failed")
		}
		return
	}
	if !c.apply(ctx, gen, SubmitAccepted{RunID: accepted.RunID}) {
		return
	}
	logger.Info().Str("run_id", accepted.RunID).Str("model", body.Model).Msg("Run submitted")

	c.poll(ctx, gen, accepted.RunID)
}

// poll checks the run status on every tick. The completion leg runs before
// the next tick is read, so ticks never overlap.
func (c *Controller) poll(ctx context.Context, gen uint64, runID string) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		record, err := c.backend.GetRun(ctx, runID)
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug().Err(err).Str("run_id", runID).Msg("Run status poll failed, retrying")
			}
			continue
		}
		if !c.apply(ctx, gen, Polled{Run: record}) {
			return
		}

		switch record.Status {
		case api.StatusComplete:
			c.analyze(ctx, gen, runID)
			return
		case api.StatusFailed:
			logger.Warn().Str("run_id", runID).Msg("Run failed")
			return
		}
	}
}

func (c *Controller) analyze(ctx context.Context, gen uint64, runID string) {
	suggestions, err := c.backend.Optimize(ctx, runID)
	if err != nil {
		if c.apply(ctx, gen, SuggestionsFailed{Err: err.Error()}) {
			logger.Warn().Err(err).Str("run_id", runID).Msg("Fetching suggestions failed")
		}
		return
	}
	if c.apply(ctx, gen, SuggestionsLoaded{Suggestions: suggestions}) {
		logger.Info().Str("run_id", runID).Int("suggestions", len(suggestions)).Msg("Run complete")
	}
}

// apply feeds ev into the state machine unless the worker that produced it
// has been superseded or cancelled.
func (c *Controller) apply(ctx context.Context, gen uint64, ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || gen != c.gen || ctx.Err() != nil {
		return false
	}
	c.update(Transition(c.state, ev))
	return true
}

func (c *Controller) abort() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) update(s State) {
	c.state = s
	if c.cfg.Observer != nil {
		c.cfg.Observer(s)
	}
}
