package predict

import (
	"context"
	"sync"

	"codeberg.org/mutker/energentctl/internal/api"
	"codeberg.org/mutker/energentctl/internal/errors"
	"codeberg.org/mutker/energentctl/internal/logger"
)

// Predictor fetches a pre-run estimate. *api.Client implements it.
type Predictor interface {
	Predict(ctx context.Context, sel api.Selection) (*api.Prediction, error)
}

// State is the read-only projection of the coordinator.
type State struct {
	Selection  api.Selection
	Prediction *api.Prediction
	Loading    bool
	Err        string
}

type Option func(*Coordinator)

// WithObserver registers a callback invoked with every new State. It runs
// under the coordinator's lock and must not call back into it.
func WithObserver(fn func(State)) Option {
	return func(c *Coordinator) {
		c.observer = fn
	}
}

// Coordinator keeps at most one prediction request in flight and only ever
// applies the response to the most recent selection.
type Coordinator struct {
	ctx       context.Context
	predictor Predictor
	observer  func(State)

	mu       sync.Mutex
	state    State
	selected bool
	seq      uint64
	cancel   context.CancelFunc
	closed   bool
	inflight sync.WaitGroup
}

// New creates a coordinator whose requests are bound to ctx.
func New(ctx context.Context, p Predictor, opts ...Option) *Coordinator {
	c := &Coordinator{
		ctx:       ctx,
		predictor: p,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Select sets the current selection. A changed selection aborts the request
// in flight and issues a new one; an empty model clears the prediction.
func (c *Coordinator) Select(sel api.Selection) {
	sel = sel.WithDefaults()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || (c.selected && sel == c.state.Selection) {
		return
	}
	c.selected = true
	c.seq++
	c.abort()

	if sel.ModelID == "" {
		c.update(State{Selection: sel})
		return
	}

	reqCtx, cancel := context.WithCancel(c.ctx)
	c.cancel = cancel

	next := c.state
	next.Selection = sel
	next.Loading = true
	c.update(next)

	c.inflight.Add(1)
	go c.fetch(reqCtx, c.seq, sel)
}

// Close aborts the request in flight. Later selections and late responses
// are ignored.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.abort()
	c.mu.Unlock()

	c.inflight.Wait()
}

func (c *Coordinator) fetch(ctx context.Context, seq uint64, sel api.Selection) {
	defer c.inflight.Done()

	pred, err := c.predictor.Predict(ctx, sel)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || seq != c.seq {
		return
	}
	if err != nil && (errors.Is(err, context.Canceled) || ctx.Err() != nil) {
		return
	}
	c.abort()

	next := c.state
	next.Loading = false
	if err != nil {
		logger.Debug().
			Err(err).
			Str("model_id", sel.ModelID).
			Str("compute_target", sel.ComputeTarget).
			Str("precision", sel.Precision).
			Msg("Prediction failed")
		next.Err = err.Error()
	} else {
		next.Prediction = pred
		next.Err = ""
	}
	c.update(next)
}

func (c *Coordinator) abort() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Coordinator) update(s State) {
	c.state = s
	if c.observer != nil {
		c.observer(s)
	}
}
