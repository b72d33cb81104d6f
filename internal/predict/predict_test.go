package predict_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/energentctl/internal/api"
	"codeberg.org/mutker/energentctl/internal/predict"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type result struct {
	pred *api.Prediction
	err  error
}

type call struct {
	ctx  context.Context
	sel  api.Selection
	resp chan result
}

// fakePredictor hands every request to the test, which answers it through
// the call's resp channel.
type fakePredictor struct {
	calls chan *call

	// ignoreCancel keeps a request waiting for its answer after its
	// context is cancelled, as a slow network would.
	ignoreCancel bool
}

func newFakePredictor() *fakePredictor {
	return &fakePredictor{calls: make(chan *call, 16)}
}

func (p *fakePredictor) Predict(ctx context.Context, sel api.Selection) (*api.Prediction, error) {
	c := &call{ctx: ctx, sel: sel, resp: make(chan result, 1)}
	p.calls <- c

	if p.ignoreCancel {
		r := <-c.resp
		return r.pred, r.err
	}
	select {
	case r := <-c.resp:
		return r.pred, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *fakePredictor) next(t *testing.T) *call {
	t.Helper()
	select {
	case c := <-p.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no prediction request issued")
		return nil
	}
}

func (p *fakePredictor) assertNoCall(t *testing.T) {
	t.Helper()
	select {
	case c := <-p.calls:
		t.Fatalf("unexpected prediction request for %+v", c.sel)
	case <-time.After(30 * time.Millisecond):
	}
}

func selection(model string) api.Selection {
	return api.Selection{ModelID: model, ComputeTarget: api.ComputeGPU, Precision: api.PrecisionFP32}
}

func TestSelectAppliesDefaults(t *testing.T) {
	p := newFakePredictor()
	c := predict.New(context.Background(), p)
	defer c.Close()

	c.Select(api.Selection{ModelID: "bert-base"})

	call := p.next(t)
	assert.Equal(t, selection("bert-base"), call.sel)
	assert.True(t, c.State().Loading)

	pred := &api.Prediction{PredictedWatts: 21}
	call.resp <- result{pred: pred}

	require.Eventually(t, func() bool { return !c.State().Loading }, time.Second, 5*time.Millisecond)
	state := c.State()
	assert.Same(t, pred, state.Prediction)
	assert.Empty(t, state.Err)
}

func TestLastSelectionWins(t *testing.T) {
	p := newFakePredictor()
	p.ignoreCancel = true
	c := predict.New(context.Background(), p)

	c.Select(selection("a"))
	first := p.next(t)
	c.Select(selection("b"))
	second := p.next(t)

	assert.Error(t, first.ctx.Err(), "previous request should be aborted")

	predB := &api.Prediction{PredictedWatts: 2}
	second.resp <- result{pred: predB}
	require.Eventually(t, func() bool { return c.State().Prediction == predB }, time.Second, 5*time.Millisecond)

	first.resp <- result{pred: &api.Prediction{PredictedWatts: 1}}
	c.Close()

	state := c.State()
	assert.Same(t, predB, state.Prediction)
	assert.Equal(t, selection("b"), state.Selection)
	assert.False(t, state.Loading)
}

func TestCancellationIsNotAnError(t *testing.T) {
	p := newFakePredictor()
	c := predict.New(context.Background(), p)
	defer c.Close()

	c.Select(selection("a"))
	p.next(t)
	c.Select(selection("b"))
	p.next(t)

	time.Sleep(20 * time.Millisecond)
	state := c.State()
	assert.Empty(t, state.Err)
	assert.True(t, state.Loading)
}

func TestFailureKeepsPrediction(t *testing.T) {
	p := newFakePredictor()
	c := predict.New(context.Background(), p)
	defer c.Close()

	c.Select(selection("a"))
	pred := &api.Prediction{PredictedWatts: 5}
	p.next(t).resp <- result{pred: pred}
	require.Eventually(t, func() bool { return c.State().Prediction != nil }, time.Second, 5*time.Millisecond)

	c.Select(selection("b"))
	p.next(t).resp <- result{err: &api.StatusError{StatusCode: 500}}

	require.Eventually(t, func() bool { return c.State().Err != "" }, time.Second, 5*time.Millisecond)
	state := c.State()
	assert.Equal(t, "HTTP 500", state.Err)
	assert.False(t, state.Loading)
	assert.Same(t, pred, state.Prediction)
}

func TestEmptyModelClearsPrediction(t *testing.T) {
	p := newFakePredictor()
	c := predict.New(context.Background(), p)
	defer c.Close()

	c.Select(selection("a"))
	p.next(t).resp <- result{pred: &api.Prediction{PredictedWatts: 5}}
	require.Eventually(t, func() bool { return c.State().Prediction != nil }, time.Second, 5*time.Millisecond)

	c.Select(api.Selection{})

	p.assertNoCall(t)
	state := c.State()
	assert.Nil(t, state.Prediction)
	assert.False(t, state.Loading)
	assert.Empty(t, state.Err)
}

func TestUnchangedSelectionIssuesNoRequest(t *testing.T) {
	p := newFakePredictor()
	c := predict.New(context.Background(), p)
	defer c.Close()

	c.Select(selection("a"))
	p.next(t)
	c.Select(api.Selection{ModelID: "a"})

	p.assertNoCall(t)
}

func TestCloseAbortsInFlightRequest(t *testing.T) {
	p := newFakePredictor()
	c := predict.New(context.Background(), p)

	c.Select(selection("a"))
	call := p.next(t)
	c.Close()

	assert.Error(t, call.ctx.Err())
	assert.True(t, c.State().Loading)

	c.Select(selection("b"))
	p.assertNoCall(t)
}

func TestParentContextBoundsRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := newFakePredictor()
	c := predict.New(ctx, p)
	defer c.Close()

	c.Select(selection("a"))
	call := p.next(t)
	cancel()

	assert.Error(t, call.ctx.Err())
}

func TestObserverSeesEveryState(t *testing.T) {
	var mu sync.Mutex
	var seen []predict.State

	p := newFakePredictor()
	c := predict.New(context.Background(), p, predict.WithObserver(func(s predict.State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}))
	defer c.Close()

	c.Select(selection("a"))
	p.next(t).resp <- result{pred: &api.Prediction{PredictedGrade: "A"}}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, seen[0].Loading)
	assert.False(t, seen[1].Loading)
	assert.Equal(t, "A", seen[1].Prediction.PredictedGrade)
}
