package telemetry

import (
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/energentctl/internal/errors"
)

// DefaultCapacity is the number of samples kept for charting
const DefaultCapacity = 60

// Window is a fixed-capacity FIFO of the most recent samples, oldest first.
// It is safe for concurrent use; writes come from a single stream owner.
type Window struct {
	mu       sync.RWMutex
	capacity int
	samples  []Sample
	location *time.Location
}

// WindowOption configures a Window
type WindowOption func(*Window)

// WithLocation sets the time zone used to render labels
func WithLocation(loc *time.Location) WindowOption {
	return func(w *Window) {
		if loc != nil {
			w.location = loc
		}
	}
}

// NewWindow creates an empty window holding at most capacity samples
func NewWindow(capacity int, opts ...WindowOption) (*Window, error) {
	if capacity <= 0 {
		return nil, errors.New().WithData(ErrInvalidCapacity, capacity)
	}

	w := &Window{
		capacity: capacity,
		samples:  make([]Sample, 0, capacity),
		location: time.Local,
	}
	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Push appends a sample, evicting the oldest one when the window is full
func (w *Window) Push(s Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples = append(w.samples, s)
	if len(w.samples) > w.capacity {
		w.samples = w.samples[len(w.samples)-w.capacity:]
	}
}

// Len returns the number of buffered samples
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.samples)
}

// Capacity returns the maximum number of samples
func (w *Window) Capacity() int {
	return w.capacity
}

// Samples returns a copy of the window contents, oldest first
func (w *Window) Samples() []Sample {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Sample, len(w.samples))
	copy(out, w.samples)
	return out
}

// Latest returns the most recently pushed sample
func (w *Window) Latest() (Sample, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.samples) == 0 {
		return Sample{}, false
	}
	return w.samples[len(w.samples)-1], true
}

// Labels renders each sample timestamp as MM:SS
func (w *Window) Labels() []string {
	return w.Series().Labels
}

// GPU returns the GPU watts sequence
func (w *Window) GPU() []float64 {
	return w.Series().GPU
}

// CPU returns the CPU watts sequence
func (w *Window) CPU() []float64 {
	return w.Series().CPU
}

// NPU returns the NPU watts sequence; nil entries mean no NPU reading
func (w *Window) NPU() []*float64 {
	return w.Series().NPU
}

// Total returns the total watts sequence
func (w *Window) Total() []float64 {
	return w.Series().Total
}

// Series derives every chart sequence from the current window
func (w *Window) Series() Series {
	w.mu.RLock()
	defer w.mu.RUnlock()

	n := len(w.samples)
	series := Series{
		Labels: make([]string, 0, n),
		GPU:    make([]float64, 0, n),
		CPU:    make([]float64, 0, n),
		NPU:    make([]*float64, 0, n),
		Total:  make([]float64, 0, n),
	}

	for _, s := range w.samples {
		series.Labels = append(series.Labels, label(s, w.location))
		series.GPU = append(series.GPU, s.GPUWatts)
		series.CPU = append(series.CPU, s.CPUWatts)
		series.NPU = append(series.NPU, copyFloat(s.NPUWatts))
		series.Total = append(series.Total, s.TotalWatts)
	}

	return series
}

func label(s Sample, loc *time.Location) string {
	t := s.Time().In(loc)
	return fmt.Sprintf("%02d:%02d", t.Minute(), t.Second())
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
