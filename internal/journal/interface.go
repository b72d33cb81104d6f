package journal

import (
	"context"
	"time"

	"codeberg.org/mutker/energentctl/internal/run"
)

// Collector records finished runs
type Collector interface {
	Record(ctx context.Context, entry *Entry) error
	RecordRun(ctx context.Context, task string, state run.State) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
	Enabled() bool
}

// Repository stores journal entries
type Repository interface {
	Record(entry *Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Entry is one completed run as the view saw it.
type Entry struct {
	ID            string
	RunID         string
	RecordedAt    time.Time
	Model         string
	Task          string
	ComputeTarget string
	Precision     string
	AvgWatts      *float64
	TotalEnergyWh *float64
	CO2Grams      *float64
	DurationS     *float64
	Grade         string
	BaselineRunID string
	TopSuggestion string
}
