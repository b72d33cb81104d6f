package journal

import (
	"context"
	"time"

	"codeberg.org/mutker/energentctl/internal/errors"
	"codeberg.org/mutker/energentctl/internal/logger"
	"codeberg.org/mutker/energentctl/internal/run"
	"github.com/google/uuid"
)

type service struct {
	repo Repository
	cfg  Config
}

// No-op implementation
type noopCollector struct{}

func NewService(cfg Config) (Collector, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		logger.Debug().Msg("Run journal disabled, using no-op collector")
		return &noopCollector{}, nil
	}

	repo, err := NewRepository(cfg, logger.Default())
	if err != nil {
		logger.Debug().Err(err).Msg("Failed to create journal repository")
		return nil, err
	}

	logger.Debug().
		Str("db_path", cfg.DBPath).
		Int("batch_size", cfg.BatchSize).
		Dur("batch_timeout", cfg.BatchTimeout).
		Msg("Run journal initialized")

	return &service{
		repo: repo,
		cfg:  cfg,
	}, nil
}

// NewEntry builds a journal entry from a finished run. The selection is
// taken from the run record itself.
func NewEntry(task string, state run.State) (*Entry, error) {
	errFactory := errors.New()

	if state.Current == nil {
		return nil, errFactory.WithData(ErrInvalidEntry, "no current run")
	}
	current := state.Current

	entry := &Entry{
		ID:            uuid.NewString(),
		RunID:         current.RunID,
		RecordedAt:    time.Now().UTC(),
		Model:         current.Model,
		Task:          current.Task,
		ComputeTarget: current.ComputeTarget,
		Precision:     current.Precision,
		AvgWatts:      current.AvgWatts,
		TotalEnergyWh: current.TotalEnergyWh,
		CO2Grams:      current.CO2Grams,
		DurationS:     current.DurationS,
		Grade:         current.Grade,
	}
	if entry.RunID == "" {
		entry.RunID = state.RunID
	}
	if entry.Task == "" {
		entry.Task = task
	}
	if state.Baseline != nil {
		entry.BaselineRunID = state.Baseline.RunID
	}
	if len(state.Suggestions) > 0 {
		entry.TopSuggestion = state.Suggestions[0].Title
		if entry.TopSuggestion == "" {
			entry.TopSuggestion = state.Suggestions[0].SuggestedConfig
		}
	}
	return entry, nil
}

func (s *service) Record(ctx context.Context, entry *Entry) error {
	errFactory := errors.New()

	if entry == nil {
		return errFactory.New(ErrInvalidEntry)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.Record(entry); err != nil {
			return errFactory.Wrap(ErrRecordFailed, err)
		}
	}
	return nil
}

func (s *service) RecordRun(ctx context.Context, task string, state run.State) error {
	entry, err := NewEntry(task, state)
	if err != nil {
		return err
	}
	return s.Record(ctx, entry)
}

func (s *service) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return s.repo.Recent(ctx, limit)
}

func (s *service) Close() error {
	if err := s.repo.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}
	return nil
}

func (*service) Enabled() bool {
	return true
}

func (*noopCollector) Record(_ context.Context, _ *Entry) error {
	return nil
}

func (*noopCollector) RecordRun(_ context.Context, _ string, _ run.State) error {
	return nil
}

func (*noopCollector) Recent(_ context.Context, _ int) ([]Entry, error) {
	return nil, nil
}

func (*noopCollector) Close() error {
	return nil
}

func (*noopCollector) Enabled() bool {
	return false
}
