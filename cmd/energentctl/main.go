package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/energentctl/internal/api"
	"codeberg.org/mutker/energentctl/internal/config"
	"codeberg.org/mutker/energentctl/internal/dashboard"
	"codeberg.org/mutker/energentctl/internal/journal"
	"codeberg.org/mutker/energentctl/internal/logger"
	"codeberg.org/mutker/energentctl/internal/run"
	"codeberg.org/mutker/energentctl/internal/stream"
)

const recentJournalEntries = 5

// workflow tracks what the CLI has already done for --run, --apply-best and
// --export.
type workflow struct {
	submitted bool
	applied   bool
	exported  bool
	finished  bool
}

var (
	cfg       *config.Config
	client    *api.Client
	collector journal.Collector
	view      *dashboard.Dashboard
)

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel.String(), logger.IsService())
	logger.Debug().Msg("Config loaded")

	client, err = api.NewClient(api.Config{
		BaseURL:   cfg.BaseURL,
		StreamURL: cfg.StreamURL,
		Timeout:   cfg.RequestTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize API client")
	}

	journalCfg := journal.DefaultConfig()
	journalCfg.Enabled = cfg.Journal
	journalCfg.DBPath = cfg.JournalDB
	collector, err = journal.NewService(journalCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize run journal")
	}

	dashCfg := dashboard.Config{
		StreamURL:      client.StreamURL(),
		Dialer:         stream.WebsocketDialer{},
		ReconnectDelay: cfg.ReconnectDelay,
		ConnectDelay:   cfg.ConnectDelay,
		WindowSize:     cfg.WindowSize,
		PollInterval:   cfg.PollInterval,
		NumSamples:     cfg.NumSamples,
		BatchSize:      cfg.BatchSize,
		Task:           cfg.Task,
		Selection:      cfg.Selection(),
	}
	if collector.Enabled() {
		dashCfg.Recorder = collector
	}
	view, err = dashboard.New(client, dashCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize dashboard")
	}
}

func main() {
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	logRecentRuns(ctx)

	if err := view.Mount(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to mount dashboard")
		return
	}

	if err := loop(ctx); err != nil {
		logger.Error().Err(err).Msg("error in main loop")
	}
}

func loop(ctx context.Context) error {
	statusTicker := time.NewTicker(cfg.StatusInterval)
	defer statusTicker.Stop()

	workTicker := time.NewTicker(cfg.PollInterval)
	defer workTicker.Stop()

	logger.Info().
		Str("instance_id", view.ID()).
		Str("base_url", client.BaseURL()).
		Str("stream_url", client.StreamURL()).
		Msg("Dashboard mounted. Logging power telemetry...")

	var wf workflow
	if err := advance(ctx, &wf, view.Snapshot()); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-workTicker.C:
			if err := advance(ctx, &wf, view.Snapshot()); err != nil {
				return err
			}
		case <-statusTicker.C:
			logSnapshot(view.Snapshot())
		}
	}
}

// advance moves the --run/--apply-best/--export workflow forward based on
// the current run phase.
func advance(ctx context.Context, wf *workflow, snap dashboard.Snapshot) error {
	if !cfg.Run || wf.finished {
		return nil
	}

	if !wf.submitted {
		if err := view.Run(); err != nil {
			return err
		}
		wf.submitted = true
		logger.Info().
			Str("model", snap.Selection.ModelID).
			Str("compute_target", snap.Selection.ComputeTarget).
			Str("precision", snap.Selection.Precision).
			Msg("Run submitted")
		return nil
	}

	state := snap.Run
	switch state.Phase {
	case run.PhaseIdle:
		logger.Warn().Str("error", state.Err).Msg("Run did not complete")
		wf.finished = true
		return nil
	case run.PhaseComplete:
	default:
		return nil
	}

	logRun(state)

	if cfg.ApplyBest && !wf.applied {
		wf.applied = true
		if len(state.Suggestions) == 0 {
			logger.Info().Msg("No suggestions to apply")
		} else {
			sel, err := view.ApplyBest()
			if err != nil {
				return err
			}
			logger.Info().
				Str("suggestion", state.Suggestions[0].Title).
				Str("compute_target", sel.ComputeTarget).
				Str("precision", sel.Precision).
				Msg("Applied best suggestion, re-running")
			return nil
		}
	}

	if cfg.Export != "" && !wf.exported {
		wf.exported = true
		if err := exportRun(ctx, state.Current.RunID); err != nil {
			logger.Error().Err(err).Str("run_id", state.Current.RunID).Msg("failed to export run")
		}
	}

	wf.finished = true
	return nil
}

func exportRun(ctx context.Context, runID string) error {
	data, err := client.ExportRun(ctx, runID, cfg.Export)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("energent_run_%s.%s", runID, cfg.Export)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}

	logger.Info().Str("run_id", runID).Str("path", path).Int("bytes", len(data)).Msg("Run exported")
	return nil
}

func logRecentRuns(ctx context.Context) {
	if !collector.Enabled() {
		return
	}

	entries, err := collector.Recent(ctx, recentJournalEntries)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read run journal")
		return
	}

	for _, e := range entries {
		ev := logger.Info().
			Str("run_id", e.RunID).
			Time("recorded_at", e.RecordedAt).
			Str("model", e.Model).
			Str("compute_target", e.ComputeTarget).
			Str("precision", e.Precision).
			Str("grade", e.Grade)
		if e.AvgWatts != nil {
			ev.Float64("avg_watts", *e.AvgWatts)
		}
		if e.BaselineRunID != "" {
			ev.Str("baseline_run_id", e.BaselineRunID)
		}
		ev.Msg("Journal")
	}
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func cleanup() {
	view.Unmount()
	if err := collector.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close run journal")
	}
	logger.Info().Msg("Exiting...")
}

func logSnapshot(snap dashboard.Snapshot) {
	if cfg.LogLevel == config.LogLevelDebug {
		ev := logger.Debug().
			Str("instance_id", snap.InstanceID).
			Str("connection", snap.Connection.String()).
			Int("samples", snap.Series.Len()).
			Str("task", snap.Task).
			Str("model", snap.Selection.ModelID).
			Str("compute_target", snap.Selection.ComputeTarget).
			Str("precision", snap.Selection.Precision).
			Bool("prediction_loading", snap.Prediction.Loading).
			Str("prediction_error", snap.Prediction.Err).
			Str("phase", string(snap.Run.Phase)).
			Str("run_id", snap.Run.RunID).
			Int("models", len(snap.Catalog.Models)).
			Str("models_error", snap.Catalog.ModelsErr)
		if snap.Catalog.Carbon != nil {
			ev.Float64("grid_intensity", snap.Catalog.Carbon.IntensityGPerKWh)
		}
		ev.Msg("")
		return
	}

	ev := logger.Info().
		Str("connection", snap.Connection.String()).
		Str("phase", string(snap.Run.Phase))
	if snap.Latest != nil {
		ev.Float64("total_watts", snap.Latest.TotalWatts).
			Float64("gpu_watts", snap.Latest.GPUWatts).
			Float64("cpu_watts", snap.Latest.CPUWatts)
		if snap.Latest.NPUWatts != nil {
			ev.Float64("npu_watts", *snap.Latest.NPUWatts)
		}
	}
	if p := snap.Prediction.Prediction; p != nil {
		ev.Float64("predicted_watts", p.PredictedWatts).
			Str("predicted_grade", p.PredictedGrade)
	}
	ev.Msg("")
}

func logRun(state run.State) {
	r := state.Current
	if r == nil {
		return
	}

	ev := logger.Info().
		Str("run_id", r.RunID).
		Str("model", r.Model).
		Str("compute_target", r.ComputeTarget).
		Str("precision", r.Precision).
		Str("grade", r.Grade).
		Int("suggestions", len(state.Suggestions))
	if r.AvgWatts != nil {
		ev.Float64("avg_watts", *r.AvgWatts)
	}
	if r.TotalEnergyWh != nil {
		ev.Float64("total_energy_wh", *r.TotalEnergyWh)
	}
	if r.CO2Grams != nil {
		ev.Float64("co2_g", *r.CO2Grams)
	}
	if b := state.Baseline; b != nil && b.AvgWatts != nil && r.AvgWatts != nil {
		ev.Str("baseline_run_id", b.RunID).
			Float64("watts_saved", *b.AvgWatts-*r.AvgWatts)
	}
	if state.Err != "" {
		ev.Str("error", state.Err)
	}
	ev.Msg("Run complete")
}
