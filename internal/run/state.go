package run

import (
	"strings"

	"codeberg.org/mutker/energentctl/internal/api"
)

// Phase is the step of the run workflow the view is in.
type Phase string

const (
	PhaseIdle      Phase = "IDLE"
	PhaseRunning   Phase = "RUNNING"
	PhaseAnalyzing Phase = "ANALYZING"
	PhaseOptimized Phase = "OPTIMIZED"
	PhaseComplete  Phase = "COMPLETE"
)

// State is the whole run workflow. It is only ever replaced through
// Transition.
type State struct {
	Phase       Phase
	RunID       string
	Current     *api.Run
	Baseline    *api.Run
	Suggestions []api.Suggestion
	Err         string
}

// Polling reports whether the run status should be polled.
func (s State) Polling() bool {
	return s.Phase == PhaseRunning && s.RunID != ""
}

// Event is an input to Transition.
type Event interface {
	event()
}

type (
	// Submitted starts a new run leg. The run id is not known yet.
	Submitted struct{}

	SubmitAccepted struct {
		RunID string
	}

	SubmitFailed struct {
		Err string
	}

	// Polled carries the latest run record.
	Polled struct {
		Run *api.Run
	}

	SuggestionsLoaded struct {
		Suggestions []api.Suggestion
	}

	SuggestionsFailed struct {
		Err string
	}

	// BestApplied captures the current run as the baseline ahead of an
	// optimized re-run.
	BestApplied struct{}

	Reset struct{}
)

func (Submitted) event()         {}
func (SubmitAccepted) event()    {}
func (SubmitFailed) event()      {}
func (Polled) event()            {}
func (SuggestionsLoaded) event() {}
func (SuggestionsFailed) event() {}
func (BestApplied) event()       {}
func (Reset) event()             {}

// Transition returns the state that follows s after ev. Events that do not
// apply to the current phase leave the state unchanged.
func Transition(s State, ev Event) State {
	switch ev := ev.(type) {
	case Submitted:
		return State{
			Phase:    PhaseRunning,
			Baseline: s.Baseline,
		}

	case SubmitAccepted:
		if s.Phase == PhaseRunning && s.RunID == "" && ev.RunID != "" {
			s.RunID = ev.RunID
		}

	case SubmitFailed:
		if s.Phase == PhaseRunning && s.RunID == "" {
			s.Phase = PhaseIdle
			s.Err = ev.Err
		}

	case Polled:
		if !s.Polling() || ev.Run == nil {
			return s
		}
		s.Current = ev.Run
		switch ev.Run.Status {
		case api.StatusComplete:
			s.Phase = PhaseAnalyzing
		case api.StatusFailed:
			s.Phase = PhaseIdle
			s.RunID = ""
		}

	case SuggestionsLoaded:
		if s.Phase == PhaseAnalyzing {
			s.Phase = PhaseComplete
			s.Suggestions = ev.Suggestions
			if s.Suggestions == nil {
				s.Suggestions = []api.Suggestion{}
			}
		}

	case SuggestionsFailed:
		if s.Phase == PhaseAnalyzing {
			s.Phase = PhaseComplete
			s.Suggestions = []api.Suggestion{}
			s.Err = ev.Err
		}

	case BestApplied:
		if (s.Phase == PhaseComplete || s.Phase == PhaseOptimized) && s.Current != nil {
			s.Phase = PhaseOptimized
			s.Baseline = s.Current
		}

	case Reset:
		return State{Phase: PhaseIdle}
	}

	return s
}

// ApplySuggestion derives the selection an optimized re-run uses. Precision
// suggestions carry the precision as the first word of their suggested
// config; compute route suggestions move the workload to the NPU. Other
// suggestion types leave the selection unchanged.
func ApplySuggestion(sel api.Selection, s api.Suggestion) api.Selection {
	switch s.Type {
	case api.SuggestionPrecision:
		if fields := strings.Fields(s.SuggestedConfig); len(fields) > 0 {
			sel.Precision = fields[0]
		}
	case api.SuggestionComputeRoute:
		sel.ComputeTarget = api.ComputeNPU
	}
	return sel
}
