package api

import "codeberg.org/mutker/energentctl/internal/telemetry"

// Defaults applied to an unset selection
const (
	DefaultComputeTarget = "gpu"
	DefaultPrecision     = "FP32"
)

// Compute targets
const (
	ComputeGPU = "gpu"
	ComputeCPU = "cpu"
	ComputeNPU = "npu"
)

// Precisions
const (
	PrecisionFP32 = "FP32"
	PrecisionFP16 = "FP16"
	PrecisionINT8 = "INT8"
)

// Tasks
const (
	TaskNLP    = "NLP"
	TaskVision = "Vision"
	TaskLLM    = "LLM"
)

// Run statuses reported by the backend
const (
	StatusQueued   = "queued"
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Suggestion types
const (
	SuggestionModelSwap    = "model_swap"
	SuggestionPrecision    = "precision"
	SuggestionComputeRoute = "compute_route"
	SuggestionBatchSize    = "batch_size"
)

// Selection is the (model, compute target, precision) tuple a prediction
// or run is made for. Compared by value.
type Selection struct {
	ModelID       string
	ComputeTarget string
	Precision     string
}

// WithDefaults fills an unset compute target and precision
func (s Selection) WithDefaults() Selection {
	if s.ComputeTarget == "" {
		s.ComputeTarget = DefaultComputeTarget
	}
	if s.Precision == "" {
		s.Precision = DefaultPrecision
	}
	return s
}

// Model is one entry of the backend model catalog.
type Model struct {
	ModelID            string  `json:"model_id"`
	DisplayName        string  `json:"display_name"`
	Task               string  `json:"task"`
	ParamsMillions     float64 `json:"params_millions"`
	FlopsRelative      float64 `json:"flops_relative"`
	TypicalTDPFraction float64 `json:"typical_tdp_fraction"`
	AccuracyVsBert     float64 `json:"accuracy_vs_bert"`
	SupportsINT8       bool    `json:"supports_int8"`
	NPUCompatible      bool    `json:"npu_compatible"`
	DownloadSizeMB     float64 `json:"download_size_mb"`
}

// Hardware describes the host the backend measures.
type Hardware struct {
	GPUModel         *string  `json:"gpu_model"`
	GPUTDPWatts      *float64 `json:"gpu_tdp_w"`
	GPUVRAMGB        *float64 `json:"gpu_vram_gb"`
	NPUAvailable     bool     `json:"npu_available"`
	NPUModel         *string  `json:"npu_model"`
	CPUModel         string   `json:"cpu_model"`
	CPUTDPWatts      float64  `json:"cpu_tdp_w"`
	ROCmVersion      *string  `json:"rocm_version"`
	ROCmSMIAvailable bool     `json:"rocm_smi_available"`
	RAPLAvailable    bool     `json:"rapl_available"`
	Platform         string   `json:"platform,omitempty"`
}

// CarbonIntensity is the grid carbon intensity used for CO2 estimates.
type CarbonIntensity struct {
	IntensityGPerKWh float64 `json:"intensity_g_kwh"`
	Source           string  `json:"source"`
	Zone             string  `json:"zone,omitempty"`
	FetchedAt        int64   `json:"fetched_at,omitempty"`
}

// Alternative is a predicted better configuration.
type Alternative struct {
	ModelID        string  `json:"model_id"`
	DisplayName    string  `json:"display_name"`
	PredictedWatts float64 `json:"predicted_watts"`
	SavingPct      float64 `json:"saving_pct"`
	AccuracyDelta  float64 `json:"accuracy_delta"`
	ComputeTarget  string  `json:"compute_target"`
	Precision      string  `json:"precision"`
	CO2SavedPer1k  float64 `json:"co2_saved_per_1k"`
	Confidence     string  `json:"confidence"`
}

// Selection returns the tuple this alternative would run with
func (a Alternative) Selection() Selection {
	return Selection{
		ModelID:       a.ModelID,
		ComputeTarget: a.ComputeTarget,
		Precision:     a.Precision,
	}
}

// Prediction is the pre-run estimate for one selection.
type Prediction struct {
	PredictedWatts    float64            `json:"predicted_watts"`
	PredictedCO2Per1k float64            `json:"predicted_co2_per_1k"`
	PredictedGrade    string             `json:"predicted_grade"`
	Confidence        string             `json:"confidence"`
	Alternatives      []Alternative      `json:"alternatives"`
	BestAlternative   *Alternative       `json:"best_alternative"`
	CarbonContext     map[string]float64 `json:"carbon_context,omitempty"`
}

// RunRequest is the body of a run submission.
type RunRequest struct {
	Model         string `json:"model"`
	Task          string `json:"task"`
	Precision     string `json:"precision"`
	ComputeTarget string `json:"compute_target"`
	BatchSize     int    `json:"batch_size"`
	NumSamples    int    `json:"num_samples"`
}

// RunAccepted is the response to a run submission.
type RunAccepted struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// Run is the backend record of one workload run.
type Run struct {
	RunID         string             `json:"run_id"`
	Model         string             `json:"model"`
	Task          string             `json:"task"`
	Precision     string             `json:"precision"`
	ComputeTarget string             `json:"compute_target"`
	BatchSize     int                `json:"batch_size"`
	NumSamples    int                `json:"num_samples"`
	Status        string             `json:"status"`
	StartedAt     int64              `json:"started_at"`
	CompletedAt   *int64             `json:"completed_at"`
	DurationS     *float64           `json:"duration_s"`
	AvgWatts      *float64           `json:"avg_watts"`
	TotalEnergyWh *float64           `json:"total_energy_wh"`
	CO2Grams      *float64           `json:"co2_g"`
	Grade         string             `json:"grade"`
	GridIntensity float64            `json:"grid_intensity"`
	PowerReadings []telemetry.Sample `json:"power_readings,omitempty"`
}

// IsTerminal reports whether the run has finished, successfully or not
func (r Run) IsTerminal() bool {
	return r.Status == StatusComplete || r.Status == StatusFailed
}

// Selection returns the tuple the run was submitted with
func (r Run) Selection() Selection {
	return Selection{
		ModelID:       r.Model,
		ComputeTarget: r.ComputeTarget,
		Precision:     r.Precision,
	}
}

// Suggestion is one ranked optimization recommendation for a finished run.
type Suggestion struct {
	SuggestionID        string   `json:"suggestion_id"`
	Type                string   `json:"type"`
	Title               string   `json:"title"`
	CurrentConfig       string   `json:"current_config"`
	SuggestedConfig     string   `json:"suggested_config"`
	EnergySavingPct     float64  `json:"energy_saving_pct"`
	CO2SavedPer1kCalls  float64  `json:"co2_saved_per_1k_calls"`
	AccuracyDeltaPct    float64  `json:"accuracy_delta_pct"`
	Priority            string   `json:"priority"`
	ImplementationSteps []string `json:"implementation_steps"`
	Source              string   `json:"source,omitempty"`
}

// ValidationResult compares a prediction with a measured run.
type ValidationResult struct {
	Model          string  `json:"model"`
	Compute        string  `json:"compute"`
	Precision      string  `json:"precision"`
	PredictedWatts float64 `json:"predicted_watts"`
	ActualWatts    float64 `json:"actual_watts"`
	ErrorPct       float64 `json:"error_pct"`
	Status         string  `json:"status"`
}

// Validation is the predictor accuracy report.
type Validation struct {
	GeneratedAt *string            `json:"generated_at"`
	AvgErrorPct *float64           `json:"avg_error_pct"`
	Results     []ValidationResult `json:"results"`
	Message     string             `json:"message,omitempty"`
}

// Health is the backend health summary.
type Health struct {
	Status              string  `json:"status"`
	App                 string  `json:"app"`
	ROCmSMI             bool    `json:"rocm_smi"`
	RAPL                bool    `json:"rapl"`
	NPU                 bool    `json:"npu"`
	CarbonIntensityGKWh float64 `json:"carbon_intensity_g_kwh"`
	CarbonSource        string  `json:"carbon_source"`
	ActiveStreamClients int     `json:"active_ws_clients"`
}
