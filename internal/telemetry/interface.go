package telemetry

import (
	"bytes"
	"encoding/json"
	"time"

	"codeberg.org/mutker/energentctl/internal/errors"
)

// Sample is one point-in-time power reading as streamed by the backend.
// NPUWatts is nil when the host has no NPU, which is distinct from 0 W.
type Sample struct {
	Timestamp      float64  `json:"timestamp"`
	GPUWatts       float64  `json:"gpu_watts"`
	CPUWatts       float64  `json:"cpu_watts"`
	NPUWatts       *float64 `json:"npu_watts"`
	TotalWatts     float64  `json:"total_watts"`
	CO2Cumulative  float64  `json:"co2_g_cumulative"`
	GPUUtilization float64  `json:"gpu_utilization_pct,omitempty"`
	CPUUtilization float64  `json:"cpu_utilization_pct,omitempty"`
	NPUUtilization *float64 `json:"npu_utilization_pct,omitempty"`
	Source         string   `json:"source,omitempty"`
}

// Time returns the sample timestamp as a time.Time
func (s Sample) Time() time.Time {
	sec := int64(s.Timestamp)
	nsec := int64((s.Timestamp - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// HasNPU reports whether the sample carries an NPU reading
func (s Sample) HasNPU() bool {
	return s.NPUWatts != nil
}

// ParseSample decodes one JSON-encoded sample. Payloads that are not a
// JSON object are rejected.
func ParseSample(data []byte) (Sample, error) {
	errFactory := errors.New()

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Sample{}, errFactory.WithData(ErrMalformedSample, "payload is not a JSON object")
	}

	var s Sample
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return Sample{}, errFactory.Wrap(ErrMalformedSample, err)
	}

	return s, nil
}

// Series holds the chart-ready sequences derived from a window
type Series struct {
	Labels []string
	GPU    []float64
	CPU    []float64
	NPU    []*float64
	Total  []float64
}

// Len returns the number of points in the series
func (s Series) Len() int {
	return len(s.Labels)
}
