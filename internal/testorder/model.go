package testorder

import "time"

type RunStatus string

const (
	RunRunning          RunStatus = "RUNNING"
	RunCompleted        RunStatus = "COMPLETED"
	RunPartialCompleted RunStatus = "PARTIAL_COMPLETED"
	RunFailed           RunStatus = "FAILED"
)

// Terminal reports whether a run can no longer transition.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunPartialCompleted || s == RunFailed
}

// Run tracks one instrument run. ExpectedSamples is fixed at dispatch time;
// the run closes when that many per-sample results have been consumed.
type Run struct {
	ID              string     `json:"id"`
	InstrumentID    string     `json:"instrument_id"`
	Status          RunStatus  `json:"status"`
	ExpectedSamples int        `json:"expected_samples"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// SampleResult is one durable per-sample outcome. Uniqueness on
// (run_id, sample_id) keeps the completion counts honest even if the same
// sample outcome arrives under two different event ids.
type SampleResult struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	SampleID   string    `json:"sample_id"`
	Success    bool      `json:"success"`
	RecordedAt time.Time `json:"recorded_at"`
}

// analysisItem is the wire shape of one payload element on the
// analysis-request and analysis-response topics.
type analysisItem struct {
	RunID       string `json:"run_id"`
	SampleID    string `json:"sample_id"`
	ReagentCode string `json:"reagent_code,omitempty"`
	Success     bool   `json:"success,omitempty"`
}
