package core

import (
	"context"
	"time"

	"github.com/arxivist/arxivist/internal/agent/sources"
)

// Stage names one of the three ordered processing phases.
type Stage string

const (
	StageCollector Stage = "collector"
	StageAnalyzer  Stage = "analyzer"
	StageFormatter Stage = "formatter"
)

// StageOrder is the fixed pipeline sequence. No job ever skips or reorders
// a stage.
var StageOrder = []Stage{StageCollector, StageAnalyzer, StageFormatter}

// NextStage returns the stage after s, or false when s is the last.
func NextStage(s Stage) (Stage, bool) {
	for i, st := range StageOrder {
		if st == s && i+1 < len(StageOrder) {
			return StageOrder[i+1], true
		}
	}
	return "", false
}

// Status is the job lifecycle state.
type Status string

const (
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusAwaitingValidation Status = "awaiting-validation"
	StatusRetrying           Status = "retrying"
	StatusFailed             Status = "failed"
	StatusCompleted          Status = "completed"
)

// Terminal reports whether the status is immutable once reached.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusCompleted
}

// Options carries the caller's choices for one research request.
type Options struct {
	SourceTypes   []string `json:"sourceTypes,omitempty"`
	ModelProvider string   `json:"modelProvider,omitempty"`
	Model         string   `json:"model,omitempty"`
}

// Job is the unit of orchestration: one end-to-end research request. The
// identifier is assigned at creation and never changes; after creation the
// Job is mutated exclusively by the Dispatcher.
type Job struct {
	ID            string        `json:"id"`
	Query         string        `json:"query"`
	Options       Options       `json:"options"`
	Stage         Stage         `json:"stage"`
	Status        Status        `json:"status"`
	Results       []StageResult `json:"results"`
	FailureReason string        `json:"failure_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Report returns the final formatted report of a completed job.
func (j *Job) Report() string {
	for _, r := range j.Results {
		if r.Stage == StageFormatter && r.Accepted {
			if out, ok := r.Output.(FormatterOutput); ok {
				return out.Report
			}
		}
	}
	return ""
}

// StageResult is the recorded outcome of one stage execution. Once appended
// to a Job it is never mutated.
type StageResult struct {
	Stage        Stage         `json:"stage"`
	Output       interface{}   `json:"output"`
	Accepted     bool          `json:"accepted"`
	RejectReason string        `json:"reject_reason,omitempty"`
	Attempts     int           `json:"attempts"`
	Duration     time.Duration `json:"duration"`
}

// SourceFailure records one source that could not be fetched. Failures are
// retained in the stage output so the audit trail can explain partial
// results.
type SourceFailure struct {
	Descriptor sources.Descriptor `json:"descriptor"`
	Reason     string             `json:"reason"`
}

// CollectorOutput is the collector stage's aggregated result.
type CollectorOutput struct {
	Items  []sources.Item  `json:"items"`
	Failed []SourceFailure `json:"failed,omitempty"`
}

// Summary is one item's summarization.
type Summary struct {
	Item sources.Item `json:"item"`
	Text string       `json:"text"`
}

// SummaryFailure records an item whose summarization permanently failed; it
// is excluded from synthesis but not dropped from the record.
type SummaryFailure struct {
	Descriptor sources.Descriptor `json:"descriptor"`
	Reason     string             `json:"reason"`
}

// AnalyzerOutput is the analyzer stage's result.
type AnalyzerOutput struct {
	Summaries []Summary        `json:"summaries"`
	Failed    []SummaryFailure `json:"failed,omitempty"`
	Synthesis string           `json:"synthesis"`
}

// FormatterOutput is the rendered report.
type FormatterOutput struct {
	Report string `json:"report"`
}

// StageOutcome is what a stage agent hands back on success: the output to
// validate plus the number of external-call attempts it consumed.
type StageOutcome struct {
	Output   interface{}
	Attempts int
}

// StageAgent wraps one external capability behind a uniform execute
// contract. input is the previous stage's accepted output; the collector
// receives nil and works from the job's query.
type StageAgent interface {
	Stage() Stage
	Execute(ctx context.Context, job *Job, input interface{}) (StageOutcome, error)
}
