package streams

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventTypeJobSubmitted is the only event flowing through the job stream.
const EventTypeJobSubmitted = "job.submitted"

// PayloadVersionV1 tags the current submission payload shape.
const PayloadVersionV1 = "v1"

// Envelope is the canonical message wrapper persisted to Redis Streams.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Attempt        int             `json:"attempt"`
	PayloadVersion string          `json:"payload_version"`
	Data           json.RawMessage `json:"data"`
}

// JobSubmission is the v1 payload of a job.submitted event.
type JobSubmission struct {
	JobID         string   `json:"job_id"`
	Query         string   `json:"query"`
	SourceTypes   []string `json:"source_types,omitempty"`
	ModelProvider string   `json:"model_provider,omitempty"`
	Model         string   `json:"model,omitempty"`
}

// ValidateBasic ensures mandatory envelope fields are present.
func (e *Envelope) ValidateBasic() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.PayloadVersion == "" {
		return fmt.Errorf("payload_version is required")
	}
	if e.Attempt < 0 {
		return fmt.Errorf("attempt must be >= 0")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("data payload is required")
	}
	return nil
}

// Marshal returns the JSON encoding of the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.ValidateBasic(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// UnmarshalEnvelope parses JSON bytes into an Envelope and validates
// required fields.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.ValidateBasic(); err != nil {
		return env, err
	}
	return env, nil
}

// Submission decodes the envelope's data as a job submission.
func (e *Envelope) Submission() (JobSubmission, error) {
	if e.EventType != EventTypeJobSubmitted {
		return JobSubmission{}, fmt.Errorf("unexpected event type %q", e.EventType)
	}
	var sub JobSubmission
	if err := json.Unmarshal(e.Data, &sub); err != nil {
		return JobSubmission{}, fmt.Errorf("unmarshal submission: %w", err)
	}
	if sub.JobID == "" || sub.Query == "" {
		return JobSubmission{}, fmt.Errorf("submission requires job_id and query")
	}
	return sub, nil
}
