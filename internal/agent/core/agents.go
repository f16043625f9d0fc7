package core

import (
	"log"
	"time"

	"github.com/arxivist/arxivist/internal/audit"
	"github.com/arxivist/arxivist/internal/ratelimit"
	"github.com/arxivist/arxivist/internal/retry"
	"github.com/arxivist/arxivist/internal/telemetry"
	"github.com/arxivist/arxivist/provider"
)

// CallPolicy carries the per-call retry settings shared by every stage
// agent. The stage-level retry budget is separate and lives in the
// Dispatcher.
type CallPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// LLMSelector resolves the provider and its admission bucket for a job's
// options. The set of providers is closed; selection never constructs new
// clients per call.
type LLMSelector func(opts Options) (provider.Provider, *ratelimit.Bucket, error)

// recordItemFailure writes the audit entry for a sub-unit of a stage that
// failed for good. Recovered failures are already covered by the retry
// entries; this keeps the unrecovered ones out of the swallowed category.
func recordItemFailure(auditLog *audit.Logger, logger *log.Logger, jobID string, stage Stage, detail string) {
	if auditLog == nil {
		return
	}
	if _, err := auditLog.Record(jobID, string(stage), audit.ActionItemFailed, detail); err != nil {
		logger.Printf("[%s] warn: audit item-failed entry failed: %v", stage, err)
	}
}

// retryPolicy builds the retry policy for one stage's external calls.
// Every transient failure that gets re-attempted is recorded in the audit
// log under the stage's actor name, so retry counts are visible in replay.
func retryPolicy(p CallPolicy, bucket *ratelimit.Bucket, logger *log.Logger, auditLog *audit.Logger, tele *telemetry.Telemetry, jobID string, stage Stage) retry.Policy {
	return retry.Policy{
		MaxAttempts: p.MaxAttempts,
		BaseDelay:   p.BaseBackoff,
		MaxDelay:    p.MaxBackoff,
		Bucket:      bucket,
		OnRetry: func(attempt int, err error) {
			tele.StageRetried(string(stage))
			if auditLog != nil {
				if _, aerr := auditLog.Record(jobID, string(stage), audit.ActionRetry, err.Error()); aerr != nil {
					logger.Printf("[%s] warn: audit retry entry failed: %v", stage, aerr)
				}
			}
		},
	}
}
