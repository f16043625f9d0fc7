package core

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/arxivist/arxivist/internal/audit"
	"github.com/arxivist/arxivist/internal/failure"
	"github.com/arxivist/arxivist/internal/telemetry"
)

const actorDispatcher = "dispatcher"

// ArtifactStore is the persistence contract the dispatcher needs: put the
// finished artifact under the job's identifier. The engine behind it is
// not the dispatcher's concern.
type ArtifactStore interface {
	PutArtifact(ctx context.Context, job *Job, report string) error
}

// Dispatcher owns the job state machine. It sequences stage execution,
// invokes the validator, writes the audit trail, and alone decides whether
// a stage failure retries, advances, or aborts the job. Jobs are mutated
// only here.
type Dispatcher struct {
	logger    *log.Logger
	audit     *audit.Logger
	agents    map[Stage]StageAgent
	validator *Validator
	store     ArtifactStore
	telemetry *telemetry.Telemetry

	// Stage-level retry budget, coarser than the per-call policy inside
	// the agents.
	maxStageRetries int
	cooldown        time.Duration
}

// NewDispatcher wires the dispatcher. store may be nil when persistence is
// handled by the caller (the one-shot CLI does this).
func NewDispatcher(logger *log.Logger, auditLog *audit.Logger, agents []StageAgent, validator *Validator, store ArtifactStore, tele *telemetry.Telemetry, maxStageRetries int, cooldown time.Duration) *Dispatcher {
	byStage := make(map[Stage]StageAgent, len(agents))
	for _, a := range agents {
		byStage[a.Stage()] = a
	}
	if cooldown <= 0 {
		cooldown = 2 * time.Second
	}
	return &Dispatcher{
		logger:          logger,
		audit:           auditLog,
		agents:          byStage,
		validator:       validator,
		store:           store,
		telemetry:       tele,
		maxStageRetries: maxStageRetries,
		cooldown:        cooldown,
	}
}

// Run drives job from Pending to a terminal state. The returned error is
// the classified failure for failed jobs; the job itself always carries a
// stable FailureReason. An audit write error aborts the run immediately,
// leaving the same kind of gap in the trail a crash would.
func (d *Dispatcher) Run(ctx context.Context, job *Job) error {
	if job.Status != StatusPending {
		return fmt.Errorf("job %s already dispatched (status %s)", job.ID, job.Status)
	}
	d.telemetry.JobStarted()

	var input interface{}
	for _, stage := range StageOrder {
		if err := d.runStage(ctx, job, stage, &input); err != nil {
			return err
		}
	}

	if d.store != nil {
		if err := d.store.PutArtifact(ctx, job, job.Report()); err != nil {
			d.logger.Printf("[DISPATCH] job %s: artifact store failed: %v", job.ID, err)
			return d.fail(job, failure.Reason(err))
		}
	}

	job.Status = StatusCompleted
	job.UpdatedAt = time.Now().UTC()
	if err := d.record(job.ID, actorDispatcher, audit.ActionComplete, "job completed"); err != nil {
		return err
	}
	d.telemetry.JobCompleted()
	d.logger.Printf("[DISPATCH] job %s completed", job.ID)
	return nil
}

// runStage executes one stage through its retry/validation cycle. A nil
// return means the stage output was accepted and *input now carries it;
// any error return means the job reached Failed (or the audit sink broke).
func (d *Dispatcher) runStage(ctx context.Context, job *Job, stage Stage, input *interface{}) error {
	agent, ok := d.agents[stage]
	if !ok {
		return fmt.Errorf("no agent registered for stage %s", stage)
	}

	retries := 0
	for {
		if ctx.Err() != nil {
			return d.failErr(job, failure.Wrap(failure.KindCancelled, ctx.Err()))
		}

		job.Stage = stage
		job.Status = StatusRunning
		job.UpdatedAt = time.Now().UTC()
		detail := fmt.Sprintf("stage=%s attempt=%d", stage, retries+1)
		if err := d.record(job.ID, actorDispatcher, audit.ActionDispatch, detail); err != nil {
			return err
		}

		start := time.Now()
		outcome, execErr := agent.Execute(ctx, job, *input)
		duration := time.Since(start)
		d.telemetry.ObserveStage(string(stage), duration)

		if execErr != nil {
			kind := failure.KindOf(execErr)
			if kind == failure.KindCancelled {
				return d.failErr(job, execErr)
			}
			if d.stageRetryable(kind) && retries < d.maxStageRetries {
				retries++
				if err := d.retryStage(ctx, job, stage, failure.Reason(execErr)); err != nil {
					return err
				}
				continue
			}
			d.setResult(job, StageResult{
				Stage:        stage,
				Accepted:     false,
				RejectReason: failure.Reason(execErr),
				Attempts:     retries + 1,
				Duration:     duration,
			})
			return d.failErr(job, execErr)
		}

		if err := d.record(job.ID, string(stage), audit.ActionComplete, fmt.Sprintf("attempts=%d duration=%s", outcome.Attempts, duration.Round(time.Millisecond))); err != nil {
			return err
		}

		job.Status = StatusAwaitingValidation
		job.UpdatedAt = time.Now().UTC()
		ok, reason := d.validator.Validate(stage, outcome.Output)
		d.setResult(job, StageResult{
			Stage:        stage,
			Output:       outcome.Output,
			Accepted:     ok,
			RejectReason: reason,
			Attempts:     outcome.Attempts,
			Duration:     duration,
		})

		if ok {
			if err := d.record(job.ID, "validator", audit.ActionValidatePass, string(stage)); err != nil {
				return err
			}
			*input = outcome.Output
			return nil
		}

		if err := d.record(job.ID, "validator", audit.ActionValidateFail, fmt.Sprintf("%s: %s", stage, reason)); err != nil {
			return err
		}
		if d.validator.RetryEligible(stage) && retries < d.maxStageRetries {
			retries++
			if err := d.retryStage(ctx, job, stage, reason); err != nil {
				return err
			}
			continue
		}
		return d.fail(job, string(failure.KindValidationFailed))
	}
}

// retryStage moves the job to Retrying and waits out the cooldown.
func (d *Dispatcher) retryStage(ctx context.Context, job *Job, stage Stage, reason string) error {
	job.Status = StatusRetrying
	job.UpdatedAt = time.Now().UTC()
	d.telemetry.StageRetried(string(stage))
	if err := d.record(job.ID, actorDispatcher, audit.ActionRetry, fmt.Sprintf("stage=%s reason=%s", stage, reason)); err != nil {
		return err
	}
	t := time.NewTimer(d.cooldown)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return d.failErr(job, failure.Wrap(failure.KindCancelled, ctx.Err()))
	}
}

// stageRetryable classifies which stage-level outcomes earn a re-run.
// Permanent input-shaped failures and dead source sets do not.
func (d *Dispatcher) stageRetryable(kind failure.Kind) bool {
	switch kind {
	case failure.KindMalformedInput, failure.KindNotFound, failure.KindAuthRejected,
		failure.KindAllSourcesFailed, failure.KindValidationFailed, failure.KindCancelled:
		return false
	}
	return true
}

// setResult keeps at most one result per stage: a retried stage's earlier
// execution survives in the audit log, not in the job record.
func (d *Dispatcher) setResult(job *Job, res StageResult) {
	for i := range job.Results {
		if job.Results[i].Stage == res.Stage {
			job.Results[i] = res
			return
		}
	}
	job.Results = append(job.Results, res)
}

// failErr moves the job to Failed, writes the final abort entry, and hands
// the classified cause back to the caller.
func (d *Dispatcher) failErr(job *Job, cause error) error {
	reason := failure.Reason(cause)
	if reason == "" {
		reason = string(failure.KindUnknown)
	}
	job.Status = StatusFailed
	job.FailureReason = reason
	job.UpdatedAt = time.Now().UTC()
	if err := d.record(job.ID, actorDispatcher, audit.ActionAbort, reason); err != nil {
		return err
	}
	d.telemetry.JobFailed(reason)
	d.logger.Printf("[DISPATCH] job %s failed: %s", job.ID, reason)
	return cause
}

func (d *Dispatcher) fail(job *Job, reason string) error {
	return d.failErr(job, failure.New(failure.Kind(reason), "job %s failed", job.ID))
}

func (d *Dispatcher) record(jobID, actor string, action audit.Action, detail string) error {
	if d.audit == nil {
		return nil
	}
	if _, err := d.audit.Record(jobID, actor, action, detail); err != nil {
		return fmt.Errorf("audit append: %w", err)
	}
	return nil
}
