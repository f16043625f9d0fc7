package worker

import (
	"context"
	"log"
	"time"

	core "github.com/arxivist/arxivist/internal/agent/core"
	"github.com/arxivist/arxivist/internal/failure"
	"github.com/arxivist/arxivist/internal/queue/streams"
	"github.com/arxivist/arxivist/internal/store"
)

// JobStore captures the store methods the worker needs to persist job
// state around dispatching.
type JobStore interface {
	SaveJob(ctx context.Context, job *core.Job) error
	GetJob(ctx context.Context, id string) (store.JobRecord, bool, error)
}

// Runner is the supervisor surface the worker drives.
type Runner interface {
	Process(ctx context.Context, job *core.Job) (core.Result, error)
}

// StreamConsumer is the consumer-group surface the worker reads from.
type StreamConsumer interface {
	Read(ctx context.Context, stream string, opts ...streams.ConsumerOption) ([]streams.Message, error)
	Ack(ctx context.Context, stream string, ids ...string) error
	AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]streams.Message, string, error)
}

// Processor consumes job.submitted events and runs each submission
// through the supervisor. Progress is acknowledged only after the job
// reaches a terminal state, so a crashed worker's submissions stay
// pending and get reclaimed.
type Processor struct {
	logger   *log.Logger
	store    JobStore
	index    *store.ReportIndex
	consumer StreamConsumer
	runner   Runner
	stream   string
}

// NewProcessor constructs a Processor. index may be nil when report search
// is not configured.
func NewProcessor(logger *log.Logger, st JobStore, idx *store.ReportIndex, cons StreamConsumer, runner Runner, stream string) *Processor {
	return &Processor{
		logger:   logger,
		store:    st,
		index:    idx,
		consumer: cons,
		runner:   runner,
		stream:   stream,
	}
}

// Start blocks, continuously processing submissions until the context is
// cancelled.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("[WORKER] consuming stream %s", p.stream)
	if err := p.reclaimStranded(ctx); err != nil {
		p.logger.Printf("[WORKER] warn: reclaim stranded submissions: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("[WORKER] stopping: %v", ctx.Err())
			return nil
		default:
		}

		msgs, err := p.consumer.Read(ctx, p.stream, streams.WithBlock(5*time.Second), streams.WithCount(16))
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Printf("[WORKER] error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			p.handle(ctx, msg)
		}
	}
}

// reclaimStranded picks up submissions a dead worker read but never
// acknowledged.
func (p *Processor) reclaimStranded(ctx context.Context) error {
	start := "0-0"
	for {
		msgs, next, err := p.consumer.AutoClaim(ctx, p.stream, time.Minute, start, 16)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			p.handle(ctx, msg)
		}
		// An empty batch does not end the scan: a claim window full of
		// poison messages yields no claimable entries but still advances
		// the cursor past them. Only the sentinel cursor means done.
		if next == "0-0" {
			return nil
		}
		start = next
	}
}

func (p *Processor) handle(ctx context.Context, msg streams.Message) {
	sub, err := msg.Envelope.Submission()
	if err != nil {
		p.logger.Printf("[WORKER] dropping message %s: %v", msg.ID, err)
		p.ack(ctx, msg.ID)
		return
	}

	// A submission already run to a terminal state is a redelivery.
	if rec, ok, err := p.store.GetJob(ctx, sub.JobID); err == nil && ok {
		if s := core.Status(rec.Status); s.Terminal() {
			p.ack(ctx, msg.ID)
			return
		}
	}

	now := time.Now().UTC()
	job := &core.Job{
		ID:    sub.JobID,
		Query: sub.Query,
		Options: core.Options{
			SourceTypes:   sub.SourceTypes,
			ModelProvider: sub.ModelProvider,
			Model:         sub.Model,
		},
		Status:    core.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.store.SaveJob(ctx, job); err != nil {
		p.logger.Printf("[WORKER] persist job %s: %v", job.ID, err)
	}

	res, err := p.runner.Process(ctx, job)
	if err != nil {
		p.logger.Printf("[WORKER] job %s finished with failure: %v", job.ID, err)
	}
	if err := p.store.SaveJob(ctx, job); err != nil {
		p.logger.Printf("[WORKER] persist job %s: %v", job.ID, err)
	}
	if res.Status == core.StatusCompleted && p.index != nil {
		if err := p.index.IndexReport(job.ID, job.Query, res.Report); err != nil {
			p.logger.Printf("[WORKER] index report %s: %v", job.ID, err)
		}
	}

	// A job cut short by worker shutdown stays unacknowledged so another
	// worker reclaims and re-runs it. Every other outcome is final.
	if ctx.Err() != nil && res.FailureReason == string(failure.KindCancelled) {
		return
	}
	p.ack(context.WithoutCancel(ctx), msg.ID)
}

func (p *Processor) ack(ctx context.Context, id string) {
	if p.consumer == nil {
		return
	}
	if err := p.consumer.Ack(ctx, p.stream, id); err != nil {
		p.logger.Printf("[WORKER] ack %s: %v", id, err)
	}
}
