package core

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/arxivist/arxivist/internal/agent/sources"
	"github.com/arxivist/arxivist/internal/audit"
	"github.com/arxivist/arxivist/internal/failure"
	"github.com/arxivist/arxivist/internal/ratelimit"
	"github.com/arxivist/arxivist/internal/telemetry"
)

// Collector discovers source descriptors for the query and fetches them
// concurrently, bounded by maxInFlight. Individually failed fetches are
// retained; the stage fails only when every source fails.
type Collector struct {
	logger    *log.Logger
	providers map[sources.Type]sources.Provider
	buckets   map[sources.Type]*ratelimit.Bucket
	policy    CallPolicy
	audit     *audit.Logger
	telemetry *telemetry.Telemetry

	maxInFlight int64
}

// NewCollector builds the collector stage agent. buckets maps each source
// type to its shared admission bucket.
func NewCollector(logger *log.Logger, providers map[sources.Type]sources.Provider, buckets map[sources.Type]*ratelimit.Bucket, policy CallPolicy, maxInFlight int, auditLog *audit.Logger, tele *telemetry.Telemetry) *Collector {
	if maxInFlight < 1 {
		maxInFlight = 4
	}
	return &Collector{
		logger:      logger,
		providers:   providers,
		buckets:     buckets,
		policy:      policy,
		audit:       auditLog,
		telemetry:   tele,
		maxInFlight: int64(maxInFlight),
	}
}

func (c *Collector) Stage() Stage { return StageCollector }

// Execute runs discovery for every requested source type, then fans out one
// fetch per descriptor.
func (c *Collector) Execute(ctx context.Context, job *Job, _ interface{}) (StageOutcome, error) {
	types, err := c.requestedTypes(job)
	if err != nil {
		return StageOutcome{}, err
	}

	var attempts int64
	var descriptors []sources.Descriptor
	var failed []SourceFailure

	for _, t := range types {
		prov := c.providers[t]
		pol := retryPolicy(c.policy, c.buckets[t], c.logger, c.audit, c.telemetry, job.ID, StageCollector)

		var found []sources.Descriptor
		err := pol.Do(ctx, func(ctx context.Context) error {
			atomic.AddInt64(&attempts, 1)
			var derr error
			found, derr = prov.Discover(ctx, job.Query)
			return derr
		})
		if err != nil {
			if failure.KindOf(err) == failure.KindCancelled {
				return StageOutcome{}, err
			}
			c.logger.Printf("[COLLECT] discovery via %s failed: %v", t, err)
			reason := failure.Reason(err)
			recordItemFailure(c.audit, c.logger, job.ID, StageCollector, fmt.Sprintf("discover %s: %s", t, reason))
			failed = append(failed, SourceFailure{
				Descriptor: sources.Descriptor{Type: t},
				Reason:     reason,
			})
			continue
		}
		descriptors = append(descriptors, found...)
	}

	if len(descriptors) == 0 {
		return StageOutcome{}, failure.New(failure.KindAllSourcesFailed, "no fetchable sources for query")
	}

	items, fetchFailed, err := c.fetchAll(ctx, job, descriptors, &attempts)
	if err != nil {
		return StageOutcome{}, err
	}
	failed = append(failed, fetchFailed...)

	if len(items) == 0 {
		return StageOutcome{}, failure.New(failure.KindAllSourcesFailed, "all %d sources failed", len(descriptors))
	}

	c.logger.Printf("[COLLECT] job %s: %d/%d sources fetched", job.ID, len(items), len(descriptors))
	return StageOutcome{
		Output:   CollectorOutput{Items: items, Failed: failed},
		Attempts: int(atomic.LoadInt64(&attempts)),
	}, nil
}

func (c *Collector) fetchAll(ctx context.Context, job *Job, descriptors []sources.Descriptor, attempts *int64) ([]sources.Item, []SourceFailure, error) {
	var (
		mu     sync.Mutex
		items  []sources.Item
		failed []SourceFailure
		wg     sync.WaitGroup
	)
	sem := semaphore.NewWeighted(c.maxInFlight)

	for _, d := range descriptors {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return nil, nil, failure.Wrap(failure.KindCancelled, err)
		}
		wg.Add(1)
		go func(d sources.Descriptor) {
			defer wg.Done()
			defer sem.Release(1)

			pol := retryPolicy(c.policy, c.buckets[d.Type], c.logger, c.audit, c.telemetry, job.ID, StageCollector)
			var item sources.Item
			err := pol.Do(ctx, func(ctx context.Context) error {
				atomic.AddInt64(attempts, 1)
				var ferr error
				item, ferr = c.providers[d.Type].Fetch(ctx, d)
				return ferr
			})

			if err != nil {
				reason := failure.Reason(err)
				recordItemFailure(c.audit, c.logger, job.ID, StageCollector, fmt.Sprintf("fetch %s:%s: %s", d.Type, d.ID, reason))
				mu.Lock()
				failed = append(failed, SourceFailure{Descriptor: d, Reason: reason})
				mu.Unlock()
				return
			}
			mu.Lock()
			items = append(items, item)
			mu.Unlock()
		}(d)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil, nil, failure.Wrap(failure.KindCancelled, ctx.Err())
	}
	return items, failed, nil
}

func (c *Collector) requestedTypes(job *Job) ([]sources.Type, error) {
	if len(job.Options.SourceTypes) == 0 {
		// Stable order so audit trails are reproducible.
		var out []sources.Type
		for _, t := range []sources.Type{sources.TypeArXiv, sources.TypeWeb} {
			if _, ok := c.providers[t]; ok {
				out = append(out, t)
			}
		}
		return out, nil
	}
	var out []sources.Type
	for _, raw := range job.Options.SourceTypes {
		t, err := sources.ParseType(raw)
		if err != nil {
			return nil, failure.Wrap(failure.KindMalformedInput, err)
		}
		if _, ok := c.providers[t]; !ok {
			return nil, failure.New(failure.KindMalformedInput, "source type %s not enabled", t)
		}
		out = append(out, t)
	}
	return out, nil
}
