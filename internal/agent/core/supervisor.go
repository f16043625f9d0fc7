package core

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arxivist/arxivist/config"
	"github.com/arxivist/arxivist/internal/agent/sources"
	"github.com/arxivist/arxivist/internal/audit"
	"github.com/arxivist/arxivist/internal/failure"
	"github.com/arxivist/arxivist/internal/ratelimit"
	"github.com/arxivist/arxivist/internal/telemetry"
	"github.com/arxivist/arxivist/provider"
)

// Request is one research submission as accepted at the edge.
type Request struct {
	Query   string  `json:"query"`
	Options Options `json:"options"`
}

// Result is the caller-facing view of a job.
type Result struct {
	JobID         string `json:"job_id"`
	Status        Status `json:"status"`
	Report        string `json:"report,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Supervisor is the single entry point for research requests. It creates
// jobs, bounds how many run at once, hands each to the dispatcher, and
// keeps a registry for status lookups and cancellation. One supervisor
// owns all rate-limit buckets and LLM clients for the process.
type Supervisor struct {
	logger     *log.Logger
	cfg        *config.Config
	dispatcher *Dispatcher
	audit      *audit.Logger

	slots chan struct{}

	mu      sync.Mutex
	jobs    map[string]*Job
	cancels map[string]context.CancelFunc

	llmMu      sync.Mutex
	llms       map[string]provider.Provider
	llmBuckets map[string]*ratelimit.Bucket

	buckets []*ratelimit.Bucket
}

// NewSupervisor builds the full pipeline from configuration. store may be
// nil; tele may be nil.
func NewSupervisor(cfg *config.Config, logger *log.Logger, auditLog *audit.Logger, store ArtifactStore, tele *telemetry.Telemetry) (*Supervisor, error) {
	srcProviders, err := sources.Build(cfg.Sources)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		logger:     logger,
		cfg:        cfg,
		audit:      auditLog,
		jobs:       make(map[string]*Job),
		cancels:    make(map[string]context.CancelFunc),
		llms:       make(map[string]provider.Provider),
		llmBuckets: make(map[string]*ratelimit.Bucket),
	}

	concurrent := cfg.General.MaxConcurrentJobs
	if concurrent <= 0 {
		concurrent = 8
	}
	s.slots = make(chan struct{}, concurrent)

	sourceBuckets := make(map[sources.Type]*ratelimit.Bucket, len(srcProviders))
	for t := range srcProviders {
		sourceBuckets[t] = s.bucket("source:" + string(t))
	}
	for name := range cfg.LLM.Providers {
		s.llmBuckets[name] = s.bucket("llm:" + name)
	}

	policy := CallPolicy{
		MaxAttempts: cfg.Limits.CallMaxAttempts,
		BaseBackoff: cfg.Limits.CallBaseBackoff,
		MaxBackoff:  cfg.Limits.CallMaxBackoff,
	}
	agents := []StageAgent{
		NewCollector(logger, srcProviders, sourceBuckets, policy, cfg.Limits.MaxFetchInFlight, auditLog, tele),
		NewAnalyzer(logger, s.selectLLM, policy, auditLog, tele),
		NewFormatter(logger),
	}
	s.dispatcher = NewDispatcher(logger, auditLog, agents, &Validator{}, store, tele,
		cfg.Limits.StageMaxRetries, cfg.Limits.StageCooldown)
	return s, nil
}

// bucket constructs the named capability's admission bucket, or nil when
// the capability is not rate limited.
func (s *Supervisor) bucket(name string) *ratelimit.Bucket {
	bc, ok := s.cfg.Limits.Buckets[name]
	if !ok || bc.Capacity <= 0 {
		return nil
	}
	b := ratelimit.NewBucket(bc.Capacity, bc.RefillEvery, bc.MaxWait)
	s.buckets = append(s.buckets, b)
	return b
}

// selectLLM resolves the provider client and bucket for a job's options.
// Clients are cached per provider/model pair; the provider set is closed
// at configuration time.
func (s *Supervisor) selectLLM(opts Options) (provider.Provider, *ratelimit.Bucket, error) {
	name := opts.ModelProvider
	if name == "" {
		name = s.cfg.LLM.Routing.Default
	}
	pcfg, ok := s.cfg.LLM.Providers[name]
	if !ok {
		return nil, nil, failure.New(failure.KindMalformedInput, "unknown model provider %q", name)
	}
	if opts.Model != "" {
		pcfg.Model = opts.Model
	}

	s.llmMu.Lock()
	defer s.llmMu.Unlock()
	key := name + "/" + pcfg.Model
	p, ok := s.llms[key]
	if !ok {
		var err error
		p, err = provider.New(pcfg)
		if err != nil {
			return nil, nil, err
		}
		s.llms[key] = p
	}
	return p, s.llmBuckets[name], nil
}

// NewJob creates a pending job for the request with defaults filled in.
func (s *Supervisor) NewJob(req Request) (*Job, error) {
	if req.Query == "" {
		return nil, failure.New(failure.KindMalformedInput, "empty query")
	}
	opts := req.Options
	if opts.ModelProvider == "" {
		opts.ModelProvider = s.cfg.LLM.Routing.Default
	}
	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.New().String(),
		Query:     req.Query,
		Options:   opts,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return job, nil
}

// Research runs one request synchronously through the pipeline and returns
// the terminal result. The error mirrors the job's failure for callers
// that classify by kind.
func (s *Supervisor) Research(ctx context.Context, req Request) (Result, error) {
	job, err := s.NewJob(req)
	if err != nil {
		return Result{Status: StatusFailed, FailureReason: failure.Reason(err)}, err
	}
	return s.Process(ctx, job)
}

// Process dispatches an already-registered job. Used by Research and by
// the queue worker, which creates jobs from stream envelopes.
func (s *Supervisor) Process(ctx context.Context, job *Job) (Result, error) {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return s.result(job), failure.Wrap(failure.KindCancelled, ctx.Err())
	}
	defer func() { <-s.slots }()

	var runCtx context.Context
	var cancel context.CancelFunc
	if s.cfg.General.MaxProcessingTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.General.MaxProcessingTime)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	s.mu.Lock()
	s.cancels[job.ID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels, job.ID)
		s.mu.Unlock()
	}()

	s.logger.Printf("[SUPERVISOR] job %s: %q (provider=%s)", job.ID, job.Query, job.Options.ModelProvider)
	err := s.dispatcher.Run(runCtx, job)
	return s.result(job), err
}

// Status returns the current view of a job. While the dispatcher owns the
// job the view is a plain "running"; its fields are only read once the job
// is quiescent, with the registry mutex as the synchronization point.
func (s *Supervisor) Status(jobID string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return Result{}, false
	}
	if _, inFlight := s.cancels[jobID]; inFlight {
		return Result{JobID: jobID, Status: StatusRunning}, true
	}
	return s.result(job), true
}

// Cancel requests cancellation of a running job. It returns false when the
// job is unknown or already terminal; cancellation of a terminal job is a
// no-op by definition.
func (s *Supervisor) Cancel(jobID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[jobID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Close releases the supervisor's rate-limit buckets.
func (s *Supervisor) Close() {
	for _, b := range s.buckets {
		b.Close()
	}
}

func (s *Supervisor) result(job *Job) Result {
	res := Result{
		JobID:         job.ID,
		Status:        job.Status,
		FailureReason: job.FailureReason,
	}
	if job.Status == StatusCompleted {
		res.Report = job.Report()
	}
	return res
}
