package core

import (
	"bytes"
	"context"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arxivist/arxivist/internal/agent/sources"
	"github.com/arxivist/arxivist/internal/audit"
	"github.com/arxivist/arxivist/internal/failure"
	"github.com/arxivist/arxivist/internal/ratelimit"
	"github.com/arxivist/arxivist/provider"
)

type scriptedSource struct {
	typ         sources.Type
	descriptors []sources.Descriptor
	discoverErr error
	fetchErr    map[string]error
}

func (s *scriptedSource) Type() sources.Type { return s.typ }

func (s *scriptedSource) Discover(ctx context.Context, query string) ([]sources.Descriptor, error) {
	if s.discoverErr != nil {
		return nil, s.discoverErr
	}
	return s.descriptors, nil
}

func (s *scriptedSource) Fetch(ctx context.Context, d sources.Descriptor) (sources.Item, error) {
	if err := s.fetchErr[d.ID]; err != nil {
		return sources.Item{}, err
	}
	return sources.Item{
		Descriptor: d,
		Content:    []byte("content of " + d.ID),
		FetchedAt:  time.Now().UTC(),
	}, nil
}

// scriptedLLM answers each Generate call through fn, keyed by call number
// starting at 1.
type scriptedLLM struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, prompt string) (string, error)
}

func (s *scriptedLLM) Generate(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	fn := s.fn
	s.mu.Unlock()
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return fn(call, prompt)
}

func (s *scriptedLLM) Model() string { return "test-model" }

func okLLM(reply string) *scriptedLLM {
	return &scriptedLLM{fn: func(int, string) (string, error) { return reply, nil }}
}

func arxivSource(ids ...string) *scriptedSource {
	src := &scriptedSource{typ: sources.TypeArXiv, fetchErr: map[string]error{}}
	for _, id := range ids {
		src.descriptors = append(src.descriptors, sources.Descriptor{
			Type:  sources.TypeArXiv,
			ID:    id,
			Title: "Paper " + id,
			URL:   "https://arxiv.org/abs/" + id,
		})
	}
	return src
}

func newTestDispatcher(llm provider.Provider, srcs map[sources.Type]sources.Provider, sink *bytes.Buffer, stageRetries int) *Dispatcher {
	logger := log.New(io.Discard, "", 0)
	auditLog := audit.NewWriterLogger(sink)
	policy := CallPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	selector := func(Options) (provider.Provider, *ratelimit.Bucket, error) { return llm, nil, nil }
	agents := []StageAgent{
		NewCollector(logger, srcs, nil, policy, 2, auditLog, nil),
		NewAnalyzer(logger, selector, policy, auditLog, nil),
		NewFormatter(logger),
	}
	return NewDispatcher(logger, auditLog, agents, &Validator{}, nil, nil, stageRetries, time.Millisecond)
}

func newTestJob() *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        "job-test",
		Query:     "quantum error correction",
		Options:   Options{ModelProvider: "openai", Model: "gpt-test"},
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func auditEntries(t *testing.T, sink *bytes.Buffer) []audit.Entry {
	t.Helper()
	var entries []audit.Entry
	if err := audit.Replay(bytes.NewReader(sink.Bytes()), func(e audit.Entry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		t.Fatalf("replay audit log: %v", err)
	}
	return entries
}

func TestRunCompletesInStageOrder(t *testing.T) {
	var sink bytes.Buffer
	synthesis := "The surveyed papers converge on surface codes as the practical route to fault tolerance."
	d := newTestDispatcher(okLLM(synthesis), map[sources.Type]sources.Provider{
		sources.TypeArXiv: arxivSource("2401.0001", "2401.0002"),
	}, &sink, 1)
	job := newTestJob()

	if err := d.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", job.Status, StatusCompleted)
	}
	if len(job.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(job.Results))
	}
	for i, stage := range StageOrder {
		r := job.Results[i]
		if r.Stage != stage || !r.Accepted {
			t.Fatalf("result[%d] = %s accepted=%v, want %s accepted", i, r.Stage, r.Accepted, stage)
		}
	}
	report := job.Report()
	if !strings.HasPrefix(report, "# Research Report: ") || !strings.Contains(report, "## Sources") {
		t.Fatalf("report is malformed:\n%s", report)
	}
	if !strings.Contains(report, "[Paper 2401.0001](https://arxiv.org/abs/2401.0001)") {
		t.Errorf("report missing source citation:\n%s", report)
	}

	entries := auditEntries(t, &sink)
	var dispatched, passed []string
	for _, e := range entries {
		switch e.Action {
		case audit.ActionDispatch:
			dispatched = append(dispatched, e.Detail)
		case audit.ActionValidatePass:
			passed = append(passed, e.Detail)
		}
	}
	wantDispatch := []string{"stage=collector attempt=1", "stage=analyzer attempt=1", "stage=formatter attempt=1"}
	if len(dispatched) != len(wantDispatch) {
		t.Fatalf("dispatch entries = %v, want %v", dispatched, wantDispatch)
	}
	for i := range wantDispatch {
		if dispatched[i] != wantDispatch[i] {
			t.Fatalf("dispatch[%d] = %q, want %q", i, dispatched[i], wantDispatch[i])
		}
	}
	if len(passed) != 3 {
		t.Fatalf("validate-pass entries = %d, want 3", len(passed))
	}
	last := entries[len(entries)-1]
	if last.Action != audit.ActionComplete || last.Actor != "dispatcher" {
		t.Fatalf("final entry = %s/%s, want dispatcher complete", last.Actor, last.Action)
	}
	if got := audit.ReconstructStatus(entries, job.ID); got != "completed" {
		t.Fatalf("ReconstructStatus = %q, want completed", got)
	}
}

func TestAuditSequencesStrictlyIncrease(t *testing.T) {
	var sink bytes.Buffer
	d := newTestDispatcher(okLLM("synthesis from one paper, long enough to pass."), map[sources.Type]sources.Provider{
		sources.TypeArXiv: arxivSource("2401.0001"),
	}, &sink, 1)
	if err := d.Run(context.Background(), newTestJob()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	entries := auditEntries(t, &sink)
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq <= entries[i-1].Seq {
			t.Fatalf("seq not strictly increasing at %d: %d then %d", i, entries[i-1].Seq, entries[i].Seq)
		}
	}
}

func TestPartialSourceFailureStillCompletes(t *testing.T) {
	var sink bytes.Buffer
	src := arxivSource("a", "b", "c")
	src.fetchErr["b"] = failure.New(failure.KindNotFound, "withdrawn")
	d := newTestDispatcher(okLLM("two of three sources were enough for a synthesis."), map[sources.Type]sources.Provider{
		sources.TypeArXiv: src,
	}, &sink, 1)
	job := newTestJob()

	if err := d.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	out, ok := job.Results[0].Output.(CollectorOutput)
	if !ok {
		t.Fatalf("collector output type %T", job.Results[0].Output)
	}
	if len(out.Items) != 2 || len(out.Failed) != 1 {
		t.Fatalf("items=%d failed=%d, want 2/1", len(out.Items), len(out.Failed))
	}
	if out.Failed[0].Reason != string(failure.KindNotFound) {
		t.Fatalf("failure reason = %q, want %s", out.Failed[0].Reason, failure.KindNotFound)
	}

	// The dead source must leave a trace in the log, not just the output.
	var subFailures []audit.Entry
	for _, e := range auditEntries(t, &sink) {
		if e.Action == audit.ActionItemFailed {
			subFailures = append(subFailures, e)
		}
	}
	if len(subFailures) != 1 {
		t.Fatalf("item-failed entries = %d, want 1", len(subFailures))
	}
	if subFailures[0].Actor != string(StageCollector) {
		t.Fatalf("item-failed actor = %q, want collector", subFailures[0].Actor)
	}
	if want := "fetch arxiv:b: NotFound"; subFailures[0].Detail != want {
		t.Fatalf("item-failed detail = %q, want %q", subFailures[0].Detail, want)
	}
}

func TestPermanentSummaryFailureIsAudited(t *testing.T) {
	var sink bytes.Buffer
	synthesis := "The remaining paper still supports a coherent picture of the field."
	llm := &scriptedLLM{fn: func(_ int, prompt string) (string, error) {
		if strings.HasPrefix(prompt, "Synthesize") {
			return synthesis, nil
		}
		if strings.Contains(prompt, "Paper b") {
			return "", failure.New(failure.KindMalformedInput, "content rejected")
		}
		return "a clean summary of the surviving paper", nil
	}}
	d := newTestDispatcher(llm, map[sources.Type]sources.Provider{
		sources.TypeArXiv: arxivSource("a", "b"),
	}, &sink, 1)
	job := newTestJob()

	if err := d.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	out, ok := job.Results[1].Output.(AnalyzerOutput)
	if !ok {
		t.Fatalf("analyzer output type %T", job.Results[1].Output)
	}
	if len(out.Summaries) != 1 || len(out.Failed) != 1 {
		t.Fatalf("summaries=%d failed=%d, want 1/1", len(out.Summaries), len(out.Failed))
	}

	found := false
	for _, e := range auditEntries(t, &sink) {
		if e.Action != audit.ActionItemFailed {
			continue
		}
		if e.Actor != string(StageAnalyzer) {
			t.Fatalf("item-failed actor = %q, want analyzer", e.Actor)
		}
		if want := "summarize b: MalformedInput"; e.Detail != want {
			t.Fatalf("item-failed detail = %q, want %q", e.Detail, want)
		}
		found = true
	}
	if !found {
		t.Fatal("no audit entry records the failed summary")
	}
}

func TestAllSourcesFailedAborts(t *testing.T) {
	var sink bytes.Buffer
	src := &scriptedSource{typ: sources.TypeArXiv, discoverErr: failure.New(failure.KindNotFound, "no such feed")}
	llm := okLLM("should never be called")
	d := newTestDispatcher(llm, map[sources.Type]sources.Provider{sources.TypeArXiv: src}, &sink, 1)
	job := newTestJob()

	err := d.Run(context.Background(), job)
	if err == nil {
		t.Fatal("Run: expected error")
	}
	if job.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.FailureReason != string(failure.KindAllSourcesFailed) {
		t.Fatalf("failure reason = %q, want %s", job.FailureReason, failure.KindAllSourcesFailed)
	}
	if llm.calls != 0 {
		t.Fatalf("inference called %d times for a dead collector", llm.calls)
	}

	entries := auditEntries(t, &sink)
	for _, e := range entries {
		if e.Actor == string(StageAnalyzer) || e.Actor == string(StageFormatter) {
			t.Fatalf("unexpected downstream audit entry: %+v", e)
		}
	}
	last := entries[len(entries)-1]
	if last.Action != audit.ActionAbort || last.Detail == "" {
		t.Fatalf("final entry = %s %q, want abort with reason", last.Action, last.Detail)
	}
	if got := audit.ReconstructStatus(entries, job.ID); got != "failed" {
		t.Fatalf("ReconstructStatus = %q, want failed", got)
	}
}

func TestTransientInferenceRetriesAreAudited(t *testing.T) {
	var sink bytes.Buffer
	llm := &scriptedLLM{fn: func(call int, prompt string) (string, error) {
		switch call {
		case 1:
			return "", failure.New(failure.KindProviderBusy, "busy")
		case 2:
			return "", failure.New(failure.KindTimeout, "deadline")
		default:
			return "a perfectly fine answer about the paper in question", nil
		}
	}}
	d := newTestDispatcher(llm, map[sources.Type]sources.Provider{
		sources.TypeArXiv: arxivSource("2401.0001"),
	}, &sink, 1)
	job := newTestJob()

	if err := d.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if got := job.Results[1].Attempts; got != 4 {
		t.Fatalf("analyzer attempts = %d, want 4 (3 summarize + 1 synthesize)", got)
	}

	retries := 0
	analyzerPassed := false
	for _, e := range auditEntries(t, &sink) {
		if e.Action == audit.ActionRetry && e.Actor == string(StageAnalyzer) {
			retries++
		}
		if e.Action == audit.ActionValidatePass && e.Detail == string(StageAnalyzer) {
			analyzerPassed = true
		}
	}
	if retries != 2 {
		t.Fatalf("analyzer retry entries = %d, want 2", retries)
	}
	if !analyzerPassed {
		t.Fatal("missing analyzer validate-pass entry")
	}
}

func TestValidationRejectionRetriesThenFails(t *testing.T) {
	var sink bytes.Buffer
	// Every summarize attempt fails permanently, so the analyzer returns an
	// output with no summaries and the validator rejects it each time.
	llm := &scriptedLLM{fn: func(int, string) (string, error) {
		return "", failure.New(failure.KindMalformedInput, "prompt rejected")
	}}
	d := newTestDispatcher(llm, map[sources.Type]sources.Provider{
		sources.TypeArXiv: arxivSource("2401.0001"),
	}, &sink, 1)
	job := newTestJob()

	err := d.Run(context.Background(), job)
	if err == nil {
		t.Fatal("Run: expected error")
	}
	if job.FailureReason != string(failure.KindValidationFailed) {
		t.Fatalf("failure reason = %q, want %s", job.FailureReason, failure.KindValidationFailed)
	}

	var stageRetries, rejects int
	for _, e := range auditEntries(t, &sink) {
		if e.Action == audit.ActionRetry && e.Actor == "dispatcher" {
			stageRetries++
		}
		if e.Action == audit.ActionValidateFail {
			rejects++
		}
	}
	if stageRetries != 1 {
		t.Fatalf("stage retry entries = %d, want 1", stageRetries)
	}
	if rejects != 2 {
		t.Fatalf("validate-fail entries = %d, want 2", rejects)
	}
	// The job record keeps one result per stage even after a retry.
	if len(job.Results) != 2 {
		t.Fatalf("results = %d, want 2 (collector + analyzer)", len(job.Results))
	}
}

func TestSynthesisRetriesExhaustedFailsJob(t *testing.T) {
	var sink bytes.Buffer
	llm := &scriptedLLM{fn: func(call int, prompt string) (string, error) {
		if strings.HasPrefix(prompt, "Synthesize") {
			return "", failure.New(failure.KindProviderBusy, "overloaded")
		}
		return "summary of the paper", nil
	}}
	d := newTestDispatcher(llm, map[sources.Type]sources.Provider{
		sources.TypeArXiv: arxivSource("2401.0001"),
	}, &sink, 1)
	job := newTestJob()

	err := d.Run(context.Background(), job)
	if err == nil {
		t.Fatal("Run: expected error")
	}
	if job.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.FailureReason != string(failure.KindRetriesExhausted) {
		t.Fatalf("failure reason = %q, want %s", job.FailureReason, failure.KindRetriesExhausted)
	}

	stageRetried := false
	for _, e := range auditEntries(t, &sink) {
		if e.Action == audit.ActionRetry && e.Actor == "dispatcher" && strings.Contains(e.Detail, "stage=analyzer") {
			stageRetried = true
		}
	}
	if !stageRetried {
		t.Fatal("missing dispatcher-level retry entry for the analyzer stage")
	}
}

func TestCancelMidInferenceFailsWithCancelled(t *testing.T) {
	var sink bytes.Buffer
	started := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	llm := &scriptedLLM{}
	llm.fn = func(int, string) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}
	d := newTestDispatcher(llm, map[sources.Type]sources.Provider{
		sources.TypeArXiv: arxivSource("2401.0001"),
	}, &sink, 1)
	job := newTestJob()

	go func() {
		<-started
		cancel()
	}()
	err := d.Run(ctx, job)
	if err == nil {
		t.Fatal("Run: expected error")
	}
	if failure.KindOf(err) != failure.KindCancelled {
		t.Fatalf("error kind = %s, want %s", failure.KindOf(err), failure.KindCancelled)
	}
	if job.Status != StatusFailed || job.FailureReason != string(failure.KindCancelled) {
		t.Fatalf("job = %s/%s, want failed/Cancelled", job.Status, job.FailureReason)
	}
	entries := auditEntries(t, &sink)
	last := entries[len(entries)-1]
	if last.Action != audit.ActionAbort || last.Detail != string(failure.KindCancelled) {
		t.Fatalf("final entry = %s %q, want abort Cancelled", last.Action, last.Detail)
	}
}

func TestRunRejectsDispatchedJob(t *testing.T) {
	var sink bytes.Buffer
	d := newTestDispatcher(okLLM("x"), map[sources.Type]sources.Provider{
		sources.TypeArXiv: arxivSource("a"),
	}, &sink, 1)
	job := newTestJob()
	job.Status = StatusCompleted
	if err := d.Run(context.Background(), job); err == nil {
		t.Fatal("expected error for non-pending job")
	}
	if job.Status != StatusCompleted {
		t.Fatalf("terminal status mutated to %s", job.Status)
	}
}
