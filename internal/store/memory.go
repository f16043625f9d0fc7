package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	core "github.com/arxivist/arxivist/internal/agent/core"
)

// Memory is an in-process store with the same surface as the Postgres
// Store. The one-shot CLI and tests use it so nothing external is needed.
type Memory struct {
	mu      sync.Mutex
	jobs    map[string]JobRecord
	reports map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[string]JobRecord),
		reports: make(map[string]string),
	}
}

func (m *Memory) SaveJob(_ context.Context, job *core.Job) error {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = JobRecord{
		ID:            job.ID,
		Query:         job.Query,
		Options:       opts,
		Status:        string(job.Status),
		Stage:         string(job.Stage),
		FailureReason: job.FailureReason,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (JobRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	return rec, ok, nil
}

func (m *Memory) ListJobs(_ context.Context, limit int) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobRecord, 0, len(m.jobs))
	for _, rec := range m.jobs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SaveReport(_ context.Context, jobID, markdown string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[jobID] = markdown
	return nil
}

func (m *Memory) GetReport(_ context.Context, jobID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.reports[jobID]
	return md, ok, nil
}

func (m *Memory) PutArtifact(ctx context.Context, job *core.Job, report string) error {
	snapshot := *job
	snapshot.Status = core.StatusCompleted
	snapshot.FailureReason = ""
	snapshot.UpdatedAt = time.Now().UTC()
	if err := m.SaveJob(ctx, &snapshot); err != nil {
		return err
	}
	return m.SaveReport(ctx, job.ID, report)
}
