package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/arxivist/arxivist/config"
	core "github.com/arxivist/arxivist/internal/agent/core"
	"github.com/arxivist/arxivist/internal/audit"
	"github.com/arxivist/arxivist/internal/store"
)

const atomFeedBody = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>http://arxiv.org/abs/2401.0001v1</id>
    <title>Logical Qubits at Scale</title>
    <summary>We demonstrate a logical qubit below threshold.</summary>
  </entry>
</feed>`

func testSupervisor(t *testing.T) *core.Supervisor {
	t.Helper()
	arxiv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, atomFeedBody)
	}))
	t.Cleanup(arxiv.Close)
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"A coherent synthesis of the collected abstracts."}}]}`)
	}))
	t.Cleanup(llm.Close)

	cfg := &config.Config{
		General: config.GeneralConfig{MaxConcurrentJobs: 2},
		LLM: config.LLMConfig{
			Providers: map[string]config.LLMProviderConfig{
				"openai": {Type: "openai", BaseURL: llm.URL, Model: "local", Timeout: 5 * time.Second},
			},
			Routing: config.LLMRoutingConfig{Default: "openai"},
		},
		Sources: config.SourcesConfig{
			Enabled: []string{"arxiv"},
			ArXiv:   config.ArXivConfig{Endpoint: arxiv.URL, Timeout: 5 * time.Second},
		},
		Limits: config.LimitsConfig{
			CallMaxAttempts: 2,
			CallBaseBackoff: time.Millisecond,
			CallMaxBackoff:  5 * time.Millisecond,
			StageMaxRetries: 1,
			StageCooldown:   time.Millisecond,
		},
	}
	var sink strings.Builder
	sup, err := core.NewSupervisor(cfg, log.New(io.Discard, "", 0), audit.NewWriterLogger(&sink), nil, nil)
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	t.Cleanup(sup.Close)
	return sup
}

func testServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	return New(log.New(io.Discard, "", 0), deps)
}

func TestResearchEndpoint(t *testing.T) {
	srv := testServer(t, Deps{Supervisor: testSupervisor(t), Jobs: store.NewMemory()})

	req := httptest.NewRequest(http.MethodPost, "/api/research",
		strings.NewReader(`{"query":"logical qubits"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var res core.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != core.StatusCompleted || res.Report == "" {
		t.Fatalf("result = %+v", res)
	}

	// The finished job is visible through the status route.
	req = httptest.NewRequest(http.MethodGet, "/api/jobs/"+res.JobID, nil)
	rec = httptest.NewRecorder()
	srv.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status route = %d", rec.Code)
	}
}

func TestResearchRejectsEmptyQuery(t *testing.T) {
	srv := testServer(t, Deps{Supervisor: testSupervisor(t)})
	req := httptest.NewRequest(http.MethodPost, "/api/research", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	srv := testServer(t, Deps{Supervisor: testSupervisor(t), Jobs: store.NewMemory()})
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/nope", nil)
	rec := httptest.NewRecorder()
	srv.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSubmitWithoutPublisher(t *testing.T) {
	srv := testServer(t, Deps{Supervisor: testSupervisor(t)})
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"query":"q"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestReportFromStore(t *testing.T) {
	jobs := store.NewMemory()
	if err := jobs.SaveReport(context.Background(), "j1", "# Research Report: q\n"); err != nil {
		t.Fatal(err)
	}
	srv := testServer(t, Deps{Supervisor: testSupervisor(t), Jobs: jobs})

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/j1/report", nil)
	rec := httptest.NewRecorder()
	srv.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "# Research Report") {
		t.Fatalf("report route = %d body=%q", rec.Code, rec.Body.String())
	}
}

func TestSearchReports(t *testing.T) {
	idx, err := store.OpenIndex("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	if err := idx.IndexReport("j1", "qec", "surface codes and logical qubits"); err != nil {
		t.Fatal(err)
	}
	srv := testServer(t, Deps{Supervisor: testSupervisor(t), Index: idx})

	req := httptest.NewRequest(http.MethodGet, "/api/reports/search?q=surface+codes", nil)
	rec := httptest.NewRecorder()
	srv.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "j1") {
		t.Fatalf("search = %d body=%s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/reports/search", nil)
	rec = httptest.NewRecorder()
	srv.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing q = %d, want 400", rec.Code)
	}
}
