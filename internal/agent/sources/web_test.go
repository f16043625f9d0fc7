package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/arxivist/arxivist/config"
	"github.com/arxivist/arxivist/internal/failure"
)

func TestWebDiscoverExtractsURLs(t *testing.T) {
	w, err := NewWeb(config.WebConfig{})
	if err != nil {
		t.Fatalf("new web: %v", err)
	}
	ds, err := w.Discover(context.Background(), "compare https://example.com/a and http://example.org/b please")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(ds) != 2 {
		t.Fatalf("expected 2 urls, got %d: %v", len(ds), ds)
	}
	if ds[0].URL != "https://example.com/a" || ds[1].URL != "http://example.org/b" {
		t.Fatalf("unexpected descriptors %v", ds)
	}
}

func TestWebDiscoverIgnoresPlainText(t *testing.T) {
	w, _ := NewWeb(config.WebConfig{})
	ds, err := w.Discover(context.Background(), "quantum computing advancements")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(ds) != 0 {
		t.Fatalf("expected no descriptors, got %v", ds)
	}
}

func TestWebFetchTruncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 500)))
	}))
	defer srv.Close()

	w, err := NewWeb(config.WebConfig{MaxChars: 100})
	if err != nil {
		t.Fatalf("new web: %v", err)
	}
	item, err := w.Fetch(context.Background(), Descriptor{Type: TypeWeb, ID: srv.URL, URL: srv.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(item.Content) != 100 {
		t.Fatalf("expected 100 bytes after truncation, got %d", len(item.Content))
	}
}

func TestWebFetch404IsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	w, _ := NewWeb(config.WebConfig{})
	_, err := w.Fetch(context.Background(), Descriptor{Type: TypeWeb, ID: srv.URL, URL: srv.URL})
	if failure.KindOf(err) != failure.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if failure.Transient(err) {
		t.Fatalf("404 must not be retryable")
	}
}

func TestBuildRejectsUnknownType(t *testing.T) {
	_, err := Build(config.SourcesConfig{Enabled: []string{"gopher"}})
	if err == nil {
		t.Fatalf("expected error for unknown source type")
	}
}
