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

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>http://arxiv.org/abs/2301.01234v1</id>
    <title>Quantum Error Correction at Scale</title>
    <summary>We present a scalable approach to quantum error correction.</summary>
  </entry>
  <entry>
    <id>http://arxiv.org/abs/2302.04321v2</id>
    <title>  Surface Codes Revisited  </title>
    <summary>A survey of surface code decoders.</summary>
  </entry>
</feed>`

const emptyFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom"></feed>`

func arxivServer(t *testing.T, handler http.HandlerFunc) *ArXiv {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewArXiv(config.ArXivConfig{Endpoint: srv.URL})
}

func TestArXivDiscover(t *testing.T) {
	var gotQuery string
	a := arxivServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(sampleFeed))
	})
	ds, err := a.Discover(context.Background(), "quantum error correction")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(ds) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(ds))
	}
	if ds[0].ID != "2301.01234v1" {
		t.Fatalf("id extraction: got %q", ds[0].ID)
	}
	if ds[1].Title != "Surface Codes Revisited" {
		t.Fatalf("title not trimmed: %q", ds[1].Title)
	}
	if !strings.HasPrefix(gotQuery, "search_query=all:") {
		t.Fatalf("unexpected query string %q", gotQuery)
	}
}

func TestArXivDiscoverResultCountScalesWithQuery(t *testing.T) {
	var raw string
	a := arxivServer(t, func(w http.ResponseWriter, r *http.Request) {
		raw = r.URL.RawQuery
		w.Write([]byte(sampleFeed))
	})
	if _, err := a.Discover(context.Background(), "short query"); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if want := "max_results=3"; !strings.Contains(raw, want) {
		t.Fatalf("short query should ask for 3 results, got %q", raw)
	}
	if _, err := a.Discover(context.Background(), "a much longer and more specific query string"); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if want := "max_results=5"; !strings.Contains(raw, want) {
		t.Fatalf("long query should ask for 5 results, got %q", raw)
	}
}

func TestArXivFetch(t *testing.T) {
	a := arxivServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id_list") != "2301.01234v1" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(sampleFeed))
	})
	item, err := a.Fetch(context.Background(), Descriptor{Type: TypeArXiv, ID: "2301.01234v1"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(item.Content) != "We present a scalable approach to quantum error correction." {
		t.Fatalf("unexpected content %q", item.Content)
	}
	if item.Metadata["title"] != "Quantum Error Correction at Scale" {
		t.Fatalf("unexpected metadata %v", item.Metadata)
	}
}

func TestArXivFetchNotFound(t *testing.T) {
	a := arxivServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(emptyFeed))
	})
	_, err := a.Fetch(context.Background(), Descriptor{Type: TypeArXiv, ID: "9999.00000"})
	if failure.KindOf(err) != failure.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestArXivAPIErrorClassified(t *testing.T) {
	a := arxivServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := a.Discover(context.Background(), "anything")
	if failure.KindOf(err) != failure.KindProviderBusy {
		t.Fatalf("expected ProviderBusy, got %v", err)
	}
}
