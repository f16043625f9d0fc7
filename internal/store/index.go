package store

import (
	"fmt"
	"os"

	"github.com/blevesearch/bleve"
)

// ReportIndex is a BM25 full-text index over finished reports.
type ReportIndex struct {
	idx bleve.Index
}

// indexedReport is the document shape fed to bleve.
type indexedReport struct {
	JobID    string `json:"job_id"`
	Query    string `json:"query"`
	Markdown string `json:"markdown"`
}

// SearchHit is one report matching a search.
type SearchHit struct {
	JobID     string   `json:"job_id"`
	Score     float64  `json:"score"`
	Fragments []string `json:"fragments,omitempty"`
}

// OpenIndex opens (or creates) the report index at path. An empty path
// keeps the index in memory only.
func OpenIndex(path string) (*ReportIndex, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("bleve: %w", err)
		}
		return &ReportIndex{idx: idx}, nil
	}
	if _, err := os.Stat(path); err == nil {
		idx, err := bleve.Open(path)
		if err != nil {
			return nil, fmt.Errorf("bleve open: %w", err)
		}
		return &ReportIndex{idx: idx}, nil
	}
	idx, err := bleve.New(path, bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("bleve create: %w", err)
	}
	return &ReportIndex{idx: idx}, nil
}

func (r *ReportIndex) Close() error { return r.idx.Close() }

// IndexReport makes a finished report searchable.
func (r *ReportIndex) IndexReport(jobID, query, markdown string) error {
	return r.idx.Index(jobID, indexedReport{JobID: jobID, Query: query, Markdown: markdown})
}

// Search runs a query-string search and returns up to k hits with
// highlighted fragments.
func (r *ReportIndex) Search(q string, k int) ([]SearchHit, error) {
	if k <= 0 {
		k = 10
	}
	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, k, 0, false)
	req.Highlight = bleve.NewHighlightWithStyle("html")
	res, err := r.idx.Search(req)
	if err != nil {
		return nil, err
	}
	hits := make([]SearchHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := SearchHit{JobID: h.ID, Score: h.Score}
		for _, frags := range h.Fragments {
			hit.Fragments = append(hit.Fragments, frags...)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}
