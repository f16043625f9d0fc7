package sources

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/arxivist/arxivist/config"
	"github.com/arxivist/arxivist/internal/failure"
)

const defaultArXivEndpoint = "http://export.arxiv.org/api/query"

// ArXiv discovers papers through the arXiv Atom API and fetches the per-entry
// feed as raw content.
type ArXiv struct {
	endpoint   string
	maxResults int
	httpClient *http.Client
}

// NewArXiv builds the arXiv provider.
func NewArXiv(cfg config.ArXivConfig) *ArXiv {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultArXivEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ArXiv{
		endpoint:   endpoint,
		maxResults: cfg.MaxResults,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (a *ArXiv) Type() Type { return TypeArXiv }

type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID      string `xml:"id"`
	Title   string `xml:"title"`
	Summary string `xml:"summary"`
}

// Discover searches arXiv and returns one descriptor per matching paper.
// Short queries get fewer results than long, specific ones.
func (a *ArXiv) Discover(ctx context.Context, query string) ([]Descriptor, error) {
	max := a.maxResults
	if max <= 0 {
		max = 3
		if len(query) > 30 {
			max = 5
		}
	}
	u := fmt.Sprintf("%s?search_query=all:%s&start=0&max_results=%d", a.endpoint, url.QueryEscape(query), max)
	feed, err := a.getFeed(ctx, u)
	if err != nil {
		return nil, err
	}
	descriptors := make([]Descriptor, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		link := strings.TrimSpace(e.ID)
		if link == "" {
			continue
		}
		descriptors = append(descriptors, Descriptor{
			Type:  TypeArXiv,
			ID:    arxivID(link),
			Title: strings.TrimSpace(e.Title),
			URL:   link,
		})
	}
	return descriptors, nil
}

// Fetch retrieves the entry's abstract as raw content via an id_list query.
func (a *ArXiv) Fetch(ctx context.Context, d Descriptor) (Item, error) {
	if d.ID == "" {
		return Item{}, failure.New(failure.KindMalformedInput, "descriptor has no arxiv id")
	}
	u := fmt.Sprintf("%s?id_list=%s", a.endpoint, url.QueryEscape(d.ID))
	feed, err := a.getFeed(ctx, u)
	if err != nil {
		return Item{}, err
	}
	if len(feed.Entries) == 0 {
		return Item{}, failure.New(failure.KindNotFound, "arxiv entry %s not found", d.ID)
	}
	e := feed.Entries[0]
	content := strings.TrimSpace(e.Summary)
	if content == "" {
		return Item{}, failure.New(failure.KindNotFound, "arxiv entry %s has no abstract", d.ID)
	}
	return Item{
		Descriptor: d,
		Content:    []byte(content),
		Metadata: map[string]string{
			"title": strings.TrimSpace(e.Title),
		},
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (a *ArXiv) getFeed(ctx context.Context, u string) (*atomFeed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, failure.Wrap(failure.KindMalformedInput, err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, failure.Wrap(failure.KindCancelled, ctx.Err())
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, failure.Wrap(failure.KindTimeout, err)
		}
		return nil, fmt.Errorf("arxiv request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, failure.New(failure.FromHTTPStatus(resp.StatusCode), "arxiv api: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read arxiv response: %w", err)
	}
	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, failure.Wrap(failure.KindMalformedInput, fmt.Errorf("parse atom feed: %w", err))
	}
	return &feed, nil
}

// arxivID extracts "2301.01234v1" from "http://arxiv.org/abs/2301.01234v1".
func arxivID(link string) string {
	if i := strings.LastIndex(link, "/abs/"); i >= 0 {
		return link[i+len("/abs/"):]
	}
	if i := strings.LastIndexByte(link, '/'); i >= 0 {
		return link[i+1:]
	}
	return link
}
