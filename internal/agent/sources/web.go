package sources

import (
	"context"
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

// Fetcher retrieves the raw content of one URL. The http variant does a
// plain GET; the chromedp variant renders the page in a headless browser
// first.
type Fetcher interface {
	FetchURL(ctx context.Context, url string) ([]byte, error)
}

// Web handles explicit URLs embedded in the query text. Tokens that parse
// as absolute http(s) URLs become descriptors; everything else is left to
// the other source types.
type Web struct {
	fetcher  Fetcher
	maxChars int
}

// NewWeb builds the web provider with the configured fetcher variant.
func NewWeb(cfg config.WebConfig) (*Web, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = 20000
	}
	var f Fetcher
	switch cfg.Fetcher {
	case "", "http":
		f = &httpFetcher{client: &http.Client{Timeout: timeout}, maxBytes: int64(maxChars)}
	case "chromedp":
		f = &renderFetcher{timeout: timeout, maxChars: maxChars}
	default:
		return nil, fmt.Errorf("unknown web fetcher: %q", cfg.Fetcher)
	}
	return &Web{fetcher: f, maxChars: maxChars}, nil
}

func (w *Web) Type() Type { return TypeWeb }

// Discover extracts absolute URLs from the query.
func (w *Web) Discover(ctx context.Context, query string) ([]Descriptor, error) {
	var out []Descriptor
	for _, tok := range strings.Fields(query) {
		u, err := url.Parse(tok)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			continue
		}
		out = append(out, Descriptor{Type: TypeWeb, ID: u.String(), URL: u.String()})
	}
	return out, nil
}

// Fetch retrieves the raw page content for one descriptor.
func (w *Web) Fetch(ctx context.Context, d Descriptor) (Item, error) {
	if d.URL == "" {
		return Item{}, failure.New(failure.KindMalformedInput, "descriptor has no url")
	}
	content, err := w.fetcher.FetchURL(ctx, d.URL)
	if err != nil {
		return Item{}, err
	}
	if len(content) > w.maxChars {
		content = content[:w.maxChars]
	}
	return Item{
		Descriptor: d,
		Content:    content,
		Metadata:   map[string]string{"url": d.URL},
		FetchedAt:  time.Now().UTC(),
	}, nil
}

type httpFetcher struct {
	client   *http.Client
	maxBytes int64
}

func (f *httpFetcher) FetchURL(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, failure.Wrap(failure.KindMalformedInput, err)
	}
	req.Header.Set("User-Agent", "arxivist/1.0")
	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, failure.Wrap(failure.KindCancelled, ctx.Err())
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, failure.Wrap(failure.KindTimeout, err)
		}
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, failure.New(failure.FromHTTPStatus(resp.StatusCode), "fetch %s: %s", u, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	return body, nil
}
