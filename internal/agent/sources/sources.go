package sources

import (
	"context"
	"fmt"
	"time"

	"github.com/arxivist/arxivist/config"
)

// Type is the closed set of source kinds. Adding a source means adding a
// constant and a Provider implementation, not runtime string dispatch.
type Type string

const (
	TypeArXiv Type = "arxiv"
	TypeWeb   Type = "web"
)

// ParseType validates a caller-supplied source type.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeArXiv, TypeWeb:
		return Type(s), nil
	default:
		return "", fmt.Errorf("unknown source type: %q", s)
	}
}

// Descriptor identifies one fetchable source.
type Descriptor struct {
	Type  Type   `json:"type"`
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}

// Item is the raw fetch result for one descriptor. Content is opaque bytes;
// nothing in the pipeline parses HTML or PDF.
type Item struct {
	Descriptor Descriptor        `json:"descriptor"`
	Content    []byte            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	FetchedAt  time.Time         `json:"fetched_at"`
}

// Provider turns a query into descriptors and fetches raw content for them.
type Provider interface {
	Type() Type
	Discover(ctx context.Context, query string) ([]Descriptor, error)
	Fetch(ctx context.Context, d Descriptor) (Item, error)
}

// Build constructs the providers for the enabled source types.
func Build(cfg config.SourcesConfig) (map[Type]Provider, error) {
	enabled := cfg.Enabled
	if len(enabled) == 0 {
		enabled = []string{string(TypeArXiv)}
	}
	out := make(map[Type]Provider, len(enabled))
	for _, raw := range enabled {
		t, err := ParseType(raw)
		if err != nil {
			return nil, err
		}
		switch t {
		case TypeArXiv:
			out[t] = NewArXiv(cfg.ArXiv)
		case TypeWeb:
			p, err := NewWeb(cfg.Web)
			if err != nil {
				return nil, err
			}
			out[t] = p
		}
	}
	return out, nil
}
