package provider

import (
	"context"
	"errors"
	"time"

	"github.com/arxivist/arxivist/config"
	ollama_provider "github.com/arxivist/arxivist/provider/ollama"
	openai_provider "github.com/arxivist/arxivist/provider/openai"
)

// Client represents the closed set of supported LLM providers. LM Studio
// speaks the OpenAI API, so it is the openai type with a local base URL.
type Client string

const (
	OpenAI Client = "openai"
	Ollama Client = "ollama"
)

// Provider is the single capability the pipeline needs from a model:
// generate text from a prompt.
type Provider interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Model() string
}

// New creates a provider from its configuration entry. Adding a provider
// means adding a Client constant and a case here, never runtime string
// dispatch beyond this switch.
func New(cfg config.LLMProviderConfig) (Provider, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	switch Client(cfg.Type) {
	case OpenAI:
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, errors.New("openai provider requires api_key (or base_url for a local server)")
		}
		return openai_provider.NewClient(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Temperature, cfg.MaxTokens, timeout), nil
	case Ollama:
		return ollama_provider.NewClient(cfg.BaseURL, cfg.Model, timeout), nil
	default:
		return nil, errors.New("unsupported LLM provider: " + cfg.Type)
	}
}
