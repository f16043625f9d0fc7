package ollama_provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/arxivist/arxivist/internal/failure"
)

const defaultBaseURL = "http://localhost:11434"

// client implements text generation against a local Ollama server.
type client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

type request struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type response struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewClient creates an Ollama client.
func NewClient(baseURL, model string, timeout time.Duration) *client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *client) Model() string { return c.model }

// Generate runs a non-streaming completion against /api/generate.
func (c *client) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(request{Model: c.model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", failure.Wrap(failure.KindMalformedInput, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", failure.Wrap(failure.KindMalformedInput, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", failure.Wrap(failure.KindCancelled, ctx.Err())
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return "", failure.Wrap(failure.KindTimeout, err)
		}
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", failure.New(failure.FromHTTPStatus(resp.StatusCode), "%s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	return out.Response, nil
}
