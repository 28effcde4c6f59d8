package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/concilium/concilium/internal/domain"
)

const anthropicVersion = "2023-06-01"

// ClaudeBackend calls the Anthropic Messages API.
type ClaudeBackend struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
	Client    *http.Client
}

// NewClaudeBackend creates a backend with sensible defaults for zero-value fields.
func NewClaudeBackend(apiKey, baseURL, model string) *ClaudeBackend {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	if model == "" {
		model = "claude-3-5-sonnet-latest"
	}
	return &ClaudeBackend{
		APIKey:    apiKey,
		BaseURL:   baseURL,
		Model:     model,
		MaxTokens: 4096,
		Client:    &http.Client{Timeout: 120 * time.Second},
	}
}

// Name identifies the backend.
func (b *ClaudeBackend) Name() domain.Provider { return domain.ProviderClaude }

// Available reports whether an API key is configured.
func (b *ClaudeBackend) Available() bool { return b.APIKey != "" }

// DefaultModel is the model used when the caller does not pick one.
func (b *ClaudeBackend) DefaultModel() string { return b.Model }

type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int64           `json:"max_tokens"`
	Messages  []claudeMessage `json:"messages"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete runs one prompt against the given model.
func (b *ClaudeBackend) Complete(ctx context.Context, model, prompt string) (domain.Completion, error) {
	if !b.Available() {
		return domain.Completion{}, domain.ErrMissingCredentials
	}

	body, err := json.Marshal(claudeRequest{
		Model:     model,
		MaxTokens: b.MaxTokens,
		Messages:  []claudeMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return domain.Completion{}, domain.WrapCoreError(domain.ErrProviderCall.Code, "encode claude request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return domain.Completion{}, domain.WrapCoreError(domain.ErrProviderCall.Code, "build claude request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", b.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := b.Client.Do(req)
	if err != nil {
		return domain.Completion{}, domain.WrapCoreError(domain.ErrProviderCall.Code, "claude request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Completion{}, domain.WrapCoreError(domain.ErrProviderCall.Code, "read claude response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return domain.Completion{}, domain.WrapCoreError(domain.ErrProviderCall.Code,
			fmt.Sprintf("claude returned status %d: %s", resp.StatusCode, truncate(respBody, 200)), nil)
	}

	var parsed claudeResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return domain.Completion{}, domain.WrapCoreError(domain.ErrMalformedResponse.Code, "decode claude response", err)
	}
	if len(parsed.Content) == 0 || parsed.Content[0].Text == "" {
		return domain.Completion{}, domain.WrapCoreError(domain.ErrMalformedResponse.Code, "claude response has no text content", nil)
	}

	return domain.Completion{
		Text:         parsed.Content[0].Text,
		Model:        model,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
