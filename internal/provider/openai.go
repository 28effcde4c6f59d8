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

// OpenAIBackend calls the OpenAI Chat Completions API.
type OpenAIBackend struct {
	APIKey  string
	BaseURL string
	Model   string
	Client  *http.Client
}

// NewOpenAIBackend creates a backend with sensible defaults for zero-value fields.
func NewOpenAIBackend(apiKey, baseURL, model string) *OpenAIBackend {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAIBackend{
		APIKey:  apiKey,
		BaseURL: baseURL,
		Model:   model,
		Client:  &http.Client{Timeout: 120 * time.Second},
	}
}

// Name identifies the backend.
func (b *OpenAIBackend) Name() domain.Provider { return domain.ProviderOpenAI }

// Available reports whether an API key is configured.
func (b *OpenAIBackend) Available() bool { return b.APIKey != "" }

// DefaultModel is the model used when the caller does not pick one.
func (b *OpenAIBackend) DefaultModel() string { return b.Model }

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete runs one prompt against the given model.
func (b *OpenAIBackend) Complete(ctx context.Context, model, prompt string) (domain.Completion, error) {
	if !b.Available() {
		return domain.Completion{}, domain.ErrMissingCredentials
	}

	body, err := json.Marshal(openAIRequest{
		Model:    model,
		Messages: []openAIMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return domain.Completion{}, domain.WrapCoreError(domain.ErrProviderCall.Code, "encode openai request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return domain.Completion{}, domain.WrapCoreError(domain.ErrProviderCall.Code, "build openai request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.APIKey)

	resp, err := b.Client.Do(req)
	if err != nil {
		return domain.Completion{}, domain.WrapCoreError(domain.ErrProviderCall.Code, "openai request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Completion{}, domain.WrapCoreError(domain.ErrProviderCall.Code, "read openai response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return domain.Completion{}, domain.WrapCoreError(domain.ErrProviderCall.Code,
			fmt.Sprintf("openai returned status %d: %s", resp.StatusCode, truncate(respBody, 200)), nil)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return domain.Completion{}, domain.WrapCoreError(domain.ErrMalformedResponse.Code, "decode openai response", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return domain.Completion{}, domain.WrapCoreError(domain.ErrMalformedResponse.Code, "openai response has no choices", nil)
	}

	return domain.Completion{
		Text:         parsed.Choices[0].Message.Content,
		Model:        model,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}
