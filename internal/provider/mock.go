package provider

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/concilium/concilium/internal/domain"
)

// MockBackend is a deterministic backend used when no credentials are
// configured. The same prompt always yields the same completion, and prompts
// containing FailMarker return a provider error, so failure paths can be
// exercised without spending money.
type MockBackend struct {
	Model      string
	FailMarker string
}

// NewMockBackend creates a mock with the built-in mock model.
func NewMockBackend() *MockBackend {
	return &MockBackend{Model: "concilium-mock"}
}

// Name identifies the backend.
func (b *MockBackend) Name() domain.Provider { return domain.ProviderMock }

// Available always reports true; the mock needs no credentials.
func (b *MockBackend) Available() bool { return true }

// DefaultModel is the model used when the caller does not pick one.
func (b *MockBackend) DefaultModel() string { return b.Model }

// Complete returns a deterministic completion derived from the prompt.
func (b *MockBackend) Complete(ctx context.Context, model, prompt string) (domain.Completion, error) {
	if err := ctx.Err(); err != nil {
		return domain.Completion{}, domain.WrapCoreError(domain.ErrProviderCall.Code, "mock call", err)
	}
	if b.FailMarker != "" && strings.Contains(prompt, b.FailMarker) {
		return domain.Completion{}, domain.WrapCoreError(domain.ErrProviderCall.Code,
			"mock backend configured to fail for this prompt", nil)
	}

	h := fnv.New32a()
	h.Write([]byte(prompt))
	text := fmt.Sprintf("[mock:%08x] %s", h.Sum32(), summarize(prompt))

	inputTokens := int64(len(prompt)) / 4
	if inputTokens < 1 {
		inputTokens = 1
	}
	return domain.Completion{
		Text:         text,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: int64(len(text)) / 4,
	}, nil
}

// summarize keeps the first line of the prompt, clipped to 120 characters.
func summarize(prompt string) string {
	line := prompt
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if len(line) > 120 {
		line = line[:120]
	}
	return line
}
