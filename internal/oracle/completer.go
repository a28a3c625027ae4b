package oracle

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangchainCompleter adapts a langchaingo model to the Completer
// interface. It works against any OpenAI-compatible endpoint, which covers
// both hosted oracles and local inference servers.
type LangchainCompleter struct {
	model llms.Model
}

// CompleterConfig holds connection settings for the oracle backend.
type CompleterConfig struct {
	// BaseURL is the OpenAI-compatible API base URL.
	BaseURL string

	// Model is the model name to request.
	Model string

	// APIKey authenticates the request. Optional for local backends.
	APIKey string
}

// NewLangchainCompleter creates a completer for an OpenAI-compatible
// endpoint.
func NewLangchainCompleter(cfg CompleterConfig) (*LangchainCompleter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("oracle base URL required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("oracle model required")
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		// langchaingo requires a non-empty token even for local
		// backends that ignore it.
		apiKey = "unused"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating oracle model: %w", err)
	}

	return &LangchainCompleter{model: llm}, nil
}

// Complete generates a completion for the prompt.
func (l *LangchainCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	response, err := llms.GenerateFromSinglePrompt(ctx, l.model, prompt)
	if err != nil {
		return "", fmt.Errorf("oracle completion: %w", err)
	}
	return response, nil
}
