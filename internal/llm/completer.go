// Package llm implements the kernel's external classification and
// summarization capabilities on top of a text completion backend.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel"

	otelPkg "github.com/basket/claw-kernel/internal/otel"
)

// ErrNoAPIKey is returned when the configured provider has no credentials.
var ErrNoAPIKey = errors.New("llm: api key not configured")

// Completer produces a completion for a system instruction and a prompt.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, system, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, system, prompt string) (string, error) {
	return f(ctx, system, prompt)
}

// Config selects the completion backend.
type Config struct {
	// Provider is one of "google", "anthropic", "openai", "openai_compatible"
	// or "openrouter". Empty defaults to "google".
	Provider string
	Model    string
	APIKey   string

	// BaseURL is used by openai_compatible and overrides the SDK default for
	// anthropic and openai.
	BaseURL string
	// CompatibleProvider names the openai_compatible backend.
	CompatibleProvider string
}

var defaultModels = map[string]string{
	"google":            "gemini-2.5-flash",
	"anthropic":         "claude-haiku-4-5",
	"openai":            "gpt-4o-mini",
	"openai_compatible": "gpt-4o-mini",
	"openrouter":        "openrouter/auto",
}

// GenkitCompleter is a Completer backed by a Genkit instance.
type GenkitCompleter struct {
	g         *genkit.Genkit
	provider  string
	modelName string
}

// NewGenkitCompleter initializes Genkit with the configured provider plugin.
// It returns ErrNoAPIKey when neither cfg nor the provider's environment
// variable supplies a key.
func NewGenkitCompleter(ctx context.Context, cfg Config) (*GenkitCompleter, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	if _, ok := defaultModels[provider]; !ok {
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModels[provider]
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w for provider %s", ErrNoAPIKey, provider)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("ANTHROPIC_BASE_URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey, BaseURL: baseURL}))
	case "openai":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("OPENAI_BASE_URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  baseURL,
		}))
	case "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.CompatibleProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "openrouter":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  "https://openrouter.ai/api/v1",
		}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel("googleai/"+model),
		)
	}

	name := modelNameForProvider(provider, model)
	slog.Info("llm completer initialized", "provider", provider, "model", name)
	return &GenkitCompleter{g: g, provider: provider, modelName: name}, nil
}

// Complete implements Completer.
func (c *GenkitCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	ctx, span := otelPkg.StartClientSpan(ctx, otel.Tracer(otelPkg.TracerName), "llm.complete",
		otelPkg.AttrModel.String(c.modelName))
	defer span.End()

	resp, err := genkit.Generate(ctx, c.g,
		ai.WithModelName(c.modelName),
		ai.WithSystem(escapePercent(system)),
		ai.WithPrompt(escapePercent(prompt)),
	)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("generate (%s): %w", c.provider, err)
	}
	return resp.Text(), nil
}

// ModelName returns the fully qualified model name used for generation.
func (c *GenkitCompleter) ModelName() string {
	return c.modelName
}

// escapePercent keeps user text intact through the format-style prompt
// options.
func escapePercent(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}
