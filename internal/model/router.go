package model

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/harunnryd/toolbridge/internal/config"
	tbErrors "github.com/harunnryd/toolbridge/internal/errors"
	"github.com/harunnryd/toolbridge/internal/logger"
	"github.com/harunnryd/toolbridge/internal/model/contract"
	anthropicProvider "github.com/harunnryd/toolbridge/internal/model/providers/anthropic"
	geminiProvider "github.com/harunnryd/toolbridge/internal/model/providers/gemini"
	openaiProvider "github.com/harunnryd/toolbridge/internal/model/providers/openai"
)

const (
	defaultOllamaBaseURL = "http://localhost:11434/v1"
	defaultOllamaAPIKey  = "ollama"
	defaultZaiBaseURL    = "https://api.z.ai/api/paas/v4/"
)

// Router sends completions to the configured default model and retries once
// on the fallback model when the default fails.
type Router struct {
	cfg       config.ModelsConfig
	providers map[string]Provider
	timeouts  map[string]time.Duration
	mu        sync.RWMutex
}

// NewRouter builds providers for every registry entry that can be constructed.
func NewRouter(cfg config.ModelsConfig) (*Router, error) {
	r := &Router{
		cfg:       cfg,
		providers: make(map[string]Provider),
		timeouts:  make(map[string]time.Duration),
	}

	for _, entry := range cfg.Registry {
		provider, err := createProvider(entry)
		if err != nil {
			slog.Warn("Failed to create provider", "provider", entry.Provider, "model", entry.Name, "error", err)
			continue
		}
		r.providers[entry.Name] = provider
		r.timeouts[entry.Name] = config.MustDuration(entry.RequestTimeout, config.DefaultModelRequestTimeout)
		slog.Debug("Provider initialized", "name", entry.Name, "type", entry.Provider)
	}

	if _, ok := r.providers[cfg.Default]; !ok {
		return nil, tbErrors.InvalidInput(fmt.Sprintf("default model %q has no usable provider (check its api_key)", cfg.Default))
	}

	return r, nil
}

// NewRouterWithProviders wires pre-built providers keyed by model name.
func NewRouterWithProviders(cfg config.ModelsConfig, providers map[string]Provider) *Router {
	return &Router{cfg: cfg, providers: providers, timeouts: map[string]time.Duration{}}
}

// Generate implements Generator. An empty req.Model selects the default model.
func (r *Router) Generate(ctx context.Context, req contract.CompletionRequest) (*contract.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = r.cfg.Default
	}
	log := logger.FromContext(ctx, nil)

	var lastErr error
	for _, name := range r.tryOrder(model) {
		if err := ctx.Err(); err != nil {
			return nil, tbErrors.Wrap(err, "model request cancelled")
		}

		r.mu.RLock()
		provider, ok := r.providers[name]
		timeout := r.timeouts[name]
		r.mu.RUnlock()
		if !ok {
			lastErr = tbErrors.NotFound(fmt.Sprintf("model %s not found", name))
			continue
		}

		attempt := req
		attempt.Model = name
		resp, err := r.generate(ctx, provider, attempt, timeout)
		if err == nil {
			log.Debug("Model request completed", "model", name, "blocks", len(resp.Blocks))
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, tbErrors.Wrap(ctx.Err(), "model request cancelled")
		}

		log.Warn("Model request failed", "model", name, "error", err)
		lastErr = err
	}

	if tbErrors.IsCategory(lastErr, tbErrors.ErrInvalidModelOutput) || tbErrors.IsCategory(lastErr, tbErrors.ErrNotFound) {
		return nil, lastErr
	}
	return nil, tbErrors.WrapWithCategory(lastErr, "model request failed", tbErrors.ErrTransient)
}

func (r *Router) generate(ctx context.Context, p Provider, req contract.CompletionRequest, timeout time.Duration) (*contract.CompletionResponse, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return p.Generate(ctx, req)
}

func (r *Router) tryOrder(model string) []string {
	order := []string{model}
	if r.cfg.Fallback != "" && r.cfg.Fallback != model {
		order = append(order, r.cfg.Fallback)
	}
	return order
}

// ListModels returns the registered model names, sorted.
func (r *Router) ListModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	models := make([]string, 0, len(r.providers))
	for name := range r.providers {
		models = append(models, name)
	}
	sort.Strings(models)
	return models
}

func createProvider(entry config.ModelRegistry) (Provider, error) {
	switch entry.Provider {
	case "openai":
		if entry.APIKey == "" {
			return nil, tbErrors.InvalidInput("API key required for OpenAI provider")
		}
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = config.DefaultOpenAIBaseURL
		}
		return openaiProvider.New(entry.APIKey, baseURL, entry.Name), nil

	case "ollama":
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = defaultOllamaBaseURL
		}
		apiKey := entry.APIKey
		if apiKey == "" {
			apiKey = defaultOllamaAPIKey
		}
		return openaiProvider.NewCompatible("ollama", apiKey, baseURL, entry.Name), nil

	case "zai":
		if entry.APIKey == "" {
			return nil, tbErrors.InvalidInput("API key required for Zai provider")
		}
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = defaultZaiBaseURL
		}
		return openaiProvider.NewCompatible("zai", entry.APIKey, baseURL, entry.Name), nil

	case "anthropic":
		if entry.APIKey == "" {
			return nil, tbErrors.InvalidInput("API key required for Anthropic provider")
		}
		return anthropicProvider.New(entry.APIKey, entry.BaseURL, entry.Name), nil

	case "gemini":
		if entry.APIKey == "" {
			return nil, tbErrors.InvalidInput("API key required for Gemini provider")
		}
		provider, err := geminiProvider.New(entry.APIKey, entry.BaseURL, entry.Name)
		if err != nil {
			return nil, tbErrors.WrapWithCategory(err, "failed to create Gemini provider", tbErrors.ErrInternal)
		}
		return provider, nil

	default:
		return nil, tbErrors.InvalidInput(fmt.Sprintf("unknown provider type: %s", entry.Provider))
	}
}
