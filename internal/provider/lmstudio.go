package provider

import (
	"context"
	"time"

	"github.com/howard-nolan/llmrelay/internal/cache"
	"github.com/howard-nolan/llmrelay/internal/config"
	"github.com/howard-nolan/llmrelay/internal/metrics"
	"github.com/samber/lo"
)

// lmstudioContextLength is assumed for local models, since /v1/models
// does not report it.
const lmstudioContextLength = 4096

// lmstudioFallbackModels is served when the local server can't be reached.
var lmstudioFallbackModels = []ModelInfo{
	{ID: "local-model", DisplayName: "Local Model (LM Studio)", ContextLength: lmstudioContextLength},
}

// LMStudio is the adapter for a local LM Studio server. It speaks the
// OpenAI dialect but needs no key, and its catalogue is whatever models
// the user has loaded, so ListModels asks the server and caches the
// answer for a fixed TTL.
type LMStudio struct {
	*OpenAICompatible
	cache cache.Cache
	ttl   time.Duration
}

// NewLMStudio creates the LM Studio adapter.
func NewLMStudio(pc config.ProviderConfig, opts Options) *LMStudio {
	opts = opts.withDefaults()
	return &LMStudio{
		OpenAICompatible: newOpenAICompatible(Descriptor{
			ID:                config.LMStudio,
			DisplayName:       "LM Studio (local)",
			SupportsStreaming: true,
			DefaultModel:      lmstudioFallbackModels[0].ID,
		}, pc, lmstudioFallbackModels, opts),
		cache: opts.Cache,
		ttl:   opts.CacheTTL,
	}
}

// IsConfigured reports whether a server address is known.
func (l *LMStudio) IsConfigured() bool {
	return l.desc.BaseURL != ""
}

type lmstudioModel struct {
	ID string `json:"id"`
}

type lmstudioModelList struct {
	Data []lmstudioModel `json:"data"`
}

func (l *LMStudio) cacheKey() string {
	return "models:" + l.desc.ID + ":" + l.desc.BaseURL
}

// ListModels returns the cached catalogue, refreshing it from the server
// once the TTL has passed. A failed refresh returns the fallback list
// and is not cached, so the next call tries again.
func (l *LMStudio) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var models []ModelInfo
	if ok, err := cache.GetJSON(ctx, l.cache, l.cacheKey(), &models); err != nil {
		l.log.Warn().Err(err).Msg("model catalogue cache read failed")
	} else if ok {
		metrics.CatalogLookupsTotal.WithLabelValues(l.desc.ID, "hit").Inc()
		return models, nil
	}

	var list lmstudioModelList
	if err := l.getJSON(ctx, l.desc.BaseURL+"/models", l.headers(l.apiKey), &list); err != nil {
		metrics.CatalogLookupsTotal.WithLabelValues(l.desc.ID, "fallback").Inc()
		l.log.Warn().Err(err).Msg("fetching local models failed, using defaults")
		return append([]ModelInfo(nil), lmstudioFallbackModels...), nil
	}

	models = lo.Map(list.Data, func(m lmstudioModel, _ int) ModelInfo {
		return ModelInfo{ID: m.ID, DisplayName: m.ID, ContextLength: lmstudioContextLength}
	})
	if len(models) == 0 {
		models = append([]ModelInfo(nil), lmstudioFallbackModels...)
	}

	metrics.CatalogLookupsTotal.WithLabelValues(l.desc.ID, "fetched").Inc()
	if err := cache.SetJSON(ctx, l.cache, l.cacheKey(), models, l.ttl); err != nil {
		l.log.Warn().Err(err).Msg("model catalogue cache write failed")
	}
	return models, nil
}

// ResolveModel picks the first loaded model when the caller names none.
func (l *LMStudio) ResolveModel(ctx context.Context, model string) string {
	if model != "" {
		return model
	}
	models, _ := l.ListModels(ctx)
	if len(models) > 0 {
		return models[0].ID
	}
	return l.desc.DefaultModel
}

// TestConnection requests one token from the local server.
func (l *LMStudio) TestConnection(ctx context.Context, apiKey, model string) ConnectionResult {
	return l.OpenAICompatible.TestConnection(ctx, apiKey, l.ResolveModel(ctx, model))
}

// SendMessage performs one non-streaming completion against the local server.
func (l *LMStudio) SendMessage(ctx context.Context, model, message string, cfg GenerationConfig) (*ChatResponse, error) {
	return l.OpenAICompatible.SendMessage(ctx, l.ResolveModel(ctx, model), message, cfg)
}

// StreamMessage streams a completion from the local server.
func (l *LMStudio) StreamMessage(ctx context.Context, model, message string, cfg GenerationConfig) (<-chan StreamChunk, error) {
	return l.OpenAICompatible.StreamMessage(ctx, l.ResolveModel(ctx, model), message, cfg)
}
