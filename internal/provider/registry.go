package provider

import (
	"fmt"

	"github.com/howard-nolan/llmrelay/internal/config"
	"github.com/samber/lo"
)

// factory builds one adapter from its config section.
type factory func(pc config.ProviderConfig, opts Options) Provider

// factories maps each known provider id to its constructor.
var factories = map[string]factory{
	config.OpenAI: func(pc config.ProviderConfig, opts Options) Provider {
		return NewOpenAI(pc, opts)
	},
	config.Anthropic: func(pc config.ProviderConfig, opts Options) Provider {
		return NewAnthropicProvider(pc, opts)
	},
	config.Google: func(pc config.ProviderConfig, opts Options) Provider {
		return NewGoogleProvider(pc, opts)
	},
	config.Mistral: func(pc config.ProviderConfig, opts Options) Provider {
		return NewMistral(pc, opts)
	},
	config.Groq: func(pc config.ProviderConfig, opts Options) Provider {
		return NewGroq(pc, opts)
	},
	config.XAI: func(pc config.ProviderConfig, opts Options) Provider {
		return NewXAI(pc, opts)
	},
	config.LMStudio: func(pc config.ProviderConfig, opts Options) Provider {
		return NewLMStudio(pc, opts)
	},
}

// Registry maps provider ids to adapters. It is built once at startup
// and never modified, so it is safe for concurrent use without locking.
type Registry struct {
	order     []string
	providers map[string]Provider
}

// NewRegistry builds every known adapter from cfg, in config.ProviderIDs
// order. Unconfigured providers are still registered; callers check
// IsConfigured before dispatching.
func NewRegistry(cfg *config.Config, opts Options) *Registry {
	opts = opts.withDefaults()
	all := lo.Map(config.ProviderIDs, func(id string, _ int) Provider {
		return factories[id](cfg.Provider(id), opts)
	})
	r, err := NewRegistryFrom(all...)
	if err != nil {
		// ProviderIDs holds no duplicates.
		panic(err)
	}
	return r
}

// NewRegistryFrom registers the given adapters in argument order.
func NewRegistryFrom(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		id := p.Descriptor().ID
		if _, dup := r.providers[id]; dup {
			return nil, fmt.Errorf("provider %q registered twice", id)
		}
		r.order = append(r.order, id)
		r.providers[id] = p
	}
	return r, nil
}

// Get returns the adapter for id.
func (r *Registry) Get(id string) (Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// IDs returns every registered id in registration order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}

// Providers returns every adapter in registration order.
func (r *Registry) Providers() []Provider {
	return lo.Map(r.order, func(id string, _ int) Provider {
		return r.providers[id]
	})
}
