// Package config handles loading and validating relay configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix marks environment variables that override config keys.
// Nesting uses a double underscore: LLMRELAY_RELAY__TOKEN_DELAY -> relay.token_delay.
const envPrefix = "LLMRELAY_"

// Provider ids known to the relay, in registration order.
const (
	OpenAI    = "openai"
	Anthropic = "anthropic"
	Google    = "google"
	Mistral   = "mistral"
	Groq      = "groq"
	XAI       = "xai"
	LMStudio  = "lmstudio"
)

// ProviderIDs lists every provider id in registration order.
var ProviderIDs = []string{OpenAI, Anthropic, Google, Mistral, Groq, XAI, LMStudio}

// defaultBaseURLs is the upstream endpoint used when none is configured.
var defaultBaseURLs = map[string]string{
	OpenAI:    "https://api.openai.com/v1",
	Anthropic: "https://api.anthropic.com/v1",
	Google:    "https://generativelanguage.googleapis.com/v1beta",
	Mistral:   "https://api.mistral.ai/v1",
	Groq:      "https://api.groq.com/openai/v1",
	XAI:       "https://api.x.ai/v1",
	LMStudio:  "http://localhost:1234/v1",
}

// Config is the top-level configuration for the relay.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Relay     RelayConfig               `koanf:"relay"`
	Log       LogConfig                 `koanf:"log"`
	Cache     CacheConfig               `koanf:"cache"`
	Providers map[string]ProviderConfig `koanf:"providers"`
}

// ServerConfig holds HTTP server settings. WriteTimeout stays zero by
// default because SSE responses are long-lived.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// RelayConfig tunes the streaming relay.
type RelayConfig struct {
	TokenDelay         time.Duration `koanf:"token_delay"`
	UpstreamTimeout    time.Duration `koanf:"upstream_timeout"`
	MaxMessageBytes    int           `koanf:"max_message_bytes"`
	MaxSystemPromptLen int           `koanf:"max_system_prompt_len"`
}

// LogConfig controls the zerolog root logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

// CacheConfig selects the backing store for cached provider data
// (currently the LM Studio model catalogue).
type CacheConfig struct {
	Backend string        `koanf:"backend"` // "memory" or "redis"
	TTL     time.Duration `koanf:"ttl"`
	Redis   RedisConfig   `koanf:"redis"`
}

// RedisConfig holds connection settings for the redis cache backend.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// ProviderConfig holds the settings for a single LLM provider.
type ProviderConfig struct {
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
}

// Defaults returns the configuration used for any value left unset.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:        8080,
			ReadTimeout: 30 * time.Second,
		},
		Relay: RelayConfig{
			TokenDelay:         20 * time.Millisecond,
			UpstreamTimeout:    30 * time.Second,
			MaxMessageBytes:    8192,
			MaxSystemPromptLen: 4096,
		},
		Log: LogConfig{
			Level: "info",
		},
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     5 * time.Minute,
		},
	}
}

// defaultValues flattens Defaults() into koanf keys.
//
// Defaults are loaded into koanf as the lowest layer instead of being
// filled in after unmarshaling. That way the file and the environment
// override them key by key, and an explicit zero such as
// relay.token_delay: 0s (simulated streaming without a pause) survives.
// Filling zero fields afterwards could not tell "unset" from "set to 0".
func defaultValues() map[string]any {
	d := Defaults()
	return map[string]any{
		"server.port":                 d.Server.Port,
		"server.read_timeout":         d.Server.ReadTimeout,
		"server.write_timeout":        d.Server.WriteTimeout,
		"relay.token_delay":           d.Relay.TokenDelay,
		"relay.upstream_timeout":      d.Relay.UpstreamTimeout,
		"relay.max_message_bytes":     d.Relay.MaxMessageBytes,
		"relay.max_system_prompt_len": d.Relay.MaxSystemPromptLen,
		"log.level":                   d.Log.Level,
		"log.pretty":                  d.Log.Pretty,
		"cache.backend":               d.Cache.Backend,
		"cache.ttl":                   d.Cache.TTL,
		"cache.redis.addr":            d.Cache.Redis.Addr,
		"cache.redis.password":        d.Cache.Redis.Password,
		"cache.redis.db":              d.Cache.Redis.DB,
	}
}

// Load builds the Config in layers, each overriding the one before:
//
//  1. Defaults()
//  2. the YAML file at path (a missing file is not an error)
//  3. conventional provider variables such as OPENAI_API_KEY
//  4. LLMRELAY_ overrides
//
// A .env file in the working directory is loaded into the process
// environment first, so its values take part in steps 3 and 4.
func Load(path string) (*Config, error) {
	// Load .env into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultValues(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Conventional per-provider variables: OPENAI_API_KEY, GROQ_BASE_URL, ...
	if err := k.Load(env.Provider("", ".", providerEnvKey), nil); err != nil {
		return nil, fmt.Errorf("loading provider env vars: %w", err)
	}

	// LLMRELAY_ overrides win over everything else.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, envPrefix)),
			"__", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// providerEnvKey maps OPENAI_API_KEY style variables onto koanf keys.
// Returning "" tells koanf to skip the variable.
func providerEnvKey(s string) string {
	for _, id := range ProviderIDs {
		prefix := strings.ToUpper(id) + "_"
		switch s {
		case prefix + "API_KEY":
			return "providers." + id + ".api_key"
		case prefix + "BASE_URL":
			return "providers." + id + ".base_url"
		}
	}
	return ""
}

// applyDefaults fills in per-provider settings. Section defaults are
// already in place from defaultValues.
func (c *Config) applyDefaults() error {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig, len(ProviderIDs))
	}
	for _, id := range ProviderIDs {
		p := c.Providers[id]
		// Expand ${VAR_NAME} placeholders in api keys.
		if strings.HasPrefix(p.APIKey, "${") && strings.HasSuffix(p.APIKey, "}") {
			p.APIKey = os.Getenv(p.APIKey[2 : len(p.APIKey)-1])
		}
		// An empty base URL always means the public endpoint.
		if err := mergo.Merge(&p, ProviderConfig{BaseURL: defaultBaseURLs[id]}); err != nil {
			return fmt.Errorf("merging %s defaults: %w", id, err)
		}
		p.BaseURL = strings.TrimRight(p.BaseURL, "/")
		c.Providers[id] = p
	}
	return nil
}

// Provider returns the settings for one provider id.
func (c *Config) Provider(id string) ProviderConfig {
	return c.Providers[id]
}
