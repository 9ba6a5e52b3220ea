// Package config defines the static configuration document for the
// orchestrator: per-stage model settings, LLM endpoints, retry budgets,
// provider processes, and platform mappings.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration document.
type Config struct {
	LLM       LLMConfig        `yaml:"llm"`
	Stages    StagesConfig     `yaml:"stages"`
	Retry     RetryConfig      `yaml:"retry"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Providers []ProviderConfig `yaml:"providers"`
	Memory    MemoryConfig     `yaml:"memory"`
	Platform  PlatformConfig   `yaml:"platform"`
	Server    ServerConfig     `yaml:"server"`
}

// LLMConfig configures the chat-completions endpoints.
type LLMConfig struct {
	APIEndpoint EndpointConfig `yaml:"api_endpoint"`
	APIKey      string         `yaml:"api_key"`
}

// EndpointConfig holds the primary endpoint and its optional fallback.
type EndpointConfig struct {
	Primary     string `yaml:"primary"`
	Fallback    string `yaml:"fallback"`
	UseFallback bool   `yaml:"use_fallback"`
}

// StageConfig is the per-stage model configuration. Every pipeline stage may
// carry its own primary and fallback model.
type StageConfig struct {
	Model         string        `yaml:"model"`
	FallbackModel string        `yaml:"fallback_model"`
	Temperature   float32       `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
	Timeout       time.Duration `yaml:"timeout"`
}

// StagesConfig names the configuration of each pipeline stage.
type StagesConfig struct {
	Router      StageConfig `yaml:"router"`
	Chat        StageConfig `yaml:"chat"`
	Planner     StageConfig `yaml:"planner"`
	Selector    StageConfig `yaml:"selector"`
	ToolPlanner StageConfig `yaml:"tool_planner"`
	Verifier    StageConfig `yaml:"verifier"`
	Replanner   StageConfig `yaml:"replanner"`
	Memory      StageConfig `yaml:"memory"`
}

// RetryConfig holds the orchestration retry budgets.
type RetryConfig struct {
	ItemExecution ItemExecutionRetry `yaml:"item_execution"`
	Replanning    ReplanningRetry    `yaml:"replanning"`
	ToolPlanning  ToolPlanningRetry  `yaml:"tool_planning"`
}

// ItemExecutionRetry bounds attempts of a single todo item.
type ItemExecutionRetry struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// ReplanningRetry bounds replan rounds and child injection.
type ReplanningRetry struct {
	MaxAttempts int `yaml:"max_attempts"`
	MaxNewItems int `yaml:"max_new_items"`
}

// ToolPlanningRetry bounds tool-planning attempts per item attempt.
type ToolPlanningRetry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// RateLimitConfig configures the process-wide throttler.
type RateLimitConfig struct {
	MinSpacing  time.Duration `yaml:"min_spacing"`
	MaxInFlight int           `yaml:"max_in_flight"`
	Enabled     bool          `yaml:"enabled"`
}

// ProviderConfig describes one capability provider process.
type ProviderConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
	// Memory marks the provider used for long-term memory.
	Memory bool `yaml:"memory"`
}

// MemoryConfig tunes the memory coordinator.
type MemoryConfig struct {
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	CacheSize    int           `yaml:"cache_size"`
	TopEntities  int           `yaml:"top_entities"`
	TopRelations int           `yaml:"top_relations"`
}

// PlatformConfig carries host-specific mappings applied to planned calls.
type PlatformConfig struct {
	// Apps maps friendly application names to launchable targets.
	Apps map[string]string `yaml:"apps"`
	// Paths maps symbolic locations ("desktop", "downloads") to directories.
	Paths map[string]string `yaml:"paths"`
	// Commands maps foreign shell commands to the platform equivalent.
	Commands map[string]string `yaml:"commands"`
	// ToolTimeout is the default per-tool invocation timeout.
	ToolTimeout time.Duration `yaml:"tool_timeout"`
}

// ServerConfig configures the serve-mode HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			APIEndpoint: EndpointConfig{Primary: "http://127.0.0.1:1234/v1"},
		},
		Stages: StagesConfig{
			Router:      StageConfig{Model: "default", Temperature: 0.1, MaxTokens: 256, Timeout: 60 * time.Second},
			Chat:        StageConfig{Model: "default", Temperature: 0.7, MaxTokens: 2048, Timeout: 120 * time.Second},
			Planner:     StageConfig{Model: "default", Temperature: 0.2, MaxTokens: 4096, Timeout: 120 * time.Second},
			Selector:    StageConfig{Model: "default", Temperature: 0.1, MaxTokens: 512, Timeout: 60 * time.Second},
			ToolPlanner: StageConfig{Model: "default", Temperature: 0.1, MaxTokens: 4096, Timeout: 120 * time.Second},
			Verifier:    StageConfig{Model: "default", Temperature: 0.1, MaxTokens: 2048, Timeout: 90 * time.Second},
			Replanner:   StageConfig{Model: "default", Temperature: 0.3, MaxTokens: 4096, Timeout: 120 * time.Second},
			Memory:      StageConfig{Model: "default", Temperature: 0.1, MaxTokens: 512, Timeout: 60 * time.Second},
		},
		Retry: RetryConfig{
			ItemExecution: ItemExecutionRetry{MaxAttempts: 1},
			Replanning:    ReplanningRetry{MaxAttempts: 3, MaxNewItems: 10},
			ToolPlanning:  ToolPlanningRetry{MaxAttempts: 3, RetryDelay: 2 * time.Second},
		},
		RateLimit: RateLimitConfig{
			MinSpacing:  250 * time.Millisecond,
			MaxInFlight: 4,
			Enabled:     true,
		},
		Memory: MemoryConfig{
			CacheTTL:     5 * time.Minute,
			CacheSize:    20,
			TopEntities:  5,
			TopRelations: 3,
		},
		Platform: PlatformConfig{
			ToolTimeout: 30 * time.Second,
		},
		Server: ServerConfig{Addr: "127.0.0.1:8700"},
	}
}

// Validate checks the document for configuration errors.
func (c *Config) Validate() error {
	if c.LLM.APIEndpoint.Primary == "" {
		return fmt.Errorf("llm.api_endpoint.primary is required")
	}
	if c.LLM.APIEndpoint.UseFallback && c.LLM.APIEndpoint.Fallback == "" {
		return fmt.Errorf("llm.api_endpoint.fallback is required when use_fallback is set")
	}
	if c.Retry.ItemExecution.MaxAttempts < 1 {
		return fmt.Errorf("retry.item_execution.max_attempts must be at least 1")
	}
	if c.Retry.Replanning.MaxAttempts < 0 {
		return fmt.Errorf("retry.replanning.max_attempts must not be negative")
	}
	if c.Retry.Replanning.MaxNewItems < 1 {
		return fmt.Errorf("retry.replanning.max_new_items must be at least 1")
	}
	if c.Retry.ToolPlanning.MaxAttempts < 1 {
		return fmt.Errorf("retry.tool_planning.max_attempts must be at least 1")
	}
	seen := map[string]bool{}
	memory := 0
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		if p.URL == "" {
			return fmt.Errorf("provider %q: url is required", p.Name)
		}
		if p.Memory {
			memory++
		}
	}
	if memory > 1 {
		return fmt.Errorf("at most one provider may be marked as memory")
	}
	return nil
}

// Stage returns the configuration for a named stage, falling back to the
// planner stage for unknown names.
func (c *Config) Stage(name string) StageConfig {
	switch name {
	case "router":
		return c.Stages.Router
	case "chat":
		return c.Stages.Chat
	case "planner":
		return c.Stages.Planner
	case "selector":
		return c.Stages.Selector
	case "tool_planner":
		return c.Stages.ToolPlanner
	case "verifier":
		return c.Stages.Verifier
	case "replanner":
		return c.Stages.Replanner
	case "memory":
		return c.Stages.Memory
	default:
		return c.Stages.Planner
	}
}
