// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package router ties the tiers together: fast-path patterns, the
// semantic cache, the intent classifier, and the agentic reasoning loop,
// with every turn persisted as one atomic unit.
package router

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianConverse/services/router/datatypes"
)

// Config is the full router service configuration.
type Config struct {
	Server struct {
		// Addr is the HTTP listen address.
		Addr string `yaml:"addr" validate:"required"`
	} `yaml:"server"`

	Storage struct {
		// Path is the Badger data directory. Ignored when InMemory.
		Path     string `yaml:"path"`
		InMemory bool   `yaml:"in_memory"`

		// TurnTTL expires conversation turns; zero keeps them forever.
		TurnTTL time.Duration `yaml:"turn_ttl"`
	} `yaml:"storage"`

	Redis struct {
		// Addr enables the shared Redis L1 cache when set. Empty falls
		// back to the in-process L1.
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db" validate:"gte=0"`
	} `yaml:"redis"`

	Weaviate struct {
		// Host enables the L2 semantic cache when set.
		Host   string `yaml:"host"`
		Scheme string `yaml:"scheme"`
	} `yaml:"weaviate"`

	LLM struct {
		// Provider selects the backend: "openai" or "mock".
		Provider string `yaml:"provider" validate:"required,oneof=openai mock"`
		Model    string `yaml:"model"`

		// RequestTimeout bounds each generation call.
		RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`

		// BreakerThreshold is consecutive failures before the circuit opens.
		BreakerThreshold int `yaml:"breaker_threshold" validate:"gte=1"`

		// BreakerCooldown is how long the circuit stays open.
		BreakerCooldown time.Duration `yaml:"breaker_cooldown" validate:"gt=0"`

		// PromptCostPer1K and CompletionCostPer1K price tokens in USD for
		// decision-event cost estimates.
		PromptCostPer1K     float64 `yaml:"prompt_cost_per_1k" validate:"gte=0"`
		CompletionCostPer1K float64 `yaml:"completion_cost_per_1k" validate:"gte=0"`
	} `yaml:"llm"`

	Cache struct {
		ServeThreshold   float64       `yaml:"serve_threshold" validate:"gt=0,lte=1"`
		SuggestThreshold float64       `yaml:"suggest_threshold" validate:"gte=0,lte=1"`
		L1TTL            time.Duration `yaml:"l1_ttl" validate:"gt=0"`

		// SkipStates lists lifecycle states in which the knowledge tier is
		// bypassed entirely, so cached answers never interrupt a user who
		// is mid-flow.
		SkipStates []string `yaml:"skip_states"`
	} `yaml:"cache"`

	Agent struct {
		// ToolBudget caps tool executions per turn.
		ToolBudget int `yaml:"tool_budget" validate:"gte=1,lte=10"`

		// HistoryWindow is how many recent turns feed the prompt.
		HistoryWindow int `yaml:"history_window" validate:"gte=0,lte=100"`
	} `yaml:"agent"`

	Tasks struct {
		Workers   int `yaml:"workers" validate:"gte=1"`
		QueueSize int `yaml:"queue_size" validate:"gte=1"`
	} `yaml:"tasks"`

	Logging struct {
		// Level is debug, info, warn, or error.
		Level string `yaml:"level" validate:"oneof=debug info warn error"`
	} `yaml:"logging"`
}

// DefaultConfig returns a runnable single-node configuration.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Addr = ":8080"
	cfg.Storage.Path = "/var/lib/converse/badger"
	cfg.Storage.TurnTTL = 30 * 24 * time.Hour
	cfg.Weaviate.Scheme = "http"
	cfg.LLM.Provider = "openai"
	cfg.LLM.RequestTimeout = 20 * time.Second
	cfg.LLM.BreakerThreshold = 5
	cfg.LLM.BreakerCooldown = 30 * time.Second
	cfg.LLM.PromptCostPer1K = 0.00015
	cfg.LLM.CompletionCostPer1K = 0.0006
	cfg.Cache.ServeThreshold = 0.95
	cfg.Cache.SuggestThreshold = 0.85
	cfg.Cache.L1TTL = 6 * time.Hour
	cfg.Cache.SkipStates = []string{"viewing", "comparing", "purchasing", "searching"}
	cfg.Agent.ToolBudget = 3
	cfg.Agent.HistoryWindow = 12
	cfg.Tasks.Workers = 4
	cfg.Tasks.QueueSize = 256
	cfg.Logging.Level = "info"
	return cfg
}

// LoadConfig reads a YAML config file over the defaults and validates the
// result. An empty path returns validated defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Cache.SuggestThreshold > cfg.Cache.ServeThreshold {
		return cfg, fmt.Errorf("cache.suggest_threshold must not exceed cache.serve_threshold")
	}
	for _, raw := range cfg.Cache.SkipStates {
		if _, ok := datatypes.ParseLifecycleState(raw); !ok {
			return cfg, fmt.Errorf("cache.skip_states: %q is not a lifecycle state", raw)
		}
	}
	return cfg, nil
}

// CacheSkipStates returns the configured knowledge-tier bypass states as a
// lookup set.
func (c *Config) CacheSkipStates() map[datatypes.LifecycleState]bool {
	set := make(map[datatypes.LifecycleState]bool, len(c.Cache.SkipStates))
	for _, raw := range c.Cache.SkipStates {
		if state, ok := datatypes.ParseLifecycleState(raw); ok {
			set[state] = true
		}
	}
	return set
}

// EstimateCostUSD prices a request's token usage.
func (c *Config) EstimateCostUSD(prompt, completion int) float64 {
	return float64(prompt)/1000*c.LLM.PromptCostPer1K +
		float64(completion)/1000*c.LLM.CompletionCostPer1K
}
