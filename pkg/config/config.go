// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads Forge settings from defaults, an optional YAML file,
// FORGE_ prefixed environment variables and key=value overrides, in that order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Operating modes.
const (
	ModeInteractive = "interactive"
	ModeAutonomous  = "autonomous"
)

type Config struct {
	Log          LogConfig          `koanf:"log"`
	LLM          LLMConfig          `koanf:"llm"`
	Sandbox      SandboxConfig      `koanf:"sandbox"`
	Registry     RegistryConfig     `koanf:"registry"`
	Corrective   CorrectiveConfig   `koanf:"corrective"`
	Resolver     ResolverConfig     `koanf:"resolver"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Runs         RunsConfig         `koanf:"runs"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Index        IndexConfig        `koanf:"index"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type LLMConfig struct {
	Provider    string        `koanf:"provider"` // ollama, openai, mock
	Model       string        `koanf:"model"`
	BaseURL     string        `koanf:"base_url"`
	APIKey      string        `koanf:"api_key"`
	Temperature float64       `koanf:"temperature"`
	Timeout     time.Duration `koanf:"timeout"`
	MaxRetries  int           `koanf:"max_retries"`
}

// SandboxConfig bounds every generated-code execution.
type SandboxConfig struct {
	Python          string        `koanf:"python"`
	Timeout         time.Duration `koanf:"timeout"`
	MemoryMB        int           `koanf:"memory_mb"`
	MaxOutputBytes  int           `koanf:"max_output_bytes"`
	SystemInstaller string        `koanf:"system_installer"`
	EnvFile         string        `koanf:"env_file"`
	MaxConcurrent   int64         `koanf:"max_concurrent"`
	KeepWorkspace   bool          `koanf:"keep_workspace"`
}

type RegistryConfig struct {
	Driver string `koanf:"driver"` // sqlite, memory
	Path   string `koanf:"path"`
}

// CorrectiveConfig holds the corrective loop policy constants.
type CorrectiveConfig struct {
	TotalAttempts    int `koanf:"total_attempts"`
	DiscardThreshold int `koanf:"discard_threshold"`
}

type ResolverConfig struct {
	MinConfidence float64 `koanf:"min_confidence"`
	MaxCandidates int     `koanf:"max_candidates"`
}

type OrchestratorConfig struct {
	Mode             string `koanf:"mode"`
	MaxReplans       int    `koanf:"max_replans"`
	SynthesisRetries int    `koanf:"synthesis_retries"`
	Review           bool   `koanf:"review"`
	// Synthesis allows new tools for unmatched capabilities. When false an
	// unmatched capability fails with RESOLUTION_ERROR.
	Synthesis        bool   `koanf:"synthesis"`
}

type RunsConfig struct {
	Store string `koanf:"store"` // file, sqlite, memory
	Dir   string `koanf:"dir"`
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // none, stdout, otlp
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
	ServiceName  string `koanf:"service_name"`
}

// IndexConfig enables the optional vector prefilter in front of the resolver.
type IndexConfig struct {
	Enabled         bool   `koanf:"enabled"`
	QdrantAddr      string `koanf:"qdrant_addr"`
	Collection      string `koanf:"collection"`
	EmbedderBaseURL string `koanf:"embedder_base_url"`
	EmbedderModel   string `koanf:"embedder_model"`
	TopK            int    `koanf:"top_k"`
}

var defaults = map[string]interface{}{
	"log.level":  "info",
	"log.format": "text",

	"llm.provider":    "ollama",
	"llm.model":       "qwen2.5-coder:7b-instruct-q5_K_M",
	"llm.base_url":    "",
	"llm.api_key":     "",
	"llm.temperature": 0.2,
	"llm.timeout":     "5m",
	"llm.max_retries": 2,

	"sandbox.python":           "python3",
	"sandbox.timeout":          "120s",
	"sandbox.memory_mb":        1024,
	"sandbox.max_output_bytes": 1 << 20,
	"sandbox.system_installer": "apt-get install -y",
	"sandbox.env_file":         "",
	"sandbox.max_concurrent":   2,
	"sandbox.keep_workspace":   false,

	"registry.driver": "sqlite",
	"registry.path":   "forge_registry.db",

	"corrective.total_attempts":    5,
	"corrective.discard_threshold": 3,

	"resolver.min_confidence": 0.8,
	"resolver.max_candidates": 20,

	"orchestrator.mode":              ModeInteractive,
	"orchestrator.max_replans":       1,
	"orchestrator.synthesis_retries": 3,
	"orchestrator.review":            true,
	"orchestrator.synthesis":         true,

	"runs.store": "file",
	"runs.dir":   "runs",

	"telemetry.exporter":      "none",
	"telemetry.otlp_endpoint": "localhost:4317",
	"telemetry.otlp_insecure": true,
	"telemetry.service_name":  "forge",

	"index.enabled":           false,
	"index.qdrant_addr":       "localhost:6334",
	"index.collection":        "forge_tools",
	"index.embedder_base_url": "http://localhost:11434",
	"index.embedder_model":    "nomic-embed-text",
	"index.top_k":             8,
}

// Load reads configuration from path (optional), the environment and the
// given key=value overrides.
func Load(path string, overrides ...string) (*Config, error) {
	k := koanf.New(".")
	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return nil, err
		}
	}

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	// 2. Load from ENV (FORGE_SANDBOX_MEMORY_MB -> sandbox.memory_mb)
	if err := k.Load(env.Provider("FORGE_", ".", envKey), nil); err != nil {
		return nil, err
	}

	// 3. Explicit overrides
	for _, kv := range overrides {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid override %q, expected key=value", kv)
		}
		if err := k.Set(strings.TrimSpace(key), strings.TrimSpace(val)); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps FORGE_SECTION_SOME_KEY to section.some_key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, "FORGE_"))
	return strings.Replace(s, "_", ".", 1)
}

// Validate checks the policy values that the pipeline depends on.
func (c *Config) Validate() error {
	switch c.Orchestrator.Mode {
	case ModeInteractive, ModeAutonomous:
	default:
		return fmt.Errorf("orchestrator.mode must be %q or %q, got %q", ModeInteractive, ModeAutonomous, c.Orchestrator.Mode)
	}
	if c.Corrective.TotalAttempts < 1 {
		return fmt.Errorf("corrective.total_attempts must be >= 1")
	}
	if c.Corrective.DiscardThreshold < 1 {
		return fmt.Errorf("corrective.discard_threshold must be >= 1")
	}
	if c.Resolver.MinConfidence <= 0 || c.Resolver.MinConfidence > 1 {
		return fmt.Errorf("resolver.min_confidence must be in (0, 1]")
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive")
	}
	return nil
}

// Autonomous reports whether the orchestrator must never suspend for input.
func (c *Config) Autonomous() bool {
	return c.Orchestrator.Mode == ModeAutonomous
}
