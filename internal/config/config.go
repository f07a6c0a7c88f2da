// SPDX-License-Identifier: MIT

// Package config loads the daemon configuration from environment knobs
// and an optional signed JSON file, validates it, and supports hot reload
// of non-critical knobs.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// BackendConfig names the services the gateway fronts.
type BackendConfig struct {
	ModelRouterURL  string `json:"model_router_url"`
	MemoryURL       string `json:"memory_url"`
	ToolExecutorURL string `json:"tool_executor_url"`
	PerceptionURL   string `json:"perception_url"`
}

// RateLimitConfig tunes the per-client token bucket.
type RateLimitConfig struct {
	Rate  float64 `json:"rate"`
	Burst int     `json:"burst"`
}

// BudgetConfig declares the per-dimension output ceilings.
type BudgetConfig struct {
	TextChars     int `json:"text_chars"`
	ContextChars  int `json:"context_chars"`
	ToolCalls     int `json:"tool_calls"`
	VisionFrames  int `json:"vision_frames"`
	MemoryEntries int `json:"memory_entries"`
}

// TokenConfig is one allow-listed API token.
type TokenConfig struct {
	Token    string   `json:"token"`
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes,omitempty"`
}

// RedisConfig enables the shared cache when Addr is set.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db"`
}

// Config is the full daemon configuration.
type Config struct {
	ListenAddr   string          `json:"listen_addr"`
	StorePath    string          `json:"store_path"`
	LogDir       string          `json:"log_dir,omitempty"`
	LogLevel     string          `json:"log_level,omitempty"`
	AuthBypass   bool            `json:"auth_bypass,omitempty"`
	Tokens       []TokenConfig   `json:"tokens,omitempty"`
	Backends     BackendConfig   `json:"backends"`
	RateLimit    RateLimitConfig `json:"rate_limit"`
	Budgets      BudgetConfig    `json:"budgets"`
	Redis        RedisConfig     `json:"redis,omitempty"`
	SessionTTL   Duration        `json:"session_ttl,omitempty"`
	TurnBudget   Duration        `json:"turn_budget,omitempty"`
	TraceStdout  bool            `json:"trace_stdout,omitempty"`
	MaxSessions  int             `json:"max_sessions,omitempty"`
	MaxDLQDepth  int             `json:"max_dlq_depth,omitempty"`
}

// Duration unmarshals "500ms" / "30s" style JSON strings.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr: ":8090",
		StorePath:  "arbiter.db",
		LogLevel:   "info",
		Backends: BackendConfig{
			ModelRouterURL:  "http://127.0.0.1:9101",
			MemoryURL:       "http://127.0.0.1:9102",
			ToolExecutorURL: "http://127.0.0.1:9103",
			PerceptionURL:   "http://127.0.0.1:9104",
		},
		RateLimit: RateLimitConfig{Rate: 10, Burst: 20},
		Budgets: BudgetConfig{
			TextChars:     4000,
			ContextChars:  7000,
			ToolCalls:     5,
			VisionFrames:  3,
			MemoryEntries: 8,
		},
		SessionTTL:  Duration(30 * time.Minute),
		TurnBudget:  Duration(60 * time.Second),
		MaxSessions: 1000,
		MaxDLQDepth: 500,
	}
}

// Env knobs recognized by the daemon.
const (
	EnvConfigPath      = "ARBITER_CONFIG"
	EnvConfigSignature = "ARBITER_CONFIG_SHA256"
	EnvListenAddr      = "ARBITER_LISTEN_ADDR"
	EnvStorePath       = "ARBITER_STORE_PATH"
	EnvLogDir          = "ARBITER_LOG_DIR"
	EnvLogLevel        = "ARBITER_LOG_LEVEL"
	EnvAuthBypass      = "ARBITER_AUTH_BYPASS"
	EnvAPIToken        = "ARBITER_API_TOKEN"
)

// Load builds the configuration: defaults, then the signed JSON file (if
// configured), then environment overrides. Validation runs last.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(EnvConfigPath); path != "" {
		if err := cfg.mergeFile(path, os.Getenv(EnvConfigSignature)); err != nil {
			return nil, err
		}
	}
	cfg.mergeEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a config file on top of defaults, for reload paths.
func LoadFile(path, signature string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path, signature); err != nil {
		return nil, err
	}
	cfg.mergeEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path, signature string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if signature != "" {
		sum := sha256.Sum256(raw)
		if !strings.EqualFold(hex.EncodeToString(sum[:]), strings.TrimSpace(signature)) {
			return fmt.Errorf("config file %s does not match its expected SHA-256 signature", path)
		}
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv() {
	if v := os.Getenv(EnvListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(EnvStorePath); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv(EnvLogDir); v != "" {
		c.LogDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvAuthBypass); v == "true" || v == "1" {
		c.AuthBypass = true
	}
	if v := os.Getenv(EnvAPIToken); v != "" {
		c.Tokens = append(c.Tokens, TokenConfig{Token: v, ClientID: "env"})
	}
}

// Validate rejects malformed configuration before it reaches any component.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.StorePath == "" {
		return fmt.Errorf("store_path must not be empty")
	}
	for name, raw := range map[string]string{
		"model_router_url":  c.Backends.ModelRouterURL,
		"memory_url":        c.Backends.MemoryURL,
		"tool_executor_url": c.Backends.ToolExecutorURL,
		"perception_url":    c.Backends.PerceptionURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s: %q is not an absolute URL", name, raw)
		}
	}
	if c.RateLimit.Rate <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit rate and burst must be positive")
	}
	if c.Budgets.TextChars <= 0 || c.Budgets.ContextChars <= 0 {
		return fmt.Errorf("budget character ceilings must be positive")
	}
	if c.Budgets.ToolCalls <= 0 || c.Budgets.ToolCalls > 5 {
		return fmt.Errorf("budgets.tool_calls must be in 1..5")
	}
	for i, tok := range c.Tokens {
		if tok.Token == "" || tok.ClientID == "" {
			return fmt.Errorf("tokens[%d]: token and client_id are required", i)
		}
	}
	if !c.AuthBypass && len(c.Tokens) == 0 {
		return fmt.Errorf("no API tokens configured and auth bypass is off")
	}
	return nil
}

// Masked returns a copy safe for logging: secrets replaced, never removed.
func (c *Config) Masked() *Config {
	out := *c
	out.Tokens = make([]TokenConfig, len(c.Tokens))
	for i, tok := range c.Tokens {
		out.Tokens[i] = TokenConfig{Token: "***", ClientID: tok.ClientID, Scopes: tok.Scopes}
	}
	if out.Redis.Password != "" {
		out.Redis.Password = "***"
	}
	return &out
}
