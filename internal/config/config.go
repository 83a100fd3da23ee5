// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for voicelive.
package config

import (
	"fmt"
	"time"

	"github.com/lucaos/voicelive/internal/mcp"
	"github.com/lucaos/voicelive/internal/persona"
	"github.com/lucaos/voicelive/pkg/provider/vad"
	"github.com/lucaos/voicelive/pkg/types"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration, usually loaded with [Load].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
	VAD       vad.Config      `yaml:"vad"`
	Tools     ToolsConfig     `yaml:"tools"`
	Context   ContextConfig   `yaml:"context"`
	Personas  []PersonaConfig `yaml:"personas"`
	MCP       MCPConfig       `yaml:"mcp"`
}

// ServerConfig holds logging and the optional diagnostics listener.
type ServerConfig struct {
	// ListenAddr enables /healthz, /readyz and /metrics when non-empty
	// (e.g. "127.0.0.1:9464").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig selects the registered implementations of the remote
// model and the local audio device.
type ProvidersConfig struct {
	S2S   ProviderEntry `yaml:"s2s"`
	Audio ProviderEntry `yaml:"audio"`

	// S2SFallbacks are tried in order when S2S refuses a new session, each
	// behind its own circuit breaker. Optional.
	S2SFallbacks []ProviderEntry `yaml:"s2s_fallbacks"`
}

// ProviderEntry is the configuration block shared by all provider kinds.
// Name selects the factory in the [Registry].
type ProviderEntry struct {
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. An empty key falls back to
	// GEMINI_API_KEY for gemini-live and OPENAI_API_KEY for openai-realtime.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the provider.
	Model string `yaml:"model"`

	// Options carries provider-specific values.
	Options map[string]any `yaml:"options"`
}

// SessionConfig tunes the duplex session manager.
type SessionConfig struct {
	// MaxRetries bounds reconnect attempts after an unexpected close.
	// Negative disables reconnection. Default 3.
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the linear backoff unit. Default 1s.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// PersonaSwitchSettle is the pause between teardown and reconnect on a
	// persona switch. Default 500ms.
	PersonaSwitchSettle time.Duration `yaml:"persona_switch_settle"`

	// TargetSampleRate is the upstream audio rate used when the provider
	// does not declare one. Default 16000.
	TargetSampleRate int `yaml:"target_sample_rate"`

	// DefaultPersona is the persona used at startup. Defaults to the first
	// entry of personas.
	DefaultPersona string `yaml:"default_persona"`
}

// ToolsConfig tunes tool execution.
type ToolsConfig struct {
	// Timeout bounds one tool call. Default 60s.
	Timeout time.Duration `yaml:"timeout"`

	// Critical lists tools whose failures are logged at error level.
	Critical []string `yaml:"critical"`

	// HeartbeatFirst and HeartbeatInterval pace the "still running" status
	// lines of slow tools. Defaults 2s and 3s.
	HeartbeatFirst    time.Duration `yaml:"heartbeat_first"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// FileSandbox enables the read_file/write_file/list_files tools rooted
	// at this directory.
	FileSandbox string `yaml:"file_sandbox"`

	// Clock enables the current_time and convert_time tools.
	Clock bool `yaml:"clock"`

	// Calibrate probes every tool at startup to measure latency tiers.
	Calibrate bool `yaml:"calibrate"`
}

// ContextConfig configures the live facts appended to every persona's
// system instruction.
type ContextConfig struct {
	// Facts are static lines, grouped by section.
	Facts []FactConfig `yaml:"facts"`

	// Clock adds the local date and time.
	Clock bool `yaml:"clock"`

	// Timeout bounds fact assembly. Default 500ms.
	Timeout time.Duration `yaml:"timeout"`
}

// FactConfig is one static context line.
type FactConfig struct {
	Section string `yaml:"section"`
	Text    string `yaml:"text"`
}

// PersonaConfig describes one persona.
type PersonaConfig struct {
	ID                string   `yaml:"id"`
	SystemInstruction string   `yaml:"system_instruction"`
	Voice             string   `yaml:"voice"`
	Tools             []string `yaml:"tools"`

	// BudgetTier is "fast", "standard" or "deep" (default).
	BudgetTier string `yaml:"budget_tier"`

	// ResponseModality is "audio" (default) or "text".
	ResponseModality string `yaml:"response_modality"`

	// Silent suppresses model output while still transcribing the user.
	Silent bool `yaml:"silent"`
}

// Persona converts pc into a [persona.Persona].
func (pc PersonaConfig) Persona() (persona.Persona, error) {
	tier, ok := types.ParseBudgetTier(pc.BudgetTier)
	if !ok {
		return persona.Persona{}, fmt.Errorf("budget_tier %q is invalid; valid values: fast, standard, deep", pc.BudgetTier)
	}
	modality, ok := types.ParseModality(pc.ResponseModality)
	if !ok {
		return persona.Persona{}, fmt.Errorf("response_modality %q is invalid; valid values: audio, text", pc.ResponseModality)
	}
	return persona.Persona{
		ID:                pc.ID,
		SystemInstruction: pc.SystemInstruction,
		Voice:             pc.Voice,
		Tools:             append([]string(nil), pc.Tools...),
		BudgetTier:        tier,
		Modality:          modality,
		Silent:            pc.Silent,
	}, nil
}

// PersonaSet converts every configured persona.
func (c *Config) PersonaSet() ([]persona.Persona, error) {
	out := make([]persona.Persona, 0, len(c.Personas))
	for i, pc := range c.Personas {
		p, err := pc.Persona()
		if err != nil {
			return nil, fmt.Errorf("config: personas[%d]: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// MCPConfig lists external MCP tool servers.
type MCPConfig struct {
	Servers []mcp.ServerConfig `yaml:"servers"`
}

// Defaults.
const (
	DefaultS2SProvider         = "gemini-live"
	OpenAIS2SProvider          = "openai-realtime"
	DefaultAudioProvider       = "portaudio"
	defaultMaxRetries          = 3
	defaultRetryDelay          = time.Second
	defaultPersonaSwitchSettle = 500 * time.Millisecond
	defaultTargetSampleRate    = 16000
	defaultToolTimeout         = 60 * time.Second
	defaultHeartbeatFirst      = 2 * time.Second
	defaultHeartbeatInterval   = 3 * time.Second
	defaultContextTimeout      = 500 * time.Millisecond
)

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Providers.S2S.Name == "" {
		c.Providers.S2S.Name = DefaultS2SProvider
	}
	if c.Providers.Audio.Name == "" {
		c.Providers.Audio.Name = DefaultAudioProvider
	}

	s := &c.Session
	if s.MaxRetries == 0 {
		s.MaxRetries = defaultMaxRetries
	}
	if s.RetryDelay == 0 {
		s.RetryDelay = defaultRetryDelay
	}
	if s.PersonaSwitchSettle == 0 {
		s.PersonaSwitchSettle = defaultPersonaSwitchSettle
	}
	if s.TargetSampleRate == 0 {
		s.TargetSampleRate = defaultTargetSampleRate
	}
	if s.DefaultPersona == "" && len(c.Personas) > 0 {
		s.DefaultPersona = c.Personas[0].ID
	}

	c.VAD = c.VAD.WithDefaults()

	t := &c.Tools
	if t.Timeout == 0 {
		t.Timeout = defaultToolTimeout
	}
	if t.HeartbeatFirst == 0 {
		t.HeartbeatFirst = defaultHeartbeatFirst
	}
	if t.HeartbeatInterval == 0 {
		t.HeartbeatInterval = defaultHeartbeatInterval
	}

	if c.Context.Timeout == 0 {
		c.Context.Timeout = defaultContextTimeout
	}
}
