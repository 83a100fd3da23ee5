package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the provider names known per kind. Unknown names
// only produce a warning since third-party factories may be registered.
var ValidProviderNames = map[string][]string{
	"s2s":   {DefaultS2SProvider, OpenAIS2SProvider},
	"audio": {DefaultAudioProvider},
}

// Load reads, defaults and validates the YAML file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, rejecting unknown fields, then applies
// defaults and validates.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg for coherence and returns every problem found, joined.
// Suspicious but legal values are logged as warnings.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		add("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}
	warnUnknownProvider("s2s", cfg.Providers.S2S.Name)
	warnUnknownProvider("audio", cfg.Providers.Audio.Name)
	for i, fb := range cfg.Providers.S2SFallbacks {
		if fb.Name == "" {
			add("providers.s2s_fallbacks[%d].name is required", i)
			continue
		}
		warnUnknownProvider("s2s", fb.Name)
	}

	if cfg.Session.RetryDelay < 0 {
		add("session.retry_delay must not be negative")
	}
	if cfg.Session.PersonaSwitchSettle < 0 {
		add("session.persona_switch_settle must not be negative")
	}
	if cfg.Session.TargetSampleRate < 0 {
		add("session.target_sample_rate must not be negative")
	}

	if err := cfg.VAD.WithDefaults().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("vad: %w", err))
	}

	if cfg.Tools.Timeout < 0 || cfg.Tools.HeartbeatFirst < 0 || cfg.Tools.HeartbeatInterval < 0 {
		add("tools: durations must not be negative")
	}

	if len(cfg.Personas) == 0 {
		add("personas: at least one persona is required")
	}
	seen := make(map[string]int, len(cfg.Personas))
	for i, pc := range cfg.Personas {
		prefix := fmt.Sprintf("personas[%d]", i)
		if pc.ID == "" {
			add("%s.id is required", prefix)
		} else if prev, dup := seen[pc.ID]; dup {
			add("%s.id %q is a duplicate of personas[%d]", prefix, pc.ID, prev)
		} else {
			seen[pc.ID] = i
		}
		if _, err := pc.Persona(); err != nil {
			add("%s: %v", prefix, err)
		}
		if pc.SystemInstruction == "" {
			slog.Warn("persona has no system instruction", "persona", pc.ID)
		}
	}
	if id := cfg.Session.DefaultPersona; id != "" && len(cfg.Personas) > 0 {
		if _, ok := seen[id]; !ok {
			add("session.default_persona %q does not name a persona", id)
		}
	}

	servers := make(map[string]bool, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		if err := srv.Validate(); err != nil {
			add("mcp.servers[%d]: %v", i, err)
		}
		if servers[srv.Name] {
			add("mcp.servers[%d].name %q is a duplicate", i, srv.Name)
		}
		servers[srv.Name] = true
	}

	return errors.Join(errs...)
}

func warnUnknownProvider(kind, name string) {
	if name == "" || slices.Contains(ValidProviderNames[kind], name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", ValidProviderNames[kind],
	)
}
