package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/lucaos/voicelive/internal/app"
	"github.com/lucaos/voicelive/internal/config"
	"github.com/lucaos/voicelive/internal/resilience"
	"github.com/lucaos/voicelive/pkg/audio"
	"github.com/lucaos/voicelive/pkg/audio/portaudio"
	"github.com/lucaos/voicelive/pkg/provider/s2s"
	geminilive "github.com/lucaos/voicelive/pkg/provider/s2s/gemini"
	"github.com/lucaos/voicelive/pkg/provider/s2s/openai"
)

// apiKeyEnv names the environment variable consulted when a provider's
// api_key is empty.
var apiKeyEnv = map[string]string{
	config.DefaultS2SProvider: "GEMINI_API_KEY",
	config.OpenAIS2SProvider:  "OPENAI_API_KEY",
}

func apiKey(entry config.ProviderEntry) (string, error) {
	if entry.APIKey != "" {
		return entry.APIKey, nil
	}
	if key := os.Getenv(apiKeyEnv[entry.Name]); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("%s: no API key, set api_key or %s", entry.Name, apiKeyEnv[entry.Name])
}

// registerBuiltinProviders wires the provider factories that ship with
// voicelive into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterS2S(config.DefaultS2SProvider, func(entry config.ProviderEntry) (s2s.Provider, error) {
		key, err := apiKey(entry)
		if err != nil {
			return nil, err
		}
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(key, opts...), nil
	})

	reg.RegisterS2S(config.OpenAIS2SProvider, func(entry config.ProviderEntry) (s2s.Provider, error) {
		key, err := apiKey(entry)
		if err != nil {
			return nil, err
		}
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(key, opts...), nil
	})

	reg.RegisterAudio(config.DefaultAudioProvider, func(entry config.ProviderEntry) (audio.Device, error) {
		return portaudio.Open(portaudio.Config{
			CaptureSampleRate:     entry.OptInt("capture_sample_rate"),
			OutputSampleRate:      entry.OptInt("output_sample_rate"),
			Channels:              entry.OptInt("channels"),
			FramesPerBuffer:       entry.OptInt("frames_per_buffer"),
			OutputFramesPerBuffer: entry.OptInt("output_frames_per_buffer"),
		})
	})

	for _, kind := range []string{"s2s", "audio"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates the providers named in cfg. Both are required.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	model, err := reg.CreateS2S(cfg.Providers.S2S)
	if err != nil {
		return nil, fmt.Errorf("create s2s provider %q: %w", cfg.Providers.S2S.Name, err)
	}
	slog.Info("provider created", "kind", "s2s", "name", cfg.Providers.S2S.Name, "model", cfg.Providers.S2S.Model)

	if len(cfg.Providers.S2SFallbacks) > 0 {
		fb := resilience.NewS2SFallback(model, cfg.Providers.S2S.Name, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 2},
		})
		for i, entry := range cfg.Providers.S2SFallbacks {
			p, err := reg.CreateS2S(entry)
			if err != nil {
				return nil, fmt.Errorf("create s2s fallback %d (%q): %w", i, entry.Name, err)
			}
			fb.AddFallback(fmt.Sprintf("%s#%d", entry.Name, i+1), p)
		}
		slog.Info("s2s failover enabled", "order", fb.Names())
		model = fb
	}

	dev, err := reg.CreateAudio(cfg.Providers.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio provider %q: %w", cfg.Providers.Audio.Name, err)
	}
	slog.Info("provider created", "kind", "audio", "name", cfg.Providers.Audio.Name)

	return &app.Providers{S2S: model, Audio: dev}, nil
}

// checkProviderNames verifies that every configured provider has a factory,
// without instantiating them.
func checkProviderNames(cfg *config.Config, reg *config.Registry) error {
	var errs []error
	if name := cfg.Providers.S2S.Name; !slices.Contains(reg.Names("s2s"), name) {
		errs = append(errs, fmt.Errorf("%w: s2s/%q", config.ErrProviderNotRegistered, name))
	}
	for _, fb := range cfg.Providers.S2SFallbacks {
		if !slices.Contains(reg.Names("s2s"), fb.Name) {
			errs = append(errs, fmt.Errorf("%w: s2s fallback/%q", config.ErrProviderNotRegistered, fb.Name))
		}
	}
	if name := cfg.Providers.Audio.Name; !slices.Contains(reg.Names("audio"), name) {
		errs = append(errs, fmt.Errorf("%w: audio/%q", config.ErrProviderNotRegistered, name))
	}
	return errors.Join(errs...)
}
