package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, overlays and validates the configuration at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader parses YAML from r, applies environment overrides and
// validates the result. Unknown YAML keys are rejected so typos fail loudly.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty file: fall through to env overlay and validation.
			err = nil
		} else {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverrides maps environment variable names to the config fields they fill.
// Credentials live in the environment so the YAML file can be committed.
func applyEnv(cfg *Config) {
	overlay := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	overlay(&cfg.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	overlay(&cfg.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	overlay(&cfg.Twilio.FromNumber, "TWILIO_FROM_NUMBER")
	overlay(&cfg.Deepgram.APIKey, "DEEPGRAM_API_KEY")
	overlay(&cfg.ElevenLabs.APIKey, "ELEVENLABS_API_KEY")
	overlay(&cfg.ElevenLabs.VoiceID, "ELEVENLABS_VOICE_ID")
	overlay(&cfg.LLM.APIKey, "LLM_API_KEY")
	overlay(&cfg.LLM.Provider, "LLM_PROVIDER")
	overlay(&cfg.LLM.Model, "LLM_MODEL")
	overlay(&cfg.Server.PublicURL, "DIALVOX_PUBLIC_URL")
}

// Validate checks cfg for errors that would prevent the server from running.
// All problems are collected and returned joined, so a broken config reports
// everything wrong at once.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("config: invalid log_level %q (debug, info, warn, error)", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}

	switch pu := cfg.Server.PublicURL; {
	case pu == "":
		errs = append(errs, errors.New("config: server.public_url is required — Twilio must be able to reach this server"))
	case strings.HasSuffix(pu, "/"):
		cfg.Server.PublicURL = strings.TrimRight(pu, "/")
	}
	if cfg.Server.PublicURL != "" {
		if u, err := url.Parse(cfg.Server.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("config: server.public_url %q is not an absolute URL", cfg.Server.PublicURL))
		} else if u.Scheme == "http" {
			slog.Warn("public_url uses plain http; Twilio media streams require wss in production", "public_url", cfg.Server.PublicURL)
		}
	}

	if cfg.Twilio.AccountSID == "" {
		errs = append(errs, errors.New("config: twilio.account_sid is required (or TWILIO_ACCOUNT_SID)"))
	} else if !strings.HasPrefix(cfg.Twilio.AccountSID, "AC") {
		slog.Warn("twilio account SID does not start with AC", "account_sid", cfg.Twilio.AccountSID)
	}
	if cfg.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("config: twilio.auth_token is required (or TWILIO_AUTH_TOKEN)"))
	}
	switch from := cfg.Twilio.FromNumber; {
	case from == "":
		errs = append(errs, errors.New("config: twilio.from_number is required (or TWILIO_FROM_NUMBER)"))
	case !strings.HasPrefix(from, "+"):
		errs = append(errs, fmt.Errorf("config: twilio.from_number %q must be E.164 (+15551234567)", from))
	}

	if cfg.Deepgram.APIKey == "" {
		errs = append(errs, errors.New("config: deepgram.api_key is required (or DEEPGRAM_API_KEY)"))
	}
	if cfg.ElevenLabs.APIKey == "" {
		errs = append(errs, errors.New("config: elevenlabs.api_key is required (or ELEVENLABS_API_KEY)"))
	}
	if cfg.ElevenLabs.VoiceID == "" {
		errs = append(errs, errors.New("config: elevenlabs.voice_id is required (or ELEVENLABS_VOICE_ID)"))
	}

	if cfg.LLM.Provider == "" {
		errs = append(errs, errors.New("config: llm.provider is required (or LLM_PROVIDER)"))
	}
	if cfg.LLM.Model == "" {
		slog.Warn("llm.model not set; the provider default will be used", "provider", cfg.LLM.Provider)
	}
	if cfg.LLM.Provider == "ollama" && cfg.LLM.BaseURL == "" {
		slog.Warn("llm.provider is ollama but base_url is empty; defaulting to http://localhost:11434")
	}

	return errors.Join(errs...)
}
