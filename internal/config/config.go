// Package config defines the Dialvox configuration schema and loads it from
// YAML with environment-variable overlays for credentials.
package config

import "time"

// LogLevel is the server log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a known log level. An empty level is valid and
// means "info".
func (l LogLevel) IsValid() bool {
	switch l {
	case "", LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration for a Dialvox server.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Twilio     TwilioConfig     `yaml:"twilio"`
	Deepgram   DeepgramConfig   `yaml:"deepgram"`
	ElevenLabs ElevenLabsConfig `yaml:"elevenlabs"`
	LLM        LLMConfig        `yaml:"llm"`
}

// ServerConfig holds the HTTP listener and public exposure settings.
type ServerConfig struct {
	// ListenAddr is the host:port the call server binds to, e.g. ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// PublicURL is the externally reachable base URL that Twilio uses for
	// webhooks and the media stream, e.g. "https://calls.example.com".
	// No trailing slash.
	PublicURL string `yaml:"public_url"`

	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown. Zero means 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// SkipPreflight disables the startup checks against Twilio, Deepgram,
	// ElevenLabs and the public URL. Meant for local development only.
	SkipPreflight bool `yaml:"skip_preflight"`
}

// TwilioConfig holds the telephony carrier credentials.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`

	// FromNumber is the E.164 caller ID for outbound calls.
	FromNumber string `yaml:"from_number"`

	// Record enables dual-channel call recording on originate.
	Record bool `yaml:"record"`
}

// DeepgramConfig holds the speech-to-text provider settings.
type DeepgramConfig struct {
	APIKey string `yaml:"api_key"`

	// Model selects the Deepgram model. Empty uses the provider default.
	Model string `yaml:"model"`

	// Keywords are boosted during recognition, typically proper nouns from
	// the call goal.
	Keywords []string `yaml:"keywords"`
}

// ElevenLabsConfig holds the text-to-speech provider settings.
type ElevenLabsConfig struct {
	APIKey string `yaml:"api_key"`

	// VoiceID selects the voice. Required; ElevenLabs has no default voice.
	VoiceID string `yaml:"voice_id"`

	// Model selects the synthesis model. Empty uses the provider default.
	Model string `yaml:"model"`
}

// LLMConfig selects and configures the conversation model.
type LLMConfig struct {
	// Provider is the any-llm provider name: "openai", "anthropic",
	// "gemini", "ollama", and so on.
	Provider string `yaml:"provider"`

	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`

	// BaseURL overrides the provider endpoint. Required for "ollama".
	BaseURL string `yaml:"base_url"`
}
