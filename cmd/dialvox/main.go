// Command dialvox runs the outbound AI call server: it originates telephone
// calls through Twilio, bridges their media streams to Deepgram and
// ElevenLabs, and drives the conversation with an LLM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/dialvox/dialvox/internal/callserver"
	"github.com/dialvox/dialvox/internal/config"
	"github.com/dialvox/dialvox/internal/observe"
	"github.com/dialvox/dialvox/pkg/provider/llm/anyllm"
	"github.com/dialvox/dialvox/pkg/provider/stt/deepgram"
	"github.com/dialvox/dialvox/pkg/provider/tts/elevenlabs"
	"github.com/dialvox/dialvox/pkg/telephony/twilio"
	"github.com/dialvox/dialvox/pkg/types"
)

// version is stamped by the release build.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to an optional dotenv credential file")
	flag.Parse()

	// Credentials may live in a dotenv file; a missing file is not an error.
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "dialvox: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "dialvox: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "dialvox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("dialvox starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	tel, err := twilio.New(
		cfg.Twilio.AccountSID,
		cfg.Twilio.AuthToken,
		cfg.Twilio.FromNumber,
		cfg.Server.PublicURL,
		twilio.WithRecordCalls(cfg.Twilio.Record),
	)
	if err != nil {
		slog.Error("failed to create twilio client", "err", err)
		return 1
	}

	var sttOpts []deepgram.Option
	if cfg.Deepgram.Model != "" {
		sttOpts = append(sttOpts, deepgram.WithModel(cfg.Deepgram.Model))
	}
	sttProvider, err := deepgram.New(cfg.Deepgram.APIKey, sttOpts...)
	if err != nil {
		slog.Error("failed to create deepgram provider", "err", err)
		return 1
	}

	var ttsOpts []elevenlabs.Option
	if cfg.ElevenLabs.Model != "" {
		ttsOpts = append(ttsOpts, elevenlabs.WithModel(cfg.ElevenLabs.Model))
	}
	ttsProvider, err := elevenlabs.New(cfg.ElevenLabs.APIKey, cfg.ElevenLabs.VoiceID, ttsOpts...)
	if err != nil {
		slog.Error("failed to create elevenlabs provider", "err", err)
		return 1
	}

	var llmOpts []anyllmlib.Option
	if cfg.LLM.APIKey != "" {
		llmOpts = append(llmOpts, anyllmlib.WithAPIKey(cfg.LLM.APIKey))
	}
	if cfg.LLM.BaseURL != "" {
		llmOpts = append(llmOpts, anyllmlib.WithBaseURL(cfg.LLM.BaseURL))
	}
	llmProvider, err := anyllm.New(cfg.LLM.Provider, cfg.LLM.Model, llmOpts...)
	if err != nil {
		slog.Error("failed to create llm provider", "err", err, "provider", cfg.LLM.Provider)
		return 1
	}

	// ── Call server ───────────────────────────────────────────────────────────
	keywords := make([]types.KeywordBoost, 0, len(cfg.Deepgram.Keywords))
	for _, kw := range cfg.Deepgram.Keywords {
		keywords = append(keywords, types.KeywordBoost{Keyword: kw, Boost: 3})
	}

	server, err := callserver.New(callserver.Config{
		ListenAddr:    cfg.Server.ListenAddr,
		PublicURL:     cfg.Server.PublicURL,
		Telephony:     tel,
		STT:           sttProvider,
		TTS:           ttsProvider,
		LLM:           llmProvider,
		Keywords:      keywords,
		SkipPreflight: cfg.Server.SkipPreflight,
		Logger:        logger,
	})
	if err != nil {
		slog.Error("failed to initialise call server", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	// Only the log level is applied live; everything else needs a restart.
	watcher := config.NewWatcher(*configPath, cfg, func(old, cur *config.Config) {
		if old.Server.LogLevel != cur.Server.LogLevel {
			level.Set(slogLevel(cur.Server.LogLevel))
			slog.Info("log level changed", "log_level", cur.Server.LogLevel)
		}
	})
	watcher.Start()
	defer watcher.Stop()

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()

	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}

// ─── Startup summary ──────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Dialvox — startup            ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEntry("LLM", cfg.LLM.Provider+" / "+cfg.LLM.Model)
	printEntry("STT", valueOr(cfg.Deepgram.Model, "deepgram (default)"))
	printEntry("TTS", valueOr(cfg.ElevenLabs.Model, "elevenlabs (default)"))
	printEntry("From number", cfg.Twilio.FromNumber)
	printEntry("Public URL", cfg.Server.PublicURL)
	printEntry("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEntry(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s : %-19s ║\n", kind, value)
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// ─── Logger ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
