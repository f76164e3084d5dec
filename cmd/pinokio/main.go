package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ambk/pinokio/internal/aggregator"
	"github.com/ambk/pinokio/internal/config"
	"github.com/ambk/pinokio/internal/httpapi"
	"github.com/ambk/pinokio/internal/llm"
	"github.com/ambk/pinokio/internal/metrics"
	"github.com/ambk/pinokio/internal/monitor"
	"github.com/ambk/pinokio/internal/notify"
	"github.com/ambk/pinokio/internal/producer"
	"github.com/ambk/pinokio/internal/scheduler"
	"github.com/ambk/pinokio/internal/store"
	"github.com/ambk/pinokio/internal/worker"
)

const version = "v1.0.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "pinokio",
		Short:   "Moderation sidecar for merchant support chats",
		Version: version,
		Long: `PinokIO watches merchant support chats: it fuses message bursts into
single questions, drops messages that need no answer, and pings the
operators when a question stays unanswered or a chat goes quiet.`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the moderation service",
		RunE:  runServe,
	}
	serveCmd.Flags().String("configs", "configs",
		"Directory with config_redis.yaml, config_chats.yaml and prompts.yaml")

	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	configsDir, _ := cmd.Flags().GetString("configs")

	settings, err := config.LoadSettings()
	if err != nil {
		return err
	}
	setupLogging(settings)

	redisCfg, err := config.LoadRedisConfig(filepath.Join(configsDir, "config_redis.yaml"))
	if err != nil {
		return err
	}
	chats, err := config.LoadChatsConfig(filepath.Join(configsDir, "config_chats.yaml"))
	if err != nil {
		return err
	}
	prompts, err := config.LoadPromptsConfig(filepath.Join(configsDir, "prompts.yaml"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := metrics.NewRegistry()

	agg := aggregator.New(st)
	agg.SetMetricsCallback(aggregator.MetricsCallback(reg.Callback()))

	workers := worker.NewManager(st, agg, redisCfg)
	sched := scheduler.New(st, agg, redisCfg)

	llmClient := llm.NewClient(llm.Config{
		BaseURL: settings.LLMURL,
		APIKey:  settings.LLMAPIKey,
		Model:   settings.LLMModel,
	}, prompts)

	sender := notify.NewSender(notify.Config{
		BaseURL:     settings.KafkaSenderURL,
		BearerToken: settings.BearerToken,
		BotUserID:   settings.DefaultBotUserID,
	})

	silence := monitor.NewSilenceClock()
	mon := monitor.New(st, chats, workers, sender, silence,
		time.Duration(settings.CheckInterval)*time.Second)
	mon.SetMetrics(reg)

	prod := producer.New(producer.Deps{
		Settings:   settings,
		Chats:      chats,
		Store:      st,
		Aggregator: agg,
		Workers:    workers,
		LLM:        llmClient,
		Silence:    silence,
		Scheduler:  sched,
		Monitor:    mon,
		Metrics:    reg,
	})
	prod.Start()

	srv := httpapi.NewServer(
		httpapi.Config{Addr: settings.HTTPAddr, BearerToken: settings.BearerToken},
		httpapi.Deps{Ingress: prod, Redis: st, Workers: workers, Metrics: reg},
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	log.Info().
		Str("addr", settings.HTTPAddr).
		Int("chats", len(chats)).
		Str("version", version).
		Msg("PinokIO service started")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
		log.Error().Err(err).Msg("HTTP server failed")
	}

	// Stop taking requests first, then drain open series and workers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	prod.Stop(shutdownCtx)

	log.Info().Msg("Shutdown complete")
	return runErr
}

func setupLogging(s *config.Settings) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if s.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
