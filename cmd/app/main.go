package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bot-match/internal/cache"
	"bot-match/internal/classify"
	"bot-match/internal/config"
	"bot-match/internal/httpserver"
	"bot-match/internal/ingest"
	"bot-match/internal/logging"
	"bot-match/internal/matcher"
	"bot-match/internal/metrics"
	"bot-match/internal/notify"
	"bot-match/internal/repo"
	"bot-match/internal/translate"
	"bot-match/internal/wa"
	"bot-match/migrations"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting wa-matchbot", "env", cfg.AppEnv, "postgres", cfg.UsesPostgres())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := repo.Open(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	redisClient := cache.New(cache.Config{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		UseTLS:    cfg.RedisTLS,
		KeyPrefix: cfg.MetricsNamespace + ":",
	}, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}()
	if err := redisClient.Ping(ctx); err != nil {
		logger.Warn("redis ping failed", "error", err)
	}

	translator := translate.New(translate.Config{
		APIKey:   cfg.TranslateAPIKey,
		BaseURL:  cfg.TranslateBaseURL,
		Model:    cfg.TranslateModel,
		Target:   cfg.TranslateTarget,
		Timeout:  cfg.TranslateTimeout,
		CacheTTL: cfg.TranslationCacheTTL,
	}, redisClient, logger, metricRegistry)

	classifier := classify.New(classify.Config{
		BaseURL:       cfg.ClassifierURL,
		Timeout:       cfg.ClassifierTimeout,
		MinConfidence: cfg.ClassifierMinConfidence,
	}, logger, metricRegistry)

	matchRunner := matcher.NewRunner(matcher.Config{
		Command:      cfg.MatcherArgs(),
		ArtifactPath: cfg.MatchArtifactPath,
		Timeout:      cfg.MatcherTimeout,
	}, logger, metricRegistry)
	defer matchRunner.Wait()

	pipeline := ingest.New(ingest.Config{
		MediaDir: cfg.MediaDir,
		AppURL:   cfg.AppURL,
	}, ingest.NewRawLog(cfg.RawLogPath, logger), translator, classifier, repository, matchRunner, logger, metricRegistry)

	sessions := wa.NewManager(wa.Config{
		CountryCode:        cfg.WhatsAppCountryCode,
		ReconnectDelay:     cfg.ReconnectDelay,
		DefaultSessionID:   cfg.WhatsAppDefaultSession,
		DefaultSessionName: cfg.WhatsAppDefaultSessionName,
	}, &wa.MeowDialer{
		LogLevel: cfg.WhatsAppLogLevel,
		Logger:   logger,
		Metrics:  metricRegistry,
	}, repository, wa.NewAuthStore(cfg.WhatsAppAuthDir), logger, metricRegistry)
	sessions.SetMessageProcessor(pipeline)
	defer sessions.Close()

	if err := sessions.Start(ctx); err != nil {
		return fmt.Errorf("start sessions: %w", err)
	}

	dispatcher := notify.NewDispatcher(notify.Config{
		ArtifactPath:    cfg.MatchArtifactPath,
		AppURL:          cfg.AppURL,
		Interval:        cfg.NotifyInterval,
		RefreshInterval: cfg.RecipientRefreshInterval,
	}, notify.LoadLedger(cfg.SentLedgerPath, logger), sessions, sessions, logger, metricRegistry)

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Dependencies{
		Sessions:       sessions,
		PairingTimeout: cfg.PairingTimeout,
	}, cfg.PublicBasePath)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		if err := httpSrv.Start(); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}
