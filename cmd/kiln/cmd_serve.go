package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/envelope"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/worker"
)

const (
	engineStopTimeout = 15 * time.Second
	sentryFlushTime   = 2 * time.Second
)

func newServeCmd(stderr io.Writer) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job worker HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), stderr, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides KILN_LISTEN_ADDR)")
	return cmd
}

func runServe(ctx context.Context, stderr io.Writer, addr string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	loaded, err := config.LoadDotenv()
	if err != nil {
		return err
	}
	cfg := config.Load()
	if addr != "" {
		cfg.ListenAddr = addr
	}
	logger := config.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	for _, p := range loaded {
		logger.Info("loaded env file", "path", p)
	}

	var privateKey *[envelope.KeySize]byte
	var publicKeyB64 string
	if cfg.PrivateKeyB64 != "" {
		k, err := envelope.ParsePrivateKey(cfg.PrivateKeyB64)
		if err != nil {
			return fmt.Errorf("parse worker private key: %w", err)
		}
		pub, err := envelope.PublicKeyFor(k)
		if err != nil {
			return fmt.Errorf("derive worker public key: %w", err)
		}
		privateKey = &k
		publicKeyB64 = envelope.KeyPair{PublicKey: pub, PrivateKey: k}.PublicKeyB64()
	} else if cfg.EncryptionRequired {
		logger.Warn("encryption is required but no worker private key is configured; encrypted jobs will fail")
	}

	logger.Info("kiln: starting",
		"version", version,
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"engine_port", cfg.Engine.Port,
		"encryption_required", cfg.EncryptionRequired,
		"dry_run", cfg.DryRun,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var reporter worker.Reporter
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, Release: "kiln@" + version}); err != nil {
			return fmt.Errorf("init sentry: %w", err)
		}
		defer sentry.Flush(sentryFlushTime)
		reporter = newSentryReporter(sentry.CurrentHub())
	}

	broker := engine.NewEventBroker()
	client := engine.NewClient(fmt.Sprintf("http://127.0.0.1:%d", cfg.Engine.Port), logger,
		engine.WithBroker(broker))
	supervisor := engine.NewSupervisor(engine.SupervisorConfig{EngineConfig: cfg.Engine}, client, logger)

	handler := worker.NewHandler(worker.Options{
		Engine:             supervisor,
		Runner:             client,
		Store:              db,
		Reporter:           reporter,
		Logger:             logger,
		PrivateKey:         privateKey,
		EncryptionRequired: cfg.EncryptionRequired,
		DryRun:             cfg.DryRun,
		NoHistory:          cfg.NoHistory,
		CompletionTimeout:  cfg.CompletionTimeout,
	})

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Handler:      handler,
		Store:        db,
		Engine:       supervisor,
		Broker:       broker,
		ModelDir:     cfg.Engine.ModelDir,
		PublicKeyB64: publicKeyB64,
	}, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Engine.Autostart && !cfg.DryRun {
		go autostart(ctx, supervisor, logger)
	}

	runErr := srv.Run(ctx)
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), engineStopTimeout)
	defer stopCancel()
	if err := supervisor.Stop(stopCtx); err != nil {
		logger.Error("stop engine", "error", err)
	}
	return runErr
}

// autostart warms the engine at boot. A failure is only logged; the first
// job retries the launch.
func autostart(ctx context.Context, s *engine.Supervisor, logger *slog.Logger) {
	if err := s.EnsureReady(ctx); err != nil {
		logger.Warn("engine autostart failed", "error", err)
		return
	}
	logger.Info("engine autostart complete")
}
