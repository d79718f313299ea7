package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"guardflow/config"
	"guardflow/core/state"
	"guardflow/crypto"
	"guardflow/native/workflow"
	"guardflow/observability/logging"
	telemetry "guardflow/observability/otel"
	"guardflow/observability/webhook"
	"guardflow/rpc"
	"guardflow/storage"
)

const serviceName = "guardd"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	listenFlag := flag.String("listen", "", "Override the query API listen address")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.SetupWithOptions(logging.Options{
		Service:     serviceName,
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
	})
	if err := run(cfg, *listenFlag, logger); err != nil {
		logger.Error("guardd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, listenOverride string, logger *slog.Logger) error {
	rt, err := cfg.Runtime()
	if err != nil {
		return err
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
		Attributes: map[string]string{
			"guardflow.chain_id": strconv.FormatUint(cfg.ChainID, 10),
			"guardflow.contract": cfg.ContractAddress,
		},
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("close database", slog.Any("error", err))
		}
	}()

	engine := workflow.NewEngine(rt.ChainID, rt.Contract)
	engine.SetLogger(logger)
	engine.SetPersister(state.NewStore(db))
	if cfg.Observer != "" {
		observer, err := webhook.New(cfg.Observer, nil)
		if err != nil {
			return err
		}
		engine.SetObserver(observer)
	}

	if err := bootstrap(engine, cfg, rt, logger); err != nil {
		return err
	}

	listen := cfg.ListenAddress
	if listenOverride != "" {
		listen = listenOverride
	}
	server := rpc.NewServer(engine, rpc.Config{
		Auth: rpc.AuthConfig{
			HMACSecret: rt.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		},
		RateLimit: rpc.RateLimit{
			RequestsPerMinute: float64(cfg.RateLimit.RequestsPerMinute),
			Burst:             cfg.RateLimit.Burst,
		},
		Logger: logger,
	})
	if len(rt.HMACSecret) == 0 {
		logger.Warn("query API trusts the X-Principal header; configure auth.HMACSecret outside local use")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(listen)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutdown query API: %w", err)
	}
	return <-errCh
}

// bootstrap restores the stored engine state, or initialises a fresh engine
// from the configured role holders and manifest on first boot.
func bootstrap(engine *workflow.Engine, cfg *config.Config, rt config.Runtime, logger *slog.Logger) error {
	restored, err := engine.Load()
	if err != nil {
		return fmt.Errorf("restore engine state: %w", err)
	}
	if restored {
		logger.Info("engine state restored",
			slog.String("contract", crypto.FromRaw(rt.Contract).String()),
			slog.Int64("timelockSeconds", engine.Cooldown()))
		return nil
	}

	manifest, err := config.LoadManifest(cfg.ManifestFile)
	if err != nil {
		return err
	}
	roles, guards, err := manifest.Actions()
	if err != nil {
		return err
	}
	if err := engine.Initialize(workflow.Config{
		Owner:           rt.Owner,
		Broadcaster:     rt.Broadcaster,
		Recovery:        rt.Recovery,
		TimelockSeconds: rt.Timelock,
		Roles:           roles,
		Guards:          guards,
	}); err != nil {
		return fmt.Errorf("initialise engine: %w", err)
	}
	logger.Info("engine initialised",
		slog.String("contract", crypto.FromRaw(rt.Contract).String()),
		slog.String("owner", crypto.FromRaw(rt.Owner).String()),
		slog.Int("roleActions", len(roles)),
		slog.Int("guardActions", len(guards)))
	return nil
}
