package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/orgmirror/orgmirror/internal/config"
	"github.com/orgmirror/orgmirror/internal/gei"
	"github.com/orgmirror/orgmirror/internal/git"
	"github.com/orgmirror/orgmirror/internal/github"
	"github.com/orgmirror/orgmirror/internal/secrets"
	"github.com/orgmirror/orgmirror/internal/server"
	"github.com/orgmirror/orgmirror/internal/state"
	"github.com/orgmirror/orgmirror/internal/worker"
	"github.com/orgmirror/orgmirror/pkg/logbuf"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "orgmirror:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ring := logbuf.New(cfg.LogBufferLines)
	log := buildLogger(cfg.Debug, ring)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	tracker := github.NewRateLimitTracker(log, registry)
	metrics := worker.NewMetrics(registry)

	creds, backend, err := buildStores(ctx, cfg, log)
	if err != nil {
		return err
	}

	store := state.NewStore(backend, creds, log)
	if err := store.Load(ctx); err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error(err, "closing state store")
		}
	}()

	runner := gei.NewRunner(cfg.GEIBinaryPath, cfg.GHPath, log)
	clients := worker.GitHubClientFactory(tracker, log)
	manager := worker.NewManager(ctx, store, clients, runner, metrics, log)

	api := server.New(cfg.ListenAddr, store, manager, clients, tracker, &git.Client{}, ring, log)
	metricsSrv := server.NewMetricsServer(cfg.MetricsAddr, registry, log)

	go metricsSrv.Start(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- api.Serve() }()

	if cfg.AutostartWorkers {
		manager.StartAll()
	}
	log.Info("orgmirror started", "backend", cfg.Backend, "listen", cfg.ListenAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Info("shutting down")
	manager.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "http shutdown")
	}
	if err := store.FlushNow(shutdownCtx); err != nil {
		log.Error(err, "final state flush")
	}
	return nil
}

// buildLogger tees a console core with the in-memory ring core so the
// API can serve recent log lines.
func buildLogger(debug bool, ring *logbuf.Buffer) logr.Logger {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	consoleCfg := zap.NewProductionEncoderConfig()
	consoleCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	console := zapcore.NewCore(
		zapcore.NewConsoleEncoder(consoleCfg),
		zapcore.Lock(os.Stderr),
		level,
	)

	ringCfg := zap.NewProductionEncoderConfig()
	ringCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	ringCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(ringCfg),
		zapcore.AddSync(ring),
		level,
	)

	return zapr.NewLogger(zap.New(zapcore.NewTee(console, ringCore)))
}

// buildStores binds the secret store and state backend selected by the
// configuration.
func buildStores(ctx context.Context, cfg *config.Config, log logr.Logger) (secrets.Store, state.Backend, error) {
	var creds secrets.Store
	needAWS := cfg.Backend == config.BackendDynamo || cfg.SecretsParameter != ""

	if needAWS {
		ac, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("loading AWS config: %w", err)
		}
		if cfg.SecretsParameter != "" {
			creds = secrets.NewSSMStore(ssm.NewFromConfig(ac), cfg.SecretsParameter)
		}
		if cfg.Backend == config.BackendDynamo {
			backend := state.NewDynamoBackend(dynamodb.NewFromConfig(ac), cfg.DynamoTable, log)
			if creds == nil {
				creds = secrets.NewFileStore(filepath.Join(cfg.DataDir, "credentials.json"))
			}
			return creds, backend, nil
		}
	}

	if creds == nil {
		creds = secrets.NewFileStore(filepath.Join(cfg.DataDir, "credentials.json"))
	}
	backend, err := state.NewLocalBackend(cfg.DataDir, log)
	if err != nil {
		return nil, nil, err
	}
	return creds, backend, nil
}
