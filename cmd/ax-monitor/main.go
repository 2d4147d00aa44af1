package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ax-platform/ax-mcp-monitor/internal/config"
	"github.com/ax-platform/ax-mcp-monitor/internal/constants"
	"github.com/ax-platform/ax-mcp-monitor/internal/database"
	"github.com/ax-platform/ax-mcp-monitor/internal/features"
	"github.com/ax-platform/ax-mcp-monitor/internal/models"
	"github.com/ax-platform/ax-mcp-monitor/internal/plugin"
	"github.com/ax-platform/ax-mcp-monitor/internal/retry"
	"github.com/ax-platform/ax-mcp-monitor/internal/service"
	"github.com/ax-platform/ax-mcp-monitor/internal/tracing"
	"github.com/ax-platform/ax-mcp-monitor/internal/transport"
	"github.com/ax-platform/ax-mcp-monitor/internal/versioning"

	"github.com/sirupsen/logrus"
)

var (
	verbose = flag.Bool("verbose", false, "Enable verbose logging (includes message content)")
	version = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("ax-monitor %s\n", versioning.Info())
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg, *verbose)
	flags := features.FromEnvironment()
	logger.WithFields(logrus.Fields{
		"version":  versioning.Version,
		"build":    versioning.BuildTime,
		"commit":   versioning.GitCommit,
		"features": flags.Snapshot(),
		"agent":    strings.TrimSpace(cfg.MCP.AgentEmoji + " @" + cfg.MCP.AgentName),
		"server":   cfg.MCP.ServerURL,
	}).Info("Starting ax-monitor")

	tracingManager := tracing.NewTracingManager(tracing.ConfigFromModel(cfg.Tracing, versioning.Version), logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	responder, err := newPlugin(ctx, cfg, flags.IsEnabled(features.FlagPluginHotReload), logger)
	if err != nil {
		return err
	}

	client, err := transport.NewClient(transport.ClientConfig{
		ServerURL:     cfg.MCP.ServerURL,
		AgentName:     cfg.MCP.AgentName,
		Tokens:        tokenSource(cfg, logger),
		LongPollGuard: cfg.MCP.LongPollGuard.Duration(),
		ClientVersion: versioning.Version,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create platform client: %w", err)
	}

	if flags.IsEnabled(features.FlagHeartbeat) {
		heartbeat := transport.NewHeartbeat(client, cfg.MCP.HeartbeatInterval.Duration(), cfg.MCP.HeartbeatTimeout.Duration(), logger)
		heartbeat.Start(ctx)
		defer heartbeat.Stop()
	}

	monitorCfg := service.MonitorConfigFromModel(cfg)
	monitorCfg.DisableCleanup = !flags.IsEnabled(features.FlagCompletedCleanup)
	monitorCfg.DisableBacklogMonitor = !flags.IsEnabled(features.FlagBacklogMonitor)
	monitor := service.NewMonitor(client, db, responder, monitorCfg, logger)

	var server *Server
	serverErrCh := make(chan error, 1)
	if cfg.StatusAddr != "" {
		server = NewServer(cfg.StatusAddr, monitor, flags, logger)
		go func() {
			if err := server.Start(); err != nil {
				serverErrCh <- fmt.Errorf("status server error: %w", err)
			}
		}()
	}

	runCtx, cancel := context.WithCancel(service.WithVerbose(ctx, *verbose))
	defer cancel()
	monitorErrCh := make(chan error, 1)
	go func() { monitorErrCh <- monitor.Run(runCtx) }()

	var runErr error
	select {
	case runErr = <-monitorErrCh:
	case err := <-serverErrCh:
		logger.Error(err)
		cancel()
		<-monitorErrCh
		runErr = err
	}

	if server != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), constants.DefaultGracefulShutdownSec*time.Second)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Failed to shutdown status server gracefully")
		}
	}

	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	if runErr == nil {
		logger.Info("Shutdown completed")
	}
	return runErr
}

func newLogger(cfg *models.Config, verbose bool) *logrus.Logger {
	logger := logrus.New()
	if cfg.LogFormat == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - message content will be logged")
		return logger
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// openDatabase opens the store, retrying while the volume comes up.
func openDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	secret := ""
	if cfg.Database.EnableEncryption {
		secret = cfg.Database.EncryptionSecret
	}

	backoff := retry.NewBackoff(retry.BackoffConfig{
		BaseDelay:   constants.DefaultRetryBackoffMs * time.Millisecond,
		MaxDelay:    constants.DefaultMaxBackoffMs * time.Millisecond,
		Multiplier:  2.0,
		MaxAttempts: constants.DefaultDatabaseRetryAttempts,
		Jitter:      true,
	})

	var db *database.Database
	err := backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path, secret)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	return db, nil
}

// newPlugin builds the configured responder and, when asked to, keeps its
// configuration in sync with the file on disk.
func newPlugin(ctx context.Context, cfg *models.Config, hotReload bool, logger *logrus.Logger) (plugin.Plugin, error) {
	pluginCfg, err := plugin.LoadConfig(cfg.Plugin.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load plugin config: %w", err)
	}
	p, err := plugin.NewRegistry().Create(cfg.Plugin.Type, pluginCfg, logger)
	if err != nil {
		return nil, err
	}

	if hotReload && cfg.Plugin.ConfigPath != "" && cfg.Plugin.WatchConfig {
		watcher := config.NewPluginConfigWatcher(cfg.Plugin.ConfigPath, logger)
		if config.ReconfigureOnChange(watcher, p, logger) {
			go func() {
				if err := watcher.Start(ctx); err != nil {
					logger.WithError(err).Warn("Plugin configuration watcher stopped")
				}
			}()
		}
	}

	logger.WithField("plugin", p.Name()).Info("Plugin loaded")
	return p, nil
}

func tokenSource(cfg *models.Config, logger *logrus.Logger) transport.TokenSource {
	if cfg.MCP.BearerToken != "" {
		return transport.StaticToken(cfg.MCP.BearerToken)
	}
	return transport.NewTokenManager(cfg.MCP.TokenDir, cfg.MCP.OAuthServer, nil, logger)
}
