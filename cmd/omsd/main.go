package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"oms/internal/alert"
	"oms/internal/config"
	"oms/internal/core"
	"oms/internal/credentials"
	"oms/internal/dispatcher"
	"oms/internal/exchange"
	"oms/internal/executor"
	"oms/internal/infrastructure/metrics"
	"oms/internal/intake"
	"oms/internal/logging"
	"oms/internal/queue"
	"oms/internal/reconciler"
	"oms/internal/store"
	"oms/internal/ws"
	"oms/pkg/concurrency"
	"oms/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/omsd.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("omsd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Telemetry first so the zap logger can bridge into the OTel log provider.
	tel, err := telemetry.Setup("omsd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init telemetry: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobalLogger(logger)

	logger.Info("Starting omsd",
		"version", version,
		"rpc_addr", cfg.Server.RPCListenAddr,
		"ws_addr", cfg.Server.WSListenAddr,
		"db", cfg.Database.Path,
	)

	var metricsSrv *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsSrv = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
		metricsSrv.Start()
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		logger.Error("Failed to open store", "error", err, "path", cfg.Database.Path)
		os.Exit(1)
	}
	defer st.Close()

	var codec *credentials.Codec
	if cfg.Credentials.Key.IsSet() {
		codec, err = credentials.NewCodec(string(cfg.Credentials.Key))
		if err != nil {
			logger.Error("Failed to init credentials codec", "error", err)
			os.Exit(1)
		}
	} else if cfg.Credentials.RequireEncrypted {
		logger.Warn("No credentials key configured; encrypted credentials cannot be read")
	}

	adapter := exchange.NewAdapter(cfg.Exchange, logger)
	defer adapter.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ring := dispatcher.NewEventRing(cfg.Dispatcher.EventRingSize)
	exec := executor.New(st, adapter, codec, cfg.Credentials.RequireEncrypted, ring, logger)

	workers := queue.New(st, exec, []string{"ccxt", "ccxtpro"}, cfg.Queue, logger)
	workers.Start(ctx)

	// One lock registry serializes each account across the RPC surface and
	// the background reconciler.
	accountLocks := concurrency.NewKeyedMutex()

	rec := reconciler.New(st, adapter, codec, cfg.Credentials.RequireEncrypted, cfg.Reconcile, ring, accountLocks, logger)
	rec.Start(ctx)

	in := intake.NewService(st, cfg.Exchange.CloseLockTTL, logger)
	disp := dispatcher.New(st, in, adapter, rec, codec, ring, cfg, accountLocks, logger)

	rpcSrv := dispatcher.NewServer(disp, logger)
	if err := rpcSrv.Start(ctx, cfg.Server.RPCListenAddr); err != nil {
		logger.Error("Failed to start RPC server", "error", err, "addr", cfg.Server.RPCListenAddr)
		os.Exit(1)
	}

	alertUnsub := func() {}
	if cfg.Alert.SlackWebhookURL.IsSet() || cfg.Alert.TelegramBotToken.IsSet() {
		alerts := alert.NewManager(logger)
		if cfg.Alert.SlackWebhookURL.IsSet() {
			alerts.AddChannel(alert.NewSlackChannel(string(cfg.Alert.SlackWebhookURL)))
		}
		if cfg.Alert.TelegramBotToken.IsSet() {
			alerts.AddChannel(alert.NewTelegramChannel(string(cfg.Alert.TelegramBotToken), cfg.Alert.TelegramChatID))
		}
		var alertEvents <-chan core.Event
		alertEvents, alertUnsub = ring.Subscribe(256)
		go alert.NewNotifier(alerts, logger).Watch(ctx, alertEvents)
	}

	wsSrv := ws.NewServer(st, ring, cfg.Server.WSOrigins, logger)
	go func() {
		if err := wsSrv.Start(ctx, cfg.Server.WSListenAddr); err != nil {
			logger.Error("WebSocket server error", "error", err)
			cancel()
		}
	}()

	logger.Info("omsd is running",
		"rpc_url", fmt.Sprintf("tcp://localhost%s", cfg.Server.RPCListenAddr),
		"websocket_url", fmt.Sprintf("ws://localhost%s/ws", cfg.Server.WSListenAddr),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal, gracefully shutting down...")
	case <-ctx.Done():
		logger.Info("Shutting down after fatal component error")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop the surfaces first so no new work arrives, then drain the pipeline.
	rpcSrv.Stop()
	if err := wsSrv.Stop(shutdownCtx); err != nil {
		logger.Error("Error during WebSocket shutdown", "error", err)
	}
	alertUnsub()
	workers.Stop()
	rec.Stop()
	disp.Stop()

	if metricsSrv != nil {
		if err := metricsSrv.Stop(shutdownCtx); err != nil {
			logger.Error("Error during metrics shutdown", "error", err)
		}
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}

	logger.Info("omsd stopped")
}

// loadConfig falls back to defaults when the config file does not exist, so a
// bare `omsd` starts with a local sqlite store.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(path)
}
