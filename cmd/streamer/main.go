package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"raydium-pair-stream/internal/config"
	"raydium-pair-stream/internal/discovery"
	"raydium-pair-stream/internal/observability"
	"raydium-pair-stream/internal/orchestrator"
	"raydium-pair-stream/internal/publisher"
	"raydium-pair-stream/internal/solana"
	"raydium-pair-stream/internal/swaps"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to YAML config file")
	wsEndpoint := flag.String("ws-endpoint", "", "Solana WebSocket endpoint (overrides config)")
	rpcEndpoint := flag.String("rpc-endpoint", "", "Solana RPC HTTP endpoint (overrides config)")
	rpcSecondary := flag.String("rpc-secondary", "", "Secondary RPC endpoint for transaction fetches")
	redisAddr := flag.String("redis-addr", "", "Redis host:port (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics HTTP address (overrides config)")
	logFormat := flag.String("log-format", "", "Log format: text or json")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	dryRun := flag.Bool("dry-run", false, "Publish to an in-process bus and log events instead of Redis")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	if err := applyFlags(cfg, *wsEndpoint, *rpcEndpoint, *rpcSecondary, *redisAddr, *metricsAddr, *logFormat, *logLevel); err != nil {
		logrus.WithError(err).Fatal("invalid flags")
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		logrus.WithError(err).Fatal("setup logger")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid config")
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Handle shutdown signals with graceful timeout
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			logger.WithField("signal", sig.String()).Info("initiating graceful shutdown")
			cancel()
		case <-done:
			return
		}

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.WithField("signal", sig.String()).Error("forcing immediate shutdown")
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Error("graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	err = run(ctx, cancel, cfg, logger, *dryRun)
	close(done)
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("streamer stopped")
	}
	logger.Info("shutdown complete")
}

func applyFlags(cfg *config.Config, ws, rpc, secondary, redisAddr, metricsAddr, logFormat, logLevel string) error {
	if ws != "" {
		cfg.Solana.WSEndpoint = ws
	}
	if rpc != "" {
		cfg.Solana.RPCEndpoint = rpc
	}
	if secondary != "" {
		cfg.Solana.SecondaryRPCEndpoint = secondary
	}
	if redisAddr != "" {
		host, port, err := splitHostPort(redisAddr)
		if err != nil {
			return fmt.Errorf("--redis-addr: %w", err)
		}
		cfg.Redis.Host, cfg.Redis.Port = host, port
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("port %q: %w", portStr, err)
	}
	return host, port, nil
}

func newLogger(cfg config.LoggingConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// run wires the streamer and blocks until ctx is done, the bus watchdog
// gives up or discovery fails for good.
func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, logger *logrus.Logger, dryRun bool) error {
	rpc, fetchRPC, secondary := rpcClients(cfg.Solana)

	// The node must be reachable at startup.
	slotCtx, slotCancel := context.WithTimeout(ctx, 10*time.Second)
	slot, err := rpc.GetSlot(slotCtx)
	slotCancel()
	if err != nil {
		return fmt.Errorf("rpc %s unreachable: %w", rpc.Endpoint(), err)
	}
	logger.WithFields(logrus.Fields{
		"endpoint": rpc.Endpoint(),
		"slot":     slot,
	}).Info("rpc reachable")

	if secondary != nil {
		logger.WithField("endpoint", cfg.Solana.SecondaryRPCEndpoint).Info("using secondary rpc for transaction fetches")
	}

	pub, err := newPublisher(ctx, cancel, cfg, logger, dryRun)
	if err != nil {
		return err
	}
	defer pub.Close()

	if cfg.Metrics.Addr != "" {
		stop := serveMetrics(cfg.Metrics.Addr, logger)
		defer stop()
	}

	classifier := discovery.NewClassifier(discovery.Options{
		ProgramID:  cfg.Solana.ProgramID,
		NativeMint: cfg.Solana.NativeMint,
		Extractor:  swaps.NewExtractor(cfg.Solana.AMMAuthority, cfg.Solana.NativeMint),
		Publisher:  pub,
		Topics:     cfg.Topics,
		Fetch: discovery.FetchConfig{
			Attempts:  cfg.Fetch.Attempts,
			BaseDelay: cfg.Fetch.BaseDelay,
		},
		Logger: logger,
	})

	orch := orchestrator.New(orchestrator.Options{
		Endpoint:          cfg.Solana.WSEndpoint,
		ProgramID:         cfg.Solana.ProgramID,
		Commitment:        cfg.Solana.Commitment,
		RPC:               fetchRPC,
		SecondaryRPC:      secondary,
		ObservationWindow: cfg.Stream.ObservationWindow,
		ReconnectAttempts: cfg.Stream.ReconnectAttempts,
		ReconnectDelay:    cfg.Stream.ReconnectDelay,
		ConnectRetryDelay: cfg.Stream.ConnectRetryDelay,
		RateWindow:        cfg.Stream.RateWindow,
		Dispatcher:        classifier,
		Logger:            logger,
	})
	classifier.SetTracker(orch)
	classifier.SetLastPair(orch.LastPair())

	return orch.Run(ctx)
}

// rpcClients builds the startup status client and the clients handed to
// notifications. Transaction fetches retry in discovery.FetchTransaction, so
// the fetch clients make a single attempt per call.
func rpcClients(cfg config.SolanaConfig) (status, fetch *solana.HTTPClient, secondary solana.RPCClient) {
	commitment := solana.WithCommitment(cfg.Commitment)
	status = solana.NewHTTPClient(cfg.RPCEndpoint, commitment)
	fetch = solana.NewHTTPClient(cfg.RPCEndpoint, commitment, solana.WithMaxRetries(0))
	if cfg.SecondaryRPCEndpoint != "" {
		secondary = solana.NewHTTPClient(cfg.SecondaryRPCEndpoint, commitment, solana.WithMaxRetries(0))
	}
	return status, fetch, secondary
}

// newPublisher connects to Redis, announces the producer and starts the
// bus watchdog. In dry-run mode events go to an in-process bus and are logged.
func newPublisher(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, logger *logrus.Logger, dryRun bool) (publisher.Publisher, error) {
	if dryRun {
		bus := publisher.NewMemory()
		bus.MaxHistory = 1000
		msgs, unsubscribe := bus.Subscribe()
		go func() {
			defer unsubscribe()
			for {
				select {
				case <-ctx.Done():
					return
				case m, ok := <-msgs:
					if !ok {
						return
					}
					data, err := json.Marshal(m.Event)
					if err != nil {
						logger.WithError(err).Warn("encode event")
						continue
					}
					logger.WithField("topic", m.Topic).Info(string(data))
				}
			}
		}()
		logger.Info("dry run: events are logged, not published")
		return bus, nil
	}

	redisPub, err := publisher.NewRedis(ctx, publisher.RedisOptions{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Codec:    cfg.Redis.Codec,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	n, err := redisPub.AnnounceProducer(ctx)
	if err != nil {
		logger.WithError(err).Warn("producer announcement failed")
	} else {
		logger.WithField("channels", n).Info("producer announced")
	}

	watchdog := &publisher.Watchdog{
		Target:    redisPub,
		Interval:  cfg.Watchdog.Interval,
		Threshold: cfg.Watchdog.Threshold,
		OnFailure: func(err error) {
			logger.WithError(err).Error("redis unreachable, shutting down")
			cancel()
		},
		Logger: logger,
	}
	go watchdog.Run(ctx)

	return redisPub, nil
}

func serveMetrics(addr string, logger *logrus.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.WithField("addr", addr).Info("starting metrics server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server error")
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
}
