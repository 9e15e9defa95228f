package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/numera-io/numera/internal/api"
	"github.com/numera-io/numera/internal/auth"
	"github.com/numera-io/numera/internal/notify"
	"github.com/numera-io/numera/internal/realtime"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr         string
	logLevel         string
	jwtPrivateKey    string
	jwtPublicKey     string
	jwtIssuer        string
	queueCap         int
	sendBuffer       int
	queueTTL         time.Duration
	heartbeatTimeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "numera-realtime",
		Short: "Numera realtime server — live notification delivery",
		Long: `Numera realtime is the notification delivery server of the Numera
back office. It accepts long-lived WebSocket connections from signed-in
users, tracks which user/tenant/channel each connection belongs to, and
delivers events published by the billing, approval and audit services —
queueing them for users who are offline.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("NUMERA_HTTP_ADDR", ":8080"), "HTTP and WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("NUMERA_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.jwtPrivateKey, "jwt-private-key", envOrDefault("NUMERA_JWT_PRIVATE_KEY", ""), "Path to the PEM-encoded RSA private key shared with the identity service (empty generates an ephemeral pair)")
	root.PersistentFlags().StringVar(&cfg.jwtPublicKey, "jwt-public-key", envOrDefault("NUMERA_JWT_PUBLIC_KEY", ""), "Path to the PEM-encoded RSA public key")
	root.PersistentFlags().StringVar(&cfg.jwtIssuer, "jwt-issuer", envOrDefault("NUMERA_JWT_ISSUER", "numera"), "Expected JWT issuer")
	root.PersistentFlags().IntVar(&cfg.queueCap, "queue-cap", envIntOrDefault("NUMERA_QUEUE_CAP", 100), "Per-user offline backlog cap (drop-oldest beyond it)")
	root.PersistentFlags().IntVar(&cfg.sendBuffer, "send-buffer", envIntOrDefault("NUMERA_SEND_BUFFER", 256), "Per-connection outbound frame buffer (raised above queue-cap when smaller)")
	root.PersistentFlags().DurationVar(&cfg.queueTTL, "queue-ttl", envDurationOrDefault("NUMERA_QUEUE_TTL", 0), "Offline backlog entry expiry (0 keeps entries until eviction)")
	root.PersistentFlags().DurationVar(&cfg.heartbeatTimeout, "heartbeat-timeout", envDurationOrDefault("NUMERA_HEARTBEAT_TIMEOUT", 90*time.Second), "Disconnect connections silent for longer than this")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("numera-realtime %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting numera realtime server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("log_level", cfg.logLevel),
		zap.Int("queue_cap", cfg.queueCap),
		zap.Duration("heartbeat_timeout", cfg.heartbeatTimeout),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	jwtMgr, err := buildJWTManager(cfg, logger)
	if err != nil {
		return err
	}

	hub := realtime.NewHub(realtime.Config{
		QueueCap:         cfg.queueCap,
		SendBuffer:       cfg.sendBuffer,
		QueueTTL:         cfg.queueTTL,
		HeartbeatTimeout: cfg.heartbeatTimeout,
	}, logger)

	sweeper, err := realtime.NewSweeper(hub, logger)
	if err != nil {
		return err
	}
	if err := sweeper.Start(); err != nil {
		return err
	}

	notifier := notify.NewService(hub.Dispatcher(), logger)

	router := api.NewRouter(api.RouterConfig{
		Hub:      hub,
		Notifier: notifier,
		JWT:      jwtMgr,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:    cfg.httpAddr,
		Handler: router,
		// No global write timeout: WebSocket connections are long-lived.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down numera realtime server")

	// Order: stop accepting, close live connections, stop the sweeps.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	hub.Shutdown()
	if err := sweeper.Stop(); err != nil {
		logger.Warn("sweeper shutdown", zap.Error(err))
	}
	return nil
}

// buildJWTManager loads the signing key pair from disk when configured, or
// generates an ephemeral pair for development.
func buildJWTManager(cfg *config, logger *zap.Logger) (*auth.JWTManager, error) {
	if cfg.jwtPrivateKey != "" || cfg.jwtPublicKey != "" {
		if cfg.jwtPrivateKey == "" || cfg.jwtPublicKey == "" {
			return nil, fmt.Errorf("both --jwt-private-key and --jwt-public-key must be set")
		}
		return auth.NewJWTManagerFromFiles(cfg.jwtPrivateKey, cfg.jwtPublicKey, cfg.jwtIssuer)
	}

	logger.Warn("no JWT key pair configured, generating an ephemeral one — tokens will not survive a restart")
	return auth.NewJWTManagerGenerated(cfg.jwtIssuer)
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
