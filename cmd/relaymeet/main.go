package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaymeet/internal/config"
	"github.com/agentworkforce/relaymeet/internal/httpapi"
	"github.com/agentworkforce/relaymeet/internal/realtime"
	"github.com/agentworkforce/relaymeet/internal/storage"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.LookupEnv, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "relaymeet: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, lookup func(string) (string, bool), stdout io.Writer) error {
	fs := flag.NewFlagSet("relaymeet", flag.ContinueOnError)
	configPath := fs.String("config", envValue(lookup, "RELAYMEET_CONFIG"), "path to YAML config file")
	issueToken := fs.String("issue-admin-token", "", "print an admin token for this subject and exit")
	tokenMeeting := fs.String("token-meeting", "", "restrict the issued admin token to one meeting")
	tokenTTL := fs.Duration("token-ttl", 24*time.Hour, "lifetime of the issued admin token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath, lookup)
	if err != nil {
		return err
	}

	if subject := strings.TrimSpace(*issueToken); subject != "" {
		if cfg.AdminSecret == "" {
			return errors.New("admin_secret must be configured to issue tokens")
		}
		token, err := httpapi.SignAdminToken(cfg.AdminSecret, subject, strings.TrimSpace(*tokenMeeting), []string{httpapi.ScopeSharesWrite}, time.Now().Add(*tokenTTL))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, token)
		return err
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	stateBackend, err := storage.BuildStateBackendFromDSN(cfg.StorageDSN)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	store, err := storage.NewStore(storage.StoreOptions{StateBackend: stateBackend, Logger: logger.Named("storage")})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	transport, closeTransport, err := buildTransport(cfg.Realtime, logger.Named("realtime"))
	if err != nil {
		return fmt.Errorf("initialize realtime: %w", err)
	}
	defer closeTransport()

	var limiter *httpapi.RateLimiter
	if cfg.RateLimit.Max > 0 {
		limiter = httpapi.NewRateLimiter(cfg.RateLimit.Max, cfg.RateLimit.Window, nil)
	}
	handler := httpapi.NewServer(store, httpapi.ServerConfig{
		AdminSecret:     cfg.AdminSecret,
		RateLimiter:     limiter,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		DefaultShareTTL: cfg.DefaultShareTTL,
		Realtime:        transport,
		AllowedOrigins:  cfg.AllowedOrigins,
		Logger:          logger.Named("http"),
	})

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Hijacked websockets outlive Shutdown; tie them to ctx instead.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	return serve(ctx, srv, listener, cfg.ShutdownTimeout, logger)
}

func serve(ctx context.Context, srv *http.Server, listener net.Listener, shutdownTimeout time.Duration, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("relaymeet listening", zap.String("addr", listener.Addr().String()))
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("server exited")
	return nil
}

func buildTransport(cfg config.RealtimeConfig, logger *zap.Logger) (realtime.Transport, func(), error) {
	switch cfg.Backend {
	case config.RealtimeRedis:
		client, err := realtime.DialRedis(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		transport := realtime.NewRedisTransport(client, realtime.RedisOptions{
			Prefix:      cfg.RedisPrefix,
			PresenceTTL: cfg.PresenceTTL,
			Logger:      logger,
		})
		return transport, func() { _ = client.Close() }, nil
	default:
		return realtime.NewHub(logger), func() {}, nil
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func envValue(lookup func(string) (string, bool), name string) string {
	v, _ := lookup(name)
	return strings.TrimSpace(v)
}
