package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/duocall/duocall/internal/config"
	"github.com/duocall/duocall/internal/grpchealth"
	"github.com/duocall/duocall/internal/httpserver"
	"github.com/duocall/duocall/internal/metrics"
	"github.com/duocall/duocall/internal/relay"
	"github.com/duocall/duocall/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting duocall-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"grpc_health_addr", cfg.GRPCHealthAddr,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest", cfg.TURNREST.Enabled(),
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
	)
	logStartupWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	var grpcLn net.Listener
	if cfg.GRPCHealthAddr != "" {
		grpcLn, err = net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			logger.Error("failed to listen for grpc health", "err", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	if err := run(ctx, cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, ln, grpcLn); err != nil {
		logger.Error("relay exited", "err", err)
		os.Exit(1)
	}
}

// run serves the relay on ln (and gRPC health on grpcLn when non-nil) until
// ctx is cancelled or the HTTP server fails.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo, ln, grpcLn net.Listener) error {
	m := metrics.New()
	hub := relay.NewHub(relay.Config{Logger: logger, Metrics: m})
	sig := signaling.NewServer(signaling.Config{
		Hub:                           hub,
		Logger:                        logger,
		Metrics:                       m,
		AllowedOrigins:                cfg.AllowedOrigins,
		SignalingWSIdleTimeout:        cfg.SignalingWSIdleTimeout,
		SignalingWSPingInterval:       cfg.SignalingWSPingInterval,
		MaxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SignalingSendQueueSize:        cfg.SignalingSendQueueSize,
	})

	srv, err := httpserver.New(cfg, logger, build)
	if err != nil {
		return fmt.Errorf("configure http server: %w", err)
	}
	sig.RegisterRoutes(srv.Router())
	srv.Router().Method(http.MethodGet, "/metrics", m.Handler())
	// Hijacked WebSocket connections are not closed by http.Server.Shutdown.
	srv.OnShutdown(sig.Close)

	var health *grpchealth.Server
	grpcErrCh := make(chan error, 1)
	if grpcLn != nil {
		health = grpchealth.New(logger)
		go func() {
			grpcErrCh <- health.Serve(grpcLn)
		}()
	}

	health.SetServing(cfg.ICEConfigError() == nil)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		sig.Close()
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		health.Shutdown(stopCtx)
		cancel()
		if err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case err := <-grpcErrCh:
		logger.Error("grpc health server exited", "err", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	health.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
		return fmt.Errorf("http server after shutdown: %w", err)
	}
	logger.Info("relay stopped", "connected_clients", hub.Len())
	return nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
