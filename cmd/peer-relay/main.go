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

	"github.com/h5games/peer-relay/internal/config"
	"github.com/h5games/peer-relay/internal/httpserver"
	"github.com/h5games/peer-relay/internal/matchmaking"
	"github.com/h5games/peer-relay/internal/metrics"
	"github.com/h5games/peer-relay/internal/registry"
	"github.com/h5games/peer-relay/internal/signaling"
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

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting peer-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"expiry_interval", cfg.ExpiryInterval,
		"max_message_bytes", cfg.MaxMessageBytes,
		"match_db_path", cfg.MatchDBPath,
		"match_stale_after", cfg.MatchStaleAfter,
		"allowed_origins", cfg.AllowedOrigins,
	)
	if len(cfg.AllowedOrigins) == 0 {
		logger.Warn("no allowed origins configured; any browser origin may connect")
	}

	m := metrics.New()
	reg := registry.New()

	sig := signaling.NewServer(signaling.Config{
		Registry:        reg,
		Metrics:         m,
		Logger:          logger,
		ExpiryInterval:  cfg.ExpiryInterval,
		MaxMessageBytes: cfg.MaxMessageBytes,
		AllowedOrigins:  cfg.AllowedOrigins,
	})

	store, err := matchmaking.OpenStore(matchmaking.StoreConfig{
		Path:       cfg.MatchDBPath,
		StaleAfter: cfg.MatchStaleAfter,
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to open matchmaking store", "err", err)
		os.Exit(2)
	}
	defer store.Close()
	matchAPI := matchmaking.NewAPI(store, m, logger)

	status := func(ctx context.Context) (httpserver.Status, error) {
		waiting, err := store.Waiting(ctx)
		if err != nil {
			return httpserver.Status{}, err
		}
		return httpserver.Status{
			ConnectedPeers: reg.Len(),
			WaitingPlayers: waiting,
		}, nil
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, m, status)
	sig.RegisterRoutes(srv.Mux())
	matchAPI.RegisterRoutes(srv.Mux())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
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
