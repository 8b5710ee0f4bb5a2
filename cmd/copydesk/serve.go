package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ewanhart/copydesk/internal/api"
	"github.com/ewanhart/copydesk/internal/auth"
	"github.com/ewanhart/copydesk/internal/config"
	"github.com/ewanhart/copydesk/internal/metrics"
	"github.com/ewanhart/copydesk/internal/ratelimit"
	"github.com/ewanhart/copydesk/internal/user"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Copydesk server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	userStore := user.NewStore(pool)
	rlStore := ratelimit.NewPGStore(pool)
	limiter := ratelimit.New(rlStore, cfg.Auth.RateLimitFailClosed)

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (int32, int32, int32) {
		stat := pool.Stat()
		return stat.TotalConns(), stat.IdleConns(), stat.AcquiredConns()
	})

	sessions := auth.NewSessions(userStore, cfg.Auth.SessionTTL())

	// Invite tokens go to stdout for the operator to hand over; the log
	// stream only ever sees the digest side.
	sink := func(email, token string) {
		fmt.Printf("\n=== Invite issued ===\nEmail: %s\nToken: %s\n\n", email, token)
	}

	bootstrap := auth.NewBootstrapper(cfg.Auth, userStore, sink, userStore, rlStore)

	var sso *auth.Resolver
	if cfg.Auth.SSOConfigured() {
		sso = auth.NewResolver(cfg.Auth, userStore)
		slog.Info("sso resolver enabled", "domain", cfg.Auth.SSOTeamDomain)
	}

	authorizer := auth.NewAuthorizer(cfg.Auth, bootstrap, sessions, sso, m)

	// Warm start: don't wait for the first request to provision the schema
	// and the default owner.
	bootstrap.EnsureDefaultOwner(ctx)

	router := api.NewRouter(api.RouterDeps{
		Users:      userStore,
		Sessions:   sessions,
		Authorizer: authorizer,
		Limiter:    limiter,
		Metrics:    m,
		DBPool:     pool,
		Config:     cfg,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	return srv.Shutdown(shutdownCtx)
}
