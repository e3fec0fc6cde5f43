package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"elam/internal/app"
	"elam/internal/db"
	"elam/internal/engine"
	"elam/internal/metrics"
	"elam/internal/scheduler"
	"elam/internal/server"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, SLA scheduler and webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("ELAM_JWT_SECRET is required for bearer auth")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			cfg, err := app.Bootstrap(ctx, conn, app.Options{
				Workspace:    workspace,
				OrgID:        viper.GetString("org"),
				AdminActorID: viper.GetString("admin-actor"),
				Logger:       logger,
			})
			if err != nil {
				return err
			}
			m := metrics.New()
			e := engine.New(conn, cfg)
			e.Logger = logger
			e.Metrics = m

			basePath := viper.GetString("base-path")
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Logger:   logger,
				Metrics:  m,
				Auth: server.AuthConfig{
					JWTSecret:              secret,
					DevLogin:               viper.GetBool("dev-login"),
					AllowLegacyActorHeader: viper.GetBool("allow-actor-header"),
				},
			})
			if err != nil {
				return err
			}
			sched, err := scheduler.ForEngine(e, logger)
			if err != nil {
				return err
			}
			hooks := server.NewWebhookDispatcher(e, cfg.Webhooks, logger, m)

			addr := viper.GetString("addr")
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("serving ELAM API",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.String("docs", "/docs"))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error { return sched.Run(gctx) })
			g.Go(func() error { return hooks.Run(gctx) })
			return g.Wait()
		},
	}
	f := cmd.Flags()
	f.String("addr", "127.0.0.1:8080", "listen address")
	f.String("base-path", "/v1", "API base path")
	f.String("jwt-secret", "", "HS256 secret for bearer tokens (ELAM_JWT_SECRET)")
	f.String("admin-actor", "", "actor that receives admin when nobody holds it")
	f.Bool("dev-login", false, "enable POST /auth/dev/login")
	f.Bool("allow-actor-header", false, "trust X-Actor-Id without credentials")
	for _, name := range []string{"addr", "base-path", "jwt-secret", "admin-actor", "dev-login", "allow-actor-header"} {
		_ = viper.BindPFlag(name, f.Lookup(name))
	}
	return cmd
}
