package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"forgeline/internal/app"
	"forgeline/internal/inventory"
	"forgeline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyActor, noAuth bool
	var inventoryInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long: `Serve the forgeline HTTP API. Pending production completions are replayed on start,
the material index and configured webhooks follow the event log while the server runs.
Bearer tokens are verified with FORGELINE_JWT_SECRET (HS256).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Open(ctx, app.Options{
				Workspace: viper.GetString("workspace"),
				LogLevel:  viper.GetString("log-level"),
			})
			if err != nil {
				return err
			}
			defer a.Close()
			log := a.Log.Named("serve")

			n, err := a.Production.Recover(ctx)
			if err != nil {
				return fmt.Errorf("recover pending completions: %w", err)
			}
			if n > 0 {
				log.Info("replayed pending completions", zap.Int("count", n))
			}

			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("FORGELINE_JWT_SECRET"),
				AllowLegacyActorHeader: legacyActor,
				Disabled:               noAuth,
				Logger:                 log,
			}
			if authCfg.JWTSecret == "" && !legacyActor && !noAuth {
				return fmt.Errorf("FORGELINE_JWT_SECRET is required for bearer auth (or pass --allow-actor-header)")
			}

			index := inventory.New(a.Engine.Repo, inventoryInterval, a.Log.Named("inventory"))
			if err := index.Load(ctx); err != nil {
				return err
			}
			hooks := server.NewWebhooks(a.Engine.Repo, a.Config.Webhooks, a.Log.Named("webhooks"))

			handler, err := server.New(server.Config{
				App:       a,
				BasePath:  basePath,
				Auth:      authCfg,
				Inventory: index,
				Log:       a.Log.Named("http"),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := index.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
			if err := hooks.Start(gctx); err != nil {
				return err
			}
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				fmt.Printf("Serving forgeline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			err = g.Wait()
			hooks.Wait()
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacyActor, "allow-actor-header", false, "accept the X-Actor-Id header without a token")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "disable authentication (local use only)")
	cmd.Flags().DurationVar(&inventoryInterval, "inventory-interval", time.Second, "material index poll interval")
	return cmd
}
