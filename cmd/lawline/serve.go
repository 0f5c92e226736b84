package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"lawline/internal/app"
	"lawline/internal/lawbook"
	"lawline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var watch, devActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long: `Serves the API, relays ledger events to the webhooks in lawline.yml and,
with --watch or lawbook.watch, republishes the lawbook file when it changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{
				JWTSecret:        viper.GetString("jwt-secret"),
				AllowActorHeader: devActorHeader,
			}
			if authCfg.JWTSecret == "" && !devActorHeader {
				return fmt.Errorf("LAWLINE_JWT_SECRET is required for bearer auth")
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				logger := ws.Engine.Logger
				authCfg.Logger = logger
				handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}

				g, gctx := errgroup.WithContext(ctx)
				if watch || ws.Config.Lawbook.Watch {
					path := ws.Config.LawbookPath(ws.Dir)
					if path == "" {
						return fmt.Errorf("lawbook.path is not set in lawline.yml")
					}
					w, err := lawbook.NewWatcher(path, ws.Engine.Policies.Applier(viper.GetString("actor-id")))
					if err != nil {
						return err
					}
					w.Logger = logger
					g.Go(func() error { return w.Run(gctx) })
				}
				relay := server.NewWebhookRelay(ws.Engine.Ledger, ws.Config.Webhooks, logger)
				g.Go(func() error {
					relay.Run(gctx)
					return nil
				})

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					fmt.Printf("Serving lawline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload the lawbook file on change")
	cmd.Flags().BoolVar(&devActorHeader, "dev-actor-header", false, "accept unauthenticated X-Actor-Id (local development only)")
	return cmd
}
