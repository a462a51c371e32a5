package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dfryer1193/flowbeacon/internal/ratelimit"
	"github.com/dfryer1193/flowbeacon/internal/rest"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the REST routes",
	Long: `Serve the analytics proxy under <N8N_ENDPOINT_REST>/posthog, the admin
migration status endpoint and /metrics.

The server stops gracefully on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "Apply pending migrations before serving")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	mgr, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if serveMigrate {
		applied, err := mgr.ApplyPending(ctx)
		if err != nil {
			return err
		}
		log.Info().Strs("migrations", applied).Msg("pending migrations applied")
	}

	limits, err := ratelimit.NewStore(cfg.RateLimit.RedisURL)
	if err != nil {
		return err
	}
	defer limits.Close()

	router, err := rest.NewRouter(rest.Dependencies{
		Config:     cfg,
		Migrations: mgr,
		RateLimits: limits,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Int("port", cfg.Port).
			Str("upstream", cfg.Diagnostics.PostHog.APIHost).
			Bool("sharedRateLimits", limits.Shared()).
			Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info().Msg("Server stopped")
	return nil
}
