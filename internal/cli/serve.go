package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"offgrid/internal/api"
	"offgrid/internal/auth"
	"offgrid/internal/config"
	"offgrid/internal/filestore"
	"offgrid/internal/http"
	"offgrid/internal/logging"
	"offgrid/internal/messaging"
	"offgrid/internal/metrics"
	"offgrid/internal/push"
	"offgrid/internal/realtime"
	"offgrid/internal/storage"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var apiAddr, adminAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API, realtime and admin servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiAddr != "" {
				cfg.APIAddr = apiAddr
			}
			if adminAddr != "" {
				cfg.AdminAddr = adminAddr
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := Serve(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&apiAddr, "addr", "", "API listen address (overrides config)")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "admin listen address (overrides config)")
	return cmd
}

// Serve runs every server component until ctx is cancelled.
func Serve(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	db, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	authService, err := auth.NewAuthService(ctx, auth.Config{TokenExpiry: cfg.TokenExpiry}, db, log)
	if err != nil {
		return err
	}

	files, err := filestore.NewLocalFileStore(cfg.StoragePath, cfg.Buckets...)
	if err != nil {
		return err
	}
	signer := filestore.NewSigner([]byte(cfg.AuthSecret))

	m := metrics.New()
	hub := realtime.NewHub(realtime.Config{PresenceTTL: cfg.PresenceTTL}, log, m)

	notifier := push.NewNotifier(push.Config{
		VAPIDPublicKey:  cfg.Push.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.Push.VAPIDPrivateKey,
		Subject:         cfg.Push.Subject,
	}, db, log, m)
	if !notifier.Enabled() {
		log.Info().Msg("web push disabled, no VAPID keys configured")
	}

	messages := messaging.NewService(messaging.Config{
		BaseURL:       cfg.BaseURL,
		PublicBuckets: cfg.PublicBuckets,
		SignedURLTTL:  cfg.SignedURLTTL,
	}, db, authService, hub, notifier, files, signer, log, m)

	apiHandlers := api.New(authService, messages, db, cfg.Push.VAPIDPublicKey, log, m)
	adminServer := http.NewAdminServer(api.NewAdminHandler(authService, cfg.BaseURL, log), m, cfg.AdminAddr, log)
	apiServer := http.NewAPIServer(apiHandlers, realtime.NewServer(hub, authService, log), cfg.APIAddr, log)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(gCtx)
	})

	g.Go(func() error {
		if err := adminServer.Start(); err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Info().Msg("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("admin server shutdown")
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("api server shutdown")
		}
		messages.Wait()
		return nil
	})

	return g.Wait()
}
