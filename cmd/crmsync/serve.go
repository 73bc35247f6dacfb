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

	"github.com/rppbarbosa/whatsapp-crm-sub002/gateway"
	"github.com/rppbarbosa/whatsapp-crm-sub002/hotcache"
	"github.com/rppbarbosa/whatsapp-crm-sub002/hub"
	"github.com/rppbarbosa/whatsapp-crm-sub002/server"
)

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conversation backend",
	Long:  "Serve the REST API, the push channel on /ws and the channel provider webhook.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		logger := cfg.NewLogger()

		ctx := context.Background()
		gw, err := gateway.Open(ctx, gateway.Config{
			Driver:    cfg.Storage.Driver,
			URL:       cfg.Storage.URL,
			Database:  cfg.Storage.Database,
			Retention: cfg.Storage.Retention.Duration,
		})
		if err != nil {
			return err
		}
		defer gw.Close()
		logger.Info().Str("driver", cfg.Storage.Driver).Msg("storage connected")

		srv := server.New(server.Options{
			Gateway: gw,
			Cache: hotcache.New(gw, &hotcache.Options{
				TTL:        cfg.HotCache.TTL.Duration,
				Window:     cfg.HotCache.Window,
				MaxEntries: cfg.HotCache.MaxEntries,
				Logger:     logger,
			}),
			Hub:            hub.New(logger),
			Authenticator:  server.StaticTokens(cfg.Server.Tokens),
			WebhookSecret:  cfg.Server.WebhookSecret,
			IdleTimeout:    cfg.Server.IdleTimeout.Duration,
			QueueSize:      cfg.Server.QueueSize,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Logger:         logger,
		})
		if cfg.Server.WebhookSecret == "" {
			logger.Warn().Msg("no webhook secret configured, /webhooks/channel is disabled")
		}

		httpSrv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info().
				Str("addr", cfg.Server.Addr).
				Str("env", cfg.Server.Env).
				Msg("starting crmsync server")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
		case err := <-errCh:
			return fmt.Errorf("server failed to start: %w", err)
		}

		logger.Info().Msg("shutting down server...")
		srv.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		logger.Info().Msg("server stopped")
		return nil
	},
}
