package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend health",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Server:")
		fmt.Printf("  Address:     %s\n", cfg.Server.Addr)
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Server.Env, "development"))
		fmt.Printf("  Storage:     %s\n", cfg.Storage.Driver)
		fmt.Printf("  Webhook:     %s\n", map[bool]string{true: "enabled", false: "disabled"}[cfg.Server.WebhookSecret != ""])
		if err := cfg.Validate(); err != nil {
			fmt.Printf("  Problems:    %v\n", err)
		}

		fmt.Println()
		fmt.Println("Client:")
		fmt.Printf("  Base URL:    %s\n", cfg.Client.BaseURL)
		if cfg.Client.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Client.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		path, err := cachePath(cfg)
		if err == nil {
			fmt.Printf("  Cache:       %s\n", path)
		}

		if cfg.Client.Token == "" {
			return nil
		}
		client, err := newClient(cfg, cliLogger(cfg))
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		if err := client.Health(ctx); err != nil {
			fmt.Printf("  Backend:     unreachable (%v)\n", err)
			return nil
		}
		fmt.Println("  Backend:     ok")
		return nil
	},
}
