package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	chatsync "github.com/rppbarbosa/whatsapp-crm-sub002"
	"github.com/rppbarbosa/whatsapp-crm-sub002/internal/config"
)

// newClient creates a REST client from the [client] section.
func newClient(cfg *config.Config, logger zerolog.Logger) (*chatsync.Client, error) {
	if cfg.Client.Token == "" {
		return nil, fmt.Errorf("no client token. Run 'crmsync config set client.token <token>' first")
	}
	return chatsync.NewClient(cfg.Client.BaseURL,
		chatsync.WithToken(cfg.Client.Token),
		chatsync.WithLogger(logger),
	), nil
}

// cachePath returns client.cache_path or ~/.crmsync/cache.db.
func cachePath(cfg *config.Config) (string, error) {
	if cfg.Client.CachePath != "" {
		return cfg.Client.CachePath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".crmsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create cache directory: %w", err)
	}
	return filepath.Join(dir, "cache.db"), nil
}

// newEngine builds a sync engine with the SQLite cache and the push channel.
func newEngine(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*chatsync.Engine, error) {
	client, err := newClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	path, err := cachePath(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := chatsync.OpenSQLiteBackend(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open local cache: %w", err)
	}
	store := chatsync.NewCacheStore(backend, &chatsync.CacheOptions{
		TTL:    cfg.Client.CacheTTL.Duration,
		Logger: logger,
	})

	return chatsync.NewEngine(client, store, &chatsync.EngineOptions{
		Dialer: chatsync.NewWSDialer(cfg.Client.BaseURL),
		Realtime: chatsync.RealtimeConfig{
			Credential:           cfg.Client.Token,
			MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
			HeartbeatInterval:    cfg.Client.HeartbeatInterval.Duration,
			HeartbeatDeadline:    cfg.Client.HeartbeatDeadline.Duration,
		},
		PollInterval:             cfg.Client.PollInterval.Duration,
		ConversationPollInterval: cfg.Client.ConversationPollInterval.Duration,
		PageLimit:                cfg.Client.PageLimit,
		Logger:                   logger,
	}), nil
}

// cliLogger logs warnings and above to stderr so command output stays clean.
func cliLogger(cfg *config.Config) zerolog.Logger {
	logger := cfg.NewLogger()
	if logger.GetLevel() < zerolog.WarnLevel {
		logger = logger.Level(zerolog.WarnLevel)
	}
	return logger
}

func printMessage(m chatsync.Message) {
	arrow := "<-"
	if m.Direction == chatsync.Outbound {
		arrow = "->"
	}
	body := m.Body
	if m.Attachment != nil {
		body += fmt.Sprintf(" [%s %s]", valueOrDefault(m.Attachment.Type, "attachment"), valueOrDefault(m.Attachment.Filename, m.Attachment.URL))
	}
	status := ""
	if m.Status != "" {
		status = " (" + string(m.Status) + ")"
	}
	fmt.Printf("[%s] %s %s %s%s\n", m.Time().Format(time.RFC3339), arrow, valueOrDefault(m.SenderID, "-"), body, status)
}

// maskKey shows the first 4 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
