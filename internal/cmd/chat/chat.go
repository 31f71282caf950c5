// Package chat parses chat command flags and composes the realtime server.
package chat

import (
	"context"
	"flag"
	"fmt"
	"time"

	server "github.com/louisbranch/powerchat/internal/chat/app"
	entrypoint "github.com/louisbranch/powerchat/internal/platform/cmd"
)

// Config holds chat command configuration.
type Config struct {
	HTTPAddr    string `env:"POWERCHAT_HTTP_ADDR"    envDefault:":8086"`
	StoragePath string `env:"POWERCHAT_STORAGE_PATH" envDefault:"powerchat.db"`
	TokenSecret string `env:"POWERCHAT_TOKEN_SECRET"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "chat HTTP listen address")
	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "sqlite database path")
	fs.StringVar(&cfg.TokenSecret, "token-secret", cfg.TokenSecret, "member token signing secret")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the chat app and starts realtime transport behavior.
func Run(ctx context.Context, cfg Config) error {
	if cfg.TokenSecret == "" {
		return fmt.Errorf("token secret is required")
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceChat, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:          cfg.HTTPAddr,
			StoragePath:       cfg.StoragePath,
			TokenSecret:       cfg.TokenSecret,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   5 * time.Second,
		}); err != nil {
			return fmt.Errorf("serve chat: %w", err)
		}
		return nil
	})
}
