package main

import (
	"context"
	"fmt"
	"os"

	nimbus "github.com/nimbuschat/nimbus/sdk/golang"
)

// getClient creates a REST client from the stored configuration.
func getClient() (*nimbus.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.ServerURL == "" {
		fmt.Fprintln(os.Stderr, "No server URL. Run 'nimbus init <server-url>' first.")
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No credential. Run 'nimbus login <token> <user-id>' first.")
		os.Exit(1)
	}
	return nimbus.NewClient(cfg.Default.ServerURL, nimbus.WithToken(cfg.Auth.Token)), cfg
}

// getSession builds a full session backed by the durable offline queue.
func getSession(ctx context.Context) (*nimbus.Session, error) {
	client, cfg := getClient()

	qpath, err := queuePath(cfg)
	if err != nil {
		return nil, err
	}
	store, err := nimbus.OpenPebbleStore(qpath)
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}

	session, err := nimbus.NewSession(ctx, client,
		nimbus.StaticCredentials(cfg.Auth.Token, cfg.Auth.UserID),
		&nimbus.SessionConfig{QueueStore: store})
	if err != nil {
		store.Close()
		return nil, err
	}
	return session, nil
}

// valueOrDefault returns v, or def when v is empty.
func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// maskToken hides all but the edges of a credential for display.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
