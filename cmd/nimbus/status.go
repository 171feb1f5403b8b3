package main

import (
	"context"
	"fmt"
	"time"

	nimbus "github.com/nimbuschat/nimbus/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, the offline queue backlog, and live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Server URL: %s\n", valueOrDefault(cfg.Default.ServerURL, "(not set)"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token != "" {
			fmt.Printf("  Username: %s\n", valueOrDefault(cfg.Auth.Username, "(unknown)"))
			fmt.Printf("  User ID:  %s\n", cfg.Auth.UserID)
			fmt.Printf("  Token:    %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:    (not logged in)")
		}

		// Offline backlog, if the queue database exists.
		if qpath, err := queuePath(cfg); err == nil {
			if store, err := nimbus.OpenPebbleStore(qpath); err == nil {
				channels, _ := store.Channels()
				total := 0
				for _, ch := range channels {
					entries, _ := store.Channel(ch)
					total += len(entries)
				}
				store.Close()
				fmt.Println()
				fmt.Printf("Offline queue: %d pending in %d channel(s)\n", total, len(channels))
			}
		}

		if cfg.Default.ServerURL == "" || cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		client := nimbus.NewClient(cfg.Default.ServerURL, nimbus.WithToken(cfg.Auth.Token))
		me, err := client.Me(ctx)
		if err != nil {
			fmt.Printf("  Unreachable: %v\n", err)
			return nil
		}
		fmt.Printf("  Logged in as %s (%s)\n", me.Username, me.ID)

		channels, err := client.ListChannels(ctx)
		if err == nil {
			fmt.Printf("  Member of %d channel(s)\n", len(channels))
		}
		return nil
	},
}
