package main

import (
	"context"
	"fmt"
	"time"

	nimbus "github.com/nimbuschat/nimbus/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueReplayCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay the offline send queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued offline sends",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		qpath, err := queuePath(cfg)
		if err != nil {
			return err
		}
		store, err := nimbus.OpenPebbleStore(qpath)
		if err != nil {
			return fmt.Errorf("open offline queue: %w", err)
		}
		defer store.Close()

		channels, err := store.Channels()
		if err != nil {
			return err
		}
		if len(channels) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for _, ch := range channels {
			entries, err := store.Channel(ch)
			if err != nil {
				return err
			}
			fmt.Printf("%s (%d pending):\n", ch, len(entries))
			for _, e := range entries {
				fmt.Printf("  %s  %s  %s\n", e.OpID, e.EnqueuedAt.Format(time.RFC3339), e.Content)
			}
		}
		return nil
	},
}

var queueReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Connect and replay all queued sends",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		session, err := getSession(ctx)
		if err != nil {
			return err
		}
		defer session.Close()

		if err := session.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if err := session.ReplayPending(ctx); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		fmt.Println("Replay complete.")
		return nil
	},
}
