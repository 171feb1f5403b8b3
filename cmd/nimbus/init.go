package main

import (
	"context"
	"fmt"
	"time"

	nimbus "github.com/nimbuschat/nimbus/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(loginCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <server-url>",
	Short: "Store the server URL in ~/.nimbus/config.toml",
	Long:  "Initialize the Nimbus CLI by storing the chat server URL in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.ServerURL = args[0]

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Server URL saved to %s\n", path)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <token> <user-id>",
	Short: "Store a session credential",
	Long:  "Store the bearer token and user ID used for both REST and realtime connections.\nThe token is validated against the server before saving.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, userID := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Default.ServerURL == "" {
			return fmt.Errorf("no server URL configured. Run 'nimbus init <server-url>' first")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		client := nimbus.NewClient(cfg.Default.ServerURL, nimbus.WithToken(token))
		me, err := client.Me(ctx)
		if err != nil {
			return fmt.Errorf("credential check failed: %w", err)
		}

		cfg.Auth.Token = token
		cfg.Auth.UserID = userID
		cfg.Auth.Username = me.Username

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Logged in as %s (%s)\n", me.Username, userID)
		return nil
	},
}
