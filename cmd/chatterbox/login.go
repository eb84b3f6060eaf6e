package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	chatterbox "github.com/chatterbox-im/chatterbox-go"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (defaults to $CHATTERBOX_PASSWORD)")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Log in and store the token in ~/.chatterbox/config.toml",
	Long:  "Exchange email and password for a bearer token and store it with the account identity locally.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		password := valueOrDefault(loginPassword, os.Getenv("CHATTERBOX_PASSWORD"))
		if password == "" {
			return fmt.Errorf("no password given; use --password or CHATTERBOX_PASSWORD")
		}

		client := newClient(cfg, false)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		auth, err := client.Account.Login(ctx, &chatterbox.LoginOptions{Email: email, Password: password})
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		file, err := loadConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		file.Auth.Token = auth.Token
		file.Auth.UserID = auth.User.ID
		file.Auth.Email = valueOrDefault(auth.User.Email, email)
		file.Auth.Name = auth.User.Name
		file.Auth.TokenExpires = ""
		if !auth.ExpiresAt.IsZero() {
			file.Auth.TokenExpires = auth.ExpiresAt.Format(time.RFC3339)
		}
		if cfg.Default.BaseURL != "" && file.Default.BaseURL == "" {
			file.Default.BaseURL = cfg.Default.BaseURL
		}

		if err := saveConfig(file); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Login successful!")
		fmt.Printf("  User ID: %s\n", auth.User.ID)
		if auth.User.Name != "" {
			fmt.Printf("  Name:    %s\n", auth.User.Name)
		}
		if file.Auth.TokenExpires != "" {
			fmt.Printf("  Token expires: %s\n", file.Auth.TokenExpires)
		}
		return nil
	},
}
