package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	chatterbox "github.com/chatterbox-im/chatterbox-go"
)

var configShowJSON bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().BoolVar(&configShowJSON, "json", false, "Output the effective configuration as JSON")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Chatterbox configuration",
	Long:  "View or modify the CLI configuration stored in ~/.chatterbox/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration after CHATTERBOX_* overrides. The token is always masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found. Run 'chatterbox login <email>' to create one.")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if configShowJSON {
			return printJSON(maskedConfig(cfg))
		}
		renderConfig(cmd.OutOrStdout(), cfg, path, time.Now())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value using dot notation.\n" +
		"Keys: default.base_url, default.log_level, auth.token, auth.user_id, auth.email, auth.name, auth.token_expires (RFC 3339).\n" +
		"Example: chatterbox config set default.base_url https://chat.example.com",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}

// maskedConfig returns a copy of cfg that is safe to print.
func maskedConfig(cfg *Config) Config {
	out := *cfg
	if out.Auth.Token != "" {
		out.Auth.Token = maskKey(out.Auth.Token)
	}
	return out
}

// renderConfig writes the effective configuration, filling in defaults
// for unset values.
func renderConfig(w io.Writer, cfg *Config, path string, now time.Time) {
	m := maskedConfig(cfg)
	fmt.Fprintf(w, "Config file: %s\n\n", path)
	fmt.Fprintln(w, "[default]")
	fmt.Fprintf(w, "  base_url      = %s\n", valueOrDefault(m.Default.BaseURL, chatterbox.DefaultBaseURL+" (default)"))
	fmt.Fprintf(w, "  log_level     = %s\n", valueOrDefault(m.Default.LogLevel, "warn (default)"))
	fmt.Fprintln(w, "[auth]")
	fmt.Fprintf(w, "  token         = %s\n", tokenStatus(cfg.Auth.Token, now))
	fmt.Fprintf(w, "  user_id       = %s\n", valueOrDefault(m.Auth.UserID, "-"))
	fmt.Fprintf(w, "  email         = %s\n", valueOrDefault(m.Auth.Email, "-"))
	fmt.Fprintf(w, "  name          = %s\n", valueOrDefault(m.Auth.Name, "-"))
	fmt.Fprintf(w, "  token_expires = %s\n", valueOrDefault(m.Auth.TokenExpires, "-"))
}
