package command

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gamelink/internal/config"
)

var (
	cfgFile  string
	host     string
	port     int
	insecure bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "gamelink-client",
	Short: "gamelink-client - command line client for a gamelink server",
	Long: `gamelink-client connects to a gamelink server over TLS, logs in with a
player id and token, and relays lines typed on stdin as chat messages.

Use "gamelink-client command --help" to see the options of each command.`,
	SilenceUsage: true,
}

// Execute runs the root command. It is called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "TOML config file path")
	rootCmd.PersistentFlags().StringVar(&host, "host", "", "server host (overrides GAMELINK_HOST)")
	rootCmd.PersistentFlags().IntVar(&port, "port", 0, "server port (overrides GAMELINK_PORT)")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "skip server certificate verification")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
}

// loadConfig layers the persistent flags over the environment and file config.
func loadConfig() (config.ClientConfig, error) {
	if cfgFile != "" {
		if err := os.Setenv("GAMELINK_CONFIG", cfgFile); err != nil {
			return config.ClientConfig{}, err
		}
	}
	loaded, err := config.LoadClientConfig()
	if err != nil {
		return config.ClientConfig{}, fmt.Errorf("failed to load config: %w", err)
	}
	cfg := *loaded
	if host != "" {
		cfg.Host = host
	}
	if port != 0 {
		cfg.Port = port
	}
	if insecure {
		cfg.InsecureSkipVerify = true
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, cfg.Validate()
}
