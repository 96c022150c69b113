package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pders01/flum/internal/config"
	"github.com/pders01/flum/internal/debuglog"
)

// Version is the version of the application, set at build time
var Version = "dev"

var (
	flagConfig       string
	flagVerbose      bool
	flagAllowPrivate bool
)

var rootCmd = &cobra.Command{
	Use:           "flum",
	Short:         "Channel-organized feed reader",
	Long:          "flum groups RSS and Atom feeds into channels, keeps a local cache of recent items and enriches them with Open Graph previews.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("flum %s\n", Version)
		fmt.Println("Channel-organized feed reader")
		fmt.Println("github.com/pders01/flum")
	},
}

var generateConfigCmd = &cobra.Command{
	Use:   "generate-config",
	Short: "Write the default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		home, _ := os.UserHomeDir()
		configFile := filepath.Join(home, ".config", "flum", "config.toml")
		if flagConfig != "" {
			configFile = flagConfig
		}

		if err := config.GenerateDefaultConfig(configFile); err != nil {
			return fmt.Errorf("generating config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Generated default configuration at: %s\n", configFile)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log debug output to stderr")
	rootCmd.PersistentFlags().BoolVar(&flagAllowPrivate, "allow-private", false, "allow feeds on private networks (development only)")

	rootCmd.AddCommand(versionCmd, generateConfigCmd)
	rootCmd.AddCommand(channelCmd, sourceCmd)
	rootCmd.AddCommand(refreshCmd, itemsCmd, watchCmd, pruneCmd, searchCmd)
}

// loadConfig reads the configuration and sets up logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if flagAllowPrivate {
		cfg.Feed.AllowPrivateNetworks = true
	}

	if flagVerbose {
		debuglog.SetOutput(os.Stderr, debuglog.LevelDebug)
	} else if err := debuglog.Setup(debuglog.ParseLogLevel(cfg.Log.Level), cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	return cfg, nil
}

func main() {
	defer debuglog.Close()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		debuglog.Close()
		os.Exit(1)
	}
}
