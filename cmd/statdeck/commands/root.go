package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/bryanchriswhite/StatDeck/internal/config"
	"github.com/bryanchriswhite/StatDeck/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// overrideKeys are config keys that flags and STATDECK_* variables may
// override for one run without touching the file.
var overrideKeys = []string{"pi_host", "http_port", "config_port", "log_level"}

var rootCmd = &cobra.Command{
	Use:   "statdeck",
	Short: "StatDeck - host service for a Raspberry Pi stats display",
	Long: `StatDeck streams live system metrics to a Raspberry Pi touch display and
runs the actions bound to its tiles.

Features:
  • CPU, GPU, RAM, disk, network and focused-app metrics
  • Layouts that follow the foreground application
  • Hotkey, launch, script, URL and folder actions
  • Local config port for the layout editor
  • HTTP stats endpoint with a live websocket stream`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := viper.GetString("log_level")
		if level == "" {
			level = "warn"
		}
		logger.Init(level, viper.GetBool("pretty"))
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default is $XDG_CONFIG_HOME/statdeck/config.json)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("pretty", false, "human-readable console logs")
	flags.String("pi-host", "", "display host name or address")
	flags.Int("http-port", 0, "stats HTTP port (default is 8080)")
	flags.Int("gateway-port", 0, "local config port (default is 5555)")

	viper.BindPFlag("config", flags.Lookup("config"))
	viper.BindPFlag("log_level", flags.Lookup("log-level"))
	viper.BindPFlag("pretty", flags.Lookup("pretty"))
	viper.BindPFlag("pi_host", flags.Lookup("pi-host"))
	viper.BindPFlag("http_port", flags.Lookup("http-port"))
	viper.BindPFlag("config_port", flags.Lookup("gateway-port"))

	viper.SetEnvPrefix("statdeck")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path from --config or
// STATDECK_CONFIG.
func GetConfigFile() string {
	return viper.GetString("config")
}

// openConfig loads the document as stored on disk.
func openConfig() (*config.Manager, error) {
	m, err := config.NewManager(GetConfigFile(), logger.WithComponent("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return m, nil
}

// loadConfig loads the document and applies flag and environment
// overrides on top.
func loadConfig() (*config.Manager, error) {
	m, err := openConfig()
	if err != nil {
		return nil, err
	}
	for _, key := range overrideKeys {
		if !viper.IsSet(key) {
			continue
		}
		value := viper.GetString(key)
		if value == "" || value == "0" {
			continue
		}
		if err := m.Override(key, value); err != nil {
			return nil, err
		}
	}
	return m, nil
}
