package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rppbarbosa/whatsapp-crm-sub002/internal/config"
)

var configFlag string

// configFile returns the --config path or ~/.crmsync/config.toml.
func configFile() (string, error) {
	if configFlag != "" {
		return configFlag, nil
	}
	return config.DefaultPath()
}

// loadConfig reads the config file and applies .env and environment
// overrides.
func loadConfig() (*config.Config, error) {
	path, err := configFile()
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "crmsync",
	Short: "CRM conversation sync server and client",
	Long: "Run the conversation backend or a sync client against it.\n" +
		"Configuration is read from ~/.crmsync/config.toml, a .env file and CRMSYNC_* variables.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default ~/.crmsync/config.toml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
