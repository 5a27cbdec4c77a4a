package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	config "aibridge/configs"
)

var (
	configPath string
	port       int
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "aibridge",
		Short: "aibridge - same-host singleton message bridge",
		Long: `aibridge lets several processes on one machine share a single websocket
endpoint. The first instance binds the port and relays messages for all others;
when it goes away another instance takes over.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ./aibridge.yaml or ~/.aibridge/aibridge.yaml)")
	rootCmd.PersistentFlags().IntVar(&port, "port", 0, "Override the bridge port")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig applies command line overrides on top of file and environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if port != 0 {
		cfg.Port = port
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
