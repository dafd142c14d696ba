package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcpgate/mcpgate/internal/config"
)

var (
	// Global flags
	configFile string
	dataDir    string
	verbose    bool

	// Global configuration
	appConfig *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mcpgate",
	Short: "mcpgate - MCP gateway with process supervision",
	Long: `mcpgate is a gateway for Model Context Protocol (MCP) servers. It spawns
stdio servers behind local HTTP proxy bridges, supervises system servers with
bounded auto-restart, caches discovered tool lists, and streams per-server
log files to UI clients.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags available to all commands
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is $MCPGATE_CONFIG or ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for server logs and state (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	configPath := configFile
	if configPath == "" {
		if envConfig := os.Getenv("MCPGATE_CONFIG"); envConfig != "" {
			configPath = envConfig
		}
		// Otherwise let config package handle auto-discovery
	}

	var err error
	appConfig, err = config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Command line flags win over file and environment values
	if verbose {
		appConfig.Logging.Verbose = true
	}
	if dataDir != "" {
		appConfig.Gateway.DataDir = dataDir
	}

	if verbose || appConfig.Logging.Verbose {
		if configPath != "" {
			fmt.Fprintf(os.Stderr, "Loaded configuration from: %s\n", configPath)
		} else {
			fmt.Fprintf(os.Stderr, "Using default configuration\n")
		}
		if appConfig.Development.DebugMode {
			fmt.Fprintf(os.Stderr, "Debug mode enabled\n")
		}
	}
}

// GetConfig returns the global configuration
// This should be called after cobra initialization
func GetConfig() *config.Config {
	if appConfig == nil {
		// Fallback to default config if not initialized
		return config.DefaultConfig()
	}
	return appConfig
}
