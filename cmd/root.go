package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// Build information, injected at link time via main.
var (
	BuildVersion = "dev"
	BuildCommit  = "unknown"
	BuildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "stevedore",
	Short: "Stevedore - pull-through container registry cache",
	Long: `Stevedore is a pull-through cache and import gateway for container images.
It serves manifests and blobs from a local content-addressable store and
transparently populates the store from an upstream registry on first access.`,
}

// ExecuteCLI is the main entry point, wiring build information into the CLI.
func ExecuteCLI(version, commit, date string) {
	if version != "" {
		BuildVersion = version
	}
	if commit != "" {
		BuildCommit = commit
	}
	if date != "" {
		BuildDate = date
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./stevedore.toml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config file in standard locations
		viper.SetConfigName("stevedore")
		viper.SetConfigType("toml")

		// Current directory (highest priority)
		viper.AddConfigPath(".")

		// User config directory
		if userConfigDir, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(userConfigDir + "/stevedore")
		}

		// System-wide config directories
		viper.AddConfigPath("/etc/stevedore")
		viper.AddConfigPath("/usr/local/etc/stevedore")
	}

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		log.Fatal().Err(err).Str("file", cfgFile).Msg("Failed to read config file")
	}
	// No config file found without an explicit --config is fine: everything
	// can come from environment variables (STEVEDORE_*).
}
