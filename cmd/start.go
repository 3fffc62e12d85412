package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stevedore/internal/config"
	"stevedore/internal/logging"
	"stevedore/internal/mirror"
	"stevedore/internal/registry"
	"stevedore/internal/store"
	"stevedore/internal/upstream"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Stevedore server",
	Long:  `Start the pull-through registry cache server`,
	Run:   runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logging.Setup(cfg)

	log.Info().Msg("Starting Stevedore server...")
	log.Info().Int("port", cfg.Server.Port).Msg("Registry cache server")
	log.Info().Str("upstream", cfg.Upstream.URL).Msg("Upstream registry")

	fsStore, err := store.NewFilesystemStore(cfg.Server.DataDir + "/cache")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize store")
	}

	upstreamClient, err := upstream.New(upstream.Config{
		URL:  cfg.Upstream.URL,
		Auth: cfg.Upstream.Auth,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure upstream client")
	}

	m := mirror.New(fsStore, upstreamClient)

	server := registry.NewServer(cfg, m)

	// Create context for the entire server lifecycle
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Watch the config file; upstream and storage settings require a
	// restart to take effect, so a change only produces a warning.
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Warn().
			Str("file", e.Name).
			Str("op", e.Op.String()).
			Msg("Configuration file changed; restart to apply upstream or storage changes")
	})

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}

	log.Info().Msg("Stevedore server stopped")
}
