package main

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/snarg/storage-transcribe/internal/config"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var overrides config.Overrides

	root := &cobra.Command{
		Use:   "storage-transcribe",
		Short: "Transcode and transcribe audio objects as they land in storage",
		Long: `storage-transcribe watches an object store for finalized audio objects,
converts each one to LINEAR16 WAV, stores the converted copy next to it,
transcribes every channel and publishes one complete or fail event per object.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flags.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flags.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flags.StringVar(&overrides.StorageBackend, "storage", "", "object store: local, s3 or gcs (overrides STORAGE_BACKEND)")
	flags.StringVar(&overrides.StorageDir, "storage-dir", "", "local store root (overrides STORAGE_DIR)")
	flags.StringVar(&overrides.MQTTBrokerURL, "mqtt-broker", "", "MQTT broker URL (overrides MQTT_BROKER_URL)")
	flags.StringVar(&overrides.Recognizer, "recognizer", "", "speech backend: whisper or google (overrides RECOGNIZER)")

	root.AddCommand(newServeCmd(&overrides))
	root.AddCommand(newRunCmd(&overrides))
	return root
}

// loadConfig loads configuration and builds the process logger writing to out.
func loadConfig(overrides *config.Overrides, out io.Writer) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(*overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Error().Err(err).Msg("failed to load config")
		return nil, early, err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(out).With().Timestamp().Logger().Level(level)
	return cfg, log, nil
}
