// Package commands implements the neurallink-hub CLI.
package commands

import (
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/neurallink-protocol/neurallink-go/pkg/config"
)

var (
	configPath string
	logLevel   string

	cfg *config.Config
	log zerolog.Logger
)

// Execute runs the CLI.
func Execute() error {
	root := &cobra.Command{
		Use:           "neurallink-hub",
		Short:         "Secure device-coordination hub",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if configPath != "" {
				cfg, err = config.Load(configPath)
				if err != nil {
					return err
				}
			} else {
				cfg = config.Default(uuid.NewString())
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}

			level, err := zerolog.ParseLevel(cfg.LogLevel)
			if err != nil {
				level = zerolog.InfoLevel
			}
			log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				Level(level).
				With().Timestamp().Logger()
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(runCmd(), pairCmd(), discoverCmd())
	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		return err
	}
	return nil
}
