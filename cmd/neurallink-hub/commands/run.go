package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/neurallink-protocol/neurallink-go/pkg/channel"
	"github.com/neurallink-protocol/neurallink-go/pkg/config"
	"github.com/neurallink-protocol/neurallink-go/pkg/discovery"
	"github.com/neurallink-protocol/neurallink-go/pkg/link"
	"github.com/neurallink-protocol/neurallink-go/pkg/linkerr"
	"github.com/neurallink-protocol/neurallink-go/pkg/registry"
	"github.com/neurallink-protocol/neurallink-go/pkg/session"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the hub until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase, err := config.MasterKey()
			if err != nil {
				return err
			}

			store, err := session.Open(cfg.StorePath, passphrase, log)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := registry.New(log)
			cls := linkerr.NewClassifier(log)
			cls.SetNotifier(func(e *linkerr.Error) {
				log.Warn().Str("code", string(e.Code)).Str("suggestion", e.Suggestion).Msg(e.Message)
			})

			l := link.New(cfg.DeviceID, reg, store, cls, log)
			l.Initialize(ctx, cfg.Addr, channel.Config{
				HandshakeTimeout:  cfg.Channel.HandshakeTimeout.Std(),
				HeartbeatInterval: cfg.Channel.HeartbeatInterval.Std(),
				MaxMessageAge:     cfg.Channel.MaxMessageAge.Std(),
				MaxAttempts:       cfg.Channel.MaxAttempts,
			})

			if cfg.Discovery.Enabled {
				adv := discovery.NewAdvertiser()
				if err := adv.Advertise(discovery.HubInfo{
					DeviceID: cfg.DeviceID,
					Name:     cfg.Name,
					Port:     cfg.Discovery.Port,
				}); err != nil {
					log.Warn().Err(err).Msg("mdns advertising unavailable")
				} else {
					defer adv.Stop()
				}
			}

			if cfg.Addr != "" {
				if err := l.Connect(ctx); err != nil {
					// The channel keeps retrying with backoff on its own.
					log.Warn().Err(err).Msg("initial connect failed")
				}
			}

			log.Info().Str("device", cfg.DeviceID).Msg("hub running")
			<-ctx.Done()

			l.Disconnect()
			// Give the channel a moment to close its socket cleanly.
			time.Sleep(100 * time.Millisecond)
			log.Info().Msg("hub stopped")
			return nil
		},
	}
}
