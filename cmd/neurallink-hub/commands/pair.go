package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neurallink-protocol/neurallink-go/pkg/pairing"
)

func pairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair",
		Short: "Generate a pairing payload for out-of-band transfer",
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer := pairing.NewIssuer(cfg.PairingTTL.Std())
			payload, err := issuer.Issue(cfg.DeviceID)
			if err != nil {
				return err
			}

			encoded, err := payload.Encode()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return nil
		},
	}
}
