package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/neurallink-protocol/neurallink-go/pkg/discovery"
)

func discoverCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Browse the local network for hubs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			hubs, err := discovery.Browse(ctx)
			if err != nil {
				return err
			}

			found := 0
			for hub := range hubs {
				found++
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tport %d\t%v\n",
					hub.DeviceID, hub.Name, hub.Port, hub.Addresses)
			}
			if found == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no hubs found")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to browse")
	return cmd
}
