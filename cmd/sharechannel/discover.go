package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newDiscoverCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "list channels announced on the broadcast slots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			d := a.newDiscovery(a.newFactory(ctx, opts.webrtcDebug))
			channels, err := d.Refresh(ctx)
			if err != nil {
				return err
			}
			if len(channels) == 0 {
				fmt.Fprintln(a.out, "No channels found.")
				return nil
			}

			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CHANNEL\tHOST\tPEERS\tSEEN")
			for _, ch := range channels {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", ch.ChannelID, ch.HostName, ch.PeerCount, humanize.Time(ch.LastSeenAt))
			}
			return w.Flush()
		},
	}
}
