package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// newDemoCmd runs a host and a joiner in one process and exchanges a text
// and a file between them.
func newDemoCmd(opts *options) *cobra.Command {
	var channelID string
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "host and join a channel in this process and exchange a message and a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			host := a.newSession(ctx, opts.webrtcDebug, "Host")
			joiner := a.newSession(ctx, opts.webrtcDebug, "Guest")
			host.OnMessage((&messagePrinter{app: a, session: host}).print)

			if err := host.HostChannel(ctx, channelID); err != nil {
				return err
			}
			if err := joiner.JoinChannel(ctx, host.State().ChannelID); err != nil {
				return err
			}
			for host.State().PeerCount() == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(10 * time.Millisecond):
				}
			}

			if err := joiner.SendText(ctx, "hello from the guest"); err != nil {
				return err
			}
			if err := joiner.SendFile(ctx, "notes.txt", "text/plain", []byte("shared over a data channel\n")); err != nil {
				return err
			}

			received := func() bool {
				for _, m := range host.Messages() {
					if m.FileInfo != nil && m.FileInfo.Name == "notes.txt" {
						return true
					}
				}
				return false
			}
			for !received() {
				select {
				case <-ctx.Done():
					return fmt.Errorf("file never arrived: %w", ctx.Err())
				case <-time.After(10 * time.Millisecond):
				}
			}

			if err := joiner.Disconnect(ctx); err != nil {
				return err
			}
			return host.Disconnect(ctx)
		},
	}
	cmd.Flags().StringVar(&channelID, "channel", "", "channel id to host (default: random)")
	return cmd
}
