package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sharechannel/internal/core/services"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func newSendFileCmd(opts *options) *cobra.Command {
	var (
		name   string
		linger time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send-file channel-id path",
		Short: "join a channel, send one file and leave",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			session := a.newSession(ctx, opts.webrtcDebug, name)
			return sendOneFile(ctx, a, session, args[0], args[1], linger)
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "display name for this session")
	cmd.Flags().DurationVar(&linger, "linger", 2*time.Second, "how long to stay connected after the last chunk is queued")
	return cmd
}

func sendOneFile(ctx context.Context, a *app, session *services.SessionService, channelID, path string, linger time.Duration) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := session.JoinChannel(ctx, channelID); err != nil {
		return fmt.Errorf("%s", services.ClassifyError(err))
	}
	defer session.Disconnect(context.Background())

	bar := progressbar.NewOptions64(int64(len(data)),
		progressbar.OptionSetWriter(a.out),
		progressbar.OptionSetDescription(filepath.Base(path)),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)
	session.OnTransferProgress(func(p services.TransferProgress) {
		if p.Direction == services.TransferOutbound {
			_ = bar.Set64(p.Done)
		}
	})

	if err := session.SendFile(ctx, filepath.Base(path), mimeTypeFor(path), data); err != nil {
		return err
	}
	_ = bar.Finish()

	// Queued chunks are dropped if the data channel closes under them.
	select {
	case <-time.After(linger):
	case <-ctx.Done():
	}
	fmt.Fprintf(a.out, "Sent %s (%s) to %s\n", filepath.Base(path), humanize.Bytes(uint64(len(data))), channelID)
	return nil
}
