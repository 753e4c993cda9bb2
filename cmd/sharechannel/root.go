package main

import (
	"io"

	"github.com/spf13/cobra"
)

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "sharechannel",
		Short:         "peer to peer text and file sharing",
		Long:          `sharechannel hosts and joins share channels: direct peer to peer sessions that carry chat messages and files over WebRTC data channels.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetIn(in)
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.rendezvous, "rendezvous", "", "rendezvous websocket URL, overrides the config")
	flags.StringVar(&opts.token, "token", "", "rendezvous token")
	flags.BoolVar(&opts.fetchToken, "fetch-token", false, "request a token from the rendezvous HTTP API before connecting")
	flags.BoolVar(&opts.loopback, "loopback", false, "use the in-process network instead of WebRTC")
	flags.IntVar(&opts.webrtcDebug, "webrtc-debug", 0, "pion log level: 0 off, 1 errors, 2 warnings, 3 debug")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.StringVar(&opts.storage, "storage", "", "settings backend (file, redis, memory), overrides the config")

	root.AddCommand(
		newHostCmd(opts),
		newJoinCmd(opts),
		newDiscoverCmd(opts),
		newSendFileCmd(opts),
		newSettingsCmd(opts),
		newDemoCmd(opts),
	)
	return root
}
