package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"sharechannel/internal/core/domain"

	"github.com/spf13/cobra"
)

func newSettingsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "show or change the saved display name and connectivity settings",
	}
	cmd.AddCommand(
		newSettingsShowCmd(opts),
		newSettingsNameCmd(opts),
		newSettingsTURNCmd(opts),
		newSettingsICECmd(opts),
		newSettingsResetCmd(opts),
		newSettingsBackupCmd(opts),
		newSettingsRestoreCmd(opts),
		newSettingsBackupsCmd(opts),
	)
	return cmd
}

func newSettingsShowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "print the saved settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			proxy := a.settings.LoadProxySettings(ctx)
			if proxy.TURNCredential != "" {
				proxy.TURNCredential = "********"
			}
			doc, err := json.MarshalIndent(proxy, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "name: %s\nconnectivity: %s\n", a.settings.LoadUserName(ctx), doc)
			return nil
		},
	}
}

func newSettingsNameCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "name display-name",
		Short: "save the display name used in channels",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.close()

			name := strings.Join(args, " ")
			if err := a.settings.SaveUserName(cmd.Context(), name); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Display name set to %s\n", name)
			return nil
		},
	}
}

func newSettingsTURNCmd(opts *options) *cobra.Command {
	var (
		turnURL    string
		username   string
		credential string
		force      bool
		disable    bool
	)
	cmd := &cobra.Command{
		Use:   "turn",
		Short: "configure the TURN relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			proxy := a.settings.LoadProxySettings(ctx)
			if disable {
				proxy.TURNEnabled = false
				proxy.UseProxy = false
				proxy.ForceTURN = false
			} else {
				if turnURL == "" {
					return fmt.Errorf("--url is required unless --disable is set")
				}
				proxy.UseProxy = true
				proxy.TURNEnabled = true
				proxy.ProxyURL = turnURL
				proxy.TURNUsername = username
				proxy.TURNCredential = credential
				proxy.ForceTURN = force
			}
			if err := a.settings.SaveProxySettings(ctx, proxy); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "TURN settings saved.")
			return nil
		},
	}
	cmd.Flags().StringVar(&turnURL, "url", "", "TURN server URL, e.g. turn:turn.example.org:3478")
	cmd.Flags().StringVar(&username, "username", "", "TURN username")
	cmd.Flags().StringVar(&credential, "credential", "", "TURN credential")
	cmd.Flags().BoolVar(&force, "force", false, "relay all traffic through TURN")
	cmd.Flags().BoolVar(&disable, "disable", false, "turn the relay off")
	return cmd
}

func newSettingsICECmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ice-servers url...",
		Short: "replace the STUN server list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			proxy := a.settings.LoadProxySettings(ctx)
			proxy.ICEServers = make([]domain.ICEServer, 0, len(args))
			for _, u := range args {
				proxy.ICEServers = append(proxy.ICEServers, domain.ICEServer{URLs: []string{u}})
			}
			if err := a.settings.SaveProxySettings(ctx, proxy); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Saved %d ICE servers.\n", len(args))
			return nil
		},
	}
}

func newSettingsResetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "restore the default connectivity settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.settings.SaveProxySettings(cmd.Context(), domain.DefaultProxySettings()); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Connectivity settings reset.")
			return nil
		},
	}
}
