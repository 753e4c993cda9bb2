package main

import (
	"fmt"

	"sharechannel/pkg/backup"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const backupFormatVersion = "1"

func (a *app) backups() (*backup.BackupService, error) {
	storage, err := backup.NewFileStorage(a.cfg.BackupPath())
	if err != nil {
		return nil, err
	}
	return backup.NewBackupService(storage, backupFormatVersion), nil
}

func newSettingsBackupCmd(opts *options) *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "save a snapshot of the current settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.close()

			svc, err := a.backups()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			snap, err := a.settings.Snapshot(ctx)
			if err != nil {
				return err
			}
			name, err := svc.CreateBackup(ctx, snap)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Saved %s\n", name)

			if keep > 0 {
				removed, err := svc.Prune(ctx, keep)
				if err != nil {
					return err
				}
				if removed > 0 {
					fmt.Fprintf(a.out, "Removed %d old %s\n", removed, plural(removed, "backup"))
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 0, "delete all but the newest N backups (0 keeps everything)")
	return cmd
}

func newSettingsRestoreCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "restore [backup-name]",
		Short: "restore settings from a snapshot (the newest by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.close()

			svc, err := a.backups()
			if err != nil {
				return err
			}
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			ctx := cmd.Context()
			data, err := svc.RestoreBackup(ctx, name)
			if err != nil {
				return err
			}
			if err := a.settings.Restore(ctx, data.Settings); err != nil {
				return fmt.Errorf("backup not restored: %w", err)
			}
			fmt.Fprintf(a.out, "Restored settings saved %s\n", humanize.Time(data.Timestamp))
			return nil
		},
	}
}

func newSettingsBackupsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "list saved snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.close()

			svc, err := a.backups()
			if err != nil {
				return err
			}
			names, err := svc.ListBackups(cmd.Context())
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Fprintln(a.out, "No backups.")
				return nil
			}
			for _, n := range names {
				fmt.Fprintln(a.out, n)
			}
			return nil
		},
	}
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
