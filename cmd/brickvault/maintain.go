package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/brickvault/catalog"
)

func (a *app) backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Takes a snapshot now and applies retention.",
		Args:  cobra.NoArgs,
		RunE: a.withService(func(cmd *cobra.Command, svc *catalog.Service, _ []string) error {
			b, err := svc.Backup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s (%s)\n", b.Path, humanize.Bytes(uint64(b.Size)))
			return nil
		}),
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Lists snapshots, newest first.",
		Args:  cobra.NoArgs,
		RunE: a.withService(func(cmd *cobra.Command, svc *catalog.Service, _ []string) error {
			list, err := svc.Backups()
			if err != nil {
				return err
			}
			t := a.newTable()
			t.AppendHeader(table.Row{"Name", "Taken", "Size", "Gzip"})
			for _, b := range list {
				t.AppendRow(table.Row{b.Name, humanize.Time(b.Time), humanize.Bytes(uint64(b.Size)), b.Compressed})
			}
			t.Render()
			return nil
		}),
	}, &cobra.Command{
		Use:   "restore <name> <dst>",
		Short: "Writes a snapshot to dst as a plain database file.",
		Args:  cobra.ExactArgs(2),
		RunE: a.withService(func(cmd *cobra.Command, svc *catalog.Service, args []string) error {
			if err := svc.RestoreBackup(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "restored %s to %s\n", args[0], args[1])
			return nil
		}),
	})
	return cmd
}

func (a *app) optimizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "optimize",
		Short: "Runs ANALYZE and VACUUM on the store.",
		Args:  cobra.NoArgs,
		RunE: a.withService(func(cmd *cobra.Command, svc *catalog.Service, _ []string) error {
			return svc.Optimize(cmd.Context())
		}),
	}
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <code>",
		Short: "Removes an item and its associations, after a backup.",
		Args:  cobra.ExactArgs(1),
		RunE: a.withService(func(cmd *cobra.Command, svc *catalog.Service, args []string) error {
			return svc.Delete(cmd.Context(), args[0])
		}),
	}
}
