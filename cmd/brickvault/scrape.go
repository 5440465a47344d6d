package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/brickvault/catalog"
)

func (a *app) scrapeCmd() *cobra.Command {
	var kind, file string
	cmd := &cobra.Command{
		Use:   "scrape [--kind set|subcomponent] [--file codes.txt] [code...]",
		Short: "Fetches and stores items in batches, each behind a backup.",
		RunE: a.withService(func(cmd *cobra.Command, svc *catalog.Service, args []string) error {
			k, err := catalog.ParseKind(kind)
			if err != nil {
				return err
			}
			codes, err := readCodes(args, file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if len(codes) == 0 {
				return errors.New("no codes given")
			}
			sum, err := svc.Run(cmd.Context(), k, codes)
			if sum != nil {
				a.printRun(sum)
			}
			return err
		}),
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "set", "Item kind to scrape.")
	cmd.Flags().StringVarP(&file, "file", "f", "", "File of codes, one per line (- for stdin).")
	return cmd
}

func (a *app) printRun(sum *catalog.RunSummary) {
	t := a.newTable()
	t.AppendHeader(table.Row{"Run", "Requested", "Inserted", "Updated", "Unchanged", "Quarantined", "Skipped", "Elapsed"})
	for _, b := range sum.Batches {
		t.AppendRow(table.Row{b.RunID, b.Requested, b.Inserted, b.Updated, b.Unchanged, b.Quarantined, b.Skipped, b.Elapsed.Round(time.Millisecond)})
	}
	tot := sum.Total
	t.AppendFooter(table.Row{"total", tot.Requested, tot.Inserted, tot.Updated, tot.Unchanged, tot.Quarantined, tot.Skipped, tot.Elapsed.Round(time.Millisecond)})
	t.Render()

	if tot.Skipped > 0 {
		fmt.Fprintf(a.out, "skipped: %d not found, %d failed, %d unparseable, %d invalid, %d duplicate, %d fresh, %d excluded, %d conflicting\n",
			tot.NotFound, tot.Failed, tot.ParseErrors, tot.Invalid, tot.Duplicates, tot.Fresh, tot.Excluded, tot.Conflicts)
	}
	for _, e := range tot.Errors {
		fmt.Fprintf(a.out, "  %s\n", e.Error())
	}
}

func (a *app) linkCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "link [--all] [set-code...]",
		Short: "Records set to sub-component associations from set pages.",
		RunE: a.withService(func(cmd *cobra.Command, svc *catalog.Service, args []string) error {
			var sum *catalog.LinkSummary
			var err error
			switch {
			case all:
				sum, err = svc.LinkStored(cmd.Context())
			case len(args) > 0:
				sum, err = svc.Link(cmd.Context(), args...)
			default:
				return errors.New("give set codes or --all")
			}
			if sum != nil {
				fmt.Fprintf(a.out, "%s sets linked, %s new associations, %s placeholders\n",
					humanize.Comma(int64(sum.Sets)), humanize.Comma(int64(sum.Associations)), humanize.Comma(int64(sum.Placeholders)))
				for _, e := range sum.Errors {
					fmt.Fprintf(a.out, "  %s\n", e.Error())
				}
			}
			return err
		}),
	}
	cmd.Flags().BoolVar(&all, "all", false, "Link every stored set.")
	return cmd
}

func (a *app) matrixCmd() *cobra.Command {
	var theme, format, out string
	var quarantined bool
	cmd := &cobra.Command{
		Use:   "matrix [--theme name] [--format json|csv] [--out file]",
		Short: "Prints the set by sub-component presence matrix.",
		Args:  cobra.NoArgs,
		RunE: a.withService(func(cmd *cobra.Command, svc *catalog.Service, _ []string) error {
			f, err := catalog.ParseFormat(format)
			if err != nil {
				return err
			}
			m, err := svc.Project(cmd.Context(), theme, quarantined)
			if err != nil {
				return err
			}
			return writeOutput(a.out, out, func(w io.Writer) error {
				if f == catalog.FormatCSV {
					return m.WriteCSV(w)
				}
				data, err := m.Render()
				if err != nil {
					return err
				}
				_, err = w.Write(data)
				return err
			})
		}),
	}
	cmd.Flags().StringVar(&theme, "theme", "", "Restrict rows to one theme.")
	cmd.Flags().StringVar(&format, "format", "json", "Output format.")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write to a file instead of stdout.")
	cmd.Flags().BoolVar(&quarantined, "include-quarantined", false, "Include quarantined items.")
	return cmd
}

// writeOutput runs fn against path, or against stdout when path is empty.
// The file is only left behind when fn succeeds.
func writeOutput(stdout io.Writer, path string, fn func(io.Writer) error) error {
	if path == "" {
		return fn(stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
