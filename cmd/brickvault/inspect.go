package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hazyhaar/brickvault/catalog"
)

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <code>",
		Short: "Prints one stored item as JSON.",
		Args:  cobra.ExactArgs(1),
		RunE: a.withService(func(cmd *cobra.Command, svc *catalog.Service, args []string) error {
			it, err := svc.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			var assocs []catalog.Association
			if it.Kind == catalog.KindSet {
				if assocs, err = svc.Associations(cmd.Context(), it.Code); err != nil {
					return err
				}
			}
			return printJSON(a.out, struct {
				*catalog.Item
				Associations []catalog.Association `json:"associations,omitempty"`
			}{it, assocs})
		}),
	}
}

// filterFlags binds the item filter to a flag set.
type filterFlags struct {
	kind, theme, order                  string
	from, to, limit, offset             int
	withImage, quarantined, placeholder bool
	desc                                bool
}

func (ff *filterFlags) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&ff.kind, "kind", "k", "", "Only this kind (set, subcomponent).")
	fs.StringVar(&ff.theme, "theme", "", "Only this theme.")
	fs.IntVar(&ff.from, "from", 0, "Earliest release year.")
	fs.IntVar(&ff.to, "to", 0, "Latest release year.")
	fs.BoolVar(&ff.withImage, "with-image", false, "Only items with a stored image.")
	fs.BoolVar(&ff.quarantined, "include-quarantined", false, "Include quarantined items.")
	fs.BoolVar(&ff.placeholder, "include-placeholders", false, "Include placeholder sub-components.")
	fs.StringVar(&ff.order, "order", "code", "Sort column: code, name, release_year, piece_count, value_new, updated_at.")
	fs.BoolVar(&ff.desc, "desc", false, "Sort descending.")
	fs.IntVar(&ff.limit, "limit", 0, "Maximum rows (0 = all).")
	fs.IntVar(&ff.offset, "offset", 0, "Rows to skip.")
}

func (ff *filterFlags) filter() (catalog.Filter, error) {
	f := catalog.Filter{
		Theme: ff.theme, YearFrom: ff.from, YearTo: ff.to,
		WithImage: ff.withImage, IncludeQuarantined: ff.quarantined, IncludePlaceholders: ff.placeholder,
		OrderBy: ff.order, Desc: ff.desc, Limit: ff.limit, Offset: ff.offset,
	}
	if ff.kind != "" {
		k, err := catalog.ParseKind(ff.kind)
		if err != nil {
			return f, err
		}
		f.Kind = k
	}
	return f, nil
}

func (a *app) queryCmd() *cobra.Command {
	var ff filterFlags
	cmd := &cobra.Command{
		Use:   "query [filters]",
		Short: "Lists stored items.",
		Args:  cobra.NoArgs,
		RunE: a.withService(func(cmd *cobra.Command, svc *catalog.Service, _ []string) error {
			f, err := ff.filter()
			if err != nil {
				return err
			}
			items, err := svc.Query(cmd.Context(), f)
			if err != nil {
				return err
			}
			t := a.newTable()
			t.AppendHeader(table.Row{"Code", "Kind", "Name", "Theme", "Year", "Pieces", "Value", "Flags"})
			for _, it := range items {
				t.AppendRow(table.Row{it.Code, it.Kind, it.Name, deref(it.Theme), deref(it.ReleaseYear), deref(it.PieceCount), money(it.ValueNew), flags(it)})
			}
			t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d items", len(items))})
			t.Render()
			return nil
		}),
	}
	ff.bind(cmd.Flags())
	return cmd
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarises the store.",
		Args:  cobra.NoArgs,
		RunE: a.withService(func(cmd *cobra.Command, svc *catalog.Service, _ []string) error {
			st, err := svc.Stats(cmd.Context())
			if err != nil {
				return err
			}
			last := "never"
			if st.LastScrapedAt != nil {
				last = humanize.Time(time.UnixMilli(*st.LastScrapedAt))
			}
			t := a.newTable()
			t.AppendRows([]table.Row{
				{"Sets", humanize.Comma(int64(st.Items[catalog.KindSet]))},
				{"Sub-components", humanize.Comma(int64(st.Items[catalog.KindSubComponent]))},
				{"Placeholders", humanize.Comma(int64(st.Placeholders))},
				{"Quarantined", humanize.Comma(int64(st.Quarantined))},
				{"With image", humanize.Comma(int64(st.WithImage))},
				{"Associations", humanize.Comma(int64(st.Associations))},
				{"Themes", st.Themes},
				{"Release years", st.ReleaseYears},
				{"Avg completeness", fmt.Sprintf("%.0f%%", st.AvgCompleteness*100)},
				{"Last scraped", last},
				{"Database", humanize.Bytes(uint64(st.DatabaseBytes))},
				{"Schema version", st.SchemaVersion},
			})
			t.Render()
			return nil
		}),
	}
}

func (a *app) runsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [--limit n]",
		Short: "Lists recent batch runs.",
		Args:  cobra.NoArgs,
		RunE: a.withService(func(cmd *cobra.Command, svc *catalog.Service, _ []string) error {
			runs, err := svc.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			t := a.newTable()
			t.AppendHeader(table.Row{"Run", "Kind", "Started", "Took", "Req", "Ins", "Upd", "Quar", "Skip", "Error"})
			for _, r := range runs {
				took := time.Duration(r.FinishedAt-r.StartedAt) * time.Millisecond
				t.AppendRow(table.Row{r.ID, r.Kind, humanize.Time(time.UnixMilli(r.StartedAt)), took,
					r.Requested, r.Inserted, r.Updated, r.Quarantined, r.Skipped, r.Error})
			}
			t.Render()
			return nil
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs.")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var ff filterFlags
	var format, out string
	cmd := &cobra.Command{
		Use:   "export [--format json|csv] [--out file] [filters]",
		Short: "Writes stored items as JSON or CSV.",
		Args:  cobra.NoArgs,
		RunE: a.withService(func(cmd *cobra.Command, svc *catalog.Service, _ []string) error {
			f, err := ff.filter()
			if err != nil {
				return err
			}
			fm, err := catalog.ParseFormat(format)
			if err != nil {
				return err
			}
			var n int
			err = writeOutput(a.out, out, func(w io.Writer) error {
				n, err = svc.Export(cmd.Context(), w, fm, f)
				return err
			})
			if err == nil && out != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %d items to %s\n", n, out)
			}
			return err
		}),
	}
	ff.bind(cmd.Flags())
	cmd.Flags().StringVar(&format, "format", "json", "Output format.")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write to a file instead of stdout.")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref[T any](p *T) any {
	if p == nil {
		return ""
	}
	return *p
}

func money(m *catalog.Money) string {
	if m == nil {
		return ""
	}
	return m.String()
}

func flags(it *catalog.Item) string {
	var s string
	if it.Quarantined {
		s += "Q"
	}
	if it.Placeholder {
		s += "P"
	}
	if it.HasImage {
		s += "I"
	}
	return s
}
