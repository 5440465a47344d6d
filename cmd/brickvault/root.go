package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/brickvault/catalog"
	"github.com/hazyhaar/brickvault/catalog/event"
	"github.com/hazyhaar/brickvault/observability"
)

// app carries the global flags and what every subcommand opens from them.
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	out     io.Writer
	log     *slog.Logger
	metrics *observability.Metrics
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out, metrics: observability.NewMetrics()}
	root := &cobra.Command{
		Use:           "brickvault",
		Short:         "brickvault scrapes, normalizes and stores a LEGO catalog.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.out)
	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", os.Getenv("BRICKVAULT_CONFIG"), "YAML configuration file.")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error). Overrides the config.")
	pf.StringVar(&a.logFormat, "log-format", "", "Log format (text, json). Overrides the config.")

	root.AddCommand(
		a.scrapeCmd(), a.linkCmd(), a.matrixCmd(),
		a.getCmd(), a.queryCmd(), a.statsCmd(), a.runsCmd(), a.exportCmd(),
		a.backupCmd(), a.optimizeCmd(), a.deleteCmd(),
		a.serveCmd(),
	)
	return root
}

// open loads the configuration and starts a Service. Callers close it.
func (a *app) open(cmd *cobra.Command) (*catalog.Service, error) {
	cfg, err := catalog.LoadConfig(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	log, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)
	a.log = log

	sink := event.Multi(observability.LogSink{Logger: log}, a.metrics)
	return catalog.New(cmd.Context(), cfg, catalog.WithLogger(log), catalog.WithEvents(sink))
}

// withService opens the Service for the duration of fn.
func (a *app) withService(fn func(cmd *cobra.Command, svc *catalog.Service, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		svc, err := a.open(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()
		return fn(cmd, svc, args)
	}
}

func (a *app) newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.Style().Format.Footer = text.FormatDefault
	t.SetOutputMirror(a.out)
	return t
}

// readCodes returns args plus the codes listed in file, one per line. Blank
// lines and lines starting with # are ignored. "-" reads stdin.
func readCodes(args []string, file string, stdin io.Reader) ([]string, error) {
	codes := append([]string(nil), args...)
	if file == "" {
		return codes, nil
	}
	r := stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		codes = append(codes, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	return codes, nil
}
