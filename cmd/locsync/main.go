package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"locsync/config"
	"locsync/logging"
	"locsync/pipeline"
	"locsync/report"
)

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	debug      bool
	quiet      bool
	reportPath string
	root       string
	snapshot   string
	catalog    string
	rules      string
	cacheDir   string
	langs      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, report.ErrCancelled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "locsync",
		Short:         "Keep game localization workbooks, snapshots and the string catalog in sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "Config file (YAML, JSON or TOML).")
	pf.BoolVar(&g.debug, "debug", false, "Enable debug logs.")
	pf.BoolVarP(&g.quiet, "quiet", "q", false, "Hide the progress bar.")
	pf.StringVar(&g.reportPath, "report", "", "Write the run result as JSON to this file.")
	pf.StringVar(&g.root, "root", "", "Workbook root folder (overrides config root).")
	pf.StringVar(&g.snapshot, "snapshot", "", "Snapshot database path (overrides config snapshot).")
	pf.StringVar(&g.catalog, "catalog", "", "Unique-text catalog path (overrides config catalog).")
	pf.StringVar(&g.rules, "rules", "", "Exception rules file (overrides config rules).")
	pf.StringVar(&g.cacheDir, "cache-dir", "", "Workbook metadata cache folder (overrides config cache_dir).")
	pf.StringVar(&g.langs, "langs", "", "Comma-separated languages (overrides config languages).")

	root.AddCommand(
		newBuildCmd(g),
		newUpdateCmd(g),
		newCompareCmd(g),
		newApplyCmd(g),
		newRewriteCmd(g),
		newCatalogCmd(g),
		newCacheCmd(g),
	)
	return root
}

// settings loads the config file and environment, then lets explicitly set
// flags win.
func (g *globals) settings(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	f := cmd.Flags()
	if f.Changed("debug") {
		cfg.Debug = g.debug
	}
	if f.Changed("root") {
		cfg.Root = g.root
	}
	if f.Changed("snapshot") {
		cfg.Snapshot = g.snapshot
	}
	if f.Changed("catalog") {
		cfg.Catalog = g.catalog
	}
	if f.Changed("rules") {
		cfg.Rules = g.rules
	}
	if f.Changed("cache-dir") {
		cfg.CacheDir = g.cacheDir
	}
	if f.Changed("langs") {
		cfg.Languages = config.Languages(strings.Split(g.langs, ","))
	}
	return cfg, nil
}

// session is one CLI invocation: resolved settings, logger and runner.
type session struct {
	g      *globals
	cfg    pipeline.Config
	log    *zap.SugaredLogger
	runner *pipeline.Runner
	bar    *pb.ProgressBar
}

// open builds the runner. tweak adjusts pipeline settings from
// subcommand flags before the runner sees them.
func (g *globals) open(cmd *cobra.Command, tweak func(*pipeline.Config)) (*session, error) {
	cfg, err := g.settings(cmd)
	if err != nil {
		return nil, err
	}
	pcfg, err := cfg.Pipeline()
	if err != nil {
		return nil, err
	}
	if tweak != nil {
		tweak(&pcfg)
	}
	s := &session{g: g, cfg: pcfg, log: logging.New(pcfg.Debug)}
	hooks := pipeline.Hooks{}
	if !g.quiet {
		hooks.Progress = s.progress
	}
	s.runner, err = pipeline.NewRunner(pcfg, s.log, hooks)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *session) progress(msg string, cur, total int) {
	if s.bar == nil {
		s.bar = pb.New(total)
		s.bar.SetWriter(os.Stderr)
		s.bar.SetTemplateString(`{{string . "msg" | printf "%-40.40s"}} {{bar . }} {{counters . }}`)
		s.bar.Start()
	}
	s.bar.SetTotal(int64(total))
	s.bar.SetCurrent(int64(cur))
	s.bar.Set("msg", msg)
}

func (s *session) close() {
	if s.bar != nil {
		s.bar.Finish()
		s.bar = nil
	}
	_ = s.log.Sync()
}

// signalContext cancels on Ctrl-C; the pipelines stop at the next file or
// commit boundary.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt)
}

// finish prints the summary, writes the JSON report when asked and returns
// the run error.
func (s *session) finish(res *report.Result, err error) error {
	s.close()
	if res != nil {
		printSummary(res)
		if s.g.reportPath != "" {
			if werr := writeReport(s.g.reportPath, res); werr != nil {
				s.log.Warnw("write report failed", "file", s.g.reportPath, "err", werr)
			}
		}
	}
	if err != nil {
		if errors.Is(err, report.ErrCancelled) {
			color.Yellow("cancelled: partial results kept")
		} else {
			color.Red("error: %v", err)
		}
	}
	return err
}

func writeReport(path string, res *report.Result) error {
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

func printSummary(res *report.Result) {
	bold := color.New(color.Bold)
	bold.Printf("%s", res.Pipeline)
	fmt.Printf("  run %s  files %s  elapsed %s\n", res.RunID, humanize.Comma(int64(res.Files)), res.Elapsed.Round(time.Millisecond))

	keys := make([]string, 0, len(res.Counts))
	for k := range res.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		n := res.Counts[k]
		line := fmt.Sprintf("  %-14s %s", k, humanize.Comma(int64(n)))
		if n == 0 {
			color.New(color.Faint).Println(line)
			continue
		}
		fmt.Println(line)
	}
	if len(res.Duplicates) > 0 {
		color.Yellow("  duplicates     %s", humanize.Comma(int64(len(res.Duplicates))))
		for _, d := range res.Duplicates {
			locs := make([]string, 0, len(d.Locations))
			for _, l := range d.Locations {
				locs = append(locs, fmt.Sprintf("%s/%s:%d", l.File, l.Sheet, l.Row))
			}
			color.Yellow("    %s  %s", d.StringID, strings.Join(locs, ", "))
		}
	}
	byKind := res.ErrorsByKind()
	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		errs := byKind[report.Kind(k)]
		color.Red("  %s %d", k, len(errs))
		for _, e := range errs {
			color.Red("    %s: %s", e.File, e.Message)
		}
	}
	if res.Cancelled {
		color.Yellow("  cancelled")
	}
}
