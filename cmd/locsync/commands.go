package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"locsync/diff"
	"locsync/pipeline"
	"locsync/report"
	"locsync/snapshot"
	"locsync/writer"
)

func newBuildCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Rebuild the snapshot from the workbook root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd, nil)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			return s.finish(s.runner.BuildSnapshot(ctx))
		},
	}
}

func newUpdateCmd(g *globals) *cobra.Command {
	var policy string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Merge the workbook root into the snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := snapshot.ParsePolicy(policy)
			if err != nil {
				return err
			}
			s, err := g.open(cmd, nil)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			return s.finish(s.runner.UpdateSnapshot(ctx, p))
		},
	}
	names := make([]string, 0, len(snapshot.Policies))
	for _, p := range snapshot.Policies {
		names = append(names, string(p))
	}
	cmd.Flags().StringVar(&policy, "policy", string(snapshot.PolicyDefault), "Update policy: "+strings.Join(names, ", ")+".")
	return cmd
}

// sourceFlag resolves a --master/--target value: an existing file is a
// snapshot, anything else a workbook folder.
func sourceFlag(v string) pipeline.Source {
	if st, err := os.Stat(v); err == nil && !st.IsDir() {
		return pipeline.Source{Snapshot: v}
	}
	return pipeline.Source{Root: v}
}

type compareFlags struct {
	master  string
	target  string
	key     string
	keyLang string
	kinds   []string
}

func (f *compareFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.master, "master", "", "Master side: snapshot file or workbook folder (default: configured snapshot).")
	fl.StringVar(&f.target, "target", "", "Target side: snapshot file or workbook folder (default: configured root).")
	fl.StringVar(&f.key, "key", string(diff.IDOnly), "Key strategy: file_id, sheet_id, id_only, id_kr, kr_only, id_lang.")
	fl.StringVar(&f.keyLang, "key-lang", "", "Language paired with string_id by the id_lang strategy.")
	fl.StringSliceVar(&f.kinds, "kinds", nil, "Change kinds to keep: new, deleted, modified, unchanged.")
}

func (f *compareFlags) sides(cfg pipeline.Config) (pipeline.Source, pipeline.Source, error) {
	master := pipeline.Source{Snapshot: cfg.Snapshot}
	if f.master != "" {
		master = sourceFlag(f.master)
	}
	target := pipeline.Source{Root: cfg.Root}
	if f.target != "" {
		target = sourceFlag(f.target)
	}
	if master.Snapshot == "" && master.Root == "" {
		return master, target, fmt.Errorf("missing master (use --master or config snapshot)")
	}
	if target.Snapshot == "" && target.Root == "" {
		return master, target, fmt.Errorf("missing target (use --target or config root)")
	}
	return master, target, nil
}

func (f *compareFlags) options(cfg pipeline.Config) (diff.Options, error) {
	st, err := diff.ParseStrategy(f.key)
	if err != nil {
		return diff.Options{}, err
	}
	kinds, err := diff.ParseKinds(f.kinds)
	if err != nil {
		return diff.Options{}, err
	}
	return diff.Options{Strategy: st, Languages: cfg.Languages, Kinds: kinds, KeyLanguage: f.keyLang}, nil
}

func writeDiff(path string, d *diff.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := diff.WriteJSON(f, d); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func newCompareCmd(g *globals) *cobra.Command {
	var cf compareFlags
	var out string
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Diff two translation data sets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd, nil)
			if err != nil {
				return err
			}
			master, target, err := cf.sides(s.cfg)
			if err != nil {
				return err
			}
			opts, err := cf.options(s.cfg)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			d, res, err := s.runner.Compare(ctx, master, target, opts)
			if err == nil && out != "" {
				if werr := writeDiff(out, d); werr != nil {
					err = fmt.Errorf("write diff: %w", werr)
				}
			}
			return s.finish(res, err)
		},
	}
	cf.register(cmd)
	cmd.Flags().StringVar(&out, "out", "", "Write the diff as JSON to this file.")
	return cmd
}

func newApplyCmd(g *globals) *cobra.Command {
	var cf compareFlags
	var diffPath, side, into, backupDir string
	var safe, clearTr, deactivate bool
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Write a diff into workbooks",
		Long: `Write a diff into the workbooks of one side.

The diff is read from --diff, or computed from --master and --target. Writing
to the target inserts rows only the master has and overwrites modified values
with the master's; --side master does the mirror image.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd, func(c *pipeline.Config) {
				if cmd.Flags().Changed("safe") {
					c.SafeMode = safe
				}
				if cmd.Flags().Changed("clear") {
					c.ClearTranslations = clearTr
				}
				if cmd.Flags().Changed("backup-dir") {
					c.BackupDir = backupDir
				}
			})
			if err != nil {
				return err
			}
			plan := writer.PlanOptions{Side: writer.Side(side), DeactivateNew: deactivate}
			if plan.Side != writer.SideTarget && plan.Side != writer.SideMaster {
				return fmt.Errorf("unknown side %q (target or master)", side)
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			var d *diff.Result
			root := into
			if diffPath != "" {
				f, err := os.Open(diffPath)
				if err != nil {
					return err
				}
				d, err = diff.ReadJSON(f)
				_ = f.Close()
				if err != nil {
					return err
				}
			} else {
				master, target, err := cf.sides(s.cfg)
				if err != nil {
					return err
				}
				opts, err := cf.options(s.cfg)
				if err != nil {
					return err
				}
				var res *report.Result
				d, res, err = s.runner.Compare(ctx, master, target, opts)
				if err != nil {
					return s.finish(res, err)
				}
				written := target
				if plan.Side == writer.SideMaster {
					written = master
				}
				if root == "" {
					root = written.Root
				}
			}
			if root == "" {
				root = s.cfg.Root
			}
			if root == "" {
				return fmt.Errorf("missing workbook folder to write (use --into)")
			}
			return s.finish(s.runner.Apply(ctx, d, root, plan))
		},
	}
	cf.register(cmd)
	fl := cmd.Flags()
	fl.StringVar(&diffPath, "diff", "", "Diff JSON written by compare --out.")
	fl.StringVar(&side, "side", string(writer.SideTarget), "Side to write: target or master.")
	fl.StringVar(&into, "into", "", "Workbook folder to write (default: the written side's folder, then root).")
	fl.BoolVar(&safe, "safe", true, "Back up, reopen and verify every saved workbook.")
	fl.BoolVar(&clearTr, "clear", false, "Clear translations that an overwrite does not set.")
	fl.BoolVar(&deactivate, "deactivate-new", false, "Mark rows only the written side has inactive.")
	fl.StringVar(&backupDir, "backup-dir", "", "Keep safe-mode backups in this folder.")
	return cmd
}

func newRewriteCmd(g *globals) *cobra.Command {
	var staging string
	var columns, broadcast []string
	cmd := &cobra.Command{
		Use:   "rewrite",
		Short: "Replace inline [@Korean] tokens with string ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd, func(c *pipeline.Config) {
				if cmd.Flags().Changed("staging") {
					c.Staging = staging
				}
			})
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			return s.finish(s.runner.Rewrite(ctx, pipeline.RewriteOptions{Columns: columns, Broadcast: broadcast}))
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&staging, "staging", "", "Staging workbook receiving new strings (overrides config staging).")
	fl.StringSliceVar(&columns, "columns", nil, "Language columns scanned for tokens (default KR).")
	fl.StringSliceVar(&broadcast, "broadcast", nil, "Copy a rewritten KR cell into these language columns.")
	return cmd
}

func newCatalogCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the unique-text catalog",
	}
	build := &cobra.Command{
		Use:   "build",
		Short: "Ingest the workbook root into the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd, nil)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			return s.finish(s.runner.BuildCatalog(ctx))
		},
	}
	var out string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write the catalog to a workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd, nil)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			return s.finish(s.runner.ExportCatalog(ctx, out))
		},
	}
	export.Flags().StringVar(&out, "out", "", "Output workbook path.")
	var target string
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Update an existing workbook from the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd, nil)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			return s.finish(s.runner.SyncCatalog(ctx, target))
		},
	}
	sync.Flags().StringVar(&target, "target", "", "Workbook to update.")
	cmd.AddCommand(build, export, sync)
	return cmd
}

func newCacheCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the workbook metadata cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "scan",
		Short: "Refresh cached workbook metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd, nil)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			return s.finish(s.runner.ScanCache(ctx))
		},
	})
	return cmd
}
