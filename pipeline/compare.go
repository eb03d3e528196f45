package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/samber/lo"

	"locsync/diff"
	"locsync/report"
	"locsync/row"
	"locsync/snapshot"
	"locsync/writer"
)

// Source is one side of a comparison: a snapshot file or a workbook folder.
type Source struct {
	Snapshot string
	Root     string
}

func (s Source) String() string {
	if s.Snapshot != "" {
		return "snapshot " + s.Snapshot
	}
	return "folder " + s.Root
}

// activeView reduces folder rows to what a snapshot build stores as active:
// active rows only, the first occurrence of each string_id.
func activeView(rows []row.Row) []row.Row {
	active := lo.Filter(rows, func(rw row.Row, _ int) bool { return rw.Active() })
	return lo.UniqBy(active, func(rw row.Row) string { return rw.StringID })
}

// loadSource reads one side. A folder compared against a snapshot is reduced
// to the snapshot's active view so both sides hold the same kind of rows.
func (r *Runner) loadSource(ctx context.Context, res *report.Result, src Source, againstSnapshot bool) ([]row.Row, error) {
	if src.Snapshot != "" {
		store, err := snapshot.OpenReadOnly(src.Snapshot, snapshot.Options{Log: r.log})
		if err != nil {
			return nil, err
		}
		defer store.Close()
		return store.ActiveRows(ctx)
	}
	if err := required(src.Root, "root"); err != nil {
		return nil, err
	}
	set, err := r.readRoot(ctx, res, src.Root)
	if err != nil {
		return nil, err
	}
	if set.cancelled {
		return nil, report.ErrCancelled
	}
	rows := lo.FlatMap(set.groups, func(g snapshot.Group, _ int) []row.Row { return g.Rows })
	if againstSnapshot {
		rows = activeView(rows)
	}
	return rows, nil
}

// Compare loads both sides, diffs them and drops changes matched by the
// exception rules.
func (r *Runner) Compare(ctx context.Context, master, target Source, opts diff.Options) (*diff.Result, *report.Result, error) {
	res := r.newResult("compare")
	if len(opts.Languages) == 0 {
		opts.Languages = r.cfg.Languages
	}
	m, err := r.loadSource(ctx, res, master, target.Snapshot != "")
	if err != nil {
		_, err = r.finish(res, fmt.Errorf("load master %s: %w", master, err))
		return nil, res, err
	}
	t, err := r.loadSource(ctx, res, target, master.Snapshot != "")
	if err != nil {
		_, err = r.finish(res, fmt.Errorf("load target %s: %w", target, err))
		return nil, res, err
	}
	r.progress("compare", 0, 1)
	d, err := diff.Compare(m, t, opts)
	if err != nil {
		_, err = r.finish(res, err)
		return nil, res, err
	}
	d = d.Filter(r.rules)
	for k, n := range d.Counts {
		res.Add(string(k), n)
	}
	res.Add("excluded", d.Excluded)
	r.progress("compare", 1, 1)
	r.debugf("compare: master=%d target=%d changes=%d excluded=%d", len(m), len(t), len(d.Changes), d.Excluded)
	_, err = r.finish(res, nil)
	return d, res, err
}

// resolver maps workbook file names to paths below root. When two folders
// hold the same name the first in sorted order wins.
func (r *Runner) resolver(root string) (writer.Resolver, error) {
	paths, err := Discover(root, r.cfg.Patterns)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]string, len(paths))
	for _, p := range paths {
		name := filepath.Base(p)
		if prev, ok := byName[name]; ok {
			r.log.Warnw("workbook name is ambiguous", "file", p, "using", prev)
			continue
		}
		byName[name] = p
	}
	return func(name string) (string, bool) {
		p, ok := byName[name]
		return p, ok
	}, nil
}

// Apply writes a diff into the workbooks below root. Each workbook is saved
// once and failures stay local to it.
func (r *Runner) Apply(ctx context.Context, d *diff.Result, root string, plan writer.PlanOptions) (*report.Result, error) {
	res := r.newResult("apply")
	if err := required(root, "root"); err != nil {
		return r.finish(res, err)
	}
	resolve, err := r.resolver(root)
	if err != nil {
		return r.finish(res, err)
	}
	muts := writer.Plan(d, plan)
	w := r.newWriter(func() bool { return r.stopped(ctx) })
	reports, errs := w.Apply(muts, resolve)

	var runErr error
	for _, err := range errs {
		if errors.Is(err, report.ErrCancelled) {
			runErr = report.ErrCancelled
			continue
		}
		file := ""
		var re *report.Error
		if errors.As(err, &re) {
			file = re.File
		}
		res.AddError(file, err, report.KindFileOpen)
	}
	for _, rep := range reports {
		res.Files++
		res.Add("inserted", rep.Inserted)
		res.Add("overwritten", rep.Overwritten)
		res.Add("deactivated", rep.Deactivated)
		res.Add("reactivated", rep.Reactivated)
		res.Add("cleared", rep.Cleared)
		res.Add("skipped", rep.Skipped)
	}
	return r.finish(res, runErr)
}
