// Package pipeline composes the reader, cache, stores, diff engine, writer and
// rewriter into the end-to-end runs driven by the CLI.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"locsync/cache"
	"locsync/report"
	"locsync/rules"
	"locsync/snapshot"
	"locsync/workbook"
	"locsync/writer"
)

type Config struct {
	Root     string
	Patterns []string
	Snapshot string
	Catalog  string
	// CacheDir holds the workbook metadata cache; empty disables it.
	CacheDir string
	Rules    string
	Staging  string
	// Languages selects compared and written languages; empty means all.
	Languages         []string
	BatchSize         int
	SafeMode          bool
	BackupDir         string
	ClearTranslations bool
	RequestColumn     string
	RequestMarker     string
	TokenPrefix       string
	CatalogPrefix     string
	CatalogWidth      int
	Debug             bool
}

// Hooks connect a run to its driver. Both are optional.
type Hooks struct {
	Progress  func(message string, current, total int)
	Cancelled func() bool
}

type Runner struct {
	cfg    Config
	log    *zap.SugaredLogger
	hooks  Hooks
	rules  *rules.Set
	reader *workbook.Reader
}

func NewRunner(cfg Config, log *zap.SugaredLogger, hooks Hooks) (*Runner, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = DefaultPatterns
	}
	set, err := rules.LoadSet(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	return &Runner{cfg: cfg, log: log, hooks: hooks, rules: set, reader: workbook.NewReader(log)}, nil
}

func (r *Runner) debugf(format string, args ...any) {
	if r == nil || !r.cfg.Debug {
		return
	}
	r.log.Debugf(format, args...)
}

func (r *Runner) progress(msg string, cur, total int) {
	if r.hooks.Progress != nil {
		r.hooks.Progress(msg, cur, total)
	}
}

func (r *Runner) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return r.hooks.Cancelled != nil && r.hooks.Cancelled()
}

func required(value, name string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", name)
	}
	return nil
}

func (r *Runner) newResult(pipeline string) *report.Result {
	res := report.NewResult(uuid.NewString(), pipeline)
	r.debugf("%s start: run=%s root=%q", pipeline, res.RunID, r.cfg.Root)
	return res
}

// finish stamps the result and turns cancellation into a partial result.
func (r *Runner) finish(res *report.Result, err error) (*report.Result, error) {
	if errors.Is(err, report.ErrCancelled) {
		res.Cancelled = true
	}
	res.Finish()
	r.log.Infow(res.Pipeline+" done",
		"run", res.RunID,
		"files", humanize.Comma(int64(res.Files)),
		"errors", len(res.Errors),
		"cancelled", res.Cancelled,
		"elapsed", res.Elapsed.Round(time.Millisecond),
	)
	return res, err
}

// readSet is what one pass over a workbook folder produced.
type readSet struct {
	groups []snapshot.Group
	// failed lists workbooks that could not be read, by base name.
	failed []string
	// unread lists workbooks skipped because the run was cancelled.
	unread    []string
	cancelled bool
}

func (s *readSet) rows() int {
	n := 0
	for _, g := range s.groups {
		n += len(g.Rows)
	}
	return n
}

// scanCache runs the cache layer over paths and returns header hints.
func (r *Runner) scanCache(root string, paths []string) map[string]*workbook.Meta {
	if r.cfg.CacheDir == "" {
		return nil
	}
	c := cache.Open(r.cfg.CacheDir, root, r.log)
	metas, failed, st := c.Scan(paths, r.reader.ReadMeta)
	for p, err := range failed {
		r.debugf("cache scan failed path=%q err=%v", p, err)
	}
	if err := c.Save(); err != nil {
		r.log.Warnw("cache save failed", "file", c.Path(), "err", err)
	}
	r.debugf("cache scan: hits=%d misses=%d dropped=%d", st.Hits, st.Misses, st.Dropped)
	return metas
}

// readRoot discovers and reads every workbook below root. Per-file failures
// are recorded in res and the pass continues.
func (r *Runner) readRoot(ctx context.Context, res *report.Result, root string) (*readSet, error) {
	paths, err := Discover(root, r.cfg.Patterns)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", root, err)
	}
	hints := r.scanCache(root, paths)
	set := &readSet{}
	for i, p := range paths {
		if r.stopped(ctx) {
			set.cancelled = true
			for _, rest := range paths[i:] {
				set.unread = append(set.unread, filepath.Base(rest))
			}
			break
		}
		base := filepath.Base(p)
		r.progress("read "+base, i, len(paths))
		wres, err := r.reader.Read(p, hints[p])
		if err != nil {
			r.log.Warnw("skip workbook", "file", p, "kind", report.KindOf(err), "err", err)
			res.AddError(p, err, report.KindFileOpen)
			set.failed = append(set.failed, base)
			continue
		}
		for _, serr := range wres.SheetErrors {
			res.AddError(p, serr, report.KindSchema)
		}
		res.Files++
		res.Duplicates = append(res.Duplicates, wres.Duplicates...)
		set.groups = append(set.groups, snapshot.Group{File: base, Rows: wres.Rows})
		r.debugf("read path=%q rows=%d duplicates=%d", p, len(wres.Rows), len(wres.Duplicates))
	}
	if !set.cancelled {
		r.progress("read", len(paths), len(paths))
	}
	res.Add("rows", set.rows())
	return set, nil
}

// storeOptions wires progress into snapshot commits; stop is called once the
// run is cancelled so the store halts at the next commit boundary.
func (r *Runner) storeOptions(ctx context.Context, stop func()) snapshot.Options {
	return snapshot.Options{
		BatchSize: r.cfg.BatchSize,
		Log:       r.log,
		Progress: func(file string, done, total int) {
			r.progress("commit "+file, done, total)
			if r.stopped(ctx) {
				stop()
			}
		},
	}
}

func addCounts(res *report.Result, counts map[string]int) {
	for k, v := range counts {
		res.Add(k, v)
	}
}

// BuildSnapshot reads the workbook set and replaces the snapshot with it.
// A run cancelled while reading leaves the stored snapshot untouched.
func (r *Runner) BuildSnapshot(ctx context.Context) (*report.Result, error) {
	res := r.newResult("build")
	if err := required(r.cfg.Root, "root"); err != nil {
		return r.finish(res, err)
	}
	if err := required(r.cfg.Snapshot, "snapshot"); err != nil {
		return r.finish(res, err)
	}
	set, err := r.readRoot(ctx, res, r.cfg.Root)
	if err != nil {
		return r.finish(res, err)
	}
	if set.cancelled {
		return r.finish(res, report.ErrCancelled)
	}

	storeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	store, err := snapshot.Open(r.cfg.Snapshot, r.storeOptions(ctx, cancel))
	if err != nil {
		return r.finish(res, err)
	}
	defer store.Close()

	stats, err := store.Build(storeCtx, set.groups)
	if stats != nil {
		addCounts(res, stats.Counts())
		res.Duplicates = stats.Duplicates
	}
	return r.finish(res, err)
}

// UpdateSnapshot merges the workbook set into the snapshot under policy.
// Workbooks that failed to read keep their stored rows; a cancelled run
// commits what it read and skips the deactivation pass.
func (r *Runner) UpdateSnapshot(ctx context.Context, policy snapshot.Policy) (*report.Result, error) {
	res := r.newResult("update")
	if err := required(r.cfg.Root, "root"); err != nil {
		return r.finish(res, err)
	}
	if err := required(r.cfg.Snapshot, "snapshot"); err != nil {
		return r.finish(res, err)
	}
	set, err := r.readRoot(ctx, res, r.cfg.Root)
	if err != nil {
		return r.finish(res, err)
	}
	if set.cancelled && len(set.groups) == 0 {
		return r.finish(res, report.ErrCancelled)
	}

	// commits finish even when the caller's context is done; the run stops
	// through storeCtx instead
	storeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	opts := r.storeOptions(ctx, cancel)
	if set.cancelled {
		// the read pass was cut short: commit what was read, then stop
		opts.Progress = func(file string, done, total int) {
			r.progress("commit "+file, done, total)
			if done == total {
				cancel()
			}
		}
	}
	store, err := snapshot.Open(r.cfg.Snapshot, opts)
	if err != nil {
		return r.finish(res, err)
	}
	defer store.Close()

	keep := append(append([]string{}, set.failed...), set.unread...)
	stats, err := store.Update(storeCtx, set.groups, snapshot.UpdateOptions{
		Policy:    policy,
		Languages: r.cfg.Languages,
		KeepFiles: keep,
	})
	if stats != nil {
		addCounts(res, stats.Counts())
		res.Duplicates = stats.Duplicates
	}
	return r.finish(res, err)
}

// ScanCache refreshes the workbook metadata cache without reading rows.
func (r *Runner) ScanCache(ctx context.Context) (*report.Result, error) {
	res := r.newResult("cache")
	if err := required(r.cfg.Root, "root"); err != nil {
		return r.finish(res, err)
	}
	if err := required(r.cfg.CacheDir, "cache_dir"); err != nil {
		return r.finish(res, err)
	}
	paths, err := Discover(r.cfg.Root, r.cfg.Patterns)
	if err != nil {
		return r.finish(res, err)
	}
	if r.stopped(ctx) {
		return r.finish(res, report.ErrCancelled)
	}
	c := cache.Open(r.cfg.CacheDir, r.cfg.Root, r.log)
	done := 0
	metas, failed, st := c.Scan(paths, func(p string) (*workbook.Meta, error) {
		done++
		r.progress("scan "+filepath.Base(p), done, len(paths))
		return r.reader.ReadMeta(p)
	})
	for p, err := range failed {
		res.AddError(p, err, report.KindFileOpen)
	}
	res.Files = len(metas)
	res.Add("hits", st.Hits)
	res.Add("misses", st.Misses)
	res.Add("dropped", st.Dropped)
	if err := c.Save(); err != nil {
		return r.finish(res, report.Wrap(report.KindStore, c.Path(), err))
	}
	return r.finish(res, nil)
}

func (r *Runner) newWriter(stop func() bool) *writer.Writer {
	return writer.New(writer.Options{
		SafeMode:          r.cfg.SafeMode,
		BackupDir:         r.cfg.BackupDir,
		ClearTranslations: r.cfg.ClearTranslations,
		RequestColumn:     r.cfg.RequestColumn,
		RequestMarker:     r.cfg.RequestMarker,
		Log:               r.log,
		Progress: func(path string, done, total int) {
			r.progress("write "+path, done, total)
		},
		Stop: stop,
	})
}
