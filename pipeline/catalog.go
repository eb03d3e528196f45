package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"locsync/catalog"
	"locsync/report"
	"locsync/token"
)

func (r *Runner) catalogOptions(readOnly bool) catalog.Options {
	return catalog.Options{
		Prefix:   r.cfg.CatalogPrefix,
		Width:    r.cfg.CatalogWidth,
		ReadOnly: readOnly,
		Log:      r.log,
	}
}

// BuildCatalog ingests the workbook set into the unique-text catalog, one
// transaction per workbook.
func (r *Runner) BuildCatalog(ctx context.Context) (*report.Result, error) {
	res := r.newResult("catalog")
	if err := required(r.cfg.Root, "root"); err != nil {
		return r.finish(res, err)
	}
	if err := required(r.cfg.Catalog, "catalog"); err != nil {
		return r.finish(res, err)
	}
	set, err := r.readRoot(ctx, res, r.cfg.Root)
	if err != nil {
		return r.finish(res, err)
	}
	cat, err := catalog.Open(r.cfg.Catalog, r.catalogOptions(false))
	if err != nil {
		return r.finish(res, err)
	}
	defer cat.Close()

	var total catalog.IngestStats
	var runErr error
	if set.cancelled {
		runErr = report.ErrCancelled
	}
	for i, g := range set.groups {
		if i > 0 && r.stopped(ctx) {
			runErr = report.ErrCancelled
			break
		}
		st, err := cat.Ingest(context.WithoutCancel(ctx), g.Rows, r.rules)
		if err != nil {
			runErr = err
			break
		}
		total.Add(st)
		r.progress("ingest "+g.File, i+1, len(set.groups))
	}
	res.Add("new", total.New)
	res.Add("updated", total.Updated)
	res.Add("excluded", total.Excluded)
	res.Add("skipped", total.Skipped)
	return r.finish(res, runErr)
}

// ExportCatalog writes the catalog to a single-sheet workbook.
func (r *Runner) ExportCatalog(ctx context.Context, out string) (*report.Result, error) {
	res := r.newResult("catalog-export")
	if err := required(r.cfg.Catalog, "catalog"); err != nil {
		return r.finish(res, err)
	}
	if err := required(out, "output workbook"); err != nil {
		return r.finish(res, err)
	}
	cat, err := catalog.Open(r.cfg.Catalog, r.catalogOptions(true))
	if err != nil {
		return r.finish(res, err)
	}
	defer cat.Close()
	n, err := cat.ExportWorkbook(ctx, out)
	if err == nil {
		res.Files = 1
		res.Add("entries", n)
	}
	return r.finish(res, err)
}

// SyncCatalog updates an existing workbook from the catalog.
func (r *Runner) SyncCatalog(ctx context.Context, target string) (*report.Result, error) {
	res := r.newResult("catalog-sync")
	if err := required(r.cfg.Catalog, "catalog"); err != nil {
		return r.finish(res, err)
	}
	if err := required(target, "target workbook"); err != nil {
		return r.finish(res, err)
	}
	cat, err := catalog.Open(r.cfg.Catalog, r.catalogOptions(true))
	if err != nil {
		return r.finish(res, err)
	}
	defer cat.Close()
	st, err := cat.SyncWorkbook(ctx, target, r.newWriter(nil))
	if st != nil {
		res.Add("updated", st.Updated)
		res.Add("appended", st.Appended)
	}
	if err != nil {
		if !errors.Is(err, report.ErrCancelled) {
			res.AddError(target, err, report.KindFileOpen)
		}
		return r.finish(res, err)
	}
	res.Files = 1
	return r.finish(res, nil)
}

// RewriteOptions select the cells a rewrite touches.
type RewriteOptions struct {
	Columns   []string
	Broadcast []string
}

// Rewrite replaces inline Korean tokens across the workbook set, resolving
// them against the catalog and the staging workbook.
func (r *Runner) Rewrite(ctx context.Context, opts RewriteOptions) (*report.Result, error) {
	res := r.newResult("rewrite")
	if err := required(r.cfg.Root, "root"); err != nil {
		return r.finish(res, err)
	}
	if err := required(r.cfg.Staging, "staging"); err != nil {
		return r.finish(res, err)
	}

	var cat token.Catalog
	if r.cfg.Catalog != "" {
		if _, err := os.Stat(r.cfg.Catalog); err == nil {
			c, err := catalog.Open(r.cfg.Catalog, r.catalogOptions(true))
			if err != nil {
				return r.finish(res, err)
			}
			defer c.Close()
			cat = c
		} else {
			r.log.Warnw("catalog not found, resolving against staging only", "file", r.cfg.Catalog)
		}
	}
	staging, err := token.OpenStaging(r.cfg.Staging)
	if err != nil {
		return r.finish(res, err)
	}
	defer staging.Close()

	paths, err := Discover(r.cfg.Root, r.cfg.Patterns)
	if err != nil {
		return r.finish(res, err)
	}
	stagingAbs, _ := filepath.Abs(r.cfg.Staging)

	gen := &token.IDGenerator{Prefix: r.cfg.TokenPrefix}
	rw := token.New(cat, staging, gen, r.newWriter(nil), token.Options{
		Columns:   opts.Columns,
		Broadcast: opts.Broadcast,
		Log:       r.log,
	})
	var runErr error
	for i, p := range paths {
		if abs, _ := filepath.Abs(p); abs == stagingAbs {
			continue
		}
		if r.stopped(ctx) {
			runErr = report.ErrCancelled
			break
		}
		r.progress("rewrite "+filepath.Base(p), i, len(paths))
		// a workbook in progress is finished even if the run is cancelled
		rep, err := rw.RewriteWorkbook(context.WithoutCancel(ctx), p)
		if err != nil {
			r.log.Warnw("rewrite failed", "file", p, "kind", report.KindOf(err), "err", err)
			res.AddError(p, err, report.KindFileOpen)
			continue
		}
		res.Files++
		res.Add("cells", rep.Cells)
		res.Add("tokens", rep.Tokens)
		res.Add("from_catalog", rep.FromCatalog)
		res.Add("from_staging", rep.FromStaging)
		res.Add("created", rep.Created)
		res.Add("broadcast", rep.Broadcast)
	}
	if runErr == nil {
		r.progress("rewrite", len(paths), len(paths))
	}
	return r.finish(res, runErr)
}
