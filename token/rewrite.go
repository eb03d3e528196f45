// Package token rewrites inline Korean tokens such as [@안녕] into references
// to catalog identifiers.
package token

import (
	"context"
	"regexp"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"locsync/catalog"
	"locsync/report"
	"locsync/row"
	"locsync/workbook"
	"locsync/writer"
)

var tokenRe = regexp.MustCompile(`\[@([^\]]*)\]`)

// Catalog is the part of the unique-text catalog the rewriter consults.
type Catalog interface {
	Lookup(ctx context.Context, kr string) (*catalog.Entry, error)
	Get(ctx context.Context, id string) (*catalog.Entry, error)
}

// Source tells where a token's id came from.
type Source string

const (
	FromCatalog Source = "catalog"
	FromStaging Source = "staging"
	Created     Source = "created"
)

// Resolution records one rewritten token.
type Resolution struct {
	Korean string
	ID     string
	Source Source
}

type Options struct {
	// Columns are the language columns scanned for tokens; KR when empty.
	Columns []string
	// Broadcast copies a rewritten KR cell to these languages of the same row.
	Broadcast []string
	Log       *zap.SugaredLogger
}

type Rewriter struct {
	catalog Catalog
	staging *Staging
	gen     *IDGenerator
	w       *writer.Writer
	opts    Options
	log     *zap.SugaredLogger
	// session caches resolutions so a string repeated across cells maps to
	// one id.
	session map[string]Resolution
}

// New builds a rewriter. cat may be nil; staging is required when tokens
// may need new ids.
func New(cat Catalog, staging *Staging, gen *IDGenerator, w *writer.Writer, opts Options) *Rewriter {
	if len(opts.Columns) == 0 {
		opts.Columns = []string{row.KR}
	} else {
		opts.Columns = row.ParseLanguages(opts.Columns)
	}
	opts.Broadcast = row.Without(row.ParseLanguages(opts.Broadcast), row.KR)
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	if gen == nil {
		gen = &IDGenerator{}
	}
	if w == nil {
		w = writer.New(writer.Options{SafeMode: true, Log: opts.Log})
	}
	return &Rewriter{catalog: cat, staging: staging, gen: gen, w: w, opts: opts, log: opts.Log, session: map[string]Resolution{}}
}

// Tokens returns the Korean contents of the tokens in text, in order.
func Tokens(text string) []string {
	var out []string
	for _, m := range tokenRe.FindAllStringSubmatch(text, -1) {
		if row.HasHangul(m[1]) {
			out = append(out, m[1])
		}
	}
	return out
}

func (rw *Rewriter) taken(ctx context.Context) func(string) (bool, error) {
	return func(id string) (bool, error) {
		for _, r := range rw.session {
			if r.ID == id {
				return true, nil
			}
		}
		if rw.staging != nil && rw.staging.Has(id) {
			return true, nil
		}
		if rw.catalog == nil {
			return false, nil
		}
		e, err := rw.catalog.Get(ctx, id)
		return e != nil, err
	}
}

// Resolve finds or creates the id for one Korean string: the catalog first,
// then the staging workbook, then a new id appended to staging.
func (rw *Rewriter) Resolve(ctx context.Context, korean string) (Resolution, error) {
	key := row.KoreanKey(korean)
	if r, ok := rw.session[key]; ok {
		return r, nil
	}
	res := Resolution{Korean: key}
	if rw.catalog != nil {
		e, err := rw.catalog.Lookup(ctx, key)
		if err != nil {
			return res, err
		}
		if e != nil {
			res.ID, res.Source = e.StringID, FromCatalog
		}
	}
	if res.ID == "" && rw.staging != nil {
		if id, ok := rw.staging.Lookup(key); ok {
			res.ID, res.Source = id, FromStaging
		}
	}
	if res.ID == "" {
		if rw.staging == nil {
			return res, report.Errorf(report.KindStore, "", "no staging workbook to record new string %q", key)
		}
		id, err := rw.gen.Next(rw.taken(ctx))
		if err != nil {
			return res, report.Wrap(report.KindStore, rw.staging.Path(), err)
		}
		if err := rw.staging.Append(id, key); err != nil {
			return res, report.Wrap(report.KindFileOpen, rw.staging.Path(), err)
		}
		res.ID, res.Source = id, Created
		rw.log.Debugw("new id", "id", id, "kr", key)
	}
	rw.session[key] = res
	return res, nil
}

// RewriteText replaces every Korean token in text. Tokens already holding an
// identifier are left alone, so rewriting is idempotent.
func (rw *Rewriter) RewriteText(ctx context.Context, text string) (string, []Resolution, error) {
	locs := tokenRe.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return text, nil, nil
	}
	var b strings.Builder
	var out []Resolution
	last := 0
	for _, loc := range locs {
		inner := text[loc[2]:loc[3]]
		if !row.HasHangul(inner) {
			continue
		}
		res, err := rw.Resolve(ctx, inner)
		if err != nil {
			return text, nil, err
		}
		b.WriteString(text[last:loc[0]])
		b.WriteString("[@")
		b.WriteString(res.ID)
		b.WriteString("]")
		last = loc[1]
		out = append(out, res)
	}
	if len(out) == 0 {
		return text, nil, nil
	}
	b.WriteString(text[last:])
	return b.String(), out, nil
}

// FileReport counts what rewriting one workbook did.
type FileReport struct {
	Path        string
	Cells       int
	Tokens      int
	FromCatalog int
	FromStaging int
	Created     int
	Broadcast   int
	Backup      string
}

// RewriteWorkbook rewrites tokens in the scanned columns of every translation
// sheet. New ids are saved to the staging workbook before the source workbook
// is saved; when the staging save fails the source is left untouched.
func (rw *Rewriter) RewriteWorkbook(ctx context.Context, path string) (*FileReport, error) {
	rep := &FileReport{Path: path}
	f, err := workbook.Open(path)
	if err != nil {
		return rep, err
	}
	defer f.Close()

	written := map[string]map[string]string{}
	set := func(sheet string, col, r int, v string) error {
		ref := workbook.CellName(col, r)
		if written[sheet] == nil {
			written[sheet] = map[string]string{}
		}
		written[sheet][ref] = v
		return f.SetCellStr(sheet, ref, v)
	}

	for _, name := range f.GetSheetList() {
		if !workbook.IsTranslationSheet(name) {
			continue
		}
		meta, rows, err := workbook.ReadSheetRows(f, name)
		if err != nil {
			rw.log.Warnw("skip sheet", "file", path, "sheet", name, "kind", report.KindOf(err), "err", err)
			continue
		}
		for i := meta.HeaderRow + 1; i < len(rows); i++ {
			for _, lang := range rw.opts.Columns {
				col, ok := meta.Positions[lang]
				if !ok || col >= len(rows[i]) {
					continue
				}
				text := rows[i][col]
				next, res, err := rw.RewriteText(ctx, text)
				if err != nil {
					return rep, err
				}
				if len(res) == 0 {
					continue
				}
				if err := set(name, col, i, next); err != nil {
					return rep, report.Wrap(report.KindFileOpen, path, err)
				}
				rep.Cells++
				rep.Tokens += len(res)
				for _, r := range res {
					switch r.Source {
					case FromCatalog:
						rep.FromCatalog++
					case FromStaging:
						rep.FromStaging++
					case Created:
						rep.Created++
					}
				}
				if lang != row.KR {
					continue
				}
				for _, b := range rw.opts.Broadcast {
					bc, ok := meta.Positions[b]
					if !ok {
						continue
					}
					if err := set(name, bc, i, next); err != nil {
						return rep, report.Wrap(report.KindFileOpen, path, err)
					}
					rep.Broadcast++
				}
			}
		}
	}
	if rep.Cells == 0 {
		return rep, nil
	}

	if rw.staging != nil && rw.staging.Pending() > 0 {
		if _, err := rw.staging.Save(rw.w); err != nil {
			rw.log.Warnw("staging save failed, source left unchanged", "file", path, "staging", rw.staging.Path(), "err", err)
			return rep, err
		}
	}
	bak, err := rw.w.Save(f, path, func(saved *excelize.File) error {
		for sheet, cells := range written {
			for ref, want := range cells {
				got, err := saved.GetCellValue(sheet, ref)
				if err != nil {
					return err
				}
				if got != want {
					return report.Errorf(report.KindIntegrity, path, "cell %s!%s = %q, want %q", sheet, ref, got, want)
				}
			}
		}
		return nil
	})
	rep.Backup = bak
	if err != nil {
		return rep, err
	}
	rw.log.Debugw("workbook rewritten", "file", path, "cells", rep.Cells, "tokens", rep.Tokens, "created", rep.Created)
	return rep, nil
}
