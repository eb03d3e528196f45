// Package writer applies primitive mutations to workbooks with per-workbook
// all-or-nothing saves.
package writer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"locsync/report"
	"locsync/row"
	"locsync/workbook"
)

const (
	DefaultRequestColumn = "#번역요청"
	DefaultRequestMarker = "신규"
)

type Options struct {
	// SafeMode backs up each workbook, validates the saved file and restores
	// the backup when validation fails.
	SafeMode bool
	// BackupDir keeps successful backups instead of deleting them.
	BackupDir string
	// ClearTranslations empties the non-KR cells of overwritten rows.
	ClearTranslations bool
	RequestColumn     string
	RequestMarker     string
	Log               *zap.SugaredLogger
	// Progress is called after each workbook of Apply.
	Progress func(path string, done, total int)
	// Stop is polled between workbooks of Apply.
	Stop func() bool
}

type Writer struct {
	opts Options
	log  *zap.SugaredLogger
}

func New(opts Options) *Writer {
	if opts.RequestColumn == "" {
		opts.RequestColumn = DefaultRequestColumn
	}
	if opts.RequestMarker == "" {
		opts.RequestMarker = DefaultRequestMarker
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	return &Writer{opts: opts, log: opts.Log}
}

// FileReport counts what one workbook save did.
type FileReport struct {
	Path        string
	Inserted    int
	Overwritten int
	Deactivated int
	Reactivated int
	Cleared     int
	Skipped     int
	Backup      string
}

func (r *FileReport) Changed() int {
	return r.Inserted + r.Overwritten + r.Deactivated + r.Reactivated + r.Cleared
}

// Check validates a freshly saved workbook.
type Check func(f *excelize.File) error

// Save writes f to path atomically. In safe mode an existing file is backed
// up first, the saved file is reopened and checked, and the backup is put
// back when the check fails. The kept backup path is returned when BackupDir
// is set.
func (w *Writer) Save(f *excelize.File, path string, check Check) (string, error) {
	var bak string
	if w.opts.SafeMode {
		if _, err := os.Stat(path); err == nil {
			b, err := backup(path)
			if err != nil {
				return "", report.Wrap(report.KindFileOpen, path, fmt.Errorf("backup: %w", err))
			}
			bak = b
		}
	}
	err := SaveAtomic(path, func(out io.Writer) error {
		_, err := f.WriteTo(out)
		return err
	})
	if err != nil {
		if bak != "" {
			_ = os.Remove(bak)
		}
		return "", report.Wrap(report.KindFileOpen, path, fmt.Errorf("save: %w", err))
	}
	if !w.opts.SafeMode {
		return "", nil
	}
	if verr := verify(path, check); verr != nil {
		err := report.Wrap(report.KindIntegrity, path, verr)
		if bak != "" {
			if rerr := restore(bak, path); rerr != nil {
				err = multierr.Append(err, fmt.Errorf("restore backup %s: %w", bak, rerr))
			}
		}
		w.log.Warnw("saved workbook failed validation", "file", path, "kind", report.KindIntegrity, "err", verr)
		return "", err
	}
	if bak == "" {
		return "", nil
	}
	kept, err := retire(bak, path, w.opts.BackupDir)
	if err != nil {
		w.log.Warnw("could not retire backup", "file", path, "backup", bak, "err", err)
	}
	return kept, nil
}

func verify(path string, check Check) error {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return fmt.Errorf("reopen: %w", err)
	}
	defer f.Close()
	if check == nil {
		return nil
	}
	return check(f)
}

type sheetState struct {
	meta  *workbook.SheetMeta
	index map[string][]int
	next  int
	// expect maps cell references to the values written there.
	expect map[string]string
}

// ApplyWorkbook applies mutations to one workbook and saves it once.
func (w *Writer) ApplyWorkbook(path string, muts []Mutation) (*FileReport, error) {
	rep := &FileReport{Path: path}
	if len(muts) == 0 {
		return rep, nil
	}
	f, err := workbook.Open(path)
	if err != nil {
		return rep, err
	}
	defer f.Close()

	sheets := map[string]*sheetState{}
	load := func(name string) (*sheetState, error) {
		if st, ok := sheets[name]; ok {
			return st, nil
		}
		meta, rows, err := workbook.ReadSheetRows(f, name)
		if err != nil {
			return nil, err
		}
		next := workbook.LastDataRow(rows) + 1
		if next <= meta.HeaderRow {
			next = meta.HeaderRow + 1
		}
		st := &sheetState{meta: meta, index: workbook.IndexRows(meta, rows), next: next, expect: map[string]string{}}
		sheets[name] = st
		return st, nil
	}

	for _, m := range muts {
		if idx, _ := f.GetSheetIndex(m.Sheet); idx < 0 {
			w.log.Debugw("skip mutation for missing sheet", "file", path, "sheet", m.Sheet, "id", m.StringID)
			rep.Skipped++
			continue
		}
		st, err := load(m.Sheet)
		if err != nil {
			return rep, report.Wrap(report.KindSchema, path, err)
		}
		applied, err := w.apply(f, st, m)
		if err != nil {
			return rep, report.Wrap(report.KindFileOpen, path, err)
		}
		if !applied {
			rep.Skipped++
			continue
		}
		switch m.Kind {
		case Insert:
			rep.Inserted++
		case Overwrite:
			rep.Overwritten++
		case MarkInactive:
			rep.Deactivated++
		case MarkActive:
			rep.Reactivated++
		case Clear:
			rep.Cleared++
		}
	}
	if rep.Changed() == 0 {
		return rep, nil
	}

	bak, err := w.Save(f, path, sheetCheck(sheets))
	if err != nil {
		return rep, err
	}
	rep.Backup = bak
	w.log.Debugw("workbook saved", "file", path, "inserted", rep.Inserted, "overwritten", rep.Overwritten, "deactivated", rep.Deactivated, "reactivated", rep.Reactivated)
	return rep, nil
}

func (w *Writer) set(f *excelize.File, st *sheetState, col, rowIdx int, v string) error {
	ref := workbook.CellName(col, rowIdx)
	st.expect[ref] = v
	return f.SetCellStr(st.meta.Name, ref, v)
}

func (w *Writer) markRequest(f *excelize.File, st *sheetState, rowIdx int) error {
	col, ok := st.meta.Column(w.opts.RequestColumn)
	if !ok {
		return nil
	}
	return w.set(f, st, col, rowIdx, w.opts.RequestMarker)
}

// pickRow chooses the 0-based row a mutation addresses among the rows holding
// its string_id: the one at the 1-based physical row want, else the first.
func pickRow(rows []int, want int) int {
	for _, r := range rows {
		if r == want-1 {
			return r
		}
	}
	return rows[0]
}

func (w *Writer) apply(f *excelize.File, st *sheetState, m Mutation) (bool, error) {
	id := row.Trim(m.StringID)
	rows, exists := st.index[id]

	if m.Kind == Insert {
		if exists {
			return false, nil
		}
		r := st.next
		st.next++
		if err := w.set(f, st, st.meta.Positions[row.ColStringID], r, id); err != nil {
			return false, err
		}
		if err := w.writeValues(f, st, r, m.Values, true); err != nil {
			return false, err
		}
		if err := w.markRequest(f, st, r); err != nil {
			return false, err
		}
		st.index[id] = []int{r}
		return true, nil
	}

	if !exists {
		return false, nil
	}
	r := pickRow(rows, m.Row)
	switch m.Kind {
	case Overwrite:
		if err := w.writeValues(f, st, r, m.Values, false); err != nil {
			return false, err
		}
		if w.opts.ClearTranslations {
			for _, l := range st.meta.Languages() {
				if l == row.KR {
					continue
				}
				if _, written := m.Values[l]; written {
					continue
				}
				if err := w.set(f, st, st.meta.Positions[l], r, ""); err != nil {
					return false, err
				}
			}
		}
		return true, w.markRequest(f, st, r)
	case MarkInactive, MarkActive:
		ref := workbook.CellName(0, r)
		cur, err := f.GetCellValue(st.meta.Name, ref)
		if err != nil {
			return false, err
		}
		trimmed := row.Trim(cur)
		var next string
		if m.Kind == MarkInactive {
			if strings.HasPrefix(trimmed, row.InactivePrefix) {
				return false, nil
			}
			next = row.InactivePrefix + cur
		} else {
			if !strings.HasPrefix(trimmed, row.InactivePrefix) {
				return false, nil
			}
			next = strings.TrimPrefix(trimmed, row.InactivePrefix)
		}
		return true, w.set(f, st, 0, r, next)
	case Clear:
		for _, l := range row.ParseLanguages(m.Languages) {
			col, ok := st.meta.Positions[l]
			if !ok {
				continue
			}
			if err := w.set(f, st, col, r, ""); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	return false, fmt.Errorf("unknown mutation %q", m.Kind)
}

// writeValues writes language values into existing columns; KR is always
// written on insert.
func (w *Writer) writeValues(f *excelize.File, st *sheetState, r int, vals map[string]string, insert bool) error {
	langs := make([]string, 0, len(vals))
	for l := range vals {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	for _, l := range langs {
		col, ok := st.meta.Positions[l]
		if !ok {
			continue
		}
		if err := w.set(f, st, col, r, row.Trim(vals[l])); err != nil {
			return err
		}
	}
	if insert {
		if _, ok := vals[row.KR]; !ok {
			if col, ok := st.meta.Positions[row.KR]; ok {
				return w.set(f, st, col, r, "")
			}
		}
	}
	return nil
}

// sheetCheck verifies sheet presence, header integrity and every written cell.
func sheetCheck(sheets map[string]*sheetState) Check {
	return func(f *excelize.File) error {
		names := make([]string, 0, len(sheets))
		for n := range sheets {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, name := range names {
			st := sheets[name]
			if idx, _ := f.GetSheetIndex(name); idx < 0 {
				return fmt.Errorf("sheet %q missing after save", name)
			}
			rows, err := f.GetRows(name)
			if err != nil {
				return fmt.Errorf("sheet %q unreadable after save: %w", name, err)
			}
			meta, ok := workbook.Inspect(name, rows, st.meta.HeaderRow)
			if !ok || meta.HeaderRow != st.meta.HeaderRow || meta.Positions[row.ColStringID] != st.meta.Positions[row.ColStringID] {
				return fmt.Errorf("sheet %q header changed after save", name)
			}
			for ref, want := range st.expect {
				got, err := f.GetCellValue(name, ref)
				if err != nil {
					return fmt.Errorf("sheet %q cell %s: %w", name, ref, err)
				}
				if got != want {
					return fmt.Errorf("sheet %q cell %s = %q, want %q", name, ref, got, want)
				}
			}
		}
		return nil
	}
}

// Resolver maps a workbook file name from a diff to a path on disk.
type Resolver func(fileName string) (string, bool)

// Apply writes every workbook of a plan. A failing workbook is reported and
// left untouched; the others still run. When Stop reports true the remaining
// workbooks are skipped and ErrCancelled is among the returned errors.
func (w *Writer) Apply(plan map[string][]Mutation, resolve Resolver) ([]*FileReport, []error) {
	files := make([]string, 0, len(plan))
	for f := range plan {
		files = append(files, f)
	}
	sort.Strings(files)
	var reports []*FileReport
	var errs []error
	for i, name := range files {
		if w.opts.Stop != nil && w.opts.Stop() {
			errs = append(errs, report.ErrCancelled)
			break
		}
		rep, err := w.applyNamed(name, plan[name], resolve)
		if err != nil {
			errs = append(errs, err)
		} else {
			reports = append(reports, rep)
		}
		if w.opts.Progress != nil {
			w.opts.Progress(name, i+1, len(files))
		}
	}
	return reports, errs
}

func (w *Writer) applyNamed(name string, muts []Mutation, resolve Resolver) (*FileReport, error) {
	path, ok := resolve(name)
	if !ok {
		return nil, report.Errorf(report.KindFileOpen, name, "workbook not found in the selected set")
	}
	rep, err := w.ApplyWorkbook(path, muts)
	if err != nil {
		w.log.Warnw("apply failed", "file", path, "kind", report.KindOf(err), "err", err)
		return nil, err
	}
	return rep, nil
}
