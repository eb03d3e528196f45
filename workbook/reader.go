package workbook

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"locsync/report"
	"locsync/row"
)

// Meta is the metadata pass over a workbook: no rows are extracted.
type Meta struct {
	Path    string
	ModTime time.Time
	Sheets  []SheetMeta
}

// Sheet returns the metadata of a named sheet.
func (m *Meta) Sheet(name string) (*SheetMeta, bool) {
	if m == nil {
		return nil, false
	}
	for i := range m.Sheets {
		if m.Sheets[i].Name == name {
			return &m.Sheets[i], true
		}
	}
	return nil, false
}

// Result holds everything extracted from one workbook.
type Result struct {
	Meta *Meta
	// Rows are all emitted rows in physical order, duplicates included.
	Rows []row.Row
	// Duplicates lists string_ids emitted more than once within the workbook.
	Duplicates []report.Duplicate
	// SheetErrors are per-sheet failures; the sheets were skipped.
	SheetErrors []error
}

// Unique returns the first row for every string_id.
func (r *Result) Unique() []row.Row {
	seen := make(map[string]struct{}, len(r.Rows))
	out := make([]row.Row, 0, len(r.Rows))
	for _, rw := range r.Rows {
		if _, ok := seen[rw.StringID]; ok {
			continue
		}
		seen[rw.StringID] = struct{}{}
		out = append(out, rw)
	}
	return out
}

type Reader struct {
	log *zap.SugaredLogger
}

func NewReader(log *zap.SugaredLogger) *Reader {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Reader{log: log}
}

// Open opens a workbook, classifying failures as FileOpenError.
func Open(path string) (*excelize.File, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, report.Wrap(report.KindFileOpen, path, err)
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, report.Wrap(report.KindFileOpen, path, err)
	}
	return f, nil
}

// ReadMeta runs the metadata pass only.
func (r *Reader) ReadMeta(path string) (*Meta, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, report.Wrap(report.KindFileOpen, path, err)
	}
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	meta := &Meta{Path: path, ModTime: info.ModTime()}
	for _, name := range f.GetSheetList() {
		if !IsTranslationSheet(name) {
			continue
		}
		rows, err := f.GetRows(name)
		if err != nil {
			r.log.Warnw("skip unreadable sheet", "file", path, "sheet", name, "err", err)
			continue
		}
		sm, ok := Inspect(name, rows, -1)
		if !ok {
			r.log.Debugw("sheet without STRING_ID header", "file", path, "sheet", name)
			continue
		}
		meta.Sheets = append(meta.Sheets, *sm)
	}
	return meta, nil
}

// Read extracts rows from every translation sheet. hint, usually from the
// cache, supplies header rows that are trusted until they stop matching.
func (r *Reader) Read(path string, hint *Meta) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, report.Wrap(report.KindFileOpen, path, err)
	}
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	res := &Result{Meta: &Meta{Path: path, ModTime: info.ModTime()}}
	fileName := filepath.Base(path)
	locations := make(map[string][]report.Location)
	var order []string

	for _, name := range f.GetSheetList() {
		if !IsTranslationSheet(name) {
			continue
		}
		rows, err := f.GetRows(name)
		if err != nil {
			serr := report.Errorf(report.KindSchema, path, "sheet %q: %v", name, err)
			r.log.Warnw("skip malformed sheet", "file", path, "sheet", name, "err", err)
			res.SheetErrors = append(res.SheetErrors, serr)
			continue
		}
		hintRow := -1
		if sm, ok := hint.Sheet(name); ok {
			hintRow = sm.HeaderRow
		}
		meta, ok := Inspect(name, rows, hintRow)
		if !ok {
			serr := report.Errorf(report.KindSchema, path, "sheet %q: no %s header in the first %d rows", name, row.ColStringID, HeaderScanRows)
			r.log.Warnw("skip sheet without header", "file", path, "sheet", name)
			res.SheetErrors = append(res.SheetErrors, serr)
			continue
		}
		res.Meta.Sheets = append(res.Meta.Sheets, *meta)

		for _, rw := range emitRows(fileName, meta, rows) {
			if _, ok := locations[rw.StringID]; !ok {
				order = append(order, rw.StringID)
			}
			locations[rw.StringID] = append(locations[rw.StringID], report.Location{File: fileName, Sheet: name, Row: rw.RowIndex})
			res.Rows = append(res.Rows, rw)
		}
	}

	for _, id := range order {
		if locs := locations[id]; len(locs) > 1 {
			res.Duplicates = append(res.Duplicates, report.Duplicate{StringID: id, Locations: locs})
		}
	}
	r.log.Debugw("read workbook", "file", path, "sheets", len(res.Meta.Sheets), "rows", len(res.Rows), "duplicates", len(res.Duplicates))
	return res, nil
}

func emitRows(fileName string, meta *SheetMeta, rows [][]string) []row.Row {
	idCol := meta.Positions[row.ColStringID]
	langs := meta.Languages()
	var out []row.Row
	for i := meta.HeaderRow + 1; i < len(rows); i++ {
		cells := rows[i]
		id := rowID(cells, idCol)
		if id == "" {
			continue
		}
		rw := row.Row{
			StringID:  id,
			Values:    make(map[string]string, len(row.Languages)),
			FileName:  fileName,
			SheetName: meta.Name,
			RowIndex:  i + 1,
			Status:    row.StatusActive,
		}
		if row.IsInactiveMarker(cell(cells, 0)) {
			rw.Status = row.StatusInactive
		}
		for _, l := range row.Languages {
			rw.Values[l] = ""
		}
		for _, l := range langs {
			rw.Values[l] = row.Trim(cell(cells, meta.Positions[l]))
		}
		for name, col := range meta.Positions {
			if name == row.ColStringID || isLanguage(name) {
				continue
			}
			if rw.Extra == nil {
				rw.Extra = make(map[string]string)
			}
			rw.Extra[name] = row.Trim(cell(cells, col))
		}
		out = append(out, rw)
	}
	return out
}

func isLanguage(name string) bool {
	for _, l := range row.Languages {
		if l == name {
			return true
		}
	}
	return false
}

// ReadSheetRows loads the rows and metadata of one translation sheet from an
// open workbook.
func ReadSheetRows(f *excelize.File, sheet string) (*SheetMeta, [][]string, error) {
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	meta, ok := Inspect(sheet, rows, -1)
	if !ok {
		return nil, nil, report.Errorf(report.KindSchema, "", "sheet %q has no %s header", sheet, row.ColStringID)
	}
	return meta, rows, nil
}
