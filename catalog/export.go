package catalog

import (
	"context"
	"fmt"
	"io"

	"github.com/samber/lo"
	"github.com/xuri/excelize/v2"

	"locsync/report"
	"locsync/row"
	"locsync/workbook"
	"locsync/writer"
)

// ExportSheet is the sheet written by ExportWorkbook.
const ExportSheet = "String"

// ExportWorkbook writes every entry to a new single-sheet workbook at path,
// replacing any file already there.
func (c *Catalog) ExportWorkbook(ctx context.Context, path string) (int, error) {
	entries, err := c.Entries(ctx)
	if err != nil {
		return 0, err
	}
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", ExportSheet); err != nil {
		return 0, err
	}
	header := lo.Map(columns(), func(s string, _ int) any { return s })
	if err := f.SetSheetRow(ExportSheet, "A1", &header); err != nil {
		return 0, err
	}
	for i, e := range entries {
		vals := []any{e.StringID}
		for _, l := range row.Languages {
			vals = append(vals, e.Lang(l))
		}
		vals = append(vals, e.UpdateTime)
		if err := f.SetSheetRow(ExportSheet, workbook.CellName(0, i+1), &vals); err != nil {
			return 0, err
		}
	}
	err = writer.SaveAtomic(path, func(w io.Writer) error {
		_, err := f.WriteTo(w)
		return err
	})
	if err != nil {
		return 0, report.Wrap(report.KindFileOpen, path, err)
	}
	c.log.Infow("catalog exported", "file", path, "entries", len(entries))
	return len(entries), nil
}

// SyncStats counts what SyncWorkbook changed.
type SyncStats struct {
	Updated  int
	Appended int
	Backup   string
}

// SyncWorkbook brings the first translation sheet of an existing workbook in
// line with the catalog: rows are matched on STRING_ID and updated in place,
// missing entries are appended. A non-empty cell is never emptied.
func (c *Catalog) SyncWorkbook(ctx context.Context, path string, w *writer.Writer) (*SyncStats, error) {
	st := &SyncStats{}
	entries, err := c.Entries(ctx)
	if err != nil {
		return st, err
	}
	f, err := workbook.Open(path)
	if err != nil {
		return st, err
	}
	defer f.Close()

	var (
		meta  *workbook.SheetMeta
		cells [][]string
	)
	for _, name := range f.GetSheetList() {
		if !workbook.IsTranslationSheet(name) {
			continue
		}
		if m, rows, err := workbook.ReadSheetRows(f, name); err == nil {
			meta, cells = m, rows
			break
		}
	}
	if meta == nil {
		return st, report.Errorf(report.KindSchema, path, "no translation sheet with a %s header", row.ColStringID)
	}

	index := workbook.IndexRows(meta, cells)
	next := workbook.LastDataRow(cells) + 1
	if next <= meta.HeaderRow {
		next = meta.HeaderRow + 1
	}
	langs := meta.Languages()
	stampCol, hasStamp := meta.Column(colUpdateTime)
	written := map[string]string{}
	set := func(col, r int, v string) error {
		ref := workbook.CellName(col, r)
		written[ref] = v
		return f.SetCellStr(meta.Name, ref, v)
	}
	current := func(col, r int) string {
		if r < len(cells) && col < len(cells[r]) {
			return row.Trim(cells[r][col])
		}
		return ""
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return st, report.ErrCancelled
		}
		if rs, ok := index[e.StringID]; ok {
			r := rs[0]
			changed := false
			for _, l := range langs {
				v := e.Lang(l)
				if v == "" || v == current(meta.Positions[l], r) {
					continue
				}
				if err := set(meta.Positions[l], r, v); err != nil {
					return st, err
				}
				changed = true
			}
			if changed {
				if hasStamp {
					if err := set(stampCol, r, e.UpdateTime); err != nil {
						return st, err
					}
				}
				st.Updated++
			}
			continue
		}
		r := next
		next++
		if err := set(meta.Positions[row.ColStringID], r, e.StringID); err != nil {
			return st, err
		}
		for _, l := range langs {
			if err := set(meta.Positions[l], r, e.Lang(l)); err != nil {
				return st, err
			}
		}
		if hasStamp {
			if err := set(stampCol, r, e.UpdateTime); err != nil {
				return st, err
			}
		}
		st.Appended++
	}
	if st.Updated+st.Appended == 0 {
		return st, nil
	}

	bak, err := w.Save(f, path, func(saved *excelize.File) error {
		for ref, want := range written {
			got, err := saved.GetCellValue(meta.Name, ref)
			if err != nil {
				return err
			}
			if got != want {
				return fmt.Errorf("cell %s = %q, want %q", ref, got, want)
			}
		}
		return nil
	})
	st.Backup = bak
	if err != nil {
		return st, err
	}
	c.log.Infow("catalog synced", "file", path, "updated", st.Updated, "appended", st.Appended)
	return st, nil
}
