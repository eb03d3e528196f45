package token

import (
	"fmt"
	"os"

	"github.com/xuri/excelize/v2"

	"locsync/report"
	"locsync/row"
	"locsync/workbook"
	"locsync/writer"
)

const stagingSheet = "String"

// Staging is the workbook collecting Korean strings that have no catalog
// entry yet. Appended rows stay in memory until Save.
type Staging struct {
	path  string
	f     *excelize.File
	meta  *workbook.SheetMeta
	byKR  map[string]string
	ids   map[string]struct{}
	next  int
	added map[string]string
}

// OpenStaging opens the staging workbook, creating an empty one in memory
// when path does not exist yet.
func OpenStaging(path string) (*Staging, error) {
	s := &Staging{path: path, byKR: map[string]string{}, ids: map[string]struct{}{}, added: map[string]string{}}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f := excelize.NewFile()
		if err := f.SetSheetName("Sheet1", stagingSheet); err != nil {
			f.Close()
			return nil, err
		}
		header := []any{row.ColStringID, row.KR}
		if err := f.SetSheetRow(stagingSheet, "A1", &header); err != nil {
			f.Close()
			return nil, err
		}
		s.f = f
		s.meta, _ = workbook.Inspect(stagingSheet, [][]string{{row.ColStringID, row.KR}}, 0)
		s.next = 1
		return s, nil
	}
	f, err := workbook.Open(path)
	if err != nil {
		return nil, err
	}
	s.f = f
	for _, name := range f.GetSheetList() {
		if !workbook.IsTranslationSheet(name) {
			continue
		}
		meta, rows, err := workbook.ReadSheetRows(f, name)
		if err != nil || !meta.Has(row.KR) {
			continue
		}
		s.meta = meta
		s.index(rows)
		break
	}
	if s.meta == nil {
		f.Close()
		return nil, report.Errorf(report.KindSchema, path, "staging workbook has no sheet with %s and %s", row.ColStringID, row.KR)
	}
	return s, nil
}

func (s *Staging) index(rows [][]string) {
	idCol, krCol := s.meta.Positions[row.ColStringID], s.meta.Positions[row.KR]
	for i := s.meta.HeaderRow + 1; i < len(rows); i++ {
		cells := rows[i]
		var id, kr string
		if idCol < len(cells) {
			id = row.Trim(cells[idCol])
		}
		if krCol < len(cells) {
			kr = row.KoreanKey(cells[krCol])
		}
		if id == "" {
			continue
		}
		s.ids[id] = struct{}{}
		if _, ok := s.byKR[kr]; kr != "" && !ok {
			s.byKR[kr] = id
		}
	}
	s.next = workbook.LastDataRow(rows) + 1
	if s.next <= s.meta.HeaderRow {
		s.next = s.meta.HeaderRow + 1
	}
}

func (s *Staging) Path() string { return s.path }

// Lookup returns the id of the first staging row whose KR equals kr.
func (s *Staging) Lookup(kr string) (string, bool) {
	id, ok := s.byKR[row.KoreanKey(kr)]
	return id, ok
}

func (s *Staging) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Append adds a (STRING_ID, KR) row.
func (s *Staging) Append(id, kr string) error {
	key := row.KoreanKey(kr)
	r := s.next
	if err := s.f.SetCellStr(s.meta.Name, workbook.CellName(s.meta.Positions[row.ColStringID], r), id); err != nil {
		return err
	}
	if err := s.f.SetCellStr(s.meta.Name, workbook.CellName(s.meta.Positions[row.KR], r), key); err != nil {
		return err
	}
	s.next++
	s.ids[id] = struct{}{}
	s.byKR[key] = id
	s.added[id] = key
	return nil
}

// Pending counts rows appended since the last save.
func (s *Staging) Pending() int { return len(s.added) }

// Save writes appended rows through w, checking that every appended id reads
// back from the saved file.
func (s *Staging) Save(w *writer.Writer) (string, error) {
	if len(s.added) == 0 {
		return "", nil
	}
	meta := s.meta
	added := s.added
	bak, err := w.Save(s.f, s.path, func(saved *excelize.File) error {
		rows, err := saved.GetRows(meta.Name)
		if err != nil {
			return err
		}
		got, ok := workbook.Inspect(meta.Name, rows, meta.HeaderRow)
		if !ok || got.HeaderRow != meta.HeaderRow {
			return fmt.Errorf("staging header changed after save")
		}
		index := workbook.IndexRows(got, rows)
		for id := range added {
			if _, ok := index[id]; !ok {
				return fmt.Errorf("appended id %s missing after save", id)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.added = map[string]string{}
	return bak, nil
}

func (s *Staging) Close() error {
	if s == nil || s.f == nil {
		return nil
	}
	return s.f.Close()
}
