package workbook

import (
	"strings"

	"github.com/xuri/excelize/v2"

	"locsync/row"
)

// HeaderScanRows bounds the window searched for the STRING_ID header.
const HeaderScanRows = 10

const pkMarker = ":pk"

// SheetMeta describes the layout of one translation sheet.
type SheetMeta struct {
	Name string
	// HeaderRow is the 0-based index of the header row.
	HeaderRow int
	// Columns holds the normalized header cells in physical order.
	Columns []string
	// Positions maps STRING_ID, language codes and auxiliary headers to
	// 0-based column indices.
	Positions map[string]int
	// PK is the declared primary key, in column order.
	PK []string
	// Rows counts the physical rows below the header.
	Rows int
}

// Has reports whether a logical column exists in the sheet.
func (m *SheetMeta) Has(name string) bool {
	_, ok := m.Positions[name]
	return ok
}

// Languages returns the language columns present, in canonical order.
func (m *SheetMeta) Languages() []string {
	var out []string
	for _, l := range row.Languages {
		if m.Has(l) {
			out = append(out, l)
		}
	}
	return out
}

// Column resolves a header name the way the row model does, for special
// columns whose written form may differ in case.
func (m *SheetMeta) Column(name string) (int, bool) {
	if i, ok := m.Positions[name]; ok {
		return i, true
	}
	n := row.NormalizeHeader(name)
	for k, i := range m.Positions {
		if row.NormalizeHeader(k) == n {
			return i, true
		}
	}
	return 0, false
}

// IsTranslationSheet reports whether a sheet holds translation rows: its name
// starts with "string" (any case) and not with "#".
func IsTranslationSheet(name string) bool {
	n := strings.ToLower(name)
	return strings.HasPrefix(n, "string") && !strings.HasPrefix(n, "#")
}

// DetectHeader returns the first row among the first HeaderScanRows containing
// a STRING_ID cell, or -1.
func DetectHeader(rows [][]string) int {
	for i := 0; i < len(rows) && i < HeaderScanRows; i++ {
		if headerContainsID(rows[i]) {
			return i
		}
	}
	return -1
}

func headerContainsID(cells []string) bool {
	for _, c := range cells {
		if row.NormalizeHeader(c) == row.ColStringID {
			return true
		}
	}
	return false
}

// MapColumns builds the logical column map for a header row. The first
// occurrence of each logical name wins.
func MapColumns(header []string) (columns []string, positions map[string]int) {
	positions = make(map[string]int, len(header))
	columns = make([]string, len(header))
	for i, cell := range header {
		n := row.NormalizeHeader(cell)
		columns[i] = n
		if n == "" {
			continue
		}
		key := n
		if n == row.ColStringID {
			key = row.ColStringID
		} else if l, ok := row.CanonicalLanguage(n); ok {
			key = l
		} else {
			// auxiliary columns keep their written form
			key = row.Trim(cell)
		}
		if _, seen := positions[key]; !seen {
			positions[key] = i
		}
	}
	return columns, positions
}

// DetectPrimaryKeys lists the columns marked ":pk" in any row above the header.
func DetectPrimaryKeys(rows [][]string, header int) []string {
	if header <= 0 || header >= len(rows) {
		return nil
	}
	width := 0
	for i := 0; i < header; i++ {
		if len(rows[i]) > width {
			width = len(rows[i])
		}
	}
	var pk []string
	for col := 0; col < width; col++ {
		marked := false
		for i := 0; i < header; i++ {
			if strings.Contains(strings.ToLower(cell(rows[i], col)), pkMarker) {
				marked = true
				break
			}
		}
		if !marked {
			continue
		}
		name := row.NormalizeHeader(cell(rows[header], col))
		if name == "" {
			name, _ = excelize.ColumnNumberToName(col + 1)
		}
		pk = append(pk, name)
	}
	return pk
}

// Inspect builds the sheet metadata from already-loaded rows. headerHint, when
// non-negative, is trusted as long as it still holds STRING_ID.
func Inspect(name string, rows [][]string, headerHint int) (*SheetMeta, bool) {
	header := -1
	if headerHint >= 0 && headerHint < len(rows) && headerContainsID(rows[headerHint]) {
		header = headerHint
	} else {
		header = DetectHeader(rows)
	}
	if header < 0 {
		return nil, false
	}
	columns, positions := MapColumns(rows[header])
	return &SheetMeta{
		Name:      name,
		HeaderRow: header,
		Columns:   columns,
		Positions: positions,
		PK:        DetectPrimaryKeys(rows, header),
		Rows:      len(rows) - header - 1,
	}, true
}

// IndexRows maps string_id to the 0-based physical rows holding it.
func IndexRows(meta *SheetMeta, rows [][]string) map[string][]int {
	idCol := meta.Positions[row.ColStringID]
	out := make(map[string][]int)
	for i := meta.HeaderRow + 1; i < len(rows); i++ {
		id := rowID(rows[i], idCol)
		if id == "" {
			continue
		}
		out[id] = append(out[id], i)
	}
	return out
}

// LastDataRow returns the 0-based index of the last row with any non-blank cell.
func LastDataRow(rows [][]string) int {
	for i := len(rows) - 1; i >= 0; i-- {
		for _, c := range rows[i] {
			if row.Trim(c) != "" {
				return i
			}
		}
	}
	return -1
}

func rowID(cells []string, idCol int) string {
	id := row.Trim(cell(cells, idCol))
	if idCol == 0 && strings.HasPrefix(id, row.InactivePrefix) {
		id = row.Trim(strings.TrimPrefix(id, row.InactivePrefix))
	}
	return id
}

func cell(cells []string, i int) string {
	if i < 0 || i >= len(cells) {
		return ""
	}
	return cells[i]
}

// CellName converts 0-based coordinates into an A1 reference.
func CellName(col, rowIdx int) string {
	name, _ := excelize.CoordinatesToCellName(col+1, rowIdx+1)
	return name
}
