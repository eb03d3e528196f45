package workbook

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locsync/report"
	"locsync/row"
	"locsync/xlsxtest"
)

func TestIsTranslationSheet(t *testing.T) {
	assert.True(t, IsTranslationSheet("String"))
	assert.True(t, IsTranslationSheet("string_ui"))
	assert.True(t, IsTranslationSheet("STRINGS"))
	assert.False(t, IsTranslationSheet("#String"))
	assert.False(t, IsTranslationSheet("Config"))
	assert.False(t, IsTranslationSheet("MyString"))
}

func TestDetectHeaderWithinWindow(t *testing.T) {
	rows := [][]string{
		{"int:pk", "string"},
		{"comment"},
		{" string_id ", "kr"},
	}
	assert.Equal(t, 2, DetectHeader(rows))

	var deep [][]string
	for i := 0; i < HeaderScanRows; i++ {
		deep = append(deep, []string{"x"})
	}
	deep = append(deep, []string{"STRING_ID"})
	assert.Equal(t, -1, DetectHeader(deep))
}

func TestMapColumnsAliasesAndSpecial(t *testing.T) {
	columns, pos := MapColumns([]string{"#", "STRING_ID", "kr", "zh", "EN", "#번역요청", "", "Desc", "KR"})
	assert.Equal(t, "ZH", columns[3])
	assert.Equal(t, 1, pos[row.ColStringID])
	assert.Equal(t, 2, pos[row.KR])
	assert.Equal(t, 3, pos[row.CN])
	assert.Equal(t, 4, pos[row.EN])
	assert.Equal(t, 5, pos["#번역요청"])
	assert.Equal(t, 7, pos["Desc"])
	assert.Equal(t, 0, pos["#"])
}

func TestDetectPrimaryKeys(t *testing.T) {
	rows := [][]string{
		{"", "string:pk", "", "int:PK"},
		{"STATUS", "STRING_ID", "KR", ""},
	}
	assert.Equal(t, []string{"STRING_ID", "D"}, DetectPrimaryKeys(rows, 1))
	assert.Nil(t, DetectPrimaryKeys(rows[1:], 0))
}

func writeFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "StringUI.xlsx")
	xlsxtest.Write(t, path,
		xlsxtest.Sheet{Name: "String", Rows: [][]string{
			{"", "string:pk"},
			{"", "STRING_ID", "KR", "EN", "zh", "#번역요청"},
			{"", " UI_1 ", "안녕 ", "Hi", "你好", ""},
			{"#", "UI_2", "잘가", "Bye"},
			{"", "", "orphan"},
			{"", "UI_1", "중복"},
		}},
		xlsxtest.Sheet{Name: "#String_old", Rows: [][]string{{"STRING_ID"}, {"OLD"}}},
		xlsxtest.Sheet{Name: "Config", Rows: [][]string{{"STRING_ID"}, {"CFG"}}},
		xlsxtest.Sheet{Name: "String_NoHeader", Rows: [][]string{{"foo", "bar"}}},
	)
	return path
}

func TestReadEmitsRows(t *testing.T) {
	path := writeFixture(t)
	res, err := NewReader(nil).Read(path, nil)
	require.NoError(t, err)

	require.Len(t, res.Rows, 3)
	first := res.Rows[0]
	assert.Equal(t, "UI_1", first.StringID)
	assert.Equal(t, "안녕", first.Lang(row.KR))
	assert.Equal(t, "你好", first.Lang(row.CN))
	assert.Equal(t, "", first.Lang(row.TH))
	assert.Equal(t, "StringUI.xlsx", first.FileName)
	assert.Equal(t, "String", first.SheetName)
	assert.Equal(t, 3, first.RowIndex)
	assert.Equal(t, row.StatusActive, first.Status)
	assert.Contains(t, first.Extra, "#번역요청")

	assert.Equal(t, "UI_2", res.Rows[1].StringID)
	assert.Equal(t, row.StatusInactive, res.Rows[1].Status)

	for _, r := range res.Rows {
		assert.NotEmpty(t, r.StringID)
		assert.Equal(t, row.Trim(r.StringID), r.StringID)
	}

	require.Len(t, res.Duplicates, 1)
	assert.Equal(t, "UI_1", res.Duplicates[0].StringID)
	assert.Len(t, res.Duplicates[0].Locations, 2)
	assert.Len(t, res.Unique(), 2)

	require.Len(t, res.SheetErrors, 1)
	assert.Equal(t, report.KindSchema, report.KindOf(res.SheetErrors[0]))

	sm, ok := res.Meta.Sheet("String")
	require.True(t, ok)
	assert.Equal(t, 1, sm.HeaderRow)
	assert.Equal(t, []string{"STRING_ID"}, sm.PK)
	assert.Equal(t, []string{row.KR, row.EN, row.CN}, sm.Languages())
}

func TestReadStripsSentinelFromIDColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "StringA.xlsx")
	xlsxtest.Write(t, path, xlsxtest.Sheet{Name: "String", Rows: [][]string{
		{"STRING_ID", "KR"},
		{"#A", "에이"},
		{"B", "비"},
	}})
	res, err := NewReader(nil).Read(path, nil)
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "A", res.Rows[0].StringID)
	assert.Equal(t, row.StatusInactive, res.Rows[0].Status)
	assert.Equal(t, row.StatusActive, res.Rows[1].Status)
}

func TestReadBoundaries(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "StringEmpty.xlsx")
	xlsxtest.Write(t, empty, xlsxtest.Sheet{Name: "String", Rows: [][]string{{"STRING_ID", "KR"}}})
	res, err := NewReader(nil).Read(empty, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
	assert.Empty(t, res.SheetErrors)

	noLang := filepath.Join(dir, "StringNoLang.xlsx")
	xlsxtest.Write(t, noLang, xlsxtest.Sheet{Name: "String", Rows: [][]string{{"STRING_ID"}, {"X"}}})
	res, err = NewReader(nil).Read(noLang, nil)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	for _, l := range row.Languages {
		assert.Equal(t, "", res.Rows[0].Lang(l))
	}
}

func TestReadMissingFile(t *testing.T) {
	_, err := NewReader(nil).Read(filepath.Join(t.TempDir(), "nope.xlsx"), nil)
	require.Error(t, err)
	assert.Equal(t, report.KindFileOpen, report.KindOf(err))
}

func TestReadTrustsValidHintAndRecoversFromStaleOne(t *testing.T) {
	path := writeFixture(t)
	r := NewReader(nil)

	stale := &Meta{Sheets: []SheetMeta{{Name: "String", HeaderRow: 0}}}
	res, err := r.Read(path, stale)
	require.NoError(t, err)
	sm, _ := res.Meta.Sheet("String")
	assert.Equal(t, 1, sm.HeaderRow)
	assert.Len(t, res.Rows, 3)
}

func TestReadMeta(t *testing.T) {
	path := writeFixture(t)
	meta, err := NewReader(nil).ReadMeta(path)
	require.NoError(t, err)
	require.Len(t, meta.Sheets, 1)
	assert.Equal(t, "String", meta.Sheets[0].Name)
	assert.Equal(t, 4, meta.Sheets[0].Rows)
	assert.False(t, meta.ModTime.IsZero())
}

func TestIndexRowsAndLastDataRow(t *testing.T) {
	rows := [][]string{
		{"STRING_ID", "KR"},
		{"A", "a"},
		{"#B", "b"},
		{},
		{"A", "again"},
		{"", ""},
	}
	meta, ok := Inspect("String", rows, -1)
	require.True(t, ok)
	idx := IndexRows(meta, rows)
	assert.Equal(t, []int{1, 4}, idx["A"])
	assert.Equal(t, []int{2}, idx["B"])
	assert.Equal(t, 4, LastDataRow(rows))
	assert.Equal(t, "C5", CellName(2, 4))
}
