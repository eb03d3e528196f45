// Package xlsxtest builds and inspects workbook fixtures for tests.
package xlsxtest

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type Sheet struct {
	Name string
	Rows [][]string
}

// Write creates a workbook at path holding the given sheets in order.
func Write(t testing.TB, path string, sheets ...Sheet) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, s := range sheets {
		if i == 0 {
			require.NoError(t, f.SetSheetName("Sheet1", s.Name))
		} else {
			_, err := f.NewSheet(s.Name)
			require.NoError(t, err)
		}
		for r, cells := range s.Rows {
			for c, v := range cells {
				if v == "" {
					continue
				}
				ref, err := excelize.CoordinatesToCellName(c+1, r+1)
				require.NoError(t, err)
				require.NoError(t, f.SetCellStr(s.Name, ref, v))
			}
		}
	}
	require.NoError(t, f.SaveAs(path))
}

// Rows reads a sheet back.
func Rows(t testing.TB, path, sheet string) [][]string {
	t.Helper()
	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(sheet)
	require.NoError(t, err)
	return rows
}

// Cell reads one cell back.
func Cell(t testing.TB, path, sheet, ref string) string {
	t.Helper()
	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	v, err := f.GetCellValue(sheet, ref)
	require.NoError(t, err)
	return v
}

// Sheets lists the sheet names of a workbook.
func Sheets(t testing.TB, path string) []string {
	t.Helper()
	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	return f.GetSheetList()
}
