package snapshot

import (
	"encoding/json"
	"time"

	"locsync/row"
)

// TimeLayout is the textual form of update_time.
const TimeLayout = "2006-01-02 15:04:05"

type Record struct {
	ID         uint   `gorm:"primaryKey"`
	StringID   string `gorm:"column:string_id;index:idx_string_id"`
	FileName   string `gorm:"column:file_name;index:idx_file_sheet,priority:1"`
	SheetName  string `gorm:"column:sheet_name;index:idx_file_sheet,priority:2"`
	RowIndex   int    `gorm:"column:row_index"`
	KR         string `gorm:"column:kr"`
	EN         string `gorm:"column:en"`
	CN         string `gorm:"column:cn"`
	TW         string `gorm:"column:tw"`
	TH         string `gorm:"column:th"`
	PT         string `gorm:"column:pt"`
	ES         string `gorm:"column:es"`
	DE         string `gorm:"column:de"`
	FR         string `gorm:"column:fr"`
	JP         string `gorm:"column:jp"`
	Status     string `gorm:"column:status;index;size:16"` // active, inactive
	UpdateTime string `gorm:"column:update_time;size:19"`
	// Extra holds the auxiliary columns (including "#" columns) as JSON.
	Extra string `gorm:"column:extra;type:text"`
}

func (Record) TableName() string { return "translation_data" }

func (r *Record) lang(l string) *string {
	switch l {
	case row.KR:
		return &r.KR
	case row.EN:
		return &r.EN
	case row.CN:
		return &r.CN
	case row.TW:
		return &r.TW
	case row.TH:
		return &r.TH
	case row.PT:
		return &r.PT
	case row.ES:
		return &r.ES
	case row.DE:
		return &r.DE
	case row.FR:
		return &r.FR
	case row.JP:
		return &r.JP
	}
	return nil
}

// Lang returns a stored language value.
func (r *Record) Lang(l string) string {
	if p := r.lang(l); p != nil {
		return *p
	}
	return ""
}

func (r *Record) setLang(l, v string) {
	if p := r.lang(l); p != nil {
		*p = row.Trim(v)
	}
}

func (r *Record) active() bool { return r.Status == string(row.StatusActive) }

func newRecord(rw *row.Row, status row.Status, stamp string) Record {
	rec := Record{Status: string(status), UpdateTime: stamp}
	rec.assign(rw, row.Languages)
	return rec
}

// assign copies provenance, the given languages and extra columns from rw.
func (r *Record) assign(rw *row.Row, langs []string) {
	r.StringID = row.Trim(rw.StringID)
	r.FileName = rw.FileName
	r.SheetName = rw.SheetName
	r.RowIndex = rw.RowIndex
	for _, l := range langs {
		r.setLang(l, rw.Lang(l))
	}
	r.Extra = encodeExtra(rw.Extra)
}

// Row materializes the record.
func (r *Record) Row() row.Row {
	out := row.Row{
		StringID:  r.StringID,
		Values:    make(map[string]string, len(row.Languages)),
		FileName:  r.FileName,
		SheetName: r.SheetName,
		RowIndex:  r.RowIndex,
		Status:    row.Status(r.Status),
		Extra:     decodeExtra(r.Extra),
	}
	for _, l := range row.Languages {
		out.Values[l] = r.Lang(l)
	}
	if t, err := time.ParseInLocation(TimeLayout, r.UpdateTime, time.Local); err == nil {
		out.UpdateTime = t
	}
	return out
}

func encodeExtra(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	trimmed := make(map[string]string, len(m))
	for k, v := range m {
		trimmed[k] = row.Trim(v)
	}
	b, err := json.Marshal(trimmed)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeExtra(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
