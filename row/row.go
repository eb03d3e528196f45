package row

import (
	"strings"
	"time"
)

// Status of a translation row. A row is inactive iff the first physical cell of
// its source row begins with InactivePrefix.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

const (
	InactivePrefix = "#"
	// SpecialPrefix marks user-defined data columns such as "#번역요청".
	// They are data, carried in Row.Extra with the other auxiliary columns.
	SpecialPrefix = "#"

	ColStringID  = "STRING_ID"
	ColFileName  = "FILE_NAME"
	ColSheetName = "SHEET_NAME"
	ColStatus    = "STATUS"
)

// Language codes in physical column order.
const (
	KR = "KR"
	EN = "EN"
	CN = "CN"
	TW = "TW"
	TH = "TH"
	PT = "PT"
	ES = "ES"
	DE = "DE"
	FR = "FR"
	JP = "JP"
)

// Languages is the fixed set of logical language columns.
var Languages = []string{KR, EN, CN, TW, TH, PT, ES, DE, FR, JP}

var aliases = map[string]string{
	"KO": KR, "KOR": KR, "KO-KR": KR,
	"ZH": CN, "ZH-CN": CN, "ZH_CN": CN, "ZHCN": CN, "CHS": CN, "SC": CN,
	"ZH-TW": TW, "ZH_TW": TW, "ZHTW": TW, "CHT": TW, "TC": TW,
	"JA": JP, "JPN": JP, "JA-JP": JP,
	"ENG": EN, "EN-US": EN,
	"THA": TH,
	"PT-BR": PT, "PTBR": PT,
	"ES-ES": ES, "SPA": ES,
	"GER": DE, "DE-DE": DE,
	"FR-FR": FR, "FRA": FR,
}

// CanonicalLanguage maps a normalized header onto a logical language code.
func CanonicalLanguage(header string) (string, bool) {
	h := NormalizeHeader(header)
	if a, ok := aliases[h]; ok {
		h = a
	}
	for _, l := range Languages {
		if l == h {
			return l, true
		}
	}
	return "", false
}

// ParseLanguages resolves a user-supplied language list, dropping unknowns and
// duplicates while keeping order.
func ParseLanguages(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			l, ok := CanonicalLanguage(part)
			if !ok {
				continue
			}
			if _, dup := seen[l]; dup {
				continue
			}
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	return out
}

// Row is the canonical shape of one translation row.
type Row struct {
	StringID   string            `json:"string_id"`
	Values     map[string]string `json:"values,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
	FileName   string            `json:"file_name"`
	SheetName  string            `json:"sheet_name"`
	RowIndex   int               `json:"row_index,omitempty"`
	Status     Status            `json:"status"`
	UpdateTime time.Time         `json:"update_time,omitempty"`
}

// New returns an active row with the given id and language values.
func New(id string, values map[string]string) Row {
	r := Row{StringID: Trim(id), Status: StatusActive, Values: map[string]string{}}
	for k, v := range values {
		r.Set(k, v)
	}
	return r
}

// Lang returns the trimmed value of a language column; absent means empty.
func (r *Row) Lang(lang string) string {
	if r.Values == nil {
		return ""
	}
	return Trim(r.Values[lang])
}

// Set stores a language value.
func (r *Row) Set(lang, v string) {
	if r.Values == nil {
		r.Values = make(map[string]string, len(Languages))
	}
	r.Values[lang] = Trim(v)
}

func (r *Row) Active() bool { return r.Status != StatusInactive }

// Field resolves a named field for rule evaluation. Language fields always
// exist; auxiliary columns exist only when the source sheet had them.
func (r *Row) Field(name string) (string, bool) {
	n := NormalizeHeader(name)
	switch n {
	case ColStringID, "ID":
		return r.StringID, true
	case ColFileName:
		return r.FileName, true
	case ColSheetName:
		return r.SheetName, true
	case ColStatus:
		return string(r.Status), true
	}
	if l, ok := CanonicalLanguage(n); ok {
		return r.Lang(l), true
	}
	for k, v := range r.Extra {
		if NormalizeHeader(k) == n {
			return Trim(v), true
		}
	}
	return "", false
}

// Canonicalize returns a copy with every text field trimmed.
func Canonicalize(r Row) Row {
	out := r
	out.StringID = Trim(r.StringID)
	out.FileName = Trim(r.FileName)
	out.SheetName = Trim(r.SheetName)
	out.Values = make(map[string]string, len(Languages))
	for _, l := range Languages {
		out.Values[l] = r.Lang(l)
	}
	if len(r.Extra) > 0 {
		out.Extra = make(map[string]string, len(r.Extra))
		for k, v := range r.Extra {
			out.Extra[k] = Trim(v)
		}
	}
	if out.Status == "" {
		out.Status = StatusActive
	}
	return out
}

// Delta is a before/after pair for one field.
type Delta struct {
	Master string `json:"master"`
	Target string `json:"target"`
}

// Equal reports whether a and b agree on every language in langs after trimming.
func Equal(a, b *Row, langs []string) bool {
	for _, l := range langs {
		if a.Lang(l) != b.Lang(l) {
			return false
		}
	}
	return true
}

// Deltas returns the per-language differences between master and target.
func Deltas(master, target *Row, langs []string) map[string]Delta {
	var out map[string]Delta
	for _, l := range langs {
		m, t := master.Lang(l), target.Lang(l)
		if m == t {
			continue
		}
		if out == nil {
			out = make(map[string]Delta)
		}
		out[l] = Delta{Master: m, Target: t}
	}
	return out
}

// Without returns langs minus the excluded codes.
func Without(langs []string, exclude ...string) []string {
	out := make([]string, 0, len(langs))
outer:
	for _, l := range langs {
		for _, e := range exclude {
			if l == e {
				continue outer
			}
		}
		out = append(out, l)
	}
	return out
}
