// Package diff aligns two row collections under a key strategy and classifies
// every key as new, deleted, modified or unchanged.
package diff

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/samber/lo"

	"locsync/row"
	"locsync/rules"
)

type Kind string

const (
	New       Kind = "new"
	Deleted   Kind = "deleted"
	Modified  Kind = "modified"
	Unchanged Kind = "unchanged"
)

var Kinds = []Kind{New, Deleted, Modified, Unchanged}

// ParseKinds resolves kind names; empty input selects every kind.
func ParseKinds(names []string) ([]Kind, error) {
	var out []Kind
	for _, n := range names {
		for _, part := range strings.Split(n, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			k := Kind(part)
			if !lo.Contains(Kinds, k) {
				return nil, fmt.Errorf("unknown change kind %q", part)
			}
			if !lo.Contains(out, k) {
				out = append(out, k)
			}
		}
	}
	if len(out) == 0 {
		return Kinds, nil
	}
	return out, nil
}

type Strategy string

const (
	FileID  Strategy = "file_id"
	SheetID Strategy = "sheet_id"
	IDOnly  Strategy = "id_only"
	IDKR    Strategy = "id_kr"
	KROnly  Strategy = "kr_only"
	IDLang  Strategy = "id_lang"
)

var Strategies = []Strategy{FileID, SheetID, IDOnly, IDKR, KROnly, IDLang}

func ParseStrategy(s string) (Strategy, error) {
	if s == "" {
		return IDOnly, nil
	}
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	if !lo.Contains(Strategies, st) {
		return "", fmt.Errorf("unknown key strategy %q", s)
	}
	return st, nil
}

type Options struct {
	Strategy Strategy `json:"strategy"`
	// Languages compared for modified/unchanged; empty means all.
	Languages []string `json:"languages,omitempty"`
	// Kinds kept in the result; empty means all.
	Kinds []Kind `json:"kinds,omitempty"`
	// KeyLanguage is the non-KR language used by id_lang.
	KeyLanguage string `json:"key_language,omitempty"`
}

// Change is one classified key alignment.
type Change struct {
	Kind   Kind                 `json:"kind"`
	Key    []string             `json:"key"`
	Master *row.Row             `json:"master,omitempty"`
	Target *row.Row             `json:"target,omitempty"`
	Deltas map[string]row.Delta `json:"deltas,omitempty"`
}

// Row returns the row a change describes: the target row, or the master row
// for deletions.
func (c *Change) Row() *row.Row {
	if c.Kind == Deleted || c.Target == nil {
		return c.Master
	}
	return c.Target
}

type Result struct {
	Options  Options      `json:"options"`
	Changes  []Change     `json:"changes"`
	Counts   map[Kind]int `json:"counts"`
	Excluded int          `json:"excluded"`
}

// ByKind returns the changes of one kind in result order.
func (r *Result) ByKind(k Kind) []Change {
	return lo.Filter(r.Changes, func(c Change, _ int) bool { return c.Kind == k })
}

func (r *Result) recount() {
	r.Counts = make(map[Kind]int, len(Kinds))
	for _, k := range Kinds {
		r.Counts[k] = 0
	}
	for k, n := range lo.CountValuesBy(r.Changes, func(c Change) Kind { return c.Kind }) {
		r.Counts[k] = n
	}
}

func (o Options) normalized() (Options, error) {
	st, err := ParseStrategy(string(o.Strategy))
	if err != nil {
		return o, err
	}
	o.Strategy = st
	o.Languages = row.ParseLanguages(o.Languages)
	if len(o.Languages) == 0 {
		o.Languages = row.Languages
	}
	if len(o.Kinds) == 0 {
		o.Kinds = Kinds
	}
	if st == IDLang {
		l, ok := row.CanonicalLanguage(o.KeyLanguage)
		if !ok || l == row.KR {
			return o, fmt.Errorf("id_lang needs a single non-KR key language, got %q", o.KeyLanguage)
		}
		o.KeyLanguage = l
	}
	return o, nil
}

func (o Options) key(r *row.Row) []string {
	id := row.Trim(r.StringID)
	switch o.Strategy {
	case FileID:
		return []string{row.Trim(r.FileName), id}
	case SheetID:
		return []string{row.Trim(r.SheetName), id}
	case IDKR:
		return []string{id, row.KoreanKey(r.Lang(row.KR))}
	case KROnly:
		return []string{row.KoreanKey(r.Lang(row.KR))}
	case IDLang:
		return []string{id, r.Lang(o.KeyLanguage)}
	default:
		return []string{id}
	}
}

const keySep = "\x1f"

type bucket struct {
	order []string
	parts map[string][]string
	rows  map[string][]int
}

func bucketize(rows []row.Row, o Options) *bucket {
	b := &bucket{parts: map[string][]string{}, rows: map[string][]int{}}
	for i := range rows {
		parts := o.key(&rows[i])
		k := strings.Join(parts, keySep)
		if _, ok := b.rows[k]; !ok {
			b.order = append(b.order, k)
			b.parts[k] = parts
		}
		b.rows[k] = append(b.rows[k], i)
	}
	return b
}

// Compare classifies every key of master and target. Rows sharing a key pair
// up in input order; unpaired rows become deletions or additions. Output
// follows master key order, then keys only present in target.
func Compare(master, target []row.Row, opts Options) (*Result, error) {
	o, err := opts.normalized()
	if err != nil {
		return nil, err
	}
	mb := bucketize(master, o)
	tb := bucketize(target, o)
	keep := func(k Kind) bool { return lo.Contains(o.Kinds, k) }

	res := &Result{Options: o}
	emit := func(c Change) {
		if keep(c.Kind) {
			res.Changes = append(res.Changes, c)
		}
	}

	for _, k := range mb.order {
		mi := mb.rows[k]
		ti := tb.rows[k]
		parts := mb.parts[k]
		n := len(mi)
		if len(ti) < n {
			n = len(ti)
		}
		for p := 0; p < n; p++ {
			m, t := &master[mi[p]], &target[ti[p]]
			if deltas := row.Deltas(m, t, o.Languages); deltas != nil {
				emit(Change{Kind: Modified, Key: parts, Master: m, Target: t, Deltas: deltas})
			} else {
				emit(Change{Kind: Unchanged, Key: parts, Master: m, Target: t})
			}
		}
		for _, i := range mi[n:] {
			emit(Change{Kind: Deleted, Key: parts, Master: &master[i]})
		}
		for _, i := range ti[n:] {
			emit(Change{Kind: New, Key: parts, Target: &target[i]})
		}
	}
	for _, k := range tb.order {
		if _, ok := mb.rows[k]; ok {
			continue
		}
		for _, i := range tb.rows[k] {
			emit(Change{Kind: New, Key: tb.parts[k], Target: &target[i]})
		}
	}
	res.recount()
	return res, nil
}

// Filter drops changes whose row matches an exception rule: the target row
// for new, modified and unchanged records, the master row for deletions.
func (r *Result) Filter(set *rules.Set) *Result {
	out := &Result{Options: r.Options, Excluded: r.Excluded}
	for _, c := range r.Changes {
		if rw := c.Row(); rw != nil && set.Excluded(rw) {
			out.Excluded++
			continue
		}
		out.Changes = append(out.Changes, c)
	}
	out.recount()
	return out
}

// Swap returns the result of comparing in the opposite direction: new and
// deleted trade places and master/target swap.
func (r *Result) Swap() *Result {
	out := &Result{Options: r.Options, Excluded: r.Excluded, Changes: make([]Change, 0, len(r.Changes))}
	for _, c := range r.Changes {
		s := Change{Key: c.Key, Master: c.Target, Target: c.Master}
		switch c.Kind {
		case New:
			s.Kind = Deleted
		case Deleted:
			s.Kind = New
		default:
			s.Kind = c.Kind
		}
		if c.Deltas != nil {
			s.Deltas = make(map[string]row.Delta, len(c.Deltas))
			for l, d := range c.Deltas {
				s.Deltas[l] = row.Delta{Master: d.Target, Target: d.Master}
			}
		}
		out.Changes = append(out.Changes, s)
	}
	out.recount()
	return out
}

// WriteJSON exports a result.
func WriteJSON(w io.Writer, r *Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// ReadJSON imports a result written by WriteJSON.
func ReadJSON(rd io.Reader) (*Result, error) {
	var r Result
	if err := json.NewDecoder(rd).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode diff: %w", err)
	}
	for _, c := range r.Changes {
		if !lo.Contains(Kinds, c.Kind) {
			return nil, fmt.Errorf("decode diff: unknown kind %q", c.Kind)
		}
	}
	r.recount()
	return &r, nil
}
