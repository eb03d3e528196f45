// Package rules loads and evaluates exception rules that exclude rows from
// diff output and catalog ingestion.
package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"locsync/row"
)

// Kind names a predicate.
type Kind string

const (
	StartsWith Kind = "startswith"
	EndsWith   Kind = "endswith"
	Contains   Kind = "contains"
	Equals     Kind = "equals"
	Length     Kind = "length"
	Regex      Kind = "regex"
)

// Value accepts a JSON string or number.
type Value string

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*v = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = Value(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("rule value must be a string or number: %s", b)
	}
	*v = Value(n.String())
	return nil
}

// Rule is one user-defined exclusion predicate as stored on disk.
type Rule struct {
	Field       string `json:"field"`
	Type        Kind   `json:"type"`
	Value       Value  `json:"value"`
	Enabled     *bool  `json:"enabled,omitempty"`
	Description string `json:"description,omitempty"`
}

// IsEnabled treats an absent flag as enabled.
func (r Rule) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// Parse decodes a JSON rule list.
func Parse(b []byte) ([]Rule, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	var out []Rule
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	return out, nil
}

// Load reads a rule file. A missing file is an empty rule list.
func Load(path string) ([]Rule, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// LoadSet loads and compiles a rule file.
func LoadSet(path string) (*Set, error) {
	rs, err := Load(path)
	if err != nil {
		return nil, err
	}
	return Compile(rs)
}

type matcher struct {
	field string
	desc  string
	match func(string) bool
}

// Set is a compiled rule list. The zero value and nil match nothing.
type Set struct {
	matchers []matcher
}

// Compile prepares the enabled rules for evaluation.
func Compile(rs []Rule) (*Set, error) {
	s := &Set{}
	for i, r := range rs {
		if !r.IsEnabled() {
			continue
		}
		m, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s %s): %w", i, r.Field, r.Type, err)
		}
		s.matchers = append(s.matchers, m)
	}
	return s, nil
}

func compileRule(r Rule) (matcher, error) {
	field := strings.TrimSpace(r.Field)
	if field == "" {
		return matcher{}, errors.New("empty field")
	}
	val := string(r.Value)
	kind := Kind(strings.ToLower(strings.TrimSpace(string(r.Type))))
	if kind != Regex {
		// RE2 reads \n and \t itself
		val = expandEscapes(val)
	}
	m := matcher{field: field, desc: r.Description}
	switch kind {
	case StartsWith:
		m.match = func(s string) bool { return strings.HasPrefix(s, val) }
	case EndsWith:
		m.match = func(s string) bool { return strings.HasSuffix(s, val) }
	case Contains:
		m.match = func(s string) bool { return strings.Contains(s, val) }
	case Equals:
		want := row.Trim(val)
		m.match = func(s string) bool { return s == want }
	case Regex:
		re, err := regexp.Compile(val)
		if err != nil {
			return matcher{}, err
		}
		m.match = re.MatchString
	case Length:
		cmp, err := compileLength(val)
		if err != nil {
			return matcher{}, err
		}
		m.match = func(s string) bool { return cmp(utf8.RuneCountInString(s)) }
	default:
		return matcher{}, fmt.Errorf("unknown rule type %q", r.Type)
	}
	return m, nil
}

// compileLength parses "<op><n>"; a bare number means "<=n".
func compileLength(v string) (func(int) bool, error) {
	v = strings.TrimSpace(v)
	op := "<="
	for _, p := range []string{"<=", ">=", "!=", "<", ">", "="} {
		if strings.HasPrefix(v, p) {
			op = p
			v = strings.TrimSpace(strings.TrimPrefix(v, p))
			break
		}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return nil, fmt.Errorf("length threshold %q is not an integer", v)
		}
		n = int(f)
	}
	switch op {
	case "<":
		return func(l int) bool { return l < n }, nil
	case ">":
		return func(l int) bool { return l > n }, nil
	case ">=":
		return func(l int) bool { return l >= n }, nil
	case "=":
		return func(l int) bool { return l == n }, nil
	case "!=":
		return func(l int) bool { return l != n }, nil
	default:
		return func(l int) bool { return l <= n }, nil
	}
}

var escapeReplacer = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r")

func expandEscapes(s string) string { return escapeReplacer.Replace(s) }

// Len returns the number of enabled rules.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.matchers)
}

// Match returns the description (or field) of the first rule excluding r.
func (s *Set) Match(r *row.Row) (string, bool) {
	if s == nil {
		return "", false
	}
	for _, m := range s.matchers {
		v, ok := r.Field(m.field)
		if !ok {
			continue
		}
		if m.match(row.Trim(v)) {
			if m.desc != "" {
				return m.desc, true
			}
			return m.field, true
		}
	}
	return "", false
}

// Excluded reports whether any enabled rule matches r.
func (s *Set) Excluded(r *row.Row) bool {
	_, ok := s.Match(r)
	return ok
}

// Filter splits rows into kept rows and the number excluded.
func (s *Set) Filter(rows []row.Row) ([]row.Row, int) {
	if s.Len() == 0 {
		return rows, 0
	}
	out := make([]row.Row, 0, len(rows))
	excluded := 0
	for i := range rows {
		if s.Excluded(&rows[i]) {
			excluded++
			continue
		}
		out = append(out, rows[i])
	}
	return out, excluded
}
