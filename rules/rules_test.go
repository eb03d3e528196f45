package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locsync/row"
)

func mustSet(t *testing.T, src string) *Set {
	t.Helper()
	rs, err := Parse([]byte(src))
	require.NoError(t, err)
	s, err := Compile(rs)
	require.NoError(t, err)
	return s
}

func TestFilter_StartsWithHash(t *testing.T) {
	s := mustSet(t, `[{"field":"KR","type":"startswith","value":"#","enabled":true}]`)
	rows := []row.Row{
		row.New("A", map[string]string{row.KR: "#내부"}),
		row.New("B", map[string]string{row.KR: "공개"}),
	}
	kept, excluded := s.Filter(rows)
	require.Len(t, kept, 1)
	assert.Equal(t, "B", kept[0].StringID)
	assert.Equal(t, 1, excluded)
}

func TestMatch_Kinds(t *testing.T) {
	r := row.New("UI_TITLE_01", map[string]string{row.KR: "  안녕하세요  ", row.EN: "Hello\nWorld"})
	r.Extra = map[string]string{"#번역요청": "신규"}

	cases := []struct {
		rule string
		want bool
	}{
		{`{"field":"STRING_ID","type":"endswith","value":"_01"}`, true},
		{`{"field":"kr","type":"equals","value":" 안녕하세요 "}`, true},
		{`{"field":"KR","type":"contains","value":"녕하"}`, true},
		{`{"field":"EN","type":"contains","value":"\\n"}`, true},
		{`{"field":"KR","type":"length","value":5}`, true},
		{`{"field":"KR","type":"length","value":"4"}`, false},
		{`{"field":"KR","type":"length","value":">4"}`, true},
		{`{"field":"KR","type":"length","value":"!=5"}`, false},
		{`{"field":"STRING_ID","type":"regex","value":"^UI_[A-Z]+_\\d+$"}`, true},
		{`{"field":"#번역요청","type":"equals","value":"신규"}`, true},
		{`{"field":"#memo","type":"equals","value":""}`, false},
		{`{"field":"KR","type":"startswith","value":"안","enabled":false}`, false},
	}
	for _, c := range cases {
		s := mustSet(t, "["+c.rule+"]")
		assert.Equal(t, c.want, s.Excluded(&r), c.rule)
	}
}

func TestMatch_RegexKeepsBackslashes(t *testing.T) {
	literal := row.New("A", map[string]string{row.KR: `줄\n바꿈`})
	newline := row.New("B", map[string]string{row.KR: "줄\n바꿈"})

	s := mustSet(t, `[{"field":"KR","type":"regex","value":"\\\\n"}]`)
	assert.True(t, s.Excluded(&literal))
	assert.False(t, s.Excluded(&newline))

	s = mustSet(t, `[{"field":"KR","type":"regex","value":"\\\\"}]`)
	assert.True(t, s.Excluded(&literal))

	s = mustSet(t, `[{"field":"KR","type":"regex","value":"줄\\n"}]`)
	assert.True(t, s.Excluded(&newline))
	assert.False(t, s.Excluded(&literal))

	// a lone backslash survives escape expansion in plain kinds
	s = mustSet(t, `[{"field":"KR","type":"contains","value":"\\"}]`)
	assert.True(t, s.Excluded(&literal))
	assert.False(t, s.Excluded(&newline))
}

func TestMatch_ReturnsDescription(t *testing.T) {
	s := mustSet(t, `[{"field":"KR","type":"startswith","value":"#","description":"internal"}]`)
	r := row.New("A", map[string]string{row.KR: "#x"})
	desc, ok := s.Match(&r)
	require.True(t, ok)
	assert.Equal(t, "internal", desc)
}

func TestCompile_Errors(t *testing.T) {
	for _, src := range []string{
		`[{"field":"KR","type":"regex","value":"("}]`,
		`[{"field":"KR","type":"length","value":"abc"}]`,
		`[{"field":"KR","type":"fuzzy","value":"x"}]`,
		`[{"field":"","type":"equals","value":"x"}]`,
	} {
		rs, err := Parse([]byte(src))
		require.NoError(t, err)
		_, err = Compile(rs)
		assert.Error(t, err, src)
	}
	_, err := Parse([]byte(`[{"field":"KR","type":"equals","value":true}]`))
	assert.Error(t, err)
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	s, err := LoadSet(filepath.Join(t.TempDir(), "none.json"))
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())

	var nilSet *Set
	r := row.New("A", nil)
	assert.False(t, nilSet.Excluded(&r))
}

func TestLoad_File(t *testing.T) {
	p := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(p, []byte(`[
  {"field": "KR", "type": "startswith", "value": "#", "enabled": true, "description": "dev"},
  {"field": "KR", "type": "equals", "value": "", "enabled": false}
]`), 0o644))
	s, err := LoadSet(p)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
}
