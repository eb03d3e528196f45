package diff

import (
	"bytes"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locsync/row"
	"locsync/rules"
)

func r(id string, vals ...string) row.Row {
	m := map[string]string{}
	for i := 0; i+1 < len(vals); i += 2 {
		m[vals[i]] = vals[i+1]
	}
	out := row.New(id, m)
	out.FileName = "StringA.xlsx"
	out.SheetName = "String"
	return out
}

func ids(cs []Change) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Row().StringID)
	}
	return out
}

func TestCompare_NewRow(t *testing.T) {
	master := []row.Row{r("A", row.KR, "안녕")}
	target := []row.Row{r("A", row.KR, "안녕"), r("B", row.KR, "잘가")}
	res, err := Compare(master, target, Options{Strategy: IDOnly, Languages: []string{row.KR}})
	require.NoError(t, err)

	assert.Equal(t, []string{"B"}, ids(res.ByKind(New)))
	assert.Equal(t, "잘가", res.ByKind(New)[0].Target.Lang(row.KR))
	assert.Empty(t, res.ByKind(Modified))
	assert.Empty(t, res.ByKind(Deleted))
	assert.Equal(t, []string{"A"}, ids(res.ByKind(Unchanged)))
	assert.Equal(t, map[Kind]int{New: 1, Deleted: 0, Modified: 0, Unchanged: 1}, res.Counts)
}

func TestCompare_Modification(t *testing.T) {
	master := []row.Row{r("A", row.KR, "안녕", row.EN, "Hi")}
	target := []row.Row{r("A", row.KR, "안녕", row.EN, "Hello")}
	res, err := Compare(master, target, Options{Languages: []string{row.KR, row.EN}})
	require.NoError(t, err)

	mod := res.ByKind(Modified)
	require.Len(t, mod, 1)
	assert.Equal(t, map[string]row.Delta{row.EN: {Master: "Hi", Target: "Hello"}}, mod[0].Deltas)
}

func TestCompare_TrimsBeforeComparing(t *testing.T) {
	m := r("A", row.KR, "안녕")
	tg := r("A")
	tg.Values = map[string]string{row.KR: "\t안녕 "}
	res, err := Compare([]row.Row{m}, []row.Row{tg}, Options{Languages: []string{row.KR}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts[Unchanged])
}

func TestCompare_TiesPairInInputOrder(t *testing.T) {
	master := []row.Row{r("A", row.KR, "1"), r("A", row.KR, "2"), r("A", row.KR, "3")}
	target := []row.Row{r("A", row.KR, "1"), r("A", row.KR, "X")}
	res, err := Compare(master, target, Options{Languages: []string{row.KR}})
	require.NoError(t, err)

	require.Len(t, res.Changes, 3)
	assert.Equal(t, Unchanged, res.Changes[0].Kind)
	assert.Equal(t, Modified, res.Changes[1].Kind)
	assert.Equal(t, "2", res.Changes[1].Master.Lang(row.KR))
	assert.Equal(t, Deleted, res.Changes[2].Kind)
	assert.Equal(t, "3", res.Changes[2].Master.Lang(row.KR))

	res, err = Compare(nil, target, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Counts[New])
}

func TestCompare_KeyStrategies(t *testing.T) {
	a := r("A", row.KR, "가", row.EN, "x")
	b := r("A", row.KR, "가", row.EN, "y")
	b.FileName = "StringB.xlsx"
	b.SheetName = "String_2"

	cases := []struct {
		st   Strategy
		want map[Kind]int
	}{
		{IDOnly, map[Kind]int{Modified: 1}},
		{FileID, map[Kind]int{New: 1, Deleted: 1}},
		{SheetID, map[Kind]int{New: 1, Deleted: 1}},
		{IDKR, map[Kind]int{Modified: 1}},
		{KROnly, map[Kind]int{Modified: 1}},
	}
	for _, c := range cases {
		res, err := Compare([]row.Row{a}, []row.Row{b}, Options{Strategy: c.st})
		require.NoError(t, err, c.st)
		for k, n := range c.want {
			assert.Equal(t, n, res.Counts[k], "%s %s", c.st, k)
		}
	}

	res, err := Compare([]row.Row{a}, []row.Row{b}, Options{Strategy: IDLang, KeyLanguage: "en"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts[New])
	assert.Equal(t, []string{"A", "y"}, res.ByKind(New)[0].Key)

	_, err = Compare(nil, nil, Options{Strategy: IDLang, KeyLanguage: "KR"})
	assert.Error(t, err)
	_, err = Compare(nil, nil, Options{Strategy: "by_magic"})
	assert.Error(t, err)
}

func TestCompare_KindSelection(t *testing.T) {
	master := []row.Row{r("A", row.KR, "가"), r("B", row.KR, "나")}
	target := []row.Row{r("A", row.KR, "가"), r("C", row.KR, "다")}
	res, err := Compare(master, target, Options{Kinds: []Kind{New, Deleted}})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, ids(res.Changes))
	assert.Equal(t, 0, res.Counts[Unchanged])
}

func TestFilter_ExceptionRules(t *testing.T) {
	res, err := Compare(nil, []row.Row{r("A", row.KR, "#내부"), r("B", row.KR, "공개")}, Options{})
	require.NoError(t, err)

	rs, err := rules.Parse([]byte(`[{"field":"KR","type":"startswith","value":"#","enabled":true}]`))
	require.NoError(t, err)
	set, err := rules.Compile(rs)
	require.NoError(t, err)

	filtered := res.Filter(set)
	assert.Equal(t, []string{"B"}, ids(filtered.ByKind(New)))
	assert.Equal(t, 1, filtered.Excluded)
	assert.Equal(t, 2, len(res.Changes))

	// deletions are judged on the master row
	del, err := Compare([]row.Row{r("X", row.KR, "#old")}, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, del.Filter(set).Excluded)
}

type flat struct {
	Kind           Kind
	Master, Target string
	Deltas         map[string]row.Delta
}

func flatten(res *Result) []flat {
	var out []flat
	for _, c := range res.Changes {
		f := flat{Kind: c.Kind, Deltas: c.Deltas}
		if c.Master != nil {
			f.Master = c.Master.StringID + "/" + c.Master.Lang(row.KR)
		}
		if c.Target != nil {
			f.Target = c.Target.StringID + "/" + c.Target.Lang(row.KR)
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].Master != out[j].Master {
			return out[i].Master < out[j].Master
		}
		return out[i].Target < out[j].Target
	})
	return out
}

func TestCompare_Symmetry(t *testing.T) {
	a := []row.Row{r("A", row.KR, "가"), r("B", row.KR, "나"), r("D", row.KR, "라", row.EN, "d")}
	b := []row.Row{r("A", row.KR, "가"), r("C", row.KR, "다"), r("D", row.KR, "라", row.EN, "D")}

	ab, err := Compare(a, b, Options{})
	require.NoError(t, err)
	ba, err := Compare(b, a, Options{})
	require.NoError(t, err)

	if d := cmp.Diff(flatten(ba), flatten(ab.Swap())); d != "" {
		t.Fatalf("swap mismatch (-want +got):\n%s", d)
	}
	assert.Equal(t, ab.Counts[New], ba.Counts[Deleted])
	assert.Equal(t, ab.Counts[Deleted], ba.Counts[New])
}

func TestJSONRoundTrip(t *testing.T) {
	res, err := Compare([]row.Row{r("A", row.KR, "가", row.EN, "a")}, []row.Row{r("A", row.KR, "가", row.EN, "b"), r("B")}, Options{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, res))
	back, err := ReadJSON(&buf)
	require.NoError(t, err)
	assert.Equal(t, res.Counts, back.Counts)
	require.Len(t, back.Changes, 2)
	assert.Equal(t, "b", back.Changes[0].Deltas[row.EN].Target)
	assert.Equal(t, IDOnly, back.Options.Strategy)

	_, err = ReadJSON(bytes.NewBufferString(`{"changes":[{"kind":"moved"}]}`))
	assert.Error(t, err)
}

func TestParseKinds(t *testing.T) {
	ks, err := ParseKinds([]string{"new,deleted", "NEW"})
	require.NoError(t, err)
	assert.Equal(t, []Kind{New, Deleted}, ks)
	ks, err = ParseKinds(nil)
	require.NoError(t, err)
	assert.Equal(t, Kinds, ks)
	_, err = ParseKinds([]string{"gone"})
	assert.Error(t, err)
}
