package snapshot

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locsync/report"
	"locsync/row"
)

var fixedNow = time.Date(2024, 3, 1, 9, 30, 0, 0, time.Local)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "snapshot.db"), Options{Now: func() time.Time { return fixedNow }})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mkRow(file, id, kr, en string) row.Row {
	r := row.New(id, map[string]string{row.KR: kr, row.EN: en})
	r.FileName = file
	r.SheetName = "String"
	return r
}

func TestBuild_LoadActiveRoundTrip(t *testing.T) {
	s := openTestStore(t)
	a := mkRow("StringA.xlsx", " A ", "안녕 ", "Hi")
	a.RowIndex = 2
	a.Extra = map[string]string{"#번역요청": " 신규"}
	b := mkRow("StringA.xlsx", "B", "잘가", "")
	b.RowIndex = 3
	c := mkRow("StringB.xlsx", "C", "다시", "Again")
	c.RowIndex = 2
	rows := []row.Row{a, b, c}

	stats, err := s.Build(context.Background(), []Group{
		{File: "StringA.xlsx", Rows: rows[:2]},
		{File: "StringB.xlsx", Rows: rows[2:]},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)
	assert.Empty(t, stats.Duplicates)

	got, err := s.LoadActive(context.Background())
	require.NoError(t, err)

	want := map[string]row.Row{}
	for _, r := range rows {
		c := row.Canonicalize(r)
		want[c.StringID] = c
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(row.Row{}, "UpdateTime")); diff != "" {
		t.Fatalf("load_active mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, fixedNow.Equal(got["A"].UpdateTime))
}

func TestBuild_DuplicatesStoredInactive(t *testing.T) {
	s := openTestStore(t)
	first := mkRow("StringA.xlsx", "DUP", "처음", "")
	second := mkRow("StringB.xlsx", "DUP", "두번째", "")
	tomb := mkRow("StringB.xlsx", "OLD", "옛날", "")
	tomb.Status = row.StatusInactive

	stats, err := s.Build(context.Background(), []Group{
		{File: "StringA.xlsx", Rows: []row.Row{first}},
		{File: "StringB.xlsx", Rows: []row.Row{second, tomb}},
	})
	require.NoError(t, err)
	require.Len(t, stats.Duplicates, 1)
	assert.Equal(t, "DUP", stats.Duplicates[0].StringID)
	assert.Len(t, stats.Duplicates[0].Locations, 2)

	active, err := s.LoadActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "처음", rowLang(active["DUP"], row.KR))

	n, err := s.Count(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	dups, err := s.Duplicates(context.Background())
	require.NoError(t, err)
	require.Len(t, dups, 1)
	assert.Equal(t, "StringB.xlsx", dups[0].Locations[1].File)
}

func TestBuild_ReplacesPreviousTable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.Build(ctx, []Group{{File: "a", Rows: []row.Row{mkRow("a", "X", "x", "")}}})
	require.NoError(t, err)
	_, err = s.Build(ctx, []Group{{File: "a", Rows: []row.Row{mkRow("a", "Y", "y", "")}}})
	require.NoError(t, err)
	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Y", all[0].StringID)
}

func TestBuild_CancelledBetweenFiles(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	s.opts.Progress = func(file string, done, total int) { cancel() }

	stats, err := s.Build(ctx, []Group{
		{File: "a", Rows: []row.Row{mkRow("a", "X", "x", "")}},
		{File: "b", Rows: []row.Row{mkRow("b", "Y", "y", "")}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, report.ErrCancelled))
	assert.Equal(t, 1, stats.Files)

	n, err := s.Count(context.Background(), row.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUpdate_DeletionAndReactivation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := mkRow("S.xlsx", "A", "가", "")
	b := mkRow("S.xlsx", "B", "나", "")
	c := mkRow("S.xlsx", "C", "다", "")

	stats, err := s.Update(ctx, []Group{{File: "S.xlsx", Rows: []row.Row{a, b, c}}}, UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.New)

	stats, err = s.Update(ctx, []Group{{File: "S.xlsx", Rows: []row.Row{a, c}}}, UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)
	assert.Equal(t, 2, stats.Unchanged)
	active, err := s.LoadActive(ctx)
	require.NoError(t, err)
	assert.NotContains(t, active, "B")
	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	stats, err = s.Update(ctx, []Group{{File: "S.xlsx", Rows: []row.Row{a, b, c}}}, UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Reactivated)
	assert.Equal(t, 0, stats.New)
	active, err = s.LoadActive(ctx)
	require.NoError(t, err)
	assert.Contains(t, active, "B")
	assert.Equal(t, row.StatusActive, active["B"].Status)
}

func TestUpdate_DefaultKeepsStoredKR(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.Update(ctx, []Group{{File: "S", Rows: []row.Row{mkRow("S", "A", "원본", "Hi")}}}, UpdateOptions{})
	require.NoError(t, err)

	stats, err := s.Update(ctx, []Group{{File: "S", Rows: []row.Row{mkRow("S", "A", "변경", "Hi")}}}, UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Unchanged)

	stats, err = s.Update(ctx, []Group{{File: "S", Rows: []row.Row{mkRow("S", "A", "변경", "Hello")}}}, UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
	active, _ := s.LoadActive(ctx)
	assert.Equal(t, "원본", rowLang(active["A"], row.KR))
	assert.Equal(t, "Hello", rowLang(active["A"], row.EN))
}

func TestUpdate_KROverwrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	opts := UpdateOptions{Policy: PolicyKROverwrite}
	_, err := s.Update(ctx, []Group{{File: "S", Rows: []row.Row{mkRow("S", "A", "원본", "Hi")}}}, opts)
	require.NoError(t, err)
	stats, err := s.Update(ctx, []Group{{File: "S", Rows: []row.Row{mkRow("S", "A", "변경", "Hi")}}}, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
	active, _ := s.LoadActive(ctx)
	assert.Equal(t, "변경", rowLang(active["A"], row.KR))
}

func TestUpdate_KRAdditionalCompareInsertsNewEntity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	opts := UpdateOptions{Policy: PolicyKRAdditionalCompare}
	_, err := s.Update(ctx, []Group{{File: "S", Rows: []row.Row{mkRow("S", "A", "원본", "Hi")}}}, opts)
	require.NoError(t, err)
	stats, err := s.Update(ctx, []Group{{File: "S", Rows: []row.Row{mkRow("S", "A", "변경", "Hi")}}}, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.New)
	assert.Equal(t, 1, stats.Deleted)

	all, _ := s.LoadAll(ctx)
	require.Len(t, all, 2)
	active, _ := s.LoadActive(ctx)
	require.Len(t, active, 1)
	assert.Equal(t, "변경", rowLang(active["A"], row.KR))
}

func TestUpdate_KRCompareTreatsIDAsPayload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	opts := UpdateOptions{Policy: PolicyKRCompare}
	_, err := s.Update(ctx, []Group{{File: "S", Rows: []row.Row{mkRow("S", "OLD_ID", "같은말", "Same")}}}, opts)
	require.NoError(t, err)
	stats, err := s.Update(ctx, []Group{{File: "S", Rows: []row.Row{mkRow("S", "NEW_ID", "같은말", "Same")}}}, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 0, stats.New)
	active, _ := s.LoadActive(ctx)
	assert.Contains(t, active, "NEW_ID")
	assert.NotContains(t, active, "OLD_ID")
}

func TestUpdate_KeepFilesAndDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.Update(ctx, []Group{
		{File: "A.xlsx", Rows: []row.Row{mkRow("A.xlsx", "A1", "가", "")}},
		{File: "B.xlsx", Rows: []row.Row{mkRow("B.xlsx", "B1", "나", "")}},
	}, UpdateOptions{})
	require.NoError(t, err)

	// B.xlsx failed to read this time: its rows must survive.
	stats, err := s.Update(ctx, []Group{
		{File: "A.xlsx", Rows: []row.Row{mkRow("A.xlsx", "A1", "가", ""), mkRow("A.xlsx", "A1", "가", "dup")}},
	}, UpdateOptions{KeepFiles: []string{"B.xlsx"}})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Deleted)
	require.Len(t, stats.Duplicates, 1)
	assert.Equal(t, "A1", stats.Duplicates[0].StringID)

	active, _ := s.LoadActive(ctx)
	assert.Contains(t, active, "B1")
	assert.Equal(t, "", rowLang(active["A1"], row.EN))
}

func TestUpdate_CancelledSkipsDeactivation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.Update(ctx, []Group{{File: "S", Rows: []row.Row{mkRow("S", "A", "가", ""), mkRow("S", "B", "나", "")}}}, UpdateOptions{})
	require.NoError(t, err)

	cctx, cancel := context.WithCancel(ctx)
	s.opts.Progress = func(string, int, int) { cancel() }
	_, err = s.Update(cctx, []Group{{File: "S", Rows: []row.Row{mkRow("S", "A", "가", "")}}}, UpdateOptions{})
	assert.True(t, errors.Is(err, report.ErrCancelled))

	n, err := s.Count(ctx, row.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestOpen_SingleWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.db")
	s, err := Open(path, Options{})
	require.NoError(t, err)

	_, err = Open(path, Options{})
	require.Error(t, err)
	assert.Equal(t, report.KindStore, report.KindOf(err))

	ro, err := OpenReadOnly(path, Options{})
	require.NoError(t, err)
	_, err = ro.Build(context.Background(), nil)
	assert.Error(t, err)
	require.NoError(t, ro.Close())

	require.NoError(t, s.Close())
	s, err = Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyDefault, p)
	p, err = ParsePolicy("kr_compare")
	require.NoError(t, err)
	assert.Equal(t, PolicyKRCompare, p)
	_, err = ParsePolicy("merge")
	assert.Error(t, err)
}

// rowLang calls the pointer-receiver Lang on a non-addressable map value.
func rowLang(r row.Row, lang string) string { return r.Lang(lang) }
