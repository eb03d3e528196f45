package writer

import (
	"sort"

	"locsync/diff"
	"locsync/row"
)

type MutationKind string

const (
	Insert       MutationKind = "insert"
	Overwrite    MutationKind = "overwrite"
	MarkInactive MutationKind = "mark_inactive"
	MarkActive   MutationKind = "mark_active"
	Clear        MutationKind = "clear"
)

// Mutation is one primitive change to a workbook sheet.
type Mutation struct {
	Kind     MutationKind
	Sheet    string
	StringID string
	// Row is the 1-based physical row of the destination when known. It
	// picks among rows sharing StringID; 0 means the first.
	Row int
	// Values holds language values for Insert and Overwrite. Insert always
	// writes STRING_ID and KR.
	Values map[string]string
	// Languages selects the cells emptied by Clear.
	Languages []string
}

// Side names the workbook set a plan writes to.
type Side string

const (
	SideTarget Side = "target"
	SideMaster Side = "master"
)

type PlanOptions struct {
	Side Side
	// DeactivateNew marks rows that exist only on the written side inactive.
	DeactivateNew bool
}

// Plan turns a diff into mutations grouped by workbook file name. Writing to
// the target inserts deleted rows, overwrites modified rows with master values
// and optionally retires new rows. Writing to the master is the mirror image.
func Plan(res *diff.Result, opts PlanOptions) map[string][]Mutation {
	if opts.Side == SideMaster {
		res = res.Swap()
	}
	out := make(map[string][]Mutation)
	add := func(file string, m Mutation) {
		out[file] = append(out[file], m)
	}
	for _, c := range res.Changes {
		switch c.Kind {
		case diff.Deleted:
			src := c.Master
			vals := map[string]string{row.KR: src.Lang(row.KR)}
			add(src.FileName, Mutation{Kind: Insert, Sheet: src.SheetName, StringID: src.StringID, Values: vals})
		case diff.Modified:
			dst := c.Target
			vals := make(map[string]string, len(c.Deltas))
			for _, l := range sortedKeys(c.Deltas) {
				vals[l] = c.Deltas[l].Master
			}
			add(dst.FileName, Mutation{Kind: Overwrite, Sheet: dst.SheetName, StringID: dst.StringID, Row: dst.RowIndex, Values: vals})
			if !dst.Active() && c.Master.Active() {
				add(dst.FileName, Mutation{Kind: MarkActive, Sheet: dst.SheetName, StringID: dst.StringID, Row: dst.RowIndex})
			}
		case diff.New:
			if !opts.DeactivateNew || !c.Target.Active() {
				continue
			}
			add(c.Target.FileName, Mutation{Kind: MarkInactive, Sheet: c.Target.SheetName, StringID: c.Target.StringID, Row: c.Target.RowIndex})
		}
	}
	return out
}

func sortedKeys(m map[string]row.Delta) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
