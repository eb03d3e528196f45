package snapshot

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"

	"locsync/report"
	"locsync/row"
)

// Policy selects how incoming rows are matched and compared during Update.
type Policy string

const (
	// PolicyDefault keys on string_id and compares every selected language
	// except KR, which stays as stored.
	PolicyDefault Policy = "default"
	// PolicyKRAdditionalCompare keys on (string_id, KR); a changed KR is a new
	// record and the old one is retired.
	PolicyKRAdditionalCompare Policy = "kr_additional_compare"
	// PolicyKRCompare keys on KR alone; string_id is payload.
	PolicyKRCompare Policy = "kr_compare"
	// PolicyKROverwrite keys on string_id and compares KR too.
	PolicyKROverwrite Policy = "kr_overwrite"
)

var Policies = []Policy{PolicyDefault, PolicyKRAdditionalCompare, PolicyKRCompare, PolicyKROverwrite}

// ParsePolicy resolves a policy name; empty means default.
func ParsePolicy(s string) (Policy, error) {
	if s == "" {
		return PolicyDefault, nil
	}
	for _, p := range Policies {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown update policy %q", s)
}

type UpdateOptions struct {
	Policy Policy
	// Languages selects the compared languages; empty means all.
	Languages []string
	// KeepFiles lists workbooks that failed to read this run. Their stored
	// rows are never deactivated.
	KeepFiles []string
}

func (p Policy) key(stringID, kr string) string {
	switch p {
	case PolicyKRAdditionalCompare:
		return stringID + "\x00" + row.KoreanKey(kr)
	case PolicyKRCompare:
		if k := row.KoreanKey(kr); k != "" {
			return "kr:" + k
		}
		return "id:" + stringID
	default:
		return stringID
	}
}

// compared returns the languages whose differences count as an update.
func (p Policy) compared(langs []string) []string {
	if p == PolicyKROverwrite {
		return langs
	}
	return row.Without(langs, row.KR)
}

// written returns the languages copied into a stored record on update.
func (p Policy) written() []string {
	if p == PolicyDefault {
		return row.Without(row.Languages, row.KR)
	}
	return row.Languages
}

type merger struct {
	policy  Policy
	langs   []string
	records map[uint]*Record
	byKey   map[string][]uint
	seen    map[uint]struct{}
	keys    map[string]struct{}
}

func (m *merger) index(r *Record) {
	k := m.policy.key(r.StringID, r.KR)
	m.byKey[k] = append(m.byKey[k], r.ID)
	m.records[r.ID] = r
}

// pick returns the record an incoming key resolves to: the first active one,
// else the most recent inactive one.
func (m *merger) pick(k string) (*Record, []*Record) {
	ids := m.byKey[k]
	var chosen *Record
	var extraActive []*Record
	for _, id := range ids {
		r := m.records[id]
		if r.active() {
			if chosen == nil || !chosen.active() {
				chosen = r
			} else {
				extraActive = append(extraActive, r)
			}
			continue
		}
		if chosen == nil || (!chosen.active() && r.ID > chosen.ID) {
			chosen = r
		}
	}
	return chosen, extraActive
}

func (m *merger) differs(r *Record, rw *row.Row) bool {
	for _, l := range m.policy.compared(m.langs) {
		if r.Lang(l) != rw.Lang(l) {
			return true
		}
	}
	if m.policy == PolicyKRCompare && r.StringID != rw.StringID {
		return true
	}
	return r.FileName != rw.FileName || r.SheetName != rw.SheetName
}

type groupChanges struct {
	inserts []Record
	updates map[uint]*Record
	touched []uint
	keys    []string
	stats   Stats
}

func (m *merger) plan(g *Group, stamp string, dups *dupTracker) *groupChanges {
	gc := &groupChanges{updates: map[uint]*Record{}}
	local := make(map[string]struct{})
	for i := range g.Rows {
		rw := &g.Rows[i]
		if rw.StringID == "" || !rw.Active() {
			continue
		}
		k := m.policy.key(rw.StringID, rw.Lang(row.KR))
		dups.add(k, report.Location{File: rw.FileName, Sheet: rw.SheetName, Row: rw.RowIndex})
		if _, ok := m.keys[k]; ok {
			continue
		}
		if _, ok := local[k]; ok {
			continue
		}
		local[k] = struct{}{}
		gc.keys = append(gc.keys, k)

		existing, extra := m.pick(k)
		for _, r := range extra {
			cp := *r
			cp.Status = string(row.StatusInactive)
			cp.UpdateTime = stamp
			gc.updates[cp.ID] = &cp
			gc.stats.Deleted++
		}
		if existing == nil {
			gc.inserts = append(gc.inserts, newRecord(rw, row.StatusActive, stamp))
			gc.stats.New++
			continue
		}
		gc.touched = append(gc.touched, existing.ID)
		cp := *existing
		switch {
		case !existing.active():
			cp.assign(rw, m.policy.written())
			cp.Status = string(row.StatusActive)
			cp.UpdateTime = stamp
			gc.updates[cp.ID] = &cp
			gc.stats.Reactivated++
		case m.differs(existing, rw):
			cp.assign(rw, m.policy.written())
			cp.UpdateTime = stamp
			gc.updates[cp.ID] = &cp
			gc.stats.Updated++
		default:
			gc.stats.Unchanged++
		}
	}
	return gc
}

func (gc *groupChanges) commit(tx *gorm.DB, batch int) error {
	ids := make([]uint, 0, len(gc.updates))
	for id := range gc.updates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := tx.Save(gc.updates[id]).Error; err != nil {
			return err
		}
	}
	if len(gc.inserts) > 0 {
		if err := tx.CreateInBatches(gc.inserts, batch).Error; err != nil {
			return err
		}
	}
	return nil
}

// Update merges groups into the stored table. Each group commits on its own;
// the deactivation of rows absent from every group runs last and is skipped
// when ctx is cancelled or a commit failed.
func (s *Store) Update(ctx context.Context, groups []Group, opts UpdateOptions) (*Stats, error) {
	if err := s.writable(); err != nil {
		return nil, err
	}
	if opts.Policy == "" {
		opts.Policy = PolicyDefault
	}
	langs := row.ParseLanguages(opts.Languages)
	if len(langs) == 0 {
		langs = row.Languages
	}

	recs, err := s.Records(ctx, false)
	if err != nil {
		return nil, err
	}
	m := &merger{
		policy:  opts.Policy,
		langs:   langs,
		records: make(map[uint]*Record, len(recs)),
		byKey:   make(map[string][]uint, len(recs)),
		seen:    make(map[uint]struct{}),
		keys:    make(map[string]struct{}),
	}
	for i := range recs {
		m.index(&recs[i])
	}

	stats := &Stats{}
	dups := &dupTracker{locs: make(map[string][]report.Location)}
	stamp := s.now()

	for i := range groups {
		if cancelled(ctx) {
			stats.Duplicates = dups.list()
			return stats, report.ErrCancelled
		}
		g := &groups[i]
		gc := m.plan(g, stamp, dups)
		txCtx := context.WithoutCancel(ctx)
		err := s.db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
			return gc.commit(tx, s.opts.BatchSize)
		})
		if err != nil {
			s.log.Warnw("update commit failed", "file", g.File, "kind", report.KindStore, "err", err)
			stats.Duplicates = dups.list()
			return stats, report.Wrap(report.KindStore, g.File, err)
		}
		for id, r := range gc.updates {
			m.records[id] = r
		}
		for j := range gc.inserts {
			m.index(&gc.inserts[j])
			m.seen[gc.inserts[j].ID] = struct{}{}
		}
		for _, id := range gc.touched {
			m.seen[id] = struct{}{}
		}
		for _, k := range gc.keys {
			m.keys[k] = struct{}{}
		}
		stats.Files++
		stats.New += gc.stats.New
		stats.Updated += gc.stats.Updated
		stats.Reactivated += gc.stats.Reactivated
		stats.Unchanged += gc.stats.Unchanged
		stats.Deleted += gc.stats.Deleted
		s.log.Debugw("update committed", "file", g.File, "new", gc.stats.New, "updated", gc.stats.Updated, "reactivated", gc.stats.Reactivated)
		if s.opts.Progress != nil {
			s.opts.Progress(g.File, i+1, len(groups))
		}
	}
	stats.Duplicates = dups.list()

	if cancelled(ctx) {
		return stats, report.ErrCancelled
	}
	deleted, err := s.deactivateAbsent(ctx, m, opts.KeepFiles, stamp)
	stats.Deleted += deleted
	if err != nil {
		return stats, err
	}
	return stats, nil
}

// dupTracker records every location of each update key in first-seen order.
type dupTracker struct {
	order []string
	locs  map[string][]report.Location
}

func (d *dupTracker) add(k string, loc report.Location) {
	if _, ok := d.locs[k]; !ok {
		d.order = append(d.order, k)
	}
	d.locs[k] = append(d.locs[k], loc)
}

func (d *dupTracker) list() []report.Duplicate {
	var out []report.Duplicate
	for _, k := range d.order {
		l := d.locs[k]
		if len(l) < 2 {
			continue
		}
		out = append(out, report.Duplicate{StringID: displayKey(k), Locations: l})
	}
	return out
}

// displayKey strips the KR part of a composite key.
func displayKey(k string) string {
	if i := strings.IndexByte(k, 0); i >= 0 {
		return k[:i]
	}
	return k
}

func (s *Store) deactivateAbsent(ctx context.Context, m *merger, keepFiles []string, stamp string) (int, error) {
	keep := make(map[string]struct{}, len(keepFiles))
	for _, f := range keepFiles {
		keep[f] = struct{}{}
	}
	var ids []uint
	for id, r := range m.records {
		if !r.active() {
			continue
		}
		if _, ok := m.seen[id]; ok {
			continue
		}
		if _, ok := keep[r.FileName]; ok {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for start := 0; start < len(ids); start += s.opts.BatchSize {
			end := start + s.opts.BatchSize
			if end > len(ids) {
				end = len(ids)
			}
			res := tx.Model(&Record{}).Where("id IN ?", ids[start:end]).Updates(map[string]any{
				"status":      string(row.StatusInactive),
				"update_time": stamp,
			})
			if res.Error != nil {
				return res.Error
			}
		}
		return nil
	})
	if err != nil {
		return 0, report.Wrap(report.KindStore, s.path, err)
	}
	for _, id := range ids {
		m.records[id].Status = string(row.StatusInactive)
	}
	s.log.Debugw("deactivated absent rows", "count", len(ids))
	return len(ids), nil
}
