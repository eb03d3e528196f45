// Package catalog keeps the unique_texts table: one surrogate id per distinct
// Korean string, with per-language translations gathered from many workbooks.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"locsync/dblock"
	"locsync/report"
	"locsync/row"
	"locsync/rules"
)

const (
	DefaultPrefix = "utext_"
	DefaultWidth  = 5
	table         = "unique_texts"
	colUpdateTime = "UpdateTime"
	timeLayout    = "2006-01-02 15:04:05"
)

type Options struct {
	// Prefix and Width shape allocated ids: utext_00001.
	Prefix   string
	Width    int
	ReadOnly bool
	Log      *zap.SugaredLogger
	Now      func() time.Time
}

// Entry is one catalog row. Values always holds every language, KR included.
type Entry struct {
	StringID   string
	Values     map[string]string
	UpdateTime string
}

func (e *Entry) Lang(l string) string { return e.Values[l] }

func (e *Entry) KR() string { return e.Values[row.KR] }

// Row converts the entry for rule evaluation and workbook export.
func (e *Entry) Row() row.Row {
	r := row.New(e.StringID, e.Values)
	r.SheetName = ExportSheet
	return r
}

type Catalog struct {
	db   *sql.DB
	sq   sq.StatementBuilderType
	path string
	lock io.Closer
	opts Options
	log  *zap.SugaredLogger

	// writeMu serializes writers on one handle; a second concurrent writer is
	// rejected rather than queued.
	writeMu sync.Mutex
	idMu    sync.Mutex
	last    int
}

// Open opens the catalog at path. Write opens hold the store lock until Close.
func Open(path string, opts Options) (*Catalog, error) {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	var lock io.Closer
	if !opts.ReadOnly {
		l, err := dblock.Acquire(path)
		if err != nil {
			return nil, err
		}
		lock = l
	}
	db, err := openDB(path, opts.ReadOnly)
	if err != nil {
		if lock != nil {
			err = multierr.Append(err, lock.Close())
		}
		return nil, report.Wrap(report.KindStore, path, err)
	}
	return &Catalog{db: db, sq: sq.StatementBuilder, path: path, lock: lock, opts: opts, log: opts.Log}, nil
}

func (c *Catalog) Close() error {
	if c == nil {
		return nil
	}
	err := c.db.Close()
	if c.lock != nil {
		err = multierr.Append(err, c.lock.Close())
	}
	return err
}

func (c *Catalog) Path() string { return c.path }

func (c *Catalog) storeErr(err error) error {
	if err == nil {
		return nil
	}
	if report.KindOf(err) != "" {
		return err
	}
	return report.Wrap(report.KindStore, c.path, err)
}

func columns() []string {
	cols := append([]string{row.ColStringID}, row.Languages...)
	return append(cols, colUpdateTime)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var id, updated string
	vals := make([]string, len(row.Languages))
	dest := []any{&id}
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	dest = append(dest, &updated)
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}
	e := &Entry{StringID: id, Values: make(map[string]string, len(row.Languages)), UpdateTime: updated}
	for i, l := range row.Languages {
		e.Values[l] = vals[i]
	}
	return e, nil
}

func (c *Catalog) one(ctx context.Context, where sq.Eq) (*Entry, error) {
	q := c.sq.Select(columns()...).From(table).Where(where).Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	e, err := scanEntry(c.db.QueryRowContext(ctx, sqlStr, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, c.storeErr(err)
	}
	return e, nil
}

// Lookup finds the entry whose KR equals kr after trimming and NFC composition.
func (c *Catalog) Lookup(ctx context.Context, kr string) (*Entry, error) {
	key := row.KoreanKey(kr)
	if key == "" {
		return nil, nil
	}
	return c.one(ctx, sq.Eq{row.KR: key})
}

// Get finds an entry by id.
func (c *Catalog) Get(ctx context.Context, id string) (*Entry, error) {
	return c.one(ctx, sq.Eq{row.ColStringID: row.Trim(id)})
}

// Entries returns every entry ordered by id.
func (c *Catalog) Entries(ctx context.Context) ([]*Entry, error) {
	q := c.sq.Select(columns()...).From(table).OrderBy(row.ColStringID)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rs, err := c.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, c.storeErr(err)
	}
	defer rs.Close()
	var out []*Entry
	for rs.Next() {
		e, err := scanEntry(rs)
		if err != nil {
			return nil, c.storeErr(err)
		}
		out = append(out, e)
	}
	return out, c.storeErr(rs.Err())
}

func (c *Catalog) Count(ctx context.Context) (int, error) {
	sqlStr, args, err := c.sq.Select("COUNT(*)").From(table).ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := c.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, c.storeErr(err)
	}
	return n, nil
}

// suffix parses the numeric part of an allocated id; ids minted elsewhere
// (token rewriter ids, hand-made ids) do not count.
func (c *Catalog) suffix(id string) (int, bool) {
	if !strings.HasPrefix(id, c.opts.Prefix) {
		return 0, false
	}
	rest := id[len(c.opts.Prefix):]
	if rest == "" {
		return 0, false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(rest)
	return n, err == nil
}

func (c *Catalog) maxSuffix(ctx context.Context) (int, error) {
	q := c.sq.Select(row.ColStringID).From(table).Where(sq.Like{row.ColStringID: c.opts.Prefix + "%"})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, err
	}
	rs, err := c.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, c.storeErr(err)
	}
	defer rs.Close()
	max := 0
	for rs.Next() {
		var id string
		if err := rs.Scan(&id); err != nil {
			return 0, c.storeErr(err)
		}
		if n, ok := c.suffix(id); ok && n > max {
			max = n
		}
	}
	return max, c.storeErr(rs.Err())
}

// Allocate returns the next surrogate id: one past the largest numeric suffix
// stored or handed out by this handle.
func (c *Catalog) Allocate(ctx context.Context) (string, error) {
	max, err := c.maxSuffix(ctx)
	if err != nil {
		return "", err
	}
	return c.next(max), nil
}

// next hands out the id after floor, never repeating one already handed out.
func (c *Catalog) next(floor int) string {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	if c.last < floor {
		c.last = floor
	}
	c.last++
	return c.format(c.last)
}

func (c *Catalog) format(n int) string {
	return fmt.Sprintf("%s%0*d", c.opts.Prefix, c.opts.Width, n)
}

func (c *Catalog) beginWrite() error {
	if c.opts.ReadOnly {
		return report.Errorf(report.KindStore, c.path, "catalog opened read-only")
	}
	if !c.writeMu.TryLock() {
		return report.Errorf(report.KindStore, c.path, "catalog is in use by another writer")
	}
	return nil
}

// IngestStats counts what one ingestion did.
type IngestStats struct {
	Rows     int
	New      int
	Updated  int
	Excluded int
	// Skipped rows had no Korean text.
	Skipped int
}

func (s *IngestStats) Add(o IngestStats) {
	s.Rows += o.Rows
	s.New += o.New
	s.Updated += o.Updated
	s.Excluded += o.Excluded
	s.Skipped += o.Skipped
}

type pending struct {
	entry *Entry
	isNew bool
	dirty bool
}

// Ingest merges rows into the catalog in one transaction. Each distinct KR
// gets one entry; an existing entry only takes values for languages it has
// empty. Rows matched by an enabled exception rule are counted and skipped.
func (c *Catalog) Ingest(ctx context.Context, rows []row.Row, set *rules.Set) (IngestStats, error) {
	var st IngestStats
	if err := c.beginWrite(); err != nil {
		return st, err
	}
	defer c.writeMu.Unlock()

	stamp := c.opts.Now().Format(timeLayout)
	floor := -1
	byKR := map[string]*pending{}
	var order []*pending
	for i := range rows {
		r := &rows[i]
		st.Rows++
		if desc, ok := set.Match(r); ok {
			c.log.Debugw("row excluded", "id", r.StringID, "file", r.FileName, "rule", desc)
			st.Excluded++
			continue
		}
		key := row.KoreanKey(r.Lang(row.KR))
		if key == "" {
			st.Skipped++
			continue
		}
		p, ok := byKR[key]
		if !ok {
			e, err := c.Lookup(ctx, key)
			if err != nil {
				return st, err
			}
			if e == nil {
				if floor < 0 {
					if floor, err = c.maxSuffix(ctx); err != nil {
						return st, err
					}
				}
				e = &Entry{StringID: c.next(floor), Values: map[string]string{row.KR: key}}
				for _, l := range row.Languages[1:] {
					e.Values[l] = ""
				}
				p = &pending{entry: e, isNew: true}
				st.New++
			} else {
				p = &pending{entry: e}
			}
			byKR[key] = p
			order = append(order, p)
		}
		for _, l := range row.Languages[1:] {
			v := r.Lang(l)
			if v == "" || p.entry.Values[l] != "" {
				continue
			}
			p.entry.Values[l] = v
			p.dirty = true
		}
	}

	err := withTx(ctx, c.db, func(tx *sql.Tx) error {
		for _, p := range order {
			if !p.isNew && !p.dirty {
				continue
			}
			p.entry.UpdateTime = stamp
			var q sq.Sqlizer
			if p.isNew {
				vals := []any{p.entry.StringID}
				for _, l := range row.Languages {
					vals = append(vals, p.entry.Values[l])
				}
				vals = append(vals, stamp)
				q = c.sq.Insert(table).Columns(columns()...).Values(vals...)
			} else {
				fields := map[string]any{colUpdateTime: stamp}
				for _, l := range row.Languages[1:] {
					fields[l] = p.entry.Values[l]
				}
				q = c.sq.Update(table).SetMap(fields).Where(sq.Eq{row.ColStringID: p.entry.StringID})
				st.Updated++
			}
			sqlStr, args, err := q.ToSql()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
				return fmt.Errorf("write %s: %w", p.entry.StringID, err)
			}
		}
		return nil
	})
	if err != nil {
		return IngestStats{}, c.storeErr(err)
	}
	c.log.Debugw("catalog ingest", "rows", st.Rows, "new", st.New, "updated", st.Updated, "excluded", st.Excluded)
	return st, nil
}

// Add stores a single Korean string under id, or returns the id it already
// has. It is the path used for ids minted outside the catalog's own sequence.
func (c *Catalog) Add(ctx context.Context, id, kr string) (string, error) {
	key := row.KoreanKey(kr)
	if key == "" {
		return "", report.Errorf(report.KindStore, c.path, "empty KR for %s", id)
	}
	if err := c.beginWrite(); err != nil {
		return "", err
	}
	defer c.writeMu.Unlock()
	e, err := c.Lookup(ctx, key)
	if err != nil {
		return "", err
	}
	if e != nil {
		return e.StringID, nil
	}
	vals := []any{row.Trim(id)}
	for _, l := range row.Languages {
		if l == row.KR {
			vals = append(vals, key)
		} else {
			vals = append(vals, "")
		}
	}
	vals = append(vals, c.opts.Now().Format(timeLayout))
	sqlStr, args, err := c.sq.Insert(table).Columns(columns()...).Values(vals...).ToSql()
	if err != nil {
		return "", err
	}
	if _, err := c.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return "", c.storeErr(err)
	}
	return row.Trim(id), nil
}
