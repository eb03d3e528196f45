// Package snapshot persists translation rows in the translation_data table and
// merges workbook ingestions into it.
package snapshot

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"locsync/dblock"
	"locsync/report"
	"locsync/row"
)

const DefaultBatchSize = 500

// pragmas are applied on every connection.
const pragmas = "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=cache_size(10000)&_pragma=busy_timeout(5000)"

type Options struct {
	BatchSize int
	Log       *zap.SugaredLogger
	// Now stamps update_time; defaults to time.Now.
	Now func() time.Time
	// Progress is called after each workbook group commits.
	Progress func(file string, done, total int)
}

// Group is the set of rows read from one workbook. Groups commit atomically.
type Group struct {
	File string
	Rows []row.Row
}

// Stats counts the effect of a build or update.
type Stats struct {
	Files       int
	New         int
	Updated     int
	Deleted     int
	Reactivated int
	Unchanged   int
	Duplicates  []report.Duplicate
}

// Counts flattens the stats for a pipeline result.
func (s *Stats) Counts() map[string]int {
	return map[string]int{
		"new":         s.New,
		"updated":     s.Updated,
		"deleted":     s.Deleted,
		"reactivated": s.Reactivated,
		"unchanged":   s.Unchanged,
		"duplicates":  len(s.Duplicates),
	}
}

type Store struct {
	db       *gorm.DB
	path     string
	lock     io.Closer
	readOnly bool
	opts     Options
	log      *zap.SugaredLogger
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + pragmas
}

func openDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn(path)), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, report.Wrap(report.KindStore, path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, report.Wrap(report.KindStore, path, err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func withDefaults(opts Options) Options {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return opts
}

// Open opens the snapshot for writing, holding the writer lock until Close.
func Open(path string, opts Options) (*Store, error) {
	opts = withDefaults(opts)
	lock, err := dblock.Acquire(path)
	if err != nil {
		return nil, err
	}
	db, err := openDB(path)
	if err != nil {
		_ = lock.Close()
		return nil, err
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		s := &Store{db: db, lock: lock}
		return nil, multierr.Append(report.Wrap(report.KindStore, path, err), s.Close())
	}
	return &Store{db: db, path: path, lock: lock, opts: opts, log: opts.Log}, nil
}

// OpenReadOnly opens an existing snapshot for querying without taking the
// writer lock or touching the schema.
func OpenReadOnly(path string, opts Options) (*Store, error) {
	opts = withDefaults(opts)
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, path: path, readOnly: true, opts: opts, log: opts.Log}, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var err error
	if s.db != nil {
		if sqlDB, dbErr := s.db.DB(); dbErr == nil {
			err = multierr.Append(err, sqlDB.Close())
		} else {
			err = multierr.Append(err, dbErr)
		}
		s.db = nil
	}
	if s.lock != nil {
		err = multierr.Append(err, s.lock.Close())
		s.lock = nil
	}
	return err
}

func (s *Store) Path() string { return s.path }

func (s *Store) writable() error {
	if s.readOnly {
		return report.Errorf(report.KindStore, s.path, "snapshot opened read-only")
	}
	return nil
}

func (s *Store) now() string { return s.opts.Now().Format(TimeLayout) }

func cancelled(ctx context.Context) bool { return ctx.Err() != nil }

// Build discards the stored table and loads groups into a fresh one. Within the
// build the first active occurrence of a string_id becomes the active record;
// later occurrences are stored inactive and reported as duplicates.
func (s *Store) Build(ctx context.Context, groups []Group) (*Stats, error) {
	if err := s.writable(); err != nil {
		return nil, err
	}
	stats := &Stats{}
	m := s.db.WithContext(ctx).Migrator()
	if err := m.DropTable(&Record{}); err != nil {
		return stats, report.Wrap(report.KindStore, s.path, err)
	}
	if err := s.db.WithContext(ctx).AutoMigrate(&Record{}); err != nil {
		return stats, report.Wrap(report.KindStore, s.path, err)
	}

	activeSeen := make(map[string]struct{})
	locations := make(map[string][]report.Location)
	var order []string
	now := s.now()

	for i, g := range groups {
		if cancelled(ctx) {
			stats.Duplicates = collectDuplicates(order, locations)
			return stats, report.ErrCancelled
		}
		recs := make([]Record, 0, len(g.Rows))
		groupSeen := make(map[string]struct{})
		for j := range g.Rows {
			rw := &g.Rows[j]
			id := row.Trim(rw.StringID)
			if id == "" {
				continue
			}
			if _, ok := locations[id]; !ok {
				order = append(order, id)
			}
			locations[id] = append(locations[id], report.Location{File: rw.FileName, Sheet: rw.SheetName, Row: rw.RowIndex})

			status := row.StatusActive
			if !rw.Active() {
				status = row.StatusInactive
			} else if _, dup := activeSeen[id]; dup {
				status = row.StatusInactive
			} else if _, dup := groupSeen[id]; dup {
				status = row.StatusInactive
			}
			if status == row.StatusActive {
				groupSeen[id] = struct{}{}
			}
			recs = append(recs, newRecord(rw, status, now))
		}
		// finish the current workbook even if cancellation arrives mid-commit
		txCtx := context.WithoutCancel(ctx)
		err := s.db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
			if len(recs) == 0 {
				return nil
			}
			return tx.CreateInBatches(recs, s.opts.BatchSize).Error
		})
		if err != nil {
			s.log.Warnw("build commit failed", "file", g.File, "kind", report.KindStore, "err", err)
			stats.Duplicates = collectDuplicates(order, locations)
			return stats, report.Wrap(report.KindStore, g.File, err)
		}
		for id := range groupSeen {
			activeSeen[id] = struct{}{}
		}
		stats.Files++
		stats.New += len(recs)
		s.log.Debugw("build committed", "file", g.File, "rows", len(recs))
		if s.opts.Progress != nil {
			s.opts.Progress(g.File, i+1, len(groups))
		}
	}
	stats.Duplicates = collectDuplicates(order, locations)
	return stats, nil
}

func collectDuplicates(order []string, locations map[string][]report.Location) []report.Duplicate {
	var out []report.Duplicate
	for _, id := range order {
		if locs := locations[id]; len(locs) > 1 {
			out = append(out, report.Duplicate{StringID: id, Locations: locs})
		}
	}
	return out
}

// Records returns stored records in insertion order, optionally only active ones.
func (s *Store) Records(ctx context.Context, activeOnly bool) ([]Record, error) {
	var recs []Record
	q := s.db.WithContext(ctx).Model(&Record{})
	if activeOnly {
		q = q.Where("status = ?", string(row.StatusActive))
	}
	if err := q.Order("id asc").Find(&recs).Error; err != nil {
		return nil, report.Wrap(report.KindStore, s.path, err)
	}
	return recs, nil
}

// LoadActive materializes the active rows keyed by string_id.
func (s *Store) LoadActive(ctx context.Context) (map[string]row.Row, error) {
	recs, err := s.Records(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make(map[string]row.Row, len(recs))
	for i := range recs {
		if _, ok := out[recs[i].StringID]; ok {
			continue
		}
		out[recs[i].StringID] = recs[i].Row()
	}
	return out, nil
}

// LoadAll materializes every stored row, history included, in insertion order.
func (s *Store) LoadAll(ctx context.Context) ([]row.Row, error) {
	recs, err := s.Records(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]row.Row, len(recs))
	for i := range recs {
		out[i] = recs[i].Row()
	}
	return out, nil
}

// ActiveRows returns the active rows in insertion order, for diffing.
func (s *Store) ActiveRows(ctx context.Context) ([]row.Row, error) {
	recs, err := s.Records(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]row.Row, len(recs))
	for i := range recs {
		out[i] = recs[i].Row()
	}
	return out, nil
}

// Count returns the number of records with the given status, or all records
// when status is empty.
func (s *Store) Count(ctx context.Context, status row.Status) (int64, error) {
	var n int64
	q := s.db.WithContext(ctx).Model(&Record{})
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if err := q.Count(&n).Error; err != nil {
		return 0, report.Wrap(report.KindStore, s.path, err)
	}
	return n, nil
}

// Duplicates lists string_ids stored more than once, with every location.
func (s *Store) Duplicates(ctx context.Context) ([]report.Duplicate, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Record{}).
		Select("string_id").
		Group("string_id").
		Having("COUNT(*) > 1").
		Order("string_id").
		Pluck("string_id", &ids).Error
	if err != nil {
		return nil, report.Wrap(report.KindStore, s.path, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var recs []Record
	if err := s.db.WithContext(ctx).Where("string_id IN ?", ids).Order("string_id, id").Find(&recs).Error; err != nil {
		return nil, report.Wrap(report.KindStore, s.path, err)
	}
	byID := make(map[string][]report.Location, len(ids))
	for _, r := range recs {
		byID[r.StringID] = append(byID[r.StringID], report.Location{File: r.FileName, Sheet: r.SheetName, Row: r.RowIndex})
	}
	out := make([]report.Duplicate, 0, len(ids))
	for _, id := range ids {
		out = append(out, report.Duplicate{StringID: id, Locations: byID[id]})
	}
	return out, nil
}

func (s *Store) String() string {
	return fmt.Sprintf("snapshot(%s)", s.path)
}
