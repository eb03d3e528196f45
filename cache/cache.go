// Package cache persists per-workbook sheet metadata so unchanged workbooks
// are not re-parsed.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"locsync/report"
	"locsync/workbook"
	"locsync/writer"
)

const filePrefix = "wbcache_"

// SheetEntry is the cached layout of one sheet.
type SheetEntry struct {
	HeaderRow       int            `json:"header_row"`
	Columns         []string       `json:"columns"`
	ColumnPositions map[string]int `json:"column_positions"`
	PK              []string       `json:"pk"`
	Rows            int            `json:"rows"`
}

// Entry is the cached metadata of one workbook.
type Entry struct {
	Path   string                `json:"path"`
	MTime  float64               `json:"mtime"`
	Sheets map[string]SheetEntry `json:"sheets"`
	// Order keeps the physical sheet order, which JSON objects lose.
	Order []string `json:"sheet_order,omitempty"`
}

// Fresh reports whether the entry matches the given modification time.
func (e *Entry) Fresh(mod time.Time) bool {
	return e != nil && e.MTime == epochSeconds(mod)
}

// Meta converts the entry back into reader metadata.
func (e *Entry) Meta() *workbook.Meta {
	m := &workbook.Meta{Path: e.Path, ModTime: fromEpochSeconds(e.MTime)}
	names := e.Order
	if len(names) != len(e.Sheets) {
		names = make([]string, 0, len(e.Sheets))
		for name := range e.Sheets {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	for _, name := range names {
		s, ok := e.Sheets[name]
		if !ok {
			continue
		}
		m.Sheets = append(m.Sheets, workbook.SheetMeta{
			Name:      name,
			HeaderRow: s.HeaderRow,
			Columns:   s.Columns,
			Positions: s.ColumnPositions,
			PK:        s.PK,
			Rows:      s.Rows,
		})
	}
	return m
}

// EntryFromMeta builds a cache entry from reader metadata.
func EntryFromMeta(m *workbook.Meta) Entry {
	e := Entry{Path: m.Path, MTime: epochSeconds(m.ModTime), Sheets: make(map[string]SheetEntry, len(m.Sheets))}
	for _, s := range m.Sheets {
		e.Sheets[s.Name] = SheetEntry{
			HeaderRow:       s.HeaderRow,
			Columns:         s.Columns,
			ColumnPositions: s.Positions,
			PK:              s.PK,
			Rows:            s.Rows,
		}
		e.Order = append(e.Order, s.Name)
	}
	return e
}

func epochSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func fromEpochSeconds(s float64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// Fingerprint returns the stable cache key of a root folder.
func Fingerprint(root string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	sum := sha256.Sum256([]byte(filepath.ToSlash(filepath.Clean(abs))))
	return hex.EncodeToString(sum[:])[:16]
}

// FileName returns the cache file path for a root inside dir.
func FileName(dir, root string) string {
	return filepath.Join(dir, filePrefix+Fingerprint(root)+".json")
}

// MetaFunc runs the metadata pass over one workbook.
type MetaFunc func(path string) (*workbook.Meta, error)

// Cache maps root-relative workbook paths to their entries.
type Cache struct {
	mu      sync.Mutex
	root    string
	path    string
	entries map[string]Entry
	dirty   bool
	log     *zap.SugaredLogger
}

// Open loads the cache for root from dir. A missing or corrupt file yields an
// empty cache.
func Open(dir, root string, log *zap.SugaredLogger) *Cache {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &Cache{
		root:    root,
		path:    FileName(dir, root),
		entries: map[string]Entry{},
		log:     log,
	}
	b, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnw("cache unreadable, starting empty", "file", c.path, "err", err)
		}
		return c
	}
	var entries map[string]Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		log.Warnw("cache corrupt, starting empty", "file", c.path, "err", err)
		return c
	}
	if entries != nil {
		c.entries = entries
	}
	return c
}

// Path is the cache file location.
func (c *Cache) Path() string { return c.path }

// Len returns the number of cached workbooks.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Key returns the root-relative slash path used to index a workbook.
func (c *Cache) Key(path string) string {
	rel, err := filepath.Rel(c.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// Lookup returns the cached metadata of a workbook when it is still fresh.
func (c *Cache) Lookup(path string, mod time.Time) (*workbook.Meta, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[c.Key(path)]
	if !ok || !e.Fresh(mod) {
		return nil, false
	}
	return e.Meta(), true
}

// Put records fresh metadata for a workbook.
func (c *Cache) Put(m *workbook.Meta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.Key(m.Path)] = EntryFromMeta(m)
	c.dirty = true
}

// ScanStats summarizes one Scan.
type ScanStats struct {
	Hits    int
	Misses  int
	Dropped int
}

// Scan returns metadata for each path, reusing fresh entries and re-running
// metaFn for stale or missing ones. Entries for workbooks not in paths are
// dropped. Per-file failures are returned keyed by path.
func (c *Cache) Scan(paths []string, metaFn MetaFunc) (map[string]*workbook.Meta, map[string]error, ScanStats) {
	out := make(map[string]*workbook.Meta, len(paths))
	failed := map[string]error{}
	var stats ScanStats
	keep := make(map[string]struct{}, len(paths))

	for _, p := range paths {
		key := c.Key(p)
		keep[key] = struct{}{}
		info, err := os.Stat(p)
		if err != nil {
			failed[p] = report.Wrap(report.KindFileOpen, p, err)
			continue
		}
		if m, ok := c.Lookup(p, info.ModTime()); ok {
			m.Path = p
			out[p] = m
			stats.Hits++
			continue
		}
		stats.Misses++
		m, err := metaFn(p)
		if err != nil {
			c.log.Warnw("metadata pass failed", "file", p, "kind", report.KindOf(err), "err", err)
			failed[p] = err
			continue
		}
		c.Put(m)
		out[p] = m
	}

	c.mu.Lock()
	for key := range c.entries {
		if _, ok := keep[key]; !ok {
			delete(c.entries, key)
			stats.Dropped++
			c.dirty = true
		}
	}
	c.mu.Unlock()
	c.log.Debugw("cache scan", "hits", stats.Hits, "misses", stats.Misses, "dropped", stats.Dropped)
	return out, failed, stats
}

// Save writes the cache atomically when it changed.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	b, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	if err := writer.WriteFileAtomic(c.path, b); err != nil {
		return err
	}
	c.dirty = false
	return nil
}

