package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// DefaultPatterns select every workbook below the root.
var DefaultPatterns = []string{"**/*.xlsx", "**/*.xlsm"}

var workbookExts = []string{".xlsx", ".xlsm"}

// workbookPattern is a slash-separated glob split into the directory it is
// anchored at and the segments matched below it. A "**" segment spans any
// number of directories, none included.
type workbookPattern struct {
	base string
	segs []string
}

func parsePattern(root, p string) (workbookPattern, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	segs := strings.Split(filepath.ToSlash(filepath.Clean(p)), "/")
	i := 0
	for i < len(segs)-1 && !strings.ContainsAny(segs[i], `*?[\`) {
		i++
	}
	for _, s := range segs[i:] {
		if _, err := path.Match(s, ""); err != nil {
			return workbookPattern{}, fmt.Errorf("pattern %q: %w", p, err)
		}
	}
	base := filepath.FromSlash(strings.Join(segs[:i], "/"))
	if base == "" {
		base = string(filepath.Separator)
	}
	return workbookPattern{base: base, segs: segs[i:]}, nil
}

func (wp workbookPattern) match(rel string) bool {
	return matchSegments(wp.segs, strings.Split(rel, "/"))
}

func matchSegments(pat, name []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			for i := 0; i <= len(name); i++ {
				if matchSegments(pat[1:], name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		if ok, _ := path.Match(pat[0], name[0]); !ok {
			return false
		}
		pat, name = pat[1:], name[1:]
	}
	return len(name) == 0
}

// isWorkbook reports whether a file name is a workbook Discover returns:
// an .xlsx or .xlsm that is not an Office lock file (~$Book.xlsx).
func isWorkbook(name string) bool {
	if strings.HasPrefix(name, "~$") {
		return false
	}
	return lo.Contains(workbookExts, strings.ToLower(filepath.Ext(name)))
}

// Discover lists the workbooks below root matching patterns, sorted and
// without duplicates. Patterns are relative to root unless absolute; each
// distinct anchor directory is walked once. A missing anchor matches nothing.
func Discover(root string, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	byBase := map[string][]workbookPattern{}
	for _, p := range patterns {
		wp, err := parsePattern(root, p)
		if err != nil {
			return nil, err
		}
		byBase[wp.base] = append(byBase[wp.base], wp)
	}

	seen := map[string]struct{}{}
	for base, wps := range byBase {
		err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if p == base && errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() || !isWorkbook(d.Name()) {
				return nil
			}
			rel, err := filepath.Rel(base, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if lo.SomeBy(wps, func(wp workbookPattern) bool { return wp.match(rel) }) {
				seen[p] = struct{}{}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	out := lo.Keys(seen)
	sort.Strings(out)
	return out, nil
}
