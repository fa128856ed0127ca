// Package journal implements the memory-mapped journaling layer: the
// on-disk page layout, single-writer frame append, and the multi-source
// ordered reader every participant runs its event loop on.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"loom"
)

// Locator resolves locations to their on-disk artifacts. The default is
// filesystem-backed; tests substitute their own.
type Locator interface {
	// LayoutDir resolves (location, layout) to a directory, creating it
	// if needed.
	LayoutDir(l loom.Location, layout loom.Layout) (string, error)
	// LayoutFile resolves (location, layout, name) to a file path.
	LayoutFile(l loom.Location, layout loom.Layout, name string) (string, error)
	// ListPageIDs returns the sorted page numbers existing for the
	// (location, dest) journal.
	ListPageIDs(l loom.Location, dest uint32) ([]uint32, error)
	// ListLocations enumerates locations matching the given fields;
	// "*" matches anything.
	ListLocations(category, group, name, mode string) ([]loom.Location, error)
	// ListLocationDests returns the dest uids the location has journals for.
	ListLocationDests(l loom.Location) ([]uint32, error)
}

// HomeEnv overrides the deployment root when set.
const HomeEnv = "LOOM_HOME"

// ResolveHome picks the deployment root: explicit path, then $LOOM_HOME,
// then ~/.loom/home.
func ResolveHome(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if v, ok := os.LookupEnv(HomeEnv); ok && v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".loom", "home")
	}
	return filepath.Join(home, ".loom", "home")
}

// FSLocator lays locations out under a deployment home as
// home/<mode>/<category>/<group>/<name>/<layout>.
type FSLocator struct {
	Home string
}

func NewFSLocator(home string) *FSLocator {
	return &FSLocator{Home: ResolveHome(home)}
}

func (f *FSLocator) locationDir(l loom.Location) string {
	return filepath.Join(f.Home, l.Mode.String(), l.Category.String(), l.Group, l.Name)
}

func (f *FSLocator) LayoutDir(l loom.Location, layout loom.Layout) (string, error) {
	dir := filepath.Join(f.locationDir(l), layout.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create layout dir: %w", err)
	}
	return dir, nil
}

func (f *FSLocator) LayoutFile(l loom.Location, layout loom.Layout, name string) (string, error) {
	dir, err := f.LayoutDir(l, layout)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// PageFileName is "<dest_hex>.<page_no>.journal".
func PageFileName(dest uint32, pageNo uint32) string {
	return fmt.Sprintf("%08x.%d.journal", dest, pageNo)
}

func (f *FSLocator) ListPageIDs(l loom.Location, dest uint32) ([]uint32, error) {
	dir, err := f.LayoutDir(l, loom.LayoutJournal)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	prefix := fmt.Sprintf("%08x.", dest)
	var ids []uint32
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".journal") {
			continue
		}
		mid := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".journal")
		n, err := strconv.ParseUint(mid, 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(n))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *FSLocator) ListLocationDests(l loom.Location) ([]uint32, error) {
	dir, err := f.LayoutDir(l, loom.LayoutJournal)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list dests: %w", err)
	}
	seen := make(map[uint32]bool)
	var dests []uint32
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".journal") {
			continue
		}
		parts := strings.SplitN(name, ".", 2)
		if len(parts) != 2 || len(parts[0]) != 8 {
			continue
		}
		n, err := strconv.ParseUint(parts[0], 16, 32)
		if err != nil {
			continue
		}
		if !seen[uint32(n)] {
			seen[uint32(n)] = true
			dests = append(dests, uint32(n))
		}
	}
	sort.Slice(dests, func(i, j int) bool { return dests[i] < dests[j] })
	return dests, nil
}

func (f *FSLocator) ListLocations(category, group, name, mode string) ([]loom.Location, error) {
	pattern := filepath.Join(f.Home, orStar(mode), orStar(category), orStar(group), orStar(name))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	var out []loom.Location
	for _, dir := range matches {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		rel, err := filepath.Rel(f.Home, dir)
		if err != nil {
			continue
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 4 {
			continue
		}
		m, err := loom.ParseMode(parts[0])
		if err != nil {
			continue
		}
		c, err := loom.ParseCategory(parts[1])
		if err != nil {
			continue
		}
		out = append(out, loom.NewLocation(m, c, parts[2], parts[3]))
	}
	return out, nil
}

func orStar(s string) string {
	if s == "" {
		return "*"
	}
	return s
}
