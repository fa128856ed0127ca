// Package archive compresses completed journal pages. Only pages that
// are no longer the append target are eligible; readers never consult
// archives, so this is purely an operator-driven space reclaim.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"loom"
	"loom/journal"
)

// Archiver compresses pages of one location's journals into an
// "archive" sibling directory next to the journal layout.
type Archiver struct {
	locator journal.Locator
	// RemoveSource deletes the page file after a successful archive.
	RemoveSource bool
}

func New(locator journal.Locator) *Archiver {
	return &Archiver{locator: locator}
}

// Result reports one archive run.
type Result struct {
	Archived int
	BytesIn  int64
	BytesOut int64
	Skipped  int
}

// ArchiveLocation compresses every completed page of every journal the
// location owns. The last page of each journal stays untouched — it is
// the live append target.
func (a *Archiver) ArchiveLocation(l loom.Location) (Result, error) {
	var res Result

	dests, err := a.locator.ListLocationDests(l)
	if err != nil {
		return res, err
	}
	for _, dest := range dests {
		ids, err := a.locator.ListPageIDs(l, dest)
		if err != nil {
			return res, err
		}
		if len(ids) <= 1 {
			res.Skipped += len(ids)
			continue
		}
		// All but the highest-numbered page are complete.
		for _, no := range ids[:len(ids)-1] {
			in, out, err := a.archivePage(l, dest, no)
			if err != nil {
				return res, err
			}
			res.Archived++
			res.BytesIn += in
			res.BytesOut += out
		}
		res.Skipped++
	}
	return res, nil
}

func (a *Archiver) archivePage(l loom.Location, dest, no uint32) (int64, int64, error) {
	name := journal.PageFileName(dest, no)
	src, err := a.locator.LayoutFile(l, loom.LayoutJournal, name)
	if err != nil {
		return 0, 0, err
	}
	dir, err := a.locator.LayoutDir(l, loom.LayoutJournal)
	if err != nil {
		return 0, 0, err
	}
	archiveDir := filepath.Join(filepath.Dir(dir), "archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return 0, 0, fmt.Errorf("create archive dir: %w", err)
	}
	dst := filepath.Join(archiveDir, name+".zst")

	if _, err := os.Stat(dst); err == nil {
		return 0, 0, nil // already archived
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, 0, fmt.Errorf("open page: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, 0, fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return 0, 0, fmt.Errorf("zstd writer: %w", err)
	}
	written, err := io.Copy(enc, in)
	if err != nil {
		_ = enc.Close()
		_ = os.Remove(dst)
		return 0, 0, fmt.Errorf("compress page %s: %w", name, err)
	}
	if err := enc.Close(); err != nil {
		_ = os.Remove(dst)
		return 0, 0, fmt.Errorf("finish archive %s: %w", name, err)
	}

	info, err := out.Stat()
	if err != nil {
		return written, 0, nil
	}
	if a.RemoveSource {
		if err := os.Remove(src); err != nil {
			return written, info.Size(), fmt.Errorf("remove archived page: %w", err)
		}
	}
	return written, info.Size(), nil
}
