package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"loom"
	"loom/journal"
)

const testPageSize = 4 << 10

func buildJournal(t *testing.T, home string, pages int) loom.Location {
	t.Helper()
	l := loom.NewLocation(loom.Live, loom.Strategy, "g", "s")
	store := journal.NewStore(journal.NewFSLocator(home), testPageSize, nil)
	w, err := store.OpenWriter(l, loom.PublicUID)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	payload := bytes.Repeat([]byte{0x5a}, 512)
	for {
		ids, err := store.ListPageIDs(l, loom.PublicUID)
		if err != nil {
			t.Fatal(err)
		}
		if len(ids) >= pages {
			return l
		}
		if err := w.Write(0, loom.MsgUserBase, payload); err != nil {
			t.Fatal(err)
		}
	}
}

func TestArchiveSkipsLivePage(t *testing.T) {
	home := t.TempDir()
	l := buildJournal(t, home, 3)
	locator := journal.NewFSLocator(home)

	res, err := New(locator).ArchiveLocation(l)
	if err != nil {
		t.Fatal(err)
	}
	if res.Archived != 2 {
		t.Fatalf("archived = %d, want 2", res.Archived)
	}
	if res.BytesOut >= res.BytesIn {
		t.Fatalf("no compression: %d -> %d", res.BytesIn, res.BytesOut)
	}

	dir, err := locator.LayoutDir(l, loom.LayoutJournal)
	if err != nil {
		t.Fatal(err)
	}
	archiveDir := filepath.Join(filepath.Dir(dir), "archive")
	for _, no := range []uint32{1, 2} {
		if _, err := os.Stat(filepath.Join(archiveDir, journal.PageFileName(loom.PublicUID, no)+".zst")); err != nil {
			t.Fatalf("page %d not archived: %v", no, err)
		}
	}
	if _, err := os.Stat(filepath.Join(archiveDir, journal.PageFileName(loom.PublicUID, 3)+".zst")); err == nil {
		t.Fatal("live page archived")
	}

	// Source pages stay put by default.
	if _, err := os.Stat(filepath.Join(dir, journal.PageFileName(loom.PublicUID, 1))); err != nil {
		t.Fatalf("source page removed: %v", err)
	}

	// A second run is a no-op.
	res, err = New(locator).ArchiveLocation(l)
	if err != nil {
		t.Fatal(err)
	}
	if res.BytesOut != 0 {
		t.Fatalf("re-archive rewrote data: %+v", res)
	}
}

func TestArchiveRemoveSource(t *testing.T) {
	home := t.TempDir()
	l := buildJournal(t, home, 2)
	locator := journal.NewFSLocator(home)

	ar := New(locator)
	ar.RemoveSource = true
	if _, err := ar.ArchiveLocation(l); err != nil {
		t.Fatal(err)
	}

	dir, err := locator.LayoutDir(l, loom.LayoutJournal)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, journal.PageFileName(loom.PublicUID, 1))); !os.IsNotExist(err) {
		t.Fatal("archived source page survived --rm")
	}
	if _, err := os.Stat(filepath.Join(dir, journal.PageFileName(loom.PublicUID, 2))); err != nil {
		t.Fatalf("live page removed: %v", err)
	}
}

func TestArchiveSingleLivePage(t *testing.T) {
	home := t.TempDir()
	l := buildJournal(t, home, 1)

	res, err := New(journal.NewFSLocator(home)).ArchiveLocation(l)
	if err != nil {
		t.Fatal(err)
	}
	if res.Archived != 0 {
		t.Fatalf("archived the live page: %+v", res)
	}
}
