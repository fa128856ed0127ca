package sqlite

import (
	"path/filepath"
	"testing"

	"loom"
	"loom/journal"
)

func openTestDB(t *testing.T) *ConfigStore {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "system.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewConfigStore(db)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestConfigStoreRoundTrip(t *testing.T) {
	store := openTestDB(t)

	c := loom.Config{Mode: "live", Category: "strategy", Group: "g", Name: "s", Value: `{"x":1}`}
	if err := store.SetConfig(c); err != nil {
		t.Fatal(err)
	}

	got, ok, err := store.GetConfig(c.Key())
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got != c {
		t.Fatalf("GetConfig = %+v, ok=%v", got, ok)
	}

	// Replace overwrites in place.
	c.Value = `{"x":2}`
	if err := store.SetConfig(c); err != nil {
		t.Fatal(err)
	}
	all, err := store.GetAllConfigs()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[c.Key()].Value != `{"x":2}` {
		t.Fatalf("GetAllConfigs = %+v", all)
	}

	if err := store.RemoveConfig(c.Key()); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.GetConfig(c.Key()); ok {
		t.Fatal("record survived removal")
	}
}

func TestConfigStoreMissingKey(t *testing.T) {
	store := openTestDB(t)

	if _, ok, err := store.GetConfig("live/strategy/g/absent"); ok || err != nil {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if _, _, err := store.GetConfig("not-a-key"); err == nil {
		t.Fatal("malformed key accepted")
	}
}

func TestSessionIndex(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "system.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	index, err := NewSessionIndex(db)
	if err != nil {
		t.Fatal(err)
	}

	l := loom.NewLocation(loom.Live, loom.Strategy, "g", "s")
	if err := index.OpenSession(l, 100); err != nil {
		t.Fatal(err)
	}
	if err := index.UpdateSession(l.UID, 150); err != nil {
		t.Fatal(err)
	}

	open, err := index.FindSessions(l.UID, 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].EndNS != 0 || open[0].UpdateNS != 150 {
		t.Fatalf("open session = %+v", open)
	}

	if err := index.CloseSession(l, 200); err != nil {
		t.Fatal(err)
	}
	closed, err := index.FindSessions(0, 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 1 || closed[0].EndNS != 200 {
		t.Fatalf("closed session = %+v", closed)
	}

	// Out-of-range queries come back empty.
	none, err := index.FindSessions(0, 500, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("out-of-range sessions = %+v", none)
	}
}

func TestSqlizerAbsorbRestore(t *testing.T) {
	home := t.TempDir()
	locator := journal.NewFSLocator(home)
	l := loom.NewLocation(loom.Live, loom.Strategy, "g", "s")

	sq, err := OpenSqlizer(locator, l)
	if err != nil {
		t.Fatal(err)
	}
	defer sq.Close()

	c := loom.Config{Mode: "live", Category: "strategy", Group: "g", Name: "s", Value: "v1"}
	if err := sq.Absorb(loom.MsgConfig, c.Encode(), 100); err != nil {
		t.Fatal(err)
	}
	// Same key again: latest wins.
	c.Value = "v2"
	if err := sq.Absorb(loom.MsgConfig, c.Encode(), 200); err != nil {
		t.Fatal(err)
	}
	// Non-state tags pass through.
	if err := sq.Absorb(loom.MsgPing, nil, 300); err != nil {
		t.Fatal(err)
	}

	store := journal.NewStore(locator, 4<<10, nil)
	w, err := store.OpenWriter(l, l.UID)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := sq.Restore(w); err != nil {
		t.Fatal(err)
	}

	r := store.NewReader()
	defer r.Close()
	if err := r.Join(l, l.UID, 0); err != nil {
		t.Fatal(err)
	}
	var restored []loom.Config
	for r.DataAvailable() {
		fr := r.CurrentFrame()
		if fr.MsgType() != loom.MsgConfig {
			t.Fatalf("unexpected restored tag %d", fr.MsgType())
		}
		got, err := loom.DecodeConfig(fr.Data())
		if err != nil {
			t.Fatal(err)
		}
		restored = append(restored, got)
		r.Next()
	}
	if len(restored) != 1 || restored[0].Value != "v2" {
		t.Fatalf("restored = %+v", restored)
	}
}
