package loom

import "testing"

func TestLocationUID(t *testing.T) {
	l := NewLocation(Live, Strategy, "alpha", "momentum")

	if l.Uname() != "live/strategy/alpha/momentum" {
		t.Fatalf("Uname() = %q", l.Uname())
	}
	// The uid must always be derivable from the uname alone.
	if l.UID != Hash32(l.Uname()) {
		t.Fatalf("UID = %08x, want %08x", l.UID, Hash32(l.Uname()))
	}
	if l.UID == 0 {
		t.Fatal("uid collides with PUBLIC")
	}

	again := NewLocation(Live, Strategy, "alpha", "momentum")
	if again.UID != l.UID {
		t.Fatalf("uid not stable: %08x vs %08x", again.UID, l.UID)
	}

	other := NewLocation(Live, Strategy, "alpha", "reversion")
	if other.UID == l.UID {
		t.Fatalf("distinct locations share uid %08x", l.UID)
	}
}

func TestParseModeCategory(t *testing.T) {
	for _, m := range []Mode{Live, Data, Replay, Backtest} {
		got, err := ParseMode(m.String())
		if err != nil {
			t.Fatalf("ParseMode(%q): %v", m.String(), err)
		}
		if got != m {
			t.Fatalf("ParseMode(%q) = %v", m.String(), got)
		}
	}
	if _, err := ParseMode("simulated"); err == nil {
		t.Fatal("ParseMode accepted garbage")
	}

	for _, c := range []Category{MarketData, Trade, Strategy, System} {
		got, err := ParseCategory(c.String())
		if err != nil {
			t.Fatalf("ParseCategory(%q): %v", c.String(), err)
		}
		if got != c {
			t.Fatalf("ParseCategory(%q) = %v", c.String(), got)
		}
	}
}

func TestMasterCommandLocation(t *testing.T) {
	app := NewLocation(Live, Strategy, "g", "s")
	cmd := MasterCommandLocation(app.UID)

	if cmd.Category != System || cmd.Group != "master" {
		t.Fatalf("command location = %s", cmd.Uname())
	}
	if cmd.UID == app.UID {
		t.Fatal("command location shares the app uid")
	}
	if MasterCommandLocation(app.UID) != cmd {
		t.Fatal("command location not deterministic")
	}
}
