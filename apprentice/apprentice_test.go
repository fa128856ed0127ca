package apprentice

import (
	"testing"
	"time"

	"loom"
	"loom/bus"
	"loom/dispatch"
	"loom/journal"
	"loom/master"
)

const testPageSize = 8 << 10

type fakeClock struct {
	ns int64
}

func (f *fakeClock) Now() int64 { return f.ns }

type fakePublisher struct {
	published []string
}

func (f *fakePublisher) Notify() error {
	f.published = append(f.published, "")
	return nil
}

func (f *fakePublisher) Publish(json string) error {
	f.published = append(f.published, json)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type fakeObserver struct{}

func (fakeObserver) Wait(time.Duration) (string, bool, error) { return "", false, nil }
func (fakeObserver) Close() error                             { return nil }

func newTestApprentice(t *testing.T, home string, clk *fakeClock, name string) (*Apprentice, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	a, err := New(Options{
		Home:         home,
		Location:     loom.NewLocation(loom.Live, loom.Strategy, "g", name),
		PageSize:     testPageSize,
		Clock:        clk,
		BusPublisher: pub,
		BusObserver:  fakeObserver{},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Core.Close() })
	return a, pub
}

func TestRegisterSendsNotice(t *testing.T) {
	clk := &fakeClock{ns: 1_000_000}
	a, pub := newTestApprentice(t, t.TempDir(), clk, "s")

	if err := a.register(); err != nil {
		t.Fatal(err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published = %v", pub.published)
	}
	n, err := bus.DecodeNotice([]byte(pub.published[0]))
	if err != nil {
		t.Fatal(err)
	}
	if n.MsgType != loom.MsgRegister || n.Source != a.Home.UID {
		t.Fatalf("notice = %+v", n)
	}
	reg, err := loom.DecodeRegister(n.Data)
	if err != nil {
		t.Fatal(err)
	}
	l, err := reg.Location()
	if err != nil {
		t.Fatal(err)
	}
	if l.UID != a.Home.UID {
		t.Fatalf("register names %s", l.Uname())
	}
}

func TestMasterIdentityRejected(t *testing.T) {
	_, err := New(Options{
		Home:         t.TempDir(),
		Location:     loom.MasterLocation(),
		BusPublisher: &fakePublisher{},
		BusObserver:  fakeObserver{},
	})
	if err == nil {
		t.Fatal("master identity accepted")
	}
}

func TestWriteGrantOpensWriter(t *testing.T) {
	clk := &fakeClock{ns: 1_000_000}
	a, _ := newTestApprentice(t, t.TempDir(), clk, "s")

	a.Events.Dispatch(dispatch.Message{
		Gen:     clk.ns,
		Type:    loom.MsgRequestWriteTo,
		Src:     a.cmdLoc.UID,
		Dst:     a.Home.UID,
		Payload: loom.RequestWriteTo{DestID: loom.PublicUID}.Encode(),
	})

	if _, ok := a.Writer(loom.PublicUID); !ok {
		t.Fatal("granted writer not opened")
	}
}

func TestBootstrapEventsUpdateState(t *testing.T) {
	clk := &fakeClock{ns: 1_000_000}
	a, _ := newTestApprentice(t, t.TempDir(), clk, "s")

	var days []int64
	started := 0
	a.OnTradingDay = func(day int64) { days = append(days, day) }
	a.OnStart = func() { started++ }

	other := loom.NewLocation(loom.Live, loom.MarketData, "x", "feed")
	a.Events.Dispatch(dispatch.Message{
		Gen: clk.ns, Type: loom.MsgRegister, Src: a.cmdLoc.UID,
		Payload: loom.RegisterFor(other, 2, clk.ns).Encode(),
	})
	a.Events.Dispatch(dispatch.Message{
		Gen: clk.ns, Type: loom.MsgChannel, Src: a.cmdLoc.UID,
		Payload: loom.Channel{SourceID: other.UID, DestID: loom.PublicUID}.Encode(),
	})
	a.Events.Dispatch(dispatch.Message{
		Gen: clk.ns, Type: loom.MsgTradingDay, Src: a.cmdLoc.UID,
		Payload: loom.TradingDay{Timestamp: 42}.Encode(),
	})
	a.Events.Dispatch(dispatch.Message{Gen: clk.ns, Type: loom.MsgRequestStart, Src: a.cmdLoc.UID})
	a.Events.Dispatch(dispatch.Message{Gen: clk.ns, Type: loom.MsgRequestStart, Src: a.cmdLoc.UID})

	if !a.IsLocationLive(other.UID) {
		t.Fatal("register snapshot not absorbed")
	}
	if !a.HasChannel(other.UID, loom.PublicUID) {
		t.Fatal("channel snapshot not absorbed")
	}
	if a.TradingDay() != 42 || len(days) != 1 {
		t.Fatalf("trading day = %d, hook runs = %d", a.TradingDay(), len(days))
	}
	if !a.Started() || started != 1 {
		t.Fatalf("started = %v, hook runs = %d", a.Started(), started)
	}

	// Deregister rolls the peer back out.
	a.Events.Dispatch(dispatch.Message{
		Gen: clk.ns, Type: loom.MsgDeregister, Src: a.cmdLoc.UID,
		Payload: loom.DeregisterFor(other).Encode(),
	})
	if a.IsLocationLive(other.UID) || a.HasChannel(other.UID, loom.PublicUID) {
		t.Fatal("deregister not absorbed")
	}
}

func TestRequestTimeWritesCommandFrame(t *testing.T) {
	clk := &fakeClock{ns: 1_000_000}
	home := t.TempDir()
	a, _ := newTestApprentice(t, home, clk, "s")

	if err := a.RequestTime(7, int64(100*time.Millisecond), 3); err != nil {
		t.Fatal(err)
	}

	store := journal.NewStore(journal.NewFSLocator(home), testPageSize, nil)
	r := store.NewReader()
	defer r.Close()
	if err := r.Join(a.Home, a.cmdLoc.UID, 0); err != nil {
		t.Fatal(err)
	}
	if !r.DataAvailable() {
		t.Fatal("no command frame")
	}
	fr := r.CurrentFrame()
	if fr.MsgType() != loom.MsgTimeRequest {
		t.Fatalf("tag = %d", fr.MsgType())
	}
	req, err := loom.DecodeTimeRequest(fr.Data())
	if err != nil {
		t.Fatal(err)
	}
	if req.ID != 7 || req.Repeat != 3 {
		t.Fatalf("request = %+v", req)
	}
}

// TestHandshakeEndToEnd drives a master and an apprentice over a shared
// deployment home, relaying the register notice by hand in place of the
// bus transport.
func TestHandshakeEndToEnd(t *testing.T) {
	home := t.TempDir()
	// A wall-clock start past the epoch's first day, so the derived
	// trading day (start of the UTC day) is non-zero.
	clk := &fakeClock{ns: 1_700_000_000_000_000_000}

	m, err := master.New(master.Options{
		Home:         home,
		PageSize:     testPageSize,
		Clock:        clk,
		BusPublisher: &fakePublisher{},
		BusObserver:  fakeObserver{},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	clk.ns += 1000
	a, pub := newTestApprentice(t, home, clk, "s")
	timeMarks := 0
	a.OnTime = func(dispatch.Event) { timeMarks++ }

	if err := a.register(); err != nil {
		t.Fatal(err)
	}

	// Relay the register notice the bus would have carried.
	n, err := bus.DecodeNotice([]byte(pub.published[0]))
	if err != nil {
		t.Fatal(err)
	}
	m.Events.Dispatch(dispatch.Message{
		Gen: n.GenTime, Type: n.MsgType, Src: n.Source, Dst: n.Dest, Payload: []byte(n.Data),
	})

	if !m.IsLocationLive(a.Home.UID) {
		t.Fatal("master did not register the app")
	}

	// The apprentice drains the bootstrap burst.
	for a.Step() {
	}
	if !a.Started() {
		t.Fatal("apprentice not released")
	}
	if a.TradingDay() == 0 {
		t.Fatal("trading day not announced")
	}
	if !a.IsLocationLive(a.Home.UID) {
		t.Fatal("apprentice does not see itself live")
	}
	if !a.HasChannel(a.Home.UID, loom.PublicUID) {
		t.Fatal("mandatory channel not announced")
	}
	if _, ok := a.Writer(loom.PublicUID); !ok {
		t.Fatal("write grant to PUBLIC not honored")
	}

	// Scenario: time request round trip through the journals.
	const duration = int64(100 * time.Millisecond)
	if err := a.RequestTime(7, duration, 3); err != nil {
		t.Fatal(err)
	}
	t0 := clk.ns
	for m.Step() {
	}
	m.Tick(t0 + 4*duration)
	for a.Step() {
	}
	if timeMarks != 3 {
		t.Fatalf("time marks = %d, want 3", timeMarks)
	}
}
