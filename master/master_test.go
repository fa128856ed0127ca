package master

import (
	"testing"
	"time"

	"loom"
	"loom/dispatch"
	"loom/journal"
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

type harness struct {
	m    *Master
	clk  *fakeClock
	pub  *fakePublisher
	home string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	home := t.TempDir()
	clk := &fakeClock{ns: 1_000_000_000_000}
	pub := &fakePublisher{}
	m, err := New(Options{
		Home:         home,
		PageSize:     testPageSize,
		Clock:        clk,
		BusPublisher: pub,
		BusObserver:  fakeObserver{},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return &harness{m: m, clk: clk, pub: pub, home: home}
}

// tags reads the tag sequence of one journal through a fresh reader.
func (h *harness) tags(t *testing.T, owner loom.Location, dest uint32) []int32 {
	t.Helper()
	store := journal.NewStore(journal.NewFSLocator(h.home), testPageSize, nil)
	r := store.NewReader()
	defer r.Close()
	if err := r.Join(owner, dest, 0); err != nil {
		t.Fatal(err)
	}
	var out []int32
	for r.DataAvailable() {
		out = append(out, r.CurrentFrame().MsgType())
		r.Next()
	}
	return out
}

func countTag(tags []int32, tag int32) int {
	n := 0
	for _, tg := range tags {
		if tg == tag {
			n++
		}
	}
	return n
}

func appLocation(name string) loom.Location {
	return loom.NewLocation(loom.Live, loom.Strategy, "g", name)
}

func (h *harness) register(t *testing.T, l loom.Location) {
	t.Helper()
	h.clk.ns += 1000
	reg := loom.RegisterFor(l, 1, h.clk.ns)
	h.m.Events.Dispatch(dispatch.Message{
		Gen:     h.clk.ns,
		Type:    loom.MsgRegister,
		Src:     l.UID,
		Dst:     h.m.Home.UID,
		Payload: reg.Encode(),
	})
}

func TestColdStartMarksSessionStart(t *testing.T) {
	h := newHarness(t)

	got := h.tags(t, h.m.Home, loom.PublicUID)
	if len(got) != 1 || got[0] != loom.MsgSessionStart {
		t.Fatalf("PUBLIC tags = %v", got)
	}
}

func TestRegisterAppHandshake(t *testing.T) {
	h := newHarness(t)
	app := appLocation("s")
	cmd := loom.MasterCommandLocation(app.UID)

	h.register(t, app)

	if !h.m.IsLocationLive(app.UID) {
		t.Fatal("app not live after register")
	}
	if !h.m.HasChannel(app.UID, loom.PublicUID) {
		t.Fatal("mandatory channel app -> PUBLIC missing")
	}
	if !h.m.HasChannel(app.UID, cmd.UID) {
		t.Fatal("mandatory channel app -> master_cmd missing")
	}

	// PUBLIC sequence: SessionStart, Register, Channel, Channel.
	public := h.tags(t, h.m.Home, loom.PublicUID)
	want := []int32{loom.MsgSessionStart, loom.MsgRegister, loom.MsgChannel, loom.MsgChannel}
	if len(public) != len(want) {
		t.Fatalf("PUBLIC tags = %v", public)
	}
	for i := range want {
		if public[i] != want[i] {
			t.Fatalf("PUBLIC tags = %v, want %v", public, want)
		}
	}

	// Command journal: session start first, then the bootstrap burst.
	burst := h.tags(t, cmd, app.UID)
	if len(burst) == 0 || burst[0] != loom.MsgSessionStart {
		t.Fatalf("command journal starts with %v", burst)
	}
	for _, tag := range []int32{
		loom.MsgRequestWriteTo, loom.MsgTradingDay, loom.MsgLocation,
		loom.MsgRequestStart, loom.MsgRegister, loom.MsgChannel,
	} {
		if countTag(burst, tag) == 0 {
			t.Fatalf("bootstrap burst missing %s: %v", loom.TagName(tag), burst)
		}
	}
	if countTag(burst, loom.MsgRequestWriteTo) != 2 {
		t.Fatalf("want 2 write grants, got %v", burst)
	}
}

func TestRequestStartPinnedToMasterEpoch(t *testing.T) {
	h := newHarness(t)
	app := appLocation("s")
	cmd := loom.MasterCommandLocation(app.UID)

	h.clk.ns += 5_000_000
	h.register(t, app)

	store := journal.NewStore(journal.NewFSLocator(h.home), testPageSize, nil)
	r := store.NewReader()
	defer r.Close()
	if err := r.Join(cmd, app.UID, 0); err != nil {
		t.Fatal(err)
	}
	for r.DataAvailable() {
		fr := r.CurrentFrame()
		if fr.MsgType() == loom.MsgRequestStart {
			if fr.TriggerTime() != h.m.StartTime() {
				t.Fatalf("RequestStart trigger = %d, want master epoch %d",
					fr.TriggerTime(), h.m.StartTime())
			}
			return
		}
		r.Next()
	}
	t.Fatal("RequestStart not found")
}

func TestDoubleRegisterIgnored(t *testing.T) {
	h := newHarness(t)
	app := appLocation("s")

	h.register(t, app)
	h.register(t, app)

	public := h.tags(t, h.m.Home, loom.PublicUID)
	if countTag(public, loom.MsgRegister) != 1 {
		t.Fatalf("second register induced a burst: %v", public)
	}
}

func TestPingRepliesOnBus(t *testing.T) {
	h := newHarness(t)

	h.m.Events.Dispatch(dispatch.Message{Gen: h.clk.ns, Type: loom.MsgPing, Src: 42})

	if len(h.pub.published) != 1 || h.pub.published[0] != "{}" {
		t.Fatalf("published = %q", h.pub.published)
	}
}

func TestTimeRequestDeliversMarks(t *testing.T) {
	h := newHarness(t)
	app := appLocation("s")
	cmd := loom.MasterCommandLocation(app.UID)
	h.register(t, app)

	const duration = int64(100 * time.Millisecond)
	t0 := h.clk.ns
	h.m.Events.Dispatch(dispatch.Message{
		Gen:     t0,
		Type:    loom.MsgTimeRequest,
		Src:     app.UID,
		Payload: loom.TimeRequest{ID: 7, Duration: duration, Repeat: 3}.Encode(),
	})

	// Nothing fires before the first checkpoint.
	h.m.Tick(t0 + duration/2)
	if n := countTag(h.tags(t, cmd, app.UID), loom.MsgTime); n != 0 {
		t.Fatalf("premature time marks: %d", n)
	}

	// Past the third checkpoint everything due fires, then the task is
	// dropped at its repeat limit.
	h.m.Tick(t0 + 7*duration/2)
	if n := countTag(h.tags(t, cmd, app.UID), loom.MsgTime); n != 3 {
		t.Fatalf("time marks = %d, want 3", n)
	}
	h.m.Tick(t0 + 10*duration)
	if n := countTag(h.tags(t, cmd, app.UID), loom.MsgTime); n != 3 {
		t.Fatalf("marks after repeat limit = %d, want 3", n)
	}
}

func TestTimeRequestUpsert(t *testing.T) {
	h := newHarness(t)
	app := appLocation("s")
	cmd := loom.MasterCommandLocation(app.UID)
	h.register(t, app)

	const duration = int64(100 * time.Millisecond)
	t0 := h.clk.ns
	send := func(repeat int32) {
		h.m.Events.Dispatch(dispatch.Message{
			Gen:     h.clk.ns,
			Type:    loom.MsgTimeRequest,
			Src:     app.UID,
			Payload: loom.TimeRequest{ID: 7, Duration: duration, Repeat: repeat}.Encode(),
		})
	}
	send(100)
	// Re-requesting the same id resets the schedule.
	send(1)

	h.m.Tick(t0 + 5*duration)
	if n := countTag(h.tags(t, cmd, app.UID), loom.MsgTime); n != 1 {
		t.Fatalf("upserted task fired %d times, want 1", n)
	}
}

func TestDeregisterCleanup(t *testing.T) {
	h := newHarness(t)
	app := appLocation("s")
	third := appLocation("third")
	h.register(t, app)
	h.register(t, third)

	// Give the app a pending timer so cleanup has something to drop.
	h.m.Events.Dispatch(dispatch.Message{
		Gen:     h.clk.ns,
		Type:    loom.MsgTimeRequest,
		Src:     app.UID,
		Payload: loom.TimeRequest{ID: 1, Duration: 1 << 30, Repeat: 100}.Encode(),
	})

	h.clk.ns += 1000
	h.m.Events.Dispatch(dispatch.Message{
		Gen:     h.clk.ns,
		Type:    loom.MsgDeregister,
		Src:     app.UID,
		Payload: loom.DeregisterFor(app).Encode(),
	})

	if h.m.IsLocationLive(app.UID) {
		t.Fatal("app still live")
	}
	if _, ok := h.m.Writer(app.UID); ok {
		t.Fatal("command writer survived")
	}
	if h.m.HasChannel(app.UID, loom.PublicUID) {
		t.Fatal("channel survived")
	}
	if _, ok := h.m.timerTasks[app.UID]; ok {
		t.Fatal("timer tasks survived")
	}
	if _, ok := h.m.appSqlizers[app.UID]; ok {
		t.Fatal("sqlizer survived")
	}

	public := h.tags(t, h.m.Home, loom.PublicUID)
	if countTag(public, loom.MsgDeregister) != 1 {
		t.Fatalf("no Deregister on PUBLIC: %v", public)
	}

	// A later read request against the departed peer is dropped.
	channelsBefore := countTag(h.tags(t, h.m.Home, loom.PublicUID), loom.MsgChannel)
	h.m.Events.Dispatch(dispatch.Message{
		Gen:     h.clk.ns,
		Type:    loom.MsgRequestReadFrom,
		Src:     third.UID,
		Payload: loom.RequestReadFrom{SourceID: app.UID, FromTime: 0}.Encode(),
	})
	channelsAfter := countTag(h.tags(t, h.m.Home, loom.PublicUID), loom.MsgChannel)
	if channelsAfter != channelsBefore {
		t.Fatal("stale request produced a channel")
	}
}

func TestRequestWriteToAuthorizesChannel(t *testing.T) {
	h := newHarness(t)
	a := appLocation("a")
	b := appLocation("b")
	h.register(t, a)
	h.register(t, b)

	h.clk.ns += 1000
	h.m.Events.Dispatch(dispatch.Message{
		Gen:     h.clk.ns,
		Type:    loom.MsgRequestWriteTo,
		Src:     a.UID,
		Payload: loom.RequestWriteTo{DestID: b.UID}.Encode(),
	})

	if !h.m.HasChannel(a.UID, b.UID) {
		t.Fatal("channel not recorded")
	}

	// b's command journal received the matching read grant.
	bCmd := loom.MasterCommandLocation(b.UID)
	if countTag(h.tags(t, bCmd, b.UID), loom.MsgRequestReadFrom) == 0 {
		t.Fatal("counterparty read grant missing")
	}
}

func TestBootstrapLoadsPersistedLocations(t *testing.T) {
	home := t.TempDir()
	clk := &fakeClock{ns: 1_000_000_000_000}
	opts := Options{
		Home:         home,
		PageSize:     testPageSize,
		Clock:        clk,
		BusPublisher: &fakePublisher{},
		BusObserver:  fakeObserver{},
	}

	peer := appLocation("persisted")

	m1, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := m1.ConfigStore().SetConfig(loom.ConfigFor(peer)); err != nil {
		t.Fatal(err)
	}
	if err := m1.Close(); err != nil {
		t.Fatal(err)
	}

	clk.ns += 1000
	m2, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer m2.Close()

	got, ok := m2.Location(peer.UID)
	if !ok || got.Uname() != peer.Uname() {
		t.Fatalf("persisted location not loaded: %v, %v", got, ok)
	}
	// Persisted does not mean live.
	if m2.IsLocationLive(peer.UID) {
		t.Fatal("persisted location counted live")
	}
}

func TestRegisterOpensSession(t *testing.T) {
	h := newHarness(t)
	app := appLocation("s")
	h.register(t, app)

	sessions, err := h.m.Store.FindSessions(app.UID, 0, h.clk.ns+1)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].EndNS != 0 {
		t.Fatalf("sessions = %+v", sessions)
	}

	h.clk.ns += 1000
	h.m.Events.Dispatch(dispatch.Message{
		Gen:     h.clk.ns,
		Type:    loom.MsgDeregister,
		Src:     app.UID,
		Payload: loom.DeregisterFor(app).Encode(),
	})
	sessions, err = h.m.Store.FindSessions(app.UID, 0, h.clk.ns+1)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].EndNS == 0 {
		t.Fatalf("session not closed: %+v", sessions)
	}
}
