// Package node is the shared half of every participant: the location
// registry, channel set, writer table, and the single-threaded event
// loop that drains the journal reader and parks on the notification
// bus. The master and apprentice build on it.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"loom"
	"loom/bus"
	"loom/dispatch"
	"loom/internal/clock"
	"loom/journal"
)

const (
	// DefaultWaitTimeout bounds the bus wait so timers keep firing even
	// when no peer rings the bell.
	DefaultWaitTimeout = 10 * time.Millisecond

	// maxBatch caps frames drained per loop turn; timer delivery stays
	// bounded under a firehose of journal data.
	maxBatch = 512
)

// Core is the event-loop state shared by master and apprentice. All
// mutation happens on the loop goroutine; nothing here is safe for
// concurrent use.
type Core struct {
	Home   loom.Location
	Store  *journal.Store
	Reader *journal.Reader
	Events *dispatch.Dispatcher

	writers   map[uint32]*journal.Writer
	locations map[uint32]loom.Location
	registry  map[uint32]loom.Register
	channels  map[uint64]loom.Channel

	pub bus.Publisher
	obs bus.Observer

	clock       clock.Clock
	waitTimeout time.Duration

	// Tick runs at the top of every loop turn, before frames are
	// drained; the master delivers timer marks here.
	Tick func(now int64)
}

// New builds a core for the given home location. pub and obs may be nil
// (the loop then degrades to short sleeps).
func New(home loom.Location, store *journal.Store, pub bus.Publisher, obs bus.Observer) *Core {
	c := &Core{
		Home:        home,
		Store:       store,
		Reader:      store.NewReader(),
		Events:      dispatch.New(),
		writers:     make(map[uint32]*journal.Writer),
		locations:   make(map[uint32]loom.Location),
		registry:    make(map[uint32]loom.Register),
		channels:    make(map[uint64]loom.Channel),
		pub:         pub,
		obs:         obs,
		clock:       clock.Real{},
		waitTimeout: DefaultWaitTimeout,
	}
	c.locations[home.UID] = home
	return c
}

// SetClock swaps the loop clock (tests).
func (c *Core) SetClock(k clock.Clock) { c.clock = k }

// Clock returns the loop clock.
func (c *Core) Clock() clock.Clock { return c.clock }

// Publisher returns the bus publisher, possibly nil.
func (c *Core) Publisher() bus.Publisher { return c.pub }

// AddLocation records a location. Re-adding the same identity is a
// no-op; a different identity under the same uid is a hash collision
// and is rejected.
func (c *Core) AddLocation(l loom.Location) error {
	if have, ok := c.locations[l.UID]; ok {
		if have.Uname() != l.Uname() {
			return fmt.Errorf("uid collision %08x: %s vs %s", l.UID, have.Uname(), l.Uname())
		}
		return nil
	}
	c.locations[l.UID] = l
	return nil
}

// Location resolves a uid.
func (c *Core) Location(uid uint32) (loom.Location, bool) {
	l, ok := c.locations[uid]
	return l, ok
}

// Locations returns the full location map (live view; do not retain).
func (c *Core) Locations() map[uint32]loom.Location { return c.locations }

// RegisterLocation marks a location live.
func (c *Core) RegisterLocation(r loom.Register) {
	l, err := r.Location()
	if err != nil {
		slog.Error("register with bad location", "err", err)
		return
	}
	c.registry[l.UID] = r
}

// DeregisterLocation removes the live mark.
func (c *Core) DeregisterLocation(uid uint32) {
	delete(c.registry, uid)
}

// IsLocationLive reports whether uid has a live register entry.
func (c *Core) IsLocationLive(uid uint32) bool {
	_, ok := c.registry[uid]
	return ok
}

// Registry returns the live register records (live view; do not retain).
func (c *Core) Registry() map[uint32]loom.Register { return c.registry }

// CheckLocationLive reports whether both ends of a prospective channel
// are live; PUBLIC counts as always live.
func (c *Core) CheckLocationLive(sourceUID, destUID uint32) bool {
	if sourceUID != loom.PublicUID && !c.IsLocationLive(sourceUID) {
		return false
	}
	if destUID != loom.PublicUID && !c.IsLocationLive(destUID) {
		return false
	}
	return true
}

func channelKey(ch loom.Channel) uint64 {
	return uint64(ch.SourceID)<<32 | uint64(ch.DestID)
}

// RegisterChannel records an authorized (source, dest) pair.
func (c *Core) RegisterChannel(ch loom.Channel) {
	c.channels[channelKey(ch)] = ch
}

// DeregisterChannelBySource drops every channel touching uid.
func (c *Core) DeregisterChannelBySource(uid uint32) {
	for k, ch := range c.channels {
		if ch.SourceID == uid || ch.DestID == uid {
			delete(c.channels, k)
		}
	}
}

// HasChannel reports whether (source, dest) is authorized.
func (c *Core) HasChannel(sourceUID, destUID uint32) bool {
	_, ok := c.channels[channelKey(loom.Channel{SourceID: sourceUID, DestID: destUID})]
	return ok
}

// Channels returns the authorized channel set (live view; do not retain).
func (c *Core) Channels() map[uint64]loom.Channel { return c.channels }

// OpenWriter opens (or returns) the writer from the home location to
// dest, keyed by dest.
func (c *Core) OpenWriter(dest uint32) (*journal.Writer, error) {
	return c.OpenWriterAt(c.Home, dest)
}

// OpenWriterAt opens a writer at an arbitrary owning location — the
// master writes peer command journals at their companion locations.
func (c *Core) OpenWriterAt(owner loom.Location, dest uint32) (*journal.Writer, error) {
	if w, ok := c.writers[dest]; ok {
		return w, nil
	}
	w, err := c.Store.OpenWriter(owner, dest)
	if err != nil {
		return nil, err
	}
	c.writers[dest] = w
	return w, nil
}

// Writer returns the open writer keyed by dest uid.
func (c *Core) Writer(dest uint32) (*journal.Writer, bool) {
	w, ok := c.writers[dest]
	return w, ok
}

// CloseWriter closes and forgets the writer keyed by dest.
func (c *Core) CloseWriter(dest uint32) {
	if w, ok := c.writers[dest]; ok {
		_ = w.Close()
		delete(c.writers, dest)
	}
}

// RequireWriteTo instructs the peer owning the appUID command journal to
// open a writer towards dest.
func (c *Core) RequireWriteTo(triggerTime int64, appUID, destUID uint32) error {
	w, ok := c.writers[appUID]
	if !ok {
		return fmt.Errorf("require_write_to: no writer for %08x", appUID)
	}
	return w.Write(triggerTime, loom.MsgRequestWriteTo, loom.RequestWriteTo{DestID: destUID}.Encode())
}

// RequireReadFrom instructs the peer to join sourceUID's journal from
// fromTime.
func (c *Core) RequireReadFrom(triggerTime int64, appUID, sourceUID uint32, fromTime int64) error {
	w, ok := c.writers[appUID]
	if !ok {
		return fmt.Errorf("require_read_from: no writer for %08x", appUID)
	}
	return w.Write(triggerTime, loom.MsgRequestReadFrom,
		loom.RequestReadFrom{SourceID: sourceUID, FromTime: fromTime}.Encode())
}

// RequireReadFromPublic instructs the peer to join sourceUID's PUBLIC
// journal from fromTime.
func (c *Core) RequireReadFromPublic(triggerTime int64, appUID, sourceUID uint32, fromTime int64) error {
	w, ok := c.writers[appUID]
	if !ok {
		return fmt.Errorf("require_read_from_public: no writer for %08x", appUID)
	}
	return w.Write(triggerTime, loom.MsgRequestReadFromPublic,
		loom.RequestReadFromPublic{SourceID: sourceUID, FromTime: fromTime}.Encode())
}

// Run drives the event loop until ctx is cancelled. One suspension
// point only: the bounded bus wait when a turn drained no frames (due
// timers have already fired in Tick by then).
func (c *Core) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if c.Tick != nil {
			c.Tick(c.clock.Now())
		}

		if c.Step() {
			continue
		}

		if c.obs == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		notice, ok, err := c.obs.Wait(c.waitTimeout)
		if err != nil {
			// Bus failure: fall back to short sleeps and keep serving.
			slog.Error("bus wait failed", "err", err)
			time.Sleep(c.waitTimeout)
			continue
		}
		if ok && notice != "" {
			c.dispatchNotice(notice)
		}
	}
}

// Step drains currently available frames through the dispatcher and
// reports whether any progress was made. Run calls it continuously;
// embedders without their own loop can drive it directly.
func (c *Core) Step() bool {
	progress := false
	for i := 0; i < maxBatch && c.Reader.DataAvailable(); i++ {
		fr := c.Reader.CurrentFrame()
		c.Events.Dispatch(fr)
		c.Reader.Next()
		progress = true
	}
	return progress
}

// dispatchNotice folds a bus control string into the event stream as a
// synthetic event.
func (c *Core) dispatchNotice(payload string) {
	n, err := bus.DecodeNotice([]byte(payload))
	if err != nil {
		// Untyped notices ("{}" ping replies and external signals) are
		// wakeups, not events.
		slog.Debug("untyped bus notice", "payload", payload)
		return
	}
	gen := n.GenTime
	if gen == 0 {
		gen = c.clock.Now()
	}
	c.Events.Dispatch(dispatch.Message{
		Gen:     gen,
		Trigger: gen,
		Type:    n.MsgType,
		Src:     n.Source,
		Dst:     n.Dest,
		Payload: []byte(n.Data),
	})
}

// Close releases every journal mapping and bus socket.
func (c *Core) Close() error {
	for dest, w := range c.writers {
		_ = w.Close()
		delete(c.writers, dest)
	}
	_ = c.Reader.Close()
	if c.pub != nil {
		_ = c.pub.Close()
	}
	if c.obs != nil {
		_ = c.obs.Close()
	}
	return nil
}
