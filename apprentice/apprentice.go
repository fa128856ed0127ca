// Package apprentice is the client half of the coordination protocol:
// it attaches to the master, performs the register handshake, honors
// channel grants, and surfaces time events to its host process.
package apprentice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"loom"
	"loom/bus"
	"loom/dispatch"
	"loom/internal/clock"
	"loom/journal"
	"loom/node"
)

// Options configures an apprentice.
type Options struct {
	// Home is the deployment root; empty resolves $LOOM_HOME.
	Home string
	// Location is this peer's identity.
	Location loom.Location
	// PageSize overrides the journal page size.
	PageSize int
	// Clock overrides the loop clock (tests).
	Clock clock.Clock
	// Locator overrides the filesystem locator (tests).
	Locator journal.Locator
	// Bus overrides the dialed sockets (tests).
	BusPublisher bus.Publisher
	BusObserver  bus.Observer
}

// Apprentice is one peer process. Like the master it runs a
// single-threaded loop; all state belongs to that goroutine.
type Apprentice struct {
	*node.Core

	masterLoc loom.Location
	cmdLoc    loom.Location

	started    bool
	tradingDay int64

	// OnTradingDay runs when the master announces the trading day.
	OnTradingDay func(day int64)
	// OnTime runs for every Time mark delivered to this peer.
	OnTime func(e dispatch.Event)
	// OnStart runs once when the master releases the peer to start.
	OnStart func()
}

// New builds an apprentice attached to the deployment's master.
func New(opts Options) (*Apprentice, error) {
	if opts.Location.Uname() == loom.MasterLocation().Uname() {
		return nil, fmt.Errorf("apprentice cannot use the master identity")
	}

	locator := opts.Locator
	if locator == nil {
		locator = journal.NewFSLocator(opts.Home)
	}
	store := journal.NewStore(locator, opts.PageSize, nil)
	if opts.Clock != nil {
		store.SetClock(opts.Clock)
	}

	masterLoc := loom.MasterLocation()

	pub, obs := opts.BusPublisher, opts.BusObserver
	if pub == nil && obs == nil {
		ep, err := bus.ReadEndpoints(locator, masterLoc)
		if err != nil {
			return nil, fmt.Errorf("master endpoints: %w", err)
		}
		if obs, err = bus.DialNotice(ep); err != nil {
			return nil, err
		}
		if pub, err = bus.DialService(ep); err != nil {
			_ = obs.Close()
			return nil, err
		}
	}

	core := node.New(opts.Location, store, pub, obs)
	if opts.Clock != nil {
		core.SetClock(opts.Clock)
	}

	a := &Apprentice{
		Core:      core,
		masterLoc: masterLoc,
		cmdLoc:    loom.MasterCommandLocation(opts.Location.UID),
	}
	_ = core.AddLocation(masterLoc)
	_ = core.AddLocation(a.cmdLoc)
	a.react()
	return a, nil
}

// Started reports whether the master has released this peer.
func (a *Apprentice) Started() bool { return a.started }

// TradingDay is the last announced trading day (ns), zero before the
// handshake completes.
func (a *Apprentice) TradingDay() int64 { return a.tradingDay }

// Run registers with the master and drives the event loop until ctx is
// cancelled, then deregisters.
func (a *Apprentice) Run(ctx context.Context) error {
	if err := a.register(); err != nil {
		return err
	}
	err := a.Core.Run(ctx)
	a.deregister()
	_ = a.Core.Close()
	return err
}

// register joins the master's broadcast and command journals and sends
// the Register request over the bus (no journal channel exists yet).
func (a *Apprentice) register() error {
	now := a.Clock().Now()
	if err := a.Reader.Join(a.masterLoc, loom.PublicUID, now); err != nil {
		return fmt.Errorf("join public: %w", err)
	}
	if err := a.Reader.Join(a.cmdLoc, a.Home.UID, now); err != nil {
		return fmt.Errorf("join command journal: %w", err)
	}

	reg := loom.RegisterFor(a.Home, os.Getpid(), now)
	notice := bus.Notice{
		MsgType: loom.MsgRegister,
		Source:  a.Home.UID,
		Dest:    a.masterLoc.UID,
		GenTime: now,
		Data:    json.RawMessage(reg.Encode()),
	}
	if pub := a.Publisher(); pub != nil {
		if err := pub.Publish(notice.Encode()); err != nil {
			return fmt.Errorf("send register: %w", err)
		}
	}
	return nil
}

// deregister announces departure through the command channel.
func (a *Apprentice) deregister() {
	w, err := a.commandWriter()
	if err != nil {
		slog.Warn("deregister skipped", "err", err)
		return
	}
	now := a.Clock().Now()
	if err := w.Write(now, loom.MsgDeregister, loom.DeregisterFor(a.Home).Encode()); err != nil {
		slog.Warn("deregister write", "err", err)
	}
}

// commandWriter is this peer's journal addressed at its master command
// companion; the master reads it.
func (a *Apprentice) commandWriter() (*journal.Writer, error) {
	return a.OpenWriter(a.cmdLoc.UID)
}

// RequestWriteTo asks the master to authorize writing to dest.
func (a *Apprentice) RequestWriteTo(dest uint32) error {
	w, err := a.commandWriter()
	if err != nil {
		return err
	}
	return w.Write(a.Clock().Now(), loom.MsgRequestWriteTo, loom.RequestWriteTo{DestID: dest}.Encode())
}

// RequestReadFrom asks the master to authorize reading source's journal
// from fromTime.
func (a *Apprentice) RequestReadFrom(source uint32, fromTime int64) error {
	w, err := a.commandWriter()
	if err != nil {
		return err
	}
	return w.Write(a.Clock().Now(), loom.MsgRequestReadFrom,
		loom.RequestReadFrom{SourceID: source, FromTime: fromTime}.Encode())
}

// RequestReadFromPublic asks for source's PUBLIC journal.
func (a *Apprentice) RequestReadFromPublic(source uint32, fromTime int64) error {
	w, err := a.commandWriter()
	if err != nil {
		return err
	}
	return w.Write(a.Clock().Now(), loom.MsgRequestReadFromPublic,
		loom.RequestReadFromPublic{SourceID: source, FromTime: fromTime}.Encode())
}

// RequestTime subscribes to periodic Time marks.
func (a *Apprentice) RequestTime(id int32, duration int64, repeat int32) error {
	w, err := a.commandWriter()
	if err != nil {
		return err
	}
	return w.Write(a.Clock().Now(), loom.MsgTimeRequest,
		loom.TimeRequest{ID: id, Duration: duration, Repeat: repeat}.Encode())
}

// Ping rings the master; the reply arrives as a bus notice.
func (a *Apprentice) Ping() error {
	pub := a.Publisher()
	if pub == nil {
		return fmt.Errorf("ping: no bus")
	}
	return pub.Publish(bus.Notice{
		MsgType: loom.MsgPing,
		Source:  a.Home.UID,
		GenTime: a.Clock().Now(),
	}.Encode())
}

// react installs the client-side handlers for the bootstrap burst and
// ongoing control traffic.
func (a *Apprentice) react() {
	a.Events.On(loom.MsgRequestWriteTo, func(e dispatch.Event) {
		req, err := loom.DecodeRequestWriteTo(e.Data())
		if err != nil {
			slog.Error("request_write_to dropped", "err", err)
			return
		}
		if _, err := a.OpenWriter(req.DestID); err != nil {
			slog.Error("open granted writer", "dest", req.DestID, "err", err)
		}
	})

	a.Events.On(loom.MsgRequestReadFrom, func(e dispatch.Event) {
		req, err := loom.DecodeRequestReadFrom(e.Data())
		if err != nil {
			slog.Error("request_read_from dropped", "err", err)
			return
		}
		src, ok := a.Location(req.SourceID)
		if !ok {
			slog.Error("request_read_from unknown source", "source", req.SourceID)
			return
		}
		if err := a.Reader.Join(src, a.Home.UID, req.FromTime); err != nil {
			slog.Error("join granted source", "source", src.Uname(), "err", err)
		}
	})

	a.Events.On(loom.MsgRequestReadFromPublic, func(e dispatch.Event) {
		req, err := loom.DecodeRequestReadFromPublic(e.Data())
		if err != nil {
			slog.Error("request_read_from_public dropped", "err", err)
			return
		}
		src, ok := a.Location(req.SourceID)
		if !ok {
			slog.Error("request_read_from_public unknown source", "source", req.SourceID)
			return
		}
		if err := a.Reader.Join(src, loom.PublicUID, req.FromTime); err != nil {
			slog.Error("join granted public source", "source", src.Uname(), "err", err)
		}
	})

	a.Events.On(loom.MsgLocation, func(e dispatch.Event) {
		msg, err := loom.DecodeLocationMsg(e.Data())
		if err != nil {
			slog.Error("location frame dropped", "err", err)
			return
		}
		l, err := msg.Location()
		if err != nil {
			slog.Error("location frame dropped", "err", err)
			return
		}
		if err := a.AddLocation(l); err != nil {
			slog.Error("location rejected", "location", l.Uname(), "err", err)
		}
	})

	a.Events.On(loom.MsgRegister, func(e dispatch.Event) {
		r, err := loom.DecodeRegister(e.Data())
		if err != nil {
			slog.Error("register frame dropped", "err", err)
			return
		}
		l, err := r.Location()
		if err != nil {
			slog.Error("register frame dropped", "err", err)
			return
		}
		if err := a.AddLocation(l); err != nil {
			slog.Error("register rejected", "location", l.Uname(), "err", err)
			return
		}
		a.RegisterLocation(r)
	})

	a.Events.On(loom.MsgDeregister, func(e dispatch.Event) {
		d, err := loom.DecodeDeregister(e.Data())
		if err != nil {
			slog.Error("deregister frame dropped", "err", err)
			return
		}
		a.DeregisterLocation(d.UID)
		a.DeregisterChannelBySource(d.UID)
		a.Reader.Disjoin(d.UID)
	})

	a.Events.On(loom.MsgChannel, func(e dispatch.Event) {
		ch, err := loom.DecodeChannel(e.Data())
		if err != nil {
			slog.Error("channel frame dropped", "err", err)
			return
		}
		a.RegisterChannel(ch)
	})

	a.Events.On(loom.MsgTradingDay, func(e dispatch.Event) {
		day, err := loom.DecodeTradingDay(e.Data())
		if err != nil {
			slog.Error("trading day dropped", "err", err)
			return
		}
		a.tradingDay = day.Timestamp
		if a.OnTradingDay != nil {
			a.OnTradingDay(day.Timestamp)
		}
	})

	a.Events.On(loom.MsgTime, func(e dispatch.Event) {
		if a.OnTime != nil {
			a.OnTime(e)
		}
	})

	a.Events.On(loom.MsgRequestStart, func(e dispatch.Event) {
		if a.started {
			return
		}
		a.started = true
		if a.OnStart != nil {
			a.OnStart()
		}
	})
}
