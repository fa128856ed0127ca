package master

import (
	"log/slog"

	"loom"
	"loom/dispatch"
	"loom/infra/sqlite"
)

// react installs the master's event handlers. Subscription order
// matters: the any-handler keeps sessions and sqlizers current before
// any tag handler runs.
func (m *Master) react() {
	m.Events.OnAny(func(e dispatch.Event) {
		if err := m.Store.UpdateSession(e.Source(), e.GenTime()); err != nil {
			slog.Error("update session", "source", e.Source(), "err", err)
		}
		if sq, ok := m.appSqlizers[e.Source()]; ok {
			if err := sq.Absorb(e.MsgType(), e.Data(), e.GenTime()); err != nil {
				slog.Error("sqlize frame", "source", e.Source(), "err", err)
			}
		}
	})

	m.Events.On(loom.MsgPing, func(e dispatch.Event) {
		if pub := m.Publisher(); pub != nil {
			if err := pub.Publish("{}"); err != nil {
				slog.Error("ping reply", "err", err)
			}
		}
	})

	m.Events.On(loom.MsgLocation, func(e dispatch.Event) {
		msg, err := loom.DecodeLocationMsg(e.Data())
		if err != nil {
			slog.Error("location frame dropped", "source", e.Source(), "err", err)
			return
		}
		l, err := msg.Location()
		if err != nil {
			slog.Error("location frame dropped", "source", e.Source(), "err", err)
			return
		}
		if err := m.AddLocation(l); err != nil {
			slog.Error("location rejected", "location", l.Uname(), "err", err)
			return
		}
		if w, ok := m.Writer(loom.PublicUID); ok {
			if err := w.Write(e.GenTime(), loom.MsgLocation, msg.Encode()); err != nil {
				slog.Error("location rebroadcast", "err", err)
			}
		}
	})

	m.Events.On(loom.MsgRegister, m.registerApp)

	m.Events.On(loom.MsgDeregister, func(e dispatch.Event) {
		d, err := loom.DecodeDeregister(e.Data())
		if err != nil {
			slog.Error("deregister frame dropped", "source", e.Source(), "err", err)
			return
		}
		uid := d.UID
		if uid == 0 {
			uid = e.Source()
		}
		if !m.IsLocationLive(uid) {
			slog.Warn("deregister for location not live", "uid", uid)
			return
		}
		m.deregisterApp(e.GenTime(), uid)
	})

	m.Events.On(loom.MsgRequestWriteTo, func(e dispatch.Event) {
		req, err := loom.DecodeRequestWriteTo(e.Data())
		if err != nil {
			slog.Error("request_write_to dropped", "source", e.Source(), "err", err)
			return
		}
		if !m.CheckLocationLive(e.Source(), req.DestID) {
			slog.Error("request_write_to for dead location",
				"source", e.Source(), "dest", req.DestID)
			return
		}
		src, ok := m.Location(e.Source())
		if !ok {
			slog.Error("request_write_to from unknown location", "source", e.Source())
			return
		}
		if err := m.Reader.Join(src, req.DestID, e.GenTime()); err != nil {
			slog.Error("join failed", "source", src.Uname(), "err", err)
			return
		}
		if err := m.RequireWriteTo(e.GenTime(), e.Source(), req.DestID); err != nil {
			slog.Error("require_write_to", "err", err)
		}
		if req.DestID != loom.PublicUID {
			if err := m.RequireReadFrom(0, req.DestID, e.Source(), e.GenTime()); err != nil {
				slog.Error("require_read_from", "err", err)
			}
		}
		m.publishChannel(e.GenTime(), loom.Channel{SourceID: e.Source(), DestID: req.DestID})
	})

	m.Events.On(loom.MsgRequestReadFrom, func(e dispatch.Event) {
		req, err := loom.DecodeRequestReadFrom(e.Data())
		if err != nil {
			slog.Error("request_read_from dropped", "source", e.Source(), "err", err)
			return
		}
		if !m.CheckLocationLive(req.SourceID, e.Source()) {
			slog.Error("request_read_from for dead location",
				"requester", e.Source(), "source", req.SourceID)
			return
		}
		src, ok := m.Location(req.SourceID)
		if !ok {
			slog.Error("request_read_from unknown source", "source", req.SourceID)
			return
		}
		if err := m.Reader.Join(src, e.Source(), e.GenTime()); err != nil {
			slog.Error("join failed", "source", src.Uname(), "err", err)
			return
		}
		if err := m.RequireWriteTo(e.GenTime(), req.SourceID, e.Source()); err != nil {
			slog.Error("require_write_to", "err", err)
		}
		if err := m.RequireReadFrom(e.GenTime(), e.Source(), req.SourceID, req.FromTime); err != nil {
			slog.Error("require_read_from", "err", err)
		}
		m.publishChannel(e.GenTime(), loom.Channel{SourceID: req.SourceID, DestID: e.Source()})
	})

	m.Events.On(loom.MsgRequestReadFromPublic, func(e dispatch.Event) {
		req, err := loom.DecodeRequestReadFromPublic(e.Data())
		if err != nil {
			slog.Error("request_read_from_public dropped", "source", e.Source(), "err", err)
			return
		}
		if err := m.RequireReadFromPublic(e.GenTime(), e.Source(), req.SourceID, req.FromTime); err != nil {
			slog.Error("require_read_from_public", "err", err)
		}
	})

	m.Events.On(loom.MsgTimeRequest, func(e dispatch.Event) {
		req, err := loom.DecodeTimeRequest(e.Data())
		if err != nil {
			slog.Error("time_request dropped", "source", e.Source(), "err", err)
			return
		}
		tasks, ok := m.timerTasks[e.Source()]
		if !ok {
			tasks = make(map[int32]*timerTask)
			m.timerTasks[e.Source()] = tasks
		}
		tasks[req.ID] = &timerTask{
			checkpoint:  m.Clock().Now() + req.Duration,
			duration:    req.Duration,
			repeatCount: 0,
			repeatLimit: req.Repeat,
		}
		slog.Debug("time request", "source", e.Source(), "id", req.ID,
			"duration", req.Duration, "repeat", req.Repeat)
	})
}

// publishChannel records an authorized channel and announces it on
// PUBLIC.
func (m *Master) publishChannel(triggerTime int64, ch loom.Channel) {
	m.RegisterChannel(ch)
	if w, ok := m.Writer(loom.PublicUID); ok {
		if err := w.Write(triggerTime, loom.MsgChannel, ch.Encode()); err != nil {
			slog.Error("channel publish", "err", err)
		}
	}
}

// registerApp performs the protocol handshake for an arriving peer.
func (m *Master) registerApp(e dispatch.Event) {
	data, err := loom.DecodeRegister(e.Data())
	if err != nil {
		slog.Error("register frame dropped", "err", err)
		return
	}
	appLoc, err := data.Location()
	if err != nil {
		slog.Error("register with bad location", "err", err)
		return
	}

	if m.IsLocationLive(appLoc.UID) {
		slog.Error("location already registered live", "location", appLoc.Uname())
		return
	}

	now := m.Clock().Now()
	cmdLoc := loom.MasterCommandLocation(appLoc.UID)

	if err := m.AddLocation(appLoc); err != nil {
		slog.Error("register rejected", "location", appLoc.Uname(), "err", err)
		return
	}
	if err := m.AddLocation(cmdLoc); err != nil {
		slog.Error("register rejected", "location", cmdLoc.Uname(), "err", err)
		return
	}
	m.RegisterLocation(data)
	m.appLocations[appLoc.UID] = cmdLoc.UID

	w, err := m.OpenWriterAt(cmdLoc, appLoc.UID)
	if err != nil {
		slog.Error("open command writer", "location", appLoc.Uname(), "err", err)
		m.DeregisterLocation(appLoc.UID)
		delete(m.appLocations, appLoc.UID)
		return
	}
	if err := m.Reader.Join(appLoc, loom.PublicUID, now); err != nil {
		slog.Error("join public journal", "location", appLoc.Uname(), "err", err)
	}
	if err := m.Reader.Join(appLoc, cmdLoc.UID, now); err != nil {
		slog.Error("join command journal", "location", appLoc.Uname(), "err", err)
	}

	if pw, ok := m.Writer(loom.PublicUID); ok {
		if err := pw.Write(e.GenTime(), loom.MsgRegister, data.Encode()); err != nil {
			slog.Error("register publish", "err", err)
		}
	}

	if err := m.Store.OpenSession(appLoc, e.GenTime()); err != nil {
		slog.Error("open app session", "location", appLoc.Uname(), "err", err)
	}
	if err := w.Mark(e.GenTime(), loom.MsgSessionStart); err != nil {
		slog.Error("session start mark", "location", appLoc.Uname(), "err", err)
	}

	if err := m.RequireWriteTo(e.GenTime(), appLoc.UID, loom.PublicUID); err != nil {
		slog.Error("require_write_to public", "err", err)
	}
	if err := m.RequireWriteTo(e.GenTime(), appLoc.UID, cmdLoc.UID); err != nil {
		slog.Error("require_write_to master_cmd", "err", err)
	}
	m.publishChannel(e.GenTime(), loom.Channel{SourceID: appLoc.UID, DestID: loom.PublicUID})
	m.publishChannel(e.GenTime(), loom.Channel{SourceID: appLoc.UID, DestID: cmdLoc.UID})

	if err := m.writeTradingDay(e.GenTime(), w); err != nil {
		slog.Error("write trading day", "err", err)
	}
	if err := m.writeLocations(e.GenTime(), w); err != nil {
		slog.Error("write locations", "err", err)
	}

	sq, err := sqlite.OpenSqlizer(m.Store.Locator(), appLoc)
	if err != nil {
		slog.Error("open sqlizer", "location", appLoc.Uname(), "err", err)
	} else {
		m.appSqlizers[appLoc.UID] = sq
		if err := sq.Restore(w); err != nil {
			slog.Error("restore state", "location", appLoc.Uname(), "err", err)
		}
	}

	// RequestStart is pinned to the master session epoch, not the
	// event's gen_time.
	if err := w.Mark(m.startTime, loom.MsgRequestStart); err != nil {
		slog.Error("request start mark", "err", err)
	}

	if err := m.writeRegisters(e.GenTime(), w); err != nil {
		slog.Error("write registers", "err", err)
	}
	if err := m.writeChannels(e.GenTime(), w); err != nil {
		slog.Error("write channels", "err", err)
	}

	if m.OnRegister != nil {
		m.OnRegister(e, appLoc)
	}
}

// deregisterApp tears a peer down: session, channels, registry,
// writers, timers, sqlizer, reader sources.
func (m *Master) deregisterApp(triggerTime int64, uid uint32) {
	loc, ok := m.Location(uid)
	if !ok {
		slog.Error("deregister unknown location", "uid", uid)
		return
	}

	if w, wok := m.Writer(uid); wok {
		if err := w.Mark(triggerTime, loom.MsgSessionEnd); err != nil {
			slog.Error("session end mark", "location", loc.Uname(), "err", err)
		}
	}
	if err := m.Store.CloseSession(loc, triggerTime); err != nil {
		slog.Error("close app session", "location", loc.Uname(), "err", err)
	}

	m.DeregisterChannelBySource(uid)
	m.DeregisterLocation(uid)
	m.Reader.Disjoin(uid)
	m.CloseWriter(uid)
	delete(m.timerTasks, uid)
	delete(m.appLocations, uid)
	if sq, sok := m.appSqlizers[uid]; sok {
		_ = sq.Close()
		delete(m.appSqlizers, uid)
	}

	if w, wok := m.Writer(loom.PublicUID); wok {
		if err := w.Write(triggerTime, loom.MsgDeregister, loom.DeregisterFor(loc).Encode()); err != nil {
			slog.Error("deregister publish", "err", err)
		}
	}
}
