// Package master implements the coordinator: it arbitrates peer
// lifecycle, brokers journal channels, distributes time events, and
// persists per-peer configuration.
package master

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"loom"
	"loom/bus"
	"loom/dispatch"
	"loom/infra/sqlite"
	"loom/internal/clock"
	"loom/journal"
	"loom/node"
)

// DefaultCheckInterval is the interval-check cadence; a config knob,
// not a constant of the protocol.
const DefaultCheckInterval = time.Second

// timerTask is one scheduled periodic Time mark for a peer.
type timerTask struct {
	checkpoint  int64
	duration    int64
	repeatCount int32
	repeatLimit int32
}

// Options configures a master.
type Options struct {
	// Home is the deployment root; empty resolves $LOOM_HOME.
	Home string
	// PageSize overrides the journal page size (power of two).
	PageSize int
	// CheckInterval overrides the interval-check cadence.
	CheckInterval time.Duration
	// TradingDay is the active trading day (ns); zero derives the
	// start of the current UTC day.
	TradingDay int64
	// DriftCheck enables the NTP drift checker goroutine.
	DriftCheck bool
	// Clock overrides the loop clock (tests).
	Clock clock.Clock
	// Locator overrides the filesystem locator (tests).
	Locator journal.Locator
	// Bus overrides the bound bus sockets (tests). When nil the master
	// binds its ipc endpoints under the nanomsg layout.
	BusPublisher bus.Publisher
	BusObserver  bus.Observer
}

// Master owns the registry, the channel set, and the timer table. It
// runs a single-threaded event loop; no state here is shared across
// goroutines.
type Master struct {
	*node.Core

	startTime     int64
	lastCheck     int64
	checkInterval time.Duration
	tradingDay    int64

	timerTasks   map[uint32]map[int32]*timerTask
	appLocations map[uint32]uint32
	appSqlizers  map[uint32]*sqlite.Sqlizer

	configs *sqlite.ConfigStore
	db      *sql.DB
	drift   *clock.DriftChecker

	// OnRegister runs after a successful handshake.
	OnRegister func(e dispatch.Event, app loom.Location)
	// OnIntervalCheck runs on every interval check, after the drift warning.
	OnIntervalCheck func(now int64)
}

// New builds the master: opens the home page store, loads persisted
// config locations, opens the master session, and marks SessionStart on
// PUBLIC.
func New(opts Options) (*Master, error) {
	home := loom.MasterLocation()

	locator := opts.Locator
	if locator == nil {
		locator = journal.NewFSLocator(opts.Home)
	}

	dbPath, err := locator.LayoutFile(home, loom.LayoutSqlite, "system.db")
	if err != nil {
		return nil, err
	}
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, err
	}
	sessions, err := sqlite.NewSessionIndex(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	configs, err := sqlite.NewConfigStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	store := journal.NewStore(locator, opts.PageSize, sessions)
	if opts.Clock != nil {
		store.SetClock(opts.Clock)
	}

	pub, obs := opts.BusPublisher, opts.BusObserver
	if pub == nil && obs == nil {
		ep, err := bus.WriteEndpoints(locator, home)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if pub, err = bus.BindNotice(ep); err != nil {
			_ = db.Close()
			return nil, err
		}
		if obs, err = bus.BindService(ep); err != nil {
			_ = pub.Close()
			_ = db.Close()
			return nil, err
		}
	}

	core := node.New(home, store, pub, obs)
	if opts.Clock != nil {
		core.SetClock(opts.Clock)
	}

	checkInterval := opts.CheckInterval
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}

	m := &Master{
		Core:          core,
		startTime:     core.Clock().Now(),
		checkInterval: checkInterval,
		tradingDay:    opts.TradingDay,
		timerTasks:    make(map[uint32]map[int32]*timerTask),
		appLocations:  make(map[uint32]uint32),
		appSqlizers:   make(map[uint32]*sqlite.Sqlizer),
		configs:       configs,
		db:            db,
	}
	if m.tradingDay == 0 {
		m.tradingDay = startOfDay(m.startTime)
	}
	if opts.DriftCheck {
		m.drift = clock.NewDriftChecker(core.Clock())
	}

	// Prior peers become discoverable before they reconnect; a broken
	// config store at bootstrap is fatal.
	all, err := configs.GetAllConfigs()
	if err != nil {
		_ = m.closeResources()
		return nil, fmt.Errorf("bootstrap config load: %w", err)
	}
	for _, c := range all {
		l, err := c.Location()
		if err != nil {
			slog.Error("skipping persisted config with bad location", "key", c.Key(), "err", err)
			continue
		}
		if err := core.AddLocation(l); err != nil {
			slog.Error("skipping persisted config", "key", c.Key(), "err", err)
		}
	}

	if err := store.OpenSession(home, m.startTime); err != nil {
		_ = m.closeResources()
		return nil, err
	}
	pw, err := core.OpenWriter(loom.PublicUID)
	if err != nil {
		_ = m.closeResources()
		return nil, err
	}
	if err := pw.Mark(m.startTime, loom.MsgSessionStart); err != nil {
		_ = m.closeResources()
		return nil, err
	}

	core.Tick = m.tick
	m.react()
	return m, nil
}

// ConfigStore exposes the persisted configuration records.
func (m *Master) ConfigStore() *sqlite.ConfigStore { return m.configs }

// StartTime is the epoch of this master session.
func (m *Master) StartTime() int64 { return m.startTime }

// Run drives the event loop until ctx is cancelled, then performs the
// exit sequence.
func (m *Master) Run(ctx context.Context) error {
	if m.drift != nil {
		go m.drift.Run(ctx)
	}
	err := m.Core.Run(ctx)
	m.onExit()
	return err
}

// Close performs the exit sequence without Run: closes the master
// session, marks SessionEnd on PUBLIC, and releases every resource.
// Run performs this itself on cancellation.
func (m *Master) Close() error {
	m.onExit()
	return nil
}

// tick delivers due timer marks and the periodic interval check.
func (m *Master) tick(now int64) {
	for appUID, tasks := range m.timerTasks {
		w, ok := m.Writer(appUID)
		if !ok {
			continue
		}
		for id, task := range tasks {
			for task.checkpoint <= now {
				if err := w.MarkWithTime(task.checkpoint, loom.MsgTime); err != nil {
					slog.Error("time mark failed", "app", appUID, "err", err)
					break
				}
				task.checkpoint += task.duration
				task.repeatCount++
				if task.repeatCount >= task.repeatLimit {
					delete(tasks, id)
					break
				}
			}
		}
		if len(tasks) == 0 {
			delete(m.timerTasks, appUID)
		}
	}

	if now-m.lastCheck >= int64(m.checkInterval) {
		m.intervalCheck(now)
		m.lastCheck = now
	}
}

func (m *Master) intervalCheck(now int64) {
	if m.drift != nil {
		if st := m.drift.Status(); st.Phase == clock.DriftExcessive {
			slog.Warn("wall clock drifting", "offset", st.Offset)
		}
	}
	if m.OnIntervalCheck != nil {
		m.OnIntervalCheck(now)
	}
}

// onExit closes the master session and marks SessionEnd on PUBLIC.
func (m *Master) onExit() {
	now := m.Clock().Now()
	if err := m.Store.CloseSession(m.Home, now); err != nil {
		slog.Error("close master session", "err", err)
	}
	if w, ok := m.Writer(loom.PublicUID); ok {
		if err := w.Mark(now, loom.MsgSessionEnd); err != nil {
			slog.Error("session end mark", "err", err)
		}
	}
	_ = m.closeResources()
}

func (m *Master) closeResources() error {
	for uid, sq := range m.appSqlizers {
		_ = sq.Close()
		delete(m.appSqlizers, uid)
	}
	_ = m.Core.Close()
	return m.db.Close()
}

// PublishTradingDay rebroadcasts the trading day on PUBLIC.
func (m *Master) PublishTradingDay() error {
	w, ok := m.Writer(loom.PublicUID)
	if !ok {
		return fmt.Errorf("publish trading day: no public writer")
	}
	return m.writeTradingDay(0, w)
}

func (m *Master) writeTradingDay(triggerTime int64, w *journal.Writer) error {
	return w.Write(triggerTime, loom.MsgTradingDay, loom.TradingDay{Timestamp: m.tradingDay}.Encode())
}

func (m *Master) writeLocations(triggerTime int64, w *journal.Writer) error {
	for _, l := range m.Locations() {
		if err := w.Write(triggerTime, loom.MsgLocation, loom.LocationMsgFor(l).Encode()); err != nil {
			return err
		}
	}
	return nil
}

func (m *Master) writeRegisters(triggerTime int64, w *journal.Writer) error {
	for _, r := range m.Registry() {
		if err := w.Write(triggerTime, loom.MsgRegister, r.Encode()); err != nil {
			return err
		}
	}
	return nil
}

func (m *Master) writeChannels(triggerTime int64, w *journal.Writer) error {
	for _, ch := range m.Channels() {
		if err := w.Write(triggerTime, loom.MsgChannel, ch.Encode()); err != nil {
			return err
		}
	}
	return nil
}

func startOfDay(ns int64) int64 {
	t := time.Unix(0, ns).UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.UnixNano()
}
