package journal

import (
	"errors"
	"fmt"
	"os"

	"loom"
	"loom/internal/clock"
)

// ErrNoPage reports a read of a page file that does not exist yet.
var ErrNoPage = errors.New("journal: no such page")

// Session is one liveness interval of a location, bracketed by
// SessionStart and SessionEnd marks.
type Session struct {
	UID      uint32
	Uname    string
	BeginNS  int64
	EndNS    int64
	UpdateNS int64
}

// SessionIndex persists session intervals for debugging and replay.
// The sqlite-backed implementation lives in infra/sqlite.
type SessionIndex interface {
	OpenSession(l loom.Location, ns int64) error
	CloseSession(l loom.Location, ns int64) error
	UpdateSession(uid uint32, ns int64) error
	FindSessions(source uint32, fromNS, toNS int64) ([]Session, error)
}

// Store is the page store: it owns the directory/file layout of journal
// pages and the session index, and hands out writers and readers.
type Store struct {
	locator  Locator
	pageSize int
	sessions SessionIndex
	clock    clock.Clock
}

// NewStore builds a page store. sessions may be nil for participants
// that do not keep a session index. pageSize <= 0 selects the default.
func NewStore(locator Locator, pageSize int, sessions SessionIndex) *Store {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Store{locator: locator, pageSize: pageSize, sessions: sessions, clock: clock.Real{}}
}

// SetClock replaces the store clock; writers opened afterwards use it.
func (s *Store) SetClock(c clock.Clock) { s.clock = c }

func (s *Store) Locator() Locator { return s.locator }
func (s *Store) PageSize() int    { return s.pageSize }

func (s *Store) pagePath(l loom.Location, dest, no uint32) (string, error) {
	return s.locator.LayoutFile(l, loom.LayoutJournal, PageFileName(dest, no))
}

// OpenPageForAppend maps the last page of the (writer, dest) journal for
// writing, allocating page 1 when the journal is new.
func (s *Store) OpenPageForAppend(l loom.Location, dest uint32) (*Page, error) {
	ids, err := s.locator.ListPageIDs(l, dest)
	if err != nil {
		return nil, err
	}
	no := uint32(1)
	if len(ids) > 0 {
		no = ids[len(ids)-1]
	}
	return s.openAppendPage(l, dest, no)
}

func (s *Store) openAppendPage(l loom.Location, dest, no uint32) (*Page, error) {
	path, err := s.pagePath(l, dest, no)
	if err != nil {
		return nil, err
	}
	return OpenPage(path, s.pageSize, no, l.UID, dest, s.clock.Now(), true)
}

// OpenPageForRead maps an existing page read-only. Returns ErrNoPage
// when the numbered page has not been allocated.
func (s *Store) OpenPageForRead(l loom.Location, dest, no uint32) (*Page, error) {
	path, err := s.pagePath(l, dest, no)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoPage
		}
		return nil, fmt.Errorf("stat page: %w", err)
	}
	return OpenPage(path, s.pageSize, no, l.UID, dest, 0, false)
}

// ListPageIDs returns the existing page numbers for a journal.
func (s *Store) ListPageIDs(l loom.Location, dest uint32) ([]uint32, error) {
	return s.locator.ListPageIDs(l, dest)
}

// OpenWriter positions a writer at the append point of the (l, dest)
// journal. The caller must be the journal's single producer.
func (s *Store) OpenWriter(l loom.Location, dest uint32) (*Writer, error) {
	return openWriter(s, l, dest)
}

// NewReader returns an empty reader; attach sources with Join.
func (s *Store) NewReader() *Reader {
	return &Reader{store: s}
}

// OpenSession records the start of a location's liveness interval.
func (s *Store) OpenSession(l loom.Location, ns int64) error {
	if s.sessions == nil {
		return nil
	}
	return s.sessions.OpenSession(l, ns)
}

// CloseSession records the end of a location's liveness interval.
func (s *Store) CloseSession(l loom.Location, ns int64) error {
	if s.sessions == nil {
		return nil
	}
	return s.sessions.CloseSession(l, ns)
}

// UpdateSession bumps the last-seen timestamp of the open session.
func (s *Store) UpdateSession(uid uint32, ns int64) error {
	if s.sessions == nil {
		return nil
	}
	return s.sessions.UpdateSession(uid, ns)
}

// FindSessions queries session intervals overlapping [fromNS, toNS].
// source 0 matches all locations.
func (s *Store) FindSessions(source uint32, fromNS, toNS int64) ([]Session, error) {
	if s.sessions == nil {
		return nil, nil
	}
	return s.sessions.FindSessions(source, fromNS, toNS)
}
