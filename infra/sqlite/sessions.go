package sqlite

import (
	"database/sql"
	"fmt"

	"loom"
	"loom/journal"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS session (
	uid       INTEGER NOT NULL,
	uname     TEXT NOT NULL,
	begin_ns  INTEGER NOT NULL,
	end_ns    INTEGER NOT NULL DEFAULT 0,
	update_ns INTEGER NOT NULL
)`

// SessionIndex implements journal.SessionIndex on an embedded database.
type SessionIndex struct {
	db *sql.DB
}

var _ journal.SessionIndex = (*SessionIndex)(nil)

func NewSessionIndex(db *sql.DB) (*SessionIndex, error) {
	if _, err := db.Exec(sessionSchema); err != nil {
		return nil, fmt.Errorf("create session table: %w", err)
	}
	return &SessionIndex{db: db}, nil
}

func (s *SessionIndex) OpenSession(l loom.Location, ns int64) error {
	_, err := s.db.Exec(
		`INSERT INTO session (uid, uname, begin_ns, end_ns, update_ns) VALUES (?, ?, ?, 0, ?)`,
		int64(l.UID), l.Uname(), ns, ns,
	)
	if err != nil {
		return fmt.Errorf("open session %s: %w", l.Uname(), err)
	}
	return nil
}

func (s *SessionIndex) CloseSession(l loom.Location, ns int64) error {
	_, err := s.db.Exec(
		`UPDATE session SET end_ns = ?, update_ns = ? WHERE uid = ? AND end_ns = 0`,
		ns, ns, int64(l.UID),
	)
	if err != nil {
		return fmt.Errorf("close session %s: %w", l.Uname(), err)
	}
	return nil
}

func (s *SessionIndex) UpdateSession(uid uint32, ns int64) error {
	_, err := s.db.Exec(
		`UPDATE session SET update_ns = ? WHERE uid = ? AND end_ns = 0`,
		ns, int64(uid),
	)
	if err != nil {
		return fmt.Errorf("update session %08x: %w", uid, err)
	}
	return nil
}

// FindSessions returns sessions overlapping [fromNS, toNS], oldest
// first. source 0 matches every location.
func (s *SessionIndex) FindSessions(source uint32, fromNS, toNS int64) ([]journal.Session, error) {
	rows, err := s.db.Query(
		`SELECT uid, uname, begin_ns, end_ns, update_ns FROM session
		 WHERE (? = 0 OR uid = ?)
		   AND begin_ns <= ?
		   AND (end_ns = 0 OR end_ns >= ?)
		 ORDER BY begin_ns`,
		int64(source), int64(source), toNS, fromNS,
	)
	if err != nil {
		return nil, fmt.Errorf("find sessions: %w", err)
	}
	defer rows.Close()

	var out []journal.Session
	for rows.Next() {
		var sess journal.Session
		var uid int64
		if err := rows.Scan(&uid, &sess.Uname, &sess.BeginNS, &sess.EndNS, &sess.UpdateNS); err != nil {
			return nil, fmt.Errorf("find sessions: %w", err)
		}
		sess.UID = uint32(uid)
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find sessions: %w", err)
	}
	return out, nil
}
