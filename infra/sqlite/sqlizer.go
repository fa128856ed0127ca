package sqlite

import (
	"database/sql"
	"fmt"
	"log/slog"

	"loom"
	"loom/journal"
)

const stateSchema = `
CREATE TABLE IF NOT EXISTS state (
	tag       INTEGER NOT NULL,
	key       TEXT NOT NULL,
	payload   BLOB NOT NULL,
	update_ns INTEGER NOT NULL,
	PRIMARY KEY (tag, key)
)`

// Sqlizer mirrors a peer's state-data frames into the peer's embedded
// database so they can be replayed into its command journal after a
// restart. One sqlizer per registered peer, owned by the master.
type Sqlizer struct {
	db  *sql.DB
	loc loom.Location
}

// OpenSqlizer opens the peer's state database under its sqlite layout.
func OpenSqlizer(locator journal.Locator, l loom.Location) (*Sqlizer, error) {
	path, err := locator.LayoutFile(l, loom.LayoutSqlite, "state.db")
	if err != nil {
		return nil, err
	}
	db, err := Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlizer for %s: %w", l.Uname(), err)
	}
	if _, err := db.Exec(stateSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	return &Sqlizer{db: db, loc: l}, nil
}

func (s *Sqlizer) Location() loom.Location { return s.loc }

// Absorb stores one frame if its tag names a state-data type; frames
// with other tags pass through untouched.
func (s *Sqlizer) Absorb(tag int32, data []byte, ns int64) error {
	st, ok := loom.StateTypeFor(tag)
	if !ok {
		return nil
	}
	key, err := st.KeyOf(data)
	if err != nil {
		return fmt.Errorf("sqlize %s frame from %s: %w", st.Name, s.loc.Uname(), err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlize %s: %w", st.Name, err)
	}
	_, err = tx.Exec(
		`INSERT OR REPLACE INTO state (tag, key, payload, update_ns) VALUES (?, ?, ?, ?)`,
		tag, key, data, ns,
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sqlize %s %q: %w", st.Name, key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlize %s %q: %w", st.Name, key, err)
	}
	return nil
}

// Restore replays every persisted record into the peer's command
// journal, in (tag, key) order so replay is deterministic.
func (s *Sqlizer) Restore(w *journal.Writer) error {
	rows, err := s.db.Query(`SELECT tag, payload FROM state ORDER BY tag, key`)
	if err != nil {
		return fmt.Errorf("restore %s: %w", s.loc.Uname(), err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var tag int32
		var payload []byte
		if err := rows.Scan(&tag, &payload); err != nil {
			return fmt.Errorf("restore %s: %w", s.loc.Uname(), err)
		}
		if err := w.Write(0, tag, payload); err != nil {
			return fmt.Errorf("restore %s: %w", s.loc.Uname(), err)
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("restore %s: %w", s.loc.Uname(), err)
	}
	if n > 0 {
		slog.Debug("restored state records", "location", s.loc.Uname(), "records", n)
	}
	return nil
}

func (s *Sqlizer) Close() error {
	return s.db.Close()
}
