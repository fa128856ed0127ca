package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"loom"
)

const configSchema = `
CREATE TABLE IF NOT EXISTS config (
	mode     TEXT NOT NULL,
	category TEXT NOT NULL,
	grp      TEXT NOT NULL,
	name     TEXT NOT NULL,
	value    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (mode, category, grp, name)
)`

// ConfigStore persists typed configuration records keyed by their
// owning location. Each call is its own transaction.
type ConfigStore struct {
	db *sql.DB
}

func NewConfigStore(db *sql.DB) (*ConfigStore, error) {
	if _, err := db.Exec(configSchema); err != nil {
		return nil, fmt.Errorf("create config table: %w", err)
	}
	return &ConfigStore{db: db}, nil
}

// SetConfig inserts or replaces a record.
func (s *ConfigStore) SetConfig(c loom.Config) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	_, err = tx.Exec(
		`INSERT OR REPLACE INTO config (mode, category, grp, name, value) VALUES (?, ?, ?, ?, ?)`,
		c.Mode, c.Category, c.Group, c.Name, c.Value,
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("set config %s: %w", c.Key(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set config %s: %w", c.Key(), err)
	}
	return nil
}

// GetConfig looks a record up by its natural key
// ("mode/category/group/name"). ok is false when absent.
func (s *ConfigStore) GetConfig(key string) (loom.Config, bool, error) {
	mode, category, group, name, err := splitConfigKey(key)
	if err != nil {
		return loom.Config{}, false, err
	}
	row := s.db.QueryRow(
		`SELECT mode, category, grp, name, value FROM config
		 WHERE mode = ? AND category = ? AND grp = ? AND name = ?`,
		mode, category, group, name,
	)
	var c loom.Config
	if err := row.Scan(&c.Mode, &c.Category, &c.Group, &c.Name, &c.Value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return loom.Config{}, false, nil
		}
		return loom.Config{}, false, fmt.Errorf("get config %s: %w", key, err)
	}
	return c, true, nil
}

// GetAllConfigs returns every record keyed by natural key.
func (s *ConfigStore) GetAllConfigs() (map[string]loom.Config, error) {
	rows, err := s.db.Query(`SELECT mode, category, grp, name, value FROM config`)
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]loom.Config)
	for rows.Next() {
		var c loom.Config
		if err := rows.Scan(&c.Mode, &c.Category, &c.Group, &c.Name, &c.Value); err != nil {
			return nil, fmt.Errorf("list configs: %w", err)
		}
		out[c.Key()] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	return out, nil
}

// RemoveConfig deletes a record by natural key.
func (s *ConfigStore) RemoveConfig(key string) error {
	mode, category, group, name, err := splitConfigKey(key)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("remove config: %w", err)
	}
	_, err = tx.Exec(
		`DELETE FROM config WHERE mode = ? AND category = ? AND grp = ? AND name = ?`,
		mode, category, group, name,
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("remove config %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("remove config %s: %w", key, err)
	}
	return nil
}

func splitConfigKey(key string) (mode, category, group, name string, err error) {
	var parts [4]string
	n := 0
	start := 0
	for i := 0; i <= len(key); i++ {
		if i == len(key) || key[i] == '/' {
			if n >= 4 {
				return "", "", "", "", fmt.Errorf("invalid config key %q", key)
			}
			parts[n] = key[start:i]
			n++
			start = i + 1
		}
	}
	if n != 4 {
		return "", "", "", "", fmt.Errorf("invalid config key %q", key)
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}
