// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists the daemon's small local state: the sealed API key,
// the proxy URL, a coarse backend-availability hint for UI hinting, and the
// daily remote-usage counter.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// SETTING KEYS
// =============================================================================

const (
	KeyAPIKey           = "api_key"
	KeyProxyURL         = "proxy_url"
	KeyAvailabilityHint = "availability_hint"
)

var ErrNotFound = errors.New("setting not found")

// =============================================================================
// STORE
// =============================================================================

// Store is the sqlite-backed local state. Safe for concurrent use; sqlite
// serializes writers and database/sql pools connections.
type Store struct {
	db *sql.DB
}

// DayUsage is the persisted remote-usage counter for one calendar day.
type DayUsage struct {
	Day   string `json:"date"` // YYYY-MM-DD, local time
	Count int    `json:"count"`
}

// Open opens (creating if needed) the state database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS usage (
		day   TEXT PRIMARY KEY,
		count INTEGER NOT NULL DEFAULT 0
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate state database: %w", err)
	}
	return nil
}

// =============================================================================
// SETTINGS
// =============================================================================

// Set stores or replaces one setting.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Get returns one setting, or ErrNotFound.
func (s *Store) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

// GetOr returns one setting or a fallback when absent.
func (s *Store) GetOr(key, fallback string) string {
	value, err := s.Get(key)
	if err != nil {
		return fallback
	}
	return value
}

// Delete removes one setting. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// =============================================================================
// USAGE COUNTER
// =============================================================================

// dayKey formats a time as the local calendar day the counter is keyed by.
func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// RecordUsage increments the counter for now's day and returns the updated
// entry. A day never seen before starts at 1, which also covers the rollover
// from a stale date.
func (s *Store) RecordUsage(now time.Time) (DayUsage, error) {
	day := dayKey(now)
	_, err := s.db.Exec(
		`INSERT INTO usage (day, count) VALUES (?, 1)
		 ON CONFLICT(day) DO UPDATE SET count = count + 1`,
		day,
	)
	if err != nil {
		return DayUsage{}, fmt.Errorf("failed to record usage: %w", err)
	}
	return s.UsageOn(now)
}

// UsageOn returns the counter for now's day; zero when nothing was recorded.
func (s *Store) UsageOn(now time.Time) (DayUsage, error) {
	day := dayKey(now)
	u := DayUsage{Day: day}
	err := s.db.QueryRow(`SELECT count FROM usage WHERE day = ?`, day).Scan(&u.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return u, nil
	}
	if err != nil {
		return DayUsage{}, fmt.Errorf("failed to read usage: %w", err)
	}
	return u, nil
}

// UsageHistory returns up to limit most recent day counters, newest first.
func (s *Store) UsageHistory(limit int) ([]DayUsage, error) {
	rows, err := s.db.Query(
		`SELECT day, count FROM usage ORDER BY day DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage history: %w", err)
	}
	defer rows.Close()

	var history []DayUsage
	for rows.Next() {
		var u DayUsage
		if err := rows.Scan(&u.Day, &u.Count); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		history = append(history, u)
	}
	return history, rows.Err()
}
