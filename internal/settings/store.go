// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package settings persists client settings in a local SQLite database.
//
// The store is a small key/value table holding the upstream endpoint, the
// preferred model, and the relay mode. Chat transcripts never touch this
// store; settings are the only state that survives a restart. Credential
// values go through SetSecret/GetSecret and are encrypted with AES-256-GCM
// before they reach disk.
package settings

import (
	"crypto/cipher"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// KEYS
// =============================================================================

// Well-known setting keys. The store accepts arbitrary keys; these are the
// ones the client reads at startup.
const (
	KeyBaseURL = "upstream.base_url"
	KeyAPIKey  = "upstream.api_key"
	KeyModel   = "upstream.model"
	KeyMode    = "relay.mode"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound indicates the requested key has no stored value
	ErrNotFound = errors.New("setting not found")
)

// =============================================================================
// STORE
// =============================================================================

// Store is a key/value settings store backed by SQLite.
type Store struct {
	db   *sql.DB
	path string

	// Lazily derived AES-GCM cipher for SetSecret/GetSecret.
	sealOnce sync.Once
	sealErr  error
	aead     cipher.AEAD
}

// DefaultPath returns the default database path (~/.kaggle-chatbot/settings.db).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".kaggle-chatbot", "settings.db"), nil
}

// Open opens the settings database at path, creating it if necessary.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("settings: database path required")
	}

	// SECURITY: the store may hold encrypted credentials, keep the directory private
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create settings directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0) // No lifetime limit

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000", // Wait instead of failing when another process holds the lock
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// initSchema creates the settings table.
func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// Path returns the database path backing this store.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %q: %w", key, err)
	}
	return value, nil
}

// GetDefault returns the value stored under key, or fallback when absent.
func (s *Store) GetDefault(key, fallback string) string {
	value, err := s.Get(key)
	if err != nil {
		return fallback
	}
	return value
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key, value string) error {
	if key == "" {
		return errors.New("settings: key required")
	}
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting %q: %w", key, err)
	}
	return nil
}

// Delete removes key from the store. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec("DELETE FROM settings WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete setting %q: %w", key, err)
	}
	return nil
}

// Keys returns all stored keys in sorted order.
func (s *Store) Keys() ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM settings ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is a point-in-time view of the well-known settings. The API key
// is reported by presence only; callers that need the cleartext use
// GetSecret.
type Snapshot struct {
	BaseURL   string
	Model     string
	Mode      string
	HasAPIKey bool
}

// Snapshot reads the well-known keys in a single pass.
func (s *Store) Snapshot() (Snapshot, error) {
	var snap Snapshot
	rows, err := s.db.Query("SELECT key, value FROM settings")
	if err != nil {
		return snap, fmt.Errorf("failed to read settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return snap, err
		}
		switch key {
		case KeyBaseURL:
			snap.BaseURL = value
		case KeyAPIKey:
			snap.HasAPIKey = value != ""
		case KeyModel:
			snap.Model = value
		case KeyMode:
			snap.Mode = value
		}
	}
	return snap, rows.Err()
}
