// Package store provides the durable cache for resolution results, keyed by
// normalized username and namespaced per result kind. Entries expire after a
// fixed window and are purged lazily on read.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/codeGROOVE-dev/basedin/pkg/region"
)

// Namespaces for cached values.
const (
	NSRegion  = "region"  // resolved region label or the undisclosed sentinel
	NSProfile = "profile" // comma-joined behavioral tag list
	NSUserID  = "userid"  // username -> platform user ID, accelerates the fast path
)

// DefaultTTL is how long a cached entry is considered valid.
const DefaultTTL = 30 * 24 * time.Hour

// Entry is a cached value with its write timestamp.
type Entry struct {
	Value   string    `json:"value"`
	SavedAt time.Time `json:"savedAt"`
}

// Stats summarizes one namespace.
type Stats struct {
	Total   int `json:"total"`
	Valid   int `json:"valid"`
	Expired int `json:"expired"`
}

// Settings is the persisted configuration shared with the UI collaborator.
type Settings struct {
	ConcurrencyLimit int                  `json:"concurrencyLimit"`
	KeepTab          region.KeepTabPolicy `json:"keepTabPolicy"`
	AutoQuery        bool                 `json:"autoQueryEnabled"`
	LLMProvider      string               `json:"llmProvider,omitempty"`
	APIKey           string               `json:"apiKey,omitempty"`
}

// DefaultSettings returns the settings used before any are saved.
func DefaultSettings() Settings {
	return Settings{ConcurrencyLimit: 3}
}

// Store is a sqlite-backed key/value cache. All operations are single-key
// atomic; reads fail open (storage errors look like a miss) so resolution is
// never blocked by a broken cache.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	ttl    time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the entry expiry window.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open opens (and if needed creates) the store at path. Use ":memory:" for
// an ephemeral store in tests.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if path == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping store: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS cache_entries (
  ns       TEXT NOT NULL,
  key      TEXT NOT NULL,
  value    TEXT NOT NULL,
  saved_at INTEGER NOT NULL,
  PRIMARY KEY (ns, key)
);
CREATE TABLE IF NOT EXISTS settings (
  id   INTEGER PRIMARY KEY CHECK (id = 1),
  data TEXT NOT NULL
);
	`); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{db: db, ttl: DefaultTTL, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// TTL returns the expiry window for entries.
func (s *Store) TTL() time.Duration { return s.ttl }

// Get returns the cached value for key in ns. An expired entry is deleted
// and reported as absent; stale data is never returned. Storage errors are
// logged and treated as a miss.
func (s *Store) Get(ctx context.Context, ns, key string) (string, bool) {
	var value string
	var savedAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT value, saved_at FROM cache_entries WHERE ns = ? AND key = ?", ns, key).
		Scan(&value, &savedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false
	case err != nil:
		s.logger.Warn("cache read failed, treating as miss", "ns", ns, "key", key, "error", err)
		return "", false
	}

	if time.Since(time.Unix(savedAt, 0)) > s.ttl {
		// Lazy purge: the entry is gone from the caller's point of view
		// whether or not the delete succeeds.
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM cache_entries WHERE ns = ? AND key = ?", ns, key); err != nil {
			s.logger.Warn("expired entry purge failed", "ns", ns, "key", key, "error", err)
		}
		s.logger.Debug("cache entry expired", "ns", ns, "key", key)
		return "", false
	}

	return value, true
}

// Put stores value under key in ns, stamped with the current time.
func (s *Store) Put(ctx context.Context, ns, key, value string) error {
	return s.putAt(ctx, ns, key, value, time.Now())
}

func (s *Store) putAt(ctx context.Context, ns, key, value string, savedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cache_entries (ns, key, value, saved_at) VALUES (?, ?, ?, ?)
ON CONFLICT (ns, key) DO UPDATE SET value = excluded.value, saved_at = excluded.saved_at`,
		ns, key, value, savedAt.Unix())
	if err != nil {
		s.logger.Warn("cache write failed", "ns", ns, "key", key, "error", err)
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

// Remove deletes key from ns and reports whether an entry existed.
func (s *Store) Remove(ctx context.Context, ns, key string) bool {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE ns = ? AND key = ?", ns, key)
	if err != nil {
		s.logger.Warn("cache delete failed", "ns", ns, "key", key, "error", err)
		return false
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false
	}
	return n > 0
}

// ListAll returns every unexpired entry in ns keyed by username.
func (s *Store) ListAll(ctx context.Context, ns string) map[string]Entry {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value, saved_at FROM cache_entries WHERE ns = ?", ns)
	if err != nil {
		s.logger.Warn("cache list failed", "ns", ns, "error", err)
		return nil
	}
	defer rows.Close() //nolint:errcheck // read-only

	entries := make(map[string]Entry)
	for rows.Next() {
		var key, value string
		var savedAt int64
		if err := rows.Scan(&key, &value, &savedAt); err != nil {
			s.logger.Warn("cache row scan failed", "ns", ns, "error", err)
			continue
		}
		saved := time.Unix(savedAt, 0)
		if time.Since(saved) > s.ttl {
			continue
		}
		entries[key] = Entry{Value: value, SavedAt: saved}
	}
	if err := rows.Err(); err != nil {
		s.logger.Warn("cache list iteration failed", "ns", ns, "error", err)
	}
	return entries
}

// Stats counts total, valid, and expired entries in ns.
func (s *Store) Stats(ctx context.Context, ns string) Stats {
	cutoff := time.Now().Add(-s.ttl).Unix()
	var st Stats
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*),
       COALESCE(SUM(CASE WHEN saved_at >  ? THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN saved_at <= ? THEN 1 ELSE 0 END), 0)
FROM cache_entries WHERE ns = ?`, cutoff, cutoff, ns).
		Scan(&st.Total, &st.Valid, &st.Expired)
	if err != nil {
		s.logger.Warn("cache stats failed", "ns", ns, "error", err)
	}
	return st
}

// Clear removes every entry in ns.
func (s *Store) Clear(ctx context.Context, ns string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE ns = ?", ns); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// LoadSettings returns the persisted settings, or defaults when none were
// ever saved or the stored blob is unreadable.
func (s *Store) LoadSettings(ctx context.Context) Settings {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM settings WHERE id = 1").Scan(&data)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("settings read failed, using defaults", "error", err)
		}
		return DefaultSettings()
	}

	settings := DefaultSettings()
	if err := json.Unmarshal([]byte(data), &settings); err != nil {
		s.logger.Warn("settings unmarshal failed, using defaults", "error", err)
		return DefaultSettings()
	}
	if settings.ConcurrencyLimit < 1 {
		settings.ConcurrencyLimit = DefaultSettings().ConcurrencyLimit
	}
	return settings
}

// SaveSettings persists settings, replacing any previous value.
func (s *Store) SaveSettings(ctx context.Context, settings Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO settings (id, data) VALUES (1, ?)
ON CONFLICT (id) DO UPDATE SET data = excluded.data`, string(data)); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
