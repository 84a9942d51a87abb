package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// Store is a crash-durable string-key to JSON-value mapping backed by a
// single sqlite table. Keys are namespace-prefixed ("processed_at:",
// "user:", ...) and prefix scan is the only supported range pattern.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Entry is one key/value pair as returned by ScanPrefix, key-ascending.
type Entry struct {
	Key   string
	Value json.RawMessage
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		k TEXT PRIMARY KEY,
		v TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get decodes the value at key into out. The second return is false when the
// key is absent; absence is not an error.
func (s *Store) Get(key string, out any) (bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT v FROM kv WHERE k = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %q: %w", key, err)
	}
	if out != nil {
		if err := json.Unmarshal([]byte(raw), out); err != nil {
			return false, fmt.Errorf("decode %q: %w", key, err)
		}
	}
	return true, nil
}

// Has reports key presence without decoding the value.
func (s *Store) Has(key string) (bool, error) {
	return s.Get(key, nil)
}

func (s *Store) Put(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT INTO kv (k, v, updated_at) VALUES (?, ?, datetime('now'))
		 ON CONFLICT(k) DO UPDATE SET v = excluded.v, updated_at = excluded.updated_at`,
		key, string(data),
	)
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Delete removes key and reports whether a row existed.
func (s *Store) Delete(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM kv WHERE k = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %q: %w", key, err)
	}
	return n > 0, nil
}

// ScanPrefix returns every entry whose key starts with prefix, in ascending
// key order.
func (s *Store) ScanPrefix(prefix string) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT k, v FROM kv WHERE k LIKE ? ESCAPE '\' ORDER BY k`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("scan %q: %w", prefix, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %q: %w", prefix, err)
		}
		entries = append(entries, Entry{Key: k, Value: json.RawMessage(v)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan %q: %w", prefix, err)
	}
	return entries, nil
}

// CountPrefix counts keys under prefix without materializing values.
func (s *Store) CountPrefix(prefix string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM kv WHERE k LIKE ? ESCAPE '\'`,
		escapeLike(prefix)+"%",
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %q: %w", prefix, err)
	}
	return n, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
