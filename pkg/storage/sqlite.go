package storage

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

// HistoryStore records finished runs in SQLite.
type HistoryStore struct {
	db *sql.DB
}

// ErrStoreClosed is returned by a nil or closed history store.
var ErrStoreClosed = errors.New("storage: closed")

// OpenHistory opens or creates the history database. dbPath is a file path,
// a file: DSN or ":memory:".
func OpenHistory(dbPath string) (*HistoryStore, error) {
	file, onDisk := sqliteFilePathFromDSN(dbPath)
	if onDisk {
		if err := preparePrivateFile(file); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, shoterrors.Wrap(err, shoterrors.ErrCodeStorageRead, "opening run history").
			WithContext("path", dbPath)
	}

	pragmas := []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"}
	if onDisk {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		pragmas = append([]string{"PRAGMA journal_mode = WAL"}, pragmas...)
	} else {
		// Each connection to an in-memory DSN sees its own database.
		db.SetMaxOpenConns(1)
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, shoterrors.Wrap(err, shoterrors.ErrCodeStorageWrite, "configuring run history").
				WithContext("pragma", pragma)
		}
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, shoterrors.Wrap(err, shoterrors.ErrCodeStorageCorrupt, "migrating run history").
			WithContext("path", dbPath)
	}
	return &HistoryStore{db: db}, nil
}

// Close closes the database.
func (s *HistoryStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// sqliteFilePathFromDSN returns the file behind dsn and whether it lives on
// disk at all.
func sqliteFilePathFromDSN(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "", dsn == ":memory:":
		return "", false
	case strings.HasPrefix(dsn, "file:"):
		u, err := url.Parse(dsn)
		if err != nil || !strings.EqualFold(u.Scheme, "file") {
			return "", false
		}
		file := strings.TrimSpace(u.Path)
		if file == "" {
			file = strings.TrimSpace(u.Opaque)
		}
		if file == "" || file == ":memory:" || u.Query().Get("mode") == "memory" {
			return "", false
		}
		return file, true
	case strings.Contains(dsn, "://"):
		return "", false
	default:
		return dsn, true
	}
}

// preparePrivateFile creates the database file and its directory readable
// only by the current user. Run history names every page under test.
func preparePrivateFile(file string) error {
	if dir := filepath.Dir(file); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return shoterrors.Wrap(err, shoterrors.ErrCodeStorageWrite, "creating history directory").
				WithContext("dir", dir)
		}
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	switch {
	case err == nil:
		return f.Close()
	case os.IsExist(err):
		return nil
	default:
		return shoterrors.Wrap(err, shoterrors.ErrCodeStorageWrite, "creating history database").
			WithContext("path", file)
	}
}

// Migration upgrades the schema by one version.
type Migration struct {
	Version int
	Name    string
	Apply   func(db *sql.DB) error
}

// migrations run in order on top of schema.sql. Columns added after the first
// release are added here so older databases keep working.
var migrations = []Migration{
	{Version: 1, Name: "initial_schema", Apply: func(*sql.DB) error { return nil }},
	{Version: 2, Name: "run_items_actual_sha", Apply: addColumn("run_items", "actual_sha", "TEXT NOT NULL DEFAULT ''")},
	{Version: 3, Name: "runs_commit_sha", Apply: addColumn("runs", "commit_sha", "TEXT NOT NULL DEFAULT ''")},
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("base schema: %w", err)
	}
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := m.Apply(db); err != nil {
			return fmt.Errorf("migration %d %s: %w", m.Version, m.Name, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
			return fmt.Errorf("recording migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *HistoryStore) SchemaVersion() (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrStoreClosed
	}
	return schemaVersion(s.db)
}

func schemaVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// addColumn returns a migration adding column to table unless it exists.
func addColumn(table, column, definition string) func(*sql.DB) error {
	return func(db *sql.DB) error {
		var count int
		err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE lower(name) = lower(?)`, table, column).Scan(&count)
		if err != nil {
			return fmt.Errorf("inspecting %s: %w", table, err)
		}
		if count > 0 {
			return nil
		}
		if _, err := db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition)); err != nil {
			return fmt.Errorf("adding %s.%s: %w", table, column, err)
		}
		return nil
	}
}

// isBusyError reports whether err is SQLite lock contention worth retrying.
func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	default:
		return false
	}
}
