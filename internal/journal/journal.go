package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial schema
// 1 - index on faults(boot_id, bin_index)
const currentSchemaVersion = 1

// ErrNoBoot is returned when recording before StartBoot.
var ErrNoBoot = errors.New("journal: no boot started")

// Journal is the audit log.
type Journal struct {
	db *sql.DB

	mu   sync.Mutex
	boot string
}

// Open creates or opens the journal database at path and applies pragmas
// and migrations.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// StartBoot records a new boot and makes it the target of later records.
// Starting the same boot id twice is a no-op.
func (j *Journal) StartBoot(ctx context.Context, bootID, kernelVersion string, userCapacity int) error {
	if bootID == "" {
		return fmt.Errorf("start boot: empty boot id")
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO boots (id, kernel_version, user_capacity, ordinal)
		VALUES (?, ?, ?, (SELECT COALESCE(MAX(ordinal), 0) + 1 FROM boots))
		ON CONFLICT(id) DO NOTHING
	`, bootID, kernelVersion, userCapacity)
	if err != nil {
		return fmt.Errorf("start boot: %w", err)
	}

	j.mu.Lock()
	j.boot = bootID
	j.mu.Unlock()
	return nil
}

// BootID returns the current boot id, or "" before StartBoot.
func (j *Journal) BootID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.boot
}

func (j *Journal) current() (string, error) {
	boot := j.BootID()
	if boot == "" {
		return "", ErrNoBoot
	}
	return boot, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_faults_boot_index
		ON faults(boot_id, bin_index)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (j *Journal) verifyPragma(name, expected string) error {
	var value string
	if err := j.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
