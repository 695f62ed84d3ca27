// Package state persists the set of provisioned environments.
// Uses pure-Go SQLite (modernc.org/sqlite) — no cgo required.
//
// Provisioning and teardown typically run in separate process
// invocations (a CI post-step destroys what the main step created), so
// the record of what exists has to outlive the process.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jirutka/setup-alpine/internal/rootfs"
)

// DB wraps the SQLite database holding environment records.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at the given path.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	sdb := &DB{db: db}
	if err := sdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return sdb, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS environments (
			root       TEXT PRIMARY KEY,
			arch       TEXT NOT NULL,
			branch     TEXT NOT NULL,
			mirror     TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)
	`)
	return err
}

// Save records an environment, replacing any stale record at the same
// root.
func (d *DB) Save(env *rootfs.Environment) error {
	_, err := d.db.Exec(`
		INSERT INTO environments (root, arch, branch, mirror, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(root) DO UPDATE SET
			arch = excluded.arch,
			branch = excluded.branch,
			mirror = excluded.mirror,
			created_at = excluded.created_at
	`, env.Root, env.Arch, env.Branch, env.Mirror, env.CreatedAt.Format(time.RFC3339))
	return err
}

// Delete removes the record for root. Deleting an unknown root is not an
// error; teardown must stay idempotent under retry.
func (d *DB) Delete(root string) error {
	_, err := d.db.Exec(`DELETE FROM environments WHERE root = ?`, root)
	return err
}

// Get returns the environment recorded at root.
func (d *DB) Get(root string) (*rootfs.Environment, error) {
	row := d.db.QueryRow(`SELECT root, arch, branch, mirror, created_at FROM environments WHERE root = ?`, root)
	env, err := scanEnvironment(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no environment recorded at %s", root)
	}
	return env, err
}

// List returns all recorded environments, newest first.
func (d *DB) List() ([]*rootfs.Environment, error) {
	rows, err := d.db.Query(`SELECT root, arch, branch, mirror, created_at FROM environments ORDER BY created_at DESC, root`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []*rootfs.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// Latest returns the most recently provisioned environment.
func (d *DB) Latest() (*rootfs.Environment, error) {
	envs, err := d.List()
	if err != nil {
		return nil, err
	}
	if len(envs) == 0 {
		return nil, fmt.Errorf("no environments recorded")
	}
	return envs[0], nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEnvironment(s scanner) (*rootfs.Environment, error) {
	var env rootfs.Environment
	var createdAt string
	if err := s.Scan(&env.Root, &env.Arch, &env.Branch, &env.Mirror, &createdAt); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		env.CreatedAt = t
	}
	return &env, nil
}
