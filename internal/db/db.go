// Package db provides SQLite storage for deskbeads: last-known-good query
// snapshots, saved filter views and a local journal of operator actions.
package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrViewNotFound is returned by LoadView for an unknown name.
var ErrViewNotFound = errors.New("saved view not found")

// DB wraps a SQLite connection for deskbeads operations.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (or creates) a deskbeads database at the given path.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec(Schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &DB{conn: conn, path: dbPath}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// GenID generates a random 16-character hex ID.
func GenID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// Now returns the current time as an ISO 8601 string.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// DefaultPath returns the database location: .deskbeads/desk.db in the
// nearest ancestor of cwd that has one, else the user cache directory.
func DefaultPath() string {
	if p := DiscoverDB(); p != "" {
		return p
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "deskbeads", "desk.db")
}

// DiscoverDB finds a project-local database by walking up from cwd.
// Returns the path to .deskbeads/desk.db or empty string if not found.
func DiscoverDB() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".deskbeads", "desk.db")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// --- Snapshot operations ---

// SaveSnapshot upserts the last successful payload of a query.
func (d *DB) SaveSnapshot(ctx context.Context, family, params string, data []byte, fetchedAt time.Time) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO snapshots (family, params, data, fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(family, params) DO UPDATE SET
			data = excluded.data,
			fetched_at = excluded.fetched_at`,
		family, params, data, fetchedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", family, err)
	}
	return nil
}

// LoadSnapshot returns the saved payload of a query, if any.
func (d *DB) LoadSnapshot(ctx context.Context, family, params string) ([]byte, time.Time, bool, error) {
	var (
		data      []byte
		fetchedAt string
	)
	err := d.conn.QueryRowContext(ctx,
		"SELECT data, fetched_at FROM snapshots WHERE family = ? AND params = ?",
		family, params,
	).Scan(&data, &fetchedAt)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("load snapshot %s: %w", family, err)
	}
	at, err := time.Parse(time.RFC3339Nano, fetchedAt)
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("parse snapshot time %q: %w", fetchedAt, err)
	}
	return data, at, true, nil
}

// PruneSnapshots deletes snapshots fetched before cutoff and returns how
// many were removed.
func (d *DB) PruneSnapshots(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.conn.ExecContext(ctx,
		"DELETE FROM snapshots WHERE fetched_at < ?",
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

// SnapshotCount returns the number of stored snapshots.
func (d *DB) SnapshotCount() int {
	var n int
	d.conn.QueryRow("SELECT COUNT(*) FROM snapshots").Scan(&n)
	return n
}

// --- Saved view operations ---

// View is a named filter query.
type View struct {
	Name      string `json:"name"`
	Query     string `json:"query"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// SaveView stores query under name, replacing an existing view. It reports
// whether the view is new.
func (d *DB) SaveView(ctx context.Context, name, query string) (created bool, err error) {
	now := Now()
	res, err := d.conn.ExecContext(ctx,
		"UPDATE saved_views SET query = ?, updated_at = ? WHERE name = ?",
		query, now, name,
	)
	if err != nil {
		return false, fmt.Errorf("update view %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}
	if _, err := d.conn.ExecContext(ctx,
		"INSERT INTO saved_views (name, query, created_at) VALUES (?, ?, ?)",
		name, query, now,
	); err != nil {
		return false, fmt.Errorf("insert view %s: %w", name, err)
	}
	return true, nil
}

// LoadView returns the named view.
func (d *DB) LoadView(ctx context.Context, name string) (*View, error) {
	v := &View{}
	var updatedAt sql.NullString
	err := d.conn.QueryRowContext(ctx,
		"SELECT name, query, created_at, updated_at FROM saved_views WHERE name = ?", name,
	).Scan(&v.Name, &v.Query, &v.CreatedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrViewNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	v.UpdatedAt = updatedAt.String
	return v, nil
}

// ListViews returns all saved views ordered by name.
func (d *DB) ListViews(ctx context.Context) ([]*View, error) {
	rows, err := d.conn.QueryContext(ctx,
		"SELECT name, query, created_at, updated_at FROM saved_views ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var views []*View
	for rows.Next() {
		v := &View{}
		var updatedAt sql.NullString
		if err := rows.Scan(&v.Name, &v.Query, &v.CreatedAt, &updatedAt); err != nil {
			return nil, err
		}
		v.UpdatedAt = updatedAt.String
		views = append(views, v)
	}
	return views, rows.Err()
}

// DeleteView removes the named view.
func (d *DB) DeleteView(ctx context.Context, name string) error {
	res, err := d.conn.ExecContext(ctx, "DELETE FROM saved_views WHERE name = ?", name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrViewNotFound, name)
	}
	return nil
}

// --- Journal operations ---

// JournalEntry records one operator action.
type JournalEntry struct {
	ID        string `json:"id"`
	TicketID  int64  `json:"ticket_id"`
	Action    string `json:"action"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"created_at"`
}

// RecordAction appends an entry to the journal.
func (d *DB) RecordAction(ctx context.Context, ticketID int64, action, outcome, detail string) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO journal (id, ticket_id, action, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		GenID(), ticketID, action, outcome, detail, Now(),
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", action, err)
	}
	return nil
}

// Journal returns the most recent entries, newest first. A ticketID of 0
// returns entries for every ticket.
func (d *DB) Journal(ctx context.Context, ticketID int64, limit int) ([]*JournalEntry, error) {
	query := "SELECT id, ticket_id, action, outcome, detail, created_at FROM journal"
	var args []any
	if ticketID > 0 {
		query += " WHERE ticket_id = ?"
		args = append(args, ticketID)
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*JournalEntry
	for rows.Next() {
		e := &JournalEntry{}
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.TicketID, &e.Action, &e.Outcome, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		result = append(result, e)
	}
	return result, rows.Err()
}
