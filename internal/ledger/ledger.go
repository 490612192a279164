// Package ledger provides the shadow membership journal used to compute
// membership deletions by snapshot diff.
//
// Every membership seen in a CSV run is recorded here stamped with the run's
// timestamp. After all rows are consumed, entries whose stamp does not match
// the current run are stale: the container/user pair was present in a prior
// extract but absent from this one, so the membership must be removed from
// the course management store.
//
// The ledger also holds the audit log (sakora_log) where recoverable
// failures and per-run summaries are recorded.
//
// The ledger is exclusively owned by the reconciliation engine; no other
// component writes to it.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Mode distinguishes section-level from course-offering-level membership
// journal entries.
type Mode string

const (
	// ModeSection marks entries tracking section memberships.
	ModeSection Mode = "section"
	// ModeCourse marks entries tracking course offering memberships.
	ModeCourse Mode = "course"
)

// stampFormat is the canonical encoding of run timestamps. Staleness is an
// exact string comparison, so every write must go through it.
const stampFormat = time.RFC3339Nano

// Membership is one shadow journal entry: a (user, container, mode) pair
// with the role and the timestamp of the run that last saw it.
type Membership struct {
	ID           int64
	UserEid      string
	ContainerEid string
	Mode         Mode
	Role         string
	InputTime    time.Time
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID        int64
	Component string
	Message   string
	RunID     string
	CreatedAt time.Time
}

// Store is a SQLite-backed shadow ledger.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a ledger store at the given path, creating the parent
// directory and schema if needed. ":memory:" opens a private in-memory
// ledger pinned to one connection.
//
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	if memory {
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &Store{conn: conn, path: path}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ledger: %w", err)
	}

	if !memory {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the ledger connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close ledger: %w", err)
	}
	s.conn = nil
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sakora_membership (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_eid TEXT NOT NULL,
		container_eid TEXT NOT NULL,
		mode TEXT NOT NULL,
		role TEXT NOT NULL,
		input_time TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sakora_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		component TEXT NOT NULL,
		message TEXT NOT NULL,
		run_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- The sweep filters on (mode, input_time) and optionally container_eid.
	CREATE INDEX IF NOT EXISTS idx_membership_mode_time
		ON sakora_membership(mode, input_time);
	CREATE INDEX IF NOT EXISTS idx_membership_pair
		ON sakora_membership(mode, user_eid, container_eid);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return nil
}

// FindMemberships returns all journal entries for a (mode, user, container)
// tuple ordered oldest first. More than one entry means duplicates leaked in
// from a prior buggy or interrupted run; callers keep the newest and delete
// the rest.
func (s *Store) FindMemberships(ctx context.Context, mode Mode, userEid, containerEid string) ([]*Membership, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, user_eid, container_eid, mode, role, input_time
		FROM sakora_membership
		WHERE mode = ? AND user_eid = ? AND container_eid = ?
		ORDER BY id ASC`,
		string(mode), userEid, containerEid)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer rows.Close()
	return scanMemberships(rows)
}

// Create inserts a new journal entry and fills in its ID.
func (s *Store) Create(ctx context.Context, m *Membership) error {
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO sakora_membership (user_eid, container_eid, mode, role, input_time)
		VALUES (?, ?, ?, ?, ?)`,
		m.UserEid, m.ContainerEid, string(m.Mode), m.Role, m.InputTime.Format(stampFormat))
	if err != nil {
		return fmt.Errorf("failed to create membership entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read membership entry id: %w", err)
	}
	m.ID = id
	return nil
}

// Update rewrites the role and input time of an existing entry.
func (s *Store) Update(ctx context.Context, m *Membership) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE sakora_membership SET role = ?, input_time = ? WHERE id = ?`,
		m.Role, m.InputTime.Format(stampFormat), m.ID)
	if err != nil {
		return fmt.Errorf("failed to update membership entry %d: %w", m.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("membership entry %d does not exist", m.ID)
	}
	return nil
}

// Delete removes a single journal entry by id. Idempotent; each delete is
// an independent statement, never part of a larger transaction.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM sakora_membership WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete membership entry %d: %w", id, err)
	}
	return nil
}

// deleteBatchSize bounds the number of ids placed into a single delete
// predicate, keeping statements well under SQLite's bound-variable limit.
const deleteBatchSize = 1000

// DeleteBatch removes a set of journal entries by id, in bounded batches.
func (s *Store) DeleteBatch(ctx context.Context, ids []int64) error {
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(ids))
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := `DELETE FROM sakora_membership WHERE id IN (` + placeholders(len(chunk)) + `)`
		if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to delete %d membership entries: %w", len(chunk), err)
		}
	}
	return nil
}

// PageStale returns one page of journal entries of the given mode whose
// input time differs from notStamp, i.e. entries not refreshed by the
// current run. A non-empty containerEids slice restricts the page to those
// containers; callers chunk large scopes to keep the IN clause bounded.
//
// Results are ordered by id so that offset paging over an unchanging result
// set is stable.
func (s *Store) PageStale(ctx context.Context, mode Mode, notStamp time.Time, containerEids []string, limit, offset int) ([]*Membership, error) {
	var b strings.Builder
	b.WriteString(`
		SELECT id, user_eid, container_eid, mode, role, input_time
		FROM sakora_membership
		WHERE mode = ? AND input_time != ?`)
	args := []any{string(mode), notStamp.Format(stampFormat)}

	if len(containerEids) > 0 {
		b.WriteString(` AND container_eid IN (` + placeholders(len(containerEids)) + `)`)
		for _, eid := range containerEids {
			args = append(args, eid)
		}
	}

	b.WriteString(` ORDER BY id ASC LIMIT ? OFFSET ?`)
	args = append(args, limit, offset)

	rows, err := s.conn.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale memberships: %w", err)
	}
	defer rows.Close()
	return scanMemberships(rows)
}

// Count returns the total number of journal entries, optionally restricted
// to one mode (empty mode counts everything).
func (s *Store) Count(ctx context.Context, mode Mode) (int, error) {
	query := `SELECT COUNT(*) FROM sakora_membership`
	var args []any
	if mode != "" {
		query += ` WHERE mode = ?`
		args = append(args, string(mode))
	}
	var count int
	if err := s.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count membership entries: %w", err)
	}
	return count, nil
}

// Audit appends an entry to the audit log. Audit failures are returned to
// the caller but are typically logged rather than treated as fatal.
func (s *Store) Audit(ctx context.Context, component, message, runID string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sakora_log (component, message, run_id, created_at)
		VALUES (?, ?, ?, ?)`,
		component, message, runID, time.Now().UTC().Format(stampFormat))
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// AuditEntries returns the audit log for one run, oldest first. An empty
// runID returns the full log.
func (s *Store) AuditEntries(ctx context.Context, runID string) ([]*AuditEntry, error) {
	query := `SELECT id, component, message, run_id, created_at FROM sakora_log`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Component, &e.Message, &e.RunID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if t, err := time.Parse(stampFormat, createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}
	return entries, nil
}

func scanMemberships(rows *sql.Rows) ([]*Membership, error) {
	var out []*Membership
	for rows.Next() {
		var m Membership
		var mode, inputTime string
		if err := rows.Scan(&m.ID, &m.UserEid, &m.ContainerEid, &mode, &m.Role, &inputTime); err != nil {
			return nil, fmt.Errorf("failed to scan membership entry: %w", err)
		}
		m.Mode = Mode(mode)
		t, err := time.Parse(stampFormat, inputTime)
		if err != nil {
			return nil, fmt.Errorf("failed to parse input time %q: %w", inputTime, err)
		}
		m.InputTime = t
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating membership entries: %w", err)
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
