// Package sqlite implements the cm.Reader and cm.Admin contracts on an
// embedded SQLite database (ncruces/go-sqlite3, WAL mode).
//
// This is the reference course management backend used by the CLI and the
// test suite. Deployments that reconcile against a remote Sakai instance
// substitute their own implementation of the cm interfaces.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/unicon/sakora/internal/cm"
)

// Store is a SQLite-backed course management store.
type Store struct {
	conn *sql.DB
	path string
}

var _ cm.Reader = (*Store)(nil)
var _ cm.Admin = (*Store)(nil)

// Open creates a store at the given path, creating the parent directory
// and the schema if needed. The special path ":memory:" opens a private
// in-memory database (pinned to a single connection so all statements see
// the same data).
//
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if memory {
		// A second pooled connection would see an empty database.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &Store{conn: conn, path: path}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
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
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// initSchema creates the course management tables. Idempotent.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cm_session (
		eid TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		start_date TEXT NOT NULL DEFAULT '',
		end_date TEXT NOT NULL DEFAULT '',
		current INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS cm_course_offering (
		eid TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		session_eid TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS cm_section (
		eid TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		course_offering_eid TEXT NOT NULL DEFAULT '',
		enrollment_set_eid TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS cm_enrollment_set (
		eid TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		default_credits TEXT NOT NULL DEFAULT '',
		course_offering_eid TEXT NOT NULL DEFAULT '',
		official_instructors TEXT NOT NULL DEFAULT ''  -- comma-joined user eids
	);

	CREATE TABLE IF NOT EXISTS cm_section_membership (
		section_eid TEXT NOT NULL,
		user_eid TEXT NOT NULL,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (section_eid, user_eid)
	);

	CREATE TABLE IF NOT EXISTS cm_offering_membership (
		offering_eid TEXT NOT NULL,
		user_eid TEXT NOT NULL,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (offering_eid, user_eid)
	);

	CREATE TABLE IF NOT EXISTS cm_enrollment (
		enrollment_set_eid TEXT NOT NULL,
		user_eid TEXT NOT NULL,
		status TEXT NOT NULL,
		credits TEXT NOT NULL DEFAULT '',
		grading_scheme TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (enrollment_set_eid, user_eid)
	);

	CREATE INDEX IF NOT EXISTS idx_offering_session ON cm_course_offering(session_eid);
	CREATE INDEX IF NOT EXISTS idx_section_offering ON cm_section(course_offering_eid);
	CREATE INDEX IF NOT EXISTS idx_session_current ON cm_session(current);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// GetSection implements cm.Reader.
func (s *Store) GetSection(ctx context.Context, eid string) (*cm.Section, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT eid, title, description, category, course_offering_eid, enrollment_set_eid
		FROM cm_section WHERE eid = ?`, eid)

	var sec cm.Section
	err := row.Scan(&sec.Eid, &sec.Title, &sec.Description, &sec.Category,
		&sec.CourseOfferingEid, &sec.EnrollmentSetEid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("section %s: %w", eid, cm.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get section %s: %w", eid, err)
	}
	return &sec, nil
}

// GetEnrollmentSet implements cm.Reader.
func (s *Store) GetEnrollmentSet(ctx context.Context, eid string) (*cm.EnrollmentSet, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT eid, title, description, category, default_credits, course_offering_eid, official_instructors
		FROM cm_enrollment_set WHERE eid = ?`, eid)

	var es cm.EnrollmentSet
	var instructors string
	err := row.Scan(&es.Eid, &es.Title, &es.Description, &es.Category,
		&es.DefaultCredits, &es.CourseOfferingEid, &instructors)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("enrollment set %s: %w", eid, cm.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get enrollment set %s: %w", eid, err)
	}
	es.OfficialInstructors = splitInstructors(instructors)
	return &es, nil
}

// CurrentSessionEids implements cm.Reader.
func (s *Store) CurrentSessionEids(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT eid FROM cm_session WHERE current = 1 ORDER BY eid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query current sessions: %w", err)
	}
	defer rows.Close()
	return scanEids(rows)
}

// SessionEidForSection implements cm.Reader.
func (s *Store) SessionEidForSection(ctx context.Context, eid string) (string, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT co.session_eid
		FROM cm_section sec
		JOIN cm_course_offering co ON co.eid = sec.course_offering_eid
		WHERE sec.eid = ?`, eid)

	var sessionEid string
	err := row.Scan(&sessionEid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("section %s: %w", eid, cm.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve session for section %s: %w", eid, err)
	}
	return sessionEid, nil
}

// SessionEidForOffering implements cm.Reader.
func (s *Store) SessionEidForOffering(ctx context.Context, eid string) (string, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT session_eid FROM cm_course_offering WHERE eid = ?`, eid)

	var sessionEid string
	err := row.Scan(&sessionEid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("course offering %s: %w", eid, cm.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve session for offering %s: %w", eid, err)
	}
	return sessionEid, nil
}

// SectionEidsBySessions implements cm.Reader.
func (s *Store) SectionEidsBySessions(ctx context.Context, sessionEids []string) ([]string, error) {
	if len(sessionEids) == 0 {
		return nil, nil
	}
	query := `
		SELECT sec.eid
		FROM cm_section sec
		JOIN cm_course_offering co ON co.eid = sec.course_offering_eid
		WHERE co.session_eid IN (` + placeholders(len(sessionEids)) + `)
		ORDER BY sec.eid`

	rows, err := s.conn.QueryContext(ctx, query, toArgs(sessionEids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sections by session: %w", err)
	}
	defer rows.Close()
	return scanEids(rows)
}

// OfferingEidsBySessions implements cm.Reader.
func (s *Store) OfferingEidsBySessions(ctx context.Context, sessionEids []string) ([]string, error) {
	if len(sessionEids) == 0 {
		return nil, nil
	}
	query := `
		SELECT eid FROM cm_course_offering
		WHERE session_eid IN (` + placeholders(len(sessionEids)) + `)
		ORDER BY eid`

	rows, err := s.conn.QueryContext(ctx, query, toArgs(sessionEids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query offerings by session: %w", err)
	}
	defer rows.Close()
	return scanEids(rows)
}

// UpsertSession implements cm.Admin.
func (s *Store) UpsertSession(ctx context.Context, sess *cm.AcademicSession) error {
	current := 0
	if sess.Current {
		current = 1
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO cm_session (eid, title, description, start_date, end_date, current)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(eid) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			current = excluded.current`,
		sess.Eid, sess.Title, sess.Description, sess.StartDate, sess.EndDate, current)
	if err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", sess.Eid, err)
	}
	return nil
}

// UpsertCourseOffering implements cm.Admin.
func (s *Store) UpsertCourseOffering(ctx context.Context, co *cm.CourseOffering) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO cm_course_offering (eid, title, status, session_eid)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(eid) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			session_eid = excluded.session_eid`,
		co.Eid, co.Title, co.Status, co.SessionEid)
	if err != nil {
		return fmt.Errorf("failed to upsert course offering %s: %w", co.Eid, err)
	}
	return nil
}

// UpsertSection implements cm.Admin. The enrollment set link is preserved
// on update; it is owned by the membership reconciliation path.
func (s *Store) UpsertSection(ctx context.Context, sec *cm.Section) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO cm_section (eid, title, description, category, course_offering_eid, enrollment_set_eid)
		VALUES (?, ?, ?, ?, ?, '')
		ON CONFLICT(eid) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			category = excluded.category,
			course_offering_eid = excluded.course_offering_eid`,
		sec.Eid, sec.Title, sec.Description, sec.Category, sec.CourseOfferingEid)
	if err != nil {
		return fmt.Errorf("failed to upsert section %s: %w", sec.Eid, err)
	}
	return nil
}

// CreateEnrollmentSet implements cm.Admin.
func (s *Store) CreateEnrollmentSet(ctx context.Context, es *cm.EnrollmentSet) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO cm_enrollment_set (eid, title, description, category, default_credits, course_offering_eid, official_instructors)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		es.Eid, es.Title, es.Description, es.Category, es.DefaultCredits,
		es.CourseOfferingEid, joinInstructors(es.OfficialInstructors))
	if err != nil {
		return fmt.Errorf("failed to create enrollment set %s: %w", es.Eid, err)
	}
	return nil
}

// UpdateEnrollmentSet implements cm.Admin.
func (s *Store) UpdateEnrollmentSet(ctx context.Context, es *cm.EnrollmentSet) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE cm_enrollment_set SET
			title = ?, description = ?, category = ?, default_credits = ?,
			course_offering_eid = ?, official_instructors = ?
		WHERE eid = ?`,
		es.Title, es.Description, es.Category, es.DefaultCredits,
		es.CourseOfferingEid, joinInstructors(es.OfficialInstructors), es.Eid)
	if err != nil {
		return fmt.Errorf("failed to update enrollment set %s: %w", es.Eid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("enrollment set %s: %w", es.Eid, cm.ErrNotFound)
	}
	return nil
}

// UpdateSection implements cm.Admin.
func (s *Store) UpdateSection(ctx context.Context, sec *cm.Section) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE cm_section SET
			title = ?, description = ?, category = ?,
			course_offering_eid = ?, enrollment_set_eid = ?
		WHERE eid = ?`,
		sec.Title, sec.Description, sec.Category,
		sec.CourseOfferingEid, sec.EnrollmentSetEid, sec.Eid)
	if err != nil {
		return fmt.Errorf("failed to update section %s: %w", sec.Eid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("section %s: %w", sec.Eid, cm.ErrNotFound)
	}
	return nil
}

// AddOrUpdateSectionMembership implements cm.Admin.
func (s *Store) AddOrUpdateSectionMembership(ctx context.Context, userEid, role, sectionEid, status string) error {
	if err := s.requireSection(ctx, sectionEid); err != nil {
		return err
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO cm_section_membership (section_eid, user_eid, role, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(section_eid, user_eid) DO UPDATE SET
			role = excluded.role,
			status = excluded.status`,
		sectionEid, userEid, role, status)
	if err != nil {
		return fmt.Errorf("failed to upsert section membership %s/%s: %w", sectionEid, userEid, err)
	}
	return nil
}

// AddOrUpdateEnrollment implements cm.Admin.
func (s *Store) AddOrUpdateEnrollment(ctx context.Context, userEid, enrollmentSetEid, status, credits, gradingScheme string) error {
	if err := s.requireEnrollmentSet(ctx, enrollmentSetEid); err != nil {
		return err
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO cm_enrollment (enrollment_set_eid, user_eid, status, credits, grading_scheme)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(enrollment_set_eid, user_eid) DO UPDATE SET
			status = excluded.status,
			credits = excluded.credits,
			grading_scheme = excluded.grading_scheme`,
		enrollmentSetEid, userEid, status, credits, gradingScheme)
	if err != nil {
		return fmt.Errorf("failed to upsert enrollment %s/%s: %w", enrollmentSetEid, userEid, err)
	}
	return nil
}

// AddOrUpdateCourseOfferingMembership implements cm.Admin.
func (s *Store) AddOrUpdateCourseOfferingMembership(ctx context.Context, userEid, role, offeringEid, status string) error {
	if err := s.requireOffering(ctx, offeringEid); err != nil {
		return err
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO cm_offering_membership (offering_eid, user_eid, role, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(offering_eid, user_eid) DO UPDATE SET
			role = excluded.role,
			status = excluded.status`,
		offeringEid, userEid, role, status)
	if err != nil {
		return fmt.Errorf("failed to upsert offering membership %s/%s: %w", offeringEid, userEid, err)
	}
	return nil
}

// RemoveSectionMembership implements cm.Admin. Removing an absent
// membership is a no-op; an absent section is ErrNotFound.
func (s *Store) RemoveSectionMembership(ctx context.Context, userEid, sectionEid string) error {
	if err := s.requireSection(ctx, sectionEid); err != nil {
		return err
	}
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM cm_section_membership WHERE section_eid = ? AND user_eid = ?`,
		sectionEid, userEid)
	if err != nil {
		return fmt.Errorf("failed to remove section membership %s/%s: %w", sectionEid, userEid, err)
	}
	return nil
}

// RemoveEnrollment implements cm.Admin.
func (s *Store) RemoveEnrollment(ctx context.Context, userEid, enrollmentSetEid string) error {
	if err := s.requireEnrollmentSet(ctx, enrollmentSetEid); err != nil {
		return err
	}
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM cm_enrollment WHERE enrollment_set_eid = ? AND user_eid = ?`,
		enrollmentSetEid, userEid)
	if err != nil {
		return fmt.Errorf("failed to remove enrollment %s/%s: %w", enrollmentSetEid, userEid, err)
	}
	return nil
}

// RemoveCourseOfferingMembership implements cm.Admin.
func (s *Store) RemoveCourseOfferingMembership(ctx context.Context, userEid, offeringEid string) error {
	if err := s.requireOffering(ctx, offeringEid); err != nil {
		return err
	}
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM cm_offering_membership WHERE offering_eid = ? AND user_eid = ?`,
		offeringEid, userEid)
	if err != nil {
		return fmt.Errorf("failed to remove offering membership %s/%s: %w", offeringEid, userEid, err)
	}
	return nil
}

// GetSectionMembership returns a single section membership, mainly for
// verification in tests and the status command.
func (s *Store) GetSectionMembership(ctx context.Context, sectionEid, userEid string) (*cm.Membership, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT user_eid, role, section_eid, status
		FROM cm_section_membership WHERE section_eid = ? AND user_eid = ?`,
		sectionEid, userEid)
	return scanMembership(row, sectionEid, userEid)
}

// GetCourseOfferingMembership returns a single course offering membership.
func (s *Store) GetCourseOfferingMembership(ctx context.Context, offeringEid, userEid string) (*cm.Membership, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT user_eid, role, offering_eid, status
		FROM cm_offering_membership WHERE offering_eid = ? AND user_eid = ?`,
		offeringEid, userEid)
	return scanMembership(row, offeringEid, userEid)
}

// GetEnrollment returns a single enrollment.
func (s *Store) GetEnrollment(ctx context.Context, enrollmentSetEid, userEid string) (*cm.Enrollment, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT user_eid, enrollment_set_eid, status, credits, grading_scheme
		FROM cm_enrollment WHERE enrollment_set_eid = ? AND user_eid = ?`,
		enrollmentSetEid, userEid)

	var e cm.Enrollment
	err := row.Scan(&e.UserEid, &e.EnrollmentSetEid, &e.Status, &e.Credits, &e.GradingScheme)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("enrollment %s/%s: %w", enrollmentSetEid, userEid, cm.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get enrollment %s/%s: %w", enrollmentSetEid, userEid, err)
	}
	return &e, nil
}

func scanMembership(row *sql.Row, containerEid, userEid string) (*cm.Membership, error) {
	var m cm.Membership
	err := row.Scan(&m.UserEid, &m.Role, &m.ContainerEid, &m.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("membership %s/%s: %w", containerEid, userEid, cm.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership %s/%s: %w", containerEid, userEid, err)
	}
	return &m, nil
}

func (s *Store) requireSection(ctx context.Context, eid string) error {
	return s.requireRow(ctx, `SELECT 1 FROM cm_section WHERE eid = ?`, "section", eid)
}

func (s *Store) requireEnrollmentSet(ctx context.Context, eid string) error {
	return s.requireRow(ctx, `SELECT 1 FROM cm_enrollment_set WHERE eid = ?`, "enrollment set", eid)
}

func (s *Store) requireOffering(ctx context.Context, eid string) error {
	return s.requireRow(ctx, `SELECT 1 FROM cm_course_offering WHERE eid = ?`, "course offering", eid)
}

func (s *Store) requireRow(ctx context.Context, query, kind, eid string) error {
	var one int
	err := s.conn.QueryRowContext(ctx, query, eid).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, eid, cm.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to look up %s %s: %w", kind, eid, err)
	}
	return nil
}

func scanEids(rows *sql.Rows) ([]string, error) {
	var eids []string
	for rows.Next() {
		var eid string
		if err := rows.Scan(&eid); err != nil {
			return nil, fmt.Errorf("failed to scan eid: %w", err)
		}
		eids = append(eids, eid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating eids: %w", err)
	}
	return eids, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}

func joinInstructors(instructors []string) string {
	return strings.Join(instructors, ",")
}

func splitInstructors(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}
