// Package cm defines the course management domain model and the interfaces
// the reconciliation engine uses to talk to the course management
// system-of-record.
//
// In a full Sakai deployment these interfaces are backed by the remote
// CourseManagementService / CourseManagementAdministration pair. The bundled
// SQLite implementation (cm/sqlite) provides the same contract for local
// deployments and tests.
package cm

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a container, membership, or enrollment set
// does not exist in the course management store. Callers that reconcile
// row-at-a-time are expected to treat it as recoverable; anything else
// coming out of a store is fatal to the run.
var ErrNotFound = errors.New("cm: not found")

// AcademicSession is a term (semester, quarter) that containers belong to.
type AcademicSession struct {
	Eid         string
	Title       string
	Description string
	StartDate   string // YYYY-MM-DD, empty if unknown
	EndDate     string // YYYY-MM-DD, empty if unknown
	Current     bool
}

// CourseOffering is a course taught during a specific academic session.
type CourseOffering struct {
	Eid        string
	Title      string
	Status     string
	SessionEid string
}

// Section is a subdivision of a course offering that users are members of.
type Section struct {
	Eid               string
	Title             string
	Description       string
	Category          string
	CourseOfferingEid string

	// EnrollmentSetEid is empty until an enrollment set is attached.
	EnrollmentSetEid string
}

// EnrollmentSet groups student enrollments and official instructors for a
// section. Category is required by the CM contract even though it is
// optional on sections.
type EnrollmentSet struct {
	Eid               string
	Title             string
	Description       string
	Category          string
	DefaultCredits    string
	CourseOfferingEid string

	// OfficialInstructors holds user eids, deduplicated.
	OfficialInstructors []string
}

// Membership associates a user with a container (section or course
// offering) under a role and status.
type Membership struct {
	UserEid      string
	Role         string
	ContainerEid string
	Status       string
}

// Enrollment is a student's entry in an enrollment set, carrying credits
// and grading scheme on top of plain membership.
type Enrollment struct {
	UserEid          string
	EnrollmentSetEid string
	Status           string
	Credits          string
	GradingScheme    string
}

// Reader provides the lookups the reconciliation engine and the scope
// filter need. Implementations return ErrNotFound for unknown eids.
type Reader interface {
	GetSection(ctx context.Context, eid string) (*Section, error)
	GetEnrollmentSet(ctx context.Context, eid string) (*EnrollmentSet, error)

	// CurrentSessionEids returns the eids of academic sessions flagged
	// current. An empty slice means no session is current.
	CurrentSessionEids(ctx context.Context) ([]string, error)

	// SessionEidForSection resolves a section to the academic session of
	// its parent course offering.
	SessionEidForSection(ctx context.Context, eid string) (string, error)

	// SessionEidForOffering resolves a course offering to its academic
	// session.
	SessionEidForOffering(ctx context.Context, eid string) (string, error)

	// SectionEidsBySessions lists sections whose parent offering belongs
	// to any of the given sessions.
	SectionEidsBySessions(ctx context.Context, sessionEids []string) ([]string, error)

	// OfferingEidsBySessions lists course offerings belonging to any of
	// the given sessions.
	OfferingEidsBySessions(ctx context.Context, sessionEids []string) ([]string, error)
}

// Admin provides the mutations the engine performs. All AddOrUpdate
// operations are idempotent upserts; running the same input twice leaves
// the store in the same state.
type Admin interface {
	UpsertSession(ctx context.Context, s *AcademicSession) error
	UpsertCourseOffering(ctx context.Context, co *CourseOffering) error
	UpsertSection(ctx context.Context, s *Section) error

	CreateEnrollmentSet(ctx context.Context, es *EnrollmentSet) error
	UpdateEnrollmentSet(ctx context.Context, es *EnrollmentSet) error
	UpdateSection(ctx context.Context, s *Section) error

	AddOrUpdateSectionMembership(ctx context.Context, userEid, role, sectionEid, status string) error
	AddOrUpdateEnrollment(ctx context.Context, userEid, enrollmentSetEid, status, credits, gradingScheme string) error
	AddOrUpdateCourseOfferingMembership(ctx context.Context, userEid, role, offeringEid, status string) error

	// RemoveSectionMembership removes a user's membership in a section.
	// Returns ErrNotFound if the section does not exist; removing a
	// membership that is already gone is not an error.
	RemoveSectionMembership(ctx context.Context, userEid, sectionEid string) error

	// RemoveEnrollment removes a user's enrollment from an enrollment
	// set. Returns ErrNotFound if the enrollment set does not exist.
	RemoveEnrollment(ctx context.Context, userEid, enrollmentSetEid string) error

	// RemoveCourseOfferingMembership removes a user's membership in a
	// course offering. Returns ErrNotFound if the offering does not
	// exist.
	RemoveCourseOfferingMembership(ctx context.Context, userEid, offeringEid string) error
}

// Authenticator acquires an administrative session with the course
// management system for bulk operations. The returned release function must
// be called on every exit path.
//
// Stores that carry their own credentials (like the SQLite implementation)
// can omit this; the engine treats a nil Authenticator as "no session
// needed".
type Authenticator interface {
	Login(ctx context.Context) (release func(), err error)
}
