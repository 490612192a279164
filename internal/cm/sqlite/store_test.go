package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/unicon/sakora/internal/cm"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cm.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedHierarchy creates a session, an offering under it, and a section
// under that.
func seedHierarchy(t *testing.T, s *Store, sessionEid string, current bool, offeringEid, sectionEid string) {
	t.Helper()
	ctx := context.Background()

	if err := s.UpsertSession(ctx, &cm.AcademicSession{Eid: sessionEid, Title: sessionEid, Current: current}); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}
	if err := s.UpsertCourseOffering(ctx, &cm.CourseOffering{
		Eid: offeringEid, Title: offeringEid, Status: "open", SessionEid: sessionEid,
	}); err != nil {
		t.Fatalf("UpsertCourseOffering failed: %v", err)
	}
	if err := s.UpsertSection(ctx, &cm.Section{
		Eid: sectionEid, Title: sectionEid, CourseOfferingEid: offeringEid,
	}); err != nil {
		t.Fatalf("UpsertSection failed: %v", err)
	}
}

func TestUpsertSectionPreservesEnrollmentSetLink(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	seedHierarchy(t, s, "FALL25", true, "CO1", "SEC1")

	if err := s.CreateEnrollmentSet(ctx, &cm.EnrollmentSet{
		Eid: "SEC1_ES", Title: "Biology", Category: "NONE", CourseOfferingEid: "CO1",
	}); err != nil {
		t.Fatalf("CreateEnrollmentSet failed: %v", err)
	}
	sec, err := s.GetSection(ctx, "SEC1")
	if err != nil {
		t.Fatalf("GetSection failed: %v", err)
	}
	sec.EnrollmentSetEid = "SEC1_ES"
	if err := s.UpdateSection(ctx, sec); err != nil {
		t.Fatalf("UpdateSection failed: %v", err)
	}

	// A later extract re-upserts the section without knowing about the
	// enrollment set. The link must survive.
	if err := s.UpsertSection(ctx, &cm.Section{
		Eid: "SEC1", Title: "Biology Renamed", CourseOfferingEid: "CO1",
	}); err != nil {
		t.Fatalf("UpsertSection failed: %v", err)
	}

	sec, err = s.GetSection(ctx, "SEC1")
	if err != nil {
		t.Fatalf("GetSection failed: %v", err)
	}
	if sec.Title != "Biology Renamed" {
		t.Errorf("title not updated: %q", sec.Title)
	}
	if sec.EnrollmentSetEid != "SEC1_ES" {
		t.Errorf("enrollment set link lost: %q", sec.EnrollmentSetEid)
	}
}

func TestGetSectionNotFound(t *testing.T) {
	s := setupStore(t)

	_, err := s.GetSection(context.Background(), "GHOST")
	if !errors.Is(err, cm.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEnrollmentSetRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	seedHierarchy(t, s, "FALL25", true, "CO1", "SEC1")

	es := &cm.EnrollmentSet{
		Eid:                 "SEC1_ES",
		Title:               "Biology",
		Category:            "lecture",
		DefaultCredits:      "3",
		CourseOfferingEid:   "CO1",
		OfficialInstructors: []string{"PROF1", "PROF2"},
	}
	if err := s.CreateEnrollmentSet(ctx, es); err != nil {
		t.Fatalf("CreateEnrollmentSet failed: %v", err)
	}

	got, err := s.GetEnrollmentSet(ctx, "SEC1_ES")
	if err != nil {
		t.Fatalf("GetEnrollmentSet failed: %v", err)
	}
	if !reflect.DeepEqual(got.OfficialInstructors, []string{"PROF1", "PROF2"}) {
		t.Errorf("instructors did not round-trip: %v", got.OfficialInstructors)
	}
	if got.DefaultCredits != "3" || got.Category != "lecture" {
		t.Errorf("unexpected enrollment set: %+v", got)
	}

	got.OfficialInstructors = append(got.OfficialInstructors, "PROF3")
	if err := s.UpdateEnrollmentSet(ctx, got); err != nil {
		t.Fatalf("UpdateEnrollmentSet failed: %v", err)
	}
	got, err = s.GetEnrollmentSet(ctx, "SEC1_ES")
	if err != nil {
		t.Fatalf("GetEnrollmentSet failed: %v", err)
	}
	if len(got.OfficialInstructors) != 3 {
		t.Errorf("expected 3 instructors, got %v", got.OfficialInstructors)
	}

	if err := s.UpdateEnrollmentSet(ctx, &cm.EnrollmentSet{Eid: "GHOST"}); !errors.Is(err, cm.ErrNotFound) {
		t.Errorf("expected ErrNotFound updating missing set, got %v", err)
	}
}

func TestSectionMembershipUpsertAndRemove(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	seedHierarchy(t, s, "FALL25", true, "CO1", "SEC1")

	if err := s.AddOrUpdateSectionMembership(ctx, "U1", "Student", "SEC1", "Active"); err != nil {
		t.Fatalf("AddOrUpdateSectionMembership failed: %v", err)
	}
	// Upsert: same pair, new role.
	if err := s.AddOrUpdateSectionMembership(ctx, "U1", "TA", "SEC1", "Inactive"); err != nil {
		t.Fatalf("AddOrUpdateSectionMembership failed: %v", err)
	}

	m, err := s.GetSectionMembership(ctx, "SEC1", "U1")
	if err != nil {
		t.Fatalf("GetSectionMembership failed: %v", err)
	}
	if m.Role != "TA" || m.Status != "Inactive" {
		t.Errorf("unexpected membership: %+v", m)
	}

	if err := s.RemoveSectionMembership(ctx, "U1", "SEC1"); err != nil {
		t.Fatalf("RemoveSectionMembership failed: %v", err)
	}
	if _, err := s.GetSectionMembership(ctx, "SEC1", "U1"); !errors.Is(err, cm.ErrNotFound) {
		t.Errorf("expected membership gone, got %v", err)
	}

	// Removing an already absent membership is a no-op.
	if err := s.RemoveSectionMembership(ctx, "U1", "SEC1"); err != nil {
		t.Errorf("repeat removal should succeed, got %v", err)
	}
	// An absent section is an error.
	if err := s.RemoveSectionMembership(ctx, "U1", "GHOST"); !errors.Is(err, cm.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing section, got %v", err)
	}
}

func TestMembershipRequiresContainer(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.AddOrUpdateSectionMembership(ctx, "U1", "Student", "GHOST", "Active"); !errors.Is(err, cm.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing section, got %v", err)
	}
	if err := s.AddOrUpdateCourseOfferingMembership(ctx, "U1", "Student", "GHOST", "Active"); !errors.Is(err, cm.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing offering, got %v", err)
	}
	if err := s.AddOrUpdateEnrollment(ctx, "U1", "GHOST", "Active", "3", "Letter Grade"); !errors.Is(err, cm.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing enrollment set, got %v", err)
	}
}

func TestCurrentSessionQueries(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	seedHierarchy(t, s, "FALL25", true, "CO1", "SEC1")
	seedHierarchy(t, s, "SPRING26", true, "CO2", "SEC2")
	seedHierarchy(t, s, "OLD", false, "CO3", "SEC3")

	sessions, err := s.CurrentSessionEids(ctx)
	if err != nil {
		t.Fatalf("CurrentSessionEids failed: %v", err)
	}
	if !reflect.DeepEqual(sessions, []string{"FALL25", "SPRING26"}) {
		t.Errorf("unexpected current sessions: %v", sessions)
	}

	sections, err := s.SectionEidsBySessions(ctx, sessions)
	if err != nil {
		t.Fatalf("SectionEidsBySessions failed: %v", err)
	}
	if !reflect.DeepEqual(sections, []string{"SEC1", "SEC2"}) {
		t.Errorf("unexpected sections: %v", sections)
	}

	offerings, err := s.OfferingEidsBySessions(ctx, sessions)
	if err != nil {
		t.Fatalf("OfferingEidsBySessions failed: %v", err)
	}
	if !reflect.DeepEqual(offerings, []string{"CO1", "CO2"}) {
		t.Errorf("unexpected offerings: %v", offerings)
	}

	// Empty session list yields an empty scope, not everything.
	none, err := s.SectionEidsBySessions(ctx, nil)
	if err != nil {
		t.Fatalf("SectionEidsBySessions failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected empty scope, got %v", none)
	}
}

func TestSessionResolution(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	seedHierarchy(t, s, "FALL25", true, "CO1", "SEC1")

	session, err := s.SessionEidForSection(ctx, "SEC1")
	if err != nil {
		t.Fatalf("SessionEidForSection failed: %v", err)
	}
	if session != "FALL25" {
		t.Errorf("expected FALL25, got %q", session)
	}

	session, err = s.SessionEidForOffering(ctx, "CO1")
	if err != nil {
		t.Fatalf("SessionEidForOffering failed: %v", err)
	}
	if session != "FALL25" {
		t.Errorf("expected FALL25, got %q", session)
	}

	if _, err := s.SessionEidForSection(ctx, "GHOST"); !errors.Is(err, cm.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.SessionEidForOffering(ctx, "GHOST"); !errors.Is(err, cm.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertSessionTogglesCurrent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.UpsertSession(ctx, &cm.AcademicSession{Eid: "FALL25", Title: "Fall", Current: true}); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}
	// The next extract marks it past.
	if err := s.UpsertSession(ctx, &cm.AcademicSession{Eid: "FALL25", Title: "Fall", Current: false}); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	sessions, err := s.CurrentSessionEids(ctx)
	if err != nil {
		t.Fatalf("CurrentSessionEids failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected no current sessions, got %v", sessions)
	}
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory store: %v", err)
	}
	defer s.Close()

	seedHierarchy(t, s, "FALL25", true, "CO1", "SEC1")
	if _, err := s.GetSection(context.Background(), "SEC1"); err != nil {
		t.Errorf("GetSection failed: %v", err)
	}
}
