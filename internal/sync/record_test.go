package sync

import (
	"errors"
	"testing"
)

var testDefaults = RecordDefaults{Credits: "0", GradingScheme: "Letter Grade"}

func TestParseMembershipRecordMinimal(t *testing.T) {
	rec, err := ParseMembershipRecord([]string{"SEC1", "U1", "Student", "Active"}, testDefaults)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ContainerEid != "SEC1" || rec.UserEid != "U1" || rec.Role != "Student" || rec.Status != "Active" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Credits != "0" {
		t.Errorf("expected default credits, got %q", rec.Credits)
	}
	if rec.GradingScheme != "Letter Grade" {
		t.Errorf("expected default grading scheme, got %q", rec.GradingScheme)
	}
}

func TestParseMembershipRecordTrimsWhitespace(t *testing.T) {
	rec, err := ParseMembershipRecord([]string{"  SEC1 ", " U1", "Student\t", " Active "}, testDefaults)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ContainerEid != "SEC1" || rec.UserEid != "U1" || rec.Role != "Student" || rec.Status != "Active" {
		t.Errorf("fields not trimmed: %+v", rec)
	}
}

func TestParseMembershipRecordOptionalFields(t *testing.T) {
	rec, err := ParseMembershipRecord(
		[]string{"SEC1", "U1", "Student", "Active", "3", "Pass/Fail"}, testDefaults)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Credits != "3" {
		t.Errorf("expected credits 3, got %q", rec.Credits)
	}
	if rec.GradingScheme != "Pass/Fail" {
		t.Errorf("expected grading scheme Pass/Fail, got %q", rec.GradingScheme)
	}
}

func TestParseMembershipRecordBlankOptionalUsesDefault(t *testing.T) {
	// Present-but-blank optional fields fall back to the defaults, same
	// as absent ones.
	rec, err := ParseMembershipRecord(
		[]string{"SEC1", "U1", "Student", "Active", "  ", ""}, testDefaults)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Credits != "0" {
		t.Errorf("expected default credits, got %q", rec.Credits)
	}
	if rec.GradingScheme != "Letter Grade" {
		t.Errorf("expected default grading scheme, got %q", rec.GradingScheme)
	}
}

func TestParseMembershipRecordTooFewFields(t *testing.T) {
	for _, fields := range [][]string{
		nil,
		{},
		{"SEC1"},
		{"SEC1", "U1"},
		{"SEC1", "U1", "Student"},
	} {
		_, err := ParseMembershipRecord(fields, testDefaults)
		if !errors.Is(err, ErrTooFewFields) {
			t.Errorf("fields %v: expected ErrTooFewFields, got %v", fields, err)
		}
		if !IsRowError(err) {
			t.Errorf("fields %v: expected a row error", fields)
		}
	}
}

func TestParseMembershipRecordMissingRequiredField(t *testing.T) {
	cases := []struct {
		fields []string
		name   string
	}{
		{[]string{"", "U1", "Student", "Active"}, "Container Eid"},
		{[]string{"SEC1", " ", "Student", "Active"}, "User Eid"},
		{[]string{"SEC1", "U1", "", "Active"}, "Role"},
		{[]string{"SEC1", "U1", "Student", "\t"}, "Status"},
	}
	for _, tc := range cases {
		_, err := ParseMembershipRecord(tc.fields, testDefaults)
		var mf *MissingFieldError
		if !errors.As(err, &mf) {
			t.Errorf("fields %v: expected MissingFieldError, got %v", tc.fields, err)
			continue
		}
		if mf.Name != tc.name {
			t.Errorf("fields %v: expected missing %q, got %q", tc.fields, tc.name, mf.Name)
		}
		if !IsRowError(err) {
			t.Errorf("fields %v: expected a row error", tc.fields)
		}
	}
}
