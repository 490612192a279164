package sync

import (
	"errors"
	"fmt"
	"strings"
)

// MembershipRecord is one normalized membership row from a CSV extract.
// All required fields are non-empty; optional fields carry their configured
// defaults when the input omitted or blanked them.
type MembershipRecord struct {
	ContainerEid  string
	UserEid       string
	Role          string
	Status        string
	Credits       string
	GradingScheme string
}

// RecordDefaults supplies the fallback values for the optional membership
// fields.
type RecordDefaults struct {
	Credits       string
	GradingScheme string
}

// ErrTooFewFields rejects rows with fewer than the minimum field count.
var ErrTooFewFields = errors.New("row has too few fields")

// MissingFieldError rejects rows where a required field is blank after
// trimming.
type MissingFieldError struct {
	Name string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field %q", e.Name)
}

// IsRowError reports whether err is a per-row rejection (too few fields or
// a missing required field) rather than a store failure. Row errors are
// counted and skipped; everything else aborts the run.
func IsRowError(err error) bool {
	var mf *MissingFieldError
	return errors.Is(err, ErrTooFewFields) || errors.As(err, &mf)
}

// membershipMinFields is the number of required positional fields:
// container eid, user eid, role, status.
const membershipMinFields = 4

// ParseMembershipRecord normalizes a raw CSV row into a MembershipRecord.
//
// Expected format: ContainerEid, UserEid, Role, Status, [Credits],
// [GradingScheme]. Every field is trimmed of surrounding whitespace. The
// optional fields fall back to the configured defaults when absent or
// blank.
func ParseMembershipRecord(fields []string, defaults RecordDefaults) (*MembershipRecord, error) {
	if len(fields) < membershipMinFields {
		return nil, fmt.Errorf("%w: expected at least %d, got %d",
			ErrTooFewFields, membershipMinFields, len(fields))
	}

	trimmed := trimAll(fields)

	rec := &MembershipRecord{
		ContainerEid:  trimmed[0],
		UserEid:       trimmed[1],
		Role:          trimmed[2],
		Status:        trimmed[3],
		Credits:       defaults.Credits,
		GradingScheme: defaults.GradingScheme,
	}

	required := []struct {
		name  string
		value string
	}{
		{"Container Eid", rec.ContainerEid},
		{"User Eid", rec.UserEid},
		{"Role", rec.Role},
		{"Status", rec.Status},
	}
	for _, f := range required {
		if f.value == "" {
			return nil, &MissingFieldError{Name: f.name}
		}
	}

	if len(trimmed) > 4 && trimmed[4] != "" {
		rec.Credits = trimmed[4]
	}
	if len(trimmed) > 5 && trimmed[5] != "" {
		rec.GradingScheme = trimmed[5]
	}

	return rec, nil
}

// trimAll returns a copy of fields with surrounding whitespace removed from
// every element.
func trimAll(fields []string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = strings.TrimSpace(f)
	}
	return out
}
