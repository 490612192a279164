package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/unicon/sakora/internal/cm"
	"github.com/unicon/sakora/internal/ledger"
	"github.com/unicon/sakora/internal/sync/scope"
)

// Mode selects which membership type a MembershipHandler reconciles.
type Mode string

const (
	// ModeSection reconciles section memberships and enrollments.
	ModeSection Mode = "section"
	// ModeCourse reconciles course offering memberships.
	ModeCourse Mode = "course"
)

// maxScopeChunk bounds the number of container eids placed into a single
// sweep query predicate. Large IN clauses are a problem for some backing
// stores (Oracle caps them at 1000), so the sweep scope is processed in
// chunks of this size.
const maxScopeChunk = 1000

// enrollmentSetSuffix derives an enrollment set eid from its section eid.
const enrollmentSetSuffix = "_ES"

// MembershipConfig configures a MembershipHandler.
type MembershipConfig struct {
	Mode Mode

	// Role names compared case-insensitively against the Role field.
	TaRole         string
	StudentRole    string
	InstructorRole string

	// DefaultCredits is both the fallback credits value and the sentinel
	// meaning "use the enrollment set's own default credits".
	DefaultCredits string

	DefaultGradingScheme string

	// DefaultEnrollmentSetCategory is assigned to auto-created enrollment
	// sets whose section has no category. Category is optional on
	// sections but required on enrollment sets, so this must not be
	// empty.
	DefaultEnrollmentSetCategory string

	// SearchPageSize is the sweep's page size.
	SearchPageSize int
}

// Validate rejects configurations that would otherwise fail deep inside
// row processing.
func (c *MembershipConfig) Validate() error {
	if c.Mode != ModeSection && c.Mode != ModeCourse {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeSection, ModeCourse, c.Mode)
	}
	if c.StudentRole == "" {
		return errors.New("studentRole must not be empty")
	}
	if c.InstructorRole == "" {
		return errors.New("instructorRole must not be empty")
	}
	if c.SearchPageSize <= 0 {
		return fmt.Errorf("searchPageSize must be positive, got %d", c.SearchPageSize)
	}
	return nil
}

// MembershipHandler reconciles membership CSV rows against the course
// management store and maintains the shadow ledger used to detect
// memberships that disappeared from the extract.
//
// Per row it upserts the corresponding membership (and, in section mode,
// the enrollment) and refreshes the row's shadow ledger entry. After all
// rows are consumed, Finish sweeps the ledger for entries not stamped by
// this run and removes the matching memberships from the target store.
type MembershipHandler struct {
	cfg    MembershipConfig
	reader cm.Reader
	admin  cm.Admin
	auth   cm.Authenticator // optional, nil when the store needs no session
	store  *ledger.Store
	filter *scope.Filter
	log    *zap.Logger

	run   Run
	stats Stats
}

var _ Handler = (*MembershipHandler)(nil)

// NewMembershipHandler creates a membership handler. auth may be nil.
func NewMembershipHandler(cfg MembershipConfig, reader cm.Reader, admin cm.Admin, auth cm.Authenticator, store *ledger.Store, filter *scope.Filter, log *zap.Logger) (*MembershipHandler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid membership config: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MembershipHandler{
		cfg:    cfg,
		reader: reader,
		admin:  admin,
		auth:   auth,
		store:  store,
		filter: filter,
		log:    log.Named("membership").With(zap.String("mode", string(cfg.Mode))),
	}, nil
}

// Name implements Handler.
func (h *MembershipHandler) Name() string {
	if h.cfg.Mode == ModeSection {
		return "SectionMembership"
	}
	return "CourseMembership"
}

// Filename implements Handler.
func (h *MembershipHandler) Filename() string {
	if h.cfg.Mode == ModeSection {
		return "sectionMembership.csv"
	}
	return "courseMembership.csv"
}

// Begin implements Handler.
func (h *MembershipHandler) Begin(_ context.Context, run Run) error {
	if run.Stamp.IsZero() {
		return errors.New("run stamp must be set before processing begins")
	}
	h.run = run
	h.stats = Stats{}
	return nil
}

// ReadLine implements Handler. Row rejections and target-store not-found
// errors are recovered here; any other failure aborts the run.
func (h *MembershipHandler) ReadLine(ctx context.Context, fields []string) error {
	rec, err := ParseMembershipRecord(fields, RecordDefaults{
		Credits:       h.cfg.DefaultCredits,
		GradingScheme: h.cfg.DefaultGradingScheme,
	})
	if err != nil {
		h.stats.Errors++
		h.log.Error("skipping membership row", zap.Error(err), zap.Strings("fields", fields))
		return nil
	}

	// Record the sighting for post-run diagnostics whether or not the
	// container is in scope.
	if h.cfg.Mode == ModeSection {
		h.filter.AddSeenSection(rec.ContainerEid)
	} else {
		h.filter.AddSeenOffering(rec.ContainerEid)
	}

	current, err := h.containerCurrent(ctx, rec.ContainerEid)
	if err != nil {
		return err
	}
	if !current {
		h.log.Debug("skipping membership in container outside current sessions",
			zap.String("user", rec.UserEid), zap.String("container", rec.ContainerEid))
		return nil
	}

	if err := h.apply(ctx, rec); err != nil {
		if errors.Is(err, cm.ErrNotFound) {
			h.audit(ctx, err.Error())
			return nil
		}
		return err
	}
	return nil
}

// apply performs the target store upsert and the shadow ledger refresh for
// one in-scope record.
func (h *MembershipHandler) apply(ctx context.Context, rec *MembershipRecord) error {
	if h.cfg.Mode == ModeSection {
		if err := h.applySection(ctx, rec); err != nil {
			return err
		}
	} else {
		if err := h.admin.AddOrUpdateCourseOfferingMembership(ctx, rec.UserEid, rec.Role, rec.ContainerEid, rec.Status); err != nil {
			return err
		}
	}
	h.stats.Updates++

	if h.filter.IgnoreMembershipRemovals() {
		h.log.Debug("skipping shadow ledger update, membership removals disabled",
			zap.String("user", rec.UserEid), zap.String("container", rec.ContainerEid))
		return nil
	}
	return h.recordSighting(ctx, rec)
}

// applySection handles the section-mode upsert: enrollment set creation,
// official instructor tracking, the membership itself, and the student
// enrollment.
func (h *MembershipHandler) applySection(ctx context.Context, rec *MembershipRecord) error {
	section, err := h.reader.GetSection(ctx, rec.ContainerEid)
	if err != nil {
		return err
	}

	var es *cm.EnrollmentSet
	if section.EnrollmentSetEid == "" {
		esEid := section.Eid + enrollmentSetSuffix
		category := section.Category
		if category == "" {
			category = h.cfg.DefaultEnrollmentSetCategory
		}
		h.log.Debug("section has no enrollment set, creating one",
			zap.String("section", section.Eid), zap.String("enrollment_set", esEid))
		es = &cm.EnrollmentSet{
			Eid:               esEid,
			Title:             section.Title,
			Description:       section.Description,
			Category:          category,
			DefaultCredits:    h.cfg.DefaultCredits,
			CourseOfferingEid: section.CourseOfferingEid,
		}
		if err := h.admin.CreateEnrollmentSet(ctx, es); err != nil {
			return err
		}
		section.EnrollmentSetEid = esEid
		if err := h.admin.UpdateSection(ctx, section); err != nil {
			return err
		}
	} else {
		es, err = h.reader.GetEnrollmentSet(ctx, section.EnrollmentSetEid)
		if err != nil {
			return err
		}
	}

	if strings.EqualFold(rec.Role, h.cfg.InstructorRole) {
		if addInstructor(es, rec.UserEid) {
			if err := h.admin.UpdateEnrollmentSet(ctx, es); err != nil {
				return err
			}
		}
	}

	if err := h.admin.AddOrUpdateSectionMembership(ctx, rec.UserEid, rec.Role, rec.ContainerEid, rec.Status); err != nil {
		return err
	}

	if strings.EqualFold(rec.Role, h.cfg.StudentRole) {
		credits := rec.Credits
		if credits == h.cfg.DefaultCredits {
			// The row carried no real credits value; the enrollment
			// set's own default wins.
			credits = es.DefaultCredits
		}
		if err := h.admin.AddOrUpdateEnrollment(ctx, rec.UserEid, es.Eid, rec.Status, credits, rec.GradingScheme); err != nil {
			return err
		}
	}
	return nil
}

// recordSighting creates or refreshes the shadow ledger entry for the
// (mode, user, container) tuple and clears any duplicate entries.
//
// Duplicates may pre-exist from prior interrupted runs; an un-stamped
// duplicate would cause a spurious deletion in a later sweep, so they are
// removed eagerly. The deletes and the update are independent statements,
// not one transaction: a crash between them leaves at most one residual
// duplicate, which the same logic repairs on the next run.
func (h *MembershipHandler) recordSighting(ctx context.Context, rec *MembershipRecord) error {
	existing, err := h.store.FindMemberships(ctx, h.ledgerMode(), rec.UserEid, rec.ContainerEid)
	if err != nil {
		return err
	}

	if len(existing) == 0 {
		return h.store.Create(ctx, &ledger.Membership{
			UserEid:      rec.UserEid,
			ContainerEid: rec.ContainerEid,
			Mode:         h.ledgerMode(),
			Role:         rec.Role,
			InputTime:    h.run.Stamp,
		})
	}

	for _, dup := range existing[:len(existing)-1] {
		if err := h.store.Delete(ctx, dup.ID); err != nil {
			return err
		}
	}
	newest := existing[len(existing)-1]
	newest.Role = rec.Role
	newest.InputTime = h.run.Stamp
	return h.store.Update(ctx, newest)
}

// Finish implements Handler: the deletion sweep plus the run summary audit
// entry.
func (h *MembershipHandler) Finish(ctx context.Context) (Stats, error) {
	if h.filter.IgnoreMembershipRemovals() {
		h.log.Debug("skipping membership removal sweep, removals disabled")
	} else {
		if err := h.sweep(ctx); err != nil {
			return h.stats, err
		}
	}

	h.audit(ctx, fmt.Sprintf("finished processing input, added or updated %d items and removed %d",
		h.stats.Updates, h.stats.Deletes))
	return h.stats, nil
}

// sweep removes memberships whose shadow ledger entries were not refreshed
// by this run.
//
// The scope (when session filtering is on) can be very large, so it is
// processed in chunks of at most maxScopeChunk container eids, one ledger
// query predicate per chunk. Within a chunk, stale entries are paged at the
// configured page size. Ledger rows are only deleted after a chunk's paging
// completes, so the offset cursor advances over a stable result set while
// the run still ends with stale entries gone from both stores.
func (h *MembershipHandler) sweep(ctx context.Context) error {
	if h.auth != nil {
		release, err := h.auth.Login(ctx)
		if err != nil {
			return fmt.Errorf("failed to acquire admin session for sweep: %w", err)
		}
		defer release()
	}

	var containers []string
	scoped := h.filter.IgnoreMissingSessions()
	if scoped {
		var err error
		if h.cfg.Mode == ModeSection {
			containers, err = h.filter.CurrentSectionEids(ctx)
		} else {
			containers, err = h.filter.CurrentOfferingEids(ctx)
		}
		if err != nil {
			return err
		}
		if len(containers) == 0 {
			// Nothing is current, so nothing may be swept.
			h.log.Warn("no current containers, skipping membership removal processing")
			return nil
		}
	}

	for start := 0; ; start += maxScopeChunk {
		var chunk []string
		if scoped {
			if start >= len(containers) {
				break
			}
			end := min(start+maxScopeChunk, len(containers))
			chunk = containers[start:end]
			h.log.Info("limiting membership removals to container chunk",
				zap.Int("containers", len(chunk)))
		}

		if err := h.sweepChunk(ctx, chunk); err != nil {
			return err
		}

		if !scoped {
			// Without a scope restriction there is exactly one
			// unbounded pass.
			break
		}
	}
	return nil
}

// sweepChunk pages through stale ledger entries restricted to chunk (nil
// means unrestricted), removing each from the target store, then deletes
// the entries from the ledger.
func (h *MembershipHandler) sweepChunk(ctx context.Context, chunk []string) error {
	var staleIDs []int64
	offset := 0
	for {
		entries, err := h.store.PageStale(ctx, h.ledgerMode(), h.run.Stamp, chunk, h.cfg.SearchPageSize, offset)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			break
		}
		h.log.Debug("processing membership removals", zap.Int("count", len(entries)))

		for _, entry := range entries {
			if err := h.removeFromTarget(ctx, entry); err != nil {
				if errors.Is(err, cm.ErrNotFound) {
					h.audit(ctx, err.Error())
				} else {
					return err
				}
			}
			staleIDs = append(staleIDs, entry.ID)
		}

		offset += h.cfg.SearchPageSize
	}
	return h.store.DeleteBatch(ctx, staleIDs)
}

// removeFromTarget removes one stale membership from the course management
// store.
func (h *MembershipHandler) removeFromTarget(ctx context.Context, entry *ledger.Membership) error {
	if h.cfg.Mode == ModeSection {
		if err := h.admin.RemoveSectionMembership(ctx, entry.UserEid, entry.ContainerEid); err != nil {
			return err
		}
		section, err := h.reader.GetSection(ctx, entry.ContainerEid)
		if err != nil {
			return err
		}
		if section.EnrollmentSetEid == "" {
			h.log.Info("section has no enrollment set, enrollments cannot be removed",
				zap.String("section", section.Eid))
			return nil
		}
		if err := h.admin.RemoveEnrollment(ctx, entry.UserEid, section.EnrollmentSetEid); err != nil {
			return err
		}
		h.log.Debug("removed section membership",
			zap.String("user", entry.UserEid), zap.String("section", entry.ContainerEid))
		h.stats.Deletes++
		return nil
	}

	if err := h.admin.RemoveCourseOfferingMembership(ctx, entry.UserEid, entry.ContainerEid); err != nil {
		return err
	}
	h.log.Debug("removed course offering membership",
		zap.String("user", entry.UserEid), zap.String("offering", entry.ContainerEid))
	h.stats.Deletes++
	return nil
}

func (h *MembershipHandler) containerCurrent(ctx context.Context, eid string) (bool, error) {
	if h.cfg.Mode == ModeSection {
		return h.filter.SectionCurrent(ctx, eid)
	}
	return h.filter.OfferingCurrent(ctx, eid)
}

func (h *MembershipHandler) ledgerMode() ledger.Mode {
	if h.cfg.Mode == ModeSection {
		return ledger.ModeSection
	}
	return ledger.ModeCourse
}

// audit writes to the audit trail; audit failures are logged, never fatal.
func (h *MembershipHandler) audit(ctx context.Context, message string) {
	if err := h.store.Audit(ctx, h.Name(), message, h.run.ID); err != nil {
		h.log.Error("failed to write audit entry", zap.Error(err))
	}
}

// addInstructor adds a user to the official instructor set if absent.
// Reports whether the set changed.
func addInstructor(es *cm.EnrollmentSet, userEid string) bool {
	for _, existing := range es.OfficialInstructors {
		if existing == userEid {
			return false
		}
	}
	es.OfficialInstructors = append(es.OfficialInstructors, userEid)
	return true
}
