// Package scope decides which containers a reconciliation run is allowed to
// touch.
//
// When session filtering is enabled, only sections and course offerings
// belonging to a current academic session are processed; rows and removals
// for anything else are skipped. With filtering disabled every container is
// considered current and the filter is inert.
//
// The filter also accumulates the containers actually seen in the input,
// which the engine reports for diagnostics after the sweep.
package scope

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/unicon/sakora/internal/cm"
)

// Config carries the two global toggles from the handler configuration.
type Config struct {
	// IgnoreMissingSessions enables filtering against current academic
	// sessions. Off means no filtering: everything is current.
	IgnoreMissingSessions bool

	// IgnoreMembershipRemovals suppresses the deletion sweep and the
	// shadow ledger maintenance, but never the target store upserts.
	IgnoreMembershipRemovals bool
}

// Filter is the per-run scope filter. It is not safe for concurrent use;
// a run processes rows on a single goroutine.
type Filter struct {
	cfg    Config
	reader cm.Reader
	log    *zap.Logger

	seenSections  map[string]struct{}
	seenOfferings map[string]struct{}

	// Caches computed once per run.
	sessionsLoaded  bool
	currentSessions map[string]struct{}
	sectionScope    []string
	sectionLoaded   bool
	offeringScope   []string
	offeringLoaded  bool

	// Per-container verdicts, cached so repeated rows for one container
	// cost one lookup.
	sectionCurrent  map[string]bool
	offeringCurrent map[string]bool
}

// New creates a scope filter. The reader is only consulted when
// IgnoreMissingSessions is set.
func New(cfg Config, reader cm.Reader, log *zap.Logger) *Filter {
	if log == nil {
		log = zap.NewNop()
	}
	f := &Filter{cfg: cfg, reader: reader, log: log}
	f.Reset()
	return f
}

// Reset clears the seen-container accumulators and all caches. Called at
// the start of every run, since the run's own session data may change what
// is current.
func (f *Filter) Reset() {
	f.seenSections = make(map[string]struct{})
	f.seenOfferings = make(map[string]struct{})
	f.sessionsLoaded = false
	f.currentSessions = nil
	f.sectionLoaded = false
	f.sectionScope = nil
	f.offeringLoaded = false
	f.offeringScope = nil
	f.sectionCurrent = make(map[string]bool)
	f.offeringCurrent = make(map[string]bool)
}

// IgnoreMissingSessions reports whether session filtering is enabled.
func (f *Filter) IgnoreMissingSessions() bool { return f.cfg.IgnoreMissingSessions }

// IgnoreMembershipRemovals reports whether the deletion path is disabled.
func (f *Filter) IgnoreMembershipRemovals() bool { return f.cfg.IgnoreMembershipRemovals }

// AddSeenSection records that the input referenced a section, whether or
// not it turns out to be in scope.
func (f *Filter) AddSeenSection(eid string) {
	f.seenSections[eid] = struct{}{}
}

// AddSeenOffering records that the input referenced a course offering.
func (f *Filter) AddSeenOffering(eid string) {
	f.seenOfferings[eid] = struct{}{}
}

// SeenSectionCount returns how many distinct sections the input referenced.
func (f *Filter) SeenSectionCount() int {
	return len(f.seenSections)
}

// SeenOfferingCount returns how many distinct offerings the input referenced.
func (f *Filter) SeenOfferingCount() int {
	return len(f.seenOfferings)
}

// SectionCurrent reports whether a section belongs to a current academic
// session. A section the store does not know about is not current: the row
// will be skipped rather than failed.
func (f *Filter) SectionCurrent(ctx context.Context, eid string) (bool, error) {
	if !f.cfg.IgnoreMissingSessions {
		return true, nil
	}
	if verdict, ok := f.sectionCurrent[eid]; ok {
		return verdict, nil
	}
	sessionEid, err := f.reader.SessionEidForSection(ctx, eid)
	if errors.Is(err, cm.ErrNotFound) {
		f.log.Debug("section unknown to course management, treating as not current",
			zap.String("section", eid))
		f.sectionCurrent[eid] = false
		return false, nil
	}
	if err != nil {
		return false, err
	}
	verdict, err := f.sessionIsCurrent(ctx, sessionEid)
	if err != nil {
		return false, err
	}
	f.sectionCurrent[eid] = verdict
	return verdict, nil
}

// OfferingCurrent reports whether a course offering belongs to a current
// academic session.
func (f *Filter) OfferingCurrent(ctx context.Context, eid string) (bool, error) {
	if !f.cfg.IgnoreMissingSessions {
		return true, nil
	}
	if verdict, ok := f.offeringCurrent[eid]; ok {
		return verdict, nil
	}
	sessionEid, err := f.reader.SessionEidForOffering(ctx, eid)
	if errors.Is(err, cm.ErrNotFound) {
		f.log.Debug("offering unknown to course management, treating as not current",
			zap.String("offering", eid))
		f.offeringCurrent[eid] = false
		return false, nil
	}
	if err != nil {
		return false, err
	}
	verdict, err := f.sessionIsCurrent(ctx, sessionEid)
	if err != nil {
		return false, err
	}
	f.offeringCurrent[eid] = verdict
	return verdict, nil
}

// CurrentSectionEids returns every section in a current academic session,
// computed once per run and cached. The sweep uses this as its deletion
// scope when filtering is enabled.
func (f *Filter) CurrentSectionEids(ctx context.Context) ([]string, error) {
	if f.sectionLoaded {
		return f.sectionScope, nil
	}
	sessions, err := f.currentSessionEids(ctx)
	if err != nil {
		return nil, err
	}
	eids, err := f.reader.SectionEidsBySessions(ctx, sessions)
	if err != nil {
		return nil, err
	}
	f.sectionScope = eids
	f.sectionLoaded = true
	return eids, nil
}

// CurrentOfferingEids returns every course offering in a current academic
// session, computed once per run and cached.
func (f *Filter) CurrentOfferingEids(ctx context.Context) ([]string, error) {
	if f.offeringLoaded {
		return f.offeringScope, nil
	}
	sessions, err := f.currentSessionEids(ctx)
	if err != nil {
		return nil, err
	}
	eids, err := f.reader.OfferingEidsBySessions(ctx, sessions)
	if err != nil {
		return nil, err
	}
	f.offeringScope = eids
	f.offeringLoaded = true
	return eids, nil
}

func (f *Filter) sessionIsCurrent(ctx context.Context, sessionEid string) (bool, error) {
	if err := f.loadSessions(ctx); err != nil {
		return false, err
	}
	_, ok := f.currentSessions[sessionEid]
	return ok, nil
}

func (f *Filter) currentSessionEids(ctx context.Context) ([]string, error) {
	if err := f.loadSessions(ctx); err != nil {
		return nil, err
	}
	eids := make([]string, 0, len(f.currentSessions))
	for eid := range f.currentSessions {
		eids = append(eids, eid)
	}
	return eids, nil
}

func (f *Filter) loadSessions(ctx context.Context) error {
	if f.sessionsLoaded {
		return nil
	}
	eids, err := f.reader.CurrentSessionEids(ctx)
	if err != nil {
		return err
	}
	f.currentSessions = make(map[string]struct{}, len(eids))
	for _, eid := range eids {
		f.currentSessions[eid] = struct{}{}
	}
	f.sessionsLoaded = true
	return nil
}
