package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/unicon/sakora/internal/cm"
	"github.com/unicon/sakora/internal/ledger"
)

// SectionHandler loads sections from sections.csv.
//
// Expected format: Eid, Title, CourseOfferingEid, [Category],
// [Description]. The enrollment set link is never written here; it is
// created lazily by the membership handler when the first member arrives.
type SectionHandler struct {
	admin cm.Admin
	store *ledger.Store
	log   *zap.Logger

	run   Run
	stats Stats
}

var _ Handler = (*SectionHandler)(nil)

// NewSectionHandler creates a section handler.
func NewSectionHandler(admin cm.Admin, store *ledger.Store, log *zap.Logger) *SectionHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SectionHandler{admin: admin, store: store, log: log.Named("section")}
}

// Name implements Handler.
func (h *SectionHandler) Name() string { return "Section" }

// Filename implements Handler.
func (h *SectionHandler) Filename() string { return "sections.csv" }

// Begin implements Handler.
func (h *SectionHandler) Begin(_ context.Context, run Run) error {
	h.run = run
	h.stats = Stats{}
	return nil
}

// ReadLine implements Handler.
func (h *SectionHandler) ReadLine(ctx context.Context, fields []string) error {
	const minFields = 3
	if len(fields) < minFields {
		h.stats.Errors++
		h.log.Error("skipping section row", zap.Error(ErrTooFewFields), zap.Strings("fields", fields))
		return nil
	}
	trimmed := trimAll(fields)

	sec := &cm.Section{
		Eid:               trimmed[0],
		Title:             trimmed[1],
		CourseOfferingEid: trimmed[2],
	}
	if sec.Eid == "" || sec.Title == "" || sec.CourseOfferingEid == "" {
		h.stats.Errors++
		h.log.Error("skipping section row with blank required field", zap.Strings("fields", fields))
		return nil
	}
	if len(trimmed) > 3 {
		sec.Category = trimmed[3]
	}
	if len(trimmed) > 4 {
		sec.Description = trimmed[4]
	}

	if err := h.admin.UpsertSection(ctx, sec); err != nil {
		return err
	}
	h.stats.Updates++
	return nil
}

// Finish implements Handler.
func (h *SectionHandler) Finish(ctx context.Context) (Stats, error) {
	if err := h.store.Audit(ctx, h.Name(),
		fmt.Sprintf("finished processing input, added or updated %d items", h.stats.Updates),
		h.run.ID); err != nil {
		h.log.Error("failed to write audit entry", zap.Error(err))
	}
	return h.stats, nil
}
