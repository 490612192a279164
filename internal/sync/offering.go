package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/unicon/sakora/internal/cm"
	"github.com/unicon/sakora/internal/ledger"
)

// OfferingHandler loads course offerings from courseOffering.csv.
//
// Expected format: Eid, Title, Status, SessionEid. All four fields are
// required; the session link is what ties an offering (and its sections)
// into the scope filter.
type OfferingHandler struct {
	admin cm.Admin
	store *ledger.Store
	log   *zap.Logger

	run   Run
	stats Stats
}

var _ Handler = (*OfferingHandler)(nil)

// NewOfferingHandler creates a course offering handler.
func NewOfferingHandler(admin cm.Admin, store *ledger.Store, log *zap.Logger) *OfferingHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &OfferingHandler{admin: admin, store: store, log: log.Named("offering")}
}

// Name implements Handler.
func (h *OfferingHandler) Name() string { return "CourseOffering" }

// Filename implements Handler.
func (h *OfferingHandler) Filename() string { return "courseOffering.csv" }

// Begin implements Handler.
func (h *OfferingHandler) Begin(_ context.Context, run Run) error {
	h.run = run
	h.stats = Stats{}
	return nil
}

// ReadLine implements Handler.
func (h *OfferingHandler) ReadLine(ctx context.Context, fields []string) error {
	const minFields = 4
	if len(fields) < minFields {
		h.stats.Errors++
		h.log.Error("skipping course offering row", zap.Error(ErrTooFewFields), zap.Strings("fields", fields))
		return nil
	}
	trimmed := trimAll(fields)

	co := &cm.CourseOffering{
		Eid:        trimmed[0],
		Title:      trimmed[1],
		Status:     trimmed[2],
		SessionEid: trimmed[3],
	}
	if co.Eid == "" || co.Title == "" || co.Status == "" || co.SessionEid == "" {
		h.stats.Errors++
		h.log.Error("skipping course offering row with blank required field", zap.Strings("fields", fields))
		return nil
	}

	if err := h.admin.UpsertCourseOffering(ctx, co); err != nil {
		return err
	}
	h.stats.Updates++
	return nil
}

// Finish implements Handler.
func (h *OfferingHandler) Finish(ctx context.Context) (Stats, error) {
	if err := h.store.Audit(ctx, h.Name(),
		fmt.Sprintf("finished processing input, added or updated %d items", h.stats.Updates),
		h.run.ID); err != nil {
		h.log.Error("failed to write audit entry", zap.Error(err))
	}
	return h.stats, nil
}
