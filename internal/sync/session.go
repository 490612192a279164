package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unicon/sakora/internal/cm"
	"github.com/unicon/sakora/internal/ledger"
)

// dateFormat is the date layout accepted in session CSV extracts.
const dateFormat = "2006-01-02"

// SessionHandler loads academic sessions from sessions.csv.
//
// Expected format: Eid, Title, [Description], [StartDate], [EndDate].
// A session is current when today falls inside its date window; sessions
// without a complete window are considered current. The current flags feed
// the scope filter, so this handler must run before the membership
// handlers.
type SessionHandler struct {
	admin cm.Admin
	store *ledger.Store
	log   *zap.Logger
	now   func() time.Time

	run   Run
	stats Stats
}

var _ Handler = (*SessionHandler)(nil)

// NewSessionHandler creates a session handler.
func NewSessionHandler(admin cm.Admin, store *ledger.Store, log *zap.Logger) *SessionHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionHandler{
		admin: admin,
		store: store,
		log:   log.Named("session"),
		now:   time.Now,
	}
}

// Name implements Handler.
func (h *SessionHandler) Name() string { return "AcademicSession" }

// Filename implements Handler.
func (h *SessionHandler) Filename() string { return "sessions.csv" }

// Begin implements Handler.
func (h *SessionHandler) Begin(_ context.Context, run Run) error {
	h.run = run
	h.stats = Stats{}
	return nil
}

// ReadLine implements Handler.
func (h *SessionHandler) ReadLine(ctx context.Context, fields []string) error {
	const minFields = 2
	if len(fields) < minFields {
		h.stats.Errors++
		h.log.Error("skipping session row", zap.Error(ErrTooFewFields), zap.Strings("fields", fields))
		return nil
	}
	trimmed := trimAll(fields)

	sess := &cm.AcademicSession{Eid: trimmed[0], Title: trimmed[1]}
	if sess.Eid == "" || sess.Title == "" {
		h.stats.Errors++
		h.log.Error("skipping session row with blank eid or title", zap.Strings("fields", fields))
		return nil
	}
	if len(trimmed) > 2 {
		sess.Description = trimmed[2]
	}
	if len(trimmed) > 3 {
		sess.StartDate = trimmed[3]
	}
	if len(trimmed) > 4 {
		sess.EndDate = trimmed[4]
	}

	current, err := h.sessionCurrent(sess)
	if err != nil {
		h.stats.Errors++
		h.log.Error("skipping session row", zap.Error(err), zap.String("session", sess.Eid))
		return nil
	}
	sess.Current = current

	if err := h.admin.UpsertSession(ctx, sess); err != nil {
		return err
	}
	h.stats.Updates++
	return nil
}

// sessionCurrent decides whether the session's date window contains today.
// Sessions without both dates are treated as current.
func (h *SessionHandler) sessionCurrent(sess *cm.AcademicSession) (bool, error) {
	if sess.StartDate == "" || sess.EndDate == "" {
		return true, nil
	}
	start, err := time.Parse(dateFormat, sess.StartDate)
	if err != nil {
		return false, fmt.Errorf("invalid start date %q: %w", sess.StartDate, err)
	}
	end, err := time.Parse(dateFormat, sess.EndDate)
	if err != nil {
		return false, fmt.Errorf("invalid end date %q: %w", sess.EndDate, err)
	}
	today := h.now()
	// End date is inclusive: the session remains current through its
	// final day.
	return !today.Before(start) && today.Before(end.AddDate(0, 0, 1)), nil
}

// Finish implements Handler.
func (h *SessionHandler) Finish(ctx context.Context) (Stats, error) {
	if err := h.store.Audit(ctx, h.Name(),
		fmt.Sprintf("finished processing input, added or updated %d items", h.stats.Updates),
		h.run.ID); err != nil {
		h.log.Error("failed to write audit entry", zap.Error(err))
	}
	return h.stats, nil
}
