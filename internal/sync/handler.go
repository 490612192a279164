// Package sync implements the CSV reconciliation engine: handlers that
// stream rows from CSV extracts into the course management store, and the
// run orchestration that drives them and sweeps stale memberships
// afterwards.
package sync

import (
	"context"
	"time"
)

// Stats is the per-run outcome of one handler. Counters are accumulated
// inside a handler for the duration of a run and handed back from Finish;
// there is no shared mutable state between runs or handlers.
type Stats struct {
	// Updates counts created-or-updated target store records. The two are
	// not distinguished because the target store upserts.
	Updates int

	// Deletes counts memberships actually removed by the sweep.
	Deletes int

	// Errors counts rejected input rows.
	Errors int
}

// Add returns the element-wise sum of two Stats values.
func (s Stats) Add(o Stats) Stats {
	return Stats{
		Updates: s.Updates + o.Updates,
		Deletes: s.Deletes + o.Deletes,
		Errors:  s.Errors + o.Errors,
	}
}

// Run identifies one reconciliation run. The Stamp is fixed before any row
// is processed and is immutable for the life of the run; every shadow
// ledger entry touched by the run carries it.
type Run struct {
	ID    string
	Stamp time.Time
}

// Handler processes one CSV file type within a run.
//
// The orchestrator calls Begin once, ReadLine for every row of the
// handler's file in input order, then Finish exactly once after all rows
// are consumed. Handlers recover anticipated per-row failures themselves;
// an error returned from any method aborts the run.
type Handler interface {
	// Name identifies the handler in logs and audit entries.
	Name() string

	// Filename is the CSV file within a batch directory this handler
	// consumes, e.g. "sections.csv".
	Filename() string

	// Begin resets per-run state and records the run identity.
	Begin(ctx context.Context, run Run) error

	// ReadLine consumes one raw CSV row.
	ReadLine(ctx context.Context, fields []string) error

	// Finish performs post-pass processing (for the membership handler,
	// the deletion sweep) and returns the handler's counters.
	Finish(ctx context.Context) (Stats, error)
}
