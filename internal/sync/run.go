package sync

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unicon/sakora/internal/sync/scope"
)

// FileResult is the outcome of one CSV file within a run.
type FileResult struct {
	Handler  string
	Filename string
	Rows     int
	Stats    Stats
	Skipped  bool // file absent from the batch
}

// Result is the outcome of one reconciliation run.
type Result struct {
	RunID    string
	Stamp    time.Time
	Files    []FileResult
	Totals   Stats
	Duration time.Duration
}

// Observer receives run lifecycle notifications. All methods are called
// from the run goroutine; implementations must not block.
type Observer interface {
	RunStarted(run Run, batchDir string)
	FileCompleted(run Run, file FileResult)
	RunCompleted(result Result)
}

// nopObserver is the default Observer.
type nopObserver struct{}

func (nopObserver) RunStarted(Run, string)        {}
func (nopObserver) FileCompleted(Run, FileResult) {}
func (nopObserver) RunCompleted(Result)           {}

// Runner drives one or more handlers over CSV batch directories. Handlers
// run strictly in registration order and each file is consumed row by row
// in input order; within a run nothing executes concurrently.
type Runner struct {
	handlers []Handler
	filter   *scope.Filter
	log      *zap.Logger
	observer Observer
}

// NewRunner creates a runner over the given handlers. Order matters:
// handlers that feed the scope filter (sessions, offerings, sections) must
// precede the membership handlers.
func NewRunner(handlers []Handler, filter *scope.Filter, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		handlers: handlers,
		filter:   filter,
		log:      log.Named("runner"),
		observer: nopObserver{},
	}
}

// SetObserver installs a run lifecycle observer. Must be called before Run.
func (r *Runner) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	r.observer = o
}

// Run executes one full reconciliation pass over batchDir.
//
// The run timestamp is fixed here, before any row is processed, and shared
// by every handler. Missing files are skipped with a log entry; a handler
// error aborts the run immediately, leaving prior mutations in place (there
// is no cross-run transaction to roll back).
func (r *Runner) Run(ctx context.Context, batchDir string) (Result, error) {
	run := Run{
		ID:    uuid.NewString(),
		Stamp: time.Now().UTC(),
	}
	result := Result{RunID: run.ID, Stamp: run.Stamp}
	began := time.Now()

	r.log.Info("starting reconciliation run",
		zap.String("run_id", run.ID), zap.String("batch_dir", batchDir))
	r.observer.RunStarted(run, batchDir)

	if r.filter != nil {
		r.filter.Reset()
	}

	for _, h := range r.handlers {
		if err := h.Begin(ctx, run); err != nil {
			return result, fmt.Errorf("handler %s failed to begin: %w", h.Name(), err)
		}
	}

	for _, h := range r.handlers {
		file, err := r.runFile(ctx, h, batchDir)
		if err != nil {
			return result, err
		}
		result.Files = append(result.Files, file)
		r.observer.FileCompleted(run, file)
	}

	// Finish runs after ALL files are consumed so the membership sweep
	// sees the complete seen-container picture.
	for i, h := range r.handlers {
		stats, err := h.Finish(ctx)
		result.Files[i].Stats = stats
		result.Totals = result.Totals.Add(stats)
		if err != nil {
			return result, fmt.Errorf("handler %s failed to finish: %w", h.Name(), err)
		}
	}

	result.Duration = time.Since(began)
	r.log.Info("reconciliation run complete",
		zap.String("run_id", run.ID),
		zap.Int("updates", result.Totals.Updates),
		zap.Int("deletes", result.Totals.Deletes),
		zap.Int("errors", result.Totals.Errors),
		zap.Duration("duration", result.Duration))
	r.observer.RunCompleted(result)

	return result, nil
}

// runFile streams one handler's CSV file through it row by row.
func (r *Runner) runFile(ctx context.Context, h Handler, batchDir string) (FileResult, error) {
	result := FileResult{Handler: h.Name(), Filename: h.Filename()}
	path := filepath.Join(batchDir, h.Filename())

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		r.log.Info("batch file absent, skipping handler",
			zap.String("handler", h.Name()), zap.String("file", h.Filename()))
		result.Skipped = true
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	// Rows legitimately vary in length: trailing optional fields may be
	// omitted entirely.
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := h.ReadLine(ctx, fields); err != nil {
			return result, fmt.Errorf("handler %s failed on row %d of %s: %w",
				h.Name(), result.Rows+1, h.Filename(), err)
		}
		result.Rows++
	}

	r.log.Info("batch file processed",
		zap.String("handler", h.Name()),
		zap.String("file", h.Filename()),
		zap.Int("rows", result.Rows))
	return result, nil
}
