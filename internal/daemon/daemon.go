// Package daemon watches the CSV drop directory and triggers
// reconciliation runs when new extracts arrive.
//
// Deliveries are usually multi-file (sessions, offerings, sections,
// memberships written one after another), so the daemon debounces: a run is
// triggered only once the drop directory has been quiet for the configured
// interval. Runs are serialized; a delivery arriving mid-run is picked up
// by the next one.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	syncpkg "github.com/unicon/sakora/internal/sync"
)

// Syncer runs one reconciliation pass over a batch directory. Implemented
// by sync.Runner.
type Syncer interface {
	Run(ctx context.Context, batchDir string) (syncpkg.Result, error)
}

// Config holds daemon configuration.
type Config struct {
	// Debounce is how long the drop directory must stay quiet before a
	// run triggers.
	Debounce time.Duration

	// InitialSync runs one pass on startup before watching.
	InitialSync bool

	// Logger for daemon activity.
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Debounce:    2 * time.Second,
		InitialSync: true,
	}
}

// Daemon orchestrates drop directory watching and reconciliation runs.
type Daemon struct {
	syncer  Syncer
	dropDir string
	cfg     *Config
	log     *zap.Logger

	watcher *fsnotify.Watcher

	mu         sync.Mutex
	lastChange time.Time
	pending    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Daemon watching dropDir and running syncs through syncer.
func New(syncer Syncer, dropDir string, cfg *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, errors.New("syncer cannot be nil")
	}
	if dropDir == "" {
		return nil, errors.New("dropDir cannot be empty")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		syncer:  syncer,
		dropDir: dropDir,
		cfg:     cfg,
		log:     cfg.Logger.Named("daemon"),
		watcher: watcher,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon optionally performs an initial run, then watches the drop
// directory and triggers a run whenever a delivery settles past the
// debounce interval. Blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.log.Info("starting daemon", zap.String("drop_dir", d.dropDir))

	if d.cfg.InitialSync {
		d.runSync()
	}

	if err := d.watcher.Add(d.dropDir); err != nil {
		return fmt.Errorf("failed to watch drop directory %s: %w", d.dropDir, err)
	}
	d.log.Info("watching drop directory", zap.String("dir", d.dropDir))

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.debounceLoop()

	select {
	case <-ctx.Done():
		d.log.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.log.Info("stopping daemon")

	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.log.Warn("error closing watcher", zap.Error(err))
	}

	d.wg.Wait()

	d.log.Info("daemon stopped")
	return nil
}

// watchFileEvents monitors filesystem events and marks deliveries pending.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.EqualFold(filepath.Ext(event.Name), ".csv") {
				continue
			}

			d.log.Debug("file event", zap.String("op", event.Op.String()), zap.String("file", event.Name))
			d.markPending()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Warn("watcher error", zap.Error(err))
		}
	}
}

// markPending records a delivery event for the debounce loop.
func (d *Daemon) markPending() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = true
	d.lastChange = time.Now()
}

// debounceLoop triggers a sync once the drop directory has been quiet for
// the debounce interval.
func (d *Daemon) debounceLoop() {
	defer d.wg.Done()

	tick := d.cfg.Debounce / 4
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if d.takePendingIfQuiet() {
				d.runSync()
			}
		}
	}
}

// takePendingIfQuiet consumes the pending flag when the debounce interval
// has elapsed since the last event.
func (d *Daemon) takePendingIfQuiet() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.pending || time.Since(d.lastChange) < d.cfg.Debounce {
		return false
	}
	d.pending = false
	return true
}

// runSync executes one reconciliation run. Run failures are logged, not
// fatal to the daemon: the next delivery gets a fresh attempt.
func (d *Daemon) runSync() {
	result, err := d.syncer.Run(d.ctx, d.dropDir)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		d.log.Error("reconciliation run failed", zap.Error(err))
		return
	}
	d.log.Info("reconciliation run finished",
		zap.String("run_id", result.RunID),
		zap.Int("updates", result.Totals.Updates),
		zap.Int("deletes", result.Totals.Deletes),
		zap.Int("errors", result.Totals.Errors))
}
