// Package watcher observes a single folder for newly arrived files and turns
// them into upload candidates. It filters out hidden and still-being-written
// entries, deduplicates across restarts through a persisted event cursor, and
// offers a readiness check that waits for writers to finish.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/snapship/snapship/internal/metrics"
	"github.com/snapship/snapship/pkg/errors"
)

// Config controls one folder watch.
type Config struct {
	// Dir is the folder to watch. Only direct children are considered.
	Dir string

	// StateDir holds the persisted event cursor.
	StateDir string

	// TransientSuffixes are filename endings treated as in-progress writes.
	TransientSuffixes []string

	// UsePolling selects the scan-based backend over OS notifications.
	UsePolling bool

	// PollInterval is the scan period of the polling backend.
	PollInterval time.Duration
}

// Candidate is an accepted arrival: a file that passed the eligibility filter
// and was not handled before, stamped with its cursor sequence number.
type Candidate struct {
	Path   string
	Name   string
	Cursor int64
}

// Watcher emits upload candidates for one folder.
type Watcher struct {
	cfg     Config
	store   *CursorStore
	metrics *metrics.Collector
	logger  *slog.Logger

	// initial holds the names present when the watcher was constructed; on
	// the very first watch of a folder only these count as baseline content.
	initial map[string]struct{}

	candidates chan Candidate

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New validates the folder and prepares the watcher. Start begins delivery.
func New(cfg Config, mc *metrics.Collector, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeWatchFailed, "cannot resolve watch dir "+cfg.Dir, err).
			WithComponent("watcher")
	}
	cfg.Dir = dir

	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeWatchFailed, "cannot watch "+dir, err).
			WithComponent("watcher").
			WithContext("dir", dir)
	}
	if !info.IsDir() {
		return nil, errors.New(errors.ErrCodeWatchFailed, "watch target is not a directory: "+dir).
			WithComponent("watcher").
			WithContext("dir", dir)
	}

	store, err := NewCursorStore(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	initial := make(map[string]struct{})
	if entries, err := os.ReadDir(dir); err == nil {
		for _, entry := range entries {
			if !entry.IsDir() {
				initial[entry.Name()] = struct{}{}
			}
		}
	}

	return &Watcher{
		cfg:        cfg,
		store:      store,
		metrics:    mc,
		logger:     logger.With("component", "watcher", "dir", dir),
		initial:    initial,
		candidates: make(chan Candidate, 64),
		done:       make(chan struct{}),
	}, nil
}

// Candidates is the stream of accepted arrivals. It closes when the watcher
// stops.
func (w *Watcher) Candidates() <-chan Candidate {
	return w.candidates
}

// Start loads the persisted cursor, reconciles it against the folder's
// current contents, then streams new arrivals from the backend.
//
// On the very first watch of a folder the existing entries become the
// baseline: they are recorded as seen and not uploaded. On later launches
// entries that arrived while the watcher was down are emitted as catch-up
// candidates.
func (w *Watcher) Start(ctx context.Context) error {
	rec, err := w.store.Load(w.cfg.Dir)
	if err != nil {
		return err
	}

	var backend Backend
	if w.cfg.UsePolling {
		backend, err = newPollingBackend(w.cfg.Dir, w.cfg.PollInterval, w.logger)
	} else {
		backend, err = newNotifyBackend(w.cfg.Dir, w.logger)
	}
	if err != nil {
		return err
	}

	// Snapshot the folder before Start returns so that files arriving after
	// Start are never mistaken for pre-existing baseline content.
	entries, readErr := os.ReadDir(w.cfg.Dir)

	ctx, w.cancel = context.WithCancel(ctx)
	w.started = true
	go w.run(ctx, rec, backend, entries, readErr)
	return nil
}

// Stop halts delivery and waits for the run loop to exit. A watcher that
// never started is a no-op.
func (w *Watcher) Stop() {
	if !w.started {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context, rec *cursorRecord, backend Backend, entries []os.DirEntry, readErr error) {
	defer close(w.done)
	defer close(w.candidates)
	defer backend.Close()

	w.reconcile(ctx, rec, entries, readErr)

	for {
		select {
		case <-ctx.Done():
			return
		case path, ok := <-backend.Events():
			if !ok {
				return
			}
			w.handleArrival(ctx, rec, path)
		case err, ok := <-backend.Errors():
			if !ok {
				return
			}
			w.logger.Warn("watch backend error", "error", err)
		}
	}
}

// reconcile aligns the cursor with the folder's current contents before live
// events start flowing.
func (w *Watcher) reconcile(ctx context.Context, rec *cursorRecord, entries []os.DirEntry, readErr error) {
	firstRun := rec.Cursor == 0 && len(rec.Seen) == 0

	if readErr != nil {
		w.logger.Warn("initial scan failed", "error", readErr)
		return
	}

	changed := false
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !w.eligible(name) {
			continue
		}
		if _, seen := rec.Seen[name]; seen {
			continue
		}

		rec.Cursor++
		rec.Seen[name] = rec.Cursor
		changed = true

		if firstRun {
			if _, preexisting := w.initial[name]; preexisting {
				// Pre-existing content is the baseline, not a backlog.
				continue
			}
		}

		w.logger.Info("catch-up candidate", "name", name, "cursor", rec.Cursor)
		w.emit(ctx, Candidate{
			Path:   filepath.Join(w.cfg.Dir, name),
			Name:   name,
			Cursor: rec.Cursor,
		})
	}

	if changed {
		if err := w.store.Save(rec); err != nil {
			w.logger.Warn("failed to persist cursor", "error", err)
		}
	}
}

func (w *Watcher) handleArrival(ctx context.Context, rec *cursorRecord, path string) {
	// Exact parent only; arrivals in subdirectories are out of scope.
	if filepath.Dir(path) != w.cfg.Dir {
		w.recordEvent("filtered")
		return
	}

	name := filepath.Base(path)
	if !w.eligible(name) {
		w.recordEvent("filtered")
		w.logger.Debug("ignoring ineligible entry", "name", name)
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		w.recordEvent("filtered")
		return
	}

	if _, seen := rec.Seen[name]; seen {
		w.recordEvent("duplicate")
		w.logger.Debug("ignoring already-handled entry", "name", name)
		return
	}

	rec.Cursor++
	rec.Seen[name] = rec.Cursor
	if err := w.store.Save(rec); err != nil {
		w.logger.Warn("failed to persist cursor", "error", err)
	}

	w.recordEvent("accepted")
	w.logger.Info("new file detected", "name", name, "cursor", rec.Cursor)
	w.emit(ctx, Candidate{Path: path, Name: name, Cursor: rec.Cursor})
}

func (w *Watcher) emit(ctx context.Context, c Candidate) {
	select {
	case w.candidates <- c:
	case <-ctx.Done():
	}
}

// eligible applies the arrival filter: no hidden files, no in-progress write
// suffixes.
func (w *Watcher) eligible(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	lower := strings.ToLower(name)
	for _, suffix := range w.cfg.TransientSuffixes {
		if strings.HasSuffix(lower, strings.ToLower(suffix)) {
			return false
		}
	}
	return true
}

func (w *Watcher) recordEvent(disposition string) {
	if w.metrics != nil {
		w.metrics.RecordWatcherEvent(disposition)
	}
}
