package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/snapship/snapship/pkg/errors"
)

// Backend delivers the raw stream of paths that newly appeared in a watched
// folder. Implementations do no filtering beyond arrival detection; the
// Watcher applies eligibility rules and cursor dedupe on top.
type Backend interface {
	// Events emits absolute paths of entries that arrived in the folder.
	Events() <-chan string

	// Errors emits backend failures. A closed channel means the backend
	// stopped.
	Errors() <-chan error

	// Close stops the backend and releases its resources.
	Close() error
}

// notifyBackend uses OS file notifications. Files created in the folder and
// files renamed into it both surface as create events.
type notifyBackend struct {
	fsw    *fsnotify.Watcher
	events chan string
	errs   chan error
	done   chan struct{}
}

func newNotifyBackend(dir string, logger *slog.Logger) (Backend, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeWatchFailed, "failed to create notify watcher", err).
			WithComponent("watcher")
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, errors.Wrap(errors.ErrCodeWatchFailed, "failed to watch "+dir, err).
			WithComponent("watcher").
			WithContext("dir", dir)
	}

	b := &notifyBackend{
		fsw:    fsw,
		events: make(chan string, 64),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go b.loop(logger)
	return b, nil
}

func (b *notifyBackend) loop(logger *slog.Logger) {
	defer close(b.events)
	defer close(b.errs)

	for {
		select {
		case ev, ok := <-b.fsw.Events:
			if !ok {
				return
			}
			// Only arrivals matter. Writes are handled by the readiness
			// check, removals and departures by the stat on pickup.
			if ev.Op&fsnotify.Create == 0 {
				continue
			}
			select {
			case b.events <- ev.Name:
			case <-b.done:
				return
			}
		case err, ok := <-b.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("notify backend error", "error", err)
			select {
			case b.errs <- err:
			default:
			}
		case <-b.done:
			return
		}
	}
}

func (b *notifyBackend) Events() <-chan string { return b.events }
func (b *notifyBackend) Errors() <-chan error  { return b.errs }

func (b *notifyBackend) Close() error {
	close(b.done)
	return b.fsw.Close()
}

// pollingBackend rescans the folder on a fixed period. It emits every entry
// it has not reported during this run, including entries present at startup;
// the cursor layer above decides which of those were already handled.
type pollingBackend struct {
	dir      string
	interval time.Duration
	events   chan string
	errs     chan error
	cancel   context.CancelFunc
	done     chan struct{}
}

func newPollingBackend(dir string, interval time.Duration, logger *slog.Logger) (Backend, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, errors.Wrap(errors.ErrCodeWatchFailed, "cannot watch "+dir, err).
			WithComponent("watcher").
			WithContext("dir", dir)
	}
	if interval <= 0 {
		interval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &pollingBackend{
		dir:      dir,
		interval: interval,
		events:   make(chan string, 64),
		errs:     make(chan error, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go b.loop(ctx, logger)
	return b, nil
}

func (b *pollingBackend) loop(ctx context.Context, logger *slog.Logger) {
	defer close(b.done)
	defer close(b.events)
	defer close(b.errs)

	reported := make(map[string]struct{})
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	scan := func() {
		entries, err := os.ReadDir(b.dir)
		if err != nil {
			logger.Warn("polling scan failed", "dir", b.dir, "error", err)
			select {
			case b.errs <- err:
			default:
			}
			return
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if _, seen := reported[name]; seen {
				continue
			}
			reported[name] = struct{}{}
			select {
			case b.events <- filepath.Join(b.dir, name):
			case <-ctx.Done():
				return
			}
		}
	}

	scan()
	for {
		select {
		case <-ticker.C:
			scan()
		case <-ctx.Done():
			return
		}
	}
}

func (b *pollingBackend) Events() <-chan string { return b.events }
func (b *pollingBackend) Errors() <-chan error  { return b.errs }

func (b *pollingBackend) Close() error {
	b.cancel()
	<-b.done
	return nil
}
