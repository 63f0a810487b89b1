// Package ingest drives watch-folder uploads: it consumes arrival candidates,
// waits for each file to become readable, pushes it through the upload queue
// with bounded retries, and applies the folder's deletion policy.
package ingest

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/snapship/snapship/internal/watcher"
	"github.com/snapship/snapship/pkg/errors"
)

// Mode selects what happens to a file after a successful upload.
type Mode string

const (
	// ModeStaging deletes the source file once its upload succeeds.
	ModeStaging Mode = "staging"
	// ModeLive never deletes; handled files are only remembered.
	ModeLive Mode = "live"
)

// Enqueuer hands one file to the upload queue and reports its outcome.
type Enqueuer interface {
	EnqueueAndWait(ctx context.Context, path string) error
}

// Config controls ingestion behavior.
type Config struct {
	// Mode is the post-upload deletion policy.
	Mode Mode

	// Retries bounds upload retries per file after the first attempt.
	Retries int

	// RetryDelay is the fixed pause between upload attempts.
	RetryDelay time.Duration
}

// FailureHandler is notified when a file's retries are exhausted.
type FailureHandler func(path string, err error)

// Coordinator connects one watched folder to the upload queue.
type Coordinator struct {
	cfg    Config
	watch  *watcher.Watcher
	ready  *watcher.ReadinessChecker
	queue  Enqueuer
	logger *slog.Logger

	onFailure FailureHandler

	mu       sync.Mutex
	inFlight map[string]struct{} // filenames currently being checked or uploaded
	uploaded map[string]struct{} // filenames handled this session

	wg sync.WaitGroup
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithFailureHandler registers a callback for files whose upload attempts
// were exhausted.
func WithFailureHandler(fn FailureHandler) Option {
	return func(c *Coordinator) { c.onFailure = fn }
}

// New wires the coordinator.
func New(cfg Config, watch *watcher.Watcher, ready *watcher.ReadinessChecker, queue Enqueuer, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeLive
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}

	c := &Coordinator{
		cfg:      cfg,
		watch:    watch,
		ready:    ready,
		queue:    queue,
		logger:   logger.With("component", "ingest", "mode", string(cfg.Mode)),
		inFlight: make(map[string]struct{}),
		uploaded: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes candidates until the watcher closes its stream or ctx ends,
// then waits for in-flight files to settle.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.watch.Start(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return ctx.Err()
		case cand, ok := <-c.watch.Candidates():
			if !ok {
				c.wg.Wait()
				return nil
			}
			c.dispatch(ctx, cand)
		}
	}
}

// dispatch starts processing one candidate unless its filename is already
// being handled or was handled earlier this session. The in-flight set also
// serializes readiness: a name never has two concurrent checks.
func (c *Coordinator) dispatch(ctx context.Context, cand watcher.Candidate) {
	c.mu.Lock()
	if _, dup := c.uploaded[cand.Name]; dup {
		c.mu.Unlock()
		c.logger.Debug("skipping already-uploaded filename", "name", cand.Name)
		return
	}
	if _, busy := c.inFlight[cand.Name]; busy {
		c.mu.Unlock()
		c.logger.Debug("skipping filename already in flight", "name", cand.Name)
		return
	}
	c.inFlight[cand.Name] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inFlight, cand.Name)
			c.mu.Unlock()
		}()
		c.process(ctx, cand)
	}()
}

func (c *Coordinator) process(ctx context.Context, cand watcher.Candidate) {
	decision, err := c.ready.Wait(ctx, cand.Path)
	if err != nil {
		c.logger.Warn("readiness check failed", "path", cand.Path, "error", err)
		return
	}
	if decision == watcher.DecisionDiscard {
		c.logger.Info("file vanished before upload, discarding", "path", cand.Path)
		return
	}
	if decision == watcher.DecisionForced {
		c.logger.Warn("uploading file without confirmed stability", "path", cand.Path)
	}

	attempts := c.cfg.Retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = c.queue.EnqueueAndWait(ctx, cand.Path)
		if lastErr == nil {
			c.finish(cand)
			return
		}
		if ctx.Err() != nil {
			return
		}

		c.logger.Warn("ingest upload attempt failed",
			"path", cand.Path,
			"attempt", attempt,
			"of", attempts,
			"error", lastErr)

		if attempt < attempts {
			select {
			case <-time.After(c.cfg.RetryDelay):
			case <-ctx.Done():
				return
			}
		}
	}

	err = errors.Wrap(errors.ErrCodeRetryExhausted,
		"ingest retries exhausted for "+cand.Path, lastErr).
		WithComponent("ingest")
	c.logger.Error("giving up on file", "path", cand.Path, "error", err)
	if c.onFailure != nil {
		c.onFailure(cand.Path, err)
	}
}

// finish records the success and applies the deletion policy.
func (c *Coordinator) finish(cand watcher.Candidate) {
	c.mu.Lock()
	c.uploaded[cand.Name] = struct{}{}
	c.mu.Unlock()

	c.logger.Info("file ingested", "path", cand.Path, "cursor", cand.Cursor)

	if c.cfg.Mode != ModeStaging {
		return
	}
	if err := os.Remove(cand.Path); err != nil {
		c.logger.Warn("failed to remove staged file after upload", "path", cand.Path, "error", err)
		return
	}
	c.logger.Debug("removed staged file", "path", cand.Path)
}
