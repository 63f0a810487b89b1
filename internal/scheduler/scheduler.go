// Package scheduler owns the queue of pending files, picks a transfer
// strategy per file, and bounds how many transfers run at once: up to N
// single-part tasks plus at most one multipart session system-wide.
//
// All aggregation state (per-task progress, byte counters, speed, ETA) is
// owned by a single coordinating goroutine. Workers report completions and
// progress as events on a channel and never touch the counters directly.
package scheduler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/snapship/snapship/internal/metrics"
	"github.com/snapship/snapship/internal/transfer"
	"github.com/snapship/snapship/pkg/errors"
	"github.com/snapship/snapship/pkg/types"
)

// Config controls queue-level behavior.
type Config struct {
	// MultipartThreshold: files strictly larger than this take the multipart path.
	MultipartThreshold int64
	// MaxConcurrentSmallFiles bounds simultaneously running single-part tasks.
	MaxConcurrentSmallFiles int
	// CompletedDisplayDelay keeps finished tasks visible before removal.
	CompletedDisplayDelay time.Duration
}

// ResultHandler is notified once per enqueued file with its final outcome.
type ResultHandler func(path string, err error)

// Uploader performs one file transfer, reporting progress as it goes. Both
// transfer strategies satisfy it.
type Uploader interface {
	Upload(ctx context.Context, path string, onProgress transfer.ProgressFunc) error
}

// Scheduler runs the upload queue.
type Scheduler struct {
	cfg     Config
	single  Uploader
	multi   Uploader
	metrics *metrics.Collector
	logger  *slog.Logger

	events  chan event
	updates chan types.StatusUpdate

	onResult ResultHandler

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithResultHandler registers a per-file outcome callback. It is invoked from
// the aggregation goroutine and must not block.
func WithResultHandler(fn ResultHandler) Option {
	return func(s *Scheduler) { s.onResult = fn }
}

type eventKind int

const (
	evEnqueue eventKind = iota
	evProgress
	evDone
	evRemove
)

type event struct {
	kind eventKind

	// evEnqueue
	items []enqueueItem

	// evProgress / evDone / evRemove
	taskID     string
	bytesDelta int64
	progress   float64
	err        error
}

// enqueueItem pairs a task with an optional completion notification channel.
type enqueueItem struct {
	task   *types.UploadTask
	notify chan<- error
}

// internal per-task bookkeeping, owned by the run loop.
type taskEntry struct {
	task    *types.UploadTask
	started bool
	path    string
	notify  chan<- error
}

// New creates a Scheduler.
func New(cfg Config, single, multi Uploader, mc *metrics.Collector, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrentSmallFiles <= 0 {
		cfg.MaxConcurrentSmallFiles = 3
	}

	s := &Scheduler{
		cfg:     cfg,
		single:  single,
		multi:   multi,
		metrics: mc,
		logger:  logger.With("component", "scheduler"),
		events:  make(chan event, 256),
		updates: make(chan types.StatusUpdate, 64),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the aggregation loop. It must be called before Enqueue.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		go s.run(ctx)
	})
}

// Stop cancels all in-flight transfers and terminates the loop.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		<-s.done
	})
}

// Updates exposes the status stream. Consumers that fall behind miss
// intermediate snapshots, never the ordering of the ones they see.
func (s *Scheduler) Updates() <-chan types.StatusUpdate {
	return s.updates
}

// Enqueue appends new, non-duplicate files to the pending queue and starts
// processing as slots permit. Unreadable paths are reported through the
// result handler and skipped.
func (s *Scheduler) Enqueue(paths ...string) {
	var items []enqueueItem
	for _, path := range paths {
		task, err := s.buildTask(path)
		if err != nil {
			s.logger.Warn("skipping unreadable file", "path", path, "error", err)
			if s.onResult != nil {
				s.onResult(path, err)
			}
			continue
		}
		items = append(items, enqueueItem{task: task})
	}

	if len(items) == 0 {
		return
	}
	s.events <- event{kind: evEnqueue, items: items}
}

// EnqueueAndWait enqueues one file and blocks until its transfer finishes,
// returning the transfer outcome. A path already live in the queue fails with
// a duplicate error rather than being uploaded twice.
func (s *Scheduler) EnqueueAndWait(ctx context.Context, path string) error {
	task, err := s.buildTask(path)
	if err != nil {
		return err
	}

	notify := make(chan error, 1)
	select {
	case s.events <- event{kind: evEnqueue, items: []enqueueItem{{task: task, notify: notify}}}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-notify:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) buildTask(path string) (*types.UploadTask, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileNotFound, "cannot stat "+path, err).
			WithComponent("scheduler")
	}

	strategy := types.StrategySinglePart
	if info.Size() > s.cfg.MultipartThreshold {
		strategy = types.StrategyMultipart
	}
	return types.NewUploadTask(path, info.Size(), strategy), nil
}

// run is the single owner of all queue and aggregation state.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	var (
		entries      = make(map[string]*taskEntry)
		livePaths    = make(map[string]string) // path -> taskID, for dedupe
		pending      []string                  // taskIDs in arrival order
		runningSmall int
		multipartUp  bool

		queueStart       time.Time
		totalQueueBytes  int64
		transferredBytes int64
		settledBytes     int64   // sizes of tasks already removed from display
		floorProgress    float64 // highest aggregate published this queue session
	)

	publish := func() {
		update := types.StatusUpdate{State: types.QueueIdle}

		if len(entries) > 0 {
			update.State = types.QueueUploading

			weighted := float64(settledBytes)
			allDone := true
			for _, e := range entries {
				weighted += float64(e.task.SizeBytes) * e.task.Progress
				if e.task.State != types.TaskCompleted && e.task.State != types.TaskFailed {
					allDone = false
				}
				update.Tasks = append(update.Tasks, *e.task)
			}
			if totalQueueBytes > 0 {
				update.Progress = weighted / float64(totalQueueBytes)
			}
			if allDone {
				update.State = types.QueueDone
				update.Progress = 1.0
			}
			// Enqueues grow the byte denominator mid-session; the published
			// aggregate stays non-decreasing per the queue progress invariant.
			if update.Progress < floorProgress {
				update.Progress = floorProgress
			} else {
				floorProgress = update.Progress
			}

			elapsed := time.Since(queueStart).Seconds()
			if elapsed > 0 {
				update.Speed = float64(transferredBytes) / elapsed
			}
			if update.Speed > 0 {
				remaining := totalQueueBytes - transferredBytes
				if remaining < 0 {
					remaining = 0
				}
				update.ETA = time.Duration(float64(remaining) / update.Speed * float64(time.Second))
			}
		}

		select {
		case s.updates <- update:
		default:
			// Slow consumer: drop this snapshot, a newer one follows.
		}
	}

	startEligible := func() {
		remaining := pending[:0]
		for _, id := range pending {
			e := entries[id]
			canStart := false
			switch e.task.Strategy {
			case types.StrategySinglePart:
				canStart = runningSmall < s.cfg.MaxConcurrentSmallFiles
			case types.StrategyMultipart:
				canStart = !multipartUp
			}

			if !canStart {
				remaining = append(remaining, id)
				continue
			}

			if e.task.Strategy == types.StrategySinglePart {
				runningSmall++
			} else {
				multipartUp = true
			}
			e.started = true
			e.task.State = types.TaskUploading
			e.task.StartedAt = time.Now()
			s.startWorker(ctx, e.task)
		}
		pending = remaining

		if s.metrics != nil {
			s.metrics.SetQueueDepth(len(pending))
			s.metrics.SetActiveTransfers(len(entries) - len(pending))
		}
	}

	for {
		var ev event
		select {
		case <-ctx.Done():
			// Workers observe the same ctx; drain stops here.
			return
		case ev = <-s.events:
		}

		switch ev.kind {
		case evEnqueue:
			if len(entries) == 0 {
				queueStart = time.Now()
				totalQueueBytes = 0
				transferredBytes = 0
				settledBytes = 0
				floorProgress = 0
			}
			for _, item := range ev.items {
				task := item.task
				if _, dup := livePaths[task.SourcePath]; dup {
					s.logger.Debug("ignoring duplicate enqueue", "path", task.SourcePath)
					if item.notify != nil {
						item.notify <- errors.Newf(errors.ErrCodeInvalidState,
							"path already queued: %s", task.SourcePath)
					}
					continue
				}
				entries[task.ID] = &taskEntry{task: task, path: task.SourcePath, notify: item.notify}
				livePaths[task.SourcePath] = task.ID
				pending = append(pending, task.ID)
				totalQueueBytes += task.SizeBytes
			}
			startEligible()

		case evProgress:
			e, ok := entries[ev.taskID]
			if !ok {
				continue
			}
			transferredBytes += ev.bytesDelta
			// Progress is monotonic for the life of the task.
			if ev.progress > e.task.Progress {
				e.task.Progress = ev.progress
			}
			e.task.UpdatedAt = time.Now()

		case evDone:
			e, ok := entries[ev.taskID]
			if !ok {
				continue
			}
			if e.task.Strategy == types.StrategySinglePart {
				runningSmall--
			} else {
				multipartUp = false
			}

			outcome := "success"
			if ev.err != nil {
				outcome = "failure"
				e.task.State = types.TaskFailed
				e.task.Error = ev.err.Error()
				s.logger.Error("upload failed", "path", e.path, "error", ev.err)
			} else {
				e.task.State = types.TaskCompleted
				e.task.Progress = 1.0
			}
			e.task.UpdatedAt = time.Now()

			if s.metrics != nil {
				s.metrics.RecordUpload(string(e.task.Strategy), outcome, time.Since(e.task.StartedAt))
			}
			if s.onResult != nil {
				s.onResult(e.path, ev.err)
			}
			if e.notify != nil {
				e.notify <- ev.err
			}

			// Keep the finished task visible briefly, then remove it.
			id := ev.taskID
			time.AfterFunc(s.cfg.CompletedDisplayDelay, func() {
				select {
				case s.events <- event{kind: evRemove, taskID: id}:
				case <-ctx.Done():
				}
			})

			startEligible()

		case evRemove:
			if e, ok := entries[ev.taskID]; ok {
				settledBytes += e.task.SizeBytes
				delete(livePaths, e.path)
				delete(entries, ev.taskID)
			}
			if s.metrics != nil {
				s.metrics.SetActiveTransfers(len(entries) - len(pending))
			}
		}

		publish()
	}
}

// startWorker launches one transfer. Workers only ever communicate through
// the events channel.
func (s *Scheduler) startWorker(ctx context.Context, task *types.UploadTask) {
	id := task.ID
	path := task.SourcePath
	strategy := task.Strategy

	report := func(bytesDelta int64, progress float64) {
		select {
		case s.events <- event{kind: evProgress, taskID: id, bytesDelta: bytesDelta, progress: progress}:
		case <-ctx.Done():
		}
	}

	go func() {
		var err error
		switch strategy {
		case types.StrategyMultipart:
			err = s.multi.Upload(ctx, path, report)
		default:
			err = s.single.Upload(ctx, path, report)
		}

		select {
		case s.events <- event{kind: evDone, taskID: id, err: err}:
		case <-ctx.Done():
		}
	}()
}
