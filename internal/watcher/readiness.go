package watcher

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/snapship/snapship/internal/metrics"
	"github.com/snapship/snapship/pkg/errors"
)

// Decision is the outcome of a readiness check.
type Decision int

const (
	// DecisionStable: the file stopped growing and is openable.
	DecisionStable Decision = iota
	// DecisionForced: the sampling budget ran out; release the file anyway.
	DecisionForced
	// DecisionDiscard: the file disappeared while being watched.
	DecisionDiscard
)

func (d Decision) String() string {
	switch d {
	case DecisionStable:
		return "stable"
	case DecisionForced:
		return "forced"
	case DecisionDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

// ReadinessChecker decides when a freshly arrived file has finished being
// written. A file is stable once its size holds across StableSamples
// consecutive samples and it can be opened for reading.
type ReadinessChecker struct {
	interval      time.Duration
	stableSamples int
	maxAttempts   int
	metrics       *metrics.Collector
	logger        *slog.Logger
}

// NewReadinessChecker builds a checker. stableSamples below 2 is raised to 2
// so stability always means at least two equal observations.
func NewReadinessChecker(interval time.Duration, stableSamples, maxAttempts int, mc *metrics.Collector, logger *slog.Logger) *ReadinessChecker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if stableSamples < 2 {
		stableSamples = 2
	}
	if maxAttempts < stableSamples {
		maxAttempts = stableSamples
	}
	return &ReadinessChecker{
		interval:      interval,
		stableSamples: stableSamples,
		maxAttempts:   maxAttempts,
		metrics:       mc,
		logger:        logger.With("component", "readiness"),
	}
}

// Wait samples the file until it is stable, the attempt budget runs out, or
// the file disappears. The forced path exists so a stuck writer can never
// wedge ingestion forever.
func (r *ReadinessChecker) Wait(ctx context.Context, path string) (Decision, error) {
	var (
		lastSize int64 = -1
		equalRun int
	)

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return DecisionDiscard, errors.Wrap(errors.ErrCodeCanceled, "readiness check canceled", ctx.Err()).
				WithComponent("readiness")
		case <-time.After(r.interval):
		}

		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				r.logger.Debug("file disappeared during readiness check", "path", path)
				return DecisionDiscard, nil
			}
			return DecisionDiscard, errors.Wrap(errors.ErrCodeFileRead, "failed to stat "+path, err).
				WithComponent("readiness")
		}

		if info.Size() == lastSize {
			equalRun++
		} else {
			lastSize = info.Size()
			equalRun = 1
		}

		if equalRun >= r.stableSamples && r.openable(path) {
			r.logger.Debug("file stable", "path", path, "size", lastSize, "samples", attempt)
			return DecisionStable, nil
		}
	}

	// Budget exhausted. Release the file rather than hold it hostage; the
	// upload itself will surface any real problem.
	if r.metrics != nil {
		r.metrics.RecordForcedRelease()
	}
	r.logger.Warn("readiness attempts exhausted, releasing file",
		"path", path,
		"attempts", r.maxAttempts,
		"last_size", lastSize)
	return DecisionForced, nil
}

func (r *ReadinessChecker) openable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
