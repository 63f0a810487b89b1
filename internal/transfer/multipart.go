package transfer

import (
	"context"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/snapship/snapship/internal/chunkio"
	"github.com/snapship/snapship/internal/coordinator"
	"github.com/snapship/snapship/internal/metrics"
	"github.com/snapship/snapship/pkg/errors"
	"github.com/snapship/snapship/pkg/retry"
	"github.com/snapship/snapship/pkg/types"
)

// Progress weights for a multipart session. Setup covers target negotiation,
// the bulk covers chunk transfer, the tail covers the finalize round-trip.
const (
	setupWeight    = 0.10
	partsWeight    = 0.85
	finalizeWeight = 0.05
)

// ProgressFunc receives transferred byte deltas and the task's overall
// progress fraction in [0,1].
type ProgressFunc func(bytesDelta int64, progress float64)

// MultipartEngine completes one large file's transfer: chunk-size inference,
// concurrent chunk upload through the coordinator, per-chunk retry with
// backoff, ETag collection, and the finalize call.
type MultipartEngine struct {
	client  *Client
	coord   *coordinator.Coordinator
	menu    []int64
	retry   retry.Config
	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewMultipartEngine wires the engine to its collaborators. menu must be the
// ascending candidate chunk-size menu shared with the backend.
func NewMultipartEngine(client *Client, coord *coordinator.Coordinator, menu []int64, retryCfg retry.Config, mc *metrics.Collector, logger *slog.Logger) *MultipartEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultipartEngine{
		client:  client,
		coord:   coord,
		menu:    menu,
		retry:   retryCfg,
		metrics: mc,
		logger:  logger.With("component", "multipart-engine"),
	}
}

// CalculateChunkSize reconstructs the server-chosen chunk size from the part
// count it returned. The backend computes parts as floor(size/chunk)+1, so the
// first menu candidate reproducing that count is the one it used; when no
// candidate matches, the largest is assumed.
func CalculateChunkSize(fileSize int64, partCount int, menu []int64) int64 {
	for _, candidate := range menu {
		if fileSize/candidate+1 == int64(partCount) {
			return candidate
		}
	}
	return menu[len(menu)-1]
}

// Upload transfers the file at path as one multipart session. Only one
// session runs system-wide: the exclusive lane is held for the duration and
// released on every exit path.
func (e *MultipartEngine) Upload(ctx context.Context, path string, onProgress ProgressFunc) error {
	if onProgress == nil {
		onProgress = func(int64, float64) {}
	}

	if err := e.coord.AcquireExclusive(ctx); err != nil {
		return errors.Wrap(errors.ErrCodeCanceled, "canceled waiting for exclusive lane", err).
			WithComponent("multipart-engine")
	}
	defer e.coord.ReleaseExclusive()

	reader, err := chunkio.Open(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	fileSize := reader.Size()
	assetName := filepath.Base(path)

	created, err := e.client.CreateUpload(ctx, assetName, fileSize, UploadTypeMultipart)
	if err != nil {
		return err
	}

	totalParts := len(created.URLs)
	chunkSize := CalculateChunkSize(fileSize, totalParts, e.menu)

	session := types.MultipartSession{
		UploadID:    created.UploadID,
		OriginalKey: created.OriginalKey,
		ChunkSize:   chunkSize,
		TotalParts:  totalParts,
	}

	e.logger.Info("multipart session started",
		"path", path,
		"size", fileSize,
		"parts", totalParts,
		"chunk_size", chunkSize,
		"upload_id", session.UploadID)

	onProgress(0, setupWeight)

	parts, uploadErr := e.uploadChunks(ctx, reader, created.URLs, session, onProgress)
	if uploadErr != nil {
		e.abort(session)
		return uploadErr
	}

	if err := e.client.CompleteMultipart(ctx, session.OriginalKey, session.UploadID, parts); err != nil {
		e.abort(session)
		return err
	}

	onProgress(0, 1.0)
	e.logger.Info("multipart session completed", "path", path, "upload_id", session.UploadID)
	return nil
}

// uploadChunks runs the bounded-parallel chunk transfer phase and returns one
// completed part per target URL.
func (e *MultipartEngine) uploadChunks(ctx context.Context, reader *chunkio.Reader, urls []string, session types.MultipartSession, onProgress ProgressFunc) ([]types.CompletedPart, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		parts     = make([]types.CompletedPart, 0, session.TotalParts)
		doneParts int
		firstErr  error
	)

	perPart := partsWeight / float64(session.TotalParts)

	for _, desc := range buildChunkPlan(urls, reader.Size(), session.ChunkSize) {
		wg.Add(1)
		go func(desc types.ChunkDescriptor) {
			defer wg.Done()

			if err := e.coord.AcquireSlot(ctx); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = errors.Wrap(errors.ErrCodeCanceled,
						"canceled waiting for upload slot", err).
						WithComponent("multipart-engine")
				}
				mu.Unlock()
				return
			}
			defer e.coord.ReleaseSlot()

			etag, size, err := e.uploadOneChunk(ctx, reader, desc, session)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				return
			}

			parts = append(parts, types.CompletedPart{PartNumber: desc.PartNumber, ETag: etag})
			doneParts++
			if e.metrics != nil {
				e.metrics.RecordChunkUploaded()
				e.metrics.AddBytesUploaded(size)
			}
			onProgress(size, setupWeight+perPart*float64(doneParts))
		}(desc)
	}

	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return parts, nil
}

// buildChunkPlan lays out one descriptor per presigned URL. The final chunk
// carries the remainder, which may be shorter than the chunk size.
func buildChunkPlan(urls []string, fileSize, chunkSize int64) []types.ChunkDescriptor {
	plan := make([]types.ChunkDescriptor, len(urls))
	for i, url := range urls {
		offset := int64(i) * chunkSize
		length := chunkSize
		if remaining := fileSize - offset; remaining < length {
			length = remaining
		}
		plan[i] = types.ChunkDescriptor{
			PartNumber: i + 1,
			Offset:     offset,
			Length:     length,
			TargetURL:  url,
		}
	}
	return plan
}

// uploadOneChunk reads one byte range and PUTs it, retrying transient
// failures with doubling backoff.
func (e *MultipartEngine) uploadOneChunk(ctx context.Context, reader *chunkio.Reader, desc types.ChunkDescriptor, session types.MultipartSession) (string, int64, error) {
	var (
		etag string
		size int64
	)

	retryer := retry.New(e.retry).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		if e.metrics != nil {
			e.metrics.RecordChunkRetry()
		}
		e.logger.Warn("retrying chunk upload",
			"part", desc.PartNumber,
			"attempt", attempt,
			"delay", delay,
			"error", err)
	})

	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		data, err := reader.ReadChunk(desc.PartNumber-1, session.ChunkSize)
		if err != nil {
			return err
		}
		size = int64(len(data))

		tag, err := e.client.UploadChunk(ctx, desc.TargetURL, data)
		if err != nil {
			return err
		}
		etag = tag
		return nil
	})
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordChunkFailure()
		}
		return "", 0, errors.Wrap(errors.ErrCodeChunkTransfer,
			"chunk upload failed permanently", err).
			WithComponent("multipart-engine").
			WithContext("part", strconv.Itoa(desc.PartNumber)).
			WithRetryable(false)
	}

	return etag, size, nil
}

// abort discards the session's uploaded parts on the backend. Best effort:
// a failed abort is logged and never masks the original error.
func (e *MultipartEngine) abort(session types.MultipartSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.client.AbortMultipart(ctx, session.OriginalKey, session.UploadID); err != nil {
		e.logger.Warn("failed to abort multipart session",
			"upload_id", session.UploadID,
			"error", err)
		return
	}
	e.logger.Info("aborted multipart session", "upload_id", session.UploadID)
}
