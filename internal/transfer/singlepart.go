package transfer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/snapship/snapship/internal/metrics"
	"github.com/snapship/snapship/pkg/errors"
)

// SinglePartUploader sends a whole file in one multipart-form POST using the
// server-supplied presigned URL and auth fields.
type SinglePartUploader struct {
	client  *Client
	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewSinglePartUploader wires the single-part path.
func NewSinglePartUploader(client *Client, mc *metrics.Collector, logger *slog.Logger) *SinglePartUploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &SinglePartUploader{
		client:  client,
		metrics: mc,
		logger:  logger.With("component", "singlepart"),
	}
}

// Upload transfers the file at path in one request, reporting streamed bytes
// and fractional progress through onProgress.
func (u *SinglePartUploader) Upload(ctx context.Context, path string, onProgress ProgressFunc) error {
	if onProgress == nil {
		onProgress = func(int64, float64) {}
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrap(errors.ErrCodeFileNotFound, "file not found: "+path, err).
				WithComponent("singlepart")
		}
		return errors.Wrap(errors.ErrCodeFileRead, "failed to stat "+path, err).
			WithComponent("singlepart")
	}
	size := info.Size()

	created, err := u.client.CreateUpload(ctx, filepath.Base(path), size, UploadTypeSingle)
	if err != nil {
		return err
	}

	u.logger.Debug("single-part upload started", "path", path, "size", size)

	var sent int64
	err = u.client.UploadForm(ctx, created.UploadURL, created.FormFields, path, func(delta int64) {
		sent += delta
		progress := 1.0
		if size > 0 {
			progress = float64(sent) / float64(size)
			if progress > 1 {
				progress = 1
			}
		}
		onProgress(delta, progress)
	})
	if err != nil {
		return err
	}

	if u.metrics != nil {
		u.metrics.AddBytesUploaded(size)
	}
	onProgress(0, 1.0)
	u.logger.Info("single-part upload completed", "path", path, "size", size)
	return nil
}
