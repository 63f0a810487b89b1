// Package chunkio streams fixed-size byte ranges from a local file on demand.
// Chunks may be read out of order and concurrently: every read seeks
// independently through ReadAt, there is no shared cursor.
package chunkio

import (
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/snapship/snapship/pkg/errors"
)

// Reader reads fixed-size chunks of one file.
type Reader struct {
	path string
	file *os.File
	size int64

	closeOnce sync.Once
	closeErr  error
}

// Open opens the file at path for chunked reading.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(errors.ErrCodeFileNotFound, "file not found: "+path, err).
				WithComponent("chunkio")
		}
		return nil, errors.Wrap(errors.ErrCodeFileRead, "failed to open "+path, err).
			WithComponent("chunkio")
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrap(errors.ErrCodeFileRead, "failed to stat "+path, err).
			WithComponent("chunkio")
	}

	return &Reader{
		path: path,
		file: file,
		size: info.Size(),
	}, nil
}

// Size returns the file size captured at open time.
func (r *Reader) Size() int64 {
	return r.size
}

// Path returns the source path.
func (r *Reader) Path() string {
	return r.path
}

// ReadChunk returns the bytes of chunk index (0-based) for the given chunk
// size. The final chunk may be shorter. Safe for concurrent out-of-order use.
func (r *Reader) ReadChunk(index int, chunkSize int64) ([]byte, error) {
	if index < 0 || chunkSize <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidChunkIndex,
			"invalid chunk request: index=%d chunkSize=%d", index, chunkSize).
			WithComponent("chunkio")
	}

	offset := int64(index) * chunkSize
	bytesToRead := chunkSize
	if remaining := r.size - offset; remaining < bytesToRead {
		bytesToRead = remaining
	}
	if bytesToRead <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidChunkIndex,
			"chunk index %d is beyond end of %s (size %d)", index, r.path, r.size).
			WithComponent("chunkio")
	}

	buf := make([]byte, bytesToRead)
	n, err := r.file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(errors.ErrCodeChunkRead,
			"failed to read chunk", err).
			WithComponent("chunkio").
			WithContext("path", r.path).
			WithContext("index", strconv.Itoa(index))
	}
	if int64(n) != bytesToRead {
		return nil, errors.Newf(errors.ErrCodeChunkRead,
			"short read for chunk %d of %s: got %d of %d bytes", index, r.path, n, bytesToRead).
			WithComponent("chunkio")
	}

	return buf, nil
}

// Close releases the underlying file. Safe to call multiple times.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.file.Close()
	})
	return r.closeErr
}

