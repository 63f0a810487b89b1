// Package types defines the shared data model of the upload pipeline.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Strategy selects how a file is transferred to the asset service.
type Strategy string

const (
	// StrategySinglePart uploads the whole file in one multipart-form POST.
	StrategySinglePart Strategy = "single_part"
	// StrategyMultipart splits the file into server-defined parts uploaded independently.
	StrategyMultipart Strategy = "multipart"
)

// TaskState represents the lifecycle state of an upload task.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskUploading TaskState = "uploading"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// UploadTask tracks one file moving through the scheduler.
type UploadTask struct {
	ID         string    `json:"id"`
	SourcePath string    `json:"source_path"`
	SizeBytes  int64     `json:"size_bytes"`
	Strategy   Strategy  `json:"strategy"`
	State      TaskState `json:"state"`

	// Progress is in [0,1]. For multipart tasks it follows the 10/85/5
	// setup/parts/finalize weighting.
	Progress float64 `json:"progress"`

	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// NewUploadTask creates a queued task for the given file.
func NewUploadTask(path string, size int64, strategy Strategy) *UploadTask {
	return &UploadTask{
		ID:         uuid.New().String(),
		SourcePath: path,
		SizeBytes:  size,
		Strategy:   strategy,
		State:      TaskQueued,
	}
}

// QueueState summarizes the whole queue for observers.
type QueueState string

const (
	QueueIdle      QueueState = "idle"
	QueueUploading QueueState = "uploading"
	QueueDone      QueueState = "done"
)

// StatusUpdate is one observation on the scheduler's status stream.
type StatusUpdate struct {
	State QueueState `json:"state"`

	// Progress is the size-weighted overall progress in [0,1].
	Progress float64 `json:"progress"`
	// Speed is cumulative bytes transferred divided by elapsed seconds.
	Speed float64 `json:"speed"`
	// ETA is the estimated remaining transfer time; zero when speed is zero.
	ETA time.Duration `json:"eta"`

	// Tasks holds a snapshot of the live tasks, keyed order unspecified.
	Tasks []UploadTask `json:"tasks,omitempty"`
}

// MultipartSession describes one in-flight chunked transfer.
type MultipartSession struct {
	UploadID    string `json:"upload_id"`
	OriginalKey string `json:"original_key"`
	ChunkSize   int64  `json:"chunk_size"`
	TotalParts  int    `json:"total_parts"`
}

// CompletedPart records the server's receipt for one uploaded part.
type CompletedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"ETag"`
}

// ChunkDescriptor identifies one byte range of a multipart transfer.
// Derived per session, never persisted.
type ChunkDescriptor struct {
	PartNumber int    // 1-based
	Offset     int64
	Length     int64
	TargetURL  string
}
