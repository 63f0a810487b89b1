package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUploadTask(t *testing.T) {
	task := NewUploadTask("/photos/img.jpg", 4096, StrategySinglePart)

	require.NotEmpty(t, task.ID)
	assert.Equal(t, "/photos/img.jpg", task.SourcePath)
	assert.Equal(t, int64(4096), task.SizeBytes)
	assert.Equal(t, StrategySinglePart, task.Strategy)
	assert.Equal(t, TaskQueued, task.State)
	assert.Zero(t, task.Progress)

	// IDs are unique per task.
	other := NewUploadTask("/photos/img.jpg", 4096, StrategySinglePart)
	assert.NotEqual(t, task.ID, other.ID)
}

func TestCompletedPart_WireFormat(t *testing.T) {
	// The asset service expects these exact field names in the completion
	// request.
	data, err := json.Marshal(CompletedPart{PartNumber: 3, ETag: "abc"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"partNumber":3,"ETag":"abc"}`, string(data))
}

func TestStatusUpdate_TaskSnapshotIsCopy(t *testing.T) {
	task := NewUploadTask("/photos/img.jpg", 100, StrategyMultipart)
	update := StatusUpdate{State: QueueUploading, Tasks: []UploadTask{*task}}

	task.Progress = 0.9
	assert.Zero(t, update.Tasks[0].Progress, "snapshot must not alias the live task")
}
