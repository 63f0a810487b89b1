package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/snapship/snapship/internal/transfer"
	"github.com/snapship/snapship/pkg/types"
)

// fakeUploader records calls and concurrency, simulating transfers with a
// short delay.
type fakeUploader struct {
	delay time.Duration

	mu        sync.Mutex
	active    int
	maxActive int
	paths     []string
	failures  map[string]error
}

func (f *fakeUploader) Upload(ctx context.Context, path string, onProgress transfer.ProgressFunc) error {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.paths = append(f.paths, path)
	err := f.failures[path]
	f.mu.Unlock()

	if onProgress != nil {
		onProgress(1, 0.5)
	}

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		err = ctx.Err()
	}

	f.mu.Lock()
	f.active--
	f.mu.Unlock()
	return err
}

func (f *fakeUploader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.paths)
}

func makeFiles(t *testing.T, dir string, sizes map[string]int) []string {
	t.Helper()
	var paths []string
	for name, size := range sizes {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		paths = append(paths, path)
	}
	return paths
}

func newTestScheduler(t *testing.T, single, multi Uploader, maxSmall int, opts ...Option) *Scheduler {
	t.Helper()
	cfg := Config{
		MultipartThreshold:      100,
		MaxConcurrentSmallFiles: maxSmall,
		CompletedDisplayDelay:   10 * time.Millisecond,
	}
	s := New(cfg, single, multi, nil, nil, opts...)
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func TestScheduler_StrategySelection(t *testing.T) {
	single := &fakeUploader{delay: 5 * time.Millisecond}
	multi := &fakeUploader{delay: 5 * time.Millisecond}

	dir := t.TempDir()
	small := filepath.Join(dir, "small.jpg")
	large := filepath.Join(dir, "large.raw")
	os.WriteFile(small, make([]byte, 50), 0o644)
	os.WriteFile(large, make([]byte, 500), 0o644)

	s := newTestScheduler(t, single, multi, 3)

	if err := s.EnqueueAndWait(context.Background(), small); err != nil {
		t.Fatalf("small upload failed: %v", err)
	}
	if err := s.EnqueueAndWait(context.Background(), large); err != nil {
		t.Fatalf("large upload failed: %v", err)
	}

	if single.callCount() != 1 || multi.callCount() != 1 {
		t.Errorf("Expected 1 call per strategy, got single=%d multi=%d",
			single.callCount(), multi.callCount())
	}
}

func TestScheduler_ThresholdBoundary(t *testing.T) {
	single := &fakeUploader{}
	multi := &fakeUploader{}

	dir := t.TempDir()
	atThreshold := filepath.Join(dir, "at.jpg")
	os.WriteFile(atThreshold, make([]byte, 100), 0o644)

	s := newTestScheduler(t, single, multi, 3)

	// A file exactly at the threshold stays single-part.
	if err := s.EnqueueAndWait(context.Background(), atThreshold); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if single.callCount() != 1 || multi.callCount() != 0 {
		t.Errorf("Threshold-sized file took the wrong strategy: single=%d multi=%d",
			single.callCount(), multi.callCount())
	}
}

func TestScheduler_SmallFileConcurrencyBound(t *testing.T) {
	single := &fakeUploader{delay: 30 * time.Millisecond}
	multi := &fakeUploader{}

	sizes := map[string]int{}
	for i := 0; i < 6; i++ {
		sizes[fmt.Sprintf("img-%d.jpg", i)] = 50
	}
	paths := makeFiles(t, t.TempDir(), sizes)

	s := newTestScheduler(t, single, multi, 2)

	var wg sync.WaitGroup
	for _, path := range paths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			if err := s.EnqueueAndWait(context.Background(), path); err != nil {
				t.Errorf("upload failed: %v", err)
			}
		}(path)
	}
	wg.Wait()

	if single.maxActive > 2 {
		t.Errorf("Observed %d concurrent small uploads, limit is 2", single.maxActive)
	}
	if single.callCount() != 6 {
		t.Errorf("Expected 6 uploads, got %d", single.callCount())
	}
}

func TestScheduler_OneMultipartAtATime(t *testing.T) {
	single := &fakeUploader{}
	multi := &fakeUploader{delay: 30 * time.Millisecond}

	sizes := map[string]int{"a.raw": 500, "b.raw": 500, "c.raw": 500}
	paths := makeFiles(t, t.TempDir(), sizes)

	s := newTestScheduler(t, single, multi, 3)

	var wg sync.WaitGroup
	for _, path := range paths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			if err := s.EnqueueAndWait(context.Background(), path); err != nil {
				t.Errorf("upload failed: %v", err)
			}
		}(path)
	}
	wg.Wait()

	if multi.maxActive > 1 {
		t.Errorf("Observed %d concurrent multipart sessions, limit is 1", multi.maxActive)
	}
	if multi.callCount() != 3 {
		t.Errorf("Expected 3 uploads, got %d", multi.callCount())
	}
}

func TestScheduler_FailureIsolation(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.jpg")
	bad := filepath.Join(dir, "bad.jpg")
	os.WriteFile(good, make([]byte, 50), 0o644)
	os.WriteFile(bad, make([]byte, 50), 0o644)

	single := &fakeUploader{
		delay:    5 * time.Millisecond,
		failures: map[string]error{bad: fmt.Errorf("storage rejected the file")},
	}

	var mu sync.Mutex
	results := map[string]error{}
	s := newTestScheduler(t, single, &fakeUploader{}, 2, WithResultHandler(func(path string, err error) {
		mu.Lock()
		results[path] = err
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	errs := map[string]error{}
	for _, path := range []string{good, bad} {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			err := s.EnqueueAndWait(context.Background(), path)
			mu.Lock()
			errs[path] = err
			mu.Unlock()
		}(path)
	}
	wg.Wait()

	if errs[good] != nil {
		t.Errorf("Good file failed: %v", errs[good])
	}
	if errs[bad] == nil {
		t.Error("Bad file should report its error")
	}
	mu.Lock()
	defer mu.Unlock()
	if results[good] != nil || results[bad] == nil {
		t.Errorf("Result handler outcomes wrong: %v", results)
	}
}

func TestScheduler_DuplicatePathIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "img.jpg")
	os.WriteFile(path, make([]byte, 50), 0o644)

	single := &fakeUploader{delay: 50 * time.Millisecond}
	s := newTestScheduler(t, single, &fakeUploader{}, 2)

	done := make(chan error, 1)
	go func() { done <- s.EnqueueAndWait(context.Background(), path) }()
	time.Sleep(20 * time.Millisecond)

	// Second enqueue of the same live path must not start a second upload.
	if err := s.EnqueueAndWait(context.Background(), path); err == nil {
		t.Error("Expected duplicate error for live path")
	}

	if err := <-done; err != nil {
		t.Fatalf("Original upload failed: %v", err)
	}
	if single.callCount() != 1 {
		t.Errorf("Expected 1 upload for duplicate enqueue, got %d", single.callCount())
	}
}

func TestScheduler_UnreadablePathReported(t *testing.T) {
	s := newTestScheduler(t, &fakeUploader{}, &fakeUploader{}, 2)

	err := s.EnqueueAndWait(context.Background(), filepath.Join(t.TempDir(), "absent.jpg"))
	if err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestScheduler_StatusStream(t *testing.T) {
	dir := t.TempDir()
	paths := makeFiles(t, dir, map[string]int{"a.jpg": 50, "b.jpg": 50})

	single := &fakeUploader{delay: 10 * time.Millisecond}
	s := newTestScheduler(t, single, &fakeUploader{}, 2)

	var mu sync.Mutex
	var snapshots []types.StatusUpdate
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-s.Updates():
				mu.Lock()
				snapshots = append(snapshots, u)
				mu.Unlock()
			}
		}
	}()

	var wg sync.WaitGroup
	for _, path := range paths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			s.EnqueueAndWait(context.Background(), path)
		}(path)
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(snapshots) == 0 {
		t.Fatal("No status updates published")
	}

	sawUploading := false
	sawDoneOrIdle := false
	lastProgress := 0.0
	for _, u := range snapshots {
		if u.State == types.QueueUploading {
			sawUploading = true
		}
		if u.State == types.QueueDone || u.State == types.QueueIdle {
			sawDoneOrIdle = true
		}
		if u.State != types.QueueIdle {
			if u.Progress < lastProgress-1e-9 {
				t.Errorf("Aggregate progress went backwards: %f after %f", u.Progress, lastProgress)
			}
			lastProgress = u.Progress
		}
	}
	if !sawUploading {
		t.Error("Never observed the uploading state")
	}
	if !sawDoneOrIdle {
		t.Error("Never observed completion on the status stream")
	}
}
