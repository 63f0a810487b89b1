package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/snapship/snapship/pkg/errors"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 10 * time.Millisecond
	return cfg
}

func TestRetryer_Success(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_RetryableError(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	retryer := New(cfg)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		if attempts < 3 {
			return errors.New(errors.ErrCodeNetwork, "connection reset")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_NonRetryableError(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return errors.New(errors.ErrCodeMissingETag, "no etag")
	})

	if err == nil {
		t.Fatal("Expected error")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt for a non-retryable error, got %d", attempts)
	}
}

func TestRetryer_PlainErrorNotRetried(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return fmt.Errorf("plain failure")
	})

	if err == nil {
		t.Fatal("Expected error")
	}
	if attempts != 1 {
		t.Errorf("Unstructured errors should not be retried, got %d attempts", attempts)
	}
}

func TestRetryer_Exhaustion(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	retryer := New(cfg)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return errors.New(errors.ErrCodeChunkTransfer, "still failing")
	})

	if err == nil {
		t.Fatal("Expected error after exhaustion")
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_ContextCancellation(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialDelay = time.Minute
	cfg.MaxDelay = time.Minute
	retryer := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- retryer.DoWithContext(ctx, func(context.Context) error {
			attempts++
			return errors.New(errors.ErrCodeNetwork, "transient")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("Retryer did not honor context cancellation")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got %d", attempts)
	}
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 3

	var calls []int
	retryer := New(cfg).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		calls = append(calls, attempt)
	})

	retryer.Do(func() error {
		return errors.New(errors.ErrCodeNetwork, "transient")
	})

	if len(calls) != 2 {
		t.Fatalf("Expected 2 retry callbacks, got %d", len(calls))
	}
	if calls[0] != 1 || calls[1] != 2 {
		t.Errorf("Expected callbacks for attempts [1 2], got %v", calls)
	}
}

func TestCalculateDelay_Doubling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Second
	cfg.Multiplier = 2.0
	cfg.Jitter = false
	retryer := New(cfg)

	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, want := range expected {
		if got := retryer.calculateDelay(i + 1); got != want {
			t.Errorf("calculateDelay(%d) = %v, want %v", i+1, got, want)
		}
	}
}

func TestCalculateDelay_CappedAtMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = 3 * time.Second
	cfg.Jitter = false
	retryer := New(cfg)

	if got := retryer.calculateDelay(10); got != 3*time.Second {
		t.Errorf("Expected delay capped at 3s, got %v", got)
	}
}

func TestChunkConfig(t *testing.T) {
	cfg := ChunkConfig()
	if cfg.MaxAttempts != 4 {
		t.Errorf("Expected 4 attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.InitialDelay != time.Second {
		t.Errorf("Expected 1s initial delay, got %v", cfg.InitialDelay)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("Expected doubling backoff, got %v", cfg.Multiplier)
	}
	if cfg.Jitter {
		t.Error("Chunk retries should not jitter")
	}
}
