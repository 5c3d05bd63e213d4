package observability

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"
)

func TestShutdownManager_RunsAllFuncs(t *testing.T) {
	sm := NewShutdownManager(NewLogger(ErrorLevel, io.Discard), time.Second)

	var calls int32
	sm.Register("store", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	sm.Register("cache", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	if err := sm.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(NewLogger(ErrorLevel, io.Discard), time.Second)

	sm.Register("ok", func(ctx context.Context) error { return nil })
	sm.Register("broken", func(ctx context.Context) error { return errors.New("close failed") })

	err := sm.Shutdown(context.Background())
	if err == nil {
		t.Fatal("expected error when a shutdown func fails")
	}
}

func TestShutdownManager_Timeout(t *testing.T) {
	sm := NewShutdownManager(NewLogger(ErrorLevel, io.Discard), time.Second)

	release := make(chan struct{})
	sm.Register("stuck", func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := sm.Shutdown(ctx)
	close(release)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestShutdownManager_DefaultTimeout(t *testing.T) {
	sm := NewShutdownManager(NewLogger(ErrorLevel, io.Discard), 0)
	if sm.shutdownTimeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", sm.shutdownTimeout)
	}
}
