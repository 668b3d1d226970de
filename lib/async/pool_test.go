package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coachpo/spindle/errs"
)

func TestPoolExecutesSubmittedTasks(t *testing.T) {
	pool, err := NewPool(4, 16, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	var ran atomic.Int64
	for i := 0; i < 10; i++ {
		err := pool.Submit(context.Background(), func(context.Context) error {
			ran.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := ran.Load(); got != 10 {
		t.Fatalf("ran %d tasks, want 10", got)
	}
}

func TestPoolReportsTaskErrors(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	pool, err := NewPool(1, 1, func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	boom := errors.New("boom")
	if err := pool.Submit(context.Background(), func(context.Context) error { return boom }); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 1 || !errors.Is(reported[0], boom) {
		t.Fatalf("reported = %v, want [boom]", reported)
	}
}

func TestPoolRejectsWhenSaturated(t *testing.T) {
	pool, err := NewPool(1, 0, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	if err := pool.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-block
		return nil
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	if errs.CodeOf(err) != errs.CodeExhausted {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	close(block)
}

func TestPoolRejectsAfterClose(t *testing.T) {
	pool, err := NewPool(1, 1, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	pool.Close()

	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	if errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}
