package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

func TestFile_ExclusiveAndReacquire(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sub", "job.lock")

	first := NewFile(path)
	release, err := first.Acquire(ctx)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	if _, err := NewFile(path).Acquire(ctx); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire error = %v, want ErrLocked", err)
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	again, err := NewFile(path).Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = again(ctx)
}

func TestFile_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewFile(filepath.Join(t.TempDir(), "x.lock")).Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire error = %v, want context.Canceled", err)
	}
}

func TestNoneAndFunc(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rel, err := None{}.Acquire(ctx)
	if err != nil || rel(ctx) != nil {
		t.Fatalf("None: %v", err)
	}

	called := false
	f := Func(func(context.Context) (Release, error) {
		called = true
		return nil, ErrLocked
	})
	if _, err := f.Acquire(ctx); !errors.Is(err, ErrLocked) || !called {
		t.Fatalf("Func: err=%v called=%v", err, called)
	}
}

// TestRedis_Integration needs a Redis server at PRICESYNC_REDIS_ADDR.
func TestRedis_Integration(t *testing.T) {
	addr := os.Getenv("PRICESYNC_REDIS_ADDR")
	if addr == "" {
		t.Skip("PRICESYNC_REDIS_ADDR not set; skipping Redis lock test")
	}
	ctx := context.Background()
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	defer rdb.Close()

	job := "lock-test-" + t.Name()
	l := NewRedis(rdb, job, 300*time.Millisecond, nil)
	rdb.Del(ctx, l.Key())

	release, err := l.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := NewRedis(rdb, job, time.Second, nil).Acquire(ctx); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire error = %v, want ErrLocked", err)
	}

	// Outlive the TTL; the keepalive must have renewed the lease.
	time.Sleep(700 * time.Millisecond)
	if n, _ := rdb.Exists(ctx, l.Key()).Result(); n != 1 {
		t.Fatalf("lease expired while held")
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if n, _ := rdb.Exists(ctx, l.Key()).Result(); n != 0 {
		t.Fatalf("key still present after release")
	}
}
