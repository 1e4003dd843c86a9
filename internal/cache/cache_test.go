package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCellCachesWithinTTL(t *testing.T) {
	var calls int32
	c := NewCell(50*time.Millisecond, func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 42, nil
	})

	for i := 0; i < 5; i++ {
		v, err := c.Get(context.Background())
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if v != 42 {
			t.Fatalf("want 42, got %d", v)
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("want 1 fetch, got %d", calls)
	}
}

func TestCellRefetchesAfterTTL(t *testing.T) {
	var calls int32
	c := NewCell(10*time.Millisecond, func(ctx context.Context) (int, error) {
		return int(atomic.AddInt32(&calls, 1)), nil
	})

	v1, _ := c.Get(context.Background())
	time.Sleep(20 * time.Millisecond)
	v2, _ := c.Get(context.Background())

	if v1 == v2 {
		t.Fatalf("want different values after TTL expiry, got %d and %d", v1, v2)
	}
}

func TestCellCoalescesConcurrentFetches(t *testing.T) {
	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})

	c := NewCell(time.Minute, func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		return 7, nil
	})

	var wg sync.WaitGroup
	results := make([]int, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, _ := c.Get(context.Background())
			results[idx] = v
		}(i)
	}

	<-started
	close(release)
	wg.Wait()

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("want exactly 1 fetch for concurrent callers, got %d", calls)
	}
	for _, v := range results {
		if v != 7 {
			t.Fatalf("want all callers to see 7, got %d", v)
		}
	}
}

func TestCellInvalidate(t *testing.T) {
	var calls int32
	c := NewCell(time.Hour, func(ctx context.Context) (int, error) {
		return int(atomic.AddInt32(&calls, 1)), nil
	})

	c.Get(context.Background())
	c.Invalidate()
	c.Get(context.Background())

	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("want 2 fetches after invalidate, got %d", calls)
	}
}
