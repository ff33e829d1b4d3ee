package edge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/longern/webtransportify/internal/domain"
)

func TestCertCacheMemoizesAndInvalidates(t *testing.T) {
	t.Parallel()

	resolver := &countingResolver{fn: staticDescriptor}
	cache := NewCertCache(resolver)
	ctx := context.Background()

	for range 3 {
		d, err := cache.Resolve(ctx, "a.example")
		if err != nil {
			t.Fatal(err)
		}
		if d.Endpoint != "origin:9443" {
			t.Fatalf("endpoint = %q", d.Endpoint)
		}
	}
	if resolver.calls.Load() != 1 {
		t.Fatalf("resolver calls = %d, want 1", resolver.calls.Load())
	}

	cache.Invalidate("a.example")
	if cache.Len() != 0 {
		t.Fatalf("len = %d after invalidate", cache.Len())
	}
	if _, err := cache.Resolve(ctx, "a.example"); err != nil {
		t.Fatal(err)
	}
	if resolver.calls.Load() != 2 {
		t.Fatalf("resolver calls = %d, want 2", resolver.calls.Load())
	}
}

func TestCertCacheDoesNotCacheErrors(t *testing.T) {
	t.Parallel()

	fail := true
	var mu sync.Mutex
	resolver := &countingResolver{fn: func(key string) (domain.Descriptor, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			fail = false
			return domain.Descriptor{}, domain.ErrNotFound
		}
		return staticDescriptor(key)
	}}
	cache := NewCertCache(resolver)

	if _, err := cache.Resolve(context.Background(), "a.example"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := cache.Resolve(context.Background(), "a.example"); err != nil {
		t.Fatal(err)
	}
	if resolver.calls.Load() != 2 {
		t.Fatalf("resolver calls = %d, want 2", resolver.calls.Load())
	}
}

func TestCertCacheCollapsesConcurrentMisses(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	resolver := &countingResolver{fn: func(key string) (domain.Descriptor, error) {
		<-release
		return staticDescriptor(key)
	}}
	cache := NewCertCache(resolver)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Resolve(context.Background(), "a.example")
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if resolver.calls.Load() != 1 {
		t.Fatalf("resolver calls = %d, want 1", resolver.calls.Load())
	}
}

func TestCertCacheWaiterHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	cache := NewCertCache(&countingResolver{fn: func(key string) (domain.Descriptor, error) {
		<-release
		return staticDescriptor(key)
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := cache.Resolve(ctx, "a.example"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
