package storage

import (
	"context"
	"sync"
	"testing"
)

func TestMemoryStore_Lifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("new store should be empty")
	}
	_ = s.Set(ctx, "k", "v")
	if got, ok, _ := s.Get(ctx, "k"); !ok || got != "v" {
		t.Errorf("Get() = %q, %v", got, ok)
	}
	if !s.Has("k") {
		t.Error("Has() = false after Set")
	}
	_ = s.Delete(ctx, "k")
	if s.Has("k") {
		t.Error("Has() = true after Delete")
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Set(ctx, "k", "v")
			_, _, _ = s.Get(ctx, "k")
			_ = s.Delete(ctx, "k")
		}()
	}
	wg.Wait()
}
