package sharded

import (
	"fmt"
	"sync"
	"testing"
)

func TestMapStoreLoad(t *testing.T) {
	m := NewMap(16)
	key := "path/to/file:1024:1700000000000000000"

	if _, ok := m.Load(key); ok {
		t.Fatalf("Load on empty map should miss")
	}

	m.Store(key, "deadbeef")
	val, ok := m.Load(key)
	if !ok || val != "deadbeef" {
		t.Fatalf("Load(%q) = %v, %v; want deadbeef, true", key, val, ok)
	}

	m.Store(key, "overwritten")
	val, ok = m.Load(key)
	if !ok || val != "overwritten" {
		t.Fatalf("expected overwrite, got %v, %v", val, ok)
	}
}

func TestMapClear(t *testing.T) {
	m := NewMap(8)
	m.Store("a", 1)
	m.Store("b", 2)

	m.Clear()

	if _, ok := m.Load("a"); ok {
		t.Error("expected 'a' gone after Clear")
	}
	if _, ok := m.Load("b"); ok {
		t.Error("expected 'b' gone after Clear")
	}
}

func TestMapConcurrentAccess(t *testing.T) {
	m := NewMap(64)
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i)
			m.Store(key, i)
			if val, ok := m.Load(key); !ok || val != i {
				t.Errorf("Load(%q) = %v, %v; want %d, true", key, val, ok, i)
			}
		}(i)
	}
	wg.Wait()
}

func TestNewMapPanicsOnNonPowerOfTwo(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non-power-of-two shard count")
		}
	}()
	NewMap(3)
}
