package storage

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeliveryCache_MarkAndIsMarked(t *testing.T) {
	c := NewDeliveryCache(time.Hour)
	if c.IsMarked(42) {
		t.Fatalf("expected not marked")
	}
	c.Mark(42)
	if !c.IsMarked(42) {
		t.Fatalf("expected marked after Mark")
	}
	if c.MarkIfNotExists(42) {
		t.Fatalf("expected MarkIfNotExists to return false for existing id")
	}
	if !c.MarkIfNotExists(43) {
		t.Fatalf("expected MarkIfNotExists to return true for new id")
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestDeliveryCache_Cleanup(t *testing.T) {
	c := NewDeliveryCache(time.Minute)
	c.Mark(1)
	c.Mark(2)

	if n := c.cleanup(time.Now()); n != 0 {
		t.Errorf("cleanup() removed %d fresh entries", n)
	}
	if n := c.cleanup(time.Now().Add(2 * time.Minute)); n != 2 {
		t.Errorf("cleanup() removed %d, want 2", n)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d after cleanup", c.Len())
	}
}

func TestDeliveryCache_ConcurrentMarkIfNotExists(t *testing.T) {
	c := NewDeliveryCache(time.Hour)
	const ids = 1000
	const workers = 8

	var wins atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := int64(0); i < ids; i++ {
				if c.MarkIfNotExists(i) {
					wins.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if wins.Load() != ids {
		t.Errorf("MarkIfNotExists won %d times, want %d", wins.Load(), ids)
	}
}
