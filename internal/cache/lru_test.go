package cache

import (
	"sync"
	"testing"

	"github.com/januskey/januskey/pkg/types"
)

func digestOf(b byte) types.Digest {
	var d types.Digest
	d[0] = b
	return d
}

func TestLRUPutGet(t *testing.T) {
	c := New(100, 1024*1024)
	h := digestOf(1)
	data := []byte("hello world")

	c.Put(h, data)

	got, ok := c.Get(h)
	if !ok {
		t.Fatal("Get returned false for existing key")
	}
	if string(got) != string(data) {
		t.Errorf("expected %q, got %q", data, got)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 0 {
		t.Errorf("expected 1 hit 0 misses, got %+v", stats)
	}
}

func TestLRUGetMiss(t *testing.T) {
	c := New(100, 1024*1024)
	if _, ok := c.Get(digestOf(9)); ok {
		t.Error("expected miss for absent key")
	}
	if stats := c.Stats(); stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
}

func TestLRUUpdateExisting(t *testing.T) {
	c := New(100, 1024*1024)
	h := digestOf(1)

	c.Put(h, []byte("first"))
	c.Put(h, []byte("second"))

	got, ok := c.Get(h)
	if !ok || string(got) != "second" {
		t.Errorf("expected updated value 'second', got %q ok=%v", got, ok)
	}
	if stats := c.Stats(); stats.Size != int64(len("second")) {
		t.Errorf("expected size to reflect updated content, got %d", stats.Size)
	}
}

func TestLRUEvictionByEntryCount(t *testing.T) {
	c := New(3, 0)
	h1, h2, h3, h4 := digestOf(1), digestOf(2), digestOf(3), digestOf(4)

	c.Put(h1, []byte("a"))
	c.Put(h2, []byte("b"))
	c.Put(h3, []byte("c"))
	c.Put(h4, []byte("d"))

	if _, ok := c.Get(h1); ok {
		t.Error("h1 should have been evicted as least recently used")
	}
	for _, h := range []types.Digest{h2, h3, h4} {
		if _, ok := c.Get(h); !ok {
			t.Errorf("%v should still be present", h)
		}
	}
}

func TestLRUEvictionByByteSize(t *testing.T) {
	c := New(0, 50)
	h1, h2, h3 := digestOf(1), digestOf(2), digestOf(3)

	c.Put(h1, make([]byte, 20))
	c.Put(h2, make([]byte, 20))
	if stats := c.Stats(); stats.Size != 40 {
		t.Errorf("expected size 40, got %d", stats.Size)
	}

	c.Put(h3, make([]byte, 20))
	if stats := c.Stats(); stats.Size > 50 {
		t.Errorf("size %d exceeds capacity 50", stats.Size)
	}
	if _, ok := c.Get(h1); ok {
		t.Error("h1 should have been evicted to make room")
	}
}

func TestLRURecentlyUsedSurvivesEviction(t *testing.T) {
	c := New(2, 0)
	h1, h2, h3 := digestOf(1), digestOf(2), digestOf(3)

	c.Put(h1, []byte("a"))
	c.Put(h2, []byte("b"))
	c.Get(h1) // touch h1, making h2 the least recently used
	c.Put(h3, []byte("c"))

	if _, ok := c.Get(h2); ok {
		t.Error("h2 should have been evicted, not h1")
	}
	if _, ok := c.Get(h1); !ok {
		t.Error("h1 should still be present after being touched")
	}
}

func TestLRUEvict(t *testing.T) {
	c := New(100, 0)
	h := digestOf(1)
	c.Put(h, []byte("data"))

	c.Evict(h)

	if _, ok := c.Get(h); ok {
		t.Error("expected explicit Evict to remove the entry")
	}
}

func TestLRUEvictMissingIsNoop(t *testing.T) {
	c := New(100, 0)
	c.Evict(digestOf(1)) // must not panic
}

func TestLRUStatsHitRate(t *testing.T) {
	c := New(10, 1024)
	h := digestOf(1)

	c.Get(h) // miss
	c.Put(h, []byte("data"))
	c.Get(h) // hit

	stats := c.Stats()
	if stats.HitRate != 0.5 {
		t.Errorf("expected hit rate 0.5, got %f", stats.HitRate)
	}
	if stats.Capacity != 1024 {
		t.Errorf("expected capacity 1024, got %d", stats.Capacity)
	}
}

func TestLRUDataIsolation(t *testing.T) {
	c := New(10, 0)
	h := digestOf(1)
	original := []byte("original data")
	c.Put(h, original)

	got, _ := c.Get(h)
	got[0] = 'X'

	got2, _ := c.Get(h)
	if got2[0] != 'o' {
		t.Error("cached data was mutated through a returned slice - should be isolated")
	}
}

func TestLRUConcurrentAccess(t *testing.T) {
	c := New(1000, 0)
	var wg sync.WaitGroup
	const goroutines = 50
	const opsPerGoroutine = 100

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				h := digestOf(byte(id))
				c.Put(h, []byte("data"))
				c.Get(h)
			}
		}(i)
	}
	wg.Wait()
}
