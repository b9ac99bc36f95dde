package cache

import (
	"fmt"
	"sync"
	"testing"
)

func bytesOf(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestNewLRU(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		enabled bool
	}{
		{"nil config", nil, false},
		{"zero size", &Config{}, false},
		{"sized", &Config{MaxSize: 1024}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewLRU(tt.config)
			if got := c.Enabled(); got != tt.enabled {
				t.Errorf("Enabled() = %v, want %v", got, tt.enabled)
			}
			c.Put("k", []byte("abc"))
			if _, ok := c.Get("k", 0, 0); ok != tt.enabled {
				t.Errorf("Get hit = %v, want %v", ok, tt.enabled)
			}
		})
	}

	var nilCache *LRU
	if nilCache.Enabled() {
		t.Error("nil cache must be disabled")
	}
	nilCache.Put("k", []byte("x"))
	nilCache.Delete("k")
	if nilCache.Size() != 0 {
		t.Error("nil cache must be empty")
	}
}

func TestLRUGetRanges(t *testing.T) {
	c := NewLRU(&Config{MaxSize: 1024})
	c.Put("out.h5/grid", []byte("0123456789"))

	tests := []struct {
		name   string
		offset int64
		size   int64
		want   string
		ok     bool
	}{
		{"whole", 0, 0, "0123456789", true},
		{"head", 0, 4, "0123", true},
		{"middle", 3, 3, "345", true},
		{"clipped", 8, 10, "89", true},
		{"at end", 10, 0, "", true},
		{"past end", 11, 0, "", false},
		{"negative", -1, 2, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := c.Get("out.h5/grid", tt.offset, tt.size)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if _, ok := c.Get("missing", 0, 0); ok {
		t.Error("expected a miss")
	}
	s := c.Stats()
	if s.Hits != 5 || s.Misses != 3 {
		t.Errorf("hits/misses = %d/%d, want 5/3", s.Hits, s.Misses)
	}
}

func TestLRUCopies(t *testing.T) {
	c := NewLRU(&Config{MaxSize: 1024})
	src := []byte("abc")
	c.Put("k", src)
	src[0] = 'X'

	got, _ := c.Get("k", 0, 0)
	if string(got) != "abc" {
		t.Fatalf("Put must copy, got %q", got)
	}
	got[1] = 'Y'
	again, _ := c.Get("k", 0, 0)
	if string(again) != "abc" {
		t.Fatalf("Get must copy, got %q", again)
	}
}

func TestLRUEviction(t *testing.T) {
	c := NewLRU(&Config{MaxSize: 100})
	c.Put("a", bytesOf(40, 'a'))
	c.Put("b", bytesOf(40, 'b'))
	// touch a so b is the oldest
	if _, ok := c.Get("a", 0, 0); !ok {
		t.Fatal("a should be cached")
	}
	c.Put("c", bytesOf(40, 'c'))

	if _, ok := c.Get("b", 0, 0); ok {
		t.Error("b should have been evicted")
	}
	for _, k := range []string{"a", "c"} {
		if _, ok := c.Get(k, 0, 0); !ok {
			t.Errorf("%s should be cached", k)
		}
	}
	if c.Size() != 80 {
		t.Errorf("Size() = %d, want 80", c.Size())
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", c.Stats().Evictions)
	}

	c.Put("huge", bytesOf(101, 'h'))
	if _, ok := c.Get("huge", 0, 0); ok {
		t.Error("buffers above capacity are not cached")
	}

	c.Put("a", bytesOf(10, 'A'))
	if c.Size() != 50 {
		t.Errorf("replacing a buffer must adjust the size, got %d", c.Size())
	}

	c.Resize(20)
	if c.Size() > 20 {
		t.Errorf("Resize left %d bytes", c.Size())
	}
}

func TestLRUMaxEntries(t *testing.T) {
	c := NewLRU(&Config{MaxSize: 1 << 20, MaxEntries: 2})
	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("k%d", i), []byte("x"))
	}
	if s := c.Stats(); s.Entries != 2 {
		t.Errorf("Entries = %d, want 2", s.Entries)
	}
	if _, ok := c.Get("k0", 0, 0); ok {
		t.Error("k0 should have been evicted")
	}
}

func TestLRUDelete(t *testing.T) {
	c := NewLRU(&Config{MaxSize: 1024})
	c.Put("out.h5/group1/grid", []byte("1"))
	c.Put("out.h5/group1/mesh", []byte("2"))
	c.Put("other.h5/grid", []byte("3"))

	c.Delete("other.h5/grid")
	if _, ok := c.Get("other.h5/grid", 0, 0); ok {
		t.Error("deleted key still cached")
	}
	if n := c.DeletePrefix("out.h5/"); n != 2 {
		t.Errorf("DeletePrefix dropped %d, want 2", n)
	}
	if c.Size() != 0 {
		t.Errorf("Size() = %d after deletes", c.Size())
	}

	c.Put("k", []byte("v"))
	c.Clear()
	if c.Stats().Entries != 0 {
		t.Error("Clear left entries")
	}
}

func TestLRUConcurrent(t *testing.T) {
	c := NewLRU(&Config{MaxSize: 4096})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g+i)%16)
				c.Put(key, bytesOf(64, byte(g)))
				c.Get(key, 0, 0)
				if i%50 == 0 {
					c.DeletePrefix("k1")
				}
			}
		}(g)
	}
	wg.Wait()
	if c.Size() > 4096 {
		t.Errorf("Size() = %d exceeds capacity", c.Size())
	}
}
