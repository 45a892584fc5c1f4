package optimize

import (
	"sync"
	"testing"
)

func TestBytePool(t *testing.T) {
	pool := NewBytePool(1200)

	buf := pool.Get()
	if len(buf) != 1200 {
		t.Fatalf("expected buffer size 1200, got %d", len(buf))
	}

	// A resliced buffer comes back at full size.
	pool.Put(buf[:10])
	if got := len(pool.Get()); got != 1200 {
		t.Fatalf("expected buffer size 1200 after reuse, got %d", got)
	}
}

func TestBytePool_DropsShortBuffers(t *testing.T) {
	pool := NewBytePool(64)
	pool.Put(make([]byte, 8))
	for i := 0; i < 4; i++ {
		if got := len(pool.Get()); got != 64 {
			t.Fatalf("expected buffer size 64, got %d", got)
		}
	}
}

func TestBytePool_DefaultSize(t *testing.T) {
	pool := NewBytePool(0)
	if pool.Size() != DefaultPacketSize {
		t.Fatalf("expected default size %d, got %d", DefaultPacketSize, pool.Size())
	}
}

func TestBytePool_Concurrent(t *testing.T) {
	pool := NewBytePool(DefaultPacketSize)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(seed byte) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				buf := pool.Get()
				buf[0] = seed
				pool.Put(buf)
			}
		}(byte(i))
	}
	wg.Wait()
}

func BenchmarkBytePool(b *testing.B) {
	pool := NewBytePool(DefaultPacketSize)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf := pool.Get()
		pool.Put(buf)
	}
}
