package services

import (
	"math/rand"
	"sync"
	"testing"

	"rillcast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortAllocator_ReserveFirstFreeEvenPort(t *testing.T) {
	a := NewPortAllocator(PortAllocatorConfig{Min: 20001, Max: 20010})

	p1, err := a.Reserve("s1")
	require.NoError(t, err)
	p2, err := a.Reserve("s1")
	require.NoError(t, err)

	assert.Equal(t, 20002, p1)
	assert.Equal(t, 20004, p2)

	a.Release(p1)
	p3, err := a.Reserve("s2")
	require.NoError(t, err)
	assert.Equal(t, 20002, p3)

	owner, ok := a.Owner(p3)
	assert.True(t, ok)
	assert.Equal(t, domain.SessionID("s2"), owner)
}

func TestPortAllocator_Exhausted(t *testing.T) {
	a := NewPortAllocator(PortAllocatorConfig{Min: 30000, Max: 30002})

	_, err := a.Reserve("s1")
	require.NoError(t, err)
	_, err = a.Reserve("s1")
	require.NoError(t, err)

	_, err = a.Reserve("s1")
	assert.ErrorIs(t, err, domain.ErrNoPortsAvailable)
	assert.Equal(t, 2, a.Leased())
}

func TestPortAllocator_FallbackRange(t *testing.T) {
	a := NewPortAllocator(PortAllocatorConfig{
		Min:              30000,
		Max:              30000,
		FallbackMin:      40000,
		FallbackMax:      40010,
		FallbackAttempts: 64,
	})

	first, err := a.Reserve("s1")
	require.NoError(t, err)
	assert.Equal(t, 30000, first)

	second, err := a.Reserve("s1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, second, 40000)
	assert.LessOrEqual(t, second, 40010)
	assert.Zero(t, second%2)
}

func TestPortAllocator_ReleaseIsIdempotent(t *testing.T) {
	a := NewPortAllocator(PortAllocatorConfig{Min: 30000, Max: 30010})

	var counts []int
	a.OnChange(func(leased int) { counts = append(counts, leased) })

	p, err := a.Reserve("s1")
	require.NoError(t, err)
	a.Release(p)
	a.Release(p)
	a.Release(12345)

	assert.Equal(t, 0, a.Leased())
	assert.Equal(t, []int{1, 0}, counts)
}

func TestPortAllocator_ReleaseOwner(t *testing.T) {
	a := NewPortAllocator(PortAllocatorConfig{Min: 30000, Max: 30020})

	for i := 0; i < 3; i++ {
		_, err := a.Reserve("s1")
		require.NoError(t, err)
	}
	keep, err := a.Reserve("s2")
	require.NoError(t, err)

	assert.Equal(t, 3, a.ReleaseOwner("s1"))
	assert.Equal(t, 1, a.Leased())
	_, ok := a.Owner(keep)
	assert.True(t, ok)
}

func TestPortAllocator_ConcurrentLeasesNeverOverlap(t *testing.T) {
	const size = 16
	a := NewPortAllocator(PortAllocatorConfig{Min: 31000, Max: 31000 + 2*(size-1)})

	var (
		mu          sync.Mutex
		outstanding = make(map[int]bool)
		maxSeen     int
		wg          sync.WaitGroup
	)

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			var mine []int
			for i := 0; i < 500; i++ {
				if len(mine) > 0 && rnd.Intn(2) == 0 {
					p := mine[len(mine)-1]
					mine = mine[:len(mine)-1]
					mu.Lock()
					delete(outstanding, p)
					mu.Unlock()
					a.Release(p)
					continue
				}
				p, err := a.Reserve("worker")
				if err != nil {
					assert.ErrorIs(t, err, domain.ErrNoPortsAvailable)
					continue
				}
				mu.Lock()
				assert.False(t, outstanding[p], "port %d leased twice", p)
				outstanding[p] = true
				if len(outstanding) > maxSeen {
					maxSeen = len(outstanding)
				}
				mu.Unlock()
				mine = append(mine, p)
			}
			for _, p := range mine {
				mu.Lock()
				delete(outstanding, p)
				mu.Unlock()
				a.Release(p)
			}
		}(int64(w))
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen, size)
	assert.Equal(t, 0, a.Leased())
}
