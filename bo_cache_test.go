package v3d

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCacheReusesSameSize(t *testing.T) {
	_, d := newTestDevice(t)

	bo1, err := d.CreateBuffer(4096)
	require.NoError(t, err)
	copy(bo1.Bytes(), []byte{1, 2, 3, 4})
	bo1.Release()

	bo2, err := d.CreateBuffer(4096)
	require.NoError(t, err)

	require.Same(t, bo1, bo2)
	require.Zero(t, d.CacheStats().Buffers)

	// Reused buffers come back zeroed.
	for _, b := range bo2.Bytes()[:16] {
		require.Zero(t, b)
	}
}

func TestCacheDoesNotCrossSizeClasses(t *testing.T) {
	_, d := newTestDevice(t)

	bo1, err := d.CreateBuffer(4096)
	require.NoError(t, err)
	bo1.Release()

	bo2, err := d.CreateBuffer(8192)
	require.NoError(t, err)
	require.NotSame(t, bo1, bo2)

	// The cached page stays available for its own class.
	require.Equal(t, 1, d.CacheStats().Buffers)
}

func TestCacheReusesMostRecentlyFreed(t *testing.T) {
	_, d := newTestDevice(t)

	bo1, err := d.CreateBuffer(4096)
	require.NoError(t, err)
	bo2, err := d.CreateBuffer(4096)
	require.NoError(t, err)

	bo1.Release()
	bo2.Release()

	reused, err := d.CreateBuffer(4096)
	require.NoError(t, err)
	require.Same(t, bo2, reused)
}

func TestCacheSweepEvictsOldestFirst(t *testing.T) {
	_, d := newTestDevice(t)

	bo1, err := d.allocBO(4096)
	require.NoError(t, err)
	bo2, err := d.allocBO(4096)
	require.NoError(t, err)

	base := time.Now()
	d.cache.insert(bo1, base.Add(-2*time.Second))
	d.cache.insert(bo2, base.Add(-500*time.Millisecond))

	// Only the entry past the cutoff goes, even though both share a bucket.
	require.Equal(t, 1, d.cache.sweepOlderThan(base.Add(-time.Second)))
	require.Nil(t, bo1.Bytes())
	require.NotNil(t, bo2.Bytes())

	require.Same(t, bo2, d.cache.acquire(1))
}

func TestCacheSweepStopsAtCutoff(t *testing.T) {
	_, d := newTestDevice(t)

	for i := 0; i < 3; i++ {
		bo, err := d.allocBO(4096)
		require.NoError(t, err)
		d.cache.insert(bo, time.Now())
	}

	require.Zero(t, d.cache.sweepOlderThan(time.Now().Add(-time.Minute)))
	require.Equal(t, 3, d.CacheStats().Buffers)

	require.Equal(t, 3, d.cache.sweepOlderThan(time.Now().Add(time.Minute)))
	require.Zero(t, d.CacheStats().Buffers)
}

func TestCacheEvictAll(t *testing.T) {
	_, d := newTestDevice(t)

	for _, size := range []int{4096, 8192, 4096} {
		bo, err := d.CreateBuffer(size)
		require.NoError(t, err)
		bo.Release()
	}
	require.Equal(t, 3, d.CacheStats().Buffers)

	d.cache.evictAll()

	stats := d.CacheStats()
	require.Zero(t, stats.Buffers)
	require.Zero(t, stats.Bytes)
	require.Empty(t, stats.SizeClasses)
}

func TestCacheInvariantsHold(t *testing.T) {
	_, d := newTestDevice(t)

	for i := 0; i < 8; i++ {
		bo, err := d.CreateBuffer((i%3 + 1) * 4096)
		require.NoError(t, err)
		bo.Release()
	}
	d.cache.acquire(1)
	d.cache.acquire(2)

	require.NoError(t, d.cache.Validate())
}
