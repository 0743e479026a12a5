package v3d

import (
	"container/list"
	"log/slog"
	"time"

	"github.com/dolthub/swiss"
	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/gpukit/v3d/internal/utils"
)

const pageSize = 4096

// cacheEntry is the cache's bookkeeping for one cached buffer. The entry owns
// the buffer's position in both indexes; the buffer itself carries no list
// linkage.
type cacheEntry struct {
	bo      *BufferObject
	freedAt time.Time
	serial  uint64
	pages   int
	elem    *list.Element
}

func cacheEntryLess(a, b *cacheEntry) bool {
	if a.freedAt.Equal(b.freedAt) {
		return a.serial < b.serial
	}
	return a.freedAt.Before(b.freedAt)
}

// boCache pools freed buffers for O(1) reuse. Buckets are keyed by page
// count so acquire is a single map probe; a btree ordered by insertion time
// backs the age sweep, which only ever inspects a prefix of the oldest
// entries.
type boCache struct {
	mutex utils.OptionalMutex

	sizeBuckets *swiss.Map[int, *list.List]
	age         *btree.BTreeG[*cacheEntry]

	maxAge time.Duration
	serial uint64

	count int
	bytes int

	logger *slog.Logger
}

func newBOCache(maxAge time.Duration, useMutex bool, logger *slog.Logger) *boCache {
	return &boCache{
		mutex:       utils.OptionalMutex{UseMutex: useMutex},
		sizeBuckets: swiss.NewMap[int, *list.List](42),
		age:         btree.NewG[*cacheEntry](8, cacheEntryLess),
		maxAge:      maxAge,
		logger:      logger,
	}
}

// acquire returns a cached buffer of exactly pages pages, or nil if the
// bucket is empty. Reused buffers come back zeroed.
func (c *boCache) acquire(pages int) *BufferObject {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	bucket, ok := c.sizeBuckets.Get(pages)
	if !ok || bucket.Len() == 0 {
		return nil
	}

	entry := bucket.Remove(bucket.Front()).(*cacheEntry)
	if _, ok := c.age.Delete(entry); !ok {
		panic("cached buffer was present in its size bucket but missing from the age index")
	}
	c.count--
	c.bytes -= entry.bo.size

	DebugValidate(c)

	bo := entry.bo
	for i := range bo.data {
		bo.data[i] = 0
	}
	return bo
}

// insert adds a freed buffer to the cache. The caller must have confirmed the
// buffer's last-use seqno has retired.
func (c *boCache) insert(bo *BufferObject, now time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	pages := bo.size / pageSize

	entry := &cacheEntry{
		bo:      bo,
		freedAt: now,
		serial:  c.serial,
		pages:   pages,
	}
	c.serial++

	bucket, ok := c.sizeBuckets.Get(pages)
	if !ok {
		bucket = list.New()
		c.sizeBuckets.Put(pages, bucket)
	}
	entry.elem = bucket.PushFront(entry)

	if _, present := c.age.ReplaceOrInsert(entry); present {
		panic("duplicate age index entry for cached buffer")
	}
	c.count++
	c.bytes += bo.size

	DebugValidate(c)
}

// sweepOlderThan evicts entries freed before the cutoff, oldest first,
// stopping at the first entry still within the threshold. Returns the number
// of buffers freed.
func (c *boCache) sweepOlderThan(cutoff time.Time) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	freed := 0
	for {
		entry, ok := c.age.Min()
		if !ok || !entry.freedAt.Before(cutoff) {
			break
		}
		c.age.DeleteMin()

		bucket, ok := c.sizeBuckets.Get(entry.pages)
		if !ok {
			panic("age index entry for a size bucket that does not exist")
		}
		bucket.Remove(entry.elem)

		c.count--
		c.bytes -= entry.bo.size
		entry.bo.destroy()
		freed++
	}

	DebugValidate(c)

	if freed > 0 {
		c.logger.Debug("boCache::sweepOlderThan", slog.Int("freed", freed))
	}
	return freed
}

// evictAll empties the cache, freeing every buffer. Used at device teardown.
func (c *boCache) evictAll() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for {
		entry, ok := c.age.DeleteMin()
		if !ok {
			break
		}
		bucket, _ := c.sizeBuckets.Get(entry.pages)
		bucket.Remove(entry.elem)
		c.count--
		c.bytes -= entry.bo.size
		entry.bo.destroy()
	}

	if c.count != 0 || c.bytes != 0 {
		panic("cache counters nonzero after evicting every entry")
	}
}

func (c *boCache) snapshot() CacheStats {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	stats := CacheStats{
		Buffers: c.count,
		Bytes:   c.bytes,
	}
	c.sizeBuckets.Iter(func(pages int, bucket *list.List) bool {
		if bucket.Len() == 0 {
			return false
		}
		stats.SizeClasses = append(stats.SizeClasses, SizeClassStats{
			Size:    pages * pageSize,
			Buffers: bucket.Len(),
			Bytes:   bucket.Len() * pages * pageSize,
		})
		return false
	})
	return stats
}

// Validate checks the cache's cross-index invariants.
func (c *boCache) Validate() error {
	bucketCount := 0
	bucketBytes := 0
	c.sizeBuckets.Iter(func(pages int, bucket *list.List) bool {
		bucketCount += bucket.Len()
		bucketBytes += bucket.Len() * pages * pageSize
		return false
	})

	if bucketCount != c.count {
		return errors.Errorf("the size buckets hold %d buffers but the cache counts %d", bucketCount, c.count)
	}
	if bucketBytes != c.bytes {
		return errors.Errorf("the size buckets hold %d bytes but the cache counts %d", bucketBytes, c.bytes)
	}
	if c.age.Len() != c.count {
		return errors.Errorf("the age index holds %d entries but the cache counts %d", c.age.Len(), c.count)
	}
	return nil
}
