package v3d

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slices"
)

// SizeClassStats describes the cached buffers of one page-rounded size.
type SizeClassStats struct {
	Size    int
	Buffers int
	Bytes   int
}

// CacheStats is a point-in-time snapshot of the buffer cache.
type CacheStats struct {
	Buffers int
	Bytes   int

	// SizeClasses holds one entry per non-empty size bucket, ordered by Size.
	SizeClasses []SizeClassStats
}

// QueueStats is a point-in-time snapshot of the job queue.
type QueueStats struct {
	EmitSeqno     uint64
	FinishedSeqno uint64
	QueuedJobs    int
}

// CacheStats snapshots the buffer cache.
func (d *Device) CacheStats() CacheStats {
	stats := d.cache.snapshot()
	slices.SortFunc(stats.SizeClasses, func(a, b SizeClassStats) bool {
		return a.Size < b.Size
	})
	return stats
}

// QueueStats snapshots the job queue counters.
func (d *Device) QueueStats() QueueStats {
	d.jobMu.Lock()
	defer d.jobMu.Unlock()

	return QueueStats{
		EmitSeqno:     d.emitSeqno,
		FinishedSeqno: d.finishedSeqno.Load(),
		QueuedJobs:    len(d.jobList),
	}
}

// BuildStatsString writes the device's queue and cache state as JSON.
func (d *Device) BuildStatsString(writer *jwriter.Writer) {
	queue := d.QueueStats()
	cache := d.CacheStats()

	objState := writer.Object()
	defer objState.End()

	queueObj := objState.Name("Queue").Object()
	queueObj.Name("EmitSeqno").Int(int(queue.EmitSeqno))
	queueObj.Name("FinishedSeqno").Int(int(queue.FinishedSeqno))
	queueObj.Name("QueuedJobs").Int(queue.QueuedJobs)
	queueObj.End()

	cacheObj := objState.Name("Cache").Object()
	cacheObj.Name("Buffers").Int(cache.Buffers)
	cacheObj.Name("Bytes").Int(cache.Bytes)

	classArray := cacheObj.Name("SizeClasses").Array()
	for _, class := range cache.SizeClasses {
		classObj := classArray.Object()
		classObj.Name("Size").Int(class.Size)
		classObj.Name("Buffers").Int(class.Buffers)
		classObj.Name("Bytes").Int(class.Bytes)
		classObj.End()
	}
	classArray.End()
	cacheObj.End()
}
