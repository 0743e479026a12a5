package v3d

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gpukit/v3d/hw"
)

func TestJobsRunHeadFirst(t *testing.T) {
	sim, d := newTestDevice(t)

	fb, err := d.CreateBuffer(64 * 64 * 4)
	require.NoError(t, err)

	first := submitSimpleJob(t, d, fb)
	second := submitSimpleJob(t, d, fb)
	require.Equal(t, first+1, second)

	// Only the head job is programmed while it is in flight.
	require.Equal(t, 1, sim.Writes(hw.CT0EA))
	require.Equal(t, 2, d.QueuedJobs())

	sim.CompleteFrame()
	require.Equal(t, first, d.FinishedSeqno())
	require.Equal(t, 2, sim.Writes(hw.CT0EA))
	require.Equal(t, 1, d.QueuedJobs())

	sim.CompleteFrame()
	require.Equal(t, second, d.FinishedSeqno())
	require.Zero(t, d.QueuedJobs())
}

func TestSpuriousCompletionIsIgnored(t *testing.T) {
	sim, d := newTestDevice(t)

	fb, err := d.CreateBuffer(64 * 64 * 4)
	require.NoError(t, err)
	submitSimpleJob(t, d, fb)

	// A completion whose render end address does not match the head job
	// cannot retire anything.
	d.HandleCompletion(0, 0xdeadbeef)
	require.Zero(t, d.FinishedSeqno())
	require.Equal(t, 1, d.QueuedJobs())

	sim.CompleteFrame()
	require.Equal(t, uint64(1), d.FinishedSeqno())
}

func TestCompletionOnIdleDeviceIsIgnored(t *testing.T) {
	_, d := newTestDevice(t)

	d.HandleCompletion(0, 0)
	require.Zero(t, d.FinishedSeqno())
}

func TestConcurrentSubmissionsGetDistinctSeqnos(t *testing.T) {
	const workers = 8
	const perWorker = 4

	sim, d := newTestDevice(t)

	fb, err := d.CreateBuffer(64 * 64 * 4)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := make(map[uint64]bool)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				seqno, err := d.SubmitCL(SubmitArgs{
					BinCL:     simpleBinCL(),
					Width:     64,
					Height:    64,
					BOHandles: []uint32{fb.Handle()},
				})
				if err != nil {
					t.Error(err)
					return
				}

				mu.Lock()
				seen[seqno] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	const total = workers * perWorker
	require.Len(t, seen, total)
	require.Equal(t, uint64(total), d.EmitSeqno())
	for seqno := uint64(1); seqno <= total; seqno++ {
		require.True(t, seen[seqno])
	}

	for i := 0; i < total; i++ {
		sim.CompleteFrame()
	}
	require.Equal(t, uint64(total), d.FinishedSeqno())
	require.Zero(t, d.QueuedJobs())

	ctx := context.Background()
	require.NoError(t, d.WaitForSeqno(ctx, total, time.Second))
}

func TestFinishedNeverPassesEmitted(t *testing.T) {
	sim, d := newTestDevice(t)

	fb, err := d.CreateBuffer(64 * 64 * 4)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		submitSimpleJob(t, d, fb)
		require.LessOrEqual(t, d.FinishedSeqno(), d.EmitSeqno())
		sim.CompleteFrame()
		require.LessOrEqual(t, d.FinishedSeqno(), d.EmitSeqno())
	}
}

func TestSeqnoCallbackFires(t *testing.T) {
	sim, d := newTestDevice(t)

	fb, err := d.CreateBuffer(64 * 64 * 4)
	require.NoError(t, err)
	seqno := submitSimpleJob(t, d, fb)

	done := make(chan error, 1)
	d.RegisterSeqnoCallback(seqno, func(err error) { done <- err })

	sim.CompleteFrame()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("seqno callback never fired")
	}
}

func TestSeqnoCallbackAlreadyRetired(t *testing.T) {
	sim, d := newTestDevice(t)

	fb, err := d.CreateBuffer(64 * 64 * 4)
	require.NoError(t, err)
	seqno := submitSimpleJob(t, d, fb)
	sim.CompleteFrame()

	done := make(chan error, 1)
	d.RegisterSeqnoCallback(seqno, func(err error) { done <- err })

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("seqno callback for a retired seqno never fired")
	}
}

func TestSeqnoCallbackNotBeforeThreshold(t *testing.T) {
	sim, d := newTestDevice(t)

	fb, err := d.CreateBuffer(64 * 64 * 4)
	require.NoError(t, err)
	submitSimpleJob(t, d, fb)
	second := submitSimpleJob(t, d, fb)

	done := make(chan error, 1)
	d.RegisterSeqnoCallback(second, func(err error) { done <- err })

	sim.CompleteFrame()
	d.reclaimCompleted()
	select {
	case <-done:
		t.Fatal("callback fired before its threshold seqno retired")
	default:
	}

	sim.CompleteFrame()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("seqno callback never fired")
	}
}

func TestRegisterNilSeqnoCallbackPanics(t *testing.T) {
	_, d := newTestDevice(t)

	require.Panics(t, func() {
		d.RegisterSeqnoCallback(1, nil)
	})
}

func TestJobBuffersReturnToCacheAfterRetire(t *testing.T) {
	sim, d := newTestDevice(t)

	fb, err := d.CreateBuffer(64 * 64 * 4)
	require.NoError(t, err)
	submitSimpleJob(t, d, fb)

	// While the job is in flight its kernel scratch buffers are alive and
	// the cache holds nothing.
	require.Zero(t, d.CacheStats().Buffers)

	sim.CompleteFrame()
	d.reclaimCompleted()

	// The exec buffer, tile allocation and render list all retired.
	require.GreaterOrEqual(t, d.CacheStats().Buffers, 3)
}
