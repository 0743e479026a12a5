package v3d

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gpukit/v3d/hw"
)

func TestDeviceArmsOverflowMemoryAtCreate(t *testing.T) {
	sim, d := newTestDevice(t)

	require.Equal(t, 1, sim.Writes(hw.BPOA))
	require.Equal(t, uint32(DefaultOverflowMemorySize), sim.Read(hw.BPOS))

	d.jobMu.Lock()
	require.NotNil(t, d.overflowMem)
	d.jobMu.Unlock()
}

func TestOverflowSignalReplenishesAsynchronously(t *testing.T) {
	sim, _ := newTestDevice(t)

	sim.SignalOverflow()

	require.Eventually(t, func() bool {
		return sim.Writes(hw.BPOA) >= 2
	}, 5*time.Second, time.Millisecond)
}

func TestOverflowBlockRidesOutCurrentJob(t *testing.T) {
	sim, d := newTestDevice(t)

	fb, err := d.CreateBuffer(64 * 64 * 4)
	require.NoError(t, err)
	seqno := submitSimpleJob(t, d, fb)

	d.jobMu.Lock()
	old := d.overflowMem
	d.jobMu.Unlock()

	d.replenishOverflow()

	// The displaced block may still hold binner state for the executing job,
	// so it is parked on that job's release list.
	d.jobMu.Lock()
	require.NotSame(t, old, d.overflowMem)
	require.Contains(t, d.jobList[0].unrefList, old)
	d.jobMu.Unlock()
	require.Equal(t, seqno, old.LastUseSeqno())

	sim.CompleteFrame()
	d.reclaimCompleted()

	// Retired with the job: the 64-page block is back in the cache.
	var found bool
	for _, class := range d.CacheStats().SizeClasses {
		if class.Size == DefaultOverflowMemorySize {
			found = true
		}
	}
	require.True(t, found)
}

func TestOverflowReplacedImmediatelyWhenIdle(t *testing.T) {
	_, d := newTestDevice(t)

	d.jobMu.Lock()
	old := d.overflowMem
	d.jobMu.Unlock()

	d.replenishOverflow()

	// No job is executing, so the old block is released on the spot.
	require.Equal(t, 1, d.CacheStats().Buffers)

	d.jobMu.Lock()
	require.NotSame(t, old, d.overflowMem)
	d.jobMu.Unlock()
}

func TestOverflowSizeIsConfigurable(t *testing.T) {
	sim := hw.NewSimRegisterFile()
	d, err := NewDevice(hw.NewController(sim, sim), CreateOptions{
		OverflowMemorySize: 64 * 1024,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	require.Equal(t, uint32(64*1024), sim.Read(hw.BPOS))
}
