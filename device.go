package v3d

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"

	"github.com/gpukit/v3d/cl"
	"github.com/gpukit/v3d/hw"
)

const (
	DefaultCacheMaxAge        = time.Second
	DefaultHangCheckInterval  = 100 * time.Millisecond
	DefaultOverflowMemorySize = 256 * 1024

	defaultWorkQueueDepth = 16

	// maxBufferSize bounds a single allocation; requests beyond it fail with
	// ErrAllocationFailure the way an exhausted CMA area would.
	maxBufferSize = 256 * 1024 * 1024

	// Bus addresses are handed out from the top of the first 256MB window,
	// clear of the firmware's own allocations.
	busAddrBase = 0x00100000
)

// CreateOptions configures a Device. The zero value selects defaults.
type CreateOptions struct {
	// Logger receives debug traces and hang warnings. Nil disables logging.
	Logger *slog.Logger

	// CacheMaxAge is how long a freed buffer may sit in the cache before the
	// age sweep reclaims it.
	CacheMaxAge time.Duration

	// HangCheckInterval is how often the executing job's progress is
	// sampled. A job whose control-list addresses are unchanged across two
	// consecutive samples is declared hung.
	HangCheckInterval time.Duration

	// OverflowMemorySize is the size of each binner overflow block.
	OverflowMemorySize int

	// WorkQueueDepth bounds the deferred-work kick queue.
	WorkQueueDepth int

	// SingleThreaded elides cache locking for callers that serialize all
	// access themselves.
	SingleThreaded bool
}

type workItem uint8

const (
	workReclaim workItem = iota
	workOverflow
)

type seqnoCallback struct {
	seqno uint64
	fn    SeqnoCallbackFunc
}

// SeqnoCallbackFunc receives nil when its threshold seqno retired normally,
// or the job's error when the job was force-completed.
type SeqnoCallbackFunc func(err error)

// Device is the submission core for one V3D instance.
type Device struct {
	logger *slog.Logger
	ctrl   *hw.Controller

	overflowSize int

	handleMu   sync.Mutex
	handles    *swiss.Map[uint32, *BufferObject]
	nextHandle uint32
	exports    map[uint64]*BufferObject
	nextExport uint64

	addrMu      sync.Mutex
	nextBusAddr uint32
	nextBOID    uint64

	cache *boCache

	// jobMu guards the job lists, emitSeqno, the callback list and the
	// per-seqno error map. It is held only for short list manipulation,
	// never across validation.
	jobMu       sync.Mutex
	emitSeqno   uint64
	jobList     []*execInfo
	jobDoneList []*execInfo
	seqnoCBs    []seqnoCallback
	jobErrs     map[uint64]error
	seqnoWake   chan struct{}
	overflowMem *BufferObject

	// finishedSeqno is written under jobMu with release semantics and read
	// lock-free with acquire semantics by waiters.
	finishedSeqno atomic.Uint64

	hang hangState

	// analysisMu serializes first-time shader analysis so a shader shared by
	// concurrent submissions is analyzed exactly once.
	analysisMu sync.Mutex

	deferredMu      sync.Mutex
	deferredRelease []*BufferObject

	work   chan workItem
	stop   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	cacheMaxAge  time.Duration
	hangInterval time.Duration
}

// NewDevice creates a submission core driving the given controller. The
// returned device owns background workers for deferred reclamation, cache
// aging and hang detection; Close releases them.
func NewDevice(ctrl *hw.Controller, options CreateOptions) (*Device, error) {
	if ctrl == nil {
		return nil, errors.New("attempting to create a device with no controller")
	}

	logger := options.Logger
	if logger == nil {
		logger = newNopLogger()
	}

	cacheMaxAge := options.CacheMaxAge
	if cacheMaxAge == 0 {
		cacheMaxAge = DefaultCacheMaxAge
	}
	hangInterval := options.HangCheckInterval
	if hangInterval == 0 {
		hangInterval = DefaultHangCheckInterval
	}
	overflowSize := options.OverflowMemorySize
	if overflowSize == 0 {
		overflowSize = DefaultOverflowMemorySize
	}
	workDepth := options.WorkQueueDepth
	if workDepth == 0 {
		workDepth = defaultWorkQueueDepth
	}

	d := &Device{
		logger:       logger,
		ctrl:         ctrl,
		overflowSize: overflowSize,
		handles:      swiss.NewMap[uint32, *BufferObject](42),
		exports:      make(map[uint64]*BufferObject),
		nextBusAddr:  busAddrBase,
		cache:        newBOCache(cacheMaxAge, !options.SingleThreaded, logger),
		jobErrs:      make(map[uint64]error),
		seqnoWake:    make(chan struct{}),
		work:         make(chan workItem, workDepth),
		stop:         make(chan struct{}),
		cacheMaxAge:  cacheMaxAge,
		hangInterval: hangInterval,
	}

	// Arm the binner with its first overflow block before anything can run.
	d.replenishOverflow()

	d.wg.Add(2)
	go d.worker()
	go d.timerLoop()

	return d, nil
}

// Close stops the background workers and frees every cached buffer. Jobs
// still queued are abandoned, not waited for.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return errors.New("device already closed")
	}

	close(d.stop)
	d.wg.Wait()

	d.reclaimCompleted()

	d.jobMu.Lock()
	pending := len(d.jobList)
	if d.overflowMem != nil {
		d.overflowMem.unref()
		d.overflowMem = nil
	}
	d.jobMu.Unlock()

	if pending > 0 {
		d.logger.Warn("closing device with jobs still queued", slog.Int("jobs", pending))
	}

	d.cache.evictAll()
	return nil
}

func (d *Device) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stop:
			return
		case item := <-d.work:
			switch item {
			case workReclaim:
				d.reclaimCompleted()
			case workOverflow:
				d.replenishOverflow()
			}
		}
	}
}

func (d *Device) timerLoop() {
	defer d.wg.Done()

	sweep := time.NewTicker(d.cacheMaxAge)
	defer sweep.Stop()
	hang := time.NewTicker(d.hangInterval)
	defer hang.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-sweep.C:
			d.cache.sweepOlderThan(time.Now().Add(-d.cacheMaxAge))
		case <-hang.C:
			d.hangcheckTick()
		}
	}
}

// kick schedules deferred work without blocking. A full queue means a wakeup
// is already pending, so dropping the send is safe.
func (d *Device) kick(item workItem) {
	select {
	case d.work <- item:
	default:
	}
}

func (d *Device) allocAddr(size int) uint32 {
	d.addrMu.Lock()
	defer d.addrMu.Unlock()

	addr := d.nextBusAddr
	d.nextBusAddr += uint32(size)
	return addr
}

func (d *Device) nextID() uint64 {
	d.addrMu.Lock()
	defer d.addrMu.Unlock()

	d.nextBOID++
	return d.nextBOID
}

// allocBO satisfies an allocation from the cache when a buffer of the same
// page count is available, and from fresh pages otherwise. The returned
// buffer has one reference and no handle.
func (d *Device) allocBO(size int) (*BufferObject, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrAllocationFailure, "invalid buffer size %d", size)
	}
	if size > maxBufferSize {
		return nil, errors.Wrapf(ErrAllocationFailure,
			"buffer size %d exceeds the %d-byte allocation limit", size, maxBufferSize)
	}

	pages := (size + pageSize - 1) / pageSize
	if bo := d.cache.acquire(pages); bo != nil {
		bo.refCount.Store(1)
		return bo, nil
	}

	bo := &BufferObject{
		dev:     d,
		id:      d.nextID(),
		size:    pages * pageSize,
		data:    make([]byte, pages*pageSize),
		busAddr: d.allocAddr(pages * pageSize),
	}
	bo.refCount.Store(1)
	return bo, nil
}

func (d *Device) registerHandle(bo *BufferObject) {
	d.handleMu.Lock()
	defer d.handleMu.Unlock()

	d.nextHandle++
	bo.handle = d.nextHandle
	d.handles.Put(bo.handle, bo)
}

// CreateBuffer allocates a buffer of at least size bytes, rounded up to whole
// pages, and registers it in the device's handle namespace.
func (d *Device) CreateBuffer(size int) (*BufferObject, error) {
	d.logger.Debug("Device::CreateBuffer", slog.Int("size", size))

	bo, err := d.allocBO(size)
	if err != nil {
		return nil, err
	}
	d.registerHandle(bo)
	return bo, nil
}

// CreateShaderBuffer allocates a buffer holding the given shader bytecode and
// analyzes it eagerly, so submission-time validation only re-checks the
// per-job uniform and texture bindings.
func (d *Device) CreateShaderBuffer(code []byte) (*BufferObject, error) {
	d.logger.Debug("Device::CreateShaderBuffer", slog.Int("size", len(code)))

	bo, err := d.allocBO(len(code))
	if err != nil {
		return nil, err
	}
	copy(bo.data, code)
	// Analysis bounds are the code itself, not the page-rounded buffer.
	bo.size = len(code)

	info, err := cl.ValidateShader(bo)
	if err != nil {
		bo.size = len(bo.data)
		bo.unref()
		return nil, err
	}
	bo.shaderInfo.Store(info)

	d.registerHandle(bo)
	return bo, nil
}

// ExportBuffer publishes a buffer across the process/device boundary and
// returns its external handle. Exported buffers can no longer be used as
// shader code and bypass the cache when freed.
func (d *Device) ExportBuffer(bo *BufferObject) uint64 {
	d.logger.Debug("Device::ExportBuffer", slog.Uint64("id", bo.id))

	bo.markShared()

	d.handleMu.Lock()
	defer d.handleMu.Unlock()

	for external, existing := range d.exports {
		if existing == bo {
			return external
		}
	}
	d.nextExport++
	d.exports[d.nextExport] = bo
	return d.nextExport
}

// ImportBuffer resolves an external handle previously returned by
// ExportBuffer, taking a new reference on the buffer.
func (d *Device) ImportBuffer(external uint64) (*BufferObject, error) {
	d.logger.Debug("Device::ImportBuffer", slog.Uint64("external", external))

	d.handleMu.Lock()
	bo, ok := d.exports[external]
	// The export entry outlives the last reference until teardown removes
	// it, so the lookup alone does not prove the buffer is still live.
	if ok && !bo.tryRef() {
		ok = false
	}
	d.handleMu.Unlock()

	if !ok {
		return nil, errors.Wrapf(cl.ErrInvalidHandle, "external handle %d is not exported", external)
	}

	bo.markShared()
	return bo, nil
}

// releaseBO runs when a buffer's reference count hits zero. Insertion into
// the cache waits for the buffer's last-use seqno to retire; the deferred
// list is drained by the reclamation worker as completions arrive.
func (d *Device) releaseBO(bo *BufferObject) {
	if bo.lastSeqno.Load() > d.FinishedSeqno() {
		d.deferredMu.Lock()
		d.deferredRelease = append(d.deferredRelease, bo)
		d.deferredMu.Unlock()
		d.kick(workReclaim)
		return
	}
	d.destroyOrCache(bo)
}

func (d *Device) destroyOrCache(bo *BufferObject) {
	if bo.SharedExternally() {
		bo.destroy()
		return
	}

	// Cached contents are scribble: a reused buffer gets fresh data, so any
	// shader analysis no longer describes it.
	bo.shaderInfo.Store(nil)
	bo.size = len(bo.data)
	d.cache.insert(bo, time.Now())
}

func (bo *BufferObject) destroy() {
	d := bo.dev
	if bo.SharedExternally() {
		d.handleMu.Lock()
		for external, existing := range d.exports {
			if existing == bo {
				delete(d.exports, external)
			}
		}
		d.handleMu.Unlock()
	}
	bo.refCount.Store(-1 << 20)
	bo.data = nil
}

func (d *Device) flushDeferredReleases() {
	finished := d.FinishedSeqno()

	d.deferredMu.Lock()
	var ready []*BufferObject
	remaining := d.deferredRelease[:0]
	for _, bo := range d.deferredRelease {
		if bo.lastSeqno.Load() <= finished {
			ready = append(ready, bo)
		} else {
			remaining = append(remaining, bo)
		}
	}
	d.deferredRelease = remaining
	d.deferredMu.Unlock()

	for _, bo := range ready {
		d.destroyOrCache(bo)
	}
}
