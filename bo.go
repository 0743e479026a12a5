package v3d

import (
	"sync/atomic"

	"github.com/vkngwrapper/core/v2/common"

	"github.com/gpukit/v3d/cl"
)

type boFlags uint32

const (
	// boSharedExternally marks a buffer that crossed a process or device
	// boundary via import/export. Shared buffers are never usable as shader
	// code and bypass the cache when freed.
	boSharedExternally boFlags = 1 << iota
)

var boFlagsMapping = common.NewFlagStringMapping[boFlags]()

func (f boFlags) String() string {
	return boFlagsMapping.FlagsToString(f)
}

func init() {
	boFlagsMapping.Register(boSharedExternally, "boSharedExternally")
}

// BufferObject is a reference-counted, page-backed GPU allocation. References
// are held by the application (one, dropped with Release) and by every job
// whose command stream uses the buffer; the last reference to drop hands the
// buffer to the cache, deferred until its last-use seqno has retired.
type BufferObject struct {
	dev *Device

	id      uint64
	size    int
	busAddr uint32
	data    []byte

	refCount atomic.Int32

	// Seqno of the last job to use this buffer. Monotonically non-decreasing
	// for the life of the object.
	lastSeqno atomic.Uint64

	flags atomic.Uint32

	shaderInfo atomic.Pointer[cl.ValidatedShaderInfo]

	// Guarded by dev.handleMu; 0 means no live handle.
	handle uint32
}

func (bo *BufferObject) ID() uint64 { return bo.id }

// Handle returns the buffer's handle in the device's handle namespace, or 0
// after Release.
func (bo *BufferObject) Handle() uint32 {
	bo.dev.handleMu.Lock()
	defer bo.dev.handleMu.Unlock()

	return bo.handle
}

func (bo *BufferObject) Size() int       { return bo.size }
func (bo *BufferObject) BusAddr() uint32 { return bo.busAddr }
func (bo *BufferObject) Bytes() []byte   { return bo.data }

func (bo *BufferObject) SharedExternally() bool {
	return boFlags(bo.flags.Load())&boSharedExternally != 0
}

func (bo *BufferObject) markShared() {
	for {
		old := bo.flags.Load()
		if bo.flags.CompareAndSwap(old, old|uint32(boSharedExternally)) {
			return
		}
	}
}

// LastUseSeqno reports the seqno of the last job submitted against this
// buffer; 0 if it was never used by a job.
func (bo *BufferObject) LastUseSeqno() uint64 {
	return bo.lastSeqno.Load()
}

// ShaderInfo returns the cached shader analysis, or nil if the buffer has not
// been validated as a shader.
func (bo *BufferObject) ShaderInfo() *cl.ValidatedShaderInfo {
	return bo.shaderInfo.Load()
}

func (bo *BufferObject) setLastSeqno(seqno uint64) {
	if old := bo.lastSeqno.Load(); seqno < old {
		panic("attempting to move a buffer's last-use seqno backwards")
	}
	bo.lastSeqno.Store(seqno)
}

// Release drops the application's reference and retires the buffer's handle.
// The buffer stays alive while jobs still reference it and enters the cache
// only once its last-use seqno has retired.
func (bo *BufferObject) Release() {
	bo.dev.logger.Debug("BufferObject::Release")

	bo.dev.handleMu.Lock()
	if bo.handle != 0 {
		bo.dev.handles.Delete(bo.handle)
		bo.handle = 0
	}
	bo.dev.handleMu.Unlock()

	bo.unref()
}

func (bo *BufferObject) ref() {
	if bo.refCount.Add(1) <= 0 {
		panic("attempting to reference a destroyed buffer object")
	}
}

// tryRef takes a reference only while the buffer is still live. Once the
// count reaches zero the buffer is on its way to the cache or teardown and
// must not be revived by a concurrent import.
func (bo *BufferObject) tryRef() bool {
	for {
		refs := bo.refCount.Load()
		if refs <= 0 {
			return false
		}
		if bo.refCount.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

func (bo *BufferObject) unref() {
	refs := bo.refCount.Add(-1)
	if refs < 0 {
		panic("buffer object reference count went negative")
	}
	if refs == 0 {
		bo.dev.releaseBO(bo)
	}
}
