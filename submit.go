package v3d

import (
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/gpukit/v3d/cl"
)

// SubmitArgs is one client submission: an untrusted bin control list, the
// shader records it references, and the handle list every in-stream buffer
// reference indexes into.
type SubmitArgs struct {
	BinCL      []byte
	ShaderRecs []byte

	// ShaderRecCount is how many shader records the client declares;
	// validation rejects streams referencing more.
	ShaderRecCount int

	// BOHandles is the job's handle list. Slot i in the command stream
	// resolves to BOHandles[i].
	BOHandles []uint32

	// Render target geometry in pixels.
	Width  uint16
	Height uint16

	// ColorWriteSlot is the handle slot of the color render target.
	ColorWriteSlot uint32

	Flags      SubmitFlags
	ClearColor uint32
	ClearZS    uint32
}

// submitEnv adapts one job's state to the validator. Mode decisions are
// job-local; nothing here mutates shared state, so independent submissions
// validate concurrently.
type submitEnv struct {
	dev  *Device
	exec *execInfo
}

func (e *submitEnv) ResolveBO(slot uint32, mode cl.BOMode) (cl.Buffer, error) {
	if mode == cl.ModeUndecided {
		panic("resolving a buffer without declaring a usage mode")
	}
	if int(slot) >= len(e.exec.bo) {
		return nil, errors.Wrapf(cl.ErrInvalidHandle,
			"slot %d is outside the %d-entry handle list", slot, len(e.exec.bo))
	}

	state := &e.exec.bo[slot]
	if mode == cl.ModeShader && state.bo.SharedExternally() {
		return nil, errors.Wrapf(cl.ErrModeConflict,
			"buffer %d has crossed a process boundary and cannot be used as shader code", state.bo.id)
	}

	switch state.mode {
	case cl.ModeUndecided:
		state.mode = mode
	case mode:
	default:
		return nil, errors.Wrapf(cl.ErrModeConflict,
			"buffer %d was already used as %s in this job and cannot be used as %s",
			state.bo.id, state.mode, mode)
	}

	return state.bo, nil
}

func (e *submitEnv) AllocAux(size int) (cl.Buffer, error) {
	bo, err := e.dev.allocBO(size)
	if err != nil {
		return nil, err
	}
	e.exec.unrefList = append(e.exec.unrefList, bo)
	return bo, nil
}

func (e *submitEnv) ShaderInfo(b cl.Buffer) (*cl.ValidatedShaderInfo, error) {
	bo, ok := b.(*BufferObject)
	if !ok {
		panic("shader analysis requested for a buffer the device does not own")
	}

	if info := bo.shaderInfo.Load(); info != nil {
		return info, nil
	}

	e.dev.analysisMu.Lock()
	defer e.dev.analysisMu.Unlock()

	if info := bo.shaderInfo.Load(); info != nil {
		return info, nil
	}
	info, err := cl.ValidateShader(bo)
	if err != nil {
		return nil, err
	}
	bo.shaderInfo.Store(info)
	return info, nil
}

// SubmitCL validates a client command list and queues it for execution,
// returning the job's sequence number. Any validation error aborts the whole
// submission before it is enqueued; nothing is partially submitted.
func (d *Device) SubmitCL(args SubmitArgs) (uint64, error) {
	d.logger.Debug("Device::SubmitCL",
		slog.Int("binCL", len(args.BinCL)),
		slog.Int("handles", len(args.BOHandles)))

	if d.closed.Load() {
		return 0, errors.New("attempting to submit to a closed device")
	}
	if len(args.BinCL) == 0 {
		return 0, errors.Wrap(cl.ErrMalformedStream, "empty bin control list")
	}

	exec := &execInfo{
		bo: make([]boExecState, len(args.BOHandles)),
	}

	// Resolve and pin the handle list for the duration of the job.
	d.handleMu.Lock()
	for i, handle := range args.BOHandles {
		bo, ok := d.handles.Get(handle)
		if !ok {
			d.handleMu.Unlock()
			d.releaseJobRefs(exec, i)
			return 0, errors.Wrapf(cl.ErrInvalidHandle, "handle %d at slot %d is unknown", handle, i)
		}
		bo.ref()
		exec.bo[i] = boExecState{bo: bo, mode: cl.ModeUndecided}
	}
	d.handleMu.Unlock()

	enqueued := false
	defer func() {
		if !enqueued {
			d.releaseJobRefs(exec, len(exec.bo))
		}
	}()

	env := &submitEnv{dev: d, exec: exec}

	// The exec buffer holds the sanitized bin list followed by the validated
	// shader records; neither validated stream is longer than its input.
	execBO, err := env.AllocAux(len(args.BinCL) + len(args.ShaderRecs))
	if err != nil {
		return 0, err
	}

	binRegion := execBO.Bytes()[:len(args.BinCL)]
	recRegion := execBO.Bytes()[len(args.BinCL) : len(args.BinCL)+len(args.ShaderRecs)]

	st := cl.NewState(args.Width, args.Height, args.ShaderRecCount,
		execBO.BusAddr()+uint32(len(args.BinCL)))

	binLen, err := cl.ValidateBinCL(env, st, binRegion, args.BinCL)
	if err != nil {
		return 0, err
	}

	if _, err := cl.ValidateShaderRecs(env, st, recRegion, args.ShaderRecs); err != nil {
		return 0, err
	}

	rcl, rclLen, err := cl.GenerateRenderCL(env, st, cl.RenderConfig{
		ColorWriteSlot: args.ColorWriteSlot,
		Clear:          args.Flags&SubmitClearColors != 0,
		ClearColor:     args.ClearColor,
		ClearZS:        args.ClearZS,
	})
	if err != nil {
		return 0, err
	}

	exec.ct0ca = execBO.BusAddr()
	exec.ct0ea = execBO.BusAddr() + uint32(binLen)
	exec.ct1ca = rcl.BusAddr()
	exec.ct1ea = rcl.BusAddr() + uint32(rclLen)

	enqueued = true
	return d.enqueueJob(exec), nil
}

// releaseJobRefs drops the references a failed submission took: the first n
// handle-list pins plus every auxiliary buffer allocated during validation.
func (d *Device) releaseJobRefs(exec *execInfo, n int) {
	for i := 0; i < n; i++ {
		exec.bo[i].bo.unref()
	}
	for _, aux := range exec.unrefList {
		aux.unref()
	}
}
