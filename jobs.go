package v3d

import (
	"github.com/cockroachdb/errors"

	"github.com/gpukit/v3d/cl"
)

// boExecState pairs a resolved buffer with the usage mode this job decided
// for it. The mode is immutable once decided.
type boExecState struct {
	bo   *BufferObject
	mode cl.BOMode
}

// execInfo is one submitted job: the resolved handle table, the kernel-owned
// buffers holding the validated streams, and the control-list bounds handed
// to hardware. Jobs move strictly head-first through the active list.
type execInfo struct {
	seqno uint64

	bo []boExecState

	// Kernel-owned buffers to release once the job retires: the exec buffer,
	// tile allocation, staged uniforms, render list and any overflow blocks
	// adopted mid-flight.
	unrefList []*BufferObject

	// Bin and render thread bounds within the kernel buffers.
	ct0ca, ct0ea uint32
	ct1ca, ct1ea uint32
}

// EmitSeqno reports the last sequence number assigned to a submission.
func (d *Device) EmitSeqno() uint64 {
	d.jobMu.Lock()
	defer d.jobMu.Unlock()

	return d.emitSeqno
}

// FinishedSeqno reports the last sequence number the hardware retired.
func (d *Device) FinishedSeqno() uint64 {
	return d.finishedSeqno.Load()
}

// QueuedJobs reports how many jobs are queued or executing.
func (d *Device) QueuedJobs() int {
	d.jobMu.Lock()
	defer d.jobMu.Unlock()

	return len(d.jobList)
}

// enqueueJob assigns the job the next sequence number, stamps every buffer it
// references, and dispatches it immediately if the hardware is idle.
func (d *Device) enqueueJob(exec *execInfo) uint64 {
	d.jobMu.Lock()
	defer d.jobMu.Unlock()

	d.emitSeqno++
	exec.seqno = d.emitSeqno

	for i := range exec.bo {
		exec.bo[i].bo.setLastSeqno(exec.seqno)
	}
	for _, aux := range exec.unrefList {
		aux.setLastSeqno(exec.seqno)
	}

	d.jobList = append(d.jobList, exec)
	if len(d.jobList) == 1 {
		d.dispatchLocked(exec)
	}
	return exec.seqno
}

// dispatchLocked programs the head job into the control-list registers.
// Caller holds jobMu.
func (d *Device) dispatchLocked(exec *execInfo) {
	d.hang.sawSample = false
	d.ctrl.SubmitBin(exec.ct0ca, exec.ct0ea)
	d.ctrl.SubmitRender(exec.ct1ca, exec.ct1ea)
}

// HandleCompletion is the interrupt-context completion intake: the hardware
// reports the two retired control-list end addresses. It only advances the
// finished seqno, wakes waiters, dispatches the next job and schedules
// deferred reclamation; it never allocates or frees.
func (d *Device) HandleCompletion(binEnd, renderEnd uint32) {
	d.jobMu.Lock()
	defer d.jobMu.Unlock()

	if len(d.jobList) == 0 {
		return
	}
	head := d.jobList[0]
	if head.ct1ea != renderEnd {
		// Spurious or stale signal; the head job is still in flight.
		return
	}

	d.finishJobLocked(head, nil)
}

// finishJobLocked retires the head job: advances finished_seqno (signals may
// coalesce, so the store covers every seqno up to the job's), moves the job
// to the done list for background reclamation, wakes waiters, and dispatches
// the next job. Caller holds jobMu.
func (d *Device) finishJobLocked(job *execInfo, jobErr error) {
	if len(d.jobList) == 0 || d.jobList[0] != job {
		panic("attempting to finish a job that is not at the head of the active list")
	}
	if job.seqno <= d.finishedSeqno.Load() {
		panic("finished seqno would move backwards")
	}

	if jobErr != nil {
		d.jobErrs[job.seqno] = jobErr
	}

	d.finishedSeqno.Store(job.seqno)

	d.jobList = d.jobList[1:]
	d.jobDoneList = append(d.jobDoneList, job)

	close(d.seqnoWake)
	d.seqnoWake = make(chan struct{})

	if len(d.jobList) > 0 {
		d.dispatchLocked(d.jobList[0])
	}

	d.kick(workReclaim)
}

// reclaimCompleted is the background half of completion: it frees the done
// jobs' buffers (returning retired ones to the cache), flushes deferred
// releases, and fires satisfied seqno callbacks. Never called from the
// completion-signal path.
func (d *Device) reclaimCompleted() {
	for {
		d.jobMu.Lock()
		var job *execInfo
		if len(d.jobDoneList) > 0 {
			job = d.jobDoneList[0]
			d.jobDoneList = d.jobDoneList[1:]
		}
		d.jobMu.Unlock()

		if job == nil {
			break
		}

		for _, aux := range job.unrefList {
			aux.unref()
		}
		for i := range job.bo {
			job.bo[i].bo.unref()
		}
	}

	d.flushDeferredReleases()
	d.fireSeqnoCallbacks()
}

// RegisterSeqnoCallback arranges for fn to run once the given seqno retires.
// Callbacks run on the reclamation worker, each no earlier than its threshold
// and at most once; a threshold already retired fires on the next worker
// tick, which this call schedules.
func (d *Device) RegisterSeqnoCallback(seqno uint64, fn SeqnoCallbackFunc) {
	d.logger.Debug("Device::RegisterSeqnoCallback")

	if fn == nil {
		panic("attempting to register a nil seqno callback")
	}

	d.jobMu.Lock()
	d.seqnoCBs = append(d.seqnoCBs, seqnoCallback{seqno: seqno, fn: fn})
	d.jobMu.Unlock()

	d.kick(workReclaim)
}

func (d *Device) fireSeqnoCallbacks() {
	finished := d.FinishedSeqno()

	d.jobMu.Lock()
	var fired []seqnoCallback
	remaining := d.seqnoCBs[:0]
	for _, cb := range d.seqnoCBs {
		if cb.seqno <= finished {
			fired = append(fired, cb)
		} else {
			remaining = append(remaining, cb)
		}
	}
	d.seqnoCBs = remaining

	var errs []error
	for _, cb := range fired {
		errs = append(errs, d.jobErrs[cb.seqno])
	}

	// The error map only holds force-completed jobs; drop entries nothing
	// can ask about anymore once they are far behind the finished seqno.
	for seqno := range d.jobErrs {
		if seqno+1024 < finished {
			delete(d.jobErrs, seqno)
		}
	}
	d.jobMu.Unlock()

	for i, cb := range fired {
		cb.fn(errs[i])
	}
}

// jobStatus reports the recorded error for a retired seqno, nil for a normal
// completion.
func (d *Device) jobStatus(seqno uint64) error {
	d.jobMu.Lock()
	defer d.jobMu.Unlock()

	if err, ok := d.jobErrs[seqno]; ok {
		return errors.Wrapf(err, "job %d", seqno)
	}
	return nil
}
