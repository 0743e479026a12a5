package v3d

import (
	"log/slog"

	"github.com/cockroachdb/errors"
)

// hangState holds the last sampled control-list addresses. Guarded by jobMu.
// sawSample is cleared on every dispatch so one stalled job can never borrow
// a progress sample from its predecessor.
type hangState struct {
	lastBin    uint32
	lastRender uint32
	sawSample  bool
}

// hangcheckTick samples the executing job's control-list addresses. A job
// whose addresses are unchanged since the previous sample is declared hung:
// it is force-completed with ErrHardwareHang and the pipeline is power-cycled
// and reset before the next job is dispatched.
func (d *Device) hangcheckTick() {
	d.jobMu.Lock()
	defer d.jobMu.Unlock()

	if len(d.jobList) == 0 {
		d.hang.sawSample = false
		return
	}

	bin, render := d.ctrl.CurrentAddrs()
	if !d.hang.sawSample || bin != d.hang.lastBin || render != d.hang.lastRender {
		d.hang.lastBin = bin
		d.hang.lastRender = render
		d.hang.sawSample = true
		return
	}

	job := d.jobList[0]
	d.logger.Warn("gpu hang detected, resetting pipeline",
		slog.Uint64("seqno", job.seqno),
		slog.Uint64("binAddr", uint64(bin)),
		slog.Uint64("renderAddr", uint64(render)))

	d.ctrl.SetPower(false)
	d.ctrl.SetPower(true)
	d.ctrl.ResetPipeline()
	d.hang.sawSample = false

	// finishJobLocked dispatches the next queued job, so the reset above
	// always lands before any new control list is programmed.
	d.finishJobLocked(job, errors.Wrapf(ErrHardwareHang,
		"no progress at bin %#x render %#x across two hang checks", bin, render))
}
