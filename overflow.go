package v3d

import "log/slog"

// HandleBinnerOverflow is the interrupt-context intake for the binner's
// out-of-memory signal. It only schedules the replenish work; allocation
// happens on the worker.
func (d *Device) HandleBinnerOverflow() {
	d.kick(workOverflow)
}

// replenishOverflow allocates a fresh overflow block and hands it to the
// binner. The block it replaces stays wired into hardware state until the
// current job retires, so it is parked on that job's release list rather
// than freed here.
func (d *Device) replenishOverflow() {
	bo, err := d.allocBO(d.overflowSize)
	if err != nil {
		d.logger.Warn("failed to allocate binner overflow memory", slog.Any("error", err))
		return
	}

	d.jobMu.Lock()
	defer d.jobMu.Unlock()

	old := d.overflowMem
	d.overflowMem = bo
	d.ctrl.SetOverflowMemory(bo.BusAddr(), bo.Size())

	if old == nil {
		return
	}

	if len(d.jobList) > 0 {
		cur := d.jobList[0]
		old.setLastSeqno(cur.seqno)
		cur.unrefList = append(cur.unrefList, old)
		return
	}

	old.unref()
}
