package v3d

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// WaitForSeqno blocks until the given sequence number retires. The wait is
// interruptible through ctx and bounded by timeout; ErrTimeout is recoverable
// and the job may still complete later. If the awaited job itself was
// force-completed after a hang, its error is returned.
func (d *Device) WaitForSeqno(ctx context.Context, seqno uint64, timeout time.Duration) error {
	d.logger.Debug("Device::WaitForSeqno")

	if err := d.waitForSeqno(ctx, seqno, timeout); err != nil {
		return err
	}
	return d.jobStatus(seqno)
}

// WaitForBufferIdle blocks until the last job using the buffer retires. A
// hang on that job still idles the buffer, so no job error is surfaced here.
func (d *Device) WaitForBufferIdle(ctx context.Context, bo *BufferObject, timeout time.Duration) error {
	d.logger.Debug("Device::WaitForBufferIdle")

	seqno := bo.lastSeqno.Load()
	if seqno == 0 {
		return nil
	}
	return d.waitForSeqno(ctx, seqno, timeout)
}

func (d *Device) waitForSeqno(ctx context.Context, seqno uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		d.jobMu.Lock()
		if seqno > d.emitSeqno {
			d.jobMu.Unlock()
			return errors.Newf("seqno %d has not been emitted (last emitted is %d)", seqno, d.emitSeqno)
		}
		wake := d.seqnoWake
		d.jobMu.Unlock()

		if d.FinishedSeqno() >= seqno {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.Wrapf(ErrTimeout, "seqno %d did not retire within %s", seqno, timeout)
		}

		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return errors.Wrapf(ErrTimeout, "seqno %d did not retire within %s", seqno, timeout)
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrapf(ctx.Err(), "interrupted waiting for seqno %d", seqno)
		}
	}
}
