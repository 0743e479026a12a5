package v3d

import "github.com/pkg/errors"

var (
	// ErrAllocationFailure is returned when a buffer allocation cannot be
	// satisfied.
	ErrAllocationFailure error = errors.New("buffer allocation failed")

	// ErrTimeout is returned from a wait call whose deadline passed before
	// the awaited sequence number retired. The job may still complete later.
	ErrTimeout error = errors.New("wait timed out")

	// ErrHardwareHang reports that a job was force-completed after the
	// pipeline made no progress across two consecutive hang checks. It is
	// surfaced only for the hung job's own sequence number.
	ErrHardwareHang error = errors.New("gpu hang")
)
