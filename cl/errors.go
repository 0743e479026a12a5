package cl

import "github.com/pkg/errors"

// Validation failure classes. Any one of them aborts the whole submission
// before it is ever handed to hardware; callers detect the class with
// errors.Is.
var (
	// ErrInvalidHandle is returned when a command stream references a
	// buffer-handle slot outside the submitted handle list.
	ErrInvalidHandle error = errors.New("buffer handle slot is not in the submitted handle list")

	// ErrModeConflict is returned when a buffer is referenced under a usage
	// mode incompatible with an earlier reference in the same job, or when a
	// buffer shared across a process boundary is used as shader code.
	ErrModeConflict error = errors.New("buffer usage mode conflicts with an earlier use")

	// ErrOutOfBounds is returned when a packet overruns the stream or a
	// relocated access overruns its buffer.
	ErrOutOfBounds error = errors.New("access is out of bounds")

	// ErrUniformOverflow is returned when a shader record's uniform buffer is
	// smaller than the uniform stream its shader consumes.
	ErrUniformOverflow error = errors.New("uniform buffer is too small for the shader's uniform stream")

	// ErrTextureOutOfBounds is returned when a texture sample addresses
	// texels outside the referenced texture buffer.
	ErrTextureOutOfBounds error = errors.New("texture sample addresses texels outside the buffer")

	// ErrMalformedStream is returned when a control list violates structural
	// rules: unknown opcodes, missing or duplicated mandatory packets, or
	// shader bytecode the validator cannot accept.
	ErrMalformedStream error = errors.New("malformed command stream")
)
