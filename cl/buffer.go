package cl

// BOMode is the usage mode a job declares for a buffer the first time a
// packet references it. The mode is decided at most once per job: a buffer
// used as shader code cannot later be used as a generic render target within
// the same submission, and vice versa.
type BOMode byte

const (
	ModeUndecided BOMode = iota
	ModeRender
	ModeShader
)

var boModeMapping = make(map[BOMode]string)

func (m BOMode) String() string {
	return boModeMapping[m]
}

func init() {
	boModeMapping[ModeUndecided] = "ModeUndecided"
	boModeMapping[ModeRender] = "ModeRender"
	boModeMapping[ModeShader] = "ModeShader"
}

// Buffer is the view of a buffer object the validator needs: identity in the
// GPU address space, bounds, and backing bytes to copy validated data into.
type Buffer interface {
	BusAddr() uint32
	Size() int
	Bytes() []byte
	SharedExternally() bool
}

// Env is what validation consumes from the device side. Implementations must
// be safe for concurrent use across independent jobs; validation itself
// writes only into the job's own buffers.
type Env interface {
	// ResolveBO resolves a handle slot from the job's handle list and
	// enforces the single-usage-mode rule for this job.
	ResolveBO(slot uint32, mode BOMode) (Buffer, error)

	// AllocAux allocates a kernel-owned scratch buffer that lives until the
	// job retires.
	AllocAux(size int) (Buffer, error)

	// ShaderInfo returns the cached analysis for a shader buffer, running
	// the analysis on first use.
	ShaderInfo(b Buffer) (*ValidatedShaderInfo, error)
}
