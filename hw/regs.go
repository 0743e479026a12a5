package hw

// V3D register map for the VideoCore IV 3D engine. Offsets are relative to
// the start of the V3D register window.
const (
	Ident0 uint32 = 0x00000
	Ident1 uint32 = 0x00004
	Ident2 uint32 = 0x00008

	SLCActl uint32 = 0x00024

	IntCtl uint32 = 0x00030
	IntEna uint32 = 0x00034
	IntDis uint32 = 0x00038

	// Control list thread 0 (binner) and 1 (renderer).
	CT0CS uint32 = 0x00100
	CT1CS uint32 = 0x00104
	CT0EA uint32 = 0x00108
	CT1EA uint32 = 0x0010c
	CT0CA uint32 = 0x00110
	CT1CA uint32 = 0x00114
	CT0PC uint32 = 0x00128
	CT1PC uint32 = 0x0012c

	// Flush counts for the bin and render pipelines.
	BFC uint32 = 0x00134
	RFC uint32 = 0x00138

	// Binner overflow memory address and size.
	BPOA uint32 = 0x00308
	BPOS uint32 = 0x0030c
)

// CTnCS bits.
const (
	CTReset uint32 = 1 << 15
	CTRun   uint32 = 1 << 5
)

// Interrupt status/enable bits.
const (
	IntFrameDone   uint32 = 1 << 0
	IntBinDone     uint32 = 1 << 1
	IntOutOfMemory uint32 = 1 << 2
	IntSpillUse    uint32 = 1 << 3
)

// RegisterIO is the narrow register-access surface the submission core is
// allowed to touch. Exactly one implementation exists per target; everything
// above the Controller stays register-free.
type RegisterIO interface {
	Read(offset uint32) uint32
	Write(offset uint32, value uint32)
}

// PowerManager turns the 3D engine's power domain on and off. On real
// hardware this is firmware-mediated rather than a V3D register, so it is a
// separate collaborator from RegisterIO.
type PowerManager interface {
	SetPower(on bool)
}

// Controller drives the V3D pipeline through a RegisterIO. Submission is fire
// and forget: writing a thread's end-address register starts execution, and
// completion is reported asynchronously through the interrupt path.
type Controller struct {
	regs  RegisterIO
	power PowerManager
}

func NewController(regs RegisterIO, power PowerManager) *Controller {
	if regs == nil {
		panic("attempting to create a controller with no register access")
	}

	return &Controller{
		regs:  regs,
		power: power,
	}
}

func (c *Controller) Identify() uint32 {
	return c.regs.Read(Ident0)
}

// SubmitBin programs the binner thread's control-list bounds. The write to
// CT0EA kicks the thread.
func (c *Controller) SubmitBin(start, end uint32) {
	c.regs.Write(CT0CA, start)
	c.regs.Write(CT0EA, end)
}

// SubmitRender programs the render thread's control-list bounds.
func (c *Controller) SubmitRender(start, end uint32) {
	c.regs.Write(CT1CA, start)
	c.regs.Write(CT1EA, end)
}

// CurrentAddrs samples the two threads' current control-list addresses. The
// hang check compares successive samples to detect a stalled pipeline.
func (c *Controller) CurrentAddrs() (bin, render uint32) {
	return c.regs.Read(CT0CA), c.regs.Read(CT1CA)
}

// SetOverflowMemory points the binner at a fresh overflow block.
func (c *Controller) SetOverflowMemory(addr uint32, size int) {
	c.regs.Write(BPOA, addr)
	c.regs.Write(BPOS, uint32(size))
}

func (c *Controller) SetPower(on bool) {
	if c.power != nil {
		c.power.SetPower(on)
	}
}

// ResetPipeline resets both control-list threads. Callers are responsible for
// power-cycling first; a wedged pipeline may not honor the reset otherwise.
func (c *Controller) ResetPipeline() {
	c.regs.Write(CT0CS, CTReset)
	c.regs.Write(CT1CS, CTReset)
}
