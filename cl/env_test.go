package cl

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/gpukit/v3d/hw"
)

// stubBuffer is a plain in-memory Buffer for validation tests.
type stubBuffer struct {
	addr   uint32
	data   []byte
	shared bool
}

func (b *stubBuffer) BusAddr() uint32        { return b.addr }
func (b *stubBuffer) Size() int              { return len(b.data) }
func (b *stubBuffer) Bytes() []byte          { return b.data }
func (b *stubBuffer) SharedExternally() bool { return b.shared }

// stubEnv resolves handle slots against a fixed buffer table, enforcing the
// same one-mode-per-job rule the device enforces.
type stubEnv struct {
	buffers []*stubBuffer
	modes   []BOMode
	aux     []*stubBuffer

	nextAddr uint32
}

func newStubEnv(buffers ...*stubBuffer) *stubEnv {
	return &stubEnv{
		buffers:  buffers,
		modes:    make([]BOMode, len(buffers)),
		nextAddr: 0x10000000,
	}
}

func (e *stubEnv) ResolveBO(slot uint32, mode BOMode) (Buffer, error) {
	if int(slot) >= len(e.buffers) {
		return nil, errors.Wrapf(ErrInvalidHandle, "slot %d is outside the %d-entry handle list", slot, len(e.buffers))
	}
	b := e.buffers[slot]

	if mode == ModeShader && b.shared {
		return nil, errors.Wrap(ErrModeConflict, "shared buffer used as shader code")
	}

	switch e.modes[slot] {
	case ModeUndecided:
		e.modes[slot] = mode
	case mode:
	default:
		return nil, errors.Wrapf(ErrModeConflict,
			"slot %d was already used as %s", slot, e.modes[slot])
	}
	return b, nil
}

func (e *stubEnv) AllocAux(size int) (Buffer, error) {
	b := &stubBuffer{addr: e.nextAddr, data: make([]byte, size)}
	e.nextAddr += uint32(alignUp(size, 4096))
	e.aux = append(e.aux, b)
	return b, nil
}

func (e *stubEnv) ShaderInfo(b Buffer) (*ValidatedShaderInfo, error) {
	return ValidateShader(b)
}

// Packet builders for hand-assembled bin control lists.

func pktTileBinningModeConfig(tilesX, tilesY uint8) []byte {
	p := make([]byte, hw.LenTileBinningModeConfig)
	p[0] = hw.PacketTileBinningModeConfig
	p[13] = tilesX
	p[14] = tilesY
	return p
}

func pktGEMHandles(slot0, slot1 uint32) []byte {
	p := make([]byte, hw.LenGEMHandles)
	p[0] = hw.PacketGEMHandles
	binary.LittleEndian.PutUint32(p[1:], slot0)
	binary.LittleEndian.PutUint32(p[5:], slot1)
	return p
}

func pktGLShaderState(attrCount uint32) []byte {
	p := make([]byte, hw.LenGLShaderState)
	p[0] = hw.PacketGLShaderState
	binary.LittleEndian.PutUint32(p[1:], attrCount)
	return p
}

func pktIndexedPrimList(indexType uint8, count, offset, maxIndex uint32) []byte {
	p := make([]byte, hw.LenIndexedPrimList)
	p[0] = hw.PacketIndexedPrimList
	p[1] = indexType << 4
	binary.LittleEndian.PutUint32(p[2:], count)
	binary.LittleEndian.PutUint32(p[6:], offset)
	binary.LittleEndian.PutUint32(p[10:], maxIndex)
	return p
}

func pktVertexArrayPrimList(count, first uint32) []byte {
	p := make([]byte, hw.LenVertexArrayPrimList)
	p[0] = hw.PacketVertexArrayPrimList
	binary.LittleEndian.PutUint32(p[2:], count)
	binary.LittleEndian.PutUint32(p[6:], first)
	return p
}

// stream concatenates packets into one control list.
func stream(packets ...[]byte) []byte {
	var out []byte
	for _, p := range packets {
		out = append(out, p...)
	}
	return out
}

// minimalBinCL is the shortest stream that passes structural validation for a
// single-tile render.
func minimalBinCL() []byte {
	return stream(
		pktTileBinningModeConfig(1, 1),
		[]byte{hw.PacketStartTileBinning},
		[]byte{hw.PacketIncrementSemaphore},
		[]byte{hw.PacketFlush},
	)
}

// Shader instruction encoding helpers.

func instWord(sig uint64) uint64 {
	return sig << hw.SigShift
}

func tmuSetupWord(params int, direct bool) uint64 {
	w := instWord(hw.SigTMUSetup) | uint64(params)<<hw.TMUParamCountShift
	if direct {
		w |= hw.TMUDirectBit
	}
	return w
}

func shaderCode(words ...uint64) []byte {
	out := make([]byte, len(words)*hw.InstructionSize)
	for i, w := range words {
		binary.LittleEndian.PutUint64(out[i*hw.InstructionSize:], w)
	}
	return out
}
