package cl

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/gpukit/v3d/hw"
)

var le = binary.LittleEndian

// shaderStateRef is the per-shader-record state the bin walk collects: how
// long the record will be, where its validated copy will land, and the
// largest vertex index any primitive list drew with it.
type shaderStateRef struct {
	attrCount    int
	recDstOffset int
	maxIndex     uint32
	sawDraw      bool
}

// State carries one job's validation state across the bin walk, the shader
// record pass and render-list generation. A State belongs to exactly one job
// and is never shared.
type State struct {
	Width  uint16
	Height uint16

	TilesX uint8
	TilesY uint8

	// TileAlloc is the kernel-allocated buffer holding the binner's per-tile
	// allocations followed by the tile state records.
	TileAlloc     Buffer
	tileAllocSize int

	declaredShaderRecs int
	shaderStates       []shaderStateRef

	// Handle slots loaded by the most recent GEM-handles pseudo-packet.
	boIndex [2]uint32

	// Bus address where validated shader records will be written.
	recRegionAddr uint32
	recCursor     int

	foundTileBinningModeConfig bool
	foundStartTileBinning      bool
	foundIncrementSemaphore    bool
}

func NewState(width, height uint16, declaredShaderRecs int, recRegionAddr uint32) *State {
	return &State{
		Width:              width,
		Height:             height,
		declaredShaderRecs: declaredShaderRecs,
		recRegionAddr:      recRegionAddr,
	}
}

type binWalker struct {
	env Env
	st  *State
	src []byte
	dst []byte

	srcOff int
	dstOff int
}

type binPacketInfo struct {
	name   string
	length int

	// handler mutates the copied packet in place. A nil handler means the
	// packet is copied through unchanged.
	handler func(w *binWalker, pkt []byte) error

	// cpuOnly packets are consumed by the validator and never forwarded to
	// hardware.
	cpuOnly bool
}

var binPackets = map[uint8]binPacketInfo{
	hw.PacketHalt:               {name: "halt", length: hw.LenHalt},
	hw.PacketNop:                {name: "nop", length: hw.LenNop},
	hw.PacketFlush:              {name: "flush", length: hw.LenFlush},
	hw.PacketFlushAll:           {name: "flush all", length: hw.LenFlushAll},
	hw.PacketStartTileBinning:   {name: "start tile binning", length: hw.LenStartTileBinning, handler: validateStartTileBinning},
	hw.PacketIncrementSemaphore: {name: "increment semaphore", length: hw.LenIncrementSemaphore, handler: validateIncrementSemaphore},
	hw.PacketWaitOnSemaphore:    {name: "wait on semaphore", length: hw.LenWaitOnSemaphore},

	hw.PacketIndexedPrimList:     {name: "indexed primitive list", length: hw.LenIndexedPrimList, handler: validateIndexedPrimList},
	hw.PacketVertexArrayPrimList: {name: "vertex array primitive list", length: hw.LenVertexArrayPrimList, handler: validateVertexArrayPrimList},

	hw.PacketPrimitiveListFormat: {name: "primitive list format", length: hw.LenPrimitiveListFormat},

	hw.PacketGLShaderState: {name: "GL shader state", length: hw.LenGLShaderState, handler: validateGLShaderState},
	hw.PacketNVShaderState: {name: "NV shader state", length: hw.LenNVShaderState, handler: validateNVShaderState},

	hw.PacketConfigurationBits: {name: "configuration bits", length: hw.LenConfigurationBits},
	hw.PacketFlatShadeFlags:    {name: "flat shade flags", length: hw.LenFlatShadeFlags},
	hw.PacketPointSize:         {name: "point size", length: hw.LenPointSize},
	hw.PacketLineWidth:         {name: "line width", length: hw.LenLineWidth},
	hw.PacketRHTXBoundary:      {name: "RHT X boundary", length: hw.LenRHTXBoundary},
	hw.PacketDepthOffset:       {name: "depth offset", length: hw.LenDepthOffset},
	hw.PacketClipWindow:        {name: "clip window", length: hw.LenClipWindow},
	hw.PacketViewportOffset:    {name: "viewport offset", length: hw.LenViewportOffset},
	hw.PacketZClipping:         {name: "Z clipping", length: hw.LenZClipping},
	hw.PacketClipperXYScaling:  {name: "clipper XY scaling", length: hw.LenClipperXYScaling},
	hw.PacketClipperZScaling:   {name: "clipper Z scaling", length: hw.LenClipperZScaling},

	hw.PacketTileBinningModeConfig: {name: "tile binning mode config", length: hw.LenTileBinningModeConfig, handler: validateTileBinningModeConfig},

	hw.PacketGEMHandles: {name: "GEM handles", length: hw.LenGEMHandles, handler: loadGEMHandles, cpuOnly: true},
}

// ValidateBinCL walks the untrusted bin control list in src packet by packet,
// re-emitting a sanitized copy into dst. dst must be at least len(src) bytes;
// the validated list is never longer than the input. It returns the number of
// bytes written to dst.
//
// Validation writes only into dst and the job's own State; independent jobs
// can validate concurrently.
func ValidateBinCL(env Env, st *State, dst, src []byte) (int, error) {
	if len(dst) < len(src) {
		panic("bin control list destination is smaller than the source")
	}

	w := &binWalker{
		env: env,
		st:  st,
		src: src,
		dst: dst,
	}

	for w.srcOff < len(src) {
		op := src[w.srcOff]
		info, ok := binPackets[op]
		if !ok {
			return 0, errors.Wrapf(ErrMalformedStream,
				"opcode %d at offset %d is unknown or not allowed in a bin control list", op, w.srcOff)
		}

		if w.srcOff+info.length > len(src) {
			return 0, errors.Wrapf(ErrOutOfBounds,
				"packet %s at offset %d overruns the control list (%d bytes needed, %d left)",
				info.name, w.srcOff, info.length, len(src)-w.srcOff)
		}

		if info.cpuOnly {
			if err := info.handler(w, src[w.srcOff:w.srcOff+info.length]); err != nil {
				return 0, err
			}
			w.srcOff += info.length
			continue
		}

		pkt := dst[w.dstOff : w.dstOff+info.length]
		copy(pkt, src[w.srcOff:w.srcOff+info.length])

		if info.handler != nil {
			if err := info.handler(w, pkt); err != nil {
				return 0, err
			}
		}

		w.srcOff += info.length
		w.dstOff += info.length
	}

	if !st.foundTileBinningModeConfig {
		return 0, errors.Wrap(ErrMalformedStream, "bin control list never configured tile binning mode")
	}
	if !st.foundStartTileBinning {
		return 0, errors.Wrap(ErrMalformedStream, "bin control list never started tile binning")
	}
	if !st.foundIncrementSemaphore {
		return 0, errors.Wrap(ErrMalformedStream, "bin control list never incremented the bin/render semaphore")
	}

	return w.dstOff, nil
}

func validateTileBinningModeConfig(w *binWalker, pkt []byte) error {
	st := w.st
	if st.foundTileBinningModeConfig {
		return errors.Wrapf(ErrMalformedStream,
			"duplicate tile binning mode config at offset %d", w.srcOff)
	}
	st.foundTileBinningModeConfig = true

	tilesX := pkt[13]
	tilesY := pkt[14]
	wantX := uint8((int(st.Width) + hw.TileWidth - 1) / hw.TileWidth)
	wantY := uint8((int(st.Height) + hw.TileHeight - 1) / hw.TileHeight)
	if tilesX != wantX || tilesY != wantY {
		return errors.Wrapf(ErrMalformedStream,
			"tile binning mode config declares %dx%d tiles, but a %dx%d render needs %dx%d",
			tilesX, tilesY, st.Width, st.Height, wantX, wantY)
	}
	if tilesX == 0 || tilesY == 0 {
		return errors.Wrap(ErrMalformedStream, "tile binning mode config declares a zero-tile render")
	}
	st.TilesX = tilesX
	st.TilesY = tilesY

	// The user's tile allocation addresses are discarded; the binner works
	// out of a kernel-owned buffer sized for this job's tile grid.
	tiles := int(tilesX) * int(tilesY)
	allocSize := alignUp(tiles*hw.TileAllocPerTile, 4096)
	stateSize := tiles * hw.TileStatePerTile

	tileAlloc, err := w.env.AllocAux(allocSize + stateSize)
	if err != nil {
		return err
	}
	st.TileAlloc = tileAlloc
	st.tileAllocSize = allocSize

	le.PutUint32(pkt[1:], tileAlloc.BusAddr())
	le.PutUint32(pkt[5:], uint32(allocSize))
	le.PutUint32(pkt[9:], tileAlloc.BusAddr()+uint32(allocSize))

	return nil
}

func validateStartTileBinning(w *binWalker, pkt []byte) error {
	if !w.st.foundTileBinningModeConfig {
		return errors.Wrapf(ErrMalformedStream,
			"start tile binning at offset %d before tile binning mode config", w.srcOff)
	}
	w.st.foundStartTileBinning = true
	return nil
}

func validateIncrementSemaphore(w *binWalker, pkt []byte) error {
	if w.st.foundIncrementSemaphore {
		return errors.Wrapf(ErrMalformedStream,
			"duplicate increment semaphore at offset %d", w.srcOff)
	}
	w.st.foundIncrementSemaphore = true
	return nil
}

func loadGEMHandles(w *binWalker, pkt []byte) error {
	w.st.boIndex[0] = le.Uint32(pkt[1:])
	w.st.boIndex[1] = le.Uint32(pkt[5:])
	return nil
}

func validateGLShaderState(w *binWalker, pkt []byte) error {
	st := w.st
	v := le.Uint32(pkt[1:])
	if v&^uint32(7) != 0 {
		return errors.Wrapf(ErrMalformedStream,
			"GL shader state packet at offset %d carries an address; only an attribute count is allowed", w.srcOff)
	}

	attrCount := int(v & 7)
	if attrCount == 0 {
		attrCount = hw.MaxShaderRecAttrs
	}

	if len(st.shaderStates) >= st.declaredShaderRecs {
		return errors.Wrapf(ErrMalformedStream,
			"more shader state packets than the %d declared shader records", st.declaredShaderRecs)
	}

	recSize := hw.ShaderRecHeaderSize + attrCount*hw.ShaderRecAttrSize
	recAddr := st.recRegionAddr + uint32(st.recCursor)
	st.shaderStates = append(st.shaderStates, shaderStateRef{
		attrCount:    attrCount,
		recDstOffset: st.recCursor,
	})
	st.recCursor += recSize

	le.PutUint32(pkt[1:], recAddr|(v&7))
	return nil
}

func validateNVShaderState(w *binWalker, pkt []byte) error {
	return errors.Wrapf(ErrMalformedStream,
		"NV shader state at offset %d: fixed-function shader records are not supported", w.srcOff)
}

func (w *binWalker) currentShaderState() (*shaderStateRef, error) {
	st := w.st
	if !st.foundTileBinningModeConfig {
		return nil, errors.Wrapf(ErrMalformedStream,
			"drawing packet at offset %d before tile binning mode config", w.srcOff)
	}
	if len(st.shaderStates) == 0 {
		return nil, errors.Wrapf(ErrMalformedStream,
			"drawing packet at offset %d before any shader state", w.srcOff)
	}
	return &st.shaderStates[len(st.shaderStates)-1], nil
}

func validateIndexedPrimList(w *binWalker, pkt []byte) error {
	ref, err := w.currentShaderState()
	if err != nil {
		return err
	}

	indexType := pkt[1] >> 4
	if indexType > 1 {
		return errors.Wrapf(ErrMalformedStream,
			"indexed primitive list at offset %d uses unknown index type %d", w.srcOff, indexType)
	}
	indexSize := 1 << indexType

	count := le.Uint32(pkt[2:])
	offset := le.Uint32(pkt[6:])
	maxIndex := le.Uint32(pkt[10:])
	if count == 0 {
		return errors.Wrapf(ErrMalformedStream, "empty indexed primitive list at offset %d", w.srcOff)
	}

	ibo, err := w.env.ResolveBO(w.st.boIndex[0], ModeRender)
	if err != nil {
		return err
	}

	end := uint64(offset) + uint64(count)*uint64(indexSize)
	if end > uint64(ibo.Size()) {
		return errors.Wrapf(ErrOutOfBounds,
			"index buffer access ends at %d but the buffer is %d bytes", end, ibo.Size())
	}

	le.PutUint32(pkt[6:], ibo.BusAddr()+offset)

	if maxIndex > ref.maxIndex {
		ref.maxIndex = maxIndex
	}
	ref.sawDraw = true
	return nil
}

func validateVertexArrayPrimList(w *binWalker, pkt []byte) error {
	ref, err := w.currentShaderState()
	if err != nil {
		return err
	}

	count := le.Uint32(pkt[2:])
	first := le.Uint32(pkt[6:])
	if count == 0 {
		return errors.Wrapf(ErrMalformedStream, "empty vertex array primitive list at offset %d", w.srcOff)
	}

	maxIndex := first + count - 1
	if maxIndex > ref.maxIndex {
		ref.maxIndex = maxIndex
	}
	ref.sawDraw = true
	return nil
}

func alignUp(value, alignment int) int {
	return (value + alignment - 1) &^ (alignment - 1)
}
