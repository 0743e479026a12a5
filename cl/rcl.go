package cl

import (
	"github.com/cockroachdb/errors"
	"github.com/gpukit/v3d/hw"
)

// RenderConfig is the part of the submit arguments that shapes the generated
// render control list.
type RenderConfig struct {
	// ColorWriteSlot is the handle slot of the color render target.
	ColorWriteSlot uint32

	Clear      bool
	ClearColor uint32
	ClearZS    uint32
}

// renderCLSize computes the exact size of the list GenerateRenderCL emits.
func renderCLSize(tiles int, clear bool) int {
	size := hw.LenTileRenderingModeConfig
	if clear {
		size += hw.LenClearColors
	}
	size += tiles * (hw.LenTileCoordinates + hw.LenBranchToSubList + hw.LenStoreMSTileBuffer)
	return size
}

// GenerateRenderCL builds the render control list for a validated bin job.
// Unlike the bin list, the render list is never user-supplied: it is emitted
// entirely by the kernel into a scratch buffer, walking the tile grid the
// binner filled in and storing each tile to the framebuffer. The final tile's
// store signals end of frame.
func GenerateRenderCL(env Env, st *State, cfg RenderConfig) (Buffer, int, error) {
	if st.TileAlloc == nil {
		panic("render list requested before bin validation allocated the tile buffer")
	}

	fb, err := env.ResolveBO(cfg.ColorWriteSlot, ModeRender)
	if err != nil {
		return nil, 0, errors.Wrap(err, "color write target")
	}

	fbSize := int(st.Width) * int(st.Height) * 4
	if fbSize > fb.Size() {
		return nil, 0, errors.Wrapf(ErrOutOfBounds,
			"a %dx%d render needs a %d-byte framebuffer but the target is %d bytes",
			st.Width, st.Height, fbSize, fb.Size())
	}

	tiles := int(st.TilesX) * int(st.TilesY)
	rcl, err := env.AllocAux(renderCLSize(tiles, cfg.Clear))
	if err != nil {
		return nil, 0, err
	}

	buf := rcl.Bytes()
	n := 0

	if cfg.Clear {
		buf[n] = hw.PacketClearColors
		le.PutUint32(buf[n+1:], cfg.ClearColor)
		le.PutUint32(buf[n+5:], cfg.ClearColor)
		le.PutUint32(buf[n+9:], cfg.ClearZS)
		buf[n+13] = 0
		n += hw.LenClearColors
	}

	buf[n] = hw.PacketTileRenderingModeConfig
	le.PutUint32(buf[n+1:], fb.BusAddr())
	le.PutUint16(buf[n+5:], st.Width)
	le.PutUint16(buf[n+7:], st.Height)
	le.PutUint16(buf[n+9:], 0)
	n += hw.LenTileRenderingModeConfig

	for y := 0; y < int(st.TilesY); y++ {
		for x := 0; x < int(st.TilesX); x++ {
			buf[n] = hw.PacketTileCoordinates
			buf[n+1] = uint8(x)
			buf[n+2] = uint8(y)
			n += hw.LenTileCoordinates

			// Branch into the binner's per-tile sub-list.
			tileIdx := y*int(st.TilesX) + x
			buf[n] = hw.PacketBranchToSubList
			le.PutUint32(buf[n+1:], st.TileAlloc.BusAddr()+uint32(tileIdx*hw.TileAllocPerTile))
			n += hw.LenBranchToSubList

			if tileIdx == tiles-1 {
				buf[n] = hw.PacketStoreMSTileBufferAndEOF
			} else {
				buf[n] = hw.PacketStoreMSTileBuffer
			}
			n += hw.LenStoreMSTileBuffer
		}
	}

	return rcl, n, nil
}
