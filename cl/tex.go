package cl

import (
	"github.com/cockroachdb/errors"
	"github.com/gpukit/v3d/hw"
)

// utile dimensions in texels for a given cpp; a T-format tile is 8x8 utiles
// and an LT-format ("linear tile") image is laid out in raw utiles.
func utileSize(cpp int) (w, h int) {
	switch cpp {
	case 1:
		return 8, 8
	case 2:
		return 8, 4
	case 4:
		return 4, 4
	case 8:
		return 2, 4
	default:
		return 0, 0
	}
}

// CheckTextureBounds verifies that every texel a sampler configured with the
// given geometry can address lies inside the texture buffer. Zero-valued
// parameters follow the hardware's treatment of unprovided config words:
// width and height sample as a single texel and a zero stride derives from
// the width.
func CheckTextureBounds(tex Buffer, offset int, tiling uint8, width, height, stride, cpp int) error {
	if width == 0 {
		width = 1
	}
	if height == 0 {
		height = 1
	}
	if cpp == 0 {
		cpp = 4
	}

	var end int
	switch tiling {
	case hw.TilingLinear:
		if stride == 0 {
			stride = width * cpp
		}
		if width*cpp > stride {
			return errors.Wrapf(ErrTextureOutOfBounds,
				"texture rows of %d texels at %d bytes per texel overrun the %d-byte stride",
				width, cpp, stride)
		}
		end = offset + (height-1)*stride + width*cpp
	case hw.TilingTFormat, hw.TilingLTFormat:
		uw, uh := utileSize(cpp)
		if uw == 0 {
			return errors.Wrapf(ErrTextureOutOfBounds,
				"tiled textures with %d bytes per texel are not addressable", cpp)
		}
		tw, th := uw, uh
		if tiling == hw.TilingTFormat {
			// A full T-format tile is an 8x8 grid of utiles.
			tw, th = uw*8, uh*8
		}
		// Tiled layouts round the addressed region up to whole tiles.
		widthTiles := (width + tw - 1) / tw
		heightTiles := (height + th - 1) / th
		end = offset + widthTiles*heightTiles*tw*th*cpp
	default:
		return errors.Wrapf(ErrTextureOutOfBounds, "unknown tiling format %d", tiling)
	}

	if end > tex.Size() {
		return errors.Wrapf(ErrTextureOutOfBounds,
			"texture of %dx%d texels at offset %d ends at byte %d of a %d-byte buffer",
			width, height, offset, end, tex.Size())
	}
	return nil
}
