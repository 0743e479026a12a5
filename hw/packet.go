package hw

// Control-list packet opcodes. A control list is a byte stream of packets,
// each a one-byte opcode followed by a fixed-length payload.
const (
	PacketHalt               uint8 = 0
	PacketNop                uint8 = 1
	PacketFlush              uint8 = 4
	PacketFlushAll           uint8 = 5
	PacketStartTileBinning   uint8 = 6
	PacketIncrementSemaphore uint8 = 7
	PacketWaitOnSemaphore    uint8 = 8

	PacketBranch            uint8 = 16
	PacketBranchToSubList   uint8 = 17
	PacketReturnFromSubList uint8 = 18

	PacketStoreMSTileBuffer       uint8 = 24
	PacketStoreMSTileBufferAndEOF uint8 = 25
	PacketStoreTileBufferGeneral  uint8 = 28
	PacketLoadTileBufferGeneral   uint8 = 29

	PacketIndexedPrimList     uint8 = 32
	PacketVertexArrayPrimList uint8 = 33

	PacketPrimitiveListFormat uint8 = 56

	PacketGLShaderState uint8 = 64
	PacketNVShaderState uint8 = 65

	PacketConfigurationBits uint8 = 96
	PacketFlatShadeFlags    uint8 = 97
	PacketPointSize         uint8 = 98
	PacketLineWidth         uint8 = 99
	PacketRHTXBoundary      uint8 = 100
	PacketDepthOffset       uint8 = 101
	PacketClipWindow        uint8 = 102
	PacketViewportOffset    uint8 = 103
	PacketZClipping         uint8 = 104
	PacketClipperXYScaling  uint8 = 105
	PacketClipperZScaling   uint8 = 106

	PacketTileBinningModeConfig   uint8 = 112
	PacketTileRenderingModeConfig uint8 = 113
	PacketClearColors             uint8 = 114
	PacketTileCoordinates         uint8 = 115

	// CPU-consumed pseudo-packet loading two buffer-handle slots used by
	// subsequent relocations. Never forwarded to hardware.
	PacketGEMHandles uint8 = 254
)

// Total packet lengths in bytes, opcode included.
const (
	LenHalt               = 1
	LenNop                = 1
	LenFlush              = 1
	LenFlushAll           = 1
	LenStartTileBinning   = 1
	LenIncrementSemaphore = 1
	LenWaitOnSemaphore    = 1

	LenBranch            = 5
	LenBranchToSubList   = 5
	LenReturnFromSubList = 1

	LenStoreMSTileBuffer       = 1
	LenStoreMSTileBufferAndEOF = 1
	LenStoreTileBufferGeneral  = 7
	LenLoadTileBufferGeneral   = 7

	LenIndexedPrimList     = 14
	LenVertexArrayPrimList = 10

	LenPrimitiveListFormat = 2

	LenGLShaderState = 5
	LenNVShaderState = 5

	LenConfigurationBits = 4
	LenFlatShadeFlags    = 5
	LenPointSize         = 5
	LenLineWidth         = 5
	LenRHTXBoundary      = 3
	LenDepthOffset       = 3
	LenClipWindow        = 9
	LenViewportOffset    = 5
	LenZClipping         = 9
	LenClipperXYScaling  = 9
	LenClipperZScaling   = 9

	LenTileBinningModeConfig   = 16
	LenTileRenderingModeConfig = 11
	LenClearColors             = 14
	LenTileCoordinates         = 3

	LenGEMHandles = 9
)

// Screen-space tiles are 64x64 pixels.
const (
	TileWidth  = 64
	TileHeight = 64

	// Per-tile sizes inside the tile allocation buffer: the initial binner
	// allocation and the tile state record.
	TileAllocPerTile = 32
	TileStatePerTile = 48
)

// GL shader state record layout. The record is a fixed header followed by one
// 8-byte descriptor per vertex attribute:
//
//	[0:2)   flags
//	[2:4)   reserved, must be zero
//	[4:8)   shader BO slot (validated copy: shader code bus address)
//	[8:12)  shader code offset, must be zero (validated copy: reserved)
//	[12:16) uniform BO slot (validated copy: uniform stream bus address)
//	[16:20) uniform offset (validated copy: uniform stream size)
//	attr:   [0:4) vertex BO slot (validated copy: attribute bus address)
//	        [4:8) offset(16) | element size-1(8) | stride(8), packed low to high
const (
	ShaderRecHeaderSize = 20
	ShaderRecAttrSize   = 8
	MaxShaderRecAttrs   = 8
)

// Texture uniform pointer encoding. The uniform word at a texture sample's
// first parameter offset packs the handle slot and the byte offset into the
// referenced texture buffer; validation rewrites it to a bus address.
const (
	TexPointerOffsetBits = 20
	TexPointerOffsetMask = 1<<TexPointerOffsetBits - 1
)

// Texture tiling formats carried in the third texture parameter word.
const (
	TilingLinear   uint8 = 0
	TilingTFormat  uint8 = 1
	TilingLTFormat uint8 = 2
)

// Shader instructions are 64-bit words. The signal byte in the top bits
// drives the uniform and TMU accounting the shader validator performs:
// a uniform-load signal consumes one 32-bit word from the uniform stream,
// and a TMU-setup signal opens a texture sample whose parameters are the
// next 1-4 uniform loads.
const (
	SigShift = 56

	SigProgramEnd  uint64 = 0x03
	SigLoadUniform uint64 = 0x20
	SigTMUSetup    uint64 = 0x40

	// TMU setup operand bits below the signal byte.
	TMUParamCountShift = 48
	TMUParamCountMask  = 0xF
	TMUDirectBit       = 1 << 47

	InstructionSize = 8
)

// UnusedOffset marks unprovided texture parameter slots; the hardware treats
// unprovided config parameters as zero.
const UnusedOffset = ^uint32(0)
