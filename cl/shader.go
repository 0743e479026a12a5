package cl

import (
	"github.com/cockroachdb/errors"
	"github.com/gpukit/v3d/hw"
)

// TextureSample records where one texture setup's parameter words live in the
// shader's uniform stream. Direct samples take only the pointer word; the
// remaining slots hold hw.UnusedOffset, and the hardware treats unprovided
// parameters as zero.
type TextureSample struct {
	IsDirect     bool
	ParamOffsets [4]uint32
}

// ValidatedShaderInfo is the immutable analysis result for a shader buffer.
// It is computed once per buffer and consumed read-only by every shader
// record that references the shader; per-job validation re-checks only the
// uniform and texture bindings, never the bytecode.
type ValidatedShaderInfo struct {
	// UniformsSize is the size of the uniform stream staged for the
	// hardware, and UniformsSrcSize the number of bytes consumed from the
	// record's uniform buffer. They are equal on this hardware generation;
	// both are kept because the staged stream is what the renderer reads.
	UniformsSize    int
	UniformsSrcSize int

	TextureSamples []TextureSample
}

// ValidateShader analyzes a shader buffer's bytecode: how much of the uniform
// stream it consumes and which uniform words parameterize texture samples.
// The program must end with an explicit program-end signal inside the buffer.
func ValidateShader(shader Buffer) (*ValidatedShaderInfo, error) {
	code := shader.Bytes()
	if len(code) == 0 || len(code)%hw.InstructionSize != 0 {
		return nil, errors.Wrapf(ErrMalformedStream,
			"shader buffer size %d is not a whole number of instructions", len(code))
	}

	info := &ValidatedShaderInfo{}

	var pending *TextureSample
	pendingParam := 0
	pendingWant := 0
	ended := false

	for off := 0; off < len(code); off += hw.InstructionSize {
		inst := le.Uint64(code[off:])
		sig := inst >> hw.SigShift

		if sig == hw.SigProgramEnd {
			ended = true
			break
		}

		if sig&hw.SigTMUSetup != 0 {
			if pending != nil {
				return nil, errors.Wrapf(ErrMalformedStream,
					"shader instruction at %d starts a texture sample while the previous one is incomplete", off)
			}

			want := int(inst>>hw.TMUParamCountShift) & hw.TMUParamCountMask
			if want < 1 || want > len(TextureSample{}.ParamOffsets) {
				return nil, errors.Wrapf(ErrMalformedStream,
					"shader instruction at %d declares %d texture parameters", off, want)
			}

			info.TextureSamples = append(info.TextureSamples, TextureSample{
				IsDirect:     inst&hw.TMUDirectBit != 0,
				ParamOffsets: [4]uint32{hw.UnusedOffset, hw.UnusedOffset, hw.UnusedOffset, hw.UnusedOffset},
			})
			pending = &info.TextureSamples[len(info.TextureSamples)-1]
			pendingParam = 0
			pendingWant = want
		}

		if sig&hw.SigLoadUniform != 0 {
			if pending != nil {
				pending.ParamOffsets[pendingParam] = uint32(info.UniformsSrcSize)
				pendingParam++
				if pendingParam == pendingWant {
					pending = nil
				}
			}
			info.UniformsSrcSize += 4
		}
	}

	if !ended {
		return nil, errors.Wrap(ErrMalformedStream, "shader has no program end signal")
	}
	if pending != nil {
		return nil, errors.Wrap(ErrMalformedStream, "shader ends with an incomplete texture sample setup")
	}

	info.UniformsSize = info.UniformsSrcSize
	return info, nil
}

// parsedShaderRec is one record's pass-one result: everything pass two needs
// to emit the validated copy and stage its uniforms.
type parsedShaderRec struct {
	ref     *shaderStateRef
	srcOff  int
	shader  Buffer
	info    *ValidatedShaderInfo
	uniBO   Buffer
	uniOff  int
	uniSize int
}

// ValidateShaderRecs validates every shader record the bin walk saw, emitting
// sanitized copies into dstRecs (the exec buffer's record region) and staging
// each record's relocated uniform stream into a freshly allocated kernel
// buffer. The returned buffer is nil when no record consumes uniforms.
func ValidateShaderRecs(env Env, st *State, dstRecs, srcRecs []byte) (Buffer, error) {
	// dstRecs is sized from the client's record stream, so a shader-state
	// packet can legally declare more record bytes than the client sent.
	if len(dstRecs) < st.recCursor {
		return nil, errors.Wrapf(ErrOutOfBounds,
			"shader record stream is %d bytes but the bin list's shader states need %d",
			len(dstRecs), st.recCursor)
	}

	parsed := make([]parsedShaderRec, 0, len(st.shaderStates))
	totalUniforms := 0
	srcOff := 0

	for i := range st.shaderStates {
		ref := &st.shaderStates[i]
		recSize := hw.ShaderRecHeaderSize + ref.attrCount*hw.ShaderRecAttrSize
		if srcOff+recSize > len(srcRecs) {
			return nil, errors.Wrapf(ErrOutOfBounds,
				"shader record %d needs %d bytes at offset %d but the record stream is %d bytes",
				i, recSize, srcOff, len(srcRecs))
		}
		rec := srcRecs[srcOff : srcOff+recSize]

		if le.Uint16(rec[2:]) != 0 {
			return nil, errors.Wrapf(ErrMalformedStream, "shader record %d has nonzero reserved bits", i)
		}
		if le.Uint32(rec[8:]) != 0 {
			return nil, errors.Wrapf(ErrMalformedStream,
				"shader record %d declares a nonzero shader code offset", i)
		}

		shader, err := env.ResolveBO(le.Uint32(rec[4:]), ModeShader)
		if err != nil {
			return nil, errors.Wrapf(err, "shader record %d", i)
		}

		info, err := env.ShaderInfo(shader)
		if err != nil {
			return nil, errors.Wrapf(err, "shader record %d", i)
		}

		uniBO, err := env.ResolveBO(le.Uint32(rec[12:]), ModeRender)
		if err != nil {
			return nil, errors.Wrapf(err, "shader record %d uniforms", i)
		}

		uniOff := int(le.Uint32(rec[16:]))
		if uniOff > uniBO.Size() || uniBO.Size()-uniOff < info.UniformsSrcSize {
			return nil, errors.Wrapf(ErrUniformOverflow,
				"shader record %d needs %d uniform bytes at offset %d but the buffer is %d bytes",
				i, info.UniformsSrcSize, uniOff, uniBO.Size())
		}

		parsed = append(parsed, parsedShaderRec{
			ref:     ref,
			srcOff:  srcOff,
			shader:  shader,
			info:    info,
			uniBO:   uniBO,
			uniOff:  uniOff,
			uniSize: info.UniformsSize,
		})
		totalUniforms += info.UniformsSize
		srcOff += recSize
	}

	var uniforms Buffer
	if totalUniforms > 0 {
		var err error
		uniforms, err = env.AllocAux(totalUniforms)
		if err != nil {
			return nil, err
		}
	}

	uniCursor := 0
	for i := range parsed {
		p := &parsed[i]
		recSize := hw.ShaderRecHeaderSize + p.ref.attrCount*hw.ShaderRecAttrSize
		src := srcRecs[p.srcOff : p.srcOff+recSize]
		dst := dstRecs[p.ref.recDstOffset : p.ref.recDstOffset+recSize]

		copy(dst[0:2], src[0:2])
		le.PutUint16(dst[2:], 0)
		le.PutUint32(dst[4:], p.shader.BusAddr())
		le.PutUint32(dst[8:], 0)
		if uniforms != nil {
			le.PutUint32(dst[12:], uniforms.BusAddr()+uint32(uniCursor))
		} else {
			le.PutUint32(dst[12:], 0)
		}
		le.PutUint32(dst[16:], uint32(p.info.UniformsSize))

		if err := validateShaderRecAttrs(env, p.ref, dst, src, i); err != nil {
			return nil, err
		}

		if p.uniSize > 0 {
			uniDst := uniforms.Bytes()[uniCursor : uniCursor+p.uniSize]
			copy(uniDst, p.uniBO.Bytes()[p.uniOff:p.uniOff+p.info.UniformsSrcSize])

			if err := relocateTextureSamples(env, p.info, uniDst, i); err != nil {
				return nil, err
			}
			uniCursor += p.uniSize
		}
	}

	return uniforms, nil
}

func validateShaderRecAttrs(env Env, ref *shaderStateRef, dst, src []byte, recIndex int) error {
	for k := 0; k < ref.attrCount; k++ {
		off := hw.ShaderRecHeaderSize + k*hw.ShaderRecAttrSize
		slot := le.Uint32(src[off:])
		packed := le.Uint32(src[off+4:])

		vbo, err := env.ResolveBO(slot, ModeRender)
		if err != nil {
			return errors.Wrapf(err, "shader record %d attribute %d", recIndex, k)
		}

		attrOff := int(packed & 0xFFFF)
		elemSize := int((packed>>16)&0xFF) + 1
		stride := int(packed >> 24)

		end := attrOff + elemSize + stride*int(ref.maxIndex)
		if end > vbo.Size() {
			return errors.Wrapf(ErrOutOfBounds,
				"shader record %d attribute %d reads through byte %d of a %d-byte vertex buffer (max index %d)",
				recIndex, k, end, vbo.Size(), ref.maxIndex)
		}

		le.PutUint32(dst[off:], vbo.BusAddr()+uint32(attrOff))
		le.PutUint32(dst[off+4:], packed)
	}
	return nil
}

// relocateTextureSamples rewrites each texture pointer word in the staged
// uniform stream from (handle slot, offset) form to a bus address, bounding
// every addressed texel against the referenced texture buffer first.
func relocateTextureSamples(env Env, info *ValidatedShaderInfo, uniforms []byte, recIndex int) error {
	for s := range info.TextureSamples {
		sample := &info.TextureSamples[s]

		p0 := sample.ParamOffsets[0]
		if p0 == hw.UnusedOffset {
			continue
		}
		if int(p0)+4 > len(uniforms) {
			panic("texture pointer offset is past the analyzed uniform stream")
		}

		word := le.Uint32(uniforms[p0:])
		slot := word >> hw.TexPointerOffsetBits
		texOff := word & hw.TexPointerOffsetMask

		tex, err := env.ResolveBO(slot, ModeRender)
		if err != nil {
			return errors.Wrapf(err, "shader record %d texture sample %d", recIndex, s)
		}

		if sample.IsDirect {
			// Direct lookups fetch a single texel window from the base
			// pointer; no width/height/stride config applies.
			if int(texOff)+16 > tex.Size() {
				return errors.Wrapf(ErrTextureOutOfBounds,
					"shader record %d direct texture sample %d reads 16 bytes at offset %d of a %d-byte buffer",
					recIndex, s, texOff, tex.Size())
			}
		} else {
			var p1, p2 uint32
			if o := sample.ParamOffsets[1]; o != hw.UnusedOffset {
				p1 = le.Uint32(uniforms[o:])
			}
			if o := sample.ParamOffsets[2]; o != hw.UnusedOffset {
				p2 = le.Uint32(uniforms[o:])
			}

			width := int(p1 & 0xFFFF)
			height := int(p1 >> 16)
			stride := int(p2 & 0xFFFF)
			cpp := int((p2 >> 16) & 0xFF)
			tiling := uint8(p2 >> 24)

			if err := CheckTextureBounds(tex, int(texOff), tiling, width, height, stride, cpp); err != nil {
				return errors.Wrapf(err, "shader record %d texture sample %d", recIndex, s)
			}
		}

		le.PutUint32(uniforms[p0:], tex.BusAddr()+texOff)
	}
	return nil
}
