package accelerator

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"go.intuitus.dev/driver/frame"
)

// DecodeFloat8 converts one accelerator float8 value: the low nibble is the
// mantissa and the high nibble a negative exponent offset by 4.
func DecodeFloat8(b byte) float32 {
	return float32(math.Ldexp(float64(b&0xf), -int(b>>4)-4))
}

// DecodeFloat8Slice decodes src into dst, which must be at least as long.
func DecodeFloat8Slice(dst []float32, src []byte) {
	for i, b := range src {
		dst[i] = DecodeFloat8(b)
	}
}

// ToTensor copies a raw output buffer into a (C, H, W) tensor. Float8 data is
// decoded to float32; uint8 and int8 data keep their element type.
func ToTensor(raw []byte, desc frame.Descriptor) (*tensor.Dense, error) {
	n := desc.Width * desc.Height * desc.Channels
	if n <= 0 {
		return nil, errors.Errorf("empty tensor shape %dx%dx%d", desc.Channels, desc.Height, desc.Width)
	}
	if len(raw) < n*desc.Elem.Size() {
		return nil, errors.Errorf("buffer of %d bytes is too short for %d %v elements", len(raw), n, desc.Elem)
	}
	shape := tensor.WithShape(desc.Channels, desc.Height, desc.Width)
	switch desc.Elem {
	case frame.ElemFloat8:
		backing := make([]float32, n)
		DecodeFloat8Slice(backing, raw[:n])
		return tensor.New(shape, tensor.WithBacking(backing)), nil
	case frame.ElemUint8:
		backing := append([]uint8(nil), raw[:n]...)
		return tensor.New(shape, tensor.WithBacking(backing)), nil
	case frame.ElemInt8:
		backing := make([]int8, n)
		for i, b := range raw[:n] {
			backing[i] = int8(b)
		}
		return tensor.New(shape, tensor.WithBacking(backing)), nil
	case frame.ElemFloat32:
		backing := make([]float32, n)
		for i := range backing {
			backing[i] = math.Float32frombits(uint32(raw[4*i]) | uint32(raw[4*i+1])<<8 |
				uint32(raw[4*i+2])<<16 | uint32(raw[4*i+3])<<24)
		}
		return tensor.New(shape, tensor.WithBacking(backing)), nil
	default:
		return nil, errors.Errorf("unsupported element type %v", desc.Elem)
	}
}
