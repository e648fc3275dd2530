package accelerator

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/docker/go-units"

	"go.intuitus.dev/driver/fault"
)

// Model payload layout. All fields are little endian.
//
//	0  magic "INTU"
//	4  version     u16
//	6  header len  u16
//	8  body len    u32
//	12 crc32 body  u32 (IEEE)
//	16 input  C,H,W u16 x3
//	22 output C,H,W u16 x3
//	28 reserved    u32
const (
	ModelMagic     = "INTU"
	ModelVersion   = 1
	ModelHeaderLen = 32
)

// Shape is a channel-major tensor shape.
type Shape struct {
	C, H, W int
}

// Len returns the number of elements.
func (s Shape) Len() int {
	return s.C * s.H * s.W
}

func (s Shape) valid() bool {
	return s.C > 0 && s.H > 0 && s.W > 0
}

// Model is a validated model payload.
type Model struct {
	Version  uint16
	Input    Shape
	Output   Shape
	Checksum uint32
	Body     []byte
}

// ParseModel validates payload and returns the model it describes. Every
// failure is a fault.ModelRejected.
func ParseModel(payload []byte) (*Model, error) {
	const op = "parse model"
	if len(payload) < ModelHeaderLen {
		return nil, fault.Newf(fault.ModelRejected, op, "payload of %d bytes is shorter than the header", len(payload))
	}
	if !bytes.Equal(payload[:4], []byte(ModelMagic)) {
		return nil, fault.Newf(fault.ModelRejected, op, "bad magic %q", payload[:4])
	}
	le := binary.LittleEndian
	m := &Model{Version: le.Uint16(payload[4:])}
	if m.Version != ModelVersion {
		return nil, fault.Newf(fault.ModelRejected, op, "unsupported version %d", m.Version)
	}
	hdrLen := int(le.Uint16(payload[6:]))
	if hdrLen < ModelHeaderLen || hdrLen > len(payload) {
		return nil, fault.Newf(fault.ModelRejected, op, "bad header length %d", hdrLen)
	}
	bodyLen := int(le.Uint32(payload[8:]))
	if len(payload)-hdrLen != bodyLen {
		return nil, fault.Newf(fault.ModelRejected, op, "body is %d bytes, header says %d", len(payload)-hdrLen, bodyLen)
	}
	m.Checksum = le.Uint32(payload[12:])
	m.Input = Shape{int(le.Uint16(payload[16:])), int(le.Uint16(payload[18:])), int(le.Uint16(payload[20:]))}
	m.Output = Shape{int(le.Uint16(payload[22:])), int(le.Uint16(payload[24:])), int(le.Uint16(payload[26:]))}
	if !m.Input.valid() || !m.Output.valid() {
		return nil, fault.Newf(fault.ModelRejected, op, "bad tensor shapes in %v out %v", m.Input, m.Output)
	}
	m.Body = payload[hdrLen:]
	if sum := crc32.ChecksumIEEE(m.Body); sum != m.Checksum {
		return nil, fault.Newf(fault.ModelRejected, op, "checksum mismatch: got %08x, header says %08x", sum, m.Checksum)
	}
	return m, nil
}

// EncodeModel builds a payload around body.
func EncodeModel(in, out Shape, body []byte) []byte {
	le := binary.LittleEndian
	payload := make([]byte, ModelHeaderLen+len(body))
	copy(payload, ModelMagic)
	le.PutUint16(payload[4:], ModelVersion)
	le.PutUint16(payload[6:], ModelHeaderLen)
	le.PutUint32(payload[8:], uint32(len(body)))
	le.PutUint32(payload[12:], crc32.ChecksumIEEE(body))
	for i, v := range []int{in.C, in.H, in.W, out.C, out.H, out.W} {
		le.PutUint16(payload[16+2*i:], uint16(v))
	}
	copy(payload[ModelHeaderLen:], body)
	return payload
}

// fits checks the model against what the transport can hold.
func (m *Model) fits(info Info) error {
	const op = "load model"
	if info.Capacity > 0 && len(m.Body) > info.Capacity {
		return fault.Newf(fault.ModelRejected, op, "body of %s exceeds transport capacity %s",
			units.BytesSize(float64(len(m.Body))), units.BytesSize(float64(info.Capacity)))
	}
	if info.InputBytes > 0 && m.Input.Len() > info.InputBytes {
		return fault.Newf(fault.ModelRejected, op, "input %v exceeds %d byte input slot", m.Input, info.InputBytes)
	}
	if info.OutputBytes > 0 && m.Output.Len() > info.OutputBytes {
		return fault.Newf(fault.ModelRejected, op, "output %v exceeds %d byte output slot", m.Output, info.OutputBytes)
	}
	return nil
}
