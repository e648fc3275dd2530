package accelerator

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"go.intuitus.dev/driver/fault"
)

// ProgramMagic starts a model body that describes a network layer by layer.
const ProgramMagic = "IPRG"

// Op is one step of a Program.
type Op uint8

// Program operations.
const (
	OpOutput Op = iota + 1
	OpConv2D
	OpConcat
	OpSplit
	OpUpsample
	OpMaxPool2D
	OpCopy
)

// Step is one layer of a program. Fields not used by Op are zero.
type Step struct {
	Op   Op
	ID   int32
	Src  int32
	Src2 int32
	// Groups is the split group count.
	Groups int32
	Conv   Conv2D
	// Channels, Height and Width describe upsample, maxpool and copy outputs.
	Channels, Height, Width uint32
	Stride                  int8
}

// Program is the layer list of a network. The input layer is implied by the
// model's input shape.
type Program struct {
	Steps []Step
}

type stepHeader struct {
	Op             uint8
	Type           uint8
	Stride         int8
	_              uint8
	ID             int32
	Src            int32
	Src2           int32
	Groups         int32
	InChannels     uint32
	OutChannels    uint32
	Height         uint32
	Width          uint32
	ScatteredLines uint32
	TxCount        uint32
	RxCount        uint32
	CommandWords   uint32
	LengthCount    uint32
}

// Encode serialises the program as a model body.
func (p *Program) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(ProgramMagic)
	le := binary.LittleEndian
	writeLE := func(v interface{}) {
		// bytes.Buffer writes never fail.
		_ = binary.Write(&buf, le, v)
	}
	writeLE(uint32(len(p.Steps)))
	for _, s := range p.Steps {
		h := stepHeader{
			Op:     uint8(s.Op),
			Stride: s.Stride,
			ID:     s.ID,
			Src:    s.Src,
			Src2:   s.Src2,
			Groups: s.Groups,
		}
		if s.Op == OpConv2D {
			c := s.Conv
			h.Type = uint8(c.Type)
			h.InChannels, h.OutChannels = c.InChannels, c.OutChannels
			h.Height, h.Width = c.OutHeight, c.OutWidth
			h.ScatteredLines = c.ScatteredLines
			h.TxCount = uint32(len(c.TxTiles))
			h.RxCount = uint32(len(c.RxTiles))
			h.CommandWords = uint32(len(c.Commands))
			h.LengthCount = uint32(len(c.CommandLengths))
			writeLE(h)
			writeLE(c.TxTiles)
			writeLE(c.RxTiles)
			writeLE(c.Commands)
			writeLE(c.CommandLengths)
			continue
		}
		h.InChannels, h.OutChannels = s.Channels, s.Channels
		h.Height, h.Width = s.Height, s.Width
		writeLE(h)
	}
	return buf.Bytes()
}

// maxProgramWords bounds the arrays of a single step.
const maxProgramWords = 1 << 24

// DecodeProgram parses a model body written by Encode.
func DecodeProgram(body []byte) (*Program, error) {
	const op = "decode program"
	if len(body) < len(ProgramMagic) || string(body[:len(ProgramMagic)]) != ProgramMagic {
		return nil, fault.Newf(fault.ModelRejected, op, "body is not a layer program")
	}
	r := bytes.NewReader(body[len(ProgramMagic):])
	le := binary.LittleEndian
	var count uint32
	if err := binary.Read(r, le, &count); err != nil {
		return nil, fault.Wrap(fault.ModelRejected, op, err)
	}
	p := &Program{}
	for i := uint32(0); i < count; i++ {
		var h stepHeader
		if err := binary.Read(r, le, &h); err != nil {
			return nil, fault.Wrap(fault.ModelRejected, op, errors.Wrapf(err, "step %d", i))
		}
		s := Step{Op: Op(h.Op), ID: h.ID, Src: h.Src, Src2: h.Src2, Groups: h.Groups, Stride: h.Stride}
		switch s.Op {
		case OpConv2D:
			for _, n := range []uint32{h.TxCount, h.RxCount, h.CommandWords, h.LengthCount} {
				if n > maxProgramWords {
					return nil, fault.Newf(fault.ModelRejected, op, "step %d: array of %d words", i, n)
				}
			}
			c := Conv2D{
				ID:             h.ID,
				Type:           LayerType(h.Type),
				Src:            h.Src,
				InChannels:     h.InChannels,
				OutChannels:    h.OutChannels,
				OutHeight:      h.Height,
				OutWidth:       h.Width,
				ScatteredLines: h.ScatteredLines,
				TxTiles:        make([]uint32, h.TxCount),
				TxTileDim:      TxTileDim,
				RxTiles:        make([]uint32, h.RxCount),
				RxTileDim:      RxTileDim,
				Commands:       make([]int32, h.CommandWords),
				CommandLengths: make([]uint32, h.LengthCount),
			}
			for _, dst := range []interface{}{c.TxTiles, c.RxTiles, c.Commands, c.CommandLengths} {
				if err := binary.Read(r, le, dst); err != nil {
					return nil, fault.Wrap(fault.ModelRejected, op, errors.Wrapf(err, "step %d", i))
				}
			}
			s.Conv = c
		case OpOutput, OpConcat, OpSplit, OpUpsample, OpMaxPool2D, OpCopy:
			s.Channels, s.Height, s.Width = h.InChannels, h.Height, h.Width
		default:
			return nil, fault.Newf(fault.ModelRejected, op, "step %d: unknown op %d", i, h.Op)
		}
		p.Steps = append(p.Steps, s)
	}
	if r.Len() != 0 {
		return nil, fault.Newf(fault.ModelRejected, op, "%d trailing bytes", r.Len())
	}
	return p, nil
}

// Build creates the input layer for in and every step of p.
func (n *Network) Build(in Shape, p *Program) error {
	if err := n.Input(in); err != nil {
		return err
	}
	for i, s := range p.Steps {
		var err error
		switch s.Op {
		case OpOutput:
			err = n.Output(s.ID, s.Src)
		case OpConv2D:
			err = n.Conv2D(s.Conv)
		case OpConcat:
			err = n.Concat(s.ID, s.Src, s.Src2)
		case OpSplit:
			err = n.Split(s.ID, s.Src, s.Groups)
		case OpUpsample:
			err = n.Upsample(s.ID, s.Src, s.Channels, s.Height, s.Width)
		case OpMaxPool2D:
			err = n.MaxPool2D(s.ID, s.Src, s.Channels, s.Height, s.Width, s.Stride)
		case OpCopy:
			err = n.Copy(s.ID, s.Src, s.Channels, s.Height, s.Width)
		default:
			err = errors.Errorf("unknown op %d", s.Op)
		}
		if err != nil {
			return errors.Wrapf(err, "step %d", i)
		}
	}
	return nil
}
