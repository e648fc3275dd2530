// Package frame holds the metadata shared by every stage of the pipeline: the
// per-slot ownership state machine, pixel/tensor format tags and the shape
// descriptor handed to the binding layer.
package frame

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// State is the ownership state of a pool slot.
type State uint32

// The slot states. The zero value is Free.
const (
	Free State = iota
	QueuedForCapture
	Captured
	QueuedForAccelerator
	AcceleratorDone
	QueuedForDisplay
	Displayed
)

var stateNames = [...]string{
	Free:                 "free",
	QueuedForCapture:     "queued_for_capture",
	Captured:             "captured",
	QueuedForAccelerator: "queued_for_accelerator",
	AcceleratorDone:      "accelerator_done",
	QueuedForDisplay:     "queued_for_display",
	Displayed:            "displayed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// Owner is the subsystem that holds a slot.
type Owner uint8

// The owners.
const (
	OwnerPool Owner = iota
	OwnerCapture
	OwnerAccelerator
	OwnerDisplay
)

func (o Owner) String() string {
	switch o {
	case OwnerPool:
		return "pool"
	case OwnerCapture:
		return "capture"
	case OwnerAccelerator:
		return "accelerator"
	case OwnerDisplay:
		return "display"
	default:
		return fmt.Sprintf("owner(%d)", uint8(o))
	}
}

// Owner returns the subsystem that owns a slot in state s.
func (s State) Owner() Owner {
	switch s {
	case Free:
		return OwnerPool
	case QueuedForCapture, Captured:
		return OwnerCapture
	case QueuedForAccelerator, AcceleratorDone:
		return OwnerAccelerator
	case QueuedForDisplay, Displayed:
		return OwnerDisplay
	default:
		return OwnerPool
	}
}

var transitions = map[State][]State{
	Free:                 {QueuedForCapture},
	QueuedForCapture:     {Captured, Free},
	Captured:             {QueuedForAccelerator, Free},
	QueuedForAccelerator: {AcceleratorDone, Free},
	AcceleratorDone:      {QueuedForDisplay, Free},
	QueuedForDisplay:     {Displayed, Free},
	Displayed:            {Free},
}

// CanTransition reports whether from -> to is a legal ownership transfer.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Format is a pixel or tensor layout tag. Pixel formats use the V4L2 fourcc.
type Format uint32

func fourcc(a, b, c, d byte) Format {
	return Format(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

// Supported formats.
var (
	FormatUYVY   = fourcc('U', 'Y', 'V', 'Y')
	FormatYUYV   = fourcc('Y', 'U', 'Y', 'V')
	FormatGrey   = fourcc('G', 'R', 'E', 'Y')
	FormatBGR24  = fourcc('B', 'G', 'R', '3')
	FormatRGB24  = fourcc('R', 'G', 'B', '3')
	FormatBGRA32 = fourcc('B', 'A', '2', '4')
	FormatRGB565 = fourcc('R', 'G', 'B', 'P')
	// FormatFloat8 is the accelerator's 8-bit float feature map (CHW).
	FormatFloat8 = fourcc('I', 'F', '0', '8')
	// FormatInt8 is a raw signed 8-bit feature map (CHW).
	FormatInt8 = fourcc('I', 'I', '0', '8')
)

var formatNames = map[Format]string{
	FormatUYVY:   "UYVY",
	FormatYUYV:   "YUYV",
	FormatGrey:   "GREY",
	FormatBGR24:  "BGR24",
	FormatRGB24:  "RGB24",
	FormatBGRA32: "BGRA32",
	FormatRGB565: "RGB565",
	FormatFloat8: "FLOAT8",
	FormatInt8:   "INT8",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	b := []byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	return string(b)
}

// ParseFormat maps a format name such as "UYVY" or "BGR24" to its tag.
func ParseFormat(name string) (Format, error) {
	for f, n := range formatNames {
		if n == name {
			return f, nil
		}
	}
	return 0, errors.Errorf("unknown format %q", name)
}

// BytesPerPixel returns the packed size of one pixel (or tensor element) in f.
// Packed 4:2:2 formats report 2.
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatUYVY, FormatYUYV, FormatRGB565:
		return 2
	case FormatBGR24, FormatRGB24:
		return 3
	case FormatBGRA32:
		return 4
	case FormatGrey, FormatFloat8, FormatInt8:
		return 1
	default:
		return 0
	}
}

// ElemType is the element type of a raw buffer.
type ElemType uint8

// Element types.
const (
	ElemUint8 ElemType = iota
	ElemInt8
	ElemFloat8
	ElemFloat32
)

func (e ElemType) String() string {
	switch e {
	case ElemUint8:
		return "uint8"
	case ElemInt8:
		return "int8"
	case ElemFloat8:
		return "float8"
	case ElemFloat32:
		return "float32"
	default:
		return fmt.Sprintf("elem(%d)", uint8(e))
	}
}

// Size returns the element size in bytes.
func (e ElemType) Size() int {
	if e == ElemFloat32 {
		return 4
	}
	return 1
}

// Descriptor describes the shape of a raw buffer for the binding layer.
type Descriptor struct {
	Width    int
	Height   int
	Channels int
	Elem     ElemType
	Format   Format
	// Stride is the distance in bytes between rows (0 means tightly packed).
	Stride int
}

// Len returns the number of bytes the described buffer occupies.
func (d Descriptor) Len() int {
	if d.Stride > 0 {
		return d.Stride * d.Height
	}
	return d.Width * d.Height * d.Channels * d.Elem.Size()
}

// Frame is the metadata of one captured image held in a pool slot. Frame
// values are copies; the bytes live in the slot.
type Frame struct {
	Index     int
	Width     int
	Height    int
	Format    Format
	Length    int
	Sequence  uint64
	Timestamp time.Time
	State     State
}

// Descriptor returns the shape descriptor of the frame's pixel data.
func (f Frame) Descriptor() Descriptor {
	channels := f.Format.BytesPerPixel()
	if channels == 0 {
		channels = 1
	}
	return Descriptor{
		Width:    f.Width,
		Height:   f.Height,
		Channels: channels,
		Elem:     ElemUint8,
		Format:   f.Format,
	}
}
