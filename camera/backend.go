package camera

import (
	"context"
	"time"

	"go.intuitus.dev/driver/frame"
)

// Backend opens capture devices.
type Backend interface {
	Open(ctx context.Context, path string) (Device, error)
}

// Device is the driver-level interface a Capture drives. Implementations
// must allow Close to be called while Wait is blocked; the waiter then
// returns fault.ErrDeviceClosed.
type Device interface {
	Query() (Info, error)
	Formats() ([]frame.Format, error)
	FrameSizes(f frame.Format) ([]SizeRange, error)
	SetFormat(f frame.Format, size Size) (Applied, error)
	// RequestBuffers allocates and maps up to n driver buffers and returns
	// how many were granted.
	RequestBuffers(n int) (int, error)
	Queue(index int) error
	StreamOn() error
	StreamOff() error
	// Wait blocks until a buffer may be ready to dequeue.
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
	// Dequeue returns a completed buffer without blocking, or fault.ErrEmpty.
	// The Buffer's Data is valid until the buffer is queued again or the device
	// is closed.
	Dequeue() (Buffer, error)
	Close() error
}

// Info is what the device reports about itself.
type Info struct {
	Driver      string
	Card        string
	BusInfo     string
	Multiplanar bool
}

// Size is a frame size in pixels.
type Size struct {
	Width  int
	Height int
}

// SizeRange is a supported frame size. Discrete sizes have Min == Max.
type SizeRange struct {
	Min  Size
	Max  Size
	Step Size
}

// DiscreteSize returns a range holding exactly s.
func DiscreteSize(s Size) SizeRange {
	return SizeRange{Min: s, Max: s, Step: Size{1, 1}}
}

// nearest returns the size in r closest to want.
func (r SizeRange) nearest(want Size) Size {
	return Size{
		Width:  snap(want.Width, r.Min.Width, r.Max.Width, r.Step.Width),
		Height: snap(want.Height, r.Min.Height, r.Max.Height, r.Step.Height),
	}
}

func snap(v, lo, hi, step int) int {
	if v <= lo {
		return lo
	}
	if v >= hi {
		return hi
	}
	if step <= 1 {
		return v
	}
	n := (v - lo + step/2) / step
	out := lo + n*step
	if out > hi {
		out -= step
	}
	return out
}

// Applied is the format the device accepted.
type Applied struct {
	PixelFormat frame.Format
	Size
	Stride     int
	FrameBytes int
}

// Buffer is a completed driver buffer.
type Buffer struct {
	Index     int
	Data      []byte
	Sequence  uint32
	Timestamp time.Time
}
