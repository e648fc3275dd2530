package framebuffer

import (
	"context"

	"go.intuitus.dev/driver/frame"
)

// Backend opens display devices.
type Backend interface {
	Open(ctx context.Context, path string) (Display, error)
}

// Display is a scan-out device holding one or more equally sized surfaces
// stacked vertically in its memory.
type Display interface {
	Info() ScreenInfo
	// Surface returns the pixels of surface i. The slice stays valid until
	// Close.
	Surface(i int) ([]byte, error)
	// Pan makes surface i the one being scanned out.
	Pan(i int) error
	Close() error
}

// ScreenInfo describes the visible screen.
type ScreenInfo struct {
	ID     string
	Width  int
	Height int
	// Stride is the length of one line in bytes.
	Stride   int
	Format   frame.Format
	Surfaces int
}

// SurfaceBytes is the size of one surface.
func (s ScreenInfo) SurfaceBytes() int {
	return s.Stride * s.Height
}
