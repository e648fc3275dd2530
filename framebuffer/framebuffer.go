// Package framebuffer presents frames on a double-buffered display.
//
// The display memory holds two surfaces. One is scanned out while the other
// is written; Present pans the display to the written surface, so a frame is
// never shown half drawn and presenting never copies pixels. The only copy
// on the display path is the conversion of a frame into the back surface.
package framebuffer

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.intuitus.dev/driver/fault"
	"go.intuitus.dev/driver/frame"
	"go.intuitus.dev/driver/logging"
)

// DefaultPath is the display opened when no path is configured.
const DefaultPath = "/dev/fb0"

// Options configures Open.
type Options struct {
	// Backend opens the display. Required.
	Backend Backend
}

// Surface is a writable surface handed out by AcquireWriteSurface.
type Surface struct {
	Index  int
	Width  int
	Height int
	Stride int
	Format frame.Format
	Pix    []byte
}

// Framebuffer owns a display and tracks which surface is on screen.
type Framebuffer struct {
	logger  logging.Logger
	display Display
	info    ScreenInfo

	mu       sync.Mutex
	front    int
	acquired *Surface
	presents uint64
	closed   bool
}

// Open opens the display at path. Displays that cannot hold two surfaces are
// rejected with fault.ErrFormatUnsupported.
func Open(ctx context.Context, path string, opts Options, logger logging.Logger) (*Framebuffer, error) {
	if opts.Backend == nil {
		return nil, errors.New("framebuffer: no display backend")
	}
	if path == "" {
		path = DefaultPath
	}
	d, err := opts.Backend.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	info := d.Info()
	if info.Surfaces < 2 {
		return nil, multierr.Combine(
			fault.Newf(fault.FormatUnsupported, "open "+path, "display offers %d surface(s), need 2", info.Surfaces),
			d.Close())
	}
	if pixelSize(info.Format) == 0 {
		return nil, multierr.Combine(
			fault.Newf(fault.FormatUnsupported, "open "+path, "unsupported screen format %v", info.Format),
			d.Close())
	}
	logger.Infow("display opened", "path", path, "id", info.ID,
		"width", info.Width, "height", info.Height, "format", info.Format)
	return &Framebuffer{logger: logger, display: d, info: info}, nil
}

// Info returns the screen geometry.
func (f *Framebuffer) Info() ScreenInfo {
	return f.info
}

// ScreenSize returns the visible height and width in pixels.
func (f *Framebuffer) ScreenSize() (height, width int) {
	return f.info.Height, f.info.Width
}

// Front returns the index of the surface on screen.
func (f *Framebuffer) Front() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.front
}

// Presents returns how many surfaces have been presented.
func (f *Framebuffer) Presents() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.presents
}

// AcquireWriteSurface returns the surface that is not on screen. There is a
// single writer: while a surface is acquired further calls fail with
// fault.ErrNoSurfaceAvailable.
func (f *Framebuffer) AcquireWriteSurface() (*Surface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fault.ErrDeviceClosed
	}
	if f.acquired != nil {
		return nil, fault.New(fault.NoSurfaceAvailable, "acquire surface")
	}
	back := 1 - f.front
	pix, err := f.display.Surface(back)
	if err != nil {
		return nil, errors.Wrapf(err, "surface %d", back)
	}
	s := &Surface{
		Index:  back,
		Width:  f.info.Width,
		Height: f.info.Height,
		Stride: f.info.Stride,
		Format: f.info.Format,
		Pix:    pix,
	}
	f.acquired = s
	return s, nil
}

// Present puts s on screen. s must be the acquired surface; it may not be
// written after Present returns.
func (f *Framebuffer) Present(s *Surface) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fault.ErrDeviceClosed
	}
	if s == nil || s != f.acquired {
		return fault.New(fault.InvalidRelease, "present: surface not acquired")
	}
	f.acquired = nil
	if err := f.display.Pan(s.Index); err != nil {
		return errors.Wrapf(err, "pan to surface %d", s.Index)
	}
	f.front = s.Index
	f.presents++
	return nil
}

// Abandon gives back an acquired surface without showing it.
func (f *Framebuffer) Abandon(s *Surface) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s == nil || s != f.acquired {
		return fault.New(fault.InvalidRelease, "abandon: surface not acquired")
	}
	f.acquired = nil
	return nil
}

// Show copies a packed BGR image into the surface on screen, starting at
// byte offset. Lines are placed one screen line apart.
func (f *Framebuffer) Show(img []byte, desc frame.Descriptor, offset int) error {
	if desc.Channels != 3 {
		return fault.Newf(fault.FormatUnsupported, "show", "image depth must be 3, got %d", desc.Channels)
	}
	if desc.Width <= 0 || desc.Height <= 0 || len(img) < desc.Width*desc.Height*3 {
		return fault.Newf(fault.FormatUnsupported, "show", "image of %dx%d needs %d bytes, got %d",
			desc.Width, desc.Height, desc.Width*desc.Height*3, len(img))
	}
	if desc.Width > f.info.Width || desc.Height > f.info.Height {
		return fault.Newf(fault.FormatUnsupported, "show", "image of %dx%d exceeds the %dx%d screen",
			desc.Width, desc.Height, f.info.Width, f.info.Height)
	}
	px := pixelSize(f.info.Format)
	last := offset + (desc.Height-1)*f.info.Stride + desc.Width*px
	if offset < 0 || last > f.info.SurfaceBytes() {
		return fault.Newf(fault.FormatUnsupported, "show", "image at offset %d runs past the screen", offset)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fault.ErrDeviceClosed
	}
	pix, err := f.display.Surface(f.front)
	if err != nil {
		return errors.Wrapf(err, "surface %d", f.front)
	}
	stride := desc.Width * 3
	for y := 0; y < desc.Height; y++ {
		line := pix[offset+y*f.info.Stride:]
		if f.info.Format == frame.FormatBGR24 {
			copy(line[:stride], img[y*stride:])
			continue
		}
		for x := 0; x < desc.Width; x++ {
			i := y*stride + x*3
			putPixel(line[x*px:], f.info.Format, img[i+2], img[i+1], img[i])
		}
	}
	return nil
}

// Close releases the display. It is safe to call more than once.
func (f *Framebuffer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.acquired = nil
	f.logger.Debugw("display closed", "presents", f.presents)
	return f.display.Close()
}
