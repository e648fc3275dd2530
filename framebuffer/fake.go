package framebuffer

import (
	"context"
	"sync"

	"go.intuitus.dev/driver/fault"
	"go.intuitus.dev/driver/frame"
)

// FakeBackend opens in-memory displays.
type FakeBackend struct {
	Screen      ScreenInfo
	Unavailable bool

	mu       sync.Mutex
	displays []*FakeDisplay
}

// NewFakeBackend returns a backend of 640x480 BGR24 screens with two surfaces.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{Screen: ScreenInfo{
		ID:       "fake",
		Width:    640,
		Height:   480,
		Stride:   640 * 3,
		Format:   frame.FormatBGR24,
		Surfaces: 2,
	}}
}

// Open returns a new FakeDisplay.
func (b *FakeBackend) Open(ctx context.Context, path string) (Display, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Unavailable {
		return nil, fault.Newf(fault.DeviceUnavailable, "open "+path, "no such display")
	}
	d := NewFakeDisplay(b.Screen)
	b.displays = append(b.displays, d)
	return d, nil
}

// Displays returns every display opened so far.
func (b *FakeBackend) Displays() []*FakeDisplay {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*FakeDisplay(nil), b.displays...)
}

// FakeDisplay keeps its surfaces in memory and records pans.
type FakeDisplay struct {
	info ScreenInfo

	mu     sync.Mutex
	mem    []byte
	pans   []int
	closed bool
}

// NewFakeDisplay allocates the surfaces info describes.
func NewFakeDisplay(info ScreenInfo) *FakeDisplay {
	return &FakeDisplay{info: info, mem: make([]byte, info.SurfaceBytes()*info.Surfaces)}
}

// Info returns the screen.
func (d *FakeDisplay) Info() ScreenInfo {
	return d.info
}

// Surface returns surface i.
func (d *FakeDisplay) Surface(i int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fault.ErrDeviceClosed
	}
	if i < 0 || i >= d.info.Surfaces {
		return nil, fault.Newf(fault.NoSurfaceAvailable, "surface", "no surface %d", i)
	}
	n := d.info.SurfaceBytes()
	return d.mem[i*n : (i+1)*n : (i+1)*n], nil
}

// Pan records i as on screen.
func (d *FakeDisplay) Pan(i int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fault.ErrDeviceClosed
	}
	d.pans = append(d.pans, i)
	return nil
}

// Pans returns the surfaces panned to, in order.
func (d *FakeDisplay) Pans() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.pans...)
}

// Closed reports whether Close was called.
func (d *FakeDisplay) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close marks the display closed.
func (d *FakeDisplay) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
