package camera

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"go.intuitus.dev/driver/fault"
	"go.intuitus.dev/driver/frame"
)

// FakeBackend is an in-memory camera. With a positive FrameInterval every
// streaming device fills one queued buffer per interval; otherwise frames are
// produced only by Emit.
type FakeBackend struct {
	Info        Info
	Sizes       map[frame.Format][]SizeRange
	MaxBuffers  int
	Busy        bool
	Unavailable bool
	// FrameInterval is the simulated frame period.
	FrameInterval time.Duration
	// Fill writes the pixels of frame seq into buf; nil fills with seq's low byte.
	Fill func(seq uint32, buf []byte)

	mu      sync.Mutex
	devices []*FakeDevice
}

// NewFakeBackend returns a fake offering UYVY and GREY at a few common sizes.
func NewFakeBackend() *FakeBackend {
	sizes := []SizeRange{
		DiscreteSize(Size{320, 240}),
		DiscreteSize(Size{640, 480}),
		DiscreteSize(Size{1280, 720}),
		DiscreteSize(Size{1920, 1080}),
	}
	return &FakeBackend{
		Info:       Info{Driver: "fake", Card: "fake camera", BusInfo: "platform:fake"},
		Sizes:      map[frame.Format][]SizeRange{frame.FormatUYVY: sizes, frame.FormatGrey: sizes},
		MaxBuffers: 8,
	}
}

// Open returns a new FakeDevice.
func (b *FakeBackend) Open(ctx context.Context, path string) (Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Unavailable {
		return nil, fault.Newf(fault.DeviceUnavailable, "open "+path, "no such device")
	}
	d := &FakeDevice{
		backend: b,
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	b.devices = append(b.devices, d)
	return d, nil
}

// Devices returns every device opened so far.
func (b *FakeBackend) Devices() []*FakeDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*FakeDevice(nil), b.devices...)
}

// FakeDevice is one open fake camera.
type FakeDevice struct {
	backend *FakeBackend

	mu        sync.Mutex
	format    Applied
	buffers   [][]byte
	queued    []int
	ready     []int
	streaming bool
	isClosed  bool
	seq       uint32
	stop      chan struct{}

	notify chan struct{}
	closed chan struct{}
}

func (d *FakeDevice) Query() (Info, error) {
	return d.backend.Info, nil
}

func (d *FakeDevice) Formats() ([]frame.Format, error) {
	formats := make([]frame.Format, 0, len(d.backend.Sizes))
	for f := range d.backend.Sizes {
		formats = append(formats, f)
	}
	return formats, nil
}

func (d *FakeDevice) FrameSizes(f frame.Format) ([]SizeRange, error) {
	return d.backend.Sizes[f], nil
}

func (d *FakeDevice) SetFormat(f frame.Format, size Size) (Applied, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	stride := size.Width * f.BytesPerPixel()
	d.format = Applied{PixelFormat: f, Size: size, Stride: stride, FrameBytes: stride * size.Height}
	return d.format, nil
}

func (d *FakeDevice) RequestBuffers(n int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n > d.backend.MaxBuffers {
		n = d.backend.MaxBuffers
	}
	d.buffers = make([][]byte, n)
	for i := range d.buffers {
		d.buffers[i] = make([]byte, d.format.FrameBytes)
	}
	return n, nil
}

func (d *FakeDevice) Queue(index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isClosed {
		return fault.New(fault.DeviceClosed, "queue")
	}
	if index < 0 || index >= len(d.buffers) {
		return errors.Errorf("no buffer %d", index)
	}
	d.queued = append(d.queued, index)
	return nil
}

func (d *FakeDevice) StreamOn() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.backend.Busy {
		return fault.Newf(fault.DeviceBusy, "stream on", "device is in use")
	}
	if d.streaming {
		return nil
	}
	d.streaming = true
	if interval := d.backend.FrameInterval; interval > 0 {
		d.stop = make(chan struct{})
		go d.produce(interval, d.stop)
	}
	return nil
}

func (d *FakeDevice) produce(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.Emit(1)
		}
	}
}

// Emit fills up to n queued buffers and marks them ready. It returns how many
// frames were produced; a frame is lost when no buffer is queued.
func (d *FakeDevice) Emit(n int) int {
	d.mu.Lock()
	produced := 0
	for ; produced < n && d.streaming && len(d.queued) > 0; produced++ {
		idx := d.queued[0]
		d.queued = d.queued[1:]
		d.seq++
		if d.backend.Fill != nil {
			d.backend.Fill(d.seq, d.buffers[idx])
		} else {
			b := d.buffers[idx]
			for i := range b {
				b[i] = byte(d.seq)
			}
		}
		d.ready = append(d.ready, idx)
	}
	d.mu.Unlock()
	if produced > 0 {
		select {
		case d.notify <- struct{}{}:
		default:
		}
	}
	return produced
}

func (d *FakeDevice) StreamOff() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.streaming {
		return nil
	}
	d.streaming = false
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
	d.queued = nil
	d.ready = nil
	return nil
}

// Streaming reports whether the device is streaming.
func (d *FakeDevice) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming
}

// Queued returns how many buffers are queued to the fake driver.
func (d *FakeDevice) Queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queued)
}

func (d *FakeDevice) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	if d.isClosed {
		d.mu.Unlock()
		return false, fault.New(fault.DeviceClosed, "poll")
	}
	if len(d.ready) > 0 {
		d.mu.Unlock()
		return true, nil
	}
	d.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-d.notify:
		return true, nil
	case <-d.closed:
		return false, fault.New(fault.DeviceClosed, "poll")
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return false, nil
	}
}

func (d *FakeDevice) Dequeue() (Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isClosed {
		return Buffer{}, fault.New(fault.DeviceClosed, "dequeue")
	}
	if len(d.ready) == 0 {
		return Buffer{}, fault.ErrEmpty
	}
	idx := d.ready[0]
	d.ready = d.ready[1:]
	return Buffer{Index: idx, Data: d.buffers[idx], Sequence: d.seq}, nil
}

// Closed reports whether Close was called.
func (d *FakeDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isClosed
}

func (d *FakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isClosed {
		return nil
	}
	d.isClosed = true
	d.streaming = false
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
	close(d.closed)
	return nil
}
