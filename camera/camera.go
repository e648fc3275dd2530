// Package camera captures frames from a V4L2 video device into a ring of
// preallocated slots.
//
// A Capture moves through Closed -> Negotiated -> Streaming -> Closed. Open
// negotiates the closest supported frame size, requests and maps the
// driver's buffers and sizes the frame ring from the negotiated image size.
// CaptureNext copies each completed driver buffer into a free slot and hands
// the driver buffer back immediately, so the device never starves while a
// frame is being processed downstream.
package camera

import (
	"context"
	"iter"
	"math"
	"os/exec"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.intuitus.dev/driver/fault"
	"go.intuitus.dev/driver/frame"
	"go.intuitus.dev/driver/logging"
	"go.intuitus.dev/driver/ring"
)

// State is the lifecycle state of a Capture.
type State int32

// The capture states.
const (
	Closed State = iota
	Negotiated
	Streaming
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Negotiated:
		return "negotiated"
	case Streaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Defaults applied to zero Options fields.
const (
	DefaultBufferCount    = 4
	DefaultTolerance      = 0.25
	DefaultCaptureTimeout = time.Second
)

// ErrNotStreaming is returned by CaptureNext before StartStreaming.
var ErrNotStreaming = errors.New("camera is not streaming")

// Format is a requested capture format.
type Format struct {
	PixelFormat frame.Format
	Width       int
	Height      int
}

// Options configures Open.
type Options struct {
	Backend Backend
	// BufferCount is the number of driver buffers requested.
	BufferCount int
	// RingSize is the number of frame slots; defaults to BufferCount+2.
	RingSize int
	// Tolerance is the largest accepted relative difference between the
	// requested and negotiated width or height.
	Tolerance      float64
	CaptureTimeout time.Duration
	// InitCommands run through the shell before the device is opened, e.g.
	// media-ctl calls that configure a sensor pipeline.
	InitCommands []string
	Clock        clock.Clock
}

func (o *Options) applyDefaults() {
	if o.BufferCount <= 0 {
		o.BufferCount = DefaultBufferCount
	}
	if o.RingSize <= 0 {
		o.RingSize = o.BufferCount + 2
	}
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}
	if o.CaptureTimeout <= 0 {
		o.CaptureTimeout = DefaultCaptureTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// CapabilitySet is the format fixed at open time.
type CapabilitySet struct {
	Driver      string
	Card        string
	BusInfo     string
	Multiplanar bool
	// Formats lists every pixel format the device offered.
	Formats     []frame.Format
	PixelFormat frame.Format
	Width       int
	Height      int
	Stride      int
	FrameBytes  int
	BufferCount int
}

// Stats are capture counters.
type Stats struct {
	Captured      uint64
	Timeouts      uint64
	RingEmpty     uint64
	RequeueErrors uint64
}

// Capture is an open camera.
type Capture struct {
	logger logging.Logger
	opts   Options
	path   string

	// mu serializes lifecycle changes. CaptureNext does not hold it while
	// waiting so Close can wake a blocked capture.
	mu    sync.Mutex
	// io is held for reading from dequeue until the buffer is copied and
	// re-queued, and for writing while Close stops and releases the device,
	// so driver memory is never read after it is unmapped.
	io    sync.RWMutex
	state atomic.Int32
	dev   Device
	caps  CapabilitySet
	pool  *ring.Ring
	seq   atomic.Uint64

	captured      atomic.Uint64
	timeouts      atomic.Uint64
	ringEmpty     atomic.Uint64
	requeueErrors atomic.Uint64
}

// Open negotiates req on the device at path. When no supported size is within
// tolerance it fails with fault.ErrFormatUnsupported and nothing stays open.
func Open(ctx context.Context, path string, req Format, opts Options, logger logging.Logger) (*Capture, error) {
	opts.applyDefaults()
	if opts.Backend == nil {
		return nil, errors.New("camera: no backend configured")
	}
	if req.Width <= 0 || req.Height <= 0 {
		return nil, fault.Newf(fault.FormatUnsupported, "open "+path, "invalid size %dx%d", req.Width, req.Height)
	}

	runInitCommands(ctx, opts.InitCommands, logger)

	dev, err := opts.Backend.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	c := &Capture{logger: logger, opts: opts, path: path, dev: dev}
	caps, err := c.negotiate(req)
	if err != nil {
		return nil, multierr.Combine(err, dev.Close())
	}
	pool, err := ring.New(opts.RingSize, caps.FrameBytes)
	if err != nil {
		return nil, multierr.Combine(err, dev.Close())
	}
	c.caps = caps
	c.pool = pool
	c.state.Store(int32(Negotiated))
	logger.Infow("camera negotiated",
		"path", path,
		"card", caps.Card,
		"format", caps.PixelFormat.String(),
		"width", caps.Width,
		"height", caps.Height,
		"frame_size", units.BytesSize(float64(caps.FrameBytes)),
		"buffers", caps.BufferCount,
	)
	return c, nil
}

func runInitCommands(ctx context.Context, cmds []string, logger logging.Logger) {
	for _, cmd := range cmds {
		//nolint:gosec
		out, err := exec.CommandContext(ctx, "sh", "-c", cmd).CombinedOutput()
		if err != nil {
			logger.Warnw("camera init command failed", "command", cmd, "output", string(out), "error", err)
			continue
		}
		logger.Debugw("camera init command", "command", cmd)
	}
}

func (c *Capture) negotiate(req Format) (CapabilitySet, error) {
	op := "negotiate " + c.path
	info, err := c.dev.Query()
	if err != nil {
		return CapabilitySet{}, errors.Wrap(err, op)
	}
	formats, err := c.dev.Formats()
	if err != nil {
		return CapabilitySet{}, errors.Wrap(err, op)
	}
	caps := CapabilitySet{
		Driver:      info.Driver,
		Card:        info.Card,
		BusInfo:     info.BusInfo,
		Multiplanar: info.Multiplanar,
		Formats:     formats,
	}

	found := false
	for _, f := range formats {
		if f == req.PixelFormat {
			found = true
			break
		}
	}
	if !found {
		return CapabilitySet{}, fault.Newf(fault.FormatUnsupported, op, "pixel format %s not offered", req.PixelFormat)
	}

	sizes, err := c.dev.FrameSizes(req.PixelFormat)
	if err != nil {
		return CapabilitySet{}, errors.Wrap(err, op)
	}
	size, ok := closestSize(sizes, Size{req.Width, req.Height}, c.opts.Tolerance)
	if !ok {
		return CapabilitySet{}, fault.Newf(fault.FormatUnsupported, op,
			"no %s size within %.0f%% of %dx%d", req.PixelFormat, c.opts.Tolerance*100, req.Width, req.Height)
	}

	applied, err := c.dev.SetFormat(req.PixelFormat, size)
	if err != nil {
		return CapabilitySet{}, fault.Wrap(fault.FormatUnsupported, op, err)
	}
	if applied.PixelFormat != req.PixelFormat || !withinTolerance(applied.Size, Size{req.Width, req.Height}, c.opts.Tolerance) {
		return CapabilitySet{}, fault.Newf(fault.FormatUnsupported, op,
			"device applied %s %dx%d", applied.PixelFormat, applied.Width, applied.Height)
	}

	granted, err := c.dev.RequestBuffers(c.opts.BufferCount)
	if err != nil {
		return CapabilitySet{}, errors.Wrap(err, op)
	}
	if granted < 2 {
		return CapabilitySet{}, fault.Newf(fault.FormatUnsupported, op, "device granted %d buffers", granted)
	}

	caps.PixelFormat = applied.PixelFormat
	caps.Width = applied.Width
	caps.Height = applied.Height
	caps.Stride = applied.Stride
	caps.FrameBytes = applied.FrameBytes
	caps.BufferCount = granted
	if caps.FrameBytes <= 0 {
		caps.FrameBytes = caps.Width * caps.Height * caps.PixelFormat.BytesPerPixel()
	}
	return caps, nil
}

// closestSize picks the supported size nearest to want, or false when none is
// within tol of each dimension.
func closestSize(ranges []SizeRange, want Size, tol float64) (Size, bool) {
	best := Size{}
	bestDist := math.MaxInt
	for _, r := range ranges {
		cand := r.nearest(want)
		if !withinTolerance(cand, want, tol) {
			continue
		}
		dist := abs(cand.Width-want.Width) + abs(cand.Height-want.Height)
		if dist < bestDist {
			best, bestDist = cand, dist
		}
	}
	return best, bestDist != math.MaxInt
}

func withinTolerance(got, want Size, tol float64) bool {
	return float64(abs(got.Width-want.Width)) <= tol*float64(want.Width) &&
		float64(abs(got.Height-want.Height)) <= tol*float64(want.Height)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Capabilities returns the format negotiated at open time.
func (c *Capture) Capabilities() CapabilitySet {
	return c.caps
}

// Ring returns the frame ring the capture fills.
func (c *Capture) Ring() *ring.Ring {
	return c.pool
}

// State returns the current lifecycle state.
func (c *Capture) State() State {
	return State(c.state.Load())
}

// Stats returns the capture counters.
func (c *Capture) Stats() Stats {
	return Stats{
		Captured:      c.captured.Load(),
		Timeouts:      c.timeouts.Load(),
		RingEmpty:     c.ringEmpty.Load(),
		RequeueErrors: c.requeueErrors.Load(),
	}
}

// StartStreaming queues every driver buffer and starts the stream. It fails
// with fault.ErrDeviceBusy when another process holds the stream.
func (c *Capture) StartStreaming() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.State() {
	case Streaming:
		return nil
	case Closed:
		return fault.New(fault.DeviceClosed, "start streaming "+c.path)
	case Negotiated:
	}
	for i := 0; i < c.caps.BufferCount; i++ {
		if err := c.dev.Queue(i); err != nil {
			return errors.Wrapf(err, "queue buffer %d", i)
		}
	}
	if err := c.dev.StreamOn(); err != nil {
		return err
	}
	c.state.Store(int32(Streaming))
	c.logger.Debugw("camera streaming", "path", c.path)
	return nil
}

// StopStreaming stops the stream; the driver drops every queued buffer.
func (c *Capture) StopStreaming() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopStreamingLocked()
}

func (c *Capture) stopStreamingLocked() error {
	if c.State() != Streaming {
		return nil
	}
	c.state.Store(int32(Negotiated))
	return c.dev.StreamOff()
}

// CaptureNext waits for the next completed driver buffer and copies it into
// a free ring slot, returned in state Captured. It fails with
// fault.ErrCaptureTimeout when nothing arrives within the capture timeout,
// fault.ErrDeviceClosed when the capture is closed and fault.ErrEmpty when
// no slot is free; the driver buffer is re-queued in every case.
func (c *Capture) CaptureNext(ctx context.Context) (*ring.Slot, error) {
	switch c.State() {
	case Closed:
		return nil, fault.New(fault.DeviceClosed, "capture "+c.path)
	case Negotiated:
		return nil, ErrNotStreaming
	case Streaming:
	}

	timeout := c.opts.CaptureTimeout
	start := c.opts.Clock.Now()
	for {
		slot, err := c.dequeue()
		if err == nil {
			return slot, nil
		}
		if !errors.Is(err, fault.ErrEmpty) {
			if c.State() == Closed && !errors.Is(err, fault.ErrDeviceClosed) {
				return nil, fault.Wrap(fault.DeviceClosed, "capture "+c.path, err)
			}
			return nil, err
		}

		remaining := timeout - c.opts.Clock.Since(start)
		if remaining <= 0 {
			c.timeouts.Inc()
			return nil, fault.Newf(fault.CaptureTimeout, "capture "+c.path, "no frame within %s", timeout)
		}
		ready, err := c.dev.Wait(ctx, remaining)
		if err != nil {
			if c.State() == Closed && !errors.Is(err, fault.ErrDeviceClosed) {
				return nil, fault.Wrap(fault.DeviceClosed, "capture "+c.path, err)
			}
			return nil, err
		}
		if !ready {
			c.timeouts.Inc()
			return nil, fault.Newf(fault.CaptureTimeout, "capture "+c.path, "no frame within %s", timeout)
		}
	}
}

// dequeue takes one completed buffer and delivers it. It returns fault.ErrEmpty
// when the driver has nothing ready.
func (c *Capture) dequeue() (*ring.Slot, error) {
	c.io.RLock()
	defer c.io.RUnlock()
	if c.State() == Closed {
		return nil, fault.New(fault.DeviceClosed, "capture "+c.path)
	}
	buf, err := c.dev.Dequeue()
	if err != nil {
		if errors.Is(err, fault.ErrEmpty) {
			return nil, err
		}
		return nil, errors.Wrap(err, "dequeue")
	}
	return c.deliver(buf)
}

func (c *Capture) deliver(buf Buffer) (*ring.Slot, error) {
	slot, acquireErr := c.pool.TryAcquireFree()
	if acquireErr == nil {
		n := copy(slot.Buffer(), buf.Data)
		ts := buf.Timestamp
		if ts.IsZero() {
			ts = c.opts.Clock.Now()
		}
		slot.SetFrame(frame.Frame{
			Width:     c.caps.Width,
			Height:    c.caps.Height,
			Format:    c.caps.PixelFormat,
			Length:    n,
			Sequence:  c.seq.Inc(),
			Timestamp: ts,
		})
	}

	if err := c.dev.Queue(buf.Index); err != nil {
		c.requeueErrors.Inc()
		c.logger.Warnw("failed to re-queue capture buffer", "index", buf.Index, "error", err)
	}

	if acquireErr != nil {
		c.ringEmpty.Inc()
		return nil, acquireErr
	}
	if err := c.pool.Transition(slot, frame.QueuedForCapture, frame.Captured); err != nil {
		return nil, err
	}
	c.captured.Inc()
	return slot, nil
}

// Frames returns a lazy sequence of captured slots. Streaming starts on the
// first pull. Transient errors are yielded and iteration continues; it ends
// when the consumer stops, ctx is done or the capture is closed. Ranging over
// the sequence again resumes capture.
func (c *Capture) Frames(ctx context.Context) iter.Seq2[*ring.Slot, error] {
	return func(yield func(*ring.Slot, error) bool) {
		if err := c.StartStreaming(); err != nil {
			yield(nil, err)
			return
		}
		for ctx.Err() == nil {
			slot, err := c.CaptureNext(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !fault.IsTransient(err) && !errors.Is(err, fault.ErrEmpty) {
					yield(nil, err)
					return
				}
				if !yield(nil, err) {
					return
				}
				continue
			}
			if !yield(slot, nil) {
				return
			}
		}
	}
}

// Close stops streaming and releases the device. Calling Close again returns nil.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == Closed {
		return nil
	}
	// A capture copying a buffer finishes first; later ones see Closed.
	streaming := c.State() == Streaming
	c.state.Store(int32(Closed))
	c.io.Lock()
	defer c.io.Unlock()
	var err error
	if streaming {
		err = c.dev.StreamOff()
	}
	return multierr.Combine(err, c.dev.Close())
}
