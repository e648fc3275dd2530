package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"
	"gorgonia.org/tensor"

	"go.intuitus.dev/driver/accelerator"
	"go.intuitus.dev/driver/camera"
	"go.intuitus.dev/driver/fault"
	"go.intuitus.dev/driver/frame"
	"go.intuitus.dev/driver/framebuffer"
	"go.intuitus.dev/driver/logging"
	"go.intuitus.dev/driver/ring"
)

const (
	testWidth  = 320
	testHeight = 240
)

type rig struct {
	devs      Devices
	camera    *camera.FakeBackend
	transport *accelerator.FakeTransport
	display   *framebuffer.Framebuffer
}

func newRig(t *testing.T, interval, latency time.Duration) *rig {
	t.Helper()
	ctx := context.Background()
	logger := logging.NewTestLogger(t)

	cb := camera.NewFakeBackend()
	cb.FrameInterval = interval
	req := camera.Format{PixelFormat: frame.FormatGrey, Width: testWidth, Height: testHeight}
	cam, err := camera.Open(ctx, "/dev/video0", req, camera.Options{Backend: cb}, logger)
	test.That(t, err, test.ShouldBeNil)

	ft := accelerator.NewFakeTransport(accelerator.FakeInfo, nil, logger)
	ft.SetLatency(latency)
	acc, err := accelerator.Open(ctx, accelerator.Options{Open: ft.Opener(), PollInterval: time.Millisecond}, logger)
	test.That(t, err, test.ShouldBeNil)
	shape := accelerator.Shape{C: 1, H: testHeight, W: testWidth}
	test.That(t, acc.LoadModel(ctx, accelerator.EncodeModel(shape, shape, []byte("weights"))), test.ShouldBeNil)

	fb, err := framebuffer.Open(ctx, "", framebuffer.Options{Backend: framebuffer.NewFakeBackend()}, logger)
	test.That(t, err, test.ShouldBeNil)

	return &rig{
		devs:      Devices{Camera: cam, Accelerator: acc, Display: fb},
		camera:    cb,
		transport: ft,
		display:   fb,
	}
}

func newPipeline(t *testing.T, r *rig, opts Options) *Pipeline {
	t.Helper()
	p, err := New(r.devs, opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { test.That(t, p.Close(), test.ShouldBeNil) })
	return p
}

func allFree(t testing.TB, c Camera) {
	st := c.Ring().Stats()
	test.That(t, st.ByState[frame.Free], test.ShouldEqual, st.Capacity)
}

type recorder struct {
	mu      sync.Mutex
	results []Result
	faults  []error
}

func (r *recorder) Consume(ctx context.Context, res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Buffers are only valid during the call.
	res.InputData, res.OutputData = nil, nil
	r.results = append(r.results, res)
	return nil
}

func (r *recorder) onFault(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = append(r.faults, err)
}

func (r *recorder) snapshot() ([]Result, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...), append([]error(nil), r.faults...)
}

func TestNew(t *testing.T) {
	logger := logging.NewTestLogger(t)
	_, err := New(Devices{}, Options{}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	r := newRig(t, 0, 0)
	defer r.devs.Close()
	devs := r.devs
	devs.Display = nil
	_, err = New(devs, Options{Display: DisplayOutput}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	p, err := New(devs, Options{}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.State(), test.ShouldEqual, Idle)

	for in, want := range map[string]DisplaySource{"": DisplayNone, "input": DisplayInput, "output": DisplayOutput} {
		got, err := ParseDisplaySource(in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldEqual, want)
	}
	_, err = ParseDisplaySource("hdmi")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestResultsInCaptureOrder(t *testing.T) {
	r := newRig(t, 2*time.Millisecond, time.Millisecond)
	rec := &recorder{}
	p := newPipeline(t, r, Options{Display: DisplayInput, Sink: rec, OnFault: rec.onFault})
	test.That(t, p.Start(), test.ShouldBeNil)
	test.That(t, p.State(), test.ShouldEqual, Running)
	test.That(t, p.Start(), test.ShouldNotBeNil)

	testutils.WaitForAssertionWithSleep(t, 5*time.Millisecond, 1000, func(tb testing.TB) {
		tb.Helper()
		st := p.Stats()
		test.That(tb, st.Completed, test.ShouldBeGreaterThanOrEqualTo, 20)
		test.That(tb, st.Displayed, test.ShouldBeGreaterThan, 0)
	})
	test.That(t, p.Stop(), test.ShouldBeNil)
	test.That(t, p.State(), test.ShouldEqual, Stopped)
	<-p.Done()

	results, faults := rec.snapshot()
	test.That(t, faults, test.ShouldBeEmpty)
	for i, res := range results {
		test.That(t, res.RunID, test.ShouldEqual, p.RunID())
		test.That(t, res.Input.Width, test.ShouldEqual, testWidth)
		test.That(t, res.Output.Elem, test.ShouldEqual, frame.ElemFloat8)
		if i > 0 {
			test.That(t, res.Sequence, test.ShouldBeGreaterThan, results[i-1].Sequence)
			test.That(t, res.JobID, test.ShouldBeGreaterThan, results[i-1].JobID)
		}
	}
	st := p.Stats()
	test.That(t, st.Captured, test.ShouldBeGreaterThanOrEqualTo, st.Submitted)
	test.That(t, st.Submitted, test.ShouldBeGreaterThanOrEqualTo, st.Completed)
	test.That(t, r.display.Presents(), test.ShouldEqual, st.Displayed)
	allFree(t, r.devs.Camera)
}

func TestQueueFullDropsAndCaptureContinues(t *testing.T) {
	r := newRig(t, time.Millisecond, 30*time.Millisecond)
	p := newPipeline(t, r, Options{})
	test.That(t, p.Start(), test.ShouldBeNil)

	testutils.WaitForAssertionWithSleep(t, 5*time.Millisecond, 1000, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, p.Stats().Dropped, test.ShouldBeGreaterThan, 3)
	})
	captured := p.Stats().Captured
	testutils.WaitForAssertionWithSleep(t, 5*time.Millisecond, 1000, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, p.Stats().Captured, test.ShouldBeGreaterThan, captured+10)
	})
	test.That(t, p.Stop(), test.ShouldBeNil)

	st := p.Stats()
	test.That(t, st.State, test.ShouldEqual, Stopped)
	test.That(t, st.Submitted, test.ShouldBeLessThan, st.Captured)
	test.That(t, st.Captured, test.ShouldBeGreaterThanOrEqualTo, st.Submitted+st.Dropped)
	test.That(t, st.HardwareFaults, test.ShouldEqual, uint64(0))
	allFree(t, r.devs.Camera)
}

func TestHardwareFaultSurfaced(t *testing.T) {
	r := newRig(t, 2*time.Millisecond, time.Millisecond)
	r.transport.SetFailCode(accelerator.CodeDMA)
	rec := &recorder{}
	p := newPipeline(t, r, Options{Display: DisplayOutput, Sink: rec, OnFault: rec.onFault})
	test.That(t, p.Start(), test.ShouldBeNil)

	testutils.WaitForAssertionWithSleep(t, 5*time.Millisecond, 1000, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, p.Stats().HardwareFaults, test.ShouldBeGreaterThanOrEqualTo, 3)
	})
	test.That(t, p.State(), test.ShouldEqual, Running)
	test.That(t, p.Stop(), test.ShouldBeNil)

	results, faults := rec.snapshot()
	test.That(t, results, test.ShouldBeEmpty)
	test.That(t, len(faults), test.ShouldBeGreaterThanOrEqualTo, 3)
	for _, err := range faults {
		test.That(t, errors.Is(err, fault.ErrHardwareFault), test.ShouldBeTrue)
		test.That(t, fault.CodeOf(err), test.ShouldEqual, accelerator.CodeDMA)
	}
	// Failed jobs are never retried.
	test.That(t, r.transport.Counts().Starts, test.ShouldEqual, int(p.Stats().Submitted))
	test.That(t, p.Stats().Displayed, test.ShouldEqual, uint64(0))
	allFree(t, r.devs.Camera)
}

func TestTimeoutsExhaustRecovery(t *testing.T) {
	r := newRig(t, 2*time.Millisecond, time.Millisecond)
	r.transport.SetStall(true)
	rec := &recorder{}
	fresh := newRig(t, 2*time.Millisecond, time.Millisecond)
	p := newPipeline(t, r, Options{
		JobTimeout:    20 * time.Millisecond,
		MaxRecoveries: 2,
		OnFault:       rec.onFault,
		Sink:          rec,
		Reopen: func(ctx context.Context) (Devices, error) {
			return fresh.devs, nil
		},
	})
	firstRun := p.RunID()
	test.That(t, p.Start(), test.ShouldBeNil)

	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not fault")
	}
	test.That(t, p.State(), test.ShouldEqual, Faulted)
	test.That(t, errors.Is(p.Err(), fault.ErrFaulted), test.ShouldBeTrue)

	st := p.Stats()
	test.That(t, st.Timeouts, test.ShouldEqual, uint64(3))
	test.That(t, st.Recoveries, test.ShouldEqual, uint64(2))
	test.That(t, st.Completed, test.ShouldEqual, uint64(0))
	// One open at start and one per recovery.
	test.That(t, r.transport.Counts().Opens, test.ShouldEqual, 3)

	_, faults := rec.snapshot()
	test.That(t, len(faults), test.ShouldEqual, 1)
	test.That(t, errors.Is(faults[0], fault.ErrFaulted), test.ShouldBeTrue)

	_, err := p.Submit(nil)
	test.That(t, errors.Is(err, fault.ErrFaulted), test.ShouldBeTrue)
	test.That(t, errors.Is(p.Start(), fault.ErrFaulted), test.ShouldBeTrue)

	test.That(t, p.Stop(), test.ShouldBeNil)
	test.That(t, p.State(), test.ShouldEqual, Faulted)
	allFree(t, r.devs.Camera)

	test.That(t, p.Reinitialize(context.Background()), test.ShouldBeNil)
	test.That(t, p.State(), test.ShouldEqual, Idle)
	test.That(t, p.Err(), test.ShouldBeNil)
	test.That(t, p.RunID(), test.ShouldNotEqual, firstRun)
	test.That(t, r.transport.IsClosed(), test.ShouldBeTrue)

	test.That(t, p.Start(), test.ShouldBeNil)
	testutils.WaitForAssertionWithSleep(t, 5*time.Millisecond, 1000, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, p.Stats().Completed, test.ShouldBeGreaterThan, 0)
	})
	results, _ := rec.snapshot()
	test.That(t, results[0].RunID, test.ShouldEqual, p.RunID())
}

func TestTensorSink(t *testing.T) {
	r := newRig(t, 2*time.Millisecond, time.Millisecond)
	shapes := make(chan []int, 16)
	sink := TensorSink(func(ctx context.Context, res Result, out *tensor.Dense) error {
		select {
		case shapes <- []int(out.Shape()):
		default:
		}
		return nil
	})
	p := newPipeline(t, r, Options{Sink: sink})
	test.That(t, p.Start(), test.ShouldBeNil)

	select {
	case shape := <-shapes:
		test.That(t, shape, test.ShouldResemble, []int{1, testHeight, testWidth})
	case <-time.After(10 * time.Second):
		t.Fatal("no result")
	}
	test.That(t, p.Stop(), test.ShouldBeNil)
	test.That(t, p.Stop(), test.ShouldBeNil)
}

// presentLog records the centre pixel of every presented surface. The fake
// camera fills each grey frame with its sequence number's low byte.
type presentLog struct {
	Display
	mu     sync.Mutex
	values []byte
}

func (l *presentLog) Present(s *framebuffer.Surface) error {
	px := s.Pix[(s.Height/2)*s.Stride+(s.Width/2)*s.Format.BytesPerPixel()]
	l.mu.Lock()
	l.values = append(l.values, px)
	l.mu.Unlock()
	return l.Display.Present(s)
}

func (l *presentLog) snapshot() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.values...)
}

func TestDisplayInCaptureOrder(t *testing.T) {
	r := newRig(t, 2*time.Millisecond, time.Millisecond)
	shown := &presentLog{Display: r.display}
	r.devs.Display = shown
	p := newPipeline(t, r, Options{Display: DisplayInput})
	test.That(t, p.Start(), test.ShouldBeNil)

	testutils.WaitForAssertionWithSleep(t, 5*time.Millisecond, 1000, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, p.Stats().Displayed, test.ShouldBeGreaterThanOrEqualTo, 20)
	})
	test.That(t, p.Stop(), test.ShouldBeNil)

	values := shown.snapshot()
	test.That(t, len(values), test.ShouldBeGreaterThanOrEqualTo, 20)
	for i := 1; i < len(values); i++ {
		// Sequence bytes wrap at 256; a frame shown out of order steps backwards.
		step := int(values[i] - values[i-1])
		test.That(t, step, test.ShouldBeBetweenOrEqual, 1, 127)
	}
	allFree(t, r.devs.Camera)
}

// countingAccelerator counts the submissions refused for a full queue.
type countingAccelerator struct {
	Accelerator
	mu        sync.Mutex
	calls     int
	queueFull int
}

func (c *countingAccelerator) Submit(slot *ring.Slot) (*accelerator.Job, error) {
	job, err := c.Accelerator.Submit(slot)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if errors.Is(err, fault.ErrQueueFull) {
		c.queueFull++
	}
	return job, err
}

func (c *countingAccelerator) counts() (calls, queueFull int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls, c.queueFull
}

func TestEveryQueueFullIsCountedAsDrop(t *testing.T) {
	r := newRig(t, time.Millisecond, 20*time.Millisecond)
	acc := &countingAccelerator{Accelerator: r.devs.Accelerator}
	r.devs.Accelerator = acc
	p := newPipeline(t, r, Options{})
	test.That(t, p.Start(), test.ShouldBeNil)

	testutils.WaitForAssertionWithSleep(t, 5*time.Millisecond, 1000, func(tb testing.TB) {
		tb.Helper()
		_, queueFull := acc.counts()
		test.That(tb, queueFull, test.ShouldBeGreaterThan, 5)
	})
	test.That(t, p.Stop(), test.ShouldBeNil)

	calls, queueFull := acc.counts()
	st := p.Stats()
	test.That(t, st.Dropped, test.ShouldEqual, uint64(queueFull))
	test.That(t, st.Submitted+st.Dropped, test.ShouldEqual, uint64(calls))
	test.That(t, st.ReleaseErrors, test.ShouldEqual, uint64(0))
	allFree(t, r.devs.Camera)
}
