// Package accelerator drives the Intuitus CNN accelerator.
//
// An Interface owns one Transport, the loaded model and a fixed number of
// command slots. Submit hands a captured frame to a free command slot and
// pins the frame until the job finishes; Poll and Wait observe the slot's
// completion flag. Failed jobs carry the device's raw error code and are
// never retried here.
package accelerator

import (
	"context"
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

// Defaults applied to zero Options fields.
const (
	DefaultTimeout      = 2 * time.Second
	DefaultPollInterval = time.Millisecond
)

// Options configures Open.
type Options struct {
	// Open opens the transport, both initially and on Recover.
	Open Opener
	// Timeout bounds Wait when the caller passes no timeout.
	Timeout time.Duration
	// PollInterval is how often Wait re-reads completion flags between
	// transport notifications.
	PollInterval time.Duration
	Clock        clock.Clock
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// Interface is an open accelerator.
type Interface struct {
	logger logging.Logger
	opts   Options
	ids    atomic.Uint64
	done   chan struct{}

	mu        sync.Mutex
	transport Transport
	info      Info
	model     *Model
	// last is the most recently loaded model, reloaded by Recover.
	last   *Model
	jobs   []*Job
	closed bool
}

// Open opens the transport.
func Open(ctx context.Context, opts Options, logger logging.Logger) (*Interface, error) {
	opts.applyDefaults()
	if opts.Open == nil {
		return nil, errors.New("accelerator: no transport configured")
	}
	t, err := opts.Open(ctx)
	if err != nil {
		return nil, err
	}
	a := &Interface{
		logger: logger,
		opts:   opts,
		done:   make(chan struct{}),
	}
	a.attach(t)
	logger.Infow("accelerator open",
		"transport", a.info.Name,
		"slots", a.info.Slots,
		"capacity", units.BytesSize(float64(a.info.Capacity)),
		"scatterGather", a.info.ScatterGather)
	return a, nil
}

func (a *Interface) attach(t Transport) {
	a.transport = t
	a.info = t.Info()
	if len(a.jobs) != a.info.Slots {
		jobs := make([]*Job, a.info.Slots)
		copy(jobs, a.jobs)
		a.jobs = jobs
	}
}

// Info describes the open transport.
func (a *Interface) Info() Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

// Model returns the loaded model, or nil.
func (a *Interface) Model() *Model {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.model
}

// InFlight returns the number of jobs that have not finished.
func (a *Interface) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlightLocked()
}

func (a *Interface) inFlightLocked() int {
	n := 0
	for _, j := range a.jobs {
		if j != nil && !j.Status().Terminal() {
			n++
		}
	}
	return n
}

// LoadModel validates payload and transfers it to the device. The previous
// model is replaced only once the transfer succeeds; a failed transfer
// unloads the device so no partial model remains.
func (a *Interface) LoadModel(ctx context.Context, payload []byte) error {
	m, err := ParseModel(payload)
	if err != nil {
		return err
	}
	m.Body = append([]byte(nil), m.Body...)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fault.New(fault.DeviceClosed, "load model")
	}
	if n := a.inFlightLocked(); n > 0 {
		return fault.Newf(fault.DeviceBusy, "load model", "%d jobs in flight", n)
	}
	return a.loadLocked(ctx, m)
}

func (a *Interface) loadLocked(ctx context.Context, m *Model) error {
	if a.transport == nil {
		return fault.New(fault.DeviceUnavailable, "load model")
	}
	if err := m.fits(a.info); err != nil {
		return err
	}
	start := a.opts.Clock.Now()
	if err := a.transport.Load(ctx, m); err != nil {
		a.model = nil
		return multierr.Combine(errors.Wrap(err, "load model"), a.transport.Unload())
	}
	a.model = m
	a.last = m
	a.logger.Infow("model loaded",
		"size", units.BytesSize(float64(len(m.Body))),
		"input", m.Input,
		"output", m.Output,
		"took", a.opts.Clock.Since(start))
	return nil
}

// Submit starts inference on a captured frame. It never blocks: with no free
// command slot it fails with fault.ErrQueueFull and leaves the frame
// untouched. On success the frame is QueuedForAccelerator and pinned until
// the job finishes. On any error the frame is left Captured and unpinned, so
// the capture side still owns it.
func (a *Interface) Submit(slot *ring.Slot) (*Job, error) {
	const op = "submit"
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fault.New(fault.DeviceClosed, op)
	}
	if a.model == nil {
		return nil, fault.Newf(fault.ModelRejected, op, "no model loaded")
	}
	if st := slot.State(); st != frame.Captured {
		return nil, fault.Newf(fault.InvalidRelease, op, "frame %d is %v, not captured", slot.Index(), st)
	}
	data := slot.Data()
	if !a.info.ScatterGather && a.info.InputBytes > 0 && len(data) > a.info.InputBytes {
		return nil, fault.Newf(fault.FormatUnsupported, op, "frame of %d bytes exceeds %d byte input slot",
			len(data), a.info.InputBytes)
	}
	idx := -1
	for i, j := range a.jobs {
		if j == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fault.New(fault.QueueFull, op)
	}

	job := &Job{
		ID:        a.ids.Inc(),
		Frame:     slot,
		Slot:      idx,
		Submitted: a.opts.Clock.Now(),
		output:    a.model.Output,
	}
	slot.Pin()
	if err := a.transport.Start(idx, data); err != nil {
		slot.Unpin()
		return nil, errors.Wrapf(err, "start job %d", job.ID)
	}
	// The frame was checked Captured above and only its holder advances it.
	if err := slot.Advance(frame.Captured, frame.QueuedForAccelerator); err != nil {
		slot.Unpin()
		return nil, err
	}
	a.jobs[idx] = job
	return job, nil
}

// Poll reads the job's completion flag without blocking and returns the
// updated status.
func (a *Interface) Poll(job *Job) (Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pollLocked(job)
}

func (a *Interface) pollLocked(job *Job) (Status, error) {
	if st := job.Status(); st.Terminal() {
		return st, nil
	}
	if a.closed || a.transport == nil {
		return job.Status(), fault.New(fault.DeviceClosed, "poll")
	}
	st, code, err := a.transport.Status(job.Slot)
	if err != nil {
		return job.Status(), err
	}
	switch st {
	case SlotBusy:
		job.setRunning()
	case SlotDone:
		if err := job.Frame.Advance(frame.QueuedForAccelerator, frame.AcceleratorDone); err != nil {
			return job.Status(), err
		}
		job.finish(Complete, 0, a.opts.Clock.Now())
	case SlotFailed:
		job.finish(Failed, code, a.opts.Clock.Now())
		a.logger.Warnw("accelerator job failed", "job", job.ID, "code", code, "reason", CodeString(code))
	case SlotIdle:
	}
	return job.Status(), nil
}

// Wait blocks until the job finishes, the timeout elapses
// (fault.ErrAcceleratorTimeout), ctx ends or the interface is closed
// (fault.ErrDeviceClosed). A timeout of zero or less uses the configured
// default.
func (a *Interface) Wait(ctx context.Context, job *Job, timeout time.Duration) (Status, error) {
	if timeout <= 0 {
		timeout = a.opts.Timeout
	}
	timer := a.opts.Clock.Timer(timeout)
	defer timer.Stop()
	ticker := a.opts.Clock.Ticker(a.opts.PollInterval)
	defer ticker.Stop()

	for {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return job.Status(), fault.New(fault.DeviceClosed, "wait")
		}
		st, err := a.pollLocked(job)
		var notify <-chan struct{}
		if a.transport != nil {
			notify = a.transport.Notify()
		}
		a.mu.Unlock()
		if err != nil || st.Terminal() {
			return st, err
		}

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-a.done:
			return st, fault.New(fault.DeviceClosed, "wait")
		case <-timer.C:
			return st, fault.Newf(fault.AcceleratorTimeout, "wait", "job %d not done after %v", job.ID, timeout)
		case <-notify:
		case <-ticker.C:
		}
	}
}

// Output returns a view of a completed job's output and its descriptor. The
// view is valid until Release.
func (a *Interface) Output(job *Job) ([]byte, frame.Descriptor, error) {
	const op = "output"
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.transport == nil {
		return nil, frame.Descriptor{}, fault.New(fault.DeviceClosed, op)
	}
	if st := job.Status(); st != Complete {
		return nil, frame.Descriptor{}, fault.Newf(fault.Empty, op, "job %d is %v", job.ID, st)
	}
	if !a.holds(job) {
		return nil, frame.Descriptor{}, fault.Newf(fault.InvalidRelease, op, "job %d was released", job.ID)
	}
	buf, err := a.transport.Output(job.Slot)
	if err != nil {
		return nil, frame.Descriptor{}, err
	}
	n := job.output.Len()
	if n > len(buf) {
		return nil, frame.Descriptor{}, errors.Errorf("output of %d bytes is shorter than %v", len(buf), job.output)
	}
	desc := frame.Descriptor{
		Width:    job.output.W,
		Height:   job.output.H,
		Channels: job.output.C,
		Elem:     frame.ElemFloat8,
		Format:   frame.FormatFloat8,
	}
	return buf[:n], desc, nil
}

func (a *Interface) holds(job *Job) bool {
	return job.Slot < len(a.jobs) && a.jobs[job.Slot] == job
}

// Release frees the job's command slot. Only finished jobs can be released,
// and only once.
func (a *Interface) Release(job *Job) error {
	const op = "release job"
	a.mu.Lock()
	defer a.mu.Unlock()

	job.mu.Lock()
	defer job.mu.Unlock()
	if !job.status.Terminal() {
		return fault.Newf(fault.InvalidRelease, op, "job %d is %v", job.ID, job.status)
	}
	if job.released {
		return fault.Newf(fault.InvalidRelease, op, "job %d already released", job.ID)
	}
	job.released = true
	if a.holds(job) {
		a.jobs[job.Slot] = nil
	}
	return nil
}

// abortLocked fails every unfinished job with CodeAborted.
func (a *Interface) abortLocked() int {
	n := 0
	now := a.opts.Clock.Now()
	for _, j := range a.jobs {
		if j != nil && j.finish(Failed, CodeAborted, now) {
			n++
		}
	}
	return n
}

// Reset aborts all in-flight jobs, resets the transport and clears the
// loaded model. Aborted jobs still have to be released.
func (a *Interface) Reset(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fault.New(fault.DeviceClosed, "reset")
	}
	if n := a.abortLocked(); n > 0 {
		a.logger.Infow("aborted in-flight jobs", "count", n)
	}
	a.model = nil
	if a.transport == nil {
		return nil
	}
	return errors.Wrap(a.transport.Reset(ctx), "reset transport")
}

// Recover resets the device, reopens the transport and reloads the last
// successfully loaded model.
func (a *Interface) Recover(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fault.New(fault.DeviceClosed, "recover")
	}
	a.abortLocked()
	a.model = nil
	if a.transport != nil {
		// The old transport must be closed before reopening: the proxy node is
		// opened exclusively. A transport whose Close waits for hardware (the
		// proxy waits out the module's PROXY_TIMEOUT) stalls Recover, and with
		// it every caller of a.mu, for that long.
		if err := multierr.Combine(a.transport.Reset(ctx), a.transport.Close()); err != nil {
			a.logger.Warnw("failed to shut down transport cleanly", "error", err)
		}
		a.transport = nil
	}
	t, err := a.opts.Open(ctx)
	if err != nil {
		return errors.Wrap(err, "reopen transport")
	}
	a.attach(t)
	if a.last == nil {
		return nil
	}
	return a.loadLocked(ctx, a.last)
}

func (a *Interface) diagnostics() (Diagnostics, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.transport == nil {
		return nil, fault.New(fault.DeviceClosed, "diagnostics")
	}
	d, ok := a.transport.(Diagnostics)
	if !ok {
		return nil, errors.Errorf("transport %q has no diagnostics", a.info.Name)
	}
	return d, nil
}

// SelfTest runs the device's built-in self test.
func (a *Interface) SelfTest(ctx context.Context) error {
	d, err := a.diagnostics()
	if err != nil {
		return err
	}
	return d.SelfTest(ctx)
}

// PrintNetwork asks the device to dump the loaded network to its log.
func (a *Interface) PrintNetwork() error {
	d, err := a.diagnostics()
	if err != nil {
		return err
	}
	return d.PrintNetwork()
}

// PrintLayer asks the device to dump one layer to its log.
func (a *Interface) PrintLayer(id int) error {
	d, err := a.diagnostics()
	if err != nil {
		return err
	}
	return d.PrintLayer(id)
}

// Close aborts in-flight jobs, wakes every Wait and closes the transport.
// Closing twice returns nil.
func (a *Interface) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	close(a.done)
	a.abortLocked()
	a.model = nil
	if a.transport == nil {
		return nil
	}
	err := a.transport.Close()
	a.transport = nil
	return err
}
