// Package pipeline runs the capture, inference and display loop.
//
// Three workers share the frame ring. The capture worker hands captured
// slots to the accelerator worker in capture order. The accelerator worker
// submits them, waits on the oldest job and routes completed jobs to the
// result sink and the display worker. A full accelerator drops the frame
// instead of stalling capture. Accelerator timeouts put the pipeline in
// Degraded and trigger a bounded number of recoveries; once the budget is
// spent the pipeline is Faulted and stays so until Reinitialize.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"go.intuitus.dev/driver/accelerator"
	"go.intuitus.dev/driver/camera"
	"go.intuitus.dev/driver/fault"
	"go.intuitus.dev/driver/frame"
	"go.intuitus.dev/driver/framebuffer"
	"go.intuitus.dev/driver/logging"
	"go.intuitus.dev/driver/ring"
	"go.intuitus.dev/driver/utils"
)

// DefaultMaxRecoveries is the recovery budget: the third consecutive
// accelerator timeout faults the pipeline.
const DefaultMaxRecoveries = 2

// State is the pipeline's run state.
type State int32

// The pipeline states.
const (
	Idle State = iota
	Running
	Degraded
	Faulted
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Degraded:
		return "degraded"
	case Faulted:
		return "faulted"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DisplaySource selects what the display worker shows.
type DisplaySource int

// The display sources.
const (
	DisplayNone DisplaySource = iota
	DisplayInput
	DisplayOutput
)

// ParseDisplaySource maps "none", "input" or "output" to a DisplaySource.
func ParseDisplaySource(s string) (DisplaySource, error) {
	switch s {
	case "", "none":
		return DisplayNone, nil
	case "input":
		return DisplayInput, nil
	case "output":
		return DisplayOutput, nil
	default:
		return DisplayNone, errors.Errorf("unknown display source %q", s)
	}
}

// Camera is the capture side of the pipeline.
type Camera interface {
	StartStreaming() error
	StopStreaming() error
	CaptureNext(ctx context.Context) (*ring.Slot, error)
	Ring() *ring.Ring
	Capabilities() camera.CapabilitySet
	Close() error
}

// Accelerator runs inference jobs.
type Accelerator interface {
	Submit(slot *ring.Slot) (*accelerator.Job, error)
	Wait(ctx context.Context, job *accelerator.Job, timeout time.Duration) (accelerator.Status, error)
	Output(job *accelerator.Job) ([]byte, frame.Descriptor, error)
	Release(job *accelerator.Job) error
	Reset(ctx context.Context) error
	Recover(ctx context.Context) error
	Close() error
}

// Display shows frames.
type Display interface {
	AcquireWriteSurface() (*framebuffer.Surface, error)
	Present(s *framebuffer.Surface) error
	Abandon(s *framebuffer.Surface) error
	Close() error
}

// Devices are the devices a pipeline drives. Display may be nil.
type Devices struct {
	Camera      Camera
	Accelerator Accelerator
	Display     Display
}

// Close closes every device that is set.
func (d Devices) Close() error {
	var err error
	if d.Display != nil {
		err = multierr.Combine(err, d.Display.Close())
	}
	if d.Accelerator != nil {
		err = multierr.Combine(err, d.Accelerator.Close())
	}
	if d.Camera != nil {
		err = multierr.Combine(err, d.Camera.Close())
	}
	return err
}

// Reopener opens a fresh set of devices with the model loaded.
type Reopener func(ctx context.Context) (Devices, error)

// Options configures a Pipeline.
type Options struct {
	Display DisplaySource
	Sink    ResultSink
	// OnFault is called with every hardware fault and with the terminal error.
	OnFault func(err error)
	// MaxRecoveries bounds consecutive recoveries after accelerator timeouts.
	// Negative disables recovery.
	MaxRecoveries int
	// JobTimeout bounds the wait for one job; zero uses the accelerator's.
	JobTimeout time.Duration
	// RecoveryBackoff is the pause between failed recovery attempts.
	RecoveryBackoff time.Duration
	// Reopen is used by Reinitialize.
	Reopen Reopener
	// DropWarnInterval rate limits drop warnings.
	DropWarnInterval time.Duration
	Clock            clock.Clock
}

func (o *Options) applyDefaults() {
	if o.MaxRecoveries == 0 {
		o.MaxRecoveries = DefaultMaxRecoveries
	}
	if o.MaxRecoveries < 0 {
		o.MaxRecoveries = 0
	}
	if o.RecoveryBackoff <= 0 {
		o.RecoveryBackoff = 100 * time.Millisecond
	}
	if o.DropWarnInterval <= 0 {
		o.DropWarnInterval = time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// Stats are the pipeline counters.
type Stats struct {
	RunID           uuid.UUID
	State           State
	Captured        uint64
	Submitted       uint64
	Completed       uint64
	Displayed       uint64
	Dropped         uint64
	CaptureTimeouts uint64
	CaptureDrops    uint64
	DisplayDrops    uint64
	HardwareFaults  uint64
	Timeouts        uint64
	Recoveries      uint64
	// ReleaseErrors counts frames a stage tried to free while another held them.
	ReleaseErrors uint64
}

type counters struct {
	captured, submitted, completed, displayed      atomic.Uint64
	dropped, captureTimeouts, captureDrops         atomic.Uint64
	displayDrops, hardwareFaults, timeouts, recovs atomic.Uint64
	releaseErrors                                  atomic.Uint64
}

// Pipeline drives the capture, inference and display loop.
type Pipeline struct {
	baseLogger logging.Logger
	logger     logging.Logger
	opts       Options
	state      atomic.Int32
	stats      counters
	warn       *rate.Limiter

	mu      sync.Mutex
	runID   uuid.UUID
	devs    Devices
	workers utils.StoppableWorkers
	handoff *ring.Queue[*ring.Slot]
	display *ring.Queue[displayItem]
	// done and cancel are replaced only while no worker runs.
	done   *doneSignal
	cancel context.CancelFunc

	errMu sync.Mutex
	err   error

	// consecutive accelerator timeouts, touched only by the accelerator worker.
	consecutive int
}

type doneSignal struct {
	ch   chan struct{}
	once sync.Once
}

func newDoneSignal() *doneSignal {
	return &doneSignal{ch: make(chan struct{})}
}

func (d *doneSignal) close() {
	d.once.Do(func() { close(d.ch) })
}

// New returns an idle pipeline over devs.
func New(devs Devices, opts Options, logger logging.Logger) (*Pipeline, error) {
	opts.applyDefaults()
	if devs.Camera == nil || devs.Accelerator == nil {
		return nil, errors.New("pipeline: camera and accelerator are required")
	}
	if opts.Display != DisplayNone && devs.Display == nil {
		return nil, errors.Errorf("pipeline: display source %d needs a display", opts.Display)
	}
	p := &Pipeline{
		baseLogger: logger,
		opts:       opts,
		warn:       rate.NewLimiter(rate.Every(opts.DropWarnInterval), 1),
		devs:       devs,
		done:       newDoneSignal(),
	}
	p.newRun()
	return p, nil
}

func (p *Pipeline) newRun() {
	p.runID = uuid.New()
	p.logger = p.baseLogger.WithFields("run", p.runID.String())
}

// RunID identifies the current run. It changes on Reinitialize.
func (p *Pipeline) RunID() uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runID
}

// State returns the run state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return p.snapshot(p.RunID())
}

func (p *Pipeline) snapshot(runID uuid.UUID) Stats {
	return Stats{
		RunID:           runID,
		State:           p.State(),
		Captured:        p.stats.captured.Load(),
		Submitted:       p.stats.submitted.Load(),
		Completed:       p.stats.completed.Load(),
		Displayed:       p.stats.displayed.Load(),
		Dropped:         p.stats.dropped.Load(),
		CaptureTimeouts: p.stats.captureTimeouts.Load(),
		CaptureDrops:    p.stats.captureDrops.Load(),
		DisplayDrops:    p.stats.displayDrops.Load(),
		HardwareFaults:  p.stats.hardwareFaults.Load(),
		Timeouts:        p.stats.timeouts.Load(),
		Recoveries:      p.stats.recovs.Load(),
		ReleaseErrors:   p.stats.releaseErrors.Load(),
	}
}

// Done is closed when the pipeline faults or stops.
func (p *Pipeline) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done.ch
}

// Err returns the terminal error of a Faulted pipeline.
func (p *Pipeline) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Start begins streaming and starts the workers.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch st := p.State(); st {
	case Faulted:
		return fault.Wrap(fault.Faulted, "start", p.Err())
	case Running, Degraded:
		return errors.Errorf("pipeline is already %v", st)
	case Idle, Stopped:
	}
	if err := p.devs.Camera.StartStreaming(); err != nil {
		return errors.Wrap(err, "start streaming")
	}

	capacity := p.devs.Camera.Ring().Capacity()
	p.handoff = ring.NewQueue[*ring.Slot](capacity)
	p.display = ring.NewQueue[displayItem](capacity)
	p.consecutive = 0
	if p.State() == Stopped {
		p.done = newDoneSignal()
	}
	p.state.Store(int32(Running))

	workers := []func(context.Context){p.captureLoop, p.acceleratorLoop}
	if p.opts.Display != DisplayNone {
		workers = append(workers, p.displayLoop)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.workers = utils.NewStoppableWorkersWithContext(ctx, workers...)
	p.logger.Infow("pipeline started", "ring", capacity, "display", p.opts.Display != DisplayNone)
	return nil
}

// Submit hands a captured slot straight to the accelerator. A Faulted
// pipeline refuses with fault.ErrFaulted.
func (p *Pipeline) Submit(slot *ring.Slot) (*accelerator.Job, error) {
	if p.State() == Faulted {
		return nil, fault.Wrap(fault.Faulted, "submit", p.Err())
	}
	p.mu.Lock()
	accel := p.devs.Accelerator
	p.mu.Unlock()
	return accel.Submit(slot)
}

// Stop stops the workers and streaming and returns every frame to the pool.
// A Faulted pipeline stays Faulted.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopLocked()
}

func (p *Pipeline) stopLocked() error {
	if p.workers == nil {
		return nil
	}
	p.workers.Stop()
	p.cancel()
	p.workers = nil
	p.drainQueues()
	err := p.devs.Camera.StopStreaming()
	if p.State() != Faulted {
		p.state.Store(int32(Stopped))
	}
	p.done.close()
	p.logger.Infow("pipeline stopped", "stats", p.snapshot(p.runID))
	return errors.Wrap(err, "stop streaming")
}

// drainQueues returns frames left in the hand-off queues. Workers are stopped.
func (p *Pipeline) drainQueues() {
	pool := p.devs.Camera.Ring()
	for {
		slot, err := p.handoff.TryPop()
		if err != nil {
			break
		}
		p.releaseSlot(pool, slot, frame.OwnerCapture)
	}
	for {
		item, err := p.display.TryPop()
		if err != nil {
			break
		}
		p.finishItem(item, frame.OwnerDisplay)
	}
}

// Reinitialize stops the pipeline, closes its devices and reopens them with
// Options.Reopen. The pipeline is left Idle with a new run ID.
func (p *Pipeline) Reinitialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opts.Reopen == nil {
		return errors.New("pipeline: no reopen function configured")
	}
	stopErr := p.stopLocked()
	if err := p.devs.Close(); err != nil {
		p.logger.Warnw("failed to close devices", "error", err)
	}
	devs, err := p.opts.Reopen(ctx)
	if err != nil {
		return multierr.Combine(stopErr, errors.Wrap(err, "reopen devices"))
	}
	p.devs = devs
	p.errMu.Lock()
	p.err = nil
	p.errMu.Unlock()
	p.done = newDoneSignal()
	p.newRun()
	p.state.Store(int32(Idle))
	p.logger.Info("pipeline reinitialized")
	return nil
}

// Close stops the pipeline and closes its devices.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.stopLocked()
	if p.State() != Faulted {
		p.state.Store(int32(Stopped))
	}
	p.done.close()
	return multierr.Combine(err, p.devs.Close())
}

// fail moves the pipeline to Faulted and cancels the workers. It is called
// only from a worker, while done and cancel are fixed.
func (p *Pipeline) fail(cause error) {
	err := fault.Wrap(fault.Faulted, "pipeline", cause)
	if State(p.state.Swap(int32(Faulted))) == Faulted {
		return
	}
	p.errMu.Lock()
	p.err = err
	p.errMu.Unlock()
	p.done.close()
	p.cancel()

	p.logger.Errorw("pipeline faulted", "error", cause, "stats", p.snapshot(p.runID))
	if p.opts.OnFault != nil {
		p.opts.OnFault(err)
	}
}
