package pipeline

import (
	"context"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.intuitus.dev/driver/accelerator"
	"go.intuitus.dev/driver/fault"
	"go.intuitus.dev/driver/frame"
	"go.intuitus.dev/driver/framebuffer"
	"go.intuitus.dev/driver/ring"
)

func (p *Pipeline) captureLoop(ctx context.Context) {
	cam := p.devs.Camera
	pool := cam.Ring()
	logger := p.logger.Sublogger("capture")
	for ctx.Err() == nil {
		slot, err := cam.CaptureNext(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil, errors.Is(err, fault.ErrDeviceClosed):
				return
			case errors.Is(err, fault.ErrCaptureTimeout):
				p.stats.captureTimeouts.Inc()
			case errors.Is(err, fault.ErrEmpty):
				p.stats.captureDrops.Inc()
				p.warnDrop("no free frame slot, capture dropped")
			default:
				logger.Errorw("capture failed", "error", err)
				if !goutils.SelectContextOrWait(ctx, p.opts.RecoveryBackoff) {
					return
				}
			}
			continue
		}
		p.stats.captured.Inc()
		if err := p.handoff.TryPush(slot); err != nil {
			p.stats.captureDrops.Inc()
			p.warnDrop("accelerator queue full, capture dropped")
			p.releaseSlot(pool, slot, frame.OwnerCapture)
		}
	}
}

// acceleratorLoop submits frames in capture order and completes jobs oldest
// first, so results leave in capture order.
func (p *Pipeline) acceleratorLoop(ctx context.Context) {
	var inflight []*accelerator.Job
	defer func() { p.drainJobs(inflight) }()

	for {
		for {
			slot, err := p.handoff.TryPop()
			if err != nil {
				break
			}
			if job := p.submit(slot); job != nil {
				inflight = append(inflight, job)
			}
		}
		if len(inflight) == 0 {
			select {
			case <-ctx.Done():
				return
			case slot := <-p.handoff.Ready():
				if job := p.submit(slot); job != nil {
					inflight = append(inflight, job)
				}
			}
			continue
		}
		var ok bool
		if inflight, ok = p.awaitOldest(ctx, inflight); !ok {
			return
		}
	}
}

func (p *Pipeline) submit(slot *ring.Slot) *accelerator.Job {
	job, err := p.devs.Accelerator.Submit(slot)
	if err == nil {
		p.stats.submitted.Inc()
		return job
	}
	p.stats.dropped.Inc()
	if errors.Is(err, fault.ErrQueueFull) {
		p.warnDrop("accelerator busy, frame dropped")
	} else {
		p.logger.Warnw("submit failed, frame dropped", "sequence", slot.Frame().Sequence, "error", err)
	}
	// A rejected frame is still the capture side's.
	p.releaseSlot(p.devs.Camera.Ring(), slot, frame.OwnerCapture)
	return nil
}

func (p *Pipeline) awaitOldest(ctx context.Context, inflight []*accelerator.Job) ([]*accelerator.Job, bool) {
	job := inflight[0]
	st, err := p.devs.Accelerator.Wait(ctx, job, p.opts.JobTimeout)
	switch {
	case err == nil && st == accelerator.Complete:
		p.consecutive = 0
		if p.state.CAS(int32(Degraded), int32(Running)) {
			p.logger.Info("accelerator recovered")
		}
		p.stats.completed.Inc()
		p.complete(ctx, job)
		return inflight[1:], true
	case err == nil:
		p.stats.hardwareFaults.Inc()
		ferr := job.Err()
		p.logger.Warnw("accelerator job failed", "job", job.ID, "sequence", job.Frame.Frame().Sequence, "error", ferr)
		if p.opts.OnFault != nil {
			p.opts.OnFault(ferr)
		}
		p.finishJob(job)
		return inflight[1:], true
	case errors.Is(err, fault.ErrAcceleratorTimeout):
		return nil, p.recover(ctx, inflight, err)
	case ctx.Err() != nil:
		return inflight, false
	default:
		p.fail(errors.Wrapf(err, "wait for job %d", job.ID))
		return inflight, false
	}
}

// recover resets the accelerator after a timeout. In-flight jobs are aborted
// and their frames returned. It reports false once the pipeline has faulted
// or ctx ended.
func (p *Pipeline) recover(ctx context.Context, inflight []*accelerator.Job, cause error) bool {
	p.stats.timeouts.Inc()
	if p.state.CAS(int32(Running), int32(Degraded)) {
		p.logger.Warnw("accelerator timed out, pipeline degraded", "error", cause)
	}
	for {
		p.consecutive++
		if p.consecutive > p.opts.MaxRecoveries {
			if err := p.devs.Accelerator.Reset(ctx); err != nil {
				p.logger.Warnw("failed to reset accelerator", "error", err)
			}
			p.releaseJobs(inflight)
			p.fail(errors.Wrapf(cause, "accelerator unresponsive after %d recoveries", p.opts.MaxRecoveries))
			return false
		}
		p.stats.recovs.Inc()
		p.logger.Warnw("recovering accelerator", "attempt", p.consecutive, "budget", p.opts.MaxRecoveries)
		err := p.devs.Accelerator.Recover(ctx)
		p.releaseJobs(inflight)
		inflight = nil
		if err == nil {
			return true
		}
		p.logger.Errorw("accelerator recovery failed", "error", err)
		cause = err
		if !goutils.SelectContextOrWait(ctx, p.opts.RecoveryBackoff) {
			return false
		}
	}
}

// drainJobs finishes the jobs still in flight when the accelerator worker
// exits. Jobs that do not finish within the job timeout are aborted by a
// recovery, which keeps the model loaded for a later Start.
func (p *Pipeline) drainJobs(jobs []*accelerator.Job) {
	for _, job := range jobs {
		st, _ := p.devs.Accelerator.Wait(context.Background(), job, p.opts.JobTimeout)
		if !st.Terminal() {
			p.logger.Warnw("job still running at stop, recovering accelerator", "job", job.ID)
			if err := p.devs.Accelerator.Recover(context.Background()); err != nil {
				p.logger.Warnw("failed to recover accelerator", "error", err)
			}
		}
		p.finishJob(job)
	}
}

func (p *Pipeline) complete(ctx context.Context, job *accelerator.Job) {
	slot := job.Frame
	out, outDesc, err := p.devs.Accelerator.Output(job)
	if err != nil {
		p.logger.Warnw("cannot read job output", "job", job.ID, "error", err)
		p.finishJob(job)
		return
	}
	if p.opts.Sink != nil {
		meta := slot.Frame()
		res := Result{
			RunID:      p.runID,
			JobID:      job.ID,
			Sequence:   meta.Sequence,
			Timestamp:  meta.Timestamp,
			Latency:    job.Latency(),
			Input:      p.inputDescriptor(slot),
			InputData:  slot.Data(),
			Output:     outDesc,
			OutputData: out,
		}
		if err := p.opts.Sink.Consume(ctx, res); err != nil {
			p.logger.Warnw("result sink failed", "job", job.ID, "error", err)
		}
	}

	if p.opts.Display == DisplayNone {
		p.finishJob(job)
		return
	}
	item := displayItem{slot: slot, job: job}
	if p.opts.Display == DisplayInput {
		// The input stays in the frame, so the command slot can be reused.
		p.releaseJob(job)
		item.job = nil
	}
	if err := slot.Advance(frame.AcceleratorDone, frame.QueuedForDisplay); err != nil {
		p.logger.Warnw("cannot queue frame for display", "job", job.ID, "error", err)
		p.finishItem(item, frame.OwnerAccelerator)
		return
	}
	if err := p.display.TryPush(item); err != nil {
		p.stats.displayDrops.Inc()
		p.warnDrop("display behind, frame not shown")
		p.finishItem(item, frame.OwnerDisplay)
	}
}

// displayItem is a frame on its way to the display. job is set when the
// job's output is shown.
type displayItem struct {
	slot *ring.Slot
	job  *accelerator.Job
}

func (p *Pipeline) displayLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.display.Ready():
			p.show(item)
		}
	}
}

func (p *Pipeline) show(item displayItem) {
	defer p.finishItem(item, frame.OwnerDisplay)
	disp := p.devs.Display
	slot := item.slot

	src, desc := slot.Data(), p.inputDescriptor(slot)
	if item.job != nil {
		var err error
		if src, desc, err = p.devs.Accelerator.Output(item.job); err != nil {
			p.stats.displayDrops.Inc()
			p.logger.Warnw("cannot read job output for display", "job", item.job.ID, "error", err)
			return
		}
	}

	s, err := disp.AcquireWriteSurface()
	if err != nil {
		p.stats.displayDrops.Inc()
		p.warnDrop("no display surface, frame not shown")
		return
	}
	if err := framebuffer.Convert(src, desc, s); err != nil {
		p.stats.displayDrops.Inc()
		p.warnDrop("cannot convert frame for display", "error", err)
		if err := disp.Abandon(s); err != nil {
			p.logger.Warnw("failed to abandon surface", "error", err)
		}
		return
	}
	if err := disp.Present(s); err != nil {
		p.stats.displayDrops.Inc()
		p.logger.Warnw("present failed", "error", err)
		return
	}
	if err := slot.Advance(frame.QueuedForDisplay, frame.Displayed); err != nil {
		p.logger.Warnw("cannot mark frame displayed", "slot", slot.Index(), "error", err)
		return
	}
	p.stats.displayed.Inc()
}

// inputDescriptor describes a captured frame, including row padding.
func (p *Pipeline) inputDescriptor(slot *ring.Slot) frame.Descriptor {
	d := slot.Frame().Descriptor()
	if stride := p.devs.Camera.Capabilities().Stride; stride > 0 && stride != d.Width*d.Format.BytesPerPixel() {
		d.Stride = stride
	}
	return d
}

// finishJob releases a terminal job and returns its frame to the pool.
func (p *Pipeline) finishJob(job *accelerator.Job) {
	p.releaseJob(job)
	p.releaseSlot(p.devs.Camera.Ring(), job.Frame, frame.OwnerAccelerator)
}

// finishItem returns a display item's frame, which owner holds.
func (p *Pipeline) finishItem(item displayItem, owner frame.Owner) {
	if item.job != nil {
		p.releaseJob(item.job)
	}
	p.releaseSlot(p.devs.Camera.Ring(), item.slot, owner)
}

func (p *Pipeline) releaseJob(job *accelerator.Job) {
	if err := p.devs.Accelerator.Release(job); err != nil {
		p.logger.Warnw("failed to release job", "job", job.ID, "error", err)
	}
}

func (p *Pipeline) releaseJobs(jobs []*accelerator.Job) {
	for _, job := range jobs {
		p.finishJob(job)
	}
}

// releaseSlot frees slot on behalf of owner. A frame held by another stage is
// left alone and logged.
func (p *Pipeline) releaseSlot(pool *ring.Ring, slot *ring.Slot, owner frame.Owner) {
	if err := pool.Release(slot, owner); err != nil {
		p.stats.releaseErrors.Inc()
		p.logger.Warnw("failed to release frame", "slot", slot.Index(), "error", err)
	}
}

func (p *Pipeline) warnDrop(msg string, keysAndValues ...interface{}) {
	if !p.warn.Allow() {
		return
	}
	keysAndValues = append(keysAndValues,
		"dropped", p.stats.dropped.Load(),
		"captureDrops", p.stats.captureDrops.Load(),
		"displayDrops", p.stats.displayDrops.Load())
	p.logger.Warnw(msg, keysAndValues...)
}
