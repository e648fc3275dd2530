package accelerator

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"go.intuitus.dev/driver/fault"
	"go.intuitus.dev/driver/ring"
)

// Status is the state of a job.
type Status int

// Jobs move Submitted -> Running -> Complete or Failed.
const (
	Submitted Status = iota
	Running
	Complete
	Failed
)

func (s Status) String() string {
	switch s {
	case Submitted:
		return "submitted"
	case Running:
		return "running"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether the job has finished.
func (s Status) Terminal() bool {
	return s == Complete || s == Failed
}

// Job is one inference submitted to the accelerator.
type Job struct {
	ID        uint64
	Frame     *ring.Slot
	Slot      int
	Submitted time.Time

	output Shape

	mu       sync.Mutex
	status   Status
	code     int32
	finished time.Time
	released bool
}

// Status returns the last observed status. Use Poll to refresh it.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Code returns the raw hardware code of a failed job.
func (j *Job) Code() int32 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.code
}

// Latency returns how long the job ran, or zero if it has not finished.
func (j *Job) Latency() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finished.IsZero() {
		return 0
	}
	return j.finished.Sub(j.Submitted)
}

// Err returns the hardware fault of a failed job and nil otherwise.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != Failed {
		return nil
	}
	return &fault.Error{
		Kind: fault.HardwareFault,
		Op:   fmt.Sprintf("job %d", j.ID),
		Code: j.code,
		Err:  errors.New(CodeString(j.code)),
	}
}

func (j *Job) String() string {
	return fmt.Sprintf("job %d (slot %d, frame %d, %s)", j.ID, j.Slot, j.Frame.Index(), j.Status())
}

// finish moves the job to a terminal state, unpinning its frame. It returns
// false if the job had already finished.
func (j *Job) finish(status Status, code int32, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	j.status = status
	j.code = code
	j.finished = now
	j.Frame.Unpin()
	return true
}

func (j *Job) setRunning() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status == Submitted {
		j.status = Running
	}
}
