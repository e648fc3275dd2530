package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorgonia.org/tensor"

	"go.intuitus.dev/driver/accelerator"
	"go.intuitus.dev/driver/frame"
)

// Result is one completed inference. InputData and OutputData are views into
// driver buffers and are valid only during Consume.
type Result struct {
	RunID      uuid.UUID
	JobID      uint64
	Sequence   uint64
	Timestamp  time.Time
	Latency    time.Duration
	Input      frame.Descriptor
	InputData  []byte
	Output     frame.Descriptor
	OutputData []byte
}

// ResultSink receives completed inferences in capture order. Consume runs on
// the accelerator worker and should return quickly.
type ResultSink interface {
	Consume(ctx context.Context, r Result) error
}

// SinkFunc adapts a function to a ResultSink.
type SinkFunc func(ctx context.Context, r Result) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, r Result) error {
	return f(ctx, r)
}

// TensorSink decodes each output into a (C, H, W) tensor before calling fn.
// The tensor owns its memory and may be kept.
func TensorSink(fn func(ctx context.Context, r Result, t *tensor.Dense) error) ResultSink {
	return SinkFunc(func(ctx context.Context, r Result) error {
		t, err := accelerator.ToTensor(r.OutputData, r.Output)
		if err != nil {
			return err
		}
		return fn(ctx, r, t)
	})
}
