package accelerator

import "context"

// DefaultProxyPath is the node created by the intuitus kernel module.
const DefaultProxyPath = "/dev/intuitus_vdma"

// Raw hardware codes reported by the device for failed operations.
const (
	CodeMemoryAllocFail   int32 = -1
	CodeDimensionMismatch int32 = -2
	CodeNullPointer       int32 = -3
	CodeMaxMemoryLimit    int32 = -4
	CodeCreateDevice      int32 = -5
	CodeDMA               int32 = -6
	CodeOther             int32 = -7

	// CodeTimeout is reported when the device gave up on a job itself.
	CodeTimeout int32 = -8
	// CodeAborted marks jobs cancelled by Reset or Close.
	CodeAborted int32 = -100
)

var codeNames = map[int32]string{
	CodeMemoryAllocFail:   "memory allocation failed",
	CodeDimensionMismatch: "dimension mismatch",
	CodeNullPointer:       "null pointer parameter",
	CodeMaxMemoryLimit:    "memory limit reached",
	CodeCreateDevice:      "device creation failed",
	CodeDMA:               "dma error",
	CodeOther:             "other error",
	CodeTimeout:           "device timeout",
	CodeAborted:           "aborted",
}

// CodeString describes a raw hardware code.
func CodeString(code int32) string {
	if s, ok := codeNames[code]; ok {
		return s
	}
	return "unknown"
}

// SlotStatus is the completion flag of one command slot.
type SlotStatus int

// The command slot states.
const (
	SlotIdle SlotStatus = iota
	SlotBusy
	SlotDone
	SlotFailed
)

// Info describes what a transport can do. It does not change while the
// transport is open.
type Info struct {
	Name string
	// Slots is the number of command slots, i.e. jobs that may be in flight.
	Slots int
	// Capacity is the largest model body the transport accepts.
	Capacity int
	// InputBytes and OutputBytes are the sizes of each slot's buffers.
	InputBytes  int
	OutputBytes int
	// ScatterGather transports read the frame bytes in place instead of
	// copying them into an input slot.
	ScatterGather bool
}

// A Transport moves models, inputs and outputs between the host and the
// accelerator and exposes per-slot completion flags. Methods other than
// Load and Reset must not block.
type Transport interface {
	Info() Info
	// Load transfers the model. A failed Load may leave a partial model on the
	// device; the caller unloads it.
	Load(ctx context.Context, m *Model) error
	Unload() error
	// Start begins execution of the loaded model on input in command slot
	// slot.
	Start(slot int, input []byte) error
	// Status reads the slot's completion flag and, for a failed slot, the raw
	// hardware code.
	Status(slot int) (SlotStatus, int32, error)
	// Output returns the slot's output buffer. It is valid until the slot is
	// started again.
	Output(slot int) ([]byte, error)
	// Notify is signalled whenever some slot may have completed.
	Notify() <-chan struct{}
	Reset(ctx context.Context) error
	Close() error
}

// Diagnostics is implemented by transports that can run the device's
// built-in checks.
type Diagnostics interface {
	SelfTest(ctx context.Context) error
	PrintNetwork() error
	PrintLayer(id int) error
}

// Opener opens a transport. It is called again on recovery.
type Opener func(ctx context.Context) (Transport, error)
