// Package fault defines the typed failures surfaced by the driver core. Every
// hardware-facing package returns *Error values so callers can branch on the
// Kind and, for accelerator faults, inspect the raw hardware code.
package fault

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies what went wrong.
type Kind int

// The failure kinds.
const (
	Unknown Kind = iota

	// Resource errors, reported immediately and never retried by the core.
	DeviceUnavailable
	DeviceBusy
	DeviceClosed

	// Negotiation errors, fatal to the attempted operation.
	FormatUnsupported
	ModelRejected

	// Transient I/O errors.
	CaptureTimeout
	QueueFull
	AcceleratorTimeout

	// HardwareFault is a job that the accelerator itself reported as failed.
	HardwareFault

	// Contract violations and non-blocking "nothing available" signals.
	Empty
	InvalidRelease
	NoSurfaceAvailable
	Faulted
)

var kindNames = map[Kind]string{
	Unknown:            "unknown",
	DeviceUnavailable:  "device unavailable",
	DeviceBusy:         "device busy",
	DeviceClosed:       "device closed",
	FormatUnsupported:  "format unsupported",
	ModelRejected:      "model rejected",
	CaptureTimeout:     "capture timeout",
	QueueFull:          "queue full",
	AcceleratorTimeout: "accelerator timeout",
	HardwareFault:      "hardware fault",
	Empty:              "empty",
	InvalidRelease:     "invalid release",
	NoSurfaceAvailable: "no surface available",
	Faulted:            "pipeline faulted",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Class groups kinds by how the caller is expected to react.
type Class int

// The failure classes.
const (
	ClassUnknown Class = iota
	ClassResource
	ClassNegotiation
	ClassTransient
	ClassHardware
	ClassContract
)

// Class returns the class the kind belongs to.
func (k Kind) Class() Class {
	switch k {
	case DeviceUnavailable, DeviceBusy, DeviceClosed:
		return ClassResource
	case FormatUnsupported, ModelRejected:
		return ClassNegotiation
	case CaptureTimeout, QueueFull, AcceleratorTimeout:
		return ClassTransient
	case HardwareFault:
		return ClassHardware
	case Empty, InvalidRelease, NoSurfaceAvailable, Faulted:
		return ClassContract
	case Unknown:
		return ClassUnknown
	default:
		return ClassUnknown
	}
}

// Error is a failure with a kind, the operation that produced it, an optional
// raw hardware code and an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Code int32
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (code %d)", msg, e.Code)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. This lets callers
// match against the sentinel values below with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// Sentinels for errors.Is matching.
var (
	ErrDeviceUnavailable  = &Error{Kind: DeviceUnavailable}
	ErrDeviceBusy         = &Error{Kind: DeviceBusy}
	ErrDeviceClosed       = &Error{Kind: DeviceClosed}
	ErrFormatUnsupported  = &Error{Kind: FormatUnsupported}
	ErrModelRejected      = &Error{Kind: ModelRejected}
	ErrCaptureTimeout     = &Error{Kind: CaptureTimeout}
	ErrQueueFull          = &Error{Kind: QueueFull}
	ErrAcceleratorTimeout = &Error{Kind: AcceleratorTimeout}
	ErrHardwareFault      = &Error{Kind: HardwareFault}
	ErrEmpty              = &Error{Kind: Empty}
	ErrInvalidRelease     = &Error{Kind: InvalidRelease}
	ErrNoSurfaceAvailable = &Error{Kind: NoSurfaceAvailable}
	ErrFaulted            = &Error{Kind: Faulted}
)

// New returns an error of the given kind for op.
func New(kind Kind, op string) error {
	return &Error{Kind: kind, Op: op}
}

// Newf returns an error of the given kind whose cause is a formatted message.
func Newf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// Wrap returns an error of the given kind caused by err. A nil err still
// produces an error.
func Wrap(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Hardware returns a HardwareFault carrying the raw device code.
func Hardware(op string, code int32) error {
	return &Error{Kind: HardwareFault, Op: op, Code: code}
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// CodeOf returns the raw hardware code of the first *Error in err's chain.
func CodeOf(err error) int32 {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// IsTransient reports whether err is recoverable by dropping and continuing.
func IsTransient(err error) bool {
	return KindOf(err).Class() == ClassTransient
}
