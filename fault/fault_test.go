package fault

import (
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestErrorMatching(t *testing.T) {
	err := Wrap(QueueFull, "submit", errors.New("all 4 command slots busy"))
	test.That(t, errors.Is(err, ErrQueueFull), test.ShouldBeTrue)
	test.That(t, errors.Is(err, ErrCaptureTimeout), test.ShouldBeFalse)

	wrapped := errors.Wrap(err, "pipeline")
	test.That(t, errors.Is(wrapped, ErrQueueFull), test.ShouldBeTrue)
	test.That(t, KindOf(wrapped), test.ShouldEqual, QueueFull)
	test.That(t, wrapped.Error(), test.ShouldEqual, "pipeline: submit: queue full: all 4 command slots busy")
}

func TestHardwareCode(t *testing.T) {
	err := errors.Wrap(Hardware("job 7", -6), "wait")
	test.That(t, errors.Is(err, ErrHardwareFault), test.ShouldBeTrue)
	test.That(t, CodeOf(err), test.ShouldEqual, int32(-6))
	test.That(t, err.Error(), test.ShouldContainSubstring, "(code -6)")

	test.That(t, CodeOf(errors.New("plain")), test.ShouldEqual, int32(0))
	test.That(t, KindOf(nil), test.ShouldEqual, Unknown)
}

func TestClasses(t *testing.T) {
	for _, tc := range []struct {
		kind  Kind
		class Class
	}{
		{DeviceUnavailable, ClassResource},
		{DeviceBusy, ClassResource},
		{DeviceClosed, ClassResource},
		{FormatUnsupported, ClassNegotiation},
		{ModelRejected, ClassNegotiation},
		{CaptureTimeout, ClassTransient},
		{QueueFull, ClassTransient},
		{AcceleratorTimeout, ClassTransient},
		{HardwareFault, ClassHardware},
		{InvalidRelease, ClassContract},
		{Faulted, ClassContract},
	} {
		t.Run(tc.kind.String(), func(t *testing.T) {
			test.That(t, tc.kind.Class(), test.ShouldEqual, tc.class)
		})
	}
	test.That(t, IsTransient(New(AcceleratorTimeout, "wait")), test.ShouldBeTrue)
	test.That(t, IsTransient(New(ModelRejected, "load")), test.ShouldBeFalse)
	test.That(t, Kind(99).String(), test.ShouldEqual, "kind(99)")
}
