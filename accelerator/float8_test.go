package accelerator

import (
	"testing"

	"go.viam.com/test"

	"go.intuitus.dev/driver/frame"
)

func TestDecodeFloat8(t *testing.T) {
	for _, tc := range []struct {
		in   byte
		want float32
	}{
		{0x00, 0},
		{0x01, 0.0625},
		{0x08, 0.5},
		{0x0f, 0.9375},
		{0x1f, 0.46875},
		{0x32, 2.0 / 128},
		{0xf1, 1.0 / (1 << 19)},
	} {
		test.That(t, DecodeFloat8(tc.in), test.ShouldEqual, tc.want)
	}
}

func TestToTensor(t *testing.T) {
	raw := []byte{0x08, 0x01, 0x00, 0x0f}
	desc := frame.Descriptor{Width: 2, Height: 1, Channels: 2, Elem: frame.ElemFloat8, Format: frame.FormatFloat8}
	tt, err := ToTensor(raw, desc)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, []int(tt.Shape()), test.ShouldResemble, []int{2, 1, 2})
	test.That(t, tt.Data(), test.ShouldResemble, []float32{0.5, 0.0625, 0, 0.9375})

	v, err := tt.At(1, 0, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, float32(0.9375))

	desc.Elem = frame.ElemInt8
	tt, err = ToTensor([]byte{0xff, 1, 2, 3}, desc)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tt.Data(), test.ShouldResemble, []int8{-1, 1, 2, 3})

	_, err = ToTensor(raw[:3], desc)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = ToTensor(raw, frame.Descriptor{Elem: frame.ElemFloat8})
	test.That(t, err, test.ShouldNotBeNil)
}
