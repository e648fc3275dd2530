package framebuffer

import (
	"context"
	"image"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.intuitus.dev/driver/fault"
	"go.intuitus.dev/driver/frame"
	"go.intuitus.dev/driver/logging"
)

func openFake(t *testing.T, screen ScreenInfo) (*Framebuffer, *FakeDisplay) {
	t.Helper()
	b := &FakeBackend{Screen: screen}
	fb, err := Open(context.Background(), "", Options{Backend: b}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return fb, b.Displays()[0]
}

func bgrScreen(w, h int) ScreenInfo {
	return ScreenInfo{ID: "test", Width: w, Height: h, Stride: w * 3, Format: frame.FormatBGR24, Surfaces: 2}
}

func TestOpenRejectsSingleSurface(t *testing.T) {
	b := NewFakeBackend()
	b.Screen.Surfaces = 1
	_, err := Open(context.Background(), "/dev/fb1", Options{Backend: b}, logging.NewTestLogger(t))
	test.That(t, errors.Is(err, fault.ErrFormatUnsupported), test.ShouldBeTrue)
	test.That(t, b.Displays()[0].Closed(), test.ShouldBeTrue)

	b.Unavailable = true
	_, err = Open(context.Background(), "/dev/fb1", Options{Backend: b}, logging.NewTestLogger(t))
	test.That(t, errors.Is(err, fault.ErrDeviceUnavailable), test.ShouldBeTrue)

	_, err = Open(context.Background(), "", Options{}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSwapChain(t *testing.T) {
	fb, d := openFake(t, bgrScreen(4, 2))
	defer fb.Close()

	h, w := fb.ScreenSize()
	test.That(t, h, test.ShouldEqual, 2)
	test.That(t, w, test.ShouldEqual, 4)
	test.That(t, fb.Front(), test.ShouldEqual, 0)

	s, err := fb.AcquireWriteSurface()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Index, test.ShouldEqual, 1)
	test.That(t, len(s.Pix), test.ShouldEqual, 4*2*3)

	_, err = fb.AcquireWriteSurface()
	test.That(t, errors.Is(err, fault.ErrNoSurfaceAvailable), test.ShouldBeTrue)

	test.That(t, fb.Present(s), test.ShouldBeNil)
	test.That(t, fb.Front(), test.ShouldEqual, 1)
	// A surface cannot be presented twice.
	test.That(t, errors.Is(fb.Present(s), fault.ErrInvalidRelease), test.ShouldBeTrue)

	s, err = fb.AcquireWriteSurface()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Index, test.ShouldEqual, 0)
	test.That(t, fb.Abandon(s), test.ShouldBeNil)
	test.That(t, fb.Front(), test.ShouldEqual, 1)

	s, err = fb.AcquireWriteSurface()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fb.Present(s), test.ShouldBeNil)
	test.That(t, d.Pans(), test.ShouldResemble, []int{1, 0})
	test.That(t, fb.Presents(), test.ShouldEqual, uint64(2))
}

func TestFit(t *testing.T) {
	bounds := image.Rect(0, 0, 8, 4)
	test.That(t, fit(image.Pt(8, 4), bounds), test.ShouldResemble, bounds)
	test.That(t, fit(image.Pt(2, 2), bounds), test.ShouldResemble, image.Rect(2, 0, 6, 4))
	test.That(t, fit(image.Pt(16, 4), bounds), test.ShouldResemble, image.Rect(0, 1, 8, 3))
	test.That(t, fit(image.Pt(0, 4), bounds).Empty(), test.ShouldBeTrue)
}

func TestConvertGreyScalesAndCentres(t *testing.T) {
	fb, _ := openFake(t, bgrScreen(8, 4))
	defer fb.Close()
	s, err := fb.AcquireWriteSurface()
	test.That(t, err, test.ShouldBeNil)
	for i := range s.Pix {
		s.Pix[i] = 0xff
	}

	grey := []byte{10, 20, 30, 40}
	err = Convert(grey, frame.Descriptor{Width: 2, Height: 2, Channels: 1, Format: frame.FormatGrey}, s)
	test.That(t, err, test.ShouldBeNil)

	px := func(x, y int) []byte {
		i := y*s.Stride + x*3
		return s.Pix[i : i+3]
	}
	test.That(t, px(0, 0), test.ShouldResemble, []byte{0, 0, 0})
	test.That(t, px(7, 3), test.ShouldResemble, []byte{0, 0, 0})
	test.That(t, px(2, 0), test.ShouldResemble, []byte{10, 10, 10})
	test.That(t, px(3, 1), test.ShouldResemble, []byte{10, 10, 10})
	test.That(t, px(4, 0), test.ShouldResemble, []byte{20, 20, 20})
	test.That(t, px(5, 3), test.ShouldResemble, []byte{40, 40, 40})
}

func TestConvertYUV(t *testing.T) {
	fb, _ := openFake(t, bgrScreen(2, 1))
	defer fb.Close()
	s, err := fb.AcquireWriteSurface()
	test.That(t, err, test.ShouldBeNil)

	desc := frame.Descriptor{Width: 2, Height: 1, Channels: 2, Format: frame.FormatUYVY}
	test.That(t, Convert([]byte{128, 50, 128, 200}, desc, s), test.ShouldBeNil)
	test.That(t, s.Pix, test.ShouldResemble, []byte{50, 50, 50, 200, 200, 200})

	desc.Format = frame.FormatYUYV
	test.That(t, Convert([]byte{60, 128, 70, 128}, desc, s), test.ShouldBeNil)
	test.That(t, s.Pix, test.ShouldResemble, []byte{60, 60, 60, 70, 70, 70})
}

func TestConvertFloat8ToRGB565(t *testing.T) {
	screen := ScreenInfo{Width: 2, Height: 1, Stride: 4, Format: frame.FormatRGB565, Surfaces: 2}
	fb, _ := openFake(t, screen)
	defer fb.Close()
	s, err := fb.AcquireWriteSurface()
	test.That(t, err, test.ShouldBeNil)

	// Two channels; only the first is drawn.
	tensor := []byte{0x0f, 0x00, 0x08, 0x08}
	desc := frame.Descriptor{Width: 2, Height: 1, Channels: 2, Elem: frame.ElemFloat8, Format: frame.FormatFloat8}
	test.That(t, Convert(tensor, desc, s), test.ShouldBeNil)
	test.That(t, s.Pix, test.ShouldResemble, []byte{0xff, 0xff, 0, 0})
}

func TestConvertBGRToBGRA(t *testing.T) {
	screen := ScreenInfo{Width: 1, Height: 1, Stride: 4, Format: frame.FormatBGRA32, Surfaces: 2}
	fb, _ := openFake(t, screen)
	defer fb.Close()
	s, err := fb.AcquireWriteSurface()
	test.That(t, err, test.ShouldBeNil)

	desc := frame.Descriptor{Width: 1, Height: 1, Channels: 3, Format: frame.FormatBGR24}
	test.That(t, Convert([]byte{1, 2, 3}, desc, s), test.ShouldBeNil)
	test.That(t, s.Pix, test.ShouldResemble, []byte{1, 2, 3, 0xff})
}

func TestConvertRejects(t *testing.T) {
	fb, _ := openFake(t, bgrScreen(4, 4))
	defer fb.Close()
	s, err := fb.AcquireWriteSurface()
	test.That(t, err, test.ShouldBeNil)

	for name, tc := range map[string]struct {
		src  []byte
		desc frame.Descriptor
	}{
		"odd 4:2:2 width": {make([]byte, 6), frame.Descriptor{Width: 3, Height: 1, Format: frame.FormatUYVY}},
		"short buffer":    {make([]byte, 3), frame.Descriptor{Width: 2, Height: 2, Format: frame.FormatGrey}},
		"int8 tensor":     {make([]byte, 4), frame.Descriptor{Width: 2, Height: 2, Elem: frame.ElemInt8, Format: frame.FormatInt8}},
		"empty frame":     {nil, frame.Descriptor{Format: frame.FormatGrey}},
	} {
		t.Run(name, func(t *testing.T) {
			err := Convert(tc.src, tc.desc, s)
			test.That(t, errors.Is(err, fault.ErrFormatUnsupported), test.ShouldBeTrue)
		})
	}
	test.That(t, errors.Is(Convert(nil, frame.Descriptor{}, nil), fault.ErrNoSurfaceAvailable), test.ShouldBeTrue)
}

func TestShow(t *testing.T) {
	fb, d := openFake(t, bgrScreen(4, 2))
	defer fb.Close()

	img := []byte{1, 2, 3, 4, 5, 6}
	desc := frame.Descriptor{Width: 2, Height: 1, Channels: 3, Format: frame.FormatBGR24}
	test.That(t, fb.Show(img, desc, 12+3), test.ShouldBeNil)

	front, err := d.Surface(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, front[15:21], test.ShouldResemble, img)
	test.That(t, front[:15], test.ShouldResemble, make([]byte, 15))

	desc.Channels = 1
	test.That(t, errors.Is(fb.Show(img, desc, 0), fault.ErrFormatUnsupported), test.ShouldBeTrue)
	desc.Channels = 3
	test.That(t, errors.Is(fb.Show(img, desc, 12+9), fault.ErrFormatUnsupported), test.ShouldBeTrue)
	big := frame.Descriptor{Width: 5, Height: 1, Channels: 3}
	test.That(t, errors.Is(fb.Show(make([]byte, 15), big, 0), fault.ErrFormatUnsupported), test.ShouldBeTrue)
}

func TestCloseIdempotent(t *testing.T) {
	fb, d := openFake(t, bgrScreen(4, 2))
	test.That(t, fb.Close(), test.ShouldBeNil)
	test.That(t, fb.Close(), test.ShouldBeNil)
	test.That(t, d.Closed(), test.ShouldBeTrue)

	_, err := fb.AcquireWriteSurface()
	test.That(t, errors.Is(err, fault.ErrDeviceClosed), test.ShouldBeTrue)
}
