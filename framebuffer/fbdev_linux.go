//go:build linux && (amd64 || arm64)

package framebuffer

import (
	"bytes"
	"context"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.intuitus.dev/driver/device"
	"go.intuitus.dev/driver/fault"
	"go.intuitus.dev/driver/frame"
	"go.intuitus.dev/driver/logging"
)

var (
	_ [0]struct{} = [unsafe.Sizeof(fbVarScreeninfo{}) - 160]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(fbFixScreeninfo{}) - 80]struct{}{}
	_ [0]struct{} = [unsafe.Offsetof(fbFixScreeninfo{}.lineLength) - 48]struct{}{}
)

const (
	fbioGetVscreeninfo = 0x4600
	fbioPutVscreeninfo = 0x4601
	fbioGetFscreeninfo = 0x4602
	fbioPanDisplay     = 0x4606

	kdSetMode  = 0x4b3a
	kdText     = 0x00
	kdGraphics = 0x01

	fbActivateNow = 0
)

type fbBitfield struct {
	offset   uint32
	length   uint32
	msbRight uint32
}

type fbVarScreeninfo struct {
	xres, yres               uint32
	xresVirtual, yresVirtual uint32
	xoffset, yoffset         uint32
	bitsPerPixel, grayscale  uint32
	red, green, blue, transp fbBitfield
	nonstd, activate         uint32
	height, width            uint32
	accelFlags               uint32
	pixclock                 uint32
	leftMargin, rightMargin  uint32
	upperMargin, lowerMargin uint32
	hsyncLen, vsyncLen       uint32
	sync, vmode, rotate      uint32
	colorspace               uint32
	reserved                 [4]uint32
}

type fbFixScreeninfo struct {
	id           [16]byte
	smemStart    uint64
	smemLen      uint32
	typ          uint32
	typeAux      uint32
	visual       uint32
	xpanstep     uint16
	ypanstep     uint16
	ywrapstep    uint16
	lineLength   uint32
	mmioStart    uint64
	mmioLen      uint32
	accel        uint32
	capabilities uint16
	reserved     [2]uint16
}

// FbdevBackend opens Linux framebuffer devices. When TTY is set the console
// is switched to graphics mode for as long as the display is open.
type FbdevBackend struct {
	TTY    string
	Logger logging.Logger
}

// Open configures a virtual screen twice the visible height and maps it.
func (b FbdevBackend) Open(ctx context.Context, path string) (Display, error) {
	h, err := device.Open(path, device.ReadWrite)
	if err != nil {
		return nil, err
	}
	d := &fbdevDisplay{h: h, logger: b.Logger}
	if err := d.setup(); err != nil {
		return nil, multierr.Combine(err, h.Close())
	}
	if b.TTY != "" {
		d.graphicsMode(b.TTY)
	}
	return d, nil
}

type fbdevDisplay struct {
	h      *device.Handle
	tty    *device.Handle
	logger logging.Logger
	mem    []byte
	info   ScreenInfo
}

func (d *fbdevDisplay) screenInfo() (fbVarScreeninfo, fbFixScreeninfo, error) {
	var v fbVarScreeninfo
	var f fbFixScreeninfo
	if err := d.h.Ioctl(fbioGetFscreeninfo, unsafe.Pointer(&f)); err != nil {
		return v, f, errors.Wrap(err, "FBIOGET_FSCREENINFO")
	}
	if err := d.h.Ioctl(fbioGetVscreeninfo, unsafe.Pointer(&v)); err != nil {
		return v, f, errors.Wrap(err, "FBIOGET_VSCREENINFO")
	}
	return v, f, nil
}

func (d *fbdevDisplay) setup() error {
	v, f, err := d.screenInfo()
	if err != nil {
		return err
	}
	if v.yresVirtual < 2*v.yres {
		v.yresVirtual = 2 * v.yres
		v.xoffset, v.yoffset = 0, 0
		v.activate = fbActivateNow
		if err := d.h.Ioctl(fbioPutVscreeninfo, unsafe.Pointer(&v)); err != nil {
			return fault.Wrap(fault.FormatUnsupported, "FBIOPUT_VSCREENINFO", err)
		}
		if v, f, err = d.screenInfo(); err != nil {
			return err
		}
	}

	format := screenFormat(v)
	if format == 0 {
		return fault.Newf(fault.FormatUnsupported, "open "+d.h.Path(), "%d bits per pixel screen", v.bitsPerPixel)
	}
	surfaceBytes := int(f.lineLength) * int(v.yres)
	surfaces := 0
	if v.yres > 0 {
		surfaces = min(int(v.yresVirtual/v.yres), 2)
	}
	if surfaceBytes > 0 {
		surfaces = min(surfaces, int(f.smemLen)/surfaceBytes)
	}
	d.info = ScreenInfo{
		ID:       string(bytes.TrimRight(f.id[:], "\x00")),
		Width:    int(v.xres),
		Height:   int(v.yres),
		Stride:   int(f.lineLength),
		Format:   format,
		Surfaces: surfaces,
	}
	if surfaces < 1 {
		return nil
	}

	region, err := d.h.Map(0, surfaceBytes*surfaces)
	if err != nil {
		return err
	}
	if d.mem, err = region.Bytes(); err != nil {
		return err
	}
	return nil
}

func screenFormat(v fbVarScreeninfo) frame.Format {
	switch v.bitsPerPixel {
	case 16:
		return frame.FormatRGB565
	case 24:
		if v.red.offset == 0 {
			return frame.FormatRGB24
		}
		return frame.FormatBGR24
	case 32:
		return frame.FormatBGRA32
	default:
		return 0
	}
}

// graphicsMode stops the console drawing over the framebuffer. Failure only
// leaves the console visible, so it is logged and ignored.
func (d *fbdevDisplay) graphicsMode(path string) {
	tty, err := device.Open(path, device.ReadWrite)
	if err != nil {
		d.warn("could not open tty", "tty", path, "error", err)
		return
	}
	if err := tty.IoctlValue(kdSetMode, kdGraphics); err != nil {
		d.warn("could not switch tty to graphics mode", "tty", path, "error", err)
		goutils.UncheckedError(tty.Close())
		return
	}
	d.tty = tty
}

func (d *fbdevDisplay) warn(msg string, keysAndValues ...interface{}) {
	if d.logger != nil {
		d.logger.Warnw(msg, keysAndValues...)
	}
}

func (d *fbdevDisplay) Info() ScreenInfo {
	return d.info
}

func (d *fbdevDisplay) Surface(i int) ([]byte, error) {
	if i < 0 || i >= d.info.Surfaces || d.mem == nil {
		return nil, fault.Newf(fault.NoSurfaceAvailable, "surface", "no surface %d", i)
	}
	n := d.info.SurfaceBytes()
	return d.mem[i*n : (i+1)*n : (i+1)*n], nil
}

func (d *fbdevDisplay) Pan(i int) error {
	var v fbVarScreeninfo
	if err := d.h.Ioctl(fbioGetVscreeninfo, unsafe.Pointer(&v)); err != nil {
		return errors.Wrap(err, "FBIOGET_VSCREENINFO")
	}
	v.xoffset = 0
	v.yoffset = uint32(i * d.info.Height)
	if err := d.h.Ioctl(fbioPanDisplay, unsafe.Pointer(&v)); err != nil {
		return errors.Wrap(err, "FBIOPAN_DISPLAY")
	}
	return nil
}

func (d *fbdevDisplay) Close() error {
	var err error
	if d.tty != nil {
		err = multierr.Combine(d.tty.IoctlValue(kdSetMode, kdText), d.tty.Close())
		d.tty = nil
	}
	return multierr.Combine(err, d.h.Close())
}
