//go:build linux && (amd64 || arm64)

package camera

import (
	"bytes"
	"context"
	"runtime"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"go.intuitus.dev/driver/device"
	"go.intuitus.dev/driver/fault"
	"go.intuitus.dev/driver/frame"
)

// V4L2Backend opens /dev/video* nodes through the V4L2 ioctl interface with
// memory-mapped streaming I/O.
type V4L2Backend struct{}

// Open opens the node non-blocking so DQBUF never parks the caller.
func (V4L2Backend) Open(ctx context.Context, path string) (Device, error) {
	h, err := device.Open(path, device.ReadWrite|device.NonBlock)
	if err != nil {
		return nil, err
	}
	return &v4l2Device{h: h, planes: make([]v4l2Plane, maxPlanes)}, nil
}

type v4l2Device struct {
	h       *device.Handle
	bufType uint32
	buffers []*device.Region
	// planes is heap allocated; its address is handed to the kernel.
	planes []v4l2Plane
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (d *v4l2Device) Query() (Info, error) {
	var caps v4l2Capability
	if err := d.h.Ioctl(vidiocQuerycap, unsafe.Pointer(&caps)); err != nil {
		return Info{}, errors.Wrap(err, "VIDIOC_QUERYCAP")
	}
	flags := caps.capabilities
	if flags&capDeviceCaps != 0 {
		flags = caps.deviceCaps
	}
	if flags&capStreaming == 0 {
		return Info{}, fault.Newf(fault.FormatUnsupported, "query", "%s does not support streaming I/O", d.h.Path())
	}
	info := Info{
		Driver:  cstring(caps.driver[:]),
		Card:    cstring(caps.card[:]),
		BusInfo: cstring(caps.busInfo[:]),
	}
	switch {
	case flags&capVideoCaptureMplane != 0:
		info.Multiplanar = true
		d.bufType = bufTypeVideoCaptureMplane
	case flags&capVideoCapture != 0:
		d.bufType = bufTypeVideoCapture
	default:
		return Info{}, fault.Newf(fault.FormatUnsupported, "query", "%s is not a capture device", d.h.Path())
	}
	return info, nil
}

func (d *v4l2Device) Formats() ([]frame.Format, error) {
	var formats []frame.Format
	for i := uint32(0); ; i++ {
		desc := v4l2Fmtdesc{index: i, typ: d.bufType}
		if err := d.h.Ioctl(vidiocEnumFmt, unsafe.Pointer(&desc)); err != nil {
			if errors.Is(err, unix.EINVAL) {
				return formats, nil
			}
			return nil, errors.Wrap(err, "VIDIOC_ENUM_FMT")
		}
		formats = append(formats, frame.Format(desc.pixelformat))
	}
}

func (d *v4l2Device) FrameSizes(f frame.Format) ([]SizeRange, error) {
	var sizes []SizeRange
	for i := uint32(0); ; i++ {
		e := v4l2Frmsizeenum{index: i, pixelFormat: uint32(f)}
		if err := d.h.Ioctl(vidiocEnumFramesizes, unsafe.Pointer(&e)); err != nil {
			if errors.Is(err, unix.EINVAL) {
				return sizes, nil
			}
			return nil, errors.Wrap(err, "VIDIOC_ENUM_FRAMESIZES")
		}
		switch e.typ {
		case frmsizeTypeDiscrete:
			dd := e.discrete()
			sizes = append(sizes, DiscreteSize(Size{int(dd.width), int(dd.height)}))
		case frmsizeTypeContinuous, frmsizeTypeStepwise:
			sw := e.stepwise()
			sizes = append(sizes, SizeRange{
				Min:  Size{int(sw.minWidth), int(sw.minHeight)},
				Max:  Size{int(sw.maxWidth), int(sw.maxHeight)},
				Step: Size{int(sw.stepWidth), int(sw.stepHeight)},
			})
			// Only one stepwise/continuous entry is reported.
			return sizes, nil
		}
	}
}

func (d *v4l2Device) SetFormat(f frame.Format, size Size) (Applied, error) {
	vf := v4l2Format{typ: d.bufType}
	if d.bufType == bufTypeVideoCaptureMplane {
		mp := vf.pixMp()
		mp.width, mp.height = uint32(size.Width), uint32(size.Height)
		mp.pixelformat = uint32(f)
		mp.field = fieldNone
		mp.numPlanes = 1
	} else {
		pix := vf.pix()
		pix.width, pix.height = uint32(size.Width), uint32(size.Height)
		pix.pixelformat = uint32(f)
		pix.field = fieldNone
	}
	if err := d.h.Ioctl(vidiocSFmt, unsafe.Pointer(&vf)); err != nil {
		if errors.Is(err, unix.EBUSY) {
			return Applied{}, fault.Wrap(fault.DeviceBusy, "VIDIOC_S_FMT", err)
		}
		return Applied{}, errors.Wrap(err, "VIDIOC_S_FMT")
	}

	if d.bufType == bufTypeVideoCaptureMplane {
		mp := vf.pixMp()
		if mp.numPlanes != 1 {
			return Applied{}, errors.Errorf("%d-plane formats are not supported", mp.numPlanes)
		}
		return Applied{
			PixelFormat: frame.Format(mp.pixelformat),
			Size:        Size{int(mp.width), int(mp.height)},
			Stride:      int(mp.planeFmt[0].bytesperline),
			FrameBytes:  int(mp.planeFmt[0].sizeimage),
		}, nil
	}
	pix := vf.pix()
	return Applied{
		PixelFormat: frame.Format(pix.pixelformat),
		Size:        Size{int(pix.width), int(pix.height)},
		Stride:      int(pix.bytesperline),
		FrameBytes:  int(pix.sizeimage),
	}, nil
}

func (d *v4l2Device) RequestBuffers(n int) (int, error) {
	req := v4l2RequestBuffers{count: uint32(n), typ: d.bufType, memory: memoryMmap}
	if err := d.h.Ioctl(vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		if errors.Is(err, unix.EBUSY) {
			return 0, fault.Wrap(fault.DeviceBusy, "VIDIOC_REQBUFS", err)
		}
		return 0, errors.Wrap(err, "VIDIOC_REQBUFS")
	}

	d.buffers = make([]*device.Region, 0, req.count)
	for i := uint32(0); i < req.count; i++ {
		buf := d.newBuffer(i)
		if err := d.h.Ioctl(vidiocQuerybuf, unsafe.Pointer(buf)); err != nil {
			return 0, errors.Wrapf(err, "VIDIOC_QUERYBUF %d", i)
		}
		offset, length := int64(buf.m), int(buf.length)
		if d.bufType == bufTypeVideoCaptureMplane {
			offset, length = int64(d.planes[0].memOffset()), int(d.planes[0].length)
		}
		runtime.KeepAlive(d.planes)
		region, err := d.h.Map(offset, length)
		if err != nil {
			return 0, err
		}
		d.buffers = append(d.buffers, region)
	}
	return int(req.count), nil
}

func (d *v4l2Device) newBuffer(index uint32) *v4l2Buffer {
	buf := &v4l2Buffer{index: index, typ: d.bufType, memory: memoryMmap}
	if d.bufType == bufTypeVideoCaptureMplane {
		clear(d.planes)
		buf.m = uintptr(unsafe.Pointer(&d.planes[0]))
		buf.length = 1
	}
	return buf
}

func (d *v4l2Device) Queue(index int) error {
	buf := d.newBuffer(uint32(index))
	err := d.h.Ioctl(vidiocQbuf, unsafe.Pointer(buf))
	runtime.KeepAlive(d.planes)
	return errors.Wrapf(err, "VIDIOC_QBUF %d", index)
}

func (d *v4l2Device) streamIoctl(req uint, name string) error {
	typ := int32(d.bufType)
	if err := d.h.Ioctl(req, unsafe.Pointer(&typ)); err != nil {
		if errors.Is(err, unix.EBUSY) {
			return fault.Wrap(fault.DeviceBusy, name, err)
		}
		return errors.Wrap(err, name)
	}
	return nil
}

func (d *v4l2Device) StreamOn() error {
	return d.streamIoctl(vidiocStreamon, "VIDIOC_STREAMON")
}

func (d *v4l2Device) StreamOff() error {
	return d.streamIoctl(vidiocStreamoff, "VIDIOC_STREAMOFF")
}

func (d *v4l2Device) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	return d.h.Wait(ctx, timeout)
}

func (d *v4l2Device) Dequeue() (Buffer, error) {
	buf := d.newBuffer(0)
	err := d.h.Ioctl(vidiocDqbuf, unsafe.Pointer(buf))
	runtime.KeepAlive(d.planes)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return Buffer{}, fault.ErrEmpty
		}
		return Buffer{}, errors.Wrap(err, "VIDIOC_DQBUF")
	}
	if int(buf.index) >= len(d.buffers) {
		return Buffer{}, errors.Errorf("VIDIOC_DQBUF returned unknown buffer %d", buf.index)
	}
	used := int(buf.bytesused)
	if d.bufType == bufTypeVideoCaptureMplane {
		used = int(d.planes[0].bytesused)
	}
	mem, err := d.buffers[buf.index].Bytes()
	if err != nil {
		return Buffer{}, err
	}
	if used <= 0 || used > len(mem) {
		used = len(mem)
	}
	return Buffer{
		Index:    int(buf.index),
		Data:     mem[:used],
		Sequence: buf.sequence,
	}, nil
}

func (d *v4l2Device) Close() error {
	return d.h.Close()
}
