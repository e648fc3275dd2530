//go:build linux

// Package device wraps an open /dev node: exclusive open, shared memory
// mappings, ioctls and readiness waits. A Handle owns its file descriptor and
// every region mapped from it; after Close no accessor hands out mapped
// memory.
package device

import (
	"context"
	"encoding/binary"
	"sync"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"go.intuitus.dev/driver/fault"
)

// Mode is the set of options a handle is opened with.
type Mode uint8

// Open modes.
const (
	ReadWrite Mode = 1 << iota
	NonBlock
	Exclusive
)

// pollSlice bounds each poll(2) so context cancellation is noticed.
const pollSlice = 100 * time.Millisecond

// Handle is an open device node.
type Handle struct {
	path string
	mode Mode

	// mu is held for reading by every operation that uses fd and for writing
	// by Close. closing is set before Close takes mu so pollers can bail out.
	mu      sync.RWMutex
	closing atomic.Bool
	closed  bool
	fd      int
	wakeFd  int
	regions []*Region
}

// Region is a shared mapping of part of the device.
type Region struct {
	h      *Handle
	offset int64
	data   []byte
}

// Open opens path with the given mode. A missing node, a permission error or
// an exclusive lock already held elsewhere yields fault.ErrDeviceUnavailable.
func Open(path string, mode Mode) (*Handle, error) {
	flags := unix.O_CLOEXEC
	if mode&ReadWrite != 0 {
		flags |= unix.O_RDWR
	} else {
		flags |= unix.O_RDONLY
	}
	if mode&NonBlock != 0 {
		flags |= unix.O_NONBLOCK
	}

	fd, err := openRetry(path, flags)
	if err != nil {
		if errors.Is(err, unix.EBUSY) {
			return nil, fault.Wrap(fault.DeviceBusy, "open "+path, err)
		}
		return nil, fault.Wrap(fault.DeviceUnavailable, "open "+path, err)
	}

	if mode&Exclusive != 0 {
		if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
			closeErr := unix.Close(fd)
			return nil, fault.Wrap(fault.DeviceUnavailable, "lock "+path, multierr.Combine(err, closeErr))
		}
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		closeErr := unix.Close(fd)
		return nil, fault.Wrap(fault.DeviceUnavailable, "eventfd", multierr.Combine(err, closeErr))
	}

	return &Handle{path: path, mode: mode, fd: fd, wakeFd: wakeFd}, nil
}

func openRetry(path string, flags int) (int, error) {
	for {
		fd, err := unix.Open(path, flags, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return fd, err
	}
}

// Path returns the path the handle was opened with.
func (h *Handle) Path() string {
	return h.path
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	return h.closing.Load()
}

func (h *Handle) closedErr(op string) error {
	return fault.New(fault.DeviceClosed, op+" "+h.path)
}

// Map creates a shared read/write mapping of length bytes at offset.
func (h *Handle) Map(offset int64, length int) (*Region, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, h.closedErr("mmap")
	}
	prot := unix.PROT_READ
	if h.mode&ReadWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(h.fd, offset, length, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s at %d (%d bytes)", h.path, offset, length)
	}
	r := &Region{h: h, offset: offset, data: data}
	h.regions = append(h.regions, r)
	return r, nil
}

// Unmap releases a single region before the handle is closed.
func (h *Handle) Unmap(r *Region) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, other := range h.regions {
		if other == r {
			h.regions = append(h.regions[:i], h.regions[i+1:]...)
			data := r.data
			r.data = nil
			return unix.Munmap(data)
		}
	}
	return nil
}

// Ioctl issues req with a pointer argument, retrying on EINTR. Close waits
// for an ioctl in progress to return.
func (h *Handle) Ioctl(req uint, arg unsafe.Pointer) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return h.closedErr("ioctl")
	}
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(h.fd), uintptr(req), uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}

// IoctlValue issues req with a plain integer argument, retrying on EINTR.
func (h *Handle) IoctlValue(req uint, value uintptr) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return h.closedErr("ioctl")
	}
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(h.fd), uintptr(req), value)
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}

// Wait blocks until the device is readable, timeout elapses or ctx is done.
// It reports false with a nil error on timeout. A concurrent Close wakes the
// waiter, which then returns fault.ErrDeviceClosed.
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	if h.closing.Load() {
		return false, h.closedErr("poll")
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return false, h.closedErr("poll")
	}

	deadline := time.Now().Add(timeout)
	fds := []unix.PollFd{
		{Fd: int32(h.fd), Events: unix.POLLIN | unix.POLLPRI},
		{Fd: int32(h.wakeFd), Events: unix.POLLIN},
	}
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		slice := remaining
		if slice > pollSlice {
			slice = pollSlice
		}
		fds[0].Revents, fds[1].Revents = 0, 0
		n, err := unix.Poll(fds, int(slice.Milliseconds())+1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return false, errors.Wrapf(err, "poll %s", h.path)
		}
		if fds[1].Revents != 0 || h.closing.Load() {
			return false, h.closedErr("poll")
		}
		if n > 0 && fds[0].Revents != 0 {
			if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 && fds[0].Revents&unix.POLLIN == 0 {
				return false, errors.Errorf("poll %s: revents %#x", h.path, fds[0].Revents)
			}
			return true, nil
		}
	}
}

// Close wakes waiters, unmaps every region and releases the lock and file
// descriptor. Calling Close again returns nil.
func (h *Handle) Close() error {
	if h.closing.Swap(true) {
		return nil
	}
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	//nolint:errcheck
	unix.Write(h.wakeFd, one[:])

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true

	var errs error
	for _, r := range h.regions {
		if r.data != nil {
			errs = multierr.Combine(errs, unix.Munmap(r.data))
			r.data = nil
		}
	}
	h.regions = nil
	if h.mode&Exclusive != 0 {
		errs = multierr.Combine(errs, unix.Flock(h.fd, unix.LOCK_UN))
	}
	errs = multierr.Combine(errs, unix.Close(h.fd), unix.Close(h.wakeFd))
	return errors.Wrapf(errs, "close %s", h.path)
}

// Bytes returns the mapped memory. It fails with fault.ErrDeviceClosed once
// the handle is closed or the region unmapped. The slice is not protected
// against a later Close; use Access for reads that may race one.
func (r *Region) Bytes() ([]byte, error) {
	r.h.mu.RLock()
	defer r.h.mu.RUnlock()
	if r.h.closed || r.data == nil {
		return nil, r.h.closedErr("region")
	}
	return r.data, nil
}

// Access calls fn with the mapped memory while holding the handle open, so
// a concurrent Close or Unmap waits for fn to return. fn must not retain the
// slice or call back into the handle's Close.
func (r *Region) Access(fn func(mem []byte) error) error {
	r.h.mu.RLock()
	defer r.h.mu.RUnlock()
	if r.h.closed || r.data == nil {
		return r.h.closedErr("region")
	}
	return fn(r.data)
}

// Offset returns the device offset the region was mapped at.
func (r *Region) Offset() int64 {
	return r.offset
}

// Len returns the region's length.
func (r *Region) Len() int {
	return len(r.data)
}
