//go:build linux

package device

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"go.viam.com/test"
	"golang.org/x/sys/unix"

	"go.intuitus.dev/driver/fault"
)

func tempDevice(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "intuitus_vdma")
	test.That(t, os.WriteFile(path, make([]byte, size), 0o600), test.ShouldBeNil)
	return path
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"), ReadWrite)
	test.That(t, errors.Is(err, fault.ErrDeviceUnavailable), test.ShouldBeTrue)
}

func TestExclusive(t *testing.T) {
	path := tempDevice(t, 16)
	first, err := Open(path, ReadWrite|Exclusive)
	test.That(t, err, test.ShouldBeNil)

	_, err = Open(path, ReadWrite|Exclusive)
	test.That(t, errors.Is(err, fault.ErrDeviceUnavailable), test.ShouldBeTrue)

	test.That(t, first.Close(), test.ShouldBeNil)
	second, err := Open(path, ReadWrite|Exclusive)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, second.Close(), test.ShouldBeNil)
}

func TestMapAndClose(t *testing.T) {
	pageSize := os.Getpagesize()
	path := tempDevice(t, 2*pageSize)
	h, err := Open(path, ReadWrite|NonBlock)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h.Path(), test.ShouldEqual, path)

	region, err := h.Map(int64(pageSize), pageSize)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, region.Len(), test.ShouldEqual, pageSize)
	test.That(t, region.Offset(), test.ShouldEqual, int64(pageSize))
	mem, err := region.Bytes()
	test.That(t, err, test.ShouldBeNil)
	copy(mem, "intuitus")

	extra, err := h.Map(0, pageSize)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h.Unmap(extra), test.ShouldBeNil)
	_, err = extra.Bytes()
	test.That(t, errors.Is(err, fault.ErrDeviceClosed), test.ShouldBeTrue)

	test.That(t, h.Close(), test.ShouldBeNil)
	test.That(t, h.Closed(), test.ShouldBeTrue)

	contents, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(contents[pageSize:pageSize+8]), test.ShouldEqual, "intuitus")

	_, err = region.Bytes()
	test.That(t, errors.Is(err, fault.ErrDeviceClosed), test.ShouldBeTrue)
	_, err = h.Map(0, pageSize)
	test.That(t, errors.Is(err, fault.ErrDeviceClosed), test.ShouldBeTrue)

	// Idempotent.
	test.That(t, h.Close(), test.ShouldBeNil)
}

func TestIoctl(t *testing.T) {
	h, err := Open(tempDevice(t, 16), ReadWrite)
	test.That(t, err, test.ShouldBeNil)

	var v int32
	err = h.Ioctl(0x80045600, unsafe.Pointer(&v))
	test.That(t, errors.Is(err, unix.ENOTTY), test.ShouldBeTrue)

	test.That(t, h.Close(), test.ShouldBeNil)
	err = h.Ioctl(0x80045600, unsafe.Pointer(&v))
	test.That(t, errors.Is(err, fault.ErrDeviceClosed), test.ShouldBeTrue)
	err = h.IoctlValue(0x4B3A, 1)
	test.That(t, errors.Is(err, fault.ErrDeviceClosed), test.ShouldBeTrue)
}

func TestWait(t *testing.T) {
	h, err := Open(tempDevice(t, 16), ReadWrite)
	test.That(t, err, test.ShouldBeNil)

	// Regular files are always readable.
	ready, err := h.Wait(context.Background(), time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ready, test.ShouldBeTrue)

	test.That(t, h.Close(), test.ShouldBeNil)
	_, err = h.Wait(context.Background(), time.Second)
	test.That(t, errors.Is(err, fault.ErrDeviceClosed), test.ShouldBeTrue)
}

func TestCloseWakesWaiter(t *testing.T) {
	r, w, err := os.Pipe()
	test.That(t, err, test.ShouldBeNil)
	defer w.Close()
	defer r.Close()

	// A pipe with nothing written never becomes readable.
	h, err := Open("/proc/self/fd/"+strconv.Itoa(int(r.Fd())), 0)
	test.That(t, err, test.ShouldBeNil)

	ready, err := h.Wait(context.Background(), 20*time.Millisecond)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ready, test.ShouldBeFalse)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.Wait(context.Background(), time.Minute)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	test.That(t, h.Close(), test.ShouldBeNil)

	select {
	case err := <-errCh:
		test.That(t, errors.Is(err, fault.ErrDeviceClosed), test.ShouldBeTrue)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not wake the waiter")
	}
}

func TestWaitContext(t *testing.T) {
	r, w, err := os.Pipe()
	test.That(t, err, test.ShouldBeNil)
	defer w.Close()
	defer r.Close()

	h, err := Open("/proc/self/fd/"+strconv.Itoa(int(r.Fd())), NonBlock)
	test.That(t, err, test.ShouldBeNil)
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = h.Wait(ctx, time.Minute)
	test.That(t, errors.Is(err, context.DeadlineExceeded), test.ShouldBeTrue)

	_, err = w.Write([]byte{1})
	test.That(t, err, test.ShouldBeNil)
	ready, err := h.Wait(context.Background(), time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ready, test.ShouldBeTrue)
}

func TestCloseWaitsForAccess(t *testing.T) {
	pageSize := os.Getpagesize()
	h, err := Open(tempDevice(t, pageSize), ReadWrite)
	test.That(t, err, test.ShouldBeNil)
	region, err := h.Map(0, pageSize)
	test.That(t, err, test.ShouldBeNil)

	inside := make(chan struct{})
	closed := make(chan error, 1)
	err = region.Access(func(mem []byte) error {
		close(inside)
		go func() { closed <- h.Close() }()
		// Close is blocked until the access returns, so the mapping stays valid.
		time.Sleep(20 * time.Millisecond)
		select {
		case <-closed:
			t.Error("close returned while memory was in use")
		default:
		}
		copy(mem, "still mapped")
		return nil
	})
	test.That(t, err, test.ShouldBeNil)
	<-inside
	test.That(t, <-closed, test.ShouldBeNil)

	err = region.Access(func(mem []byte) error { return nil })
	test.That(t, errors.Is(err, fault.ErrDeviceClosed), test.ShouldBeTrue)
}
