//go:build linux

package accelerator

import (
	"context"
	"encoding/binary"
	"sync"
	"unsafe"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"golang.org/x/sys/unix"

	"go.intuitus.dev/driver/device"
	"go.intuitus.dev/driver/fault"
	"go.intuitus.dev/driver/logging"
)

// The shared interface page: a data buffer followed by length, height,
// depth and status words.
const (
	intfBufferSize = 32 * 220 * 220 * 2
	intfLength     = intfBufferSize
	intfHeight     = intfBufferSize + 4
	intfDepth      = intfBufferSize + 8
	intfStatus     = intfBufferSize + 12
	intfSize       = intfBufferSize + 16
)

// Interface status words.
const (
	proxyNoError = 0
	proxyBusy    = 1
	proxyTimeout = 2
	proxyError   = 3
)

// Proxy ioctl command numbers.
const (
	cmdInputLayer = iota
	cmdOutputLayer
	cmdLayerCreate
	cmdLayerAddRxTile
	cmdLayerAddTxCom
	cmdLayerConcat
	cmdBufferSplit
	cmdLayerOptimizeDMA
	cmdLayerExecute
	cmdNetworkExecute
	cmdNetworkStatus
	cmdExecutionStatus
	cmdRequestIntf
	cmdPrintNetwork
	cmdPrintLayer
	cmdSelfTest
)

// iocWrite encodes a write request the way the module's client headers do:
// they pass sizeof(struct) as the size argument of _IOW, which applies
// sizeof again, so the size field always holds sizeof(size_t).
func iocWrite(cmd uintptr) uint {
	return uint(1<<30 | unsafe.Sizeof(uintptr(0))<<16 | cmd)
}

func iocNone(cmd uintptr) uint {
	return uint(cmd)
}

// Kernel argument layouts.
type kTile struct {
	x0, y0, x1, y1 uint32
}

type kLayerArgs struct {
	typ            int32
	src            int32
	id             int32
	rxTiles        uint32
	txTiles        uint32
	ci             uint32
	co             uint32
	length         uint32
	height         uint32
	scatteredLines int8
	_              [3]byte
}

type kCommandArgs struct {
	layer   int32
	tile    kTile
	channel int32
	command int32
}

type kRxTileArgs struct {
	layer   int32
	tile    kTile
	channel int32
	last    uint8
	_       [3]byte
	tileID  int32
}

type kTriple struct {
	a, b, c int32
}

var (
	_ [0]struct{} = [unsafe.Sizeof(kLayerArgs{}) - 40]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(kCommandArgs{}) - 28]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(kRxTileArgs{}) - 32]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(kTriple{}) - 12]struct{}{}
)

func toKTile(t Tile) kTile {
	return kTile{x0: t.X0, y0: t.Y0, x1: t.X1, y1: t.Y1}
}

func toKLayer(a LayerArgs) kLayerArgs {
	return kLayerArgs{
		typ:            int32(a.Type),
		src:            a.SrcBuffer,
		id:             a.ID,
		rxTiles:        a.RxTiles,
		txTiles:        a.TxTiles,
		ci:             a.InChannels,
		co:             a.OutChannels,
		length:         a.Width,
		height:         a.Height,
		scatteredLines: a.ScatteredLines,
	}
}

// errnoCode maps the errno of a failed proxy ioctl to the device's negative
// error code.
func errnoCode(err error) int32 {
	var errno unix.Errno
	if errors.As(err, &errno) && errno >= 1 && errno <= 7 {
		return -int32(errno)
	}
	return CodeOther
}

// ProxyTransport speaks to the intuitus kernel module. The module executes
// one network at a time, so it has a single command slot. NETWORK_EXECUTE
// blocks in the kernel and runs on its own goroutine; completion is read
// from the interface status word.
type ProxyTransport struct {
	h      *device.Handle
	intf   *device.Region
	logger logging.Logger
	notify chan struct{}
	wg     sync.WaitGroup

	// ioctlMu serialises use of the shared interface buffer.
	ioctlMu sync.Mutex

	mu        sync.Mutex
	loaded    bool
	running   bool
	result    SlotStatus
	code      int32
	gen       uint64
	input     Shape
	outOffset int
	outBytes  int
}

// OpenProxy opens the kernel module's device node exclusively and maps the
// shared interface.
func OpenProxy(path string, logger logging.Logger) (*ProxyTransport, error) {
	h, err := device.Open(path, device.ReadWrite|device.Exclusive)
	if err != nil {
		return nil, err
	}
	region, err := h.Map(0, intfSize)
	if err != nil {
		goutils.UncheckedError(h.Close())
		return nil, err
	}
	logger.Debugw("mapped accelerator interface", "path", path, "size", units.BytesSize(intfSize))
	return &ProxyTransport{
		h:      h,
		intf:   region,
		logger: logger,
		notify: make(chan struct{}, 1),
	}, nil
}

// ProxyOpener returns an Opener for the kernel module at path.
func ProxyOpener(path string, logger logging.Logger) Opener {
	return func(ctx context.Context) (Transport, error) {
		return OpenProxy(path, logger)
	}
}

func (p *ProxyTransport) Info() Info {
	return Info{
		Name:        "intuitus-proxy",
		Slots:       1,
		Capacity:    64 << 20,
		InputBytes:  intfBufferSize,
		OutputBytes: intfBufferSize,
	}
}

func (p *ProxyTransport) buffer() ([]byte, error) {
	return p.intf.Bytes()
}

func (p *ProxyTransport) ioctl(name string, req uint, arg unsafe.Pointer) error {
	if err := p.h.Ioctl(req, arg); err != nil {
		if errors.Is(err, fault.ErrDeviceClosed) {
			return err
		}
		return &fault.Error{Kind: fault.HardwareFault, Op: name, Code: errnoCode(err), Err: err}
	}
	return nil
}

// Load builds the model's layer program on the device.
func (p *ProxyTransport) Load(ctx context.Context, m *Model) error {
	prog, err := DecodeProgram(m.Body)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fault.Newf(fault.DeviceBusy, "load", "a network is executing")
	}
	p.loaded = false
	p.mu.Unlock()

	n := NewNetwork(p, p.logger)
	if err := n.Build(m.Input, prog); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Input.Len()+n.OutputBytes() > intfBufferSize {
		return fault.Newf(fault.ModelRejected, "load", "input and outputs need %d bytes, interface holds %d",
			m.Input.Len()+n.OutputBytes(), intfBufferSize)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = true
	p.input = m.Input
	p.outOffset = m.Input.Len()
	p.outBytes = n.OutputBytes()
	p.result = SlotIdle
	p.logger.Infow("network built", "layers", n.Layers(), "outputBytes", p.outBytes)
	return nil
}

// Unload forgets the network. The module keeps its layers until it is
// reopened; Start refuses to run them.
func (p *ProxyTransport) Unload() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = false
	return nil
}

func (p *ProxyTransport) Start(slot int, input []byte) error {
	if slot != 0 {
		return errors.Errorf("no command slot %d", slot)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		return errors.New("no network on device")
	}
	if p.running {
		return errors.New("command slot 0 is busy")
	}
	if len(input) > p.outOffset {
		return errors.Errorf("input of %d bytes exceeds the %d byte input tensor", len(input), p.outOffset)
	}
	if !p.ioctlMu.TryLock() {
		return errors.New("interface is busy")
	}
	err := p.intf.Access(func(buf []byte) error {
		copy(buf, input)
		clear(buf[len(input):p.outOffset])
		le := binary.LittleEndian
		le.PutUint32(buf[intfStatus:], proxyNoError)
		le.PutUint32(buf[intfDepth:], uint32(p.input.C))
		le.PutUint32(buf[intfHeight:], uint32(p.input.H))
		le.PutUint32(buf[intfLength:], uint32(p.input.W))
		return nil
	})
	p.ioctlMu.Unlock()
	if err != nil {
		return err
	}

	p.running = true
	p.result = SlotBusy
	p.gen++
	gen := p.gen
	p.wg.Add(1)
	goutils.PanicCapturingGo(func() {
		defer p.wg.Done()
		p.execute(gen)
	})
	return nil
}

func (p *ProxyTransport) execute(gen uint64) {
	p.ioctlMu.Lock()
	var dummy int32
	err := p.h.Ioctl(iocNone(cmdNetworkExecute), unsafe.Pointer(&dummy))
	status := uint32(proxyError)
	//nolint:errcheck
	p.intf.Access(func(buf []byte) error {
		status = binary.LittleEndian.Uint32(buf[intfStatus:])
		return nil
	})
	p.ioctlMu.Unlock()

	p.mu.Lock()
	if gen == p.gen {
		p.running = false
		switch {
		case err != nil:
			p.result, p.code = SlotFailed, errnoCode(err)
		case status == proxyTimeout:
			p.result, p.code = SlotFailed, CodeTimeout
		case status == proxyError:
			p.result, p.code = SlotFailed, CodeOther
		default:
			p.result, p.code = SlotDone, 0
		}
	}
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *ProxyTransport) Status(slot int) (SlotStatus, int32, error) {
	if slot != 0 {
		return SlotIdle, 0, errors.Errorf("no command slot %d", slot)
	}
	if p.h.Closed() {
		return SlotIdle, 0, fault.New(fault.DeviceClosed, "status")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.code, nil
}

func (p *ProxyTransport) Output(slot int) ([]byte, error) {
	if slot != 0 {
		return nil, errors.Errorf("no command slot %d", slot)
	}
	buf, err := p.buffer()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return buf[p.outOffset : p.outOffset+p.outBytes], nil
}

func (p *ProxyTransport) Notify() <-chan struct{} {
	return p.notify
}

// Reset drops the loaded network and disowns a running execution; its
// result is discarded when the kernel returns.
func (p *ProxyTransport) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.running = false
	p.loaded = false
	p.result = SlotIdle
	p.code = 0
	return nil
}

// Close closes the device node. It waits for an execution in progress to
// return from the kernel, which the module bounds with its own
// PROXY_TIMEOUT; until then Close, and a Recover calling it, blocks.
func (p *ProxyTransport) Close() error {
	err := p.h.Close()
	p.wg.Wait()
	return err
}

func (p *ProxyTransport) InputLayer(args LayerArgs) error {
	k := toKLayer(args)
	return p.layerIoctl("input layer", iocWrite(cmdInputLayer), unsafe.Pointer(&k))
}

func (p *ProxyTransport) layerIoctl(name string, req uint, arg unsafe.Pointer) error {
	p.ioctlMu.Lock()
	defer p.ioctlMu.Unlock()
	return p.ioctl(name, req, arg)
}

// OutputLayer creates the layer; the module reports the output's dimensions
// in the interface words.
func (p *ProxyTransport) OutputLayer(args LayerArgs) (int, error) {
	k := toKLayer(args)
	p.ioctlMu.Lock()
	defer p.ioctlMu.Unlock()
	if err := p.ioctl("output layer", iocWrite(cmdOutputLayer), unsafe.Pointer(&k)); err != nil {
		return 0, err
	}
	var n int
	err := p.intf.Access(func(buf []byte) error {
		le := binary.LittleEndian
		n = int(le.Uint32(buf[intfLength:])) * int(le.Uint32(buf[intfHeight:])) * int(le.Uint32(buf[intfDepth:]))
		return nil
	})
	return n, err
}

func (p *ProxyTransport) CreateLayer(args LayerArgs) error {
	k := toKLayer(args)
	return p.layerIoctl("create layer", iocWrite(cmdLayerCreate), unsafe.Pointer(&k))
}

// AddTxCommand passes the command words through the interface buffer.
func (p *ProxyTransport) AddTxCommand(args CommandArgs, words []int32) error {
	if 4*len(words) > intfBufferSize {
		return &fault.Error{Kind: fault.ModelRejected, Op: "add tx command", Code: CodeMaxMemoryLimit,
			Err: errors.Errorf("%d command words exceed the interface buffer", len(words))}
	}
	k := kCommandArgs{layer: args.Layer, tile: toKTile(args.Tile), channel: args.Channel, command: args.CommandID}
	p.ioctlMu.Lock()
	defer p.ioctlMu.Unlock()
	err := p.intf.Access(func(buf []byte) error {
		le := binary.LittleEndian
		for i, w := range words {
			le.PutUint32(buf[4*i:], uint32(w))
		}
		le.PutUint32(buf[intfLength:], uint32(4*len(words)))
		return nil
	})
	if err != nil {
		return err
	}
	return p.ioctl("add tx command", iocWrite(cmdLayerAddTxCom), unsafe.Pointer(&k))
}

func (p *ProxyTransport) AddRxTile(args RxTileArgs) error {
	k := kRxTileArgs{layer: args.Layer, tile: toKTile(args.Tile), channel: args.Channel, tileID: args.TileID}
	if args.Last {
		k.last = 1
	}
	return p.layerIoctl("add rx tile", iocWrite(cmdLayerAddRxTile), unsafe.Pointer(&k))
}

func (p *ProxyTransport) Concat(args ConcatArgs) error {
	k := kTriple{args.Layer, args.First, args.Second}
	return p.layerIoctl("concat", iocWrite(cmdLayerConcat), unsafe.Pointer(&k))
}

func (p *ProxyTransport) Split(args SplitArgs) error {
	k := kTriple{args.Layer, args.Src, args.Groups}
	return p.layerIoctl("split", iocWrite(cmdBufferSplit), unsafe.Pointer(&k))
}

func (p *ProxyTransport) OptimizeDMA(args OptArgs) error {
	k := kTriple{args.Layer, int32(args.TxSize), int32(args.RxSize)}
	return p.layerIoctl("optimize dma", iocWrite(cmdLayerOptimizeDMA), unsafe.Pointer(&k))
}

func (p *ProxyTransport) SelfTest(ctx context.Context) error {
	var dummy int32
	return p.layerIoctl("self test", iocNone(cmdSelfTest), unsafe.Pointer(&dummy))
}

func (p *ProxyTransport) PrintNetwork() error {
	var dummy int32
	return p.layerIoctl("print network", iocNone(cmdPrintNetwork), unsafe.Pointer(&dummy))
}

func (p *ProxyTransport) PrintLayer(id int) error {
	layer := int32(id)
	return p.layerIoctl("print layer", iocNone(cmdPrintLayer), unsafe.Pointer(&layer))
}
