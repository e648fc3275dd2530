package accelerator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"go.intuitus.dev/driver/fault"
	"go.intuitus.dev/driver/logging"
)

// FakeInfo is the default shape of a FakeTransport.
var FakeInfo = Info{
	Name:        "fake",
	Slots:       2,
	Capacity:    1 << 20,
	InputBytes:  1920 * 1080 * 2,
	OutputBytes: 1 << 20,
}

type fakeSlot struct {
	status  SlotStatus
	code    int32
	started time.Time
	in      []byte
	out     []byte
}

// FakeTransport is an in-memory accelerator. Jobs complete Latency after
// Start unless the transport is stalled or set to fail. Bodies that are
// layer programs are built through the LayerTransport methods, which record
// every call.
type FakeTransport struct {
	clock  clock.Clock
	logger logging.Logger
	notify chan struct{}

	mu       sync.Mutex
	info     Info
	latency  time.Duration
	stall    bool
	failCode int32
	loadErr  error
	startErr error
	compute  func(in, out []byte)
	loaded   *Model
	slots    []fakeSlot
	closed   bool
	layers   map[int32]Shape
	calls    []string

	opens, loads, unloads, resets, starts int
}

// NewFakeTransport returns a fake with the given info. A nil clock uses the
// wall clock.
func NewFakeTransport(info Info, clk clock.Clock, logger logging.Logger) *FakeTransport {
	if clk == nil {
		clk = clock.New()
	}
	f := &FakeTransport{
		clock:  clk,
		logger: logger,
		notify: make(chan struct{}, 1),
		info:   info,
		layers: map[int32]Shape{},
	}
	f.slots = make([]fakeSlot, info.Slots)
	for i := range f.slots {
		f.slots[i].in = make([]byte, info.InputBytes)
		f.slots[i].out = make([]byte, info.OutputBytes)
	}
	return f
}

// Opener returns an Opener that reopens this fake.
func (f *FakeTransport) Opener() Opener {
	return func(ctx context.Context) (Transport, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.opens++
		f.closed = false
		return f, nil
	}
}

// SetLatency sets how long jobs take.
func (f *FakeTransport) SetLatency(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = d
}

// SetStall makes jobs never complete.
func (f *FakeTransport) SetStall(stall bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stall = stall
}

// SetFailCode makes every job fail with code; zero restores success.
func (f *FakeTransport) SetFailCode(code int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCode = code
}

// SetLoadError makes Load fail with err after a partial transfer.
func (f *FakeTransport) SetLoadError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadErr = err
}

// SetStartError makes Start fail with err; nil restores success.
func (f *FakeTransport) SetStartError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

// SetCompute replaces the default output function, which repeats the input.
func (f *FakeTransport) SetCompute(fn func(in, out []byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compute = fn
}

// Loaded returns the model currently on the fake device.
func (f *FakeTransport) Loaded() *Model {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded
}

// FakeCounts are call counters of a FakeTransport.
type FakeCounts struct {
	Opens, Loads, Unloads, Resets, Starts int
}

// Counts returns the call counters.
func (f *FakeTransport) Counts() FakeCounts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FakeCounts{f.opens, f.loads, f.unloads, f.resets, f.starts}
}

// Calls returns the recorded network-building calls.
func (f *FakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// IsClosed reports whether Close was called since the last open.
func (f *FakeTransport) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeTransport) Info() Info {
	return f.info
}

func (f *FakeTransport) Load(ctx context.Context, m *Model) error {
	f.mu.Lock()
	f.loads++
	if f.closed {
		f.mu.Unlock()
		return fault.New(fault.DeviceClosed, "load")
	}
	f.loaded = &Model{Version: m.Version, Input: m.Input, Output: m.Output}
	loadErr := f.loadErr
	f.layers = map[int32]Shape{}
	f.calls = nil
	f.mu.Unlock()

	if loadErr != nil {
		return loadErr
	}
	if len(m.Body) >= len(ProgramMagic) && string(m.Body[:len(ProgramMagic)]) == ProgramMagic {
		p, err := DecodeProgram(m.Body)
		if err != nil {
			return err
		}
		if err := NewNetwork(f, f.logger).Build(m.Input, p); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = m
	return nil
}

func (f *FakeTransport) Unload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloads++
	f.loaded = nil
	return nil
}

func (f *FakeTransport) Start(slot int, input []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fault.New(fault.DeviceClosed, "start")
	}
	if f.loaded == nil {
		return errors.New("no model on device")
	}
	if f.startErr != nil {
		return f.startErr
	}
	if slot < 0 || slot >= len(f.slots) {
		return errors.Errorf("no command slot %d", slot)
	}
	s := &f.slots[slot]
	if s.status == SlotBusy {
		return errors.Errorf("command slot %d is busy", slot)
	}
	f.starts++
	s.in = s.in[:copy(s.in[:cap(s.in)], input)]
	s.status = SlotBusy
	s.code = 0
	s.started = f.clock.Now()
	if !f.stall {
		f.clock.AfterFunc(f.latency, f.signal)
	}
	return nil
}

func (f *FakeTransport) signal() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *FakeTransport) Status(slot int) (SlotStatus, int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return SlotIdle, 0, fault.New(fault.DeviceClosed, "status")
	}
	if slot < 0 || slot >= len(f.slots) {
		return SlotIdle, 0, errors.Errorf("no command slot %d", slot)
	}
	s := &f.slots[slot]
	if s.status == SlotBusy && !f.stall && f.clock.Since(s.started) >= f.latency {
		if f.failCode != 0 {
			s.status, s.code = SlotFailed, f.failCode
		} else {
			f.run(s)
			s.status = SlotDone
		}
	}
	return s.status, s.code, nil
}

func (f *FakeTransport) run(s *fakeSlot) {
	n := len(s.out)
	if f.loaded != nil && f.loaded.Output.Len() < n {
		n = f.loaded.Output.Len()
	}
	out := s.out[:n]
	if f.compute != nil {
		f.compute(s.in, out)
		return
	}
	if len(s.in) == 0 {
		clear(out)
		return
	}
	for i := range out {
		out[i] = s.in[i%len(s.in)]
	}
}

func (f *FakeTransport) Output(slot int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fault.New(fault.DeviceClosed, "output")
	}
	if slot < 0 || slot >= len(f.slots) {
		return nil, errors.Errorf("no command slot %d", slot)
	}
	return f.slots[slot].out, nil
}

func (f *FakeTransport) Notify() <-chan struct{} {
	return f.notify
}

func (f *FakeTransport) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.loaded = nil
	for i := range f.slots {
		f.slots[i].status = SlotIdle
		f.slots[i].code = 0
	}
	return nil
}

func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FakeTransport) record(format string, args ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *FakeTransport) setLayer(id int32, s Shape) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.layers[id] = s
}

func (f *FakeTransport) layer(id int32) (Shape, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.layers[id]
	return s, ok
}

func (f *FakeTransport) InputLayer(args LayerArgs) error {
	f.record("input %dx%dx%d", args.InChannels, args.Height, args.Width)
	f.setLayer(0, Shape{int(args.InChannels), int(args.Height), int(args.Width)})
	return nil
}

func (f *FakeTransport) OutputLayer(args LayerArgs) (int, error) {
	f.record("output %d src %d", args.ID, args.SrcBuffer)
	src, ok := f.layer(args.SrcBuffer)
	if !ok {
		return 0, fault.Hardware("output layer", CodeNullPointer)
	}
	f.setLayer(args.ID, src)
	return src.Len(), nil
}

func (f *FakeTransport) CreateLayer(args LayerArgs) error {
	f.record("layer %d %v src %d %dx%dx%d", args.ID, args.Type, args.SrcBuffer, args.OutChannels, args.Height, args.Width)
	if _, ok := f.layer(args.SrcBuffer); !ok {
		return fault.Hardware("create layer", CodeNullPointer)
	}
	f.setLayer(args.ID, Shape{int(args.OutChannels), int(args.Height), int(args.Width)})
	return nil
}

func (f *FakeTransport) AddTxCommand(args CommandArgs, words []int32) error {
	f.record("tx %d tile %v channel %d command %d words %d", args.Layer, args.Tile, args.Channel, args.CommandID, len(words))
	return nil
}

func (f *FakeTransport) AddRxTile(args RxTileArgs) error {
	f.record("rx %d tile %v channel %d id %d last %t", args.Layer, args.Tile, args.Channel, args.TileID, args.Last)
	return nil
}

func (f *FakeTransport) Concat(args ConcatArgs) error {
	f.record("concat %d = %d + %d", args.Layer, args.First, args.Second)
	a, okA := f.layer(args.First)
	b, okB := f.layer(args.Second)
	if !okA || !okB {
		return fault.Hardware("concat", CodeNullPointer)
	}
	if a.H != b.H || a.W != b.W {
		return fault.Hardware("concat", CodeDimensionMismatch)
	}
	f.setLayer(args.Layer, Shape{a.C + b.C, a.H, a.W})
	return nil
}

func (f *FakeTransport) Split(args SplitArgs) error {
	f.record("split %d src %d groups %d", args.Layer, args.Src, args.Groups)
	src, ok := f.layer(args.Src)
	if !ok {
		return fault.Hardware("split", CodeNullPointer)
	}
	if src.C%int(args.Groups) != 0 {
		return fault.Hardware("split", CodeDimensionMismatch)
	}
	for g := int32(0); g < args.Groups; g++ {
		f.setLayer(args.Layer+g, Shape{src.C / int(args.Groups), src.H, src.W})
	}
	return nil
}

func (f *FakeTransport) OptimizeDMA(args OptArgs) error {
	f.record("optimize %d tx %d rx %d", args.Layer, args.TxSize, args.RxSize)
	return nil
}

func (f *FakeTransport) SelfTest(ctx context.Context) error {
	f.record("self test")
	return nil
}

func (f *FakeTransport) PrintNetwork() error {
	f.record("print network")
	return nil
}

func (f *FakeTransport) PrintLayer(id int) error {
	f.record("print layer %d", id)
	return nil
}
