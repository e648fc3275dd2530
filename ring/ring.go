// Package ring implements the fixed-capacity slot pool shared by the capture,
// accelerator and display stages. Slots are preallocated once and addressed
// by index. Each slot carries an ownership tag (its frame.State); moving a
// slot between stages is a compare-and-swap on that tag, which is the only
// synchronization on the data path.
package ring

import (
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.intuitus.dev/driver/fault"
	"go.intuitus.dev/driver/frame"
)

// MinCapacity is the smallest pool a Ring may be built with.
const MinCapacity = 2

// Slot is one reusable buffer of the pool.
type Slot struct {
	index int
	state atomic.Uint32
	pins  atomic.Int32
	buf   []byte

	// meta is written only by the current owner.
	meta frame.Frame
}

// Index returns the slot's fixed position in the pool.
func (s *Slot) Index() int {
	return s.index
}

// State returns the slot's current ownership state.
func (s *Slot) State() frame.State {
	return frame.State(s.state.Load())
}

// Owner returns the subsystem currently holding the slot.
func (s *Slot) Owner() frame.Owner {
	return s.State().Owner()
}

// Buffer returns the slot's whole backing array.
func (s *Slot) Buffer() []byte {
	return s.buf
}

// Data returns the valid bytes of the frame held in the slot.
func (s *Slot) Data() []byte {
	n := s.meta.Length
	if n > len(s.buf) {
		n = len(s.buf)
	}
	return s.buf[:n]
}

// Frame returns a copy of the slot's frame metadata.
func (s *Slot) Frame() frame.Frame {
	f := s.meta
	f.Index = s.index
	f.State = s.State()
	return f
}

// SetFrame records frame metadata. Only the owner may call it.
func (s *Slot) SetFrame(f frame.Frame) {
	f.Index = s.index
	s.meta = f
}

// Pin marks the slot as referenced by an in-flight accelerator job.
func (s *Slot) Pin() {
	s.pins.Inc()
}

// Unpin drops one job reference.
func (s *Slot) Unpin() {
	if s.pins.Dec() < 0 {
		s.pins.Store(0)
	}
}

// Pinned reports whether an in-flight job references the slot.
func (s *Slot) Pinned() bool {
	return s.pins.Load() > 0
}

// Advance hands the slot from one stage to the next. Returning a slot to
// Free goes through Ring.Release instead.
func (s *Slot) Advance(from, to frame.State) error {
	if to == frame.Free || !frame.CanTransition(from, to) {
		return fault.Newf(fault.InvalidRelease, "transition", "illegal transition %s -> %s", from, to)
	}
	if !s.state.CAS(uint32(from), uint32(to)) {
		return fault.Newf(fault.InvalidRelease, "transition", "slot %d is %s, not %s", s.index, s.State(), from)
	}
	return nil
}

// Ring is the bounded pool of slots.
type Ring struct {
	slots []*Slot
	free  chan int
}

// New returns a pool of capacity slots, each backed by slotBytes bytes.
func New(capacity, slotBytes int) (*Ring, error) {
	if capacity < MinCapacity {
		return nil, errors.Errorf("ring capacity must be at least %d, got %d", MinCapacity, capacity)
	}
	if slotBytes <= 0 {
		return nil, errors.Errorf("slot size must be positive, got %d", slotBytes)
	}
	r := &Ring{
		slots: make([]*Slot, capacity),
		free:  make(chan int, capacity),
	}
	for i := range r.slots {
		r.slots[i] = &Slot{index: i, buf: make([]byte, slotBytes)}
		r.free <- i
	}
	return r, nil
}

// Capacity returns the number of slots.
func (r *Ring) Capacity() int {
	return len(r.slots)
}

// SlotBytes returns the size of each slot's backing array.
func (r *Ring) SlotBytes() int {
	return len(r.slots[0].buf)
}

// Slot returns the slot at index i.
func (r *Ring) Slot(i int) *Slot {
	return r.slots[i]
}

// TryAcquireFree hands a free slot to the capture subsystem, moving it to
// QueuedForCapture. It never blocks: fault.ErrEmpty is returned when every
// slot is in use.
func (r *Ring) TryAcquireFree() (*Slot, error) {
	select {
	case i := <-r.free:
		s := r.slots[i]
		if !s.state.CAS(uint32(frame.Free), uint32(frame.QueuedForCapture)) {
			return nil, fault.Newf(fault.InvalidRelease, "acquire", "slot %d on free list in state %s", i, s.State())
		}
		s.meta = frame.Frame{Index: i}
		return s, nil
	default:
		return nil, fault.ErrEmpty
	}
}

// Transition moves s from one state to the next. It fails if s is not in
// from or the transfer is not a legal one.
func (r *Ring) Transition(s *Slot, from, to frame.State) error {
	if to == frame.Free {
		return r.Release(s, from.Owner())
	}
	return s.Advance(from, to)
}

// Release returns s to the free pool on behalf of owner. It fails with
// fault.ErrInvalidRelease if owner does not hold s or s is pinned by an
// in-flight job.
func (r *Ring) Release(s *Slot, owner frame.Owner) error {
	cur := s.State()
	if cur == frame.Free || cur.Owner() != owner {
		return fault.Newf(fault.InvalidRelease, "release", "slot %d is %s, owned by %s not %s",
			s.index, cur, cur.Owner(), owner)
	}
	if s.Pinned() {
		return fault.Newf(fault.InvalidRelease, "release", "slot %d is referenced by an in-flight job", s.index)
	}
	if !s.state.CAS(uint32(cur), uint32(frame.Free)) {
		return fault.Newf(fault.InvalidRelease, "release", "slot %d changed owner during release", s.index)
	}
	r.free <- s.index
	return nil
}

// Stats is a snapshot of how many slots sit in each state.
type Stats struct {
	Capacity int
	ByState  map[frame.State]int
}

// Stats returns the current slot distribution.
func (r *Ring) Stats() Stats {
	st := Stats{Capacity: len(r.slots), ByState: make(map[frame.State]int)}
	for _, s := range r.slots {
		st.ByState[s.State()]++
	}
	return st
}
