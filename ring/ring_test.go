package ring

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.intuitus.dev/driver/fault"
	"go.intuitus.dev/driver/frame"
)

func TestNew(t *testing.T) {
	_, err := New(1, 16)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = New(4, 0)
	test.That(t, err, test.ShouldNotBeNil)

	r, err := New(4, 16)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r.Capacity(), test.ShouldEqual, 4)
	test.That(t, r.SlotBytes(), test.ShouldEqual, 16)
	test.That(t, r.Stats().ByState[frame.Free], test.ShouldEqual, 4)
}

func TestAcquireUntilEmpty(t *testing.T) {
	r, err := New(3, 8)
	test.That(t, err, test.ShouldBeNil)

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		s, err := r.TryAcquireFree()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, s.State(), test.ShouldEqual, frame.QueuedForCapture)
		test.That(t, s.Owner(), test.ShouldEqual, frame.OwnerCapture)
		seen[s.Index()] = true
	}
	test.That(t, len(seen), test.ShouldEqual, 3)

	_, err = r.TryAcquireFree()
	test.That(t, errors.Is(err, fault.ErrEmpty), test.ShouldBeTrue)

	test.That(t, r.Release(r.Slot(1), frame.OwnerCapture), test.ShouldBeNil)
	s, err := r.TryAcquireFree()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Index(), test.ShouldEqual, 1)
}

func TestFullLifecycle(t *testing.T) {
	r, err := New(2, 8)
	test.That(t, err, test.ShouldBeNil)

	s, err := r.TryAcquireFree()
	test.That(t, err, test.ShouldBeNil)
	copy(s.Buffer(), "abcd")
	s.SetFrame(frame.Frame{Width: 2, Height: 1, Format: frame.FormatUYVY, Length: 4, Sequence: 9})
	test.That(t, string(s.Data()), test.ShouldEqual, "abcd")
	test.That(t, s.Frame().Sequence, test.ShouldEqual, uint64(9))

	steps := []frame.State{
		frame.Captured,
		frame.QueuedForAccelerator,
		frame.AcceleratorDone,
		frame.QueuedForDisplay,
		frame.Displayed,
	}
	from := frame.QueuedForCapture
	for _, to := range steps {
		test.That(t, r.Transition(s, from, to), test.ShouldBeNil)
		test.That(t, s.State(), test.ShouldEqual, to)
		from = to
	}
	test.That(t, r.Transition(s, frame.Displayed, frame.Free), test.ShouldBeNil)
	test.That(t, s.State(), test.ShouldEqual, frame.Free)
}

func TestIllegalTransitions(t *testing.T) {
	r, err := New(2, 8)
	test.That(t, err, test.ShouldBeNil)
	s, err := r.TryAcquireFree()
	test.That(t, err, test.ShouldBeNil)

	err = r.Transition(s, frame.QueuedForCapture, frame.AcceleratorDone)
	test.That(t, errors.Is(err, fault.ErrInvalidRelease), test.ShouldBeTrue)

	err = r.Transition(s, frame.Captured, frame.QueuedForAccelerator)
	test.That(t, errors.Is(err, fault.ErrInvalidRelease), test.ShouldBeTrue)
	test.That(t, s.State(), test.ShouldEqual, frame.QueuedForCapture)
}

func TestInvalidRelease(t *testing.T) {
	r, err := New(2, 8)
	test.That(t, err, test.ShouldBeNil)
	s, err := r.TryAcquireFree()
	test.That(t, err, test.ShouldBeNil)

	t.Run("wrong owner", func(t *testing.T) {
		err := r.Release(s, frame.OwnerDisplay)
		test.That(t, errors.Is(err, fault.ErrInvalidRelease), test.ShouldBeTrue)
		test.That(t, s.State(), test.ShouldEqual, frame.QueuedForCapture)
	})

	t.Run("pinned", func(t *testing.T) {
		test.That(t, r.Transition(s, frame.QueuedForCapture, frame.Captured), test.ShouldBeNil)
		test.That(t, r.Transition(s, frame.Captured, frame.QueuedForAccelerator), test.ShouldBeNil)
		s.Pin()
		err := r.Release(s, frame.OwnerAccelerator)
		test.That(t, errors.Is(err, fault.ErrInvalidRelease), test.ShouldBeTrue)
		s.Unpin()
		test.That(t, r.Release(s, frame.OwnerAccelerator), test.ShouldBeNil)
	})

	t.Run("double release", func(t *testing.T) {
		err := r.Release(s, frame.OwnerAccelerator)
		test.That(t, errors.Is(err, fault.ErrInvalidRelease), test.ShouldBeTrue)
		err = r.Release(s, frame.OwnerPool)
		test.That(t, errors.Is(err, fault.ErrInvalidRelease), test.ShouldBeTrue)
	})

	test.That(t, r.Stats().ByState[frame.Free], test.ShouldEqual, 2)
}

// Random sequences of acquire, advance and release from several goroutines
// must never leave a slot with two owners or lose a slot.
func TestOwnershipUnderRandomOperations(t *testing.T) {
	const capacity = 5
	r, err := New(capacity, 4)
	test.That(t, err, test.ShouldBeNil)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			var held []*Slot
			for i := 0; i < 2000; i++ {
				switch op := rnd.Intn(3); {
				case op == 0 || len(held) == 0:
					s, err := r.TryAcquireFree()
					if err != nil {
						if !errors.Is(err, fault.ErrEmpty) {
							errs <- err
							return
						}
						continue
					}
					held = append(held, s)
				case op == 1:
					s := held[rnd.Intn(len(held))]
					cur := s.State()
					if cur == frame.Displayed {
						continue
					}
					if err := r.Transition(s, cur, cur+1); err != nil {
						errs <- err
						return
					}
				default:
					k := rnd.Intn(len(held))
					s := held[k]
					if err := r.Release(s, s.Owner()); err != nil {
						errs <- err
						return
					}
					held = append(held[:k], held[k+1:]...)
				}
			}
			for _, s := range held {
				if err := r.Release(s, s.Owner()); err != nil {
					errs <- err
					return
				}
			}
		}(int64(w))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	st := r.Stats()
	test.That(t, st.ByState[frame.Free], test.ShouldEqual, capacity)
	for i := 0; i < capacity; i++ {
		_, err := r.TryAcquireFree()
		test.That(t, err, test.ShouldBeNil)
	}
	_, err = r.TryAcquireFree()
	test.That(t, errors.Is(err, fault.ErrEmpty), test.ShouldBeTrue)
}

func TestQueue(t *testing.T) {
	r, err := New(3, 4)
	test.That(t, err, test.ShouldBeNil)
	q := NewQueue[*Slot](2)
	test.That(t, q.Cap(), test.ShouldEqual, 2)

	_, err = q.TryPop()
	test.That(t, errors.Is(err, fault.ErrEmpty), test.ShouldBeTrue)

	a, err := r.TryAcquireFree()
	test.That(t, err, test.ShouldBeNil)
	b, err := r.TryAcquireFree()
	test.That(t, err, test.ShouldBeNil)
	c, err := r.TryAcquireFree()
	test.That(t, err, test.ShouldBeNil)

	test.That(t, q.TryPush(a), test.ShouldBeNil)
	test.That(t, q.TryPush(b), test.ShouldBeNil)
	err = q.TryPush(c)
	test.That(t, errors.Is(err, fault.ErrQueueFull), test.ShouldBeTrue)
	test.That(t, q.Len(), test.ShouldEqual, 2)

	got, err := q.TryPop()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldEqual, a)
	select {
	case got = <-q.Ready():
		test.That(t, got, test.ShouldEqual, b)
	default:
		t.Fatal("queue should be ready")
	}
	test.That(t, q.Len(), test.ShouldEqual, 0)
}

func TestAdvance(t *testing.T) {
	r, err := New(2, 4)
	test.That(t, err, test.ShouldBeNil)
	s, err := r.TryAcquireFree()
	test.That(t, err, test.ShouldBeNil)

	test.That(t, s.Advance(frame.QueuedForCapture, frame.Captured), test.ShouldBeNil)
	err = s.Advance(frame.Captured, frame.Free)
	test.That(t, errors.Is(err, fault.ErrInvalidRelease), test.ShouldBeTrue)
	test.That(t, s.State(), test.ShouldEqual, frame.Captured)
}
