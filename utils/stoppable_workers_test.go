package utils

import (
	"context"
	"testing"
	"time"

	"go.uber.org/atomic"
	"go.viam.com/test"
)

func TestStoppableWorkers(t *testing.T) {
	var ran atomic.Int32
	loop := func(ctx context.Context) {
		ran.Inc()
		<-ctx.Done()
	}
	sw := NewStoppableWorkers(loop, loop)
	sw.AddWorkers(loop)
	test.That(t, sw.Context().Err(), test.ShouldBeNil)

	sw.Stop()
	test.That(t, ran.Load(), test.ShouldEqual, int32(3))
	test.That(t, sw.Context().Err(), test.ShouldNotBeNil)

	// Adding after Stop starts nothing.
	sw.AddWorkers(loop)
	test.That(t, ran.Load(), test.ShouldEqual, int32(3))
	sw.Stop()
}

func TestStoppableWorkersParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sw := NewStoppableWorkersWithContext(ctx, func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not observe parent cancellation")
	}
	sw.Stop()
}

func TestStoppableWorkersPanic(t *testing.T) {
	sw := NewStoppableWorkers(func(context.Context) {
		panic("capture loop")
	})
	// The panic is captured and logged; Stop still returns.
	sw.Stop()
}
