package scanloop

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRun_StopsOnClose(t *testing.T) {
	stopCh := make(chan struct{})
	done := make(chan struct{})
	var ticks atomic.Int32

	go func() {
		Run(stopCh, 10*time.Millisecond, 0, func() { ticks.Add(1) })
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	close(stopCh)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after stop")
	}
	if ticks.Load() == 0 {
		t.Fatal("loop never ticked")
	}
}

func TestRun_NoTickBeforeInterval(t *testing.T) {
	stopCh := make(chan struct{})
	defer close(stopCh)
	var ticks atomic.Int32

	go Run(stopCh, time.Hour, 0, func() { ticks.Add(1) })

	time.Sleep(50 * time.Millisecond)
	if ticks.Load() != 0 {
		t.Fatalf("expected no ticks inside the first interval, got %d", ticks.Load())
	}
}

func TestStart_StopIdempotent(t *testing.T) {
	var ticks atomic.Int32
	stop := Start(10*time.Millisecond, 0, func() { ticks.Add(1) })

	time.Sleep(100 * time.Millisecond)
	stop()
	settled := ticks.Load()
	if settled == 0 {
		t.Fatal("loop never ticked")
	}

	stop() // second stop must not panic or hang

	time.Sleep(50 * time.Millisecond)
	if ticks.Load() != settled {
		t.Fatal("loop kept ticking after stop")
	}
}
