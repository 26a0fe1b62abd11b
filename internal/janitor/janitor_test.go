package janitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/islandhouse2000/islandHouse/pkg/logging"
)

func TestNew_RequiresSweep(t *testing.T) {
	if _, err := New(time.Second, nil, nil); !errors.Is(err, ErrNilSweep) {
		t.Errorf("Expected ErrNilSweep, got %v", err)
	}
}

func TestJanitor_RunOnce(t *testing.T) {
	j, _ := New(time.Hour, func(ctx context.Context) (int, error) { return 3, nil }, logging.Discard())

	ran, removed := j.RunOnce(context.Background())
	if !ran || removed != 3 {
		t.Errorf("Expected ran=true removed=3, got %v %d", ran, removed)
	}
}

func TestJanitor_RunOnceSkipsWhileSweeping(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var calls atomic.Int32

	j, _ := New(time.Hour, func(ctx context.Context) (int, error) {
		calls.Add(1)
		close(entered)
		<-release
		return 0, nil
	}, logging.Discard())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		j.RunOnce(context.Background())
	}()
	<-entered

	if ran, _ := j.RunOnce(context.Background()); ran {
		t.Error("Overlapping sweep should be skipped")
	}
	if j.Skipped() != 1 {
		t.Errorf("Expected 1 skipped tick, got %d", j.Skipped())
	}

	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("Expected exactly one sweep, got %d", calls.Load())
	}
}

func TestJanitor_ErrorsAndPanicsAreContained(t *testing.T) {
	var calls atomic.Int32
	j, _ := New(10*time.Millisecond, func(ctx context.Context) (int, error) {
		n := calls.Add(1)
		switch n {
		case 1:
			panic("sweep exploded")
		case 2:
			return 0, errors.New("store unreachable")
		}
		return 0, nil
	}, logging.Discard())

	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := j.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if calls.Load() < 4 {
		t.Errorf("Schedule should survive a panic and an error, got %d sweeps", calls.Load())
	}
}

func TestJanitor_NeverOverlapsOnSchedule(t *testing.T) {
	var active, maxActive atomic.Int32
	j, _ := New(time.Millisecond, func(ctx context.Context) (int, error) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return 0, nil
	}, logging.Discard())

	_ = j.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	_ = j.Stop()

	if maxActive.Load() != 1 {
		t.Errorf("Sweeps overlapped: max concurrent %d", maxActive.Load())
	}
	if j.Skipped() == 0 {
		t.Error("Expected some ticks to be skipped")
	}
}

func TestJanitor_Lifecycle(t *testing.T) {
	j, _ := New(time.Hour, func(ctx context.Context) (int, error) { return 0, nil }, logging.Discard())

	if err := j.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}
	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := j.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
	if err := j.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := j.Start(context.Background()); err != nil {
		t.Errorf("Janitor should restart after Stop: %v", err)
	}
	_ = j.Stop()
}

// TECHNICAL VALIDATION TEST: Trigger runs a sweep off the caller's goroutine
func TestJanitor_Trigger(t *testing.T) {
	swept := make(chan struct{}, 10)
	release := make(chan struct{})
	var calls atomic.Int32

	j, _ := New(time.Hour, func(ctx context.Context) (int, error) {
		calls.Add(1)
		swept <- struct{}{}
		<-release
		return 0, nil
	}, logging.Discard())

	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	j.Trigger()
	select {
	case <-swept:
	case <-time.After(time.Second):
		t.Fatal("Trigger should start a sweep")
	}

	// The sweep is still blocked; these must neither wait nor overlap it.
	for i := 0; i < 5; i++ {
		j.Trigger()
	}

	close(release)
	_ = j.Stop()

	if calls.Load() > 2 {
		t.Errorf("Triggers during a sweep should merge, got %d sweeps", calls.Load())
	}
}
