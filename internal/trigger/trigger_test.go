package trigger_test

import (
	"sync/atomic"
	"testing"
	"time"

	"studyline/internal/trigger"
)

func TestRegisterFiresOnce(t *testing.T) {
	var fired atomic.Int32
	reg := trigger.NewMemoryRegistry(func(string) { fired.Add(1) })
	defer reg.Stop()

	if err := reg.RegisterOneShot("job-1", time.Now().Add(10*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	// Duplicate registration is a no-op.
	if err := reg.RegisterOneShot("job-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if !reg.JobExists("job-1") {
		t.Fatalf("job should exist before firing")
	}

	deadline := time.Now().Add(2 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected exactly 1 fire, got %d", got)
	}
	if reg.JobExists("job-1") {
		t.Fatalf("fired job should be removed")
	}
}

func TestPastDueFiresImmediately(t *testing.T) {
	done := make(chan string, 1)
	reg := trigger.NewMemoryRegistry(func(id string) { done <- id })
	defer reg.Stop()

	if err := reg.RegisterOneShot("late", time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-done:
		if id != "late" {
			t.Fatalf("unexpected job id %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("past-due job never fired")
	}
}

func TestCancelPreventsFire(t *testing.T) {
	var fired atomic.Int32
	reg := trigger.NewMemoryRegistry(func(string) { fired.Add(1) })
	defer reg.Stop()

	if err := reg.RegisterOneShot("job-1", time.Now().Add(30*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	reg.CancelJob("job-1")
	if reg.JobExists("job-1") {
		t.Fatalf("cancelled job still registered")
	}
	time.Sleep(80 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("cancelled job fired")
	}
}

func TestStopClearsAll(t *testing.T) {
	reg := trigger.NewMemoryRegistry(nil)
	_ = reg.RegisterOneShot("a", time.Now().Add(time.Hour))
	_ = reg.RegisterOneShot("b", time.Now().Add(time.Hour))
	if reg.Len() != 2 {
		t.Fatalf("expected 2 jobs, got %d", reg.Len())
	}
	reg.Stop()
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry after stop")
	}
}
