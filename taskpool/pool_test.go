package taskpool

import (
	"sync"
	"sync/atomic"
	"testing"
)

// ---------------------------------------------------------------------------
// Pool Tests
// ---------------------------------------------------------------------------

// TestPoolRunsAllTasks verifies every posted task runs exactly once and
// Destroy waits for the queue to drain.
func TestPoolRunsAllTasks(t *testing.T) {
	p := New(4)

	const numTasks = 200
	var ran atomic.Int32
	for i := 0; i < numTasks; i++ {
		ok := p.PostTask(Task{ID: 1, Run: func(int) bool {
			ran.Add(1)
			return true
		}})
		if !ok {
			t.Fatalf("PostTask %d rejected on a live pool", i)
		}
	}
	p.Destroy()

	if got := ran.Load(); got != numTasks {
		t.Errorf("ran %d tasks, want %d", got, numTasks)
	}
	stats := p.Stats()
	if stats.Completed != numTasks {
		t.Errorf("Completed = %d, want %d", stats.Completed, numTasks)
	}
}

// TestPoolRejectsAfterDestroy verifies a destroyed pool refuses new work.
func TestPoolRejectsAfterDestroy(t *testing.T) {
	p := New(1)
	p.Destroy()
	p.Destroy()

	if p.PostTask(Task{Run: func(int) bool { return true }}) {
		t.Error("PostTask after Destroy should return false")
	}
}

// TestPoolTerminateTaskDropsQueued verifies TerminateTask only removes queued
// tasks of the given id.
func TestPoolTerminateTaskDropsQueued(t *testing.T) {
	p := New(1)
	defer p.Destroy()

	// Park the only worker so subsequent tasks stay queued.
	release := make(chan struct{})
	started := make(chan struct{})
	p.PostTask(Task{ID: 9, Run: func(int) bool {
		close(started)
		<-release
		return true
	}})
	<-started

	var ranA, ranB atomic.Int32
	for i := 0; i < 3; i++ {
		p.PostTask(Task{ID: 1, Run: func(int) bool { ranA.Add(1); return true }})
		p.PostTask(Task{ID: 2, Run: func(int) bool { ranB.Add(1); return true }})
	}

	if dropped := p.TerminateTask(1); dropped != 3 {
		t.Errorf("TerminateTask dropped %d, want 3", dropped)
	}
	close(release)

	var wg sync.WaitGroup
	wg.Add(1)
	p.PostTask(Task{ID: 3, Run: func(int) bool { wg.Done(); return true }})
	wg.Wait()

	if ranA.Load() != 0 {
		t.Errorf("terminated tasks ran %d times", ranA.Load())
	}
	if ranB.Load() != 3 {
		t.Errorf("surviving tasks ran %d times, want 3", ranB.Load())
	}
}

// TestDefaultThreadsBounds verifies the default worker count stays within
// [1, MaxThreads].
func TestDefaultThreadsBounds(t *testing.T) {
	n := DefaultThreads()
	if n < 1 || n > MaxThreads {
		t.Errorf("DefaultThreads() = %d, want within [1, %d]", n, MaxThreads)
	}
	p := New(0)
	defer p.Destroy()
	if p.NumThreads() != n {
		t.Errorf("NumThreads() = %d, want %d", p.NumThreads(), n)
	}
}
