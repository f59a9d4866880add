package daemon

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// blockingTask returns a MockForTest task that signals started and then
// blocks until release is closed.
func blockingTask(started chan<- struct{}, release <-chan struct{}) Task {
	return NewTask(MockForTest, uuid.Nil, func(d *Thread) {
		if started != nil {
			close(started)
		}
		<-release
		d.FinishRunningTask()
	})
}

func waitGroupFree(t *testing.T, d *Thread, g TaskGroup) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for d.PostedGroups()&g != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("group %b still posted after 5s", g)
		}
		time.Sleep(time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// Admission control
// ---------------------------------------------------------------------------

// TestPostTaskTwiceWithDaemonMultiThreads1 races two goroutines posting the
// same group; exactly one must be admitted.
func TestPostTaskTwiceWithDaemonMultiThreads1(t *testing.T) {
	d := New()
	d.Start()
	defer d.Stop()

	release := make(chan struct{})
	results := make([]PostResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = d.CheckAndPostTask(blockingTask(nil, release))
		}(i)
	}
	wg.Wait()
	close(release)

	success, dup := 0, 0
	for _, r := range results {
		switch r {
		case Success:
			success++
		case SameGroupTaskAlreadyPosted:
			dup++
		default:
			t.Errorf("unexpected result %v", r)
		}
	}
	if success != 1 || dup != 1 {
		t.Errorf("got %d SUCCESS and %d duplicates, want 1 and 1", success, dup)
	}
}

// TestSingleGroupAdmissionManyPosters verifies N concurrent posters of one
// group produce exactly one Success.
func TestSingleGroupAdmissionManyPosters(t *testing.T) {
	d := New()
	d.Start()
	defer d.Stop()

	const posters = 64
	release := make(chan struct{})
	results := make(chan PostResult, posters)
	var wg sync.WaitGroup
	for i := 0; i < posters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- d.CheckAndPostTask(blockingTask(nil, release))
		}()
	}
	wg.Wait()
	close(results)
	close(release)

	counts := map[PostResult]int{}
	for r := range results {
		counts[r]++
	}
	if counts[Success] != 1 {
		t.Errorf("Success count = %d, want 1", counts[Success])
	}
	if counts[SameGroupTaskAlreadyPosted] != posters-1 {
		t.Errorf("duplicate count = %d, want %d", counts[SameGroupTaskAlreadyPosted], posters-1)
	}
	if got := d.Stats().Dropped; got != posters-1 {
		t.Errorf("Stats().Dropped = %d, want %d", got, posters-1)
	}
}

// TestGroupFreedOnlyAfterFinish verifies a running task keeps its group
// reserved until FinishRunningTask.
func TestGroupFreedOnlyAfterFinish(t *testing.T) {
	d := New()
	d.Start()
	defer d.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	if r := d.CheckAndPostTask(blockingTask(started, release)); r != Success {
		t.Fatalf("first post = %v, want SUCCESS", r)
	}
	<-started

	if d.RunningGroup() != GroupMock {
		t.Errorf("RunningGroup() = %b, want %b", d.RunningGroup(), GroupMock)
	}
	if r := d.CheckAndPostTask(blockingTask(nil, release)); r != SameGroupTaskAlreadyPosted {
		t.Errorf("post while running = %v, want SAME_GROUP_TASK_ALREADY_POSTED", r)
	}

	close(release)
	waitGroupFree(t, d, GroupMock)

	again := make(chan struct{})
	close(again)
	if r := d.CheckAndPostTask(blockingTask(nil, again)); r != Success {
		t.Errorf("post after finish = %v, want SUCCESS", r)
	}
}

// TestDifferentGroupsDoNotConflict verifies admission is per group.
func TestDifferentGroupsDoNotConflict(t *testing.T) {
	d := New()
	d.Start()
	defer d.Stop()

	release := make(chan struct{})
	defer close(release)
	if r := d.CheckAndPostTask(blockingTask(nil, release)); r != Success {
		t.Fatalf("mock post = %v", r)
	}
	gc := NewTask(TriggerCollectGarbage, uuid.New(), func(d *Thread) { d.FinishRunningTask() })
	if r := d.CheckAndPostTask(gc); r != Success {
		t.Errorf("gc post = %v, want SUCCESS", r)
	}
}

// TestTaskWithoutFinishReleasesGroup verifies the loop releases the group of
// a task that returns without calling FinishRunningTask.
func TestTaskWithoutFinishReleasesGroup(t *testing.T) {
	d := New()
	d.Start()
	defer d.Stop()

	ran := make(chan struct{})
	d.CheckAndPostTask(NewTask(MockForTest, uuid.Nil, func(*Thread) { close(ran) }))
	<-ran
	waitGroupFree(t, d, GroupMock)
}

// ---------------------------------------------------------------------------
// Fork lifecycle
// ---------------------------------------------------------------------------

// TestPreForkRefusesAndPostForkAccepts covers the fork window.
func TestPreForkRefusesAndPostForkAccepts(t *testing.T) {
	d := New()
	d.Start()
	defer d.Stop()

	d.PreFork()
	if d.IsRunning() {
		t.Fatal("daemon still running after PreFork")
	}

	done := make(chan PostResult, 1)
	go func() {
		done <- d.CheckAndPostTask(NewTask(MockForTest, uuid.Nil, func(d *Thread) { d.FinishRunningTask() }))
	}()
	select {
	case r := <-done:
		if r != DaemonThreadNotRunning {
			t.Errorf("post during fork window = %v, want DAEMON_THREAD_NOT_RUNNING", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("CheckAndPostTask blocked during fork window")
	}

	d.PostFork()
	ran := make(chan struct{})
	r := d.CheckAndPostTask(NewTask(MockForTest, uuid.Nil, func(d *Thread) {
		close(ran)
		d.FinishRunningTask()
	}))
	if r != Success {
		t.Fatalf("post after PostFork = %v, want SUCCESS", r)
	}
	<-ran
}

// TestPostForkWaitsForDrainingPreFork restarts the daemon while PreFork is
// still waiting on a running task. The restart must not start a second loop:
// the running group stays posted and only one task runs at a time.
func TestPostForkWaitsForDrainingPreFork(t *testing.T) {
	d := New()
	d.Start()
	defer d.Stop()

	started, release := make(chan struct{}), make(chan struct{})
	if r := d.CheckAndPostTask(blockingTask(started, release)); r != Success {
		t.Fatalf("first post = %v, want SUCCESS", r)
	}
	<-started

	preForked := make(chan struct{})
	go func() {
		d.PreFork()
		close(preForked)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for d.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("PreFork did not stop admission")
		}
		time.Sleep(time.Millisecond)
	}

	postForked := make(chan struct{})
	go func() {
		d.PostFork()
		close(postForked)
	}()
	select {
	case <-postForked:
		t.Fatal("PostFork returned while the previous loop was still running a task")
	case <-time.After(50 * time.Millisecond):
	}
	if r := d.CheckAndPostTask(blockingTask(nil, release)); r != DaemonThreadNotRunning {
		t.Errorf("post while draining = %v, want DAEMON_THREAD_NOT_RUNNING", r)
	}

	close(release)
	<-preForked
	<-postForked
	if !d.IsRunning() {
		t.Fatal("daemon not running after PostFork")
	}

	ran := make(chan struct{})
	r := d.CheckAndPostTask(NewTask(MockForTest, uuid.Nil, func(d *Thread) {
		close(ran)
		d.FinishRunningTask()
	}))
	if r != Success {
		t.Fatalf("post after PostFork = %v, want SUCCESS", r)
	}
	<-ran
	waitGroupFree(t, d, MockForTest.Group())
}

// TestOverlappingPreForkBothWait verifies that every PreFork caller returns
// only after the running task has finished.
func TestOverlappingPreForkBothWait(t *testing.T) {
	d := New()
	d.Start()

	started, release := make(chan struct{}), make(chan struct{})
	var finished atomic.Bool
	d.CheckAndPostTask(NewTask(MockForTest, uuid.Nil, func(d *Thread) {
		close(started)
		<-release
		finished.Store(true)
		d.FinishRunningTask()
	}))
	<-started

	var wg sync.WaitGroup
	early := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.PreFork()
			if !finished.Load() {
				early <- struct{}{}
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if len(early) != 0 {
		t.Errorf("%d PreFork callers returned before the running task finished", len(early))
	}
	if d.IsRunning() {
		t.Error("daemon running after PreFork")
	}
}

// TestStopRunsQueuedTasksFirst verifies admitted work is never cancelled by
// Stop.
func TestStopRunsQueuedTasksFirst(t *testing.T) {
	d := New()
	d.Start()

	ran := false
	d.CheckAndPostTask(NewTask(TriggerCollectGarbage, uuid.Nil, func(d *Thread) {
		time.Sleep(10 * time.Millisecond)
		ran = true
		d.FinishRunningTask()
	}))
	d.Stop()
	d.Stop()

	if !ran {
		t.Error("queued task did not run before the daemon stopped")
	}
	if d.Stats().Executed != 2 {
		t.Errorf("Executed = %d, want 2 (task + terminate)", d.Stats().Executed)
	}
}

// ---------------------------------------------------------------------------
// Mark status
// ---------------------------------------------------------------------------

// TestConcurrentMarkPostFlipsStatus verifies accepting a concurrent-mark task
// moves the daemon out of ReadyToConcurrentMark.
func TestConcurrentMarkPostFlipsStatus(t *testing.T) {
	d := New()
	d.Start()
	defer d.Stop()

	if !d.IsReadyToConcurrentMark() {
		t.Fatal("new daemon should be ready to mark")
	}
	finished := make(chan struct{})
	d.CheckAndPostTask(NewTask(TriggerConcurrentMark, uuid.Nil, func(d *Thread) {
		d.FinishRunningTask()
		close(finished)
	}))
	if d.IsReadyToConcurrentMark() {
		t.Error("status should be ConcurrentMarkingOrFinished after posting a mark")
	}
	<-finished
	d.SetSharedMarkStatus(ReadyToConcurrentMark)
	if !d.IsReadyToConcurrentMark() {
		t.Error("status should reset to ReadyToConcurrentMark")
	}
}

// TestPostUnpostableTypePanics verifies terminate tasks cannot be posted by
// callers.
func TestPostUnpostableTypePanics(t *testing.T) {
	d := New()
	d.Start()
	defer d.Stop()

	defer func() {
		if recover() == nil {
			t.Error("posting TerminateDaemon should panic")
		}
	}()
	d.CheckAndPostTask(NewTask(TerminateDaemon, uuid.Nil, func(*Thread) {}))
}
