// Package daemon implements the single background goroutine that runs
// shared-heap GC phases on behalf of every execution context.
//
// Requests arrive from many mutators through CheckAndPostTask. Admission is
// per task group: while a task of a group is queued or running, further
// requests for that group are dropped, on the assumption that the in-flight
// task satisfies them.
package daemon

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("sharedheap.daemon")

// Stats holds daemon counters.
type Stats struct {
	Posted   uint64
	Dropped  uint64
	Refused  uint64
	Executed uint64
}

// Thread is the daemon. The zero value is not usable; call New.
type Thread struct {
	mu           sync.Mutex
	cond         *sync.Cond
	tasks        []Task
	postedGroups TaskGroup
	runningGroup TaskGroup
	running      bool
	done         chan struct{}

	markStatus atomic.Int32

	posted   atomic.Uint64
	dropped  atomic.Uint64
	refused  atomic.Uint64
	executed atomic.Uint64
}

// New creates a daemon that is not yet running.
func New() *Thread {
	d := &Thread{}
	d.cond = sync.NewCond(&d.mu)
	d.markStatus.Store(int32(ReadyToConcurrentMark))
	return d
}

// Start launches the run loop. Calling Start on a running daemon is a no-op.
// If a Stop is still draining, Start waits for the old loop to exit first.
func (d *Thread) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for !d.running && d.done != nil {
		done := d.done
		d.mu.Unlock()
		<-done
		d.mu.Lock()
	}
	if d.running {
		return
	}
	d.running = true
	d.postedGroups = GroupNone
	d.runningGroup = GroupNone
	d.done = make(chan struct{})
	go d.loop(d.done)
	log.Debug("daemon started")
}

// Stop posts a terminate task behind any queued work and waits for the loop
// to exit. From the moment Stop is called, CheckAndPostTask reports
// DaemonThreadNotRunning. Concurrent callers all wait for the same loop.
// Safe to call on a stopped daemon.
func (d *Thread) Stop() {
	d.mu.Lock()
	done := d.done
	if done == nil {
		d.mu.Unlock()
		return
	}
	if d.running {
		d.running = false
		d.postedGroups |= GroupTerminate
		d.tasks = append(d.tasks, NewTask(TerminateDaemon, uuid.Nil, func(*Thread) {}))
		d.cond.Signal()
	}
	d.mu.Unlock()

	<-done
	log.Debug("daemon stopped")
}

// PreFork stops the daemon before a fork-like snapshot of the process.
func (d *Thread) PreFork() {
	d.Stop()
}

// PostFork restarts the daemon after PreFork.
func (d *Thread) PostFork() {
	d.Start()
}

// IsRunning reports whether the daemon accepts tasks.
func (d *Thread) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// CheckAndPostTask admits task unless the daemon is stopped or a task of the
// same group is already queued or running. The check and the group update
// happen under one lock, so concurrent posters of one group see exactly one
// Success.
func (d *Thread) CheckAndPostTask(task Task) PostResult {
	if task.Run == nil {
		panic("daemon: task without Run")
	}
	group := task.Group()
	if group == GroupNone || group == GroupTerminate {
		panic("daemon: task type " + task.Type.String() + " cannot be posted")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		d.refused.Add(1)
		return DaemonThreadNotRunning
	}
	if d.postedGroups&group != 0 {
		d.dropped.Add(1)
		return SameGroupTaskAlreadyPosted
	}
	d.postedGroups |= group
	if task.Type == TriggerConcurrentMark || task.Type == TriggerUnifiedGCMark {
		d.markStatus.Store(int32(ConcurrentMarkingOrFinished))
	}
	d.tasks = append(d.tasks, task)
	d.posted.Add(1)
	d.cond.Signal()
	log.Debug("task posted", "type", task.Type, "id", task.ID, "origin", task.Origin)
	return Success
}

// FinishRunningTask releases the group of the running task so that it can be
// posted again. Only the running task may call it.
func (d *Thread) FinishRunningTask() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.runningGroup == GroupNone {
		panic("daemon: FinishRunningTask with no running task")
	}
	if d.postedGroups&d.runningGroup == 0 {
		panic("daemon: running group not posted")
	}
	d.postedGroups &^= d.runningGroup
	d.runningGroup = GroupNone
}

// RunningGroup returns the group of the task currently executing.
func (d *Thread) RunningGroup() TaskGroup {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runningGroup
}

// PostedGroups returns the mask of groups queued or running.
func (d *Thread) PostedGroups() TaskGroup {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.postedGroups
}

// SharedMarkStatus returns the current mark status.
func (d *Thread) SharedMarkStatus() SharedMarkStatus {
	return SharedMarkStatus(d.markStatus.Load())
}

// SetSharedMarkStatus records the mark status; the heap resets it to
// ReadyToConcurrentMark when a cycle completes.
func (d *Thread) SetSharedMarkStatus(s SharedMarkStatus) {
	d.markStatus.Store(int32(s))
}

// IsReadyToConcurrentMark reports whether a concurrent mark may be posted.
func (d *Thread) IsReadyToConcurrentMark() bool {
	return d.SharedMarkStatus() == ReadyToConcurrentMark
}

// Stats returns the daemon counters.
func (d *Thread) Stats() Stats {
	return Stats{
		Posted:   d.posted.Load(),
		Dropped:  d.dropped.Load(),
		Refused:  d.refused.Load(),
		Executed: d.executed.Load(),
	}
}

// loop runs queued tasks one at a time until it executes a terminate task.
// done is closed, and d.done cleared, under the lock once the loop is gone.
func (d *Thread) loop(done chan struct{}) {
	defer func() {
		d.mu.Lock()
		if d.done == done {
			d.done = nil
		}
		close(done)
		d.mu.Unlock()
	}()
	for {
		d.mu.Lock()
		for len(d.tasks) == 0 {
			d.cond.Wait()
		}
		task := d.tasks[0]
		d.tasks[0] = Task{}
		d.tasks = d.tasks[1:]
		d.runningGroup = task.Group()
		d.mu.Unlock()

		task.Run(d)
		d.executed.Add(1)

		// Tasks normally release their group themselves; release it here if
		// the task returned without doing so.
		d.mu.Lock()
		if d.runningGroup != GroupNone {
			d.postedGroups &^= d.runningGroup
			d.runningGroup = GroupNone
		}
		d.mu.Unlock()

		if task.Type == TerminateDaemon {
			return
		}
	}
}
