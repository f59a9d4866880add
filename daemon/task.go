package daemon

import (
	"fmt"

	"github.com/google/uuid"
)

// TaskType identifies what a daemon task does.
type TaskType uint32

const (
	TriggerConcurrentMark TaskType = iota
	TriggerCollectGarbage
	TriggerUnifiedGCMark
	TerminateDaemon
	MockForTest
)

func (t TaskType) String() string {
	switch t {
	case TriggerConcurrentMark:
		return "TriggerConcurrentMark"
	case TriggerCollectGarbage:
		return "TriggerCollectGarbage"
	case TriggerUnifiedGCMark:
		return "TriggerUnifiedGCMark"
	case TerminateDaemon:
		return "TerminateDaemon"
	case MockForTest:
		return "MockForTest"
	}
	return fmt.Sprintf("TaskType(%d)", uint32(t))
}

// TaskGroup is a bit in the daemon's posted-group mask. At most one task per
// group is queued or running at any time.
type TaskGroup uint32

const (
	GroupNone      TaskGroup = 0
	GroupGC        TaskGroup = 1 << 0
	GroupTerminate TaskGroup = 1 << 1
	GroupMock      TaskGroup = 1 << 2
)

// Group returns the admission group of a task type.
func (t TaskType) Group() TaskGroup {
	switch t {
	case TriggerConcurrentMark, TriggerCollectGarbage, TriggerUnifiedGCMark:
		return GroupGC
	case TerminateDaemon:
		return GroupTerminate
	case MockForTest:
		return GroupMock
	}
	return GroupNone
}

// SharedMarkStatus tracks whether a new concurrent mark may be requested.
type SharedMarkStatus int32

const (
	ReadyToConcurrentMark SharedMarkStatus = iota
	ConcurrentMarkingOrFinished
)

// Task is one unit of work for the daemon goroutine. Run receives the daemon
// so it can call FinishRunningTask at the point its group may be reposted.
type Task struct {
	ID     uuid.UUID
	Type   TaskType
	Origin uuid.UUID // requesting execution context, uuid.Nil if none
	Run    func(d *Thread)
}

// NewTask builds a task with a fresh id.
func NewTask(typ TaskType, origin uuid.UUID, run func(d *Thread)) Task {
	return Task{
		ID:     uuid.New(),
		Type:   typ,
		Origin: origin,
		Run:    run,
	}
}

// Group returns the task's admission group.
func (t Task) Group() TaskGroup {
	return t.Type.Group()
}

// PostResult is the outcome of CheckAndPostTask.
type PostResult int

const (
	Success PostResult = iota
	SameGroupTaskAlreadyPosted
	DaemonThreadNotRunning
)

func (r PostResult) String() string {
	switch r {
	case Success:
		return "SUCCESS"
	case SameGroupTaskAlreadyPosted:
		return "SAME_GROUP_TASK_ALREADY_POSTED"
	case DaemonThreadNotRunning:
		return "DAEMON_THREAD_NOT_RUNNING"
	}
	return fmt.Sprintf("PostResult(%d)", int(r))
}
