// Package taskpool implements the worker pool that GC phases fan work out to.
//
// A Pool owns a fixed number of worker goroutines pulling from one FIFO queue.
// Tasks are closures tagged with an owner id so that all queued work of one
// owner can be dropped at once.
package taskpool

import (
	"runtime"
	"sync"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("sharedheap.taskpool")

// MaxThreads caps the default worker count.
const MaxThreads = 7

// Task is a unit of work run on one worker goroutine. The return value of
// Run is informational and reported through Stats.
type Task struct {
	ID  int32
	Run func(workerIndex int) bool
}

// Stats holds pool counters.
type Stats struct {
	Posted     uint64
	Completed  uint64
	Failed     uint64
	Terminated uint64
}

// Pool executes posted tasks on a fixed set of goroutines.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Task
	active  int
	closed  bool
	threads int
	wg      sync.WaitGroup
	stats   Stats
}

// DefaultThreads returns the worker count used when New is given n <= 0.
func DefaultThreads() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	if n > MaxThreads {
		n = MaxThreads
	}
	return n
}

// New starts a pool with n workers. n <= 0 selects DefaultThreads.
func New(n int) *Pool {
	if n <= 0 {
		n = DefaultThreads()
	}
	p := &Pool{threads: n}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	log.Debugf("started %d workers", n)
	return p
}

// NumThreads returns the number of worker goroutines.
func (p *Pool) NumThreads() int {
	return p.threads
}

// PostTask queues t. It returns false once the pool has been destroyed.
func (p *Pool) PostTask(t Task) bool {
	if t.Run == nil {
		panic("taskpool: task without Run")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.queue = append(p.queue, t)
	p.stats.Posted++
	p.cond.Signal()
	return true
}

// TerminateTask drops every queued task with the given id and returns how
// many were dropped. Tasks already running are not interrupted.
func (p *Pool) TerminateTask(id int32) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.queue[:0]
	dropped := 0
	for _, t := range p.queue {
		if t.ID == id {
			dropped++
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(p.queue); i++ {
		p.queue[i] = Task{}
	}
	p.queue = kept
	p.stats.Terminated += uint64(dropped)
	return dropped
}

// Pending returns the number of queued plus running tasks.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) + p.active
}

// Stats returns a copy of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Destroy stops accepting tasks, lets the workers drain the queue and waits
// for them to exit. Safe to call more than once.
func (p *Pool) Destroy() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
	log.Debug("workers stopped")
}

func (p *Pool) worker(index int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue[0] = Task{}
		p.queue = p.queue[1:]
		p.active++
		p.mu.Unlock()

		// A panic in a GC task is an invariant violation; let it crash.
		ok := t.Run(index)

		p.mu.Lock()
		p.active--
		if ok {
			p.stats.Completed++
		} else {
			p.stats.Failed++
		}
		p.mu.Unlock()
	}
}
