package core

import (
	"log"
	"sync"
	"time"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
)

// RunQueue is the two-array (active/expired) per-CPU runqueue described in
// the O(1) design: Enqueue places by remaining time, Dequeue swaps the
// arrays once active is drained, and Erase is a linear scan checked
// back-first because boosts and preempts typically touch the back of
// active.
//
// The arrays are backed by emirpasic/gods' doubly linked list rather than a
// bare slice: Prepend/Append give the front/back placement Enqueue needs,
// and indexed Get+Remove give Erase's scan without hand-rolled index
// shuffling.
type RunQueue struct {
	mu           sync.Mutex
	active       *doublylinkedlist.List
	expired      *doublylinkedlist.List
	defaultSlice time.Duration
}

// NewRunQueue creates an empty runqueue that refills expired tasks' slices
// to defaultSlice.
func NewRunQueue(defaultSlice time.Duration) *RunQueue {
	return &RunQueue{
		active:       doublylinkedlist.New(),
		expired:      doublylinkedlist.New(),
		defaultSlice: defaultSlice,
	}
}

// Enqueue places task in the active array if it still has time remaining,
// else refills its slice and places it in the expired array. In either
// case, boosted tasks go to the front, otherwise to the back.
func (rq *RunQueue) Enqueue(task *Task) {
	if task.State != TaskRunnable {
		fatalf("RunQueue.Enqueue: task %s not runnable (state=%s)", task.Gtid, task.State)
	}
	task.State = TaskQueued

	rq.mu.Lock()
	defer rq.mu.Unlock()

	if task.RemainingTime > 0 {
		if verbose > 0 {
			log.Printf("[EnqueueActive][%d][%s] remaining=%s", task.CPU, task.Gtid, task.RemainingTime)
		}
		pushList(rq.active, task, task.PrioBoost)
		return
	}

	if verbose > 0 {
		log.Printf("[EnqueueExpired][%d][%s] remaining=%s", task.CPU, task.Gtid, task.RemainingTime)
	}
	task.RemainingTime = rq.defaultSlice
	pushList(rq.expired, task, task.PrioBoost)
}

func pushList(l *doublylinkedlist.List, task *Task, front bool) {
	if front {
		l.Prepend(task)
	} else {
		l.Append(task)
	}
}

// Dequeue pops the front of active. If active is empty it swaps active and
// expired (O(1)) and pops from the newly active array. It returns nil only
// when both arrays are empty.
func (rq *RunQueue) Dequeue() *Task {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.dequeueLocked()
}

func (rq *RunQueue) dequeueLocked() *Task {
	if rq.active.Empty() {
		if rq.expired.Empty() {
			return nil
		}
		rq.swapLocked()
	}

	v, _ := rq.active.Get(0)
	rq.active.Remove(0)
	task := v.(*Task)
	if !task.queued() {
		fatalf("RunQueue.Dequeue: task %s not queued (state=%s)", task.Gtid, task.State)
	}
	task.State = TaskRunnable
	return task
}

func (rq *RunQueue) swapLocked() {
	if verbose > 0 {
		log.Printf("[Swap]")
	}
	rq.active, rq.expired = rq.expired, rq.active
}

// Erase removes task from whichever array holds it. It is a fatal
// invariant violation for task not to be found in either.
func (rq *RunQueue) Erase(task *Task) {
	if !task.queued() {
		fatalf("RunQueue.Erase: task %s not queued (state=%s)", task.Gtid, task.State)
	}

	rq.mu.Lock()
	defer rq.mu.Unlock()

	if eraseFromBackFirst(rq.active, task) || eraseFromBackFirst(rq.expired, task) {
		task.State = TaskRunnable
		return
	}
	fatalf("RunQueue.Erase: task %s not found in either array", task.Gtid)
}

// eraseFromBackFirst checks the back of l first (the expected hot path for
// boosts/preempts) before scanning from the front.
func eraseFromBackFirst(l *doublylinkedlist.List, task *Task) bool {
	size := l.Size()
	if size == 0 {
		return false
	}
	if v, ok := l.Get(size - 1); ok && v.(*Task) == task {
		l.Remove(size - 1)
		return true
	}
	for i := 0; i < size-1; i++ {
		if v, ok := l.Get(i); ok && v.(*Task) == task {
			l.Remove(i)
			return true
		}
	}
	return false
}

// Empty reports whether both arrays are empty.
func (rq *RunQueue) Empty() bool {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.active.Empty() && rq.expired.Empty()
}

// Size returns the total number of queued tasks across both arrays, used by
// diagnostics.
func (rq *RunQueue) Size() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.active.Size() + rq.expired.Size()
}

// Lock/Unlock expose the runqueue's mutex directly so CpuTick can hold it
// across the current-task check the way the original CheckPreemptTick
// asserts the runqueue lock is already held for it.
func (rq *RunQueue) Lock()   { rq.mu.Lock() }
func (rq *RunQueue) Unlock() { rq.mu.Unlock() }
