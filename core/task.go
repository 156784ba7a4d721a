package core

import (
	"log"
	"sync"
	"time"
)

// TaskState is the task's lifecycle stage. Exactly one applies at a time.
type TaskState int

const (
	TaskBlocked TaskState = iota
	TaskRunnable
	TaskQueued
	TaskOnCPU
)

func (s TaskState) String() string {
	switch s {
	case TaskBlocked:
		return "Blocked"
	case TaskRunnable:
		return "Runnable"
	case TaskQueued:
		return "Queued"
	case TaskOnCPU:
		return "OnCpu"
	default:
		return "Unknown"
	}
}

// UnassignedCPU is the sentinel Task.CPU value for a task that has never
// been placed on a CPU.
const UnassignedCPU = -1

// Task is the per-task scheduling state the core maintains. It is the only
// mutable state a task carries; the kernel's own bookkeeping (memory,
// scheduling class, etc) lives outside this package.
type Task struct {
	Gtid Gtid

	State TaskState
	CPU   int

	// Seqnum is the barrier token carried from the most recently
	// delivered message for this task; it fences channel
	// re-association and transaction commit.
	Seqnum BarrierToken

	// RemainingTime is the unspent portion of the current time slice.
	// It may go negative; that denotes "expired".
	RemainingTime time.Duration

	// RuntimeAtLastPick is the wall-clock time the task most recently
	// became OnCpu; used to compute elapsed runtime.
	RuntimeAtLastPick time.Time

	// Preempted is true while the task sits in the runqueue because of
	// involuntary preemption. Cleared when it is next placed OnCpu.
	Preempted bool

	// PrioBoost requests front-of-queue placement at the next Enqueue.
	// Cleared at OnCpu.
	PrioBoost bool

	StatusWord StatusWord
}

// NewTask creates a task in the Blocked state with a freshly refilled slice,
// mirroring O1Scheduler::TaskNew's initial bookkeeping.
func NewTask(gtid Gtid, sw StatusWord, defaultSlice time.Duration) *Task {
	return &Task{
		Gtid:          gtid,
		State:         TaskBlocked,
		CPU:           UnassignedCPU,
		RemainingTime: defaultSlice,
		StatusWord:    sw,
	}
}

func (t *Task) blocked() bool  { return t.State == TaskBlocked }
func (t *Task) queued() bool   { return t.State == TaskQueued }
func (t *Task) oncpu() bool    { return t.State == TaskOnCPU }
func (t *Task) runnable() bool { return t.State == TaskRunnable }

func (t *Task) setRuntimeAtLastPick() { t.RuntimeAtLastPick = time.Now() }

// updateRemainingTime deducts elapsed wall-clock runtime since the task's
// last pick from its remaining slice. On the tick path (isOff false) it
// also restarts the runtime clock and returns true when the slice is now
// exhausted (<= 0); on the off-cpu path (isOff true) it always returns
// false.
//
// This deducts against t itself rather than against a CPU's cs.current, the
// safe generalization of the original off-cpu accounting: the source
// dereferenced cs->current unconditionally before confirming the departing
// task was in fact cs->current, which faults on the switch-to off-cpu path
// where current has already been cleared.
func (t *Task) updateRemainingTime(isOff bool) bool {
	now := time.Now()
	t.RemainingTime -= now.Sub(t.RuntimeAtLastPick)
	if verbose > 0 {
		log.Printf("[UpdateRemainingTime][%s] isOff=%v remaining=%s", t.Gtid, isOff, t.RemainingTime)
	}
	if !isOff {
		t.setRuntimeAtLastPick()
		if t.RemainingTime <= 0 {
			return true
		}
	}
	return false
}

// verbose gates the GHOST_DPRINT-style diagnostic logging carried over from
// the original scheduler. 0 disables it.
var verbose int

// SetVerbose sets the package-wide diagnostic verbosity level.
func SetVerbose(v int) { verbose = v }

// TaskAllocator hands out stable *Task references keyed by task id. It is
// thread-safe: multiple agents may free tasks concurrently, though in
// practice a task is only ever touched by the agent bound to its CPU.
type TaskAllocator interface {
	NewTask(gtid Gtid, sw StatusWord) *Task
	GetTask(gtid Gtid) (*Task, bool)
	FreeTask(t *Task)
	ForEachTask(f func(Gtid, *Task) bool)
}

type mallocTaskAllocator struct {
	mu           sync.Mutex
	tasks        map[Gtid]*Task
	defaultSlice time.Duration
}

// NewTaskAllocator returns a thread-safe malloc-backed TaskAllocator, the Go
// analogue of ThreadSafeMallocTaskAllocator<O1Task>.
func NewTaskAllocator(defaultSlice time.Duration) TaskAllocator {
	return &mallocTaskAllocator{
		tasks:        make(map[Gtid]*Task),
		defaultSlice: defaultSlice,
	}
}

func (a *mallocTaskAllocator) NewTask(gtid Gtid, sw StatusWord) *Task {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := NewTask(gtid, sw, a.defaultSlice)
	a.tasks[gtid] = t
	return t
}

func (a *mallocTaskAllocator) GetTask(gtid Gtid) (*Task, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tasks[gtid]
	return t, ok
}

func (a *mallocTaskAllocator) FreeTask(t *Task) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tasks, t.Gtid)
}

func (a *mallocTaskAllocator) ForEachTask(f func(Gtid, *Task) bool) {
	a.mu.Lock()
	snapshot := make(map[Gtid]*Task, len(a.tasks))
	for k, v := range a.tasks {
		snapshot[k] = v
	}
	a.mu.Unlock()
	for gtid, t := range snapshot {
		if !f(gtid, t) {
			return
		}
	}
}
