package core

import "time"

// CPUState holds everything one managed CPU's agent needs: its runqueue,
// the task currently on it (if any), the bound message channel, and a
// pending-preemption flag. The runqueue's mutex also guards current and
// preemptCurr, since CpuTick reads current under the same lock that
// Enqueue/Dequeue/Erase already take (see RunQueue.Lock/Unlock).
type CPUState struct {
	CPUID   int
	RQ      *RunQueue
	Channel Channel

	current     *Task
	preemptCurr bool
}

func newCPUState(cpu int, ch Channel, defaultSlice time.Duration) *CPUState {
	return &CPUState{
		CPUID:   cpu,
		RQ:      NewRunQueue(defaultSlice),
		Channel: ch,
	}
}

// Current returns the task currently OnCpu on this CPU, if any.
func (cs *CPUState) Current() *Task {
	cs.RQ.Lock()
	defer cs.RQ.Unlock()
	return cs.current
}

func (cs *CPUState) setCurrent(t *Task) {
	cs.RQ.Lock()
	defer cs.RQ.Unlock()
	cs.current = t
}

// clearCurrentIfMatches clears cs.current only when it still equals task,
// the safe generalization described in core/task.go's updateRemainingTime
// doc comment: a switch-to off-cpu path may already have cleared current.
func (cs *CPUState) clearCurrentIfMatches(task *Task) {
	cs.RQ.Lock()
	defer cs.RQ.Unlock()
	if cs.current == task {
		cs.current = nil
	}
}

func (cs *CPUState) preemptPending() bool {
	cs.RQ.Lock()
	defer cs.RQ.Unlock()
	return cs.preemptCurr
}

func (cs *CPUState) setPreemptPending(v bool) {
	cs.RQ.Lock()
	defer cs.RQ.Unlock()
	cs.preemptCurr = v
}
