package core

import (
	"log"
	"time"
)

// Options configures a Scheduler. It carries the small set of compile-time
// constants spec.md leaves implementation-chosen: the default time slice,
// per-channel capacity, and the switch-to spin bound.
type Options struct {
	DefaultSlice    time.Duration
	ChannelCapacity int
	// SwitchToSpinLimit bounds the spin-pause loop that waits for a
	// switch-to target to leave status_word.on_cpu(); see the
	// "Switch-to spin" design note. 0 means unbounded (not recommended
	// outside tests with a fake status word that always clears).
	SwitchToSpinLimit int
	Verbose           int
}

// DefaultOptions mirrors the values scx_goland_core hard-codes for its own
// slice calculation (5ms default), scaled down to the single-slice-size
// model this scheduler uses.
func DefaultOptions() Options {
	return Options{
		DefaultSlice:      5 * time.Millisecond,
		ChannelCapacity:   4096,
		SwitchToSpinLimit: 100000,
	}
}

// Scheduler is the O(1) two-array per-CPU scheduling core.
type Scheduler struct {
	enclave   Enclave
	topology  Topology
	allocator TaskAllocator
	admitter  *Admitter
	opts      Options

	cpus           map[int]*CPUState
	defaultChannel Channel
	debugRunqueue  bool
}

// NewScheduler builds a Scheduler over the given CPU set, one CPU state
// (and one channel) per CPU, mirroring O1Scheduler's constructor.
func NewScheduler(enclave Enclave, topo Topology, cpuList []int, allocator TaskAllocator, opts Options) *Scheduler {
	SetVerbose(opts.Verbose)
	s := &Scheduler{
		enclave:   enclave,
		topology:  topo,
		allocator: allocator,
		admitter:  NewAdmitter(cpuList),
		opts:      opts,
		cpus:      make(map[int]*CPUState, len(cpuList)),
	}

	for _, cpu := range cpuList {
		info := topo.CPU(cpu)
		ch, err := enclave.MakeChannel(opts.ChannelCapacity, info.Node, []int{cpu})
		if err != nil {
			fatalf("NewScheduler: MakeChannel(cpu=%d): %v", cpu, err)
		}
		cs := newCPUState(cpu, ch, opts.DefaultSlice)
		s.cpus[cpu] = cs
		if s.defaultChannel == nil {
			s.defaultChannel = ch
		}
	}
	return s
}

func (s *Scheduler) cpuState(cpu int) *CPUState {
	cs, ok := s.cpus[cpu]
	if !ok {
		fatalf("Scheduler: unknown cpu %d", cpu)
	}
	return cs
}

func (s *Scheduler) cpuStateOf(task *Task) *CPUState {
	if task.CPU < 0 {
		fatalf("Scheduler: task %s has no assigned cpu", task.Gtid)
	}
	return s.cpuState(task.CPU)
}

// EnclaveReady associates every managed CPU's channel with its agent,
// retrying past stale barrier tokens, then enables tick delivery. This must
// run once before any CPU's Schedule is called.
func (s *Scheduler) EnclaveReady() {
	if verbose > 0 {
		log.Printf("[EnclaveReady]")
	}
	for cpu, cs := range s.cpus {
		agent := s.enclave.GetAgent(cpu)
		for {
			err := cs.Channel.AssociateTask(agent.Gtid(), agent.Barrier(), nil)
			if err == nil {
				break
			}
			if err != ErrStale {
				fatalf("EnclaveReady: AssociateTask(cpu=%d): %v", cpu, err)
			}
		}
	}
	s.enclave.SetDeliverTicks(true)
}

// AssignCPU hands out the next CPU in round-robin order for a task that has
// none yet. Only ever called from the agent bound to the default channel.
func (s *Scheduler) AssignCPU(task *Task) int {
	cpu := s.admitter.AssignCPU()
	if verbose > 0 {
		log.Printf("[AssignCpu][%s] remaining=%s -> cpu %d", task.Gtid, task.RemainingTime, cpu)
	}
	return cpu
}

// Migrate binds task to cpu's channel and makes it visible in that CPU's
// runqueue. A task never migrates again after this call, except for a
// switch-to target the kernel may silently relocate.
func (s *Scheduler) Migrate(task *Task, cpu int, seqnum BarrierToken) {
	if task.State != TaskRunnable {
		fatalf("Migrate: task %s not runnable (state=%s)", task.Gtid, task.State)
	}
	if task.CPU != UnassignedCPU {
		fatalf("Migrate: task %s already assigned to cpu %d", task.Gtid, task.CPU)
	}

	cs := s.cpuState(cpu)
	for {
		err := cs.Channel.AssociateTask(task.Gtid, seqnum, task.StatusWord)
		if err == nil {
			break
		}
		if err != ErrStale {
			fatalf("Migrate: AssociateTask(cpu=%d, task=%s): %v", cpu, task.Gtid, err)
		}
	}

	if verbose > 2 {
		log.Printf("Migrating task %s to cpu %d", task.Gtid, cpu)
	}
	task.CPU = cpu

	// Make the task visible in its new runqueue only after the
	// association above, so it cannot go oncpu while still producing
	// into the old (nonexistent) queue.
	cs.RQ.Enqueue(task)

	s.enclave.GetAgent(cpu).Ping()
}

// ---- Task state machine (spec.md §4.1) ----

func (s *Scheduler) TaskNew(task *Task, msg Message) {
	payload := msg.Payload.(TaskNewPayload)
	if verbose > 0 {
		log.Printf("[TaskNew][%d][%s]", task.CPU, task.Gtid)
	}
	task.Seqnum = msg.Seqnum
	task.State = TaskBlocked

	if payload.Runnable {
		task.State = TaskRunnable
		cpu := s.AssignCPU(task)
		s.Migrate(task, cpu, msg.Seqnum)
	}
	// Else: wait for the task to become runnable, to avoid a race
	// between migration and a wakeup message on the default channel.
}

func (s *Scheduler) TaskRunnable(task *Task, msg Message) {
	payload := msg.Payload.(TaskWakeupPayload)
	if verbose > 0 {
		log.Printf("[TaskRunnable][%d][%s]", task.CPU, task.Gtid)
	}
	if !task.blocked() {
		fatalf("TaskRunnable: task %s not blocked (state=%s)", task.Gtid, task.State)
	}
	task.State = TaskRunnable
	task.Seqnum = msg.Seqnum

	// A non-deferrable wakeup gets the same preference as a preempted
	// task: it may be holding locks or resources other tasks need to
	// make progress.
	task.PrioBoost = !payload.Deferrable

	if task.CPU < 0 {
		cpu := s.AssignCPU(task)
		s.Migrate(task, cpu, msg.Seqnum)
		return
	}
	cs := s.cpuStateOf(task)
	cs.RQ.Enqueue(task)
}

func (s *Scheduler) TaskDeparted(task *Task, msg Message) {
	payload := msg.Payload.(TaskDepartedPayload)
	if verbose > 0 {
		log.Printf("[TaskDeparted][%d][%s]", task.CPU, task.Gtid)
	}

	switch {
	case task.oncpu() || payload.FromSwitchto:
		s.taskOffCPU(task, false)
	case task.queued():
		s.cpuStateOf(task).RQ.Erase(task)
	default:
		if !task.blocked() {
			fatalf("TaskDeparted: task %s in unexpected state %s", task.Gtid, task.State)
		}
	}

	if payload.FromSwitchto {
		s.pingCPU(payload.CPU)
	}

	s.allocator.FreeTask(task)
}

func (s *Scheduler) TaskDead(task *Task, msg Message) {
	if verbose > 0 {
		log.Printf("[TaskDead][%d][%s]", task.CPU, task.Gtid)
	}
	if !task.blocked() {
		fatalf("TaskDead: task %s not blocked (state=%s)", task.Gtid, task.State)
	}
	s.allocator.FreeTask(task)
}

func (s *Scheduler) TaskYield(task *Task, msg Message) {
	payload := msg.Payload.(TaskYieldPayload)
	if verbose > 0 {
		log.Printf("[TaskYield][%d][%s]", task.CPU, task.Gtid)
	}
	s.taskOffCPU(task, false)

	cs := s.cpuStateOf(task)
	cs.RQ.Enqueue(task)

	if payload.FromSwitchto {
		s.pingCPU(payload.CPU)
	}
}

func (s *Scheduler) TaskBlocked(task *Task, msg Message) {
	payload := msg.Payload.(TaskBlockedPayload)
	if verbose > 0 {
		log.Printf("[TaskBlocked][%d][%s]", task.CPU, task.Gtid)
	}

	if task.queued() {
		// A preempt-then-block race on the same channel (see the
		// preempt-before-wakeup scenario): the task never made it back
		// oncpu before the kernel reported it blocked. There is no
		// runtime to deduct since it was never running; erase it from
		// the runqueue instead of running the normal off-cpu step.
		s.cpuStateOf(task).RQ.Erase(task)
		task.State = TaskBlocked
	} else {
		s.taskOffCPU(task, true)
	}

	if payload.FromSwitchto {
		s.pingCPU(payload.CPU)
	}
}

func (s *Scheduler) TaskPreempted(task *Task, msg Message) {
	payload := msg.Payload.(TaskPreemptPayload)
	if verbose > 0 {
		log.Printf("[TaskPreempted][%d][%s]", task.CPU, task.Gtid)
	}

	cs := s.cpuStateOf(task)
	if task.queued() {
		// Queued -> PREEMPT stays Queued: the task was never running,
		// so there is nothing to deduct. Move it to the front of
		// active by re-enqueuing with a boost; every task sitting in
		// either array already has remaining_time > 0 (Enqueue always
		// refills before placing into expired), so this always lands
		// in active, never expired.
		cs.RQ.Erase(task)
	} else {
		s.taskOffCPU(task, false)
	}

	task.Preempted = true
	task.PrioBoost = true
	cs.RQ.Enqueue(task)

	if payload.FromSwitchto {
		s.pingCPU(payload.CPU)
	}
}

// TaskSwitchto marks the task Blocked without further bookkeeping: the
// wakeup or preempt message that follows on a real switch-to chain handles
// re-queuing. It is an annotation, not an independent transition.
func (s *Scheduler) TaskSwitchto(task *Task, msg Message) {
	if verbose > 0 {
		log.Printf("[TaskSwitchto][%d][%s]", task.CPU, task.Gtid)
	}
	s.taskOffCPU(task, true)
}

func (s *Scheduler) CPUTick(msg Message) {
	payload := msg.Payload.(CPUTickPayload)
	cs := s.cpuState(payload.CPU)

	cs.RQ.Lock()
	defer cs.RQ.Unlock()
	s.checkPreemptTickLocked(cs)
}

// checkPreemptTickLocked deducts the current task's elapsed runtime and, if
// its slice is now exhausted, flags the CPU for preemption. The actual
// preemption happens in the next Schedule pass, step 2. Callers must hold
// cs.RQ's lock: it exists to synchronize with concurrent Enqueue/Dequeue
// from admission on the default agent, not because this function itself
// mutates the runqueue.
func (s *Scheduler) checkPreemptTickLocked(cs *CPUState) {
	if cs.current == nil {
		return
	}
	if cs.current.updateRemainingTime(false) {
		cs.preemptCurr = true
	}
}

// taskOffCPU runs the shared "off-cpu accounting" step: deduct elapsed
// runtime, clear the CPU's current pointer if it still points at task, then
// set the destination state.
func (s *Scheduler) taskOffCPU(task *Task, blocked bool) {
	if verbose > 3 {
		log.Printf("Task %s offcpu %d", task.Gtid, task.CPU)
	}
	cs := s.cpuStateOf(task)

	if task.updateRemainingTime(true) {
		cs.setPreemptPending(true)
	}

	if task.oncpu() {
		cs.clearCurrentIfMatches(task)
	}
	// else: a switch-to path already cleared current for this task
	// before this message arrived; nothing left to clear.

	if blocked {
		task.State = TaskBlocked
	} else {
		task.State = TaskRunnable
	}
}

func (s *Scheduler) taskOnCPU(task *Task, cpu int) {
	if verbose > 0 {
		log.Printf("[TaskOnCpu][%d][%s]", cpu, task.Gtid)
	}
	cs := s.cpuState(cpu)
	cs.setCurrent(task)

	task.State = TaskOnCPU
	task.setRuntimeAtLastPick()
	task.CPU = cpu
	task.Preempted = false
	task.PrioBoost = false
}

func (s *Scheduler) pingCPU(cpu int) {
	s.enclave.GetAgent(cpu).Ping()
}

// dispatchMessage routes msg through the state machine, fetching (or
// creating, for TaskNew) the task record it targets.
func (s *Scheduler) dispatchMessage(msg Message) {
	if msg.Kind == MsgCPUTick {
		s.CPUTick(msg)
		return
	}

	var task *Task
	if msg.Kind == MsgTaskNew {
		task = s.allocator.NewTask(msg.Gtid, s.enclave.TaskStatusWord(msg.Gtid))
	} else {
		var ok bool
		task, ok = s.allocator.GetTask(msg.Gtid)
		if !ok {
			fatalf("dispatchMessage: unknown task %s for %s", msg.Gtid, msg.Kind)
		}
	}

	switch msg.Kind {
	case MsgTaskNew:
		s.TaskNew(task, msg)
	case MsgTaskWakeup:
		s.TaskRunnable(task, msg)
	case MsgTaskBlocked:
		s.TaskBlocked(task, msg)
	case MsgTaskYield:
		s.TaskYield(task, msg)
	case MsgTaskPreempt:
		s.TaskPreempted(task, msg)
	case MsgTaskDeparted:
		s.TaskDeparted(task, msg)
	case MsgTaskDead:
		s.TaskDead(task, msg)
	case MsgTaskSwitchto:
		s.TaskSwitchto(task, msg)
	default:
		fatalf("dispatchMessage: unhandled message kind %s", msg.Kind)
	}
}

// ---- Scheduling loop (spec.md §4.3) ----

// Schedule runs one pass for cpu: drain every pending message, then pick
// and commit the next task to run.
func (s *Scheduler) Schedule(cpu int, agentSW StatusWord) {
	if verbose > 0 {
		log.Printf("[Schedule][%d]", cpu)
	}
	cs := s.cpuState(cpu)
	agentBarrier := agentSW.Barrier()

	for {
		msg, ok := cs.Channel.Peek()
		if !ok {
			break
		}
		s.dispatchMessage(msg)
		cs.Channel.Consume(msg)
	}

	s.o1Schedule(cs, agentBarrier, agentSW.BoostedPriority())
}

// o1Schedule implements steps 2-4 of spec.md §4.3: honor pending
// preemption, select the next task, and commit the dispatch transaction
// (or a local yield if there is nothing to run).
func (s *Scheduler) o1Schedule(cs *CPUState, agentBarrier BarrierToken, prioBoost bool) {
	if verbose > 0 {
		log.Printf("[O1Schedule][%d]", cs.CPUID)
	}

	if cs.preemptPending() {
		prev := cs.Current()
		if verbose > 2 {
			cur := "none"
			if prev != nil {
				cur = prev.Gtid.String()
			}
			log.Printf("Preempting current task %s on cpu %d", cur, cs.CPUID)
		}
		if prev != nil {
			s.taskOffCPU(prev, false)
			cs.RQ.Enqueue(prev)
		}
		cs.setPreemptPending(false)
	}

	var next *Task
	if !prioBoost {
		next = cs.Current()
		if next == nil {
			next = cs.RQ.Dequeue()
		}
	}

	if verbose > 2 {
		label := "idling"
		if next != nil {
			label = next.Gtid.String()
		}
		log.Printf("O1Schedule %s prio-boost=%v cpu %d", label, prioBoost, cs.CPUID)
	}

	req := s.enclave.GetRunRequest(cs.CPUID)
	if next == nil {
		flags := 0
		if prioBoost && (cs.Current() != nil || !cs.RQ.Empty()) {
			flags = ReturnOnIdle
		}
		req.LocalYield(agentBarrier, flags)
		return
	}

	if !s.waitForSwitchToRace(next) {
		// The kernel state for a switch-to chain never cleared within
		// the spin bound: fall back to a boosted requeue instead of
		// livelocking the scheduling pass forever. next may still be
		// cs.Current() (state TaskOnCPU) if it was picked at line 468
		// rather than dequeued, so it must come off-cpu before Enqueue
		// will accept it.
		if next == cs.Current() {
			s.taskOffCPU(next, false)
		}
		next.PrioBoost = true
		cs.RQ.Enqueue(next)
		return
	}

	req.Open(OpenParams{
		Target:        next.Gtid,
		TargetBarrier: next.Seqnum,
		AgentBarrier:  agentBarrier,
		CommitFlags:   CommitAtTxnCommit,
	})

	if req.Commit() {
		s.taskOnCPU(next, cs.CPUID)
		return
	}

	if verbose > 2 {
		log.Printf("O1Schedule: commit failed for %s on cpu %d", next.Gtid, cs.CPUID)
	}
	if next == cs.Current() {
		s.taskOffCPU(next, false)
	}
	next.PrioBoost = true
	cs.RQ.Enqueue(next)
}

// waitForSwitchToRace spin-pauses while next is still visibly on some CPU
// per its status word -- a task chained through a kernel switch-to fast
// path may still be technically on another CPU even though the agent has
// already decided to dispatch it. Bounded per the "Switch-to spin" design
// note: returns false rather than spinning forever if the kernel state
// never clears.
func (s *Scheduler) waitForSwitchToRace(next *Task) bool {
	limit := s.opts.SwitchToSpinLimit
	for i := 0; limit == 0 || i < limit; i++ {
		if next.StatusWord == nil || !next.StatusWord.OnCPU() {
			return true
		}
		pause()
	}
	return false
}

// SetDebugRunqueue upgrades the next periodic diagnostic dump to a full
// DumpAllTasks, mirroring the source's one-shot debug_runqueue_ flag.
func (s *Scheduler) SetDebugRunqueue() { s.debugRunqueue = true }

// Empty reports whether cpu currently has neither a current task nor any
// queued tasks.
func (s *Scheduler) Empty(cpu int) bool {
	cs := s.cpuState(cpu)
	return cs.Current() == nil && cs.RQ.Empty()
}

// DefaultChannel returns the channel bound to the first managed CPU. Only
// the agent draining this channel may call AssignCPU: admission relies on
// that implicit serialization instead of a lock.
func (s *Scheduler) DefaultChannel() Channel { return s.defaultChannel }
