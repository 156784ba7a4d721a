package core_test

import (
	"testing"
	"time"

	"github.com/scx-o1/scx_o1_core/core"
	"github.com/scx-o1/scx_o1_core/corefake"
)

// Invariant 1: unique placement. A queued task sits in exactly one of the
// runqueue's two arrays; once dequeued it is nowhere until re-enqueued.
func TestInvariantUniquePlacement(t *testing.T) {
	rq := core.NewRunQueue(5 * time.Millisecond)
	t1 := &core.Task{Gtid: 1, State: core.TaskRunnable, CPU: 0, RemainingTime: 5 * time.Millisecond}
	rq.Enqueue(t1)

	if rq.Size() != 1 {
		t.Fatalf("Size() = %d, want 1 after single enqueue", rq.Size())
	}

	got := rq.Dequeue()
	if got != t1 {
		t.Fatalf("Dequeue() = %v, want t1", got)
	}
	if rq.Size() != 0 {
		t.Errorf("Size() = %d, want 0 after dequeue empties the runqueue", rq.Size())
	}
}

// Invariant 3: CPU stickiness. Once Migrate assigns a task's CPU, no
// ordinary transition changes it.
func TestInvariantCPUStickiness(t *testing.T) {
	s, enclave, allocator := newTestScheduler(t, []int{0, 1})

	ch0 := enclave.FakeChannel(0)
	ch0.Push(core.Message{Kind: core.MsgTaskNew, Gtid: 1, Seqnum: 1, Payload: core.TaskNewPayload{Runnable: true}})
	s.Schedule(0, defaultSW())

	task, ok := allocator.GetTask(1)
	if !ok {
		t.Fatalf("task not found")
	}
	assigned := task.CPU
	if assigned < 0 {
		t.Fatalf("expected task to have an assigned cpu after TaskNew(runnable=true)")
	}

	ch := enclave.FakeChannel(assigned)
	ch.Push(core.Message{Kind: core.MsgTaskPreempt, Gtid: 1, Seqnum: 2, Payload: core.TaskPreemptPayload{}})
	s.Schedule(assigned, defaultSW())
	if task.CPU != assigned {
		t.Errorf("cpu changed after preempt: got %d, want %d", task.CPU, assigned)
	}

	ch.Push(core.Message{Kind: core.MsgTaskYield, Gtid: 1, Seqnum: 3, Payload: core.TaskYieldPayload{}})
	s.Schedule(assigned, defaultSW())
	if task.CPU != assigned {
		t.Errorf("cpu changed after yield: got %d, want %d", task.CPU, assigned)
	}
}

// Invariant 4: slice conservation. An OnCpu->Runnable transition deducts
// exactly the elapsed wall-clock time from remaining_time.
func TestInvariantSliceConservation(t *testing.T) {
	allocator := core.NewTaskAllocator(10 * time.Millisecond)
	enclave := corefake.NewEnclave()
	topo := corefake.NewTopology([]int{0})
	opts := core.Options{DefaultSlice: 10 * time.Millisecond, ChannelCapacity: 64, SwitchToSpinLimit: 1000}
	s := core.NewScheduler(enclave, topo, []int{0}, allocator, opts)
	s.EnclaveReady()

	sw := &corefake.StatusWord{}
	task := allocator.NewTask(1, sw)
	task.State = core.TaskRunnable
	s.Migrate(task, 0, 1)
	s.Schedule(0, defaultSW())
	if task.State != core.TaskOnCPU {
		t.Fatalf("expected oncpu, got %s", task.State)
	}

	before := task.RemainingTime
	elapsed := 3 * time.Millisecond
	rewind(task, elapsed)

	ch := enclave.FakeChannel(0)
	ch.Push(core.Message{Kind: core.MsgTaskYield, Gtid: 1, Seqnum: 2, Payload: core.TaskYieldPayload{}})
	s.Schedule(0, defaultSW())

	// The task is oncpu again after the schedule pass re-dispatches it
	// (nothing else is queued), so it went through exactly one
	// OnCpu->Runnable deduction of `elapsed`; the commit does not refill
	// the slice. Confirm the deduction happened by checking it is not
	// simply `before` unchanged.
	if task.RemainingTime == before {
		t.Errorf("remaining time unchanged across a yield; expected a deduction of %s", elapsed)
	}
}

// Invariant 5 & 6: active/expired rotation and slice refill law.
func TestInvariantRotationAndRefill(t *testing.T) {
	rq := core.NewRunQueue(5 * time.Millisecond)

	// Both start with remaining_time <= 0, landing in expired (E) per the
	// refill-before-expired policy, so both come back with a full slice.
	t1 := &core.Task{Gtid: 1, State: core.TaskRunnable, CPU: 0, RemainingTime: 0}
	t2 := &core.Task{Gtid: 2, State: core.TaskRunnable, CPU: 0, RemainingTime: -1}
	rq.Enqueue(t1)
	rq.Enqueue(t2)

	if t1.RemainingTime != 5*time.Millisecond || t2.RemainingTime != 5*time.Millisecond {
		t.Fatalf("expired-bound tasks must be refilled to the default slice, got %s and %s", t1.RemainingTime, t2.RemainingTime)
	}

	// Active (A) is empty, so this Dequeue must come from expired (E) --
	// and it must be t1, the first one placed into E.
	got := rq.Dequeue()
	if got != t1 {
		t.Fatalf("Dequeue() = %v, want t1 (A was empty, so this must come from E)", got)
	}
}

// Invariant 7: boost placement. A prio_boost task lands at the front of its
// destination array.
func TestInvariantBoostPlacement(t *testing.T) {
	rq := core.NewRunQueue(5 * time.Millisecond)

	first := &core.Task{Gtid: 1, State: core.TaskRunnable, CPU: 0, RemainingTime: 5 * time.Millisecond}
	rq.Enqueue(first)

	boosted := &core.Task{Gtid: 2, State: core.TaskRunnable, CPU: 0, RemainingTime: 5 * time.Millisecond, PrioBoost: true}
	rq.Enqueue(boosted)

	got := rq.Dequeue()
	if got != boosted {
		t.Fatalf("Dequeue() = %v, want the boosted task at the front of active", got)
	}
}
