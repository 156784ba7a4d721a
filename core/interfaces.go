// Package core implements the O(1) two-array per-CPU scheduling agent: task
// state machine, active/expired runqueue rotation, tick accounting, and the
// commit/retry dispatch protocol. It consumes everything it needs from the
// host kernel scheduling framework (message transport, task allocation,
// topology, the status-word protocol and the run-request commit primitive)
// through the interfaces in this file, so the scheduling core itself never
// talks to the kernel directly.
package core

import "fmt"

// Gtid is an opaque global task id assigned by the kernel.
type Gtid int64

func (g Gtid) String() string { return fmt.Sprintf("gtid:%d", int64(g)) }

// BarrierToken fences channel association and transaction commit against
// stale kernel state. It is monotonically increasing per agent/channel.
type BarrierToken uint64

// StatusWord is the per-task (or per-agent) read-only shared-memory record
// the kernel maintains.
type StatusWord interface {
	// OnCPU reports whether the task this status word belongs to is
	// currently executing on some CPU, from the kernel's point of view.
	OnCPU() bool
	// Barrier returns the status word's current barrier token.
	Barrier() BarrierToken
	// BoostedPriority reports whether the agent has been asked to treat
	// the next scheduling pass as priority-boosted (selecting none so
	// the boosted task already in hand keeps running, or the CPU idles
	// with return-on-idle semantics). Only meaningful for an agent's own
	// status word, not a task's.
	BoostedPriority() bool
}

// MessageKind tags the payload carried by a Message.
type MessageKind int

const (
	MsgTaskNew MessageKind = iota
	MsgTaskWakeup
	MsgTaskBlocked
	MsgTaskYield
	MsgTaskPreempt
	MsgTaskDeparted
	MsgTaskDead
	MsgTaskSwitchto
	MsgCPUTick
)

func (k MessageKind) String() string {
	switch k {
	case MsgTaskNew:
		return "TaskNew"
	case MsgTaskWakeup:
		return "TaskWakeup"
	case MsgTaskBlocked:
		return "TaskBlocked"
	case MsgTaskYield:
		return "TaskYield"
	case MsgTaskPreempt:
		return "TaskPreempt"
	case MsgTaskDeparted:
		return "TaskDeparted"
	case MsgTaskDead:
		return "TaskDead"
	case MsgTaskSwitchto:
		return "TaskSwitchto"
	case MsgCPUTick:
		return "CPUTick"
	default:
		return "Unknown"
	}
}

// Payload types, one per MessageKind. CPUTick carries the target CPU in
// CPUTickPayload.CPU; the blocked/yield/preempt/departed payloads carry a
// CPU that is only meaningful when FromSwitchto.

type TaskNewPayload struct {
	Runnable bool
}

type TaskWakeupPayload struct {
	Deferrable bool
}

type TaskBlockedPayload struct {
	FromSwitchto bool
	CPU          int
}

type TaskYieldPayload struct {
	FromSwitchto bool
	CPU          int
}

type TaskPreemptPayload struct {
	FromSwitchto bool
	CPU          int
}

type TaskDepartedPayload struct {
	FromSwitchto bool
	CPU          int
}

type TaskDeadPayload struct{}

type TaskSwitchtoPayload struct{}

type CPUTickPayload struct {
	CPU int
}

// Message is a single kernel event delivered on a per-CPU channel.
type Message struct {
	Kind    MessageKind
	Gtid    Gtid
	Seqnum  BarrierToken
	Payload any
}

// Channel delivers messages in FIFO order for the tasks and ticks associated
// with it. There is exactly one channel per managed CPU and exactly one
// consumer (the agent bound to that CPU).
type Channel interface {
	// Peek returns the next undelivered message without consuming it.
	// ok is false if the channel currently has nothing pending.
	Peek() (msg Message, ok bool)
	// Consume removes msg from the channel. msg must be the value last
	// returned by Peek.
	Consume(msg Message)
	// AssociateTask binds gtid (fenced by seqnum) to this channel. It
	// returns ErrStale if the agent barrier used internally is stale;
	// callers must retry until it returns nil.
	AssociateTask(gtid Gtid, seqnum BarrierToken, sw StatusWord) error
}

// ErrStale is returned by AssociateTask when the fencing barrier is stale.
// It is transient by construction: the caller loops until it clears.
var ErrStale = fmt.Errorf("core: stale barrier token")

// OpenParams configures a dispatch transaction.
type OpenParams struct {
	Target        Gtid
	TargetBarrier BarrierToken
	AgentBarrier  BarrierToken
	CommitFlags   int
}

// Commit flag and local-yield flag values, named after the enclave's own
// constants.
const (
	CommitAtTxnCommit = 1 << iota
	ReturnOnIdle
)

// RunRequest is a transaction handle that attempts to place a task on a CPU.
type RunRequest struct {
	impl runRequestImpl
}

// runRequestImpl is the enclave-supplied backing implementation. Tests use
// corefake's in-memory implementation; production wiring uses bpfenclave.
type runRequestImpl interface {
	Open(OpenParams)
	Commit() bool
	LocalYield(agentBarrier BarrierToken, flags int)
}

func NewRunRequest(impl runRequestImpl) *RunRequest { return &RunRequest{impl: impl} }

func (r *RunRequest) Open(p OpenParams)                               { r.impl.Open(p) }
func (r *RunRequest) Commit() bool                                    { return r.impl.Commit() }
func (r *RunRequest) LocalYield(agentBarrier BarrierToken, flags int) { r.impl.LocalYield(agentBarrier, flags) }

// Agent is the enclave's handle to the user-space loop bound to one CPU.
type Agent interface {
	Gtid() Gtid
	Barrier() BarrierToken
	// Ping wakes the agent so it re-enters its scheduling loop, used to
	// notify a CPU about a task that became runnable on it.
	Ping()
}

// Enclave groups the managed CPUs under the agent's control and exposes the
// primitives the scheduling core needs to commit dispatch decisions.
type Enclave interface {
	MakeChannel(capacity, node int, cpus []int) (Channel, error)
	GetAgent(cpu int) Agent
	GetRunRequest(cpu int) *RunRequest
	SetDeliverTicks(enable bool)

	// TaskStatusWord returns the shared-memory status word backing gtid,
	// creating it on first use. Called at TaskNew so every Task carries a
	// live StatusWord for the rest of its life, rather than the nil
	// placeholder that would leave waitForSwitchToRace's spin a no-op.
	TaskStatusWord(gtid Gtid) StatusWord
}

// CPUInfo describes one managed CPU as reported by Topology.
type CPUInfo struct {
	ID   int
	Node int
}

// Topology enumerates the CPUs under the agent's control.
type Topology interface {
	CPU(id int) CPUInfo
	CPUs() []int
}
