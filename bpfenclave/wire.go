// Package bpfenclave is the production core.Enclave: it loads the
// scheduling agent's BPF struct_ops program with libbpfgo, demultiplexes
// its ring-buffer event stream into per-CPU core.Channel objects, and
// commits dispatch decisions back through a user ring buffer -- the same
// queued/dispatched ring-buffer pairing scx_goland_core's Sched used, here
// carrying the full ghOSt-style message taxonomy core.Scheduler consumes
// instead of a single queued/dispatched task pair.
package bpfenclave

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/scx-o1/scx_o1_core/core"
)

// eventKind tags a rawEvent the same way core.MessageKind tags a
// core.Message; the two are kept separate so the wire format can evolve
// independently of the in-process message model.
type eventKind uint8

const (
	evTaskNew eventKind = iota
	evTaskWakeup
	evTaskBlocked
	evTaskYield
	evTaskPreempt
	evTaskDeparted
	evTaskDead
	evTaskSwitchto
	evCPUTick
)

// rawEvent is the fixed-size record the BPF side pushes onto the "events"
// ring buffer, one per kernel scheduling event. It plays the role
// QueuedTask played in the teacher, generalized from a single dispatch
// hint into the full transition taxonomy the scheduling core needs.
type rawEvent struct {
	Kind         eventKind
	_            [7]byte // pad to 8-byte alignment, matching the BPF side's struct layout
	Pid          int64
	Cpu          int32
	FromSwitchto uint8
	Runnable     uint8
	Deferrable   uint8
	_            uint8
	Seqnum       uint64
}

func decodeRawEvent(b []byte) (rawEvent, error) {
	var ev rawEvent
	buf := bytes.NewReader(b)
	if err := binary.Read(buf, binary.LittleEndian, &ev); err != nil {
		return rawEvent{}, fmt.Errorf("bpfenclave: decode event: %w", err)
	}
	return ev, nil
}

// toMessage converts a decoded rawEvent into the core.Message the
// scheduling core understands.
func (ev rawEvent) toMessage() core.Message {
	msg := core.Message{
		Gtid:   core.Gtid(ev.Pid),
		Seqnum: core.BarrierToken(ev.Seqnum),
	}
	switch ev.Kind {
	case evTaskNew:
		msg.Kind = core.MsgTaskNew
		msg.Payload = core.TaskNewPayload{Runnable: ev.Runnable != 0}
	case evTaskWakeup:
		msg.Kind = core.MsgTaskWakeup
		msg.Payload = core.TaskWakeupPayload{Deferrable: ev.Deferrable != 0}
	case evTaskBlocked:
		msg.Kind = core.MsgTaskBlocked
		msg.Payload = core.TaskBlockedPayload{FromSwitchto: ev.FromSwitchto != 0, CPU: int(ev.Cpu)}
	case evTaskYield:
		msg.Kind = core.MsgTaskYield
		msg.Payload = core.TaskYieldPayload{FromSwitchto: ev.FromSwitchto != 0, CPU: int(ev.Cpu)}
	case evTaskPreempt:
		msg.Kind = core.MsgTaskPreempt
		msg.Payload = core.TaskPreemptPayload{FromSwitchto: ev.FromSwitchto != 0, CPU: int(ev.Cpu)}
	case evTaskDeparted:
		msg.Kind = core.MsgTaskDeparted
		msg.Payload = core.TaskDepartedPayload{FromSwitchto: ev.FromSwitchto != 0, CPU: int(ev.Cpu)}
	case evTaskDead:
		msg.Kind = core.MsgTaskDead
		msg.Payload = core.TaskDeadPayload{}
	case evTaskSwitchto:
		msg.Kind = core.MsgTaskSwitchto
		msg.Payload = core.TaskSwitchtoPayload{}
	case evCPUTick:
		msg.Kind = core.MsgCPUTick
		msg.Payload = core.CPUTickPayload{CPU: int(ev.Cpu)}
	}
	return msg
}

// rawDispatch is the fixed-size record pushed onto the "commits" user
// ring buffer to commit a run-request, generalizing the teacher's
// DispatchedTask with the barrier fencing fields ghOSt's commit protocol
// requires.
type rawDispatch struct {
	Pid           int64
	Cpu           int32
	TargetBarrier uint64
	AgentBarrier  uint64
	CommitFlags   uint32
}

func encodeRawDispatch(d rawDispatch) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, d)
	return buf.Bytes()
}
