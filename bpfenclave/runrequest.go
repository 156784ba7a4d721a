package bpfenclave

import (
	"runtime"

	"github.com/scx-o1/scx_o1_core/core"
)

// RunRequest commits a dispatch decision by pushing a rawDispatch onto the
// shared commits user ring buffer and polling the target's status word for
// the kernel's acknowledgement, mirroring the commit-at-txn-commit protocol
// scx_goland_core's DispatchTask left for the BPF side to interpret
// synchronously, made asynchronous here since a real user ring buffer
// commit is not immediately observable.
type RunRequest struct {
	handle *bpfHandle
	cpu    int32

	opened core.OpenParams
	sw     func(core.Gtid) *StatusWord
}

func newRunRequest(h *bpfHandle, cpu int32, sw func(core.Gtid) *StatusWord) *RunRequest {
	return &RunRequest{handle: h, cpu: cpu, sw: sw}
}

func (r *RunRequest) Open(p core.OpenParams) {
	r.opened = p
	r.handle.pushCommit(rawDispatch{
		Pid:           int64(p.Target),
		Cpu:           r.cpu,
		TargetBarrier: uint64(p.TargetBarrier),
		AgentBarrier:  uint64(p.AgentBarrier),
		CommitFlags:   uint32(p.CommitFlags),
	})
}

// Commit polls the target task's status word for on-cpu confirmation. A
// bounded number of scheduler quanta is given for the kernel side to catch
// up before the transaction is considered failed and left to the caller's
// retry-with-boost path.
func (r *RunRequest) Commit() bool {
	sw := r.sw(r.opened.Target)
	if sw == nil {
		return false
	}
	for i := 0; i < 64; i++ {
		if sw.OnCPU() {
			return true
		}
		runtime.Gosched()
	}
	return false
}

func (r *RunRequest) LocalYield(agentBarrier core.BarrierToken, flags int) {
	r.handle.pushCommit(rawDispatch{
		Pid:          0,
		Cpu:          r.cpu,
		AgentBarrier: uint64(agentBarrier),
		CommitFlags:  uint32(flags),
	})
}
