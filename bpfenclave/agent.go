package bpfenclave

import (
	"sync/atomic"

	"github.com/scx-o1/scx_o1_core/core"
)

// Agent represents the user-space loop bound to one CPU. libbpfgo has no
// futex-wake primitive exposed the way real ghOSt agents use, so Ping is a
// best-effort wakeup through a one-slot buffered channel the agent's run
// loop selects on. A ping sent while another is still pending is dropped;
// the pending one already makes the loop run another Schedule pass.
type Agent struct {
	gtid    core.Gtid
	barrier atomic.Uint64
	wake    chan struct{}
}

func newAgent(gtid core.Gtid) *Agent {
	return &Agent{gtid: gtid, wake: make(chan struct{}, 1)}
}

func (a *Agent) Gtid() core.Gtid { return a.gtid }

func (a *Agent) Barrier() core.BarrierToken {
	return core.BarrierToken(a.barrier.Load())
}

func (a *Agent) setBarrier(b core.BarrierToken) {
	a.barrier.Store(uint64(b))
}

func (a *Agent) Ping() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Woken returns the channel an agent's run loop should select on to be
// notified of a pending Ping.
func (a *Agent) Woken() <-chan struct{} { return a.wake }
