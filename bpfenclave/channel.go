package bpfenclave

import (
	"sync"

	"github.com/scx-o1/scx_o1_core/core"
)

// Channel is the per-CPU core.Channel backed by the shared events ring
// buffer, filtered down to the messages belonging to this channel's CPU
// set. AssociateTask records the association and returns core.ErrStale
// when a nonzero seqnum is older than the owning agent's barrier.
type Channel struct {
	mu      sync.Mutex
	cpus    map[int]bool
	pending []core.Message

	assoc     map[core.Gtid]core.BarrierToken
	agentBarr func() core.BarrierToken
}

func newChannel(cpus []int, agentBarr func() core.BarrierToken) *Channel {
	set := make(map[int]bool, len(cpus))
	for _, c := range cpus {
		set[c] = true
	}
	return &Channel{
		cpus:      set,
		assoc:     make(map[core.Gtid]core.BarrierToken),
		agentBarr: agentBarr,
	}
}

// deliver enqueues msg without further checks: Enclave.route has already
// chosen this channel (by target CPU for CPUTick messages, otherwise by
// task association or the default-channel fallback).
func (c *Channel) deliver(msg core.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, msg)
}

func (c *Channel) Peek() (core.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return core.Message{}, false
	}
	return c.pending[0], true
}

func (c *Channel) Consume(msg core.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return
	}
	c.pending = c.pending[1:]
}

func (c *Channel) AssociateTask(gtid core.Gtid, seqnum core.BarrierToken, sw core.StatusWord) error {
	if barr := c.agentBarr(); barr != seqnum && seqnum != 0 && barr > seqnum {
		return core.ErrStale
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assoc[gtid] = seqnum
	return nil
}

// ownsCPU reports whether cpu is one of this channel's managed CPUs.
func (c *Channel) ownsCPU(cpu int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cpus[cpu]
}

func (c *Channel) associated(gtid core.Gtid) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.assoc[gtid]
	return ok
}
