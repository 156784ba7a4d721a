// Package corefake is an in-memory implementation of the core package's
// enclave interfaces (Channel, Enclave, Agent, RunRequest, StatusWord), used
// to drive the scheduling core's tests without a real kernel underneath.
// Production wiring uses bpfenclave instead.
package corefake

import (
	"sync"

	"github.com/scx-o1/scx_o1_core/core"
)

// StatusWord is a settable in-memory core.StatusWord.
type StatusWord struct {
	mu      sync.Mutex
	onCPU   bool
	barrier core.BarrierToken
	boosted bool
}

func (sw *StatusWord) OnCPU() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.onCPU
}

func (sw *StatusWord) Barrier() core.BarrierToken {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.barrier
}

func (sw *StatusWord) BoostedPriority() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.boosted
}

func (sw *StatusWord) SetOnCPU(v bool) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.onCPU = v
}

func (sw *StatusWord) SetBarrier(b core.BarrierToken) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.barrier = b
}

func (sw *StatusWord) SetBoostedPriority(v bool) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.boosted = v
}

// Channel is an in-memory FIFO core.Channel. Tests push messages onto it
// with Push and control ESTALE simulation with FailAssociateNTimes.
type Channel struct {
	mu           sync.Mutex
	pending      []core.Message
	assocFailN   int
	associations map[core.Gtid]core.BarrierToken
}

func NewChannel() *Channel {
	return &Channel{associations: make(map[core.Gtid]core.BarrierToken)}
}

// Push appends msg to the channel's pending queue.
func (c *Channel) Push(msg core.Message) {
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

// FailAssociateNTimes makes the next n calls to AssociateTask return
// core.ErrStale before succeeding, simulating a stale agent barrier.
func (c *Channel) FailAssociateNTimes(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assocFailN = n
}

func (c *Channel) AssociateTask(gtid core.Gtid, seqnum core.BarrierToken, _ core.StatusWord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assocFailN > 0 {
		c.assocFailN--
		return core.ErrStale
	}
	c.associations[gtid] = seqnum
	return nil
}

// Associated reports whether gtid has been successfully associated with
// this channel.
func (c *Channel) Associated(gtid core.Gtid) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.associations[gtid]
	return ok
}

// Len returns the number of undelivered pending messages.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Agent is an in-memory core.Agent that counts pings.
type Agent struct {
	mu      sync.Mutex
	gtid    core.Gtid
	barrier core.BarrierToken
	pings   int
}

func NewAgent(gtid core.Gtid) *Agent { return &Agent{gtid: gtid} }

func (a *Agent) Gtid() core.Gtid          { return a.gtid }
func (a *Agent) Barrier() core.BarrierToken {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.barrier
}

func (a *Agent) SetBarrier(b core.BarrierToken) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.barrier = b
}

func (a *Agent) Ping() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pings++
}

// Pings returns the number of times Ping has been called.
func (a *Agent) Pings() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pings
}

// RunRequest is a scriptable in-memory transaction handle: CommitResults is
// consumed one at a time by successive Commit calls, defaulting to true
// once exhausted.
type RunRequest struct {
	mu            sync.Mutex
	opened        core.OpenParams
	openCount     int
	CommitResults []bool
	commitCalls   int
	yieldCalls    int
}

func (r *RunRequest) Open(p core.OpenParams) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = p
	r.openCount++
}

func (r *RunRequest) Commit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.commitCalls
	r.commitCalls++
	if idx < len(r.CommitResults) {
		return r.CommitResults[idx]
	}
	return true
}

func (r *RunRequest) LocalYield(agentBarrier core.BarrierToken, flags int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.yieldCalls++
}

func (r *RunRequest) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openCount
}

func (r *RunRequest) YieldCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.yieldCalls
}

func (r *RunRequest) LastOpen() core.OpenParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened
}

// Enclave wires the fakes above together into a core.Enclave.
type Enclave struct {
	mu           sync.Mutex
	channels     map[int]*Channel
	agents       map[int]*Agent
	requests     map[int]*RunRequest
	taskSWs      map[core.Gtid]*StatusWord
	deliverTicks bool
}

func NewEnclave() *Enclave {
	return &Enclave{
		channels: make(map[int]*Channel),
		agents:   make(map[int]*Agent),
		requests: make(map[int]*RunRequest),
		taskSWs:  make(map[core.Gtid]*StatusWord),
	}
}

// TaskStatusWord implements core.Enclave, lazily creating the settable
// StatusWord backing gtid so tests can drive it via SetOnCPU/SetBarrier
// after Scheduler has already picked it up at TaskNew.
func (e *Enclave) TaskStatusWord(gtid core.Gtid) core.StatusWord {
	e.mu.Lock()
	defer e.mu.Unlock()
	sw, ok := e.taskSWs[gtid]
	if !ok {
		sw = &StatusWord{}
		e.taskSWs[gtid] = sw
	}
	return sw
}

// FakeTaskStatusWord exposes the concrete *StatusWord for gtid so tests can
// mutate on-cpu/barrier/boost state directly.
func (e *Enclave) FakeTaskStatusWord(gtid core.Gtid) *StatusWord {
	e.mu.Lock()
	defer e.mu.Unlock()
	sw, ok := e.taskSWs[gtid]
	if !ok {
		sw = &StatusWord{}
		e.taskSWs[gtid] = sw
	}
	return sw
}

func (e *Enclave) MakeChannel(capacity, node int, cpus []int) (core.Channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := NewChannel()
	for _, cpu := range cpus {
		e.channels[cpu] = ch
		if _, ok := e.agents[cpu]; !ok {
			e.agents[cpu] = NewAgent(core.Gtid(1_000_000 + cpu))
		}
		if _, ok := e.requests[cpu]; !ok {
			e.requests[cpu] = &RunRequest{}
		}
	}
	return ch, nil
}

func (e *Enclave) GetAgent(cpu int) core.Agent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agents[cpu]
}

// FakeAgent exposes the concrete *Agent for a cpu so tests can read Pings().
func (e *Enclave) FakeAgent(cpu int) *Agent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agents[cpu]
}

func (e *Enclave) GetRunRequest(cpu int) *core.RunRequest {
	e.mu.Lock()
	impl := e.requests[cpu]
	e.mu.Unlock()
	return core.NewRunRequest(impl)
}

// FakeRunRequest exposes the concrete *RunRequest for a cpu.
func (e *Enclave) FakeRunRequest(cpu int) *RunRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[cpu]
}

func (e *Enclave) FakeChannel(cpu int) *Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channels[cpu]
}

func (e *Enclave) SetDeliverTicks(enable bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deliverTicks = enable
}

func (e *Enclave) DeliverTicks() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deliverTicks
}

// Topology is a fixed-membership core.Topology.
type Topology struct {
	cpus []int
}

func NewTopology(cpus []int) *Topology {
	list := make([]int, len(cpus))
	copy(list, cpus)
	return &Topology{cpus: list}
}

func (t *Topology) CPU(id int) core.CPUInfo { return core.CPUInfo{ID: id, Node: 0} }
func (t *Topology) CPUs() []int {
	out := make([]int, len(t.cpus))
	copy(out, t.cpus)
	return out
}
