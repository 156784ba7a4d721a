package bpfenclave

import (
	"fmt"
	"sync"

	"github.com/scx-o1/scx_o1_core/core"
)

// Enclave is the production core.Enclave: one loaded BPF program backing
// every managed CPU, demultiplexing its single shared events ring buffer
// into the per-CPU channels core.Scheduler expects.
type Enclave struct {
	handle *bpfHandle

	mu             sync.Mutex
	channels       map[int]*Channel
	agents         map[int]*Agent
	statusWs       map[core.Gtid]*StatusWord
	nextKey        int32
	defaultChannel *Channel

	deliverTicks bool
	stopDemux    chan struct{}
}

// Open loads and attaches objPath, returning a ready Enclave. Callers must
// call Close when the agent shuts down.
func Open(objPath string) (*Enclave, error) {
	h, err := loadBPF(objPath)
	if err != nil {
		return nil, err
	}
	if err := h.attach(); err != nil {
		h.close()
		return nil, fmt.Errorf("bpfenclave: attach: %w", err)
	}

	e := &Enclave{
		handle:    h,
		channels:  make(map[int]*Channel),
		agents:    make(map[int]*Agent),
		statusWs:  make(map[core.Gtid]*StatusWord),
		stopDemux: make(chan struct{}),
	}
	go e.demux()
	return e, nil
}

// Close detaches and unloads the BPF program.
func (e *Enclave) Close() {
	close(e.stopDemux)
	e.handle.close()
}

// demux reads raw events off the shared ring buffer and routes each to the
// channel that owns its target CPU (CPUTick) or the channel the task is
// currently associated with (every other kind).
func (e *Enclave) demux() {
	for {
		select {
		case <-e.stopDemux:
			return
		case raw, ok := <-e.handle.events:
			if !ok {
				return
			}
			ev, err := decodeRawEvent(raw)
			if err != nil {
				continue
			}
			msg := ev.toMessage()
			e.route(msg)
		}
	}
}

func (e *Enclave) route(msg core.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.Kind == core.MsgCPUTick {
		payload := msg.Payload.(core.CPUTickPayload)
		if ch, ok := e.channels[payload.CPU]; ok {
			ch.deliver(msg)
		}
		return
	}

	// TaskNew always lands on the default channel: that is the only
	// channel Scheduler.AssignCPU is ever driven from, avoiding the race
	// between migration and a wakeup arriving on some other CPU's
	// channel that spec.md's default-channel design calls out.
	if msg.Kind == core.MsgTaskNew {
		if e.defaultChannel != nil {
			e.defaultChannel.deliver(msg)
		}
		return
	}

	for _, ch := range e.channels {
		if ch.associated(msg.Gtid) {
			ch.deliver(msg)
			return
		}
	}
	// No channel has claimed this task yet: fall back to the default
	// channel, which handles tasks not yet migrated (and fatalf's on an
	// unknown task) instead of the message vanishing silently.
	if e.defaultChannel != nil {
		e.defaultChannel.deliver(msg)
	}
}

func (e *Enclave) MakeChannel(capacity, node int, cpus []int) (core.Channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := newChannel(cpus, func() core.BarrierToken {
		if len(cpus) == 0 {
			return 0
		}
		if a, ok := e.agents[cpus[0]]; ok {
			return a.Barrier()
		}
		return 0
	})
	for _, cpu := range cpus {
		e.channels[cpu] = ch
		if _, ok := e.agents[cpu]; !ok {
			e.agents[cpu] = newAgent(core.Gtid(-1 - int64(cpu)))
		}
	}
	if e.defaultChannel == nil {
		e.defaultChannel = ch
	}
	return ch, nil
}

func (e *Enclave) GetAgent(cpu int) core.Agent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agents[cpu]
}

func (e *Enclave) GetRunRequest(cpu int) *core.RunRequest {
	impl := newRunRequest(e.handle, int32(cpu), e.statusWordFor)
	return core.NewRunRequest(impl)
}

func (e *Enclave) statusWordFor(gtid core.Gtid) *StatusWord {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sw, ok := e.statusWs[gtid]; ok {
		return sw
	}
	sw := newStatusWord(e.handle.bss, e.nextKey)
	e.nextKey++
	e.statusWs[gtid] = sw
	return sw
}

// TaskStatusWord implements core.Enclave, exposing statusWordFor's per-task
// record so core.Scheduler can attach a live StatusWord to a Task at
// TaskNew instead of leaving it nil for the task's whole life.
func (e *Enclave) TaskStatusWord(gtid core.Gtid) core.StatusWord {
	return e.statusWordFor(gtid)
}

func (e *Enclave) SetDeliverTicks(enable bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deliverTicks = enable
	// Only this Go-side flag is recorded; nothing is written to the BPF
	// program's maps, so tick delivery on the BPF side is not changed here.
}
