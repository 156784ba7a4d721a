package bpfenclave

import (
	"fmt"
	"log"
	"syscall"

	bpf "github.com/aquasecurity/libbpfgo"
	"golang.org/x/sys/unix"
)

func init() {
	// The agent's decisions must never be delayed by a page fault while a
	// commit is in flight, the same reason scx_goland_core's Sched locked
	// its pages on load.
	unix.Mlockall(syscall.MCL_CURRENT | syscall.MCL_FUTURE)
}

// bpfHandle owns the loaded module, its struct_ops attachment, and the two
// ring buffers events and commits flow through. It is unexported: callers
// only ever see it through Enclave.
type bpfHandle struct {
	mod       *bpf.Module
	bss       *bpf.BPFMap
	uei       *bpf.BPFMap
	structOps *bpf.BPFMap

	events  chan []byte // "queued": kernel -> agent, one rawEvent per message
	commits chan []byte // "dispatched": agent -> kernel, one rawDispatch per commit
}

// loadBPF loads objPath's struct_ops scheduler (attach is a separate
// step), wiring its
// ring buffers, the same load sequence LoadSched used, generalized to the
// event/commit pair this package's wire format defines instead of a single
// queued/dispatched task.
func loadBPF(objPath string) (*bpfHandle, error) {
	mod, err := bpf.NewModuleFromFileArgs(bpf.NewModuleArgs{
		BPFObjPath:     objPath,
		KernelLogLevel: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("bpfenclave: load %s: %w", objPath, err)
	}

	if err := mod.BPFLoadObject(); err != nil {
		mod.Close()
		return nil, fmt.Errorf("bpfenclave: BPFLoadObject: %w", err)
	}

	h := &bpfHandle{mod: mod}

	for it := mod.Iterator(); ; {
		m := it.NextMap()
		if m == nil {
			break
		}
		switch {
		case m.Name() == "main.bss":
			h.bss = m
		case m.Name() == "main.data":
			h.uei = m
		case m.Name() == "events":
			h.events = make(chan []byte, 4096)
			rb, err := mod.InitRingBuf("events", h.events)
			if err != nil {
				mod.Close()
				return nil, fmt.Errorf("bpfenclave: InitRingBuf(events): %w", err)
			}
			rb.Poll(300)
		case m.Name() == "commits":
			h.commits = make(chan []byte, 4096)
			urb, err := mod.InitUserRingBuf("commits", h.commits)
			if err != nil {
				mod.Close()
				return nil, fmt.Errorf("bpfenclave: InitUserRingBuf(commits): %w", err)
			}
			urb.Start()
		}
		if m.Type().String() == "BPF_MAP_TYPE_STRUCT_OPS" {
			h.structOps = m
		}
	}

	return h, nil
}

func (h *bpfHandle) attach() error {
	if h.structOps == nil {
		return fmt.Errorf("bpfenclave: no struct_ops map found in object")
	}
	_, err := h.structOps.AttachStructOps()
	return err
}

func (h *bpfHandle) close() {
	if h.mod != nil {
		h.mod.Close()
	}
}

// pushCommit encodes and pushes a dispatch decision onto the commits user
// ring buffer.
func (h *bpfHandle) pushCommit(d rawDispatch) {
	if h.commits == nil {
		log.Printf("bpfenclave: pushCommit: commits ring buffer not initialized")
		return
	}
	h.commits <- encodeRawDispatch(d)
}
