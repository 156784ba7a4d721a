package bpfenclave

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// ExitInfo mirrors the kernel's user_exit_info record: a nonzero Kind means
// the BPF scheduler exited (or was ejected) on its own, the same signal
// Stopped checked for in the teacher's uei.go.
type ExitInfo struct {
	Kind     int32
	ExitCode int64
	Reason   string
}

func (e *Enclave) readExitInfo() (ExitInfo, error) {
	if e.handle.uei == nil {
		return ExitInfo{}, fmt.Errorf("bpfenclave: no exit-info map found")
	}
	i := 0
	b, err := e.handle.uei.GetValue(unsafe.Pointer(&i))
	if err != nil {
		return ExitInfo{}, err
	}
	if len(b) < 16 {
		return ExitInfo{}, fmt.Errorf("bpfenclave: short exit-info record")
	}
	return ExitInfo{
		Kind:     int32(binary.LittleEndian.Uint32(b[0:4])),
		ExitCode: int64(binary.LittleEndian.Uint64(b[4:12])),
	}, nil
}

// Stopped reports whether the BPF scheduler has exited on its own, so the
// agent's run loop knows to stop calling Schedule. It also reports true
// when the exit-info record cannot be read.
func (e *Enclave) Stopped() bool {
	info, err := e.readExitInfo()
	if err != nil {
		return true
	}
	return info.Kind != 0 || info.ExitCode != 0
}
