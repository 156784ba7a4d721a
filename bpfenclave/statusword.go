package bpfenclave

import (
	"encoding/binary"
	"unsafe"

	bpf "github.com/aquasecurity/libbpfgo"

	"github.com/scx-o1/scx_o1_core/core"
)

// StatusWord reads a single record out of the shared bss map, the same
// unsafe.Pointer-keyed BPFMap access bss.go used for its aggregate
// counters, here keyed per task/agent slot instead of a single fixed
// record.
type StatusWord struct {
	bss *bpf.BPFMap
	key int32
}

func newStatusWord(bss *bpf.BPFMap, key int32) *StatusWord {
	return &StatusWord{bss: bss, key: key}
}

type swRecord struct {
	OnCPU   uint8
	Boosted uint8
	_       [6]byte
	Barrier uint64
}

func (sw *StatusWord) read() swRecord {
	if sw.bss == nil {
		return swRecord{}
	}
	b, err := sw.bss.GetValue(unsafe.Pointer(&sw.key))
	if err != nil || len(b) < 16 {
		return swRecord{}
	}
	var rec swRecord
	rec.OnCPU = b[0]
	rec.Boosted = b[1]
	rec.Barrier = binary.LittleEndian.Uint64(b[8:16])
	return rec
}

func (sw *StatusWord) OnCPU() bool {
	return sw.read().OnCPU != 0
}

func (sw *StatusWord) Barrier() core.BarrierToken {
	return core.BarrierToken(sw.read().Barrier)
}

func (sw *StatusWord) BoostedPriority() bool {
	return sw.read().Boosted != 0
}
