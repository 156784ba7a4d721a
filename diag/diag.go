// Package diag folds /proc-derived host load information into the
// scheduling agent's periodic diagnostic dump, using the same
// github.com/c9s/goprocinfo/linux reader the teacher's go.mod already
// pulls in for this purpose.
package diag

import (
	"fmt"
	"io"

	"github.com/c9s/goprocinfo/linux"
)

// LoadSnapshot is a point-in-time host load reading.
type LoadSnapshot struct {
	Load1        float64
	Load5        float64
	Load15       float64
	RunningProcs uint64
	TotalProcs   uint64
	CPUUser      uint64
	CPUSystem    uint64
	CPUIdle      uint64
}

// ReadLoadSnapshot reads /proc/loadavg and /proc/stat. A failure to read
// either leaves the corresponding fields zeroed rather than failing the
// whole snapshot: diagnostics must never block scheduling.
func ReadLoadSnapshot() LoadSnapshot {
	var snap LoadSnapshot

	if avg, err := linux.ReadLoadAvg("/proc/loadavg"); err == nil {
		snap.Load1 = avg.Last1Min
		snap.Load5 = avg.Last5Min
		snap.Load15 = avg.Last15Min
		snap.RunningProcs = avg.ProcessRunning
		snap.TotalProcs = avg.ProcessTotal
	}

	if stat, err := linux.ReadStat("/proc/stat"); err == nil {
		snap.CPUUser = stat.CPUStatAll.User
		snap.CPUSystem = stat.CPUStatAll.System
		snap.CPUIdle = stat.CPUStatAll.Idle
	}

	return snap
}

// WriteLoadLine appends one line of host load context ahead of the
// scheduler's own per-CPU dump, in the same terse key=value style
// DumpState uses.
func WriteLoadLine(w io.Writer, snap LoadSnapshot) {
	fmt.Fprintf(w, "HostLoad: load1=%.2f load5=%.2f load15=%.2f running=%d/%d cpu(user=%d sys=%d idle=%d)\n",
		snap.Load1, snap.Load5, snap.Load15, snap.RunningProcs, snap.TotalProcs,
		snap.CPUUser, snap.CPUSystem, snap.CPUIdle)
}
