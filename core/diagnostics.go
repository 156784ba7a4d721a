package core

import (
	"fmt"
	"io"
	"os"
	"sort"
)

// Dump flags, named after Scheduler::kDumpAllTasks / kDumpStateEmptyRQ.
const (
	DumpAllTasksFlag = 1 << iota
	DumpStateEmptyRQ
)

// DumpAllTasks writes a one-line-per-task diagnostic table to w: gtid,
// state, cpu, and single-letter preempted/boosted markers, the same shape
// as O1Scheduler::DumpAllTasks.
func (s *Scheduler) DumpAllTasks(w io.Writer) {
	fmt.Fprintf(w, "task        state   cpu\n")
	type row struct {
		gtid      Gtid
		state     TaskState
		cpu       int
		preempted bool
		boosted   bool
	}
	var rows []row
	s.allocator.ForEachTask(func(gtid Gtid, t *Task) bool {
		rows = append(rows, row{gtid, t.State, t.CPU, t.Preempted, t.PrioBoost})
		return true
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].gtid < rows[j].gtid })
	for _, r := range rows {
		p, b := '-', '-'
		if r.preempted {
			p = 'P'
		}
		if r.boosted {
			b = 'B'
		}
		fmt.Fprintf(w, "%-12s%-8s%-8d%c%c\n", r.gtid, r.state, r.cpu, p, b)
	}
}

// DumpState writes a one-line summary of cpu's scheduling state:
// "SchedState[cpu]: <current> aq_l=<n>", matching O1Scheduler::DumpState. If
// flags includes DumpAllTasksFlag it dumps every task first; if cpu is
// otherwise idle (no current, empty runqueue) and flags does not include
// DumpStateEmptyRQ, nothing about cpu itself is printed.
func (s *Scheduler) DumpState(w io.Writer, cpu int, flags int) {
	if flags&DumpAllTasksFlag != 0 {
		s.DumpAllTasks(w)
	}

	cs := s.cpuState(cpu)
	current := cs.Current()
	if flags&DumpStateEmptyRQ == 0 && current == nil && cs.RQ.Empty() {
		return
	}

	label := "none"
	if current != nil {
		label = current.Gtid.String()
	}
	fmt.Fprintf(w, "SchedState[%d]: %s aq_l=%d\n", cpu, label, cs.RQ.Size())
}

// DumpAllTasksStderr and DumpStateStderr are convenience wrappers matching
// the source's habit of writing all diagnostics to stderr.
func (s *Scheduler) DumpAllTasksStderr()            { s.DumpAllTasks(os.Stderr) }
func (s *Scheduler) DumpStateStderr(cpu, flags int) { s.DumpState(os.Stderr, cpu, flags) }

// PeriodicDump writes one DumpState line per managed CPU to w, matching
// O1Agent::AgentThread's PeriodicEdge-gated tick. If SetDebugRunqueue was
// called since the last PeriodicDump, this pass includes a full
// DumpAllTasks and clears the flag -- the one-shot debug_runqueue_ upgrade.
func (s *Scheduler) PeriodicDump(w io.Writer) {
	flags := DumpStateEmptyRQ
	if s.debugRunqueue {
		flags |= DumpAllTasksFlag
		s.debugRunqueue = false
	}
	cpus := make([]int, 0, len(s.cpus))
	for cpu := range s.cpus {
		cpus = append(cpus, cpu)
	}
	sort.Ints(cpus)
	for i, cpu := range cpus {
		cpuFlags := flags
		if i > 0 {
			cpuFlags &^= DumpAllTasksFlag
		}
		s.DumpState(w, cpu, cpuFlags)
	}
}
