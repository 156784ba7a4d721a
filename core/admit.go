package core

// Admitter assigns CPUs to newly runnable, unassigned tasks in strict
// round-robin order. It is owned by the default agent and touched only from
// there: the round-robin cursor is single-writer by construction, not by
// locking, per the design note that prefers an explicit admitter object
// over an atomic counter (the source's own process-wide static cursor,
// generalized here into an object with the same single-writer discipline
// documented instead of enforced).
type Admitter struct {
	cpus []int
	next int
}

// NewAdmitter returns an Admitter cycling over cpus in the given order.
func NewAdmitter(cpus []int) *Admitter {
	cpuList := make([]int, len(cpus))
	copy(cpuList, cpus)
	return &Admitter{cpus: cpuList}
}

// AssignCPU returns the next CPU in round-robin order. Must only be called
// from the agent bound to the default channel.
func (a *Admitter) AssignCPU() int {
	if len(a.cpus) == 0 {
		fatalf("Admitter.AssignCPU: no managed CPUs")
	}
	cpu := a.cpus[a.next]
	a.next++
	if a.next >= len(a.cpus) {
		a.next = 0
	}
	return cpu
}
