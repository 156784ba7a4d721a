// Command o1agentd loads the O(1) two-array scheduling agent's BPF program,
// wires it to the scheduling core, and runs one goroutine per managed CPU
// until it receives SIGINT/SIGTERM, the same load-attach-signal-wait shape
// scx_goland_core's main.go used.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/scx-o1/scx_o1_core/bpfenclave"
	"github.com/scx-o1/scx_o1_core/config"
	"github.com/scx-o1/scx_o1_core/core"
	"github.com/scx-o1/scx_o1_core/diag"
	"github.com/scx-o1/scx_o1_core/topology"
)

var (
	bpfObjPath string
	configPath string
	cpuList    []int
)

func main() {
	root := &cobra.Command{
		Use:   "o1agentd",
		Short: "O(1) two-array per-CPU scheduling agent",
	}

	root.PersistentFlags().StringVar(&bpfObjPath, "bpf-obj", "o1_scheduler.bpf.o", "path to the compiled struct_ops BPF object")
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config overriding the default slice/capacity/spin settings")
	root.PersistentFlags().IntSliceVar(&cpuList, "cpus", nil, "CPUs to manage (default: every online CPU)")

	root.AddCommand(runCmd())
	root.AddCommand(dumpCmd())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Attach the BPF scheduler and run the agent loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent()
		},
	}
}

func dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the host's discovered CPU topology and load, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			top, err := topology.Discover(cpuList)
			if err != nil {
				return fmt.Errorf("discover topology: %w", err)
			}
			for _, cpu := range top.CPUs() {
				info := top.CPU(cpu)
				fmt.Printf("cpu %d: node=%d l2=%v l3=%v\n", cpu, info.Node, top.L2Siblings(cpu), top.L3Siblings(cpu))
			}
			diag.WriteLoadLine(os.Stdout, diag.ReadLoadSnapshot())
			return nil
		},
	}
}

func runAgent() error {
	cfg := config.Load(configPath)

	top, err := topology.Discover(cpuList)
	if err != nil {
		return fmt.Errorf("discover topology: %w", err)
	}
	cpus := top.CPUs()
	if len(cpus) == 0 {
		return fmt.Errorf("no CPUs to manage")
	}

	enclave, err := bpfenclave.Open(bpfObjPath)
	if err != nil {
		return fmt.Errorf("open bpf enclave: %w", err)
	}
	defer enclave.Close()

	allocator := core.NewTaskAllocator(cfg.ToCoreOptions().DefaultSlice)
	sched := core.NewScheduler(enclave, top, cpus, allocator, cfg.ToCoreOptions())
	sched.EnclaveReady()

	log.Printf("o1agentd: managing %d cpus, pid %d", len(cpus), os.Getpid())

	stop := make(chan struct{})
	for _, cpu := range cpus {
		go agentLoop(sched, enclave, cpu, stop)
	}
	go periodicDumpLoop(sched, stop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	for sig := range sigCh {
		if sig == syscall.SIGUSR1 {
			sched.SetDebugRunqueue()
			continue
		}
		break
	}
	log.Println("o1agentd: received signal, shutting down")
	close(stop)
	return nil
}

// periodicDumpLoop mirrors O1Agent::AgentThread's PeriodicEdge-gated
// one-second diagnostic tick: a host load line ahead of each managed CPU's
// SchedState[cpu] line, both to stderr, and, once a SIGUSR1 has called
// SetDebugRunqueue, a full DumpAllTasks on the next tick.
func periodicDumpLoop(sched *core.Scheduler, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			diag.WriteLoadLine(os.Stderr, diag.ReadLoadSnapshot())
			sched.PeriodicDump(os.Stderr)
		}
	}
}

// agentLoop drives Schedule for one CPU: block until pinged (or stopped);
// on each ping, return if the BPF scheduler reports it exited, else run a
// pass. Pinned to its managed CPU
// per spec.md §5, since affinity is a per-OS-thread property and Go would
// otherwise be free to move this goroutine to any thread.
func agentLoop(sched *core.Scheduler, enclave *bpfenclave.Enclave, cpu int, stop <-chan struct{}) {
	agent, ok := enclave.GetAgent(cpu).(*bpfenclave.Agent)
	if !ok {
		log.Panicf("o1agentd: agent for cpu %d is not a bpfenclave.Agent", cpu)
	}

	runtime.LockOSThread()
	var cpuSet unix.CPUSet
	cpuSet.Zero()
	cpuSet.Set(cpu)
	if err := unix.SchedSetaffinity(0, &cpuSet); err != nil {
		log.Panicf("o1agentd: SchedSetaffinity(cpu=%d) failed: %v", cpu, err)
	}

	sw := agentStatusWord{agent: agent}

	for {
		select {
		case <-stop:
			return
		case <-agent.Woken():
			if enclave.Stopped() {
				return
			}
			sched.Schedule(cpu, sw)
		}
	}
}

// agentStatusWord adapts a bpfenclave.Agent's own barrier into the
// core.StatusWord Schedule expects for the agent's own status, distinct
// from a task's status word. It always reports OnCPU true and
// BoostedPriority false.
type agentStatusWord struct {
	agent *bpfenclave.Agent
}

func (a agentStatusWord) OnCPU() bool                { return true }
func (a agentStatusWord) Barrier() core.BarrierToken { return a.agent.Barrier() }
func (a agentStatusWord) BoostedPriority() bool      { return false }
