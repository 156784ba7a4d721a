// Package topology discovers the managed CPU set and its NUMA/cache layout
// from /sys/devices/system/cpu, the same directory util.GetTopology walked
// in the teacher, and exposes it as a core.Topology plus cache-domain
// sibling lookups that o1agentd's dump command prints.
package topology

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/scx-o1/scx_o1_core/core"
)

// Topology implements core.Topology over a fixed CPU set, each tagged with
// the NUMA node and L3 cache domain it belongs to.
type Topology struct {
	cpus  []int
	nodes map[int]int   // cpu -> NUMA node
	l2    map[int][]int // cpu -> L2 sibling set (including itself)
	l3    map[int][]int // cpu -> L3 sibling set (including itself)
}

// Discover walks /sys/devices/system/cpu to build a Topology restricted to
// the given CPU list. If cpus is nil, every online CPU is included.
func Discover(cpus []int) (*Topology, error) {
	const cpuDir = "/sys/devices/system/cpu/"

	online, err := onlineCPUs(cpuDir)
	if err != nil {
		return nil, fmt.Errorf("topology: %w", err)
	}
	if cpus == nil {
		cpus = online
	}

	t := &Topology{
		cpus:  append([]int(nil), cpus...),
		nodes: make(map[int]int),
		l2:    make(map[int][]int),
		l3:    make(map[int][]int),
	}
	sort.Ints(t.cpus)

	for _, cpu := range t.cpus {
		t.nodes[cpu] = nodeOf(cpuDir, cpu)
	}

	l2Groups, l3Groups, err := cacheGroups(cpuDir)
	if err != nil {
		return nil, fmt.Errorf("topology: %w", err)
	}
	for _, group := range l2Groups {
		for _, cpu := range group {
			t.l2[cpu] = group
		}
	}
	for _, group := range l3Groups {
		for _, cpu := range group {
			t.l3[cpu] = group
		}
	}

	return t, nil
}

// CPU implements core.Topology.
func (t *Topology) CPU(id int) core.CPUInfo {
	return core.CPUInfo{ID: id, Node: t.nodes[id]}
}

// CPUs implements core.Topology.
func (t *Topology) CPUs() []int {
	out := make([]int, len(t.cpus))
	copy(out, t.cpus)
	return out
}

// L2Siblings returns the CPUs (including cpu itself) that share cpu's L2
// cache domain, or just {cpu} if the domain could not be determined.
func (t *Topology) L2Siblings(cpu int) []int {
	if group, ok := t.l2[cpu]; ok {
		return append([]int(nil), group...)
	}
	return []int{cpu}
}

// L3Siblings returns the CPUs (including cpu itself) that share cpu's L3
// cache domain, or just {cpu} if the domain could not be determined.
func (t *Topology) L3Siblings(cpu int) []int {
	if group, ok := t.l3[cpu]; ok {
		return append([]int(nil), group...)
	}
	return []int{cpu}
}

func onlineCPUs(cpuDir string) ([]int, error) {
	entries, err := os.ReadDir(cpuDir)
	if err != nil {
		return nil, err
	}
	var cpus []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, ok := parseCPUDirName(e.Name())
		if !ok {
			continue
		}
		cpus = append(cpus, id)
	}
	sort.Ints(cpus)
	return cpus, nil
}

func parseCPUDirName(name string) (int, bool) {
	if !strings.HasPrefix(name, "cpu") {
		return 0, false
	}
	id, err := strconv.Atoi(name[3:])
	if err != nil {
		return 0, false
	}
	return id, true
}

func nodeOf(cpuDir string, cpu int) int {
	base := filepath.Join(cpuDir, fmt.Sprintf("cpu%d", cpu))
	entries, err := os.ReadDir(base)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "node") {
			id, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "node"))
			if err == nil {
				return id
			}
		}
	}
	return 0
}

// cacheGroups walks cpuDir once and returns the deduplicated set of L2 and
// L3 sibling groups found under every cpuN/cache/indexM/shared_cpu_list.
func cacheGroups(cpuDir string) (l2, l3 [][]int, err error) {
	seenL2 := map[string]bool{}
	seenL3 := map[string]bool{}

	walkErr := filepath.Walk(cpuDir, func(path string, info fs.FileInfo, walkErr error) error {
		if walkErr != nil {
			// Permission-denied or transient ENOENT entries under
			// /sys are common; skip rather than aborting the whole
			// walk.
			return nil
		}
		if !strings.HasSuffix(path, "shared_cpu_list") {
			return nil
		}

		var seen map[string]bool
		var out *[][]int
		switch {
		case strings.Contains(path, "/cache/index2/"):
			seen, out = seenL2, &l2
		case strings.Contains(path, "/cache/index3/"):
			seen, out = seenL3, &l3
		default:
			return nil
		}

		content, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		key := strings.TrimSpace(string(content))
		if key == "" || seen[key] {
			return nil
		}
		group, parseErr := parseCPUList(key)
		if parseErr != nil {
			return nil
		}
		seen[key] = true
		*out = append(*out, group)
		return nil
	})
	if walkErr != nil {
		return nil, nil, walkErr
	}
	return l2, l3, nil
}

// parseCPUList parses a kernel cpulist string such as "0-3,8" into its
// member CPU ids.
func parseCPUList(cpuList string) ([]int, error) {
	var result []int
	for _, segment := range strings.Split(cpuList, ",") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		if strings.Contains(segment, "-") {
			bounds := strings.SplitN(segment, "-", 2)
			start, err := strconv.Atoi(bounds[0])
			if err != nil {
				return nil, fmt.Errorf("invalid start of range: %s", bounds[0])
			}
			end, err := strconv.Atoi(bounds[1])
			if err != nil {
				return nil, fmt.Errorf("invalid end of range: %s", bounds[1])
			}
			if start > end {
				return nil, fmt.Errorf("start greater than end in range: %s", segment)
			}
			for i := start; i <= end; i++ {
				result = append(result, i)
			}
		} else {
			num, err := strconv.Atoi(segment)
			if err != nil {
				return nil, fmt.Errorf("invalid number: %s", segment)
			}
			result = append(result, num)
		}
	}
	return result, nil
}
