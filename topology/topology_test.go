package topology

import (
	"reflect"
	"testing"
)

func TestParseCPUList(t *testing.T) {
	cases := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{"0", []int{0}, false},
		{"0,1,2", []int{0, 1, 2}, false},
		{"0-3", []int{0, 1, 2, 3}, false},
		{"0-1,4,6-7", []int{0, 1, 4, 6, 7}, false},
		{"3-1", nil, true},
		{"x", nil, true},
	}

	for _, tc := range cases {
		got, err := parseCPUList(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseCPUList(%q): expected error, got %v", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseCPUList(%q): unexpected error: %v", tc.in, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("parseCPUList(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseCPUDirName(t *testing.T) {
	if id, ok := parseCPUDirName("cpu7"); !ok || id != 7 {
		t.Errorf("parseCPUDirName(cpu7) = (%d, %v), want (7, true)", id, ok)
	}
	if _, ok := parseCPUDirName("cpufreq"); ok {
		t.Errorf("parseCPUDirName(cpufreq) should not parse as a cpu id")
	}
	if _, ok := parseCPUDirName("modalias"); ok {
		t.Errorf("parseCPUDirName(modalias) should not parse as a cpu id")
	}
}

func TestTopologyFallbackSiblings(t *testing.T) {
	top := &Topology{
		cpus:  []int{0, 1},
		nodes: map[int]int{0: 0, 1: 0},
		l2:    map[int][]int{},
		l3:    map[int][]int{},
	}
	if got := top.L2Siblings(0); !reflect.DeepEqual(got, []int{0}) {
		t.Errorf("L2Siblings(0) = %v, want [0] when no cache group is known", got)
	}
	if got := top.CPU(1); got.ID != 1 || got.Node != 0 {
		t.Errorf("CPU(1) = %+v, want {ID:1 Node:0}", got)
	}
}
