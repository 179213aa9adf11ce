// Package numatopo detects CPU and NUMA topology once at startup so the
// scheduler can size its worker pool and assign workers to nodes without
// probing the kernel on every call. It is trimmed from the full topology
// model of a general NUMA optimizer down to what a work-stealing scheduler
// actually consumes: how many hardware threads exist, how many NUMA nodes
// exist, and which node each core belongs to.
package numatopo

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/automaxprocs/maxprocs"
)

// Node describes one NUMA node and the logical CPUs assigned to it.
type Node struct {
	ID    int
	CPUs  []int
}

// Topology is an immutable snapshot of the host's CPU/NUMA layout.
type Topology struct {
	Nodes   []Node
	CPUToNode map[int]int
	NumCPU  int
}

// Detect builds a Topology. It calls automaxprocs once so NumCPU respects
// container CPU quotas (cgroup cpu.cfs_quota_us) rather than the raw core
// count runtime.NumCPU() would otherwise report, then reads
// /sys/devices/system/node for the node layout. On any failure, or on a
// non-Linux host, it falls back to a single synthetic node holding every
// logical CPU.
func Detect() *Topology {
	// automaxprocs' logger defaults to a no-op; Set only has the side effect
	// of adjusting GOMAXPROCS, which callers can already observe via
	// runtime.GOMAXPROCS(0) afterward.
	_, _ = maxprocs.Set()

	numCPU := runtime.GOMAXPROCS(0)
	if numCPU <= 0 {
		numCPU = runtime.NumCPU()
	}

	nodes := readSysNodes()
	if len(nodes) == 0 {
		nodes = []Node{singleNode(numCPU)}
	}

	t := &Topology{Nodes: nodes, CPUToNode: make(map[int]int)}
	for _, n := range nodes {
		for _, cpu := range n.CPUs {
			t.CPUToNode[cpu] = n.ID
		}
	}
	t.NumCPU = numCPU
	return t
}

func singleNode(numCPU int) Node {
	cpus := make([]int, numCPU)
	for i := range cpus {
		cpus[i] = i
	}
	return Node{ID: 0, CPUs: cpus}
}

const sysNodeDir = "/sys/devices/system/node"

// readSysNodes parses /sys/devices/system/node/node<N>/cpulist files, the
// same sysfs layout the kernel exposes for `numactl --hardware` and the one
// a NUMA-aware allocator reads to build its Topology.
func readSysNodes() []Node {
	entries, err := os.ReadDir(sysNodeDir)
	if err != nil {
		return nil
	}

	var nodes []Node
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "node") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(name, "node"))
		if err != nil {
			continue
		}
		cpus, err := readCPUList(filepath.Join(sysNodeDir, name, "cpulist"))
		if err != nil {
			continue
		}
		nodes = append(nodes, Node{ID: id, CPUs: cpus})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// readCPUList parses a Linux cpulist range string like "0-3,8,10-11".
func readCPUList(path string) ([]int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cpus []int
	for _, part := range strings.Split(strings.TrimSpace(string(raw)), ",") {
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			loN, err1 := strconv.Atoi(lo)
			hiN, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil {
				continue
			}
			for c := loN; c <= hiN; c++ {
				cpus = append(cpus, c)
			}
		} else {
			n, err := strconv.Atoi(part)
			if err != nil {
				continue
			}
			cpus = append(cpus, n)
		}
	}
	return cpus, nil
}

// AssignWorkers maps numWorkers worker indices to NUMA nodes and CPUs:
// round-robin across nodes, then round-robin across cores within a node,
// spreading workers evenly so no node saturates before another fills.
func (t *Topology) AssignWorkers(numWorkers int) []WorkerPlacement {
	placements := make([]WorkerPlacement, numWorkers)
	if len(t.Nodes) == 0 {
		for i := range placements {
			placements[i] = WorkerPlacement{NodeID: 0, CPU: -1}
		}
		return placements
	}

	nodeCursor := make([]int, len(t.Nodes))
	for i := 0; i < numWorkers; i++ {
		node := t.Nodes[i%len(t.Nodes)]
		ni := i % len(t.Nodes)
		cpu := -1
		if len(node.CPUs) > 0 {
			cpu = node.CPUs[nodeCursor[ni]%len(node.CPUs)]
			nodeCursor[ni]++
		}
		placements[i] = WorkerPlacement{NodeID: node.ID, CPU: cpu}
	}
	return placements
}

// WorkerPlacement is the NUMA node and (optional) pinned CPU assigned to one
// scheduler worker.
type WorkerPlacement struct {
	NodeID int
	CPU    int // -1 when no specific CPU is pinned
}
