package numatopo

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetect_NeverEmpty(t *testing.T) {
	topo := Detect()
	require.NotEmpty(t, topo.Nodes)
	require.Greater(t, topo.NumCPU, 0)
}

func TestAssignWorkers_RoundRobinsAcrossNodes(t *testing.T) {
	topo := &Topology{Nodes: []Node{
		{ID: 0, CPUs: []int{0, 1}},
		{ID: 1, CPUs: []int{2, 3}},
	}}

	placements := topo.AssignWorkers(4)
	require.Len(t, placements, 4)
	require.Equal(t, 0, placements[0].NodeID)
	require.Equal(t, 1, placements[1].NodeID)
	require.Equal(t, 0, placements[2].NodeID)
	require.Equal(t, 1, placements[3].NodeID)
}

func TestAssignWorkers_CyclesCoresWithinNode(t *testing.T) {
	topo := &Topology{Nodes: []Node{{ID: 0, CPUs: []int{5, 6}}}}
	placements := topo.AssignWorkers(4)
	require.Equal(t, []int{5, 6, 5, 6}, []int{
		placements[0].CPU, placements[1].CPU, placements[2].CPU, placements[3].CPU,
	})
}

func TestReadCPUList_ParsesRangesAndSingles(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/cpulist"
	require.NoError(t, os.WriteFile(path, []byte("0-2,5,7-8\n"), 0o644))

	cpus, err := readCPUList(path)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2, 5, 7, 8}, cpus)
}
