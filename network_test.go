package kspload

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCostModelFreeFlowAtZeroVolume(t *testing.T) {
	cm := DefaultCostModel()
	require.Equal(t, int64(37), cm.TravelTime(37, 0, 10))
	require.Equal(t, int64(37), cm.TravelTime(37, 0, 0))
}

func TestCostModelMonotoneInVolume(t *testing.T) {
	cm := DefaultCostModel()
	for _, capacity := range []int64{0, 1, 7, 50, 1000} {
		prev := cm.TravelTime(120, 0, capacity)
		for v := int64(1); v <= 5000; v += 13 {
			cur := cm.TravelTime(120, v, capacity)
			require.GreaterOrEqual(t, cur, prev, "capacity %d volume %d", capacity, v)
			prev = cur
		}
	}
}

func TestCostModelSaturates(t *testing.T) {
	cm := DefaultCostModel()
	capped := cm.TravelTime(10, 30, 10)
	require.Equal(t, capped, cm.TravelTime(10, 1000, 10))
	// no capacity saturates as soon as there is volume
	require.Equal(t, capped, cm.TravelTime(10, 1, 0))
}

func TestCostModelCustomConstants(t *testing.T) {
	cm := CostModel{Alpha: 1, Beta: 1, CapacityCutoff: 3}
	require.Equal(t, int64(20), cm.TravelTime(10, 5, 5))
	require.Equal(t, int64(40), cm.TravelTime(10, 50, 5))
}

func TestCostModelDefaultsFillZeroFields(t *testing.T) {
	cm := CostModel{Alpha: 0.5}.withDefaults()
	require.Equal(t, 0.5, cm.Alpha)
	require.Equal(t, 4.0, cm.Beta)
	require.Equal(t, 3.0, cm.CapacityCutoff)
}

func TestCreateNetworkStateRejectsBadTables(t *testing.T) {
	_, err := CreateNetworkState(nil, DefaultCostModel())
	require.ErrorIs(t, err, ErrInvalidNetwork)

	et := CreateEdgeTable("bad", 3)
	et.AddEdge(0, 1, 5, 5, 0)
	et.AddEdge(0, 1, 6, 6, 0)
	et.AddEdge(1, 3, 5, 5, 0)
	et.Edges = append(et.Edges, EdgeDesc{Source: 1, Target: 2, Ta0: -1})
	_, err = CreateNetworkState(et, DefaultCostModel())
	require.ErrorIs(t, err, ErrInvalidNetwork)
	require.Contains(t, err.Error(), "listed twice")
	require.Contains(t, err.Error(), "outside [0,3)")
	require.Contains(t, err.Error(), "negative attribute")
}

func TestNetworkStateLookups(t *testing.T) {
	net := mustNetwork(t, diamondTable())
	require.Equal(t, 4, net.NodeCount())
	require.Equal(t, 4, net.EdgeCount())
	require.True(t, net.HasEdge(0, 1))
	require.False(t, net.HasEdge(1, 0))

	w, err := net.PathWeight([]int{0, 1, 3})
	require.NoError(t, err)
	require.Equal(t, int64(20), w)

	_, err = net.PathEdges([]int{0, 3})
	require.ErrorIs(t, err, ErrUnknownEdge)
}

func TestAddVolumeRepricesEdge(t *testing.T) {
	net := mustNetwork(t, diamondTable())
	key := EdgeKey{Source: 0, Target: 1}

	require.NoError(t, net.addVolume(key, 100))
	edge, ok := net.Edge(key)
	require.True(t, ok)
	require.Equal(t, int64(100), edge.Volume)
	require.Equal(t, net.CostModel().TravelTime(10, 100, 50), edge.Time)
	require.Greater(t, edge.Time, edge.FreeFlow)

	require.Error(t, net.addVolume(key, -1))
	require.ErrorIs(t, net.addVolume(EdgeKey{Source: 3, Target: 0}, 1), ErrUnknownEdge)
}

func TestRepriceIsIdempotent(t *testing.T) {
	net := mustNetwork(t, diamondTable())
	require.NoError(t, net.addVolume(EdgeKey{Source: 0, Target: 2}, 77))
	net.reprice()
	first := net.Edges()
	net.reprice()
	require.Equal(t, first, net.Edges())
}

func TestCloneSharesNoState(t *testing.T) {
	net := mustNetwork(t, diamondTable())
	cp := net.Clone()
	require.NoError(t, cp.addVolume(EdgeKey{Source: 0, Target: 1}, 500))

	orig, _ := net.Edge(EdgeKey{Source: 0, Target: 1})
	require.Equal(t, int64(0), orig.Volume)
	require.Equal(t, int64(10), orig.Time)
}

func TestSnapshotSortedAndFiltered(t *testing.T) {
	net := mustNetwork(t, diamondTable())
	snap := net.Snapshot([]EdgeKey{{Source: 2, Target: 3}, {Source: 0, Target: 1}, {Source: 9, Target: 9}})
	require.Len(t, snap, 2)
	require.Equal(t, EdgeKey{Source: 0, Target: 1}, snap[0].Key())
	require.Equal(t, EdgeKey{Source: 2, Target: 3}, snap[1].Key())
}
