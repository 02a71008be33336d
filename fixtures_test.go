package kspload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// diamondTable is two disjoint two-hop routes from 0 to 3, 0-1-3 and 0-2-3,
// both with free-flow time 20
func diamondTable() *EdgeTable {
	et := CreateEdgeTable("diamond", 4)
	et.AddEdge(0, 1, 10, 50, 100)
	et.AddEdge(1, 3, 10, 50, 100)
	et.AddEdge(0, 2, 10, 50, 100)
	et.AddEdge(2, 3, 10, 50, 100)
	return et
}

// braidTable has routes 0-1-3 (20), 0-2-3 (25) and 0-1-2-3 (26)
func braidTable() *EdgeTable {
	et := CreateEdgeTable("braid", 4)
	et.AddEdge(0, 1, 10, 100, 0)
	et.AddEdge(1, 3, 10, 100, 0)
	et.AddEdge(0, 2, 10, 100, 0)
	et.AddEdge(2, 3, 15, 100, 0)
	et.AddEdge(1, 2, 1, 100, 0)
	return et
}

func mustNetwork(t *testing.T, et *EdgeTable) *NetworkState {
	t.Helper()
	net, err := CreateNetworkState(et, DefaultCostModel())
	require.NoError(t, err)
	return net
}

// fixedRoutes is an oracle that always offers the same node sequences,
// reporting their weight on the current travel times scaled by factor
func fixedRoutes(factor int64, routes ...[]int) PathOracle {
	return OracleFunc(func(ctx context.Context, net *NetworkState, q OracleQuery) ([]Path, error) {
		paths := make([]Path, 0, len(routes))
		for _, nodes := range routes {
			w, err := net.PathWeight(nodes)
			if err != nil {
				return nil, err
			}
			paths = append(paths, Path{Weight: factor * w, Nodes: nodes})
		}
		if len(paths) > q.K {
			paths = paths[:q.K]
		}
		return paths, nil
	})
}

func diamondParams() ScenarioParams {
	return ScenarioParams{
		Source:       0,
		Target:       3,
		TotalTravel:  100,
		DropInterval: 100,
		Mode:         0,
		Shape:        0,
		K:            2,
		Theta:        0.5,
		Algorithm:    "yen",
	}
}
