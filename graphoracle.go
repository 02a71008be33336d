package kspload

// graphoracle.go answers path queries in-process.  The network is converted
// into a gonum weighted digraph, loopless paths are enumerated in cost order
// with Yen's algorithm, and a path is kept only if, for every path kept
// before it, the weight they share stays within theta of the kept path's weight.  This is the filtering idea of the
// kspwlo family, without its pruning, so it is exact but slower on large
// networks.

import (
	"context"
	"fmt"
	"math"
	"strings"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// GraphOracleAlgorithm is the algorithm name GraphOracle answers to
const GraphOracleAlgorithm = "yen"

// GraphOracle is a PathOracle computed with gonum.  MaxCandidates bounds how
// many loopless paths are enumerated per query; zero means 16 per requested path.
type GraphOracle struct {
	MaxCandidates int
}

// buildConnGraph returns the gonum representation of net, weighted by the
// current travel times
func buildConnGraph(net *NetworkState) *simple.WeightedDirectedGraph {
	connGraph := simple.NewWeightedDirectedGraph(0, math.Inf(1))
	for id := 0; id < net.NodeCount(); id++ {
		connGraph.AddNode(simple.Node(id))
	}
	for _, edge := range net.edges {
		// simple graphs do not hold self loops, and a loop is never on a loopless path
		if edge.Source == edge.Target {
			continue
		}
		connGraph.SetWeightedEdge(simple.WeightedEdge{
			F: simple.Node(edge.Source),
			T: simple.Node(edge.Target),
			W: float64(edge.Time),
		})
	}
	return connGraph
}

// convertNodeSeq extracts the node ids from a sequence of graph nodes
func convertNodeSeq(nsQ []graph.Node) []int {
	rtn := make([]int, 0, len(nsQ))
	for _, node := range nsQ {
		rtn = append(rtn, int(node.ID()))
	}
	return rtn
}

// candidate is an enumerated path with its edges and their weights
type candidate struct {
	nodes   []int
	edges   []EdgeKey
	weights []float64
	total   float64
}

func makeCandidate(net *NetworkState, nodes []int) (candidate, error) {
	keys, err := net.PathEdges(nodes)
	if err != nil {
		return candidate{}, err
	}
	weights := make([]float64, len(keys))
	for idx, key := range keys {
		t, _ := net.TravelTime(key)
		weights[idx] = float64(t)
	}
	return candidate{nodes: nodes, edges: keys, weights: weights, total: floats.Sum(weights)}, nil
}

// compareCandidates orders by total weight, then by node sequence
func compareCandidates(a, b candidate) int {
	if a.total != b.total {
		if a.total < b.total {
			return -1
		}
		return 1
	}
	return slices.Compare(a.nodes, b.nodes)
}

// overlapRatio is the share of the accepted path acc, of weight, that cand
// also runs over.  For a zero-weight acc the share of its edges is used instead.
func overlapRatio(cand candidate, acc candidate, accEdges map[EdgeKey]bool) float64 {
	if len(acc.edges) == 0 {
		return 0
	}
	shared := make([]float64, 0, len(cand.edges))
	sharedCnt := 0
	for idx, key := range cand.edges {
		if accEdges[key] {
			shared = append(shared, cand.weights[idx])
			sharedCnt += 1
		}
	}
	if acc.total == 0 {
		return float64(sharedCnt) / float64(len(acc.edges))
	}
	return floats.Sum(shared) / acc.total
}

func (gro *GraphOracle) KShortestPaths(ctx context.Context, net *NetworkState, q OracleQuery) ([]Path, error) {
	if !strings.EqualFold(q.Algorithm, GraphOracleAlgorithm) {
		return nil, fmt.Errorf("%w: %w: %q", ErrOracleInvocation, ErrUnknownAlgorithm, q.Algorithm)
	}
	if q.K < 1 {
		return nil, fmt.Errorf("%w: k must be at least 1", ErrOracleInvocation)
	}
	if q.Source == q.Target {
		return nil, fmt.Errorf("%w: source and target are the same node", ErrOracleInvocation)
	}
	if q.Source < 0 || q.Source >= net.NodeCount() || q.Target < 0 || q.Target >= net.NodeCount() {
		return nil, fmt.Errorf("%w: endpoints (%d,%d) outside the network", ErrOracleInvocation, q.Source, q.Target)
	}

	maxCand := gro.MaxCandidates
	if maxCand <= 0 {
		maxCand = 16 * q.K
	}
	if maxCand < q.K {
		maxCand = q.K
	}

	connGraph := buildConnGraph(net)
	enumerated := path.YenKShortestPaths(connGraph, maxCand, math.Inf(1),
		simple.Node(q.Source), simple.Node(q.Target))

	cands := make([]candidate, 0, len(enumerated))
	for _, nodeSeq := range enumerated {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cand, err := makeCandidate(net, convertNodeSeq(nodeSeq))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOracleInvocation, err)
		}
		cands = append(cands, cand)
	}
	// equal-cost paths come out of gonum in map order
	slices.SortStableFunc(cands, compareCandidates)

	kept := make([]candidate, 0, q.K)
	keptEdges := make([]map[EdgeKey]bool, 0, q.K)
	for _, cand := range cands {
		if len(kept) == q.K {
			break
		}
		admissible := true
		for idx, edgeSet := range keptEdges {
			if overlapRatio(cand, kept[idx], edgeSet) > q.Theta {
				admissible = false
				break
			}
		}
		if !admissible {
			continue
		}

		edgeSet := make(map[EdgeKey]bool, len(cand.edges))
		for _, key := range cand.edges {
			edgeSet[key] = true
		}
		kept = append(kept, cand)
		keptEdges = append(keptEdges, edgeSet)
	}

	paths := make([]Path, 0, len(kept))
	for _, cand := range kept {
		paths = append(paths, Path{Weight: int64(cand.total), Nodes: cand.nodes})
	}
	return paths, nil
}
