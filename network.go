package kspload

// network.go holds the per-edge state that a scenario loads travelers onto

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// EdgeKey identifies a directed edge by its zero-based source and target node ids
type EdgeKey struct {
	Source int `json:"source" yaml:"source"`
	Target int `json:"target" yaml:"target"`
}

func (ek EdgeKey) String() string {
	return fmt.Sprintf("(%d,%d)", ek.Source, ek.Target)
}

// compareEdgeKeys orders keys by source, then target
func compareEdgeKeys(a, b EdgeKey) int {
	if a.Source != b.Source {
		return a.Source - b.Source
	}
	return a.Target - b.Target
}

// EdgeRecord is a read-only copy of one edge's state.
//   - FreeFlow is the free-flow travel time ta0, in integer seconds
//   - Time is the current travel time ta, in integer seconds
//   - Capacity is ca, vehicles per hour
//   - Volume is va, the number of vehicles loaded onto the edge so far
type EdgeRecord struct {
	Source   int     `json:"source" yaml:"source"`
	Target   int     `json:"target" yaml:"target"`
	FreeFlow int64   `json:"ta0" yaml:"ta0"`
	Time     int64   `json:"ta" yaml:"ta"`
	Capacity int64   `json:"ca" yaml:"ca"`
	Volume   int64   `json:"va" yaml:"va"`
	Length   float64 `json:"length" yaml:"length"`
}

// Key returns the identity of the edge the record describes
func (er EdgeRecord) Key() EdgeKey {
	return EdgeKey{Source: er.Source, Target: er.Target}
}

// NetworkState is the mutable edge table one scenario owns.  Callers outside
// the scenario loop only get read access; volume changes go through addVolume
// and travel times are only ever recomputed from the cost model.
type NetworkState struct {
	nodes int
	cost  CostModel
	edges []EdgeRecord
	index map[EdgeKey]int
}

// CreateNetworkState builds the state from a finalized edge table.  Travel
// times are taken as given in the table (ta), the cost model is applied from
// the first volume change onward.
func CreateNetworkState(et *EdgeTable, cost CostModel) (*NetworkState, error) {
	if et == nil {
		return nil, fmt.Errorf("%w: nil edge table", ErrInvalidNetwork)
	}
	if et.Nodes <= 0 {
		return nil, fmt.Errorf("%w: node count %d", ErrInvalidNetwork, et.Nodes)
	}

	ns := &NetworkState{
		nodes: et.Nodes,
		cost:  cost.withDefaults(),
		edges: make([]EdgeRecord, 0, len(et.Edges)),
		index: make(map[EdgeKey]int, len(et.Edges)),
	}

	var errs []error
	for idx, ed := range et.Edges {
		if ed.Source < 0 || ed.Source >= et.Nodes || ed.Target < 0 || ed.Target >= et.Nodes {
			errs = append(errs, fmt.Errorf("edge %d (%d,%d) references a node outside [0,%d)",
				idx, ed.Source, ed.Target, et.Nodes))
			continue
		}
		if ed.Ta0 < 0 || ed.Ta < 0 || ed.Ca < 0 || ed.Va < 0 {
			errs = append(errs, fmt.Errorf("edge %d (%d,%d) has a negative attribute", idx, ed.Source, ed.Target))
			continue
		}
		key := EdgeKey{Source: ed.Source, Target: ed.Target}
		if _, present := ns.index[key]; present {
			errs = append(errs, fmt.Errorf("edge %s listed twice", key))
			continue
		}
		ns.index[key] = len(ns.edges)
		ns.edges = append(ns.edges, EdgeRecord{
			Source:   ed.Source,
			Target:   ed.Target,
			FreeFlow: ed.Ta0,
			Time:     ed.Ta,
			Capacity: ed.Ca,
			Volume:   ed.Va,
			Length:   ed.Length,
		})
	}
	if err := ReportErrs(errs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNetwork, err)
	}

	return ns, nil
}

// Clone returns a deep copy that shares no mutable state with ns
func (ns *NetworkState) Clone() *NetworkState {
	cp := &NetworkState{
		nodes: ns.nodes,
		cost:  ns.cost,
		edges: slices.Clone(ns.edges),
		index: make(map[EdgeKey]int, len(ns.index)),
	}
	for k, v := range ns.index {
		cp.index[k] = v
	}
	return cp
}

func (ns *NetworkState) NodeCount() int       { return ns.nodes }
func (ns *NetworkState) EdgeCount() int       { return len(ns.edges) }
func (ns *NetworkState) CostModel() CostModel { return ns.cost }

// Edge returns a copy of the edge with the given key
func (ns *NetworkState) Edge(key EdgeKey) (EdgeRecord, bool) {
	idx, present := ns.index[key]
	if !present {
		return EdgeRecord{}, false
	}
	return ns.edges[idx], true
}

// HasEdge reports whether the directed edge source->target exists
func (ns *NetworkState) HasEdge(source, target int) bool {
	_, present := ns.index[EdgeKey{Source: source, Target: target}]
	return present
}

// TravelTime returns the current integer travel time of an edge
func (ns *NetworkState) TravelTime(key EdgeKey) (int64, bool) {
	idx, present := ns.index[key]
	if !present {
		return 0, false
	}
	return ns.edges[idx].Time, true
}

// Edges returns a copy of every edge in edge-table order
func (ns *NetworkState) Edges() []EdgeRecord {
	return slices.Clone(ns.edges)
}

// Snapshot returns copies of the edges named in keys, sorted by key.
// Keys not present in the network are skipped.
func (ns *NetworkState) Snapshot(keys []EdgeKey) []EdgeRecord {
	rtn := make([]EdgeRecord, 0, len(keys))
	for _, key := range keys {
		if idx, present := ns.index[key]; present {
			rtn = append(rtn, ns.edges[idx])
		}
	}
	slices.SortFunc(rtn, func(a, b EdgeRecord) int { return compareEdgeKeys(a.Key(), b.Key()) })
	return rtn
}

// PathEdges converts a node sequence into the keys of the edges it traverses.
// An error wrapping ErrUnknownEdge is returned if a step has no edge.
func (ns *NetworkState) PathEdges(nodes []int) ([]EdgeKey, error) {
	if len(nodes) < 2 {
		return nil, nil
	}
	keys := make([]EdgeKey, 0, len(nodes)-1)
	for idx := 1; idx < len(nodes); idx++ {
		key := EdgeKey{Source: nodes[idx-1], Target: nodes[idx]}
		if _, present := ns.index[key]; !present {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEdge, key)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// PathWeight sums the current travel times along a node sequence
func (ns *NetworkState) PathWeight(nodes []int) (int64, error) {
	keys, err := ns.PathEdges(nodes)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, key := range keys {
		sum += ns.edges[ns.index[key]].Time
	}
	return sum, nil
}

// addVolume is the single volume mutation: n more vehicles on the edge, whose
// travel time is then recomputed
func (ns *NetworkState) addVolume(key EdgeKey, n int64) error {
	if n < 0 {
		return fmt.Errorf("negative volume change %d on edge %s", n, key)
	}
	idx, present := ns.index[key]
	if !present {
		return fmt.Errorf("%w: %s", ErrUnknownEdge, key)
	}
	edge := &ns.edges[idx]
	edge.Volume += n
	edge.Time = ns.cost.TravelTime(edge.FreeFlow, edge.Volume, edge.Capacity)
	return nil
}

// reprice recomputes the travel time of every edge from its current volume.
// Unused edges come back to free-flow time.
func (ns *NetworkState) reprice() {
	for idx := range ns.edges {
		edge := &ns.edges[idx]
		edge.Time = ns.cost.TravelTime(edge.FreeFlow, edge.Volume, edge.Capacity)
	}
}
