// Package kspload simulates dynamic traffic loading on a road network.  Each
// scenario injects travelers between an origin and a destination in batches
// ("drops"), routes every batch over k alternative paths handed back by a
// k-shortest-paths-with-limited-overlap oracle, and reprices the network with
// a BPR volume-delay function as volume accumulates.  A batch of scenarios is
// the Cartesian product of the configured parameter axes, run in parallel.
package kspload

// kspload.go has the error values shared across the package and the code
// that assembles a runnable batch from its input files

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"

	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

var (
	// ErrInvalidScenario marks parameter combinations rejected before any sampling
	ErrInvalidScenario = errors.New("kspload: invalid scenario configuration")

	// ErrOracleInvocation marks an oracle that could not be run or whose answer could not be used
	ErrOracleInvocation = errors.New("kspload: oracle invocation fault")

	// ErrUnknownAlgorithm marks an algorithm name the oracle does not implement
	ErrUnknownAlgorithm = errors.New("kspload: unknown oracle algorithm")

	// ErrUnknownEdge marks a reference to a directed edge the network does not have
	ErrUnknownEdge = errors.New("kspload: unknown edge")

	// ErrInvalidNetwork marks an edge table that cannot be loaded
	ErrInvalidNetwork = errors.New("kspload: invalid network")

	// ErrInvalidConfig marks a batch configuration that cannot be run
	ErrInvalidConfig = errors.New("kspload: invalid batch configuration")
)

// GetBatchDicts accepts a map that binds the keys "config" and "network" to
// the names of the batch configuration and edge table files, reads both, and
// returns them.  yaml or json is selected by each file's extension.
func GetBatchDicts(syn map[string]string) (*BatchCfg, *EdgeTable, error) {
	var empty []byte = make([]byte, 0)
	var errs []error

	if _, err := CheckFiles([]string{syn["config"], syn["network"]}, true); err != nil {
		return nil, nil, err
	}

	bc, err := ReadBatchCfg(syn["config"], useYAMLFor(syn["config"]), empty)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(syn["config"]), err))
	}

	et, err := ReadEdgeTable(syn["network"], useYAMLFor(syn["network"]), empty)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(syn["network"]), err))
	}

	if err := ReportErrs(errs); err != nil {
		return nil, nil, err
	}
	return bc, et, nil
}

// BuildBatch checks the configuration, translates external origin/destination
// ids through the edge table when asked to, and builds the initial network
// state every scenario starts from
func BuildBatch(bc *BatchCfg, et *EdgeTable) (*NetworkState, error) {
	if err := bc.Validate(); err != nil {
		return nil, err
	}
	if bc.ExternalIDs {
		pairs, err := translatePairs(et, bc.Axes.SourceTarget)
		if err != nil {
			return nil, err
		}
		bc.Axes.SourceTarget = pairs
		bc.ExternalIDs = false
	}
	if len(bc.Workspace) > 0 && bc.Oracle.Kind == OracleProcess {
		if _, err := CheckDirectories([]string{bc.Workspace}); err != nil {
			return nil, fmt.Errorf("%w: workspace: %v", ErrInvalidConfig, err)
		}
	}
	return CreateNetworkState(et, bc.Cost)
}

// translatePairs maps origin/destination pairs given in external graph ids
// onto the zero-based ids of the edge table
func translatePairs(et *EdgeTable, pairs []ODPair) ([]ODPair, error) {
	rtn := make([]ODPair, 0, len(pairs))
	var errs []error
	for _, pair := range pairs {
		src, srcOK := et.LookupID(int64(pair.Source))
		dst, dstOK := et.LookupID(int64(pair.Target))
		if !srcOK {
			errs = append(errs, fmt.Errorf("external id %d not in idmap", pair.Source))
		}
		if !dstOK {
			errs = append(errs, fmt.Errorf("external id %d not in idmap", pair.Target))
		}
		rtn = append(rtn, ODPair{Source: src, Target: dst})
	}
	if err := ReportErrs(errs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return rtn, nil
}

// BuildOracle returns the PathOracle the configuration selects
func BuildOracle(bc *BatchCfg) (PathOracle, error) {
	switch bc.Oracle.Kind {
	case OracleGraph, "":
		return &GraphOracle{MaxCandidates: bc.Oracle.MaxCandidates}, nil
	case OracleProcess:
		if bc.Oracle.Command == "" {
			return nil, fmt.Errorf("%w: process oracle needs a command", ErrInvalidConfig)
		}
		return CreateProcessOracle(bc.Name, bc.Oracle.Command, bc.Workspace, bc.Oracle.Args...), nil
	}
	return nil, fmt.Errorf("%w: unknown oracle kind %q", ErrInvalidConfig, bc.Oracle.Kind)
}

// UnreachablePairs returns the origin/destination pairs for which the network
// has no directed path at all.  Scenarios over such a pair can only end
// LACKING_PATHS.
func UnreachablePairs(net *NetworkState, pairs []ODPair) []ODPair {
	connGraph := buildConnGraph(net)
	shortest := make(map[int]path.Shortest)
	missing := make([]ODPair, 0)

	for _, pair := range pairs {
		if pair.Source < 0 || pair.Source >= net.NodeCount() || pair.Target < 0 || pair.Target >= net.NodeCount() {
			missing = append(missing, pair)
			continue
		}
		tree, present := shortest[pair.Source]
		if !present {
			tree = path.DijkstraFrom(simple.Node(pair.Source), connGraph)
			shortest[pair.Source] = tree
		}
		if math.IsInf(tree.WeightTo(int64(pair.Target)), 1) {
			missing = append(missing, pair)
		}
	}
	return missing
}
