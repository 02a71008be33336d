package kspload

// desc.go has the serializable descriptions read in before a batch runs (the
// finalized edge table and the batch configuration) and the helpers for
// reading and writing them as yaml or json

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EdgeDesc is one row of the finalized edge table produced by network
// preparation.  Ids are zero-based and contiguous.
type EdgeDesc struct {
	Source int     `json:"source" yaml:"source"`
	Target int     `json:"target" yaml:"target"`
	Ta0    int64   `json:"ta0" yaml:"ta0"`
	Ta     int64   `json:"ta" yaml:"ta"`
	Ca     int64   `json:"ca" yaml:"ca"`
	Va     int64   `json:"va" yaml:"va"`
	Length float64 `json:"length" yaml:"length"`
}

// EdgeTable is the network handed over by network preparation: node count,
// edges, and the map from external graph ids to the zero-based ids used here
type EdgeTable struct {
	Name  string        `json:"name" yaml:"name"`
	Nodes int           `json:"nodes" yaml:"nodes"`
	Edges []EdgeDesc    `json:"edges" yaml:"edges"`
	IDMap map[int64]int `json:"idmap,omitempty" yaml:"idmap,omitempty"`
}

// CreateEdgeTable is an initialization constructor
func CreateEdgeTable(name string, nodes int) *EdgeTable {
	et := new(EdgeTable)
	et.Name = name
	et.Nodes = nodes
	et.Edges = make([]EdgeDesc, 0)
	et.IDMap = make(map[int64]int)
	return et
}

// AddEdge appends an edge at free-flow conditions (ta = ta0, va = 0)
func (et *EdgeTable) AddEdge(source, target int, ta0, ca int64, length float64) {
	et.Edges = append(et.Edges, EdgeDesc{Source: source, Target: target, Ta0: ta0, Ta: ta0, Ca: ca, Length: length})
}

// LookupID translates an external graph id to its zero-based id
func (et *EdgeTable) LookupID(external int64) (int, bool) {
	id, present := et.IDMap[external]
	return id, present
}

// WriteToFile stores the EdgeTable to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (et *EdgeTable) WriteToFile(filename string) error {
	return writeDesc(filename, *et)
}

// ReadEdgeTable deserializes a byte slice holding a representation of an EdgeTable.
// If dict is empty the file whose name is given is read to acquire the bytes.
func ReadEdgeTable(filename string, useYAML bool, dict []byte) (*EdgeTable, error) {
	example := EdgeTable{}
	if err := readDesc(filename, useYAML, dict, &example); err != nil {
		return nil, err
	}
	return &example, nil
}

// ODPair is an origin/destination node pair
type ODPair struct {
	Source int `json:"source" yaml:"source"`
	Target int `json:"target" yaml:"target"`
}

// ScenarioAxes lists the values of every scenario parameter; the batch is
// their full Cartesian product
type ScenarioAxes struct {
	SourceTarget []ODPair  `json:"source_target" yaml:"source_target"`
	TotalTravel  []int64   `json:"total_travel" yaml:"total_travel"`
	DropInterval []int64   `json:"drop_interval" yaml:"drop_interval"`
	Mode         []int     `json:"mode" yaml:"mode"`
	Shape        []float64 `json:"shape" yaml:"shape"`
	K            []int     `json:"k" yaml:"k"`
	Theta        []float64 `json:"theta" yaml:"theta"`
	Algorithm    []string  `json:"algorithm" yaml:"algorithm"`
}

// Oracle kinds understood by BuildOracle
const (
	OracleProcess = "process"
	OracleGraph   = "graph"
)

// OracleCfg selects and parameterizes the path oracle
type OracleCfg struct {
	Kind          string   `json:"kind" yaml:"kind"`
	Command       string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args          []string `json:"args,omitempty" yaml:"args,omitempty"`
	MaxCandidates int      `json:"max_candidates,omitempty" yaml:"max_candidates,omitempty"`
}

// BatchCfg is the declarative description of a batch of scenarios
type BatchCfg struct {
	Name            string       `json:"name" yaml:"name"`
	Workspace       string       `json:"workspace" yaml:"workspace"`
	Workers         int          `json:"workers" yaml:"workers"`
	Seed            uint64       `json:"seed" yaml:"seed"`
	Cost            CostModel    `json:"cost" yaml:"cost"`
	Oracle          OracleCfg    `json:"oracle" yaml:"oracle"`
	ExternalIDs     bool         `json:"external_ids" yaml:"external_ids"`
	RecordDropEdges bool         `json:"record_drop_edges" yaml:"record_drop_edges"`
	Trace           bool         `json:"trace" yaml:"trace"`
	Axes            ScenarioAxes `json:"axes" yaml:"axes"`
}

// CreateBatchCfg returns a configuration with the default cost model and the
// in-process oracle, and no scenario axes
func CreateBatchCfg(name string) *BatchCfg {
	bc := new(BatchCfg)
	bc.Name = name
	bc.Workspace = os.TempDir()
	bc.Cost = DefaultCostModel()
	bc.Oracle = OracleCfg{Kind: OracleGraph}
	return bc
}

// Validate checks the parts of the configuration that do not depend on the network
func (bc *BatchCfg) Validate() error {
	errs := make([]error, 0)
	ax := bc.Axes
	for idx, size := range ax.lengths() {
		if size == 0 {
			errs = append(errs, fmt.Errorf("axis %s is empty", AxisOrder[idx]))
		}
	}
	switch bc.Oracle.Kind {
	case OracleGraph, "":
	case OracleProcess:
		if bc.Oracle.Command == "" {
			errs = append(errs, errors.New("process oracle needs a command"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown oracle kind %q", bc.Oracle.Kind))
	}
	if bc.Workers < 0 {
		errs = append(errs, fmt.Errorf("negative worker count %d", bc.Workers))
	}

	if err := ReportErrs(errs); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// WriteToFile stores the BatchCfg to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (bc *BatchCfg) WriteToFile(filename string) error {
	return writeDesc(filename, *bc)
}

// ReadBatchCfg deserializes a byte slice holding a representation of a BatchCfg.
// If dict is empty the file whose name is given is read to acquire the bytes.
// Cost model fields left out take their defaults.
func ReadBatchCfg(filename string, useYAML bool, dict []byte) (*BatchCfg, error) {
	example := BatchCfg{}
	if err := readDesc(filename, useYAML, dict, &example); err != nil {
		return nil, err
	}
	example.Cost = example.Cost.withDefaults()
	if example.Oracle.Kind == "" {
		example.Oracle.Kind = OracleGraph
	}
	return &example, nil
}

// useYAMLFor reports whether the extension of filename selects yaml
func useYAMLFor(filename string) bool {
	ext := path.Ext(filename)
	return ext == ".yaml" || ext == ".YAML" || ext == ".yml"
}

// writeDesc serializes desc to yaml or json, selected by the extension of filename
func writeDesc(filename string, desc any) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if useYAMLFor(filename) {
		bytes, merr = yaml.Marshal(desc)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(desc, "", "\t")
	} else {
		return fmt.Errorf("%s: extension must be .yaml, .yml or .json", filename)
	}
	if merr != nil {
		return merr
	}

	return os.WriteFile(filename, bytes, 0o644)
}

// readDesc fills desc from dict, or from the named file when dict is empty
func readDesc(filename string, useYAML bool, dict []byte, desc any) error {
	var err error

	// read from the file only if the byte slice is empty
	if len(dict) == 0 {
		fileInfo, serr := os.Stat(filename)
		if serr != nil || fileInfo.IsDir() {
			return fmt.Errorf("%s does not exist or cannot be read", filename)
		}
		dict, err = os.ReadFile(filename)
		if err != nil {
			return err
		}
	}

	if useYAML {
		err = yaml.Unmarshal(dict, desc)
	} else {
		err = json.Unmarshal(dict, desc)
	}
	return err
}

// ReportErrs transforms a list of errors and transforms the non-nil ones into a single error
// with comma-separated report of all the constituent errors, and returns it.
func ReportErrs(errs []error) error {
	errMsg := make([]string, 0)
	for _, err := range errs {
		if err != nil {
			errMsg = append(errMsg, err.Error())
		}
	}
	if len(errMsg) == 0 {
		return nil
	}

	return errors.New(strings.Join(errMsg, ","))
}

// CheckDirectories probes the file system for the existence of every
// directory listed, returning an aggregated error if any check failed
func CheckDirectories(dirs []string) (bool, error) {
	failures := []error{}

	for _, dir := range dirs {
		if len(dir) == 0 {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s not reachable", dir))
			continue
		}
		if !info.IsDir() {
			failures = append(failures, fmt.Errorf("%s not a directory", dir))
		}
	}
	if err := ReportErrs(failures); err != nil {
		return false, err
	}
	return true, nil
}

// CheckFiles probes the file system for permitted access to all the
// argument filenames, optionally checking also for the existence
// of those files for the purposes of reading them.
func CheckFiles(names []string, checkExistence bool) (bool, error) {
	errs := make([]error, 0)

	for _, name := range names {
		if len(name) == 0 {
			continue
		}
		// the directory of each named file has to exist
		directory, _ := filepath.Split(name)
		if directory == "" {
			directory = "."
		}
		if _, err := os.Stat(directory); err != nil {
			errs = append(errs, err)
		}
		if checkExistence {
			if _, err := os.Stat(name); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := ReportErrs(errs); err != nil {
		return false, err
	}
	return true, nil
}
