package kspload

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const batchYAML = `
name: grid-sweep
workspace: /tmp
workers: 2
seed: 17
cost:
  alpha: 0.3
oracle:
  kind: graph
external_ids: true
axes:
  source_target:
    - {source: 100, target: 103}
  total_travel: [200]
  drop_interval: [50]
  mode: [0, 1]
  shape: [2]
  k: [2]
  theta: [0.5]
  algorithm: [yen]
`

const edgesYAML = `
name: diamond
nodes: 4
edges:
  - {source: 0, target: 1, ta0: 10, ta: 10, ca: 50, va: 0, length: 120.5}
  - {source: 1, target: 3, ta0: 10, ta: 10, ca: 50, va: 0, length: 80}
  - {source: 0, target: 2, ta0: 10, ta: 10, ca: 50, va: 0, length: 95}
  - {source: 2, target: 3, ta0: 10, ta: 10, ca: 50, va: 0, length: 60}
idmap:
  100: 0
  101: 1
  102: 2
  103: 3
`

func TestReadBatchCfgFillsDefaults(t *testing.T) {
	bc, err := ReadBatchCfg("", true, []byte(batchYAML))
	require.NoError(t, err)
	require.Equal(t, "grid-sweep", bc.Name)
	require.Equal(t, uint64(17), bc.Seed)
	require.Equal(t, 0.3, bc.Cost.Alpha)
	require.Equal(t, 4.0, bc.Cost.Beta)
	require.Equal(t, 3.0, bc.Cost.CapacityCutoff)
	require.Equal(t, OracleGraph, bc.Oracle.Kind)
	require.Equal(t, []int{0, 1}, bc.Axes.Mode)
	require.Equal(t, 2, bc.Axes.Count())
	require.NoError(t, bc.Validate())
}

func TestBatchCfgValidate(t *testing.T) {
	bc := CreateBatchCfg("empty")
	err := bc.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Contains(t, err.Error(), "axis source_target is empty")
	require.Contains(t, err.Error(), "axis algorithm is empty")

	bc.Oracle = OracleCfg{Kind: OracleProcess}
	require.Contains(t, bc.Validate().Error(), "needs a command")

	bc.Oracle = OracleCfg{Kind: "carrier-pigeon"}
	require.Contains(t, bc.Validate().Error(), "unknown oracle kind")
}

func TestEdgeTableFileFormats(t *testing.T) {
	et, err := ReadEdgeTable("", true, []byte(edgesYAML))
	require.NoError(t, err)
	require.Equal(t, 4, et.Nodes)
	require.Len(t, et.Edges, 4)
	require.Equal(t, 120.5, et.Edges[0].Length)
	id, ok := et.LookupID(103)
	require.True(t, ok)
	require.Equal(t, 3, id)

	name := filepath.Join(t.TempDir(), "edges.json")
	require.NoError(t, et.WriteToFile(name))
	back, err := ReadEdgeTable(name, false, nil)
	require.NoError(t, err)
	require.Equal(t, et, back)

	_, err = ReadEdgeTable(filepath.Join(t.TempDir(), "missing.yaml"), true, nil)
	require.Error(t, err)
}

func TestGetBatchDictsAndRun(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "batch.yaml")
	netFile := filepath.Join(dir, "edges.yml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(batchYAML), 0o644))
	require.NoError(t, os.WriteFile(netFile, []byte(edgesYAML), 0o644))

	bc, et, err := GetBatchDicts(map[string]string{"config": cfgFile, "network": netFile})
	require.NoError(t, err)

	br, err := RunBatchCfg(context.Background(), bc, et, BatchOptions{})
	require.NoError(t, err)
	require.Equal(t, "grid-sweep", br.Name)
	require.Len(t, br.Entries, 2)
	for _, entry := range br.Entries {
		require.Equal(t, 0, entry.Params.Source)
		require.Equal(t, 3, entry.Params.Target)
		require.NotNil(t, entry.Result, entry.Error)
		require.Equal(t, StatusOK, entry.Result.Status)
		require.Equal(t, int64(200), entry.Result.TotalAssigned())
	}
}

func TestGetBatchDictsMissingFile(t *testing.T) {
	_, _, err := GetBatchDicts(map[string]string{"config": filepath.Join(t.TempDir(), "nope.yaml"), "network": ""})
	require.Error(t, err)
}

func TestBuildBatchUnknownExternalID(t *testing.T) {
	bc, err := ReadBatchCfg("", true, []byte(batchYAML))
	require.NoError(t, err)
	bc.Axes.SourceTarget = []ODPair{{Source: 100, Target: 999}}
	et, err := ReadEdgeTable("", true, []byte(edgesYAML))
	require.NoError(t, err)

	_, err = BuildBatch(bc, et)
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Contains(t, err.Error(), "999")
}

func TestBuildOracle(t *testing.T) {
	bc := CreateBatchCfg("oracles")
	oracle, err := BuildOracle(bc)
	require.NoError(t, err)
	require.IsType(t, &GraphOracle{}, oracle)

	bc.Oracle = OracleCfg{Kind: OracleProcess, Command: "/usr/local/bin/kspwlo"}
	oracle, err = BuildOracle(bc)
	require.NoError(t, err)
	require.IsType(t, &ProcessOracle{}, oracle)

	bc.Oracle = OracleCfg{Kind: OracleProcess}
	_, err = BuildOracle(bc)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCheckFilesAndDirectories(t *testing.T) {
	dir := t.TempDir()
	ok, err := CheckDirectories([]string{dir, ""})
	require.True(t, ok)
	require.NoError(t, err)

	ok, err = CheckDirectories([]string{filepath.Join(dir, "absent")})
	require.False(t, ok)
	require.Error(t, err)

	ok, err = CheckFiles([]string{filepath.Join(dir, "new.yaml")}, false)
	require.True(t, ok)
	require.NoError(t, err)

	ok, err = CheckFiles([]string{filepath.Join(dir, "new.yaml")}, true)
	require.False(t, ok)
	require.Error(t, err)
}

func TestReportErrs(t *testing.T) {
	require.NoError(t, ReportErrs(nil))
	require.NoError(t, ReportErrs([]error{nil, nil}))
	err := ReportErrs([]error{os.ErrNotExist, nil, os.ErrPermission})
	require.EqualError(t, err, "file does not exist,permission denied")
}
