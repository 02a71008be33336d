package kspload

// oracle.go is the boundary to the k-shortest-paths-with-limited-overlap
// routine.  The network is handed over in the .gr text form the kspwlo
// reference binary reads:
//
//	<nodes> <edges> 0
//	<source> <target> <weight>
//	...
//
// and paths come back one per line, cumulative weight first, then node ids.

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/iti/rngstream"
	"golang.org/x/exp/slices"
)

// Path is one route returned by an oracle, with the cumulative weight the
// oracle reported for it
type Path struct {
	Weight int64 `json:"weight" yaml:"weight"`
	Nodes  []int `json:"nodes" yaml:"nodes"`
}

// OracleQuery carries the scenario parameters an oracle call needs
type OracleQuery struct {
	K         int
	Theta     float64
	Source    int
	Target    int
	Algorithm string
}

// PathOracle returns up to q.K paths from q.Source to q.Target, best first,
// computed on the current travel times of net.  Returning fewer than K paths
// is not an error.  Implementations must not modify net.
type PathOracle interface {
	KShortestPaths(ctx context.Context, net *NetworkState, q OracleQuery) ([]Path, error)
}

// OracleFunc lets an ordinary function serve as a PathOracle
type OracleFunc func(ctx context.Context, net *NetworkState, q OracleQuery) ([]Path, error)

func (f OracleFunc) KShortestPaths(ctx context.Context, net *NetworkState, q OracleQuery) ([]Path, error) {
	return f(ctx, net, q)
}

// EncodeNetwork writes the .gr representation of the current travel times
func EncodeNetwork(w io.Writer, net *NetworkState) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%d %d %d\n", net.NodeCount(), net.EdgeCount(), 0); err != nil {
		return err
	}
	for _, edge := range net.edges {
		if _, err := fmt.Fprintf(bw, "%d %d %d\n", edge.Source, edge.Target, edge.Time); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// DecodePaths parses oracle output, one path per non-empty line.  The
// decoration "Length: W | n1 n2 ..." printed by the reference binary is
// accepted as well as the bare "W n1 n2 ..." form.  Numbers may be printed
// as floating point as long as they are integral.
func DecodePaths(r io.Reader) ([]Path, error) {
	paths := make([]Path, 0)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo += 1
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, "Length:")
		line = strings.ReplaceAll(line, "|", " ")
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: expected weight and at least one node, got %q", lineNo, scanner.Text())
		}

		weight, err := parseIntegral(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: weight: %w", lineNo, err)
		}
		nodes := make([]int, 0, len(fields)-1)
		for _, fld := range fields[1:] {
			n, err := parseIntegral(fld)
			if err != nil {
				return nil, fmt.Errorf("line %d: node: %w", lineNo, err)
			}
			nodes = append(nodes, int(n))
		}
		paths = append(paths, Path{Weight: weight, Nodes: nodes})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return paths, nil
}

// parseIntegral accepts "12", "12.0" and "1.2e+06"
func parseIntegral(s string) (int64, error) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f != float64(int64(f)) {
		return 0, fmt.Errorf("%q is not integral", s)
	}
	return int64(f), nil
}

// rngMu serializes stream creation, rngstream advances package state in New
var rngMu sync.Mutex

// ProcessOracle runs an external kspwlo executable once per query.  The
// network is passed through a uniquely named file in Workspace which is
// removed before the call returns.  The executable is invoked as
//
//	<Command> <Args...> <graphfile> <k> <theta> <source> <target> <algorithm>
//
// and must print the paths on stdout.
type ProcessOracle struct {
	Command   string
	Args      []string
	Workspace string

	mu      sync.Mutex
	rngstrm *rngstream.RngStream
}

// CreateProcessOracle is a constructor.  name labels the random stream used
// to pick artifact names.
func CreateProcessOracle(name, command, workspace string, args ...string) *ProcessOracle {
	po := new(ProcessOracle)
	po.Command = command
	po.Args = args
	po.Workspace = workspace
	rngMu.Lock()
	po.rngstrm = rngstream.New(name)
	rngMu.Unlock()
	return po
}

// artifactName draws a candidate file name in [1, 1e6]
func (po *ProcessOracle) artifactName() string {
	po.mu.Lock()
	n := int(po.rngstrm.RandU01()*1e6) + 1
	po.mu.Unlock()
	return filepath.Join(po.Workspace, "temp_ksp_edgelist_p"+strconv.Itoa(n)+".gr")
}

// createArtifact picks a name nobody is using and creates the file exclusively
func (po *ProcessOracle) createArtifact() (*os.File, error) {
	for attempt := 0; attempt < 1000; attempt++ {
		name := po.artifactName()
		if _, err := os.Stat(name); err == nil {
			continue
		}
		f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	return nil, fmt.Errorf("no free artifact name in %s", po.Workspace)
}

// writeArtifact encodes net into a fresh file and returns its name
func (po *ProcessOracle) writeArtifact(net *NetworkState) (string, error) {
	f, err := po.createArtifact()
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := EncodeNetwork(f, net); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

func (po *ProcessOracle) KShortestPaths(ctx context.Context, net *NetworkState, q OracleQuery) ([]Path, error) {
	if po.rngstrm == nil {
		return nil, fmt.Errorf("%w: process oracle not created with CreateProcessOracle", ErrOracleInvocation)
	}
	graphFile, err := po.writeArtifact(net)
	if err != nil {
		return nil, fmt.Errorf("%w: write network: %v", ErrOracleInvocation, err)
	}
	defer os.Remove(graphFile)

	args := append(slices.Clone(po.Args),
		graphFile,
		strconv.Itoa(q.K),
		strconv.FormatFloat(q.Theta, 'g', -1, 64),
		strconv.Itoa(q.Source),
		strconv.Itoa(q.Target),
		q.Algorithm,
	)
	cmd := exec.CommandContext(ctx, po.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v: %s", ErrOracleInvocation, po.Command, err, strings.TrimSpace(stderr.String()))
	}

	paths, err := DecodePaths(&stdout)
	if err != nil {
		return nil, fmt.Errorf("%w: decode output: %v", ErrOracleInvocation, err)
	}
	if len(paths) > q.K {
		paths = paths[:q.K]
	}
	return paths, nil
}
