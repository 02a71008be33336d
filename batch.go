package kspload

// batch.go expands the parameter axes of a batch into scenarios and runs them
// through an Executor, each on its own copy of the initial network

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/iti/kspload/internal/logging"
	"github.com/iti/kspload/internal/observability"
)

// AxisOrder is the order in which axes are expanded; the last varies fastest
var AxisOrder = []string{"source_target", "total_travel", "drop_interval", "mode", "shape", "k", "theta", "algorithm"}

// lengths returns the number of values on each axis, in AxisOrder
func (ax ScenarioAxes) lengths() []int {
	return []int{
		len(ax.SourceTarget),
		len(ax.TotalTravel),
		len(ax.DropInterval),
		len(ax.Mode),
		len(ax.Shape),
		len(ax.K),
		len(ax.Theta),
		len(ax.Algorithm),
	}
}

// Count is the number of scenarios the axes expand to
func (ax ScenarioAxes) Count() int {
	count := 1
	for _, size := range ax.lengths() {
		count *= size
	}
	return count
}

// ExpandScenarios returns the Cartesian product of the axes in AxisOrder, the
// last axis varying fastest.  An empty axis gives an empty product.
func ExpandScenarios(ax ScenarioAxes) []ScenarioParams {
	sizes := ax.lengths()
	count := ax.Count()
	rtn := make([]ScenarioParams, 0, count)

	digits := make([]int, len(sizes))
	for idx := 0; idx < count; idx++ {
		// mixed-radix decomposition of idx
		rem := idx
		for pos := len(sizes) - 1; pos >= 0; pos-- {
			digits[pos] = rem % sizes[pos]
			rem /= sizes[pos]
		}
		od := ax.SourceTarget[digits[0]]
		rtn = append(rtn, ScenarioParams{
			Source:       od.Source,
			Target:       od.Target,
			TotalTravel:  ax.TotalTravel[digits[1]],
			DropInterval: ax.DropInterval[digits[2]],
			Mode:         ax.Mode[digits[3]],
			Shape:        ax.Shape[digits[4]],
			K:            ax.K[digits[5]],
			Theta:        ax.Theta[digits[6]],
			Algorithm:    ax.Algorithm[digits[7]],
		})
	}
	return rtn
}

// FaultKind classifies a scenario that ended without a result
type FaultKind string

const (
	FaultNone     FaultKind = ""
	FaultInvalid  FaultKind = "invalid"
	FaultOracle   FaultKind = "oracle"
	FaultCanceled FaultKind = "canceled"
	FaultPanic    FaultKind = "panic"
)

// classifyFault maps a scenario error onto its kind
func classifyFault(err error) FaultKind {
	var pe *PanicError
	switch {
	case err == nil:
		return FaultNone
	case errors.As(err, &pe):
		return FaultPanic
	case errors.Is(err, ErrInvalidScenario):
		return FaultInvalid
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FaultCanceled
	}
	return FaultOracle
}

// ScenarioEntry pairs the parameters of a scenario with its result, or with
// the fault that kept it from having one
type ScenarioEntry struct {
	Index  int             `json:"index" yaml:"index"`
	Params ScenarioParams  `json:"params" yaml:"params"`
	Result *ScenarioResult `json:"result,omitempty" yaml:"result,omitempty"`
	Error  string          `json:"error,omitempty" yaml:"error,omitempty"`
	Fault  FaultKind       `json:"fault,omitempty" yaml:"fault,omitempty"`

	err error
}

// Err returns the fault of the scenario, nil if it has a result
func (se *ScenarioEntry) Err() error {
	return se.err
}

// Outcome is the status of the result, or the fault kind
func (se *ScenarioEntry) Outcome() string {
	if se.Result != nil {
		return string(se.Result.Status)
	}
	return string(se.Fault)
}

func (se *ScenarioEntry) setFault(err error) {
	se.err = err
	se.Error = err.Error()
	se.Fault = classifyFault(err)
}

// BatchResult holds one entry per scenario in expansion order
type BatchResult struct {
	Name    string          `json:"name" yaml:"name"`
	Axes    []string        `json:"axes" yaml:"axes"`
	Entries []ScenarioEntry `json:"entries" yaml:"entries"`
	Summary map[string]int  `json:"summary" yaml:"summary"`
}

// BatchTraceKey names the trace records of the scenario at position idx of a
// batch, so that repeated parameter sets keep separate traces
func BatchTraceKey(idx int, params ScenarioParams) string {
	return strconv.Itoa(idx) + ":" + params.ID()
}

// Lookup returns the entry of the scenario with the given parameters
func (br *BatchResult) Lookup(params ScenarioParams) (*ScenarioEntry, bool) {
	for idx := range br.Entries {
		if br.Entries[idx].Params == params {
			return &br.Entries[idx], true
		}
	}
	return nil, false
}

// summarize counts the entries by outcome
func (br *BatchResult) summarize() {
	br.Summary = make(map[string]int)
	for idx := range br.Entries {
		br.Summary[br.Entries[idx].Outcome()] += 1
	}
}

// WriteToFile stores the BatchResult to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (br *BatchResult) WriteToFile(filename string) error {
	return writeDesc(filename, *br)
}

// BatchOptions carries the collaborators shared by every scenario of a batch
type BatchOptions struct {
	Name            string
	Seed            uint64
	RecordDropEdges bool
	Executor        Executor
	Logger          logging.Logger
	Metrics         *observability.SimCollector
	Tracer          trace.Tracer
	TraceMgr        *TraceManager
}

// RunBatch runs every scenario on a private clone of net and collects the
// entries in the order of scenarios.  Invalid parameters are reported without
// running; a fault in one scenario never stops the others.  The seed of the
// scenario at position i is opts.Seed + i.
func RunBatch(ctx context.Context, scenarios []ScenarioParams, net *NetworkState, oracle PathOracle, opts BatchOptions) *BatchResult {
	log := logging.OrNoop(opts.Logger)
	executor := opts.Executor
	if executor == nil {
		executor = CreatePoolExecutor(0)
	}

	br := &BatchResult{
		Name:    opts.Name,
		Axes:    AxisOrder,
		Entries: make([]ScenarioEntry, len(scenarios)),
	}

	tasks := make([]Task, 0, len(scenarios))
	for idx, params := range scenarios {
		entry := &br.Entries[idx]
		entry.Index = idx
		entry.Params = params

		if err := params.Validate(net.NodeCount()); err != nil {
			entry.setFault(err)
			log.Warn(ctx, "scenario rejected", logging.String("scenario", params.ID()), logging.Err(err))
			continue
		}

		scnOpts := ScenarioOptions{
			Seed:            opts.Seed + uint64(idx),
			RecordDropEdges: opts.RecordDropEdges,
			Logger:          log,
			Metrics:         opts.Metrics,
			Tracer:          opts.Tracer,
			TraceMgr:        opts.TraceMgr,
			TraceKey:        BatchTraceKey(idx, params),
		}
		tasks = append(tasks, func(ctx context.Context) {
			var res *ScenarioResult
			err := guard(func() error {
				var rerr error
				res, rerr = RunScenario(ctx, params, net.Clone(), oracle, scnOpts)
				return rerr
			})
			if err != nil {
				entry.setFault(err)
				return
			}
			entry.Result = res
		})
	}

	start := time.Now()
	executor.Execute(ctx, tasks)
	br.summarize()

	fields := []logging.Field{logging.Int("scenarios", len(scenarios)), logging.Any("summary", br.Summary),
		logging.Float("seconds", time.Since(start).Seconds())}
	log.Info(ctx, "batch finished", fields...)
	return br
}

// RunBatchCfg builds the network and oracle a configuration describes and
// runs the full expansion of its axes
func RunBatchCfg(ctx context.Context, bc *BatchCfg, et *EdgeTable, opts BatchOptions) (*BatchResult, error) {
	net, err := BuildBatch(bc, et)
	if err != nil {
		return nil, err
	}
	oracle, err := BuildOracle(bc)
	if err != nil {
		return nil, err
	}
	if opts.Executor == nil {
		opts.Executor = CreatePoolExecutor(bc.Workers)
	}
	if opts.Name == "" {
		opts.Name = bc.Name
	}
	if opts.Seed == 0 {
		opts.Seed = bc.Seed
	}
	opts.RecordDropEdges = opts.RecordDropEdges || bc.RecordDropEdges

	log := logging.OrNoop(opts.Logger)
	for _, pair := range UnreachablePairs(net, bc.Axes.SourceTarget) {
		log.Warn(ctx, "destination not reachable from origin",
			logging.Int("source", pair.Source), logging.Int("target", pair.Target))
	}

	return RunBatch(ctx, ExpandScenarios(bc.Axes), net, oracle, opts), nil
}
