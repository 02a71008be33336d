package kspload

// scenario.go holds the drop loop.  A scenario owns a private copy of the
// network and advances it one drop at a time: ask the oracle for k paths on
// the current travel times, check them, spread the drop's travelers over them
// with the route selector, load their edges and reprice the network.

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/exp/slices"

	"github.com/iti/kspload/internal/logging"
	"github.com/iti/kspload/internal/observability"
)

// ScenarioStatus is the terminal state of a scenario that ran to completion
type ScenarioStatus string

const (
	StatusOK           ScenarioStatus = "OK"
	StatusOverflow     ScenarioStatus = "OVERFLOW"
	StatusLackingPaths ScenarioStatus = "LACKING_PATHS"
)

// weightTolerance is the relative disagreement between a reported and a
// recomputed path weight above which the oracle output is rejected
const weightTolerance = 0.01

// ScenarioParams is one point of the batch's parameter space
type ScenarioParams struct {
	Source       int     `json:"source" yaml:"source"`
	Target       int     `json:"target" yaml:"target"`
	TotalTravel  int64   `json:"total_travel" yaml:"total_travel"`
	DropInterval int64   `json:"drop_interval" yaml:"drop_interval"`
	Mode         int     `json:"mode" yaml:"mode"`
	Shape        float64 `json:"shape" yaml:"shape"`
	K            int     `json:"k" yaml:"k"`

	// Theta is the overlap bound in [0,1], the range the kspwlo binary
	// itself accepts; 0 asks for paths that share no weight.
	Theta     float64 `json:"theta" yaml:"theta"`
	Algorithm string  `json:"algorithm" yaml:"algorithm"`
}

// ID is a readable key built from every parameter, in axis order
func (sp ScenarioParams) ID() string {
	return strings.Join([]string{
		strconv.Itoa(sp.Source) + "-" + strconv.Itoa(sp.Target),
		strconv.FormatInt(sp.TotalTravel, 10),
		strconv.FormatInt(sp.DropInterval, 10),
		strconv.Itoa(sp.Mode),
		strconv.FormatFloat(sp.Shape, 'g', -1, 64),
		strconv.Itoa(sp.K),
		strconv.FormatFloat(sp.Theta, 'g', -1, 64),
		sp.Algorithm,
	}, "/")
}

// Query returns the oracle query the scenario issues every drop
func (sp ScenarioParams) Query() OracleQuery {
	return OracleQuery{K: sp.K, Theta: sp.Theta, Source: sp.Source, Target: sp.Target, Algorithm: sp.Algorithm}
}

// Validate rejects parameters that cannot be simulated on a network with
// nodeCount nodes.  Errors wrap ErrInvalidScenario.
func (sp ScenarioParams) Validate(nodeCount int) error {
	errs := make([]error, 0)
	if _, _, err := betaParams(sp.K, sp.Mode, sp.Shape); err != nil {
		errs = append(errs, err)
	}
	if sp.Source == sp.Target {
		errs = append(errs, fmt.Errorf("source and target are both %d", sp.Source))
	}
	if sp.Source < 0 || sp.Source >= nodeCount {
		errs = append(errs, fmt.Errorf("source %d outside [0,%d)", sp.Source, nodeCount))
	}
	if sp.Target < 0 || sp.Target >= nodeCount {
		errs = append(errs, fmt.Errorf("target %d outside [0,%d)", sp.Target, nodeCount))
	}
	if sp.TotalTravel < 0 {
		errs = append(errs, fmt.Errorf("negative total travel %d", sp.TotalTravel))
	}
	if sp.DropInterval < 1 {
		errs = append(errs, fmt.Errorf("drop interval %d must be at least 1", sp.DropInterval))
	}
	if !(sp.Theta >= 0 && sp.Theta <= 1) {
		errs = append(errs, fmt.Errorf("theta %g outside [0,1]", sp.Theta))
	}
	if len(sp.Algorithm) == 0 {
		errs = append(errs, errors.New("no oracle algorithm named"))
	}
	if err := ReportErrs(errs); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	return nil
}

// lastDropIndex is the index the final drop gets when the demand is fully assigned
func (sp ScenarioParams) lastDropIndex() int {
	if sp.TotalTravel <= 0 || sp.DropInterval <= 0 {
		return -1
	}
	return int((sp.TotalTravel - 1) / sp.DropInterval)
}

// DropRecord is the outcome of one drop.  Touched is the cumulative set of
// loaded edges after the drop, Edges their state when record_drop_edges is set.
type DropRecord struct {
	Index         int          `json:"index" yaml:"index"`
	TotalAssigned int64        `json:"total_assigned" yaml:"total_assigned"`
	DropSize      int64        `json:"drop_size" yaml:"drop_size"`
	Choices       []Choice     `json:"choices" yaml:"choices"`
	Paths         []Path       `json:"paths" yaml:"paths"`
	Touched       []EdgeKey    `json:"touched" yaml:"touched"`
	Edges         []EdgeRecord `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// ScenarioResult is the terminal state of a scenario.  Edges is the final
// state of the touched edges, sorted by key.
type ScenarioResult struct {
	Status        ScenarioStatus `json:"status" yaml:"status"`
	Detail        string         `json:"detail" yaml:"detail"`
	Drops         []DropRecord   `json:"drops" yaml:"drops"`
	LastDropIndex int            `json:"last_drop_index" yaml:"last_drop_index"`
	Edges         []EdgeRecord   `json:"edges" yaml:"edges"`
	Touched       []EdgeKey      `json:"touched" yaml:"touched"`
}

// TotalAssigned sums the drop sizes
func (sr *ScenarioResult) TotalAssigned() int64 {
	var sum int64
	for _, drop := range sr.Drops {
		sum += drop.DropSize
	}
	return sum
}

// ScenarioOptions carries the collaborators of a scenario.  The zero value
// runs silently with seed 0.
type ScenarioOptions struct {
	Seed            uint64
	RecordDropEdges bool
	Logger          logging.Logger
	Metrics         *observability.SimCollector
	Tracer          trace.Tracer
	TraceMgr        *TraceManager

	// TraceKey names the scenario's records in TraceMgr; empty means the scenario id
	TraceKey string
}

func (opts ScenarioOptions) traceKey(params ScenarioParams) string {
	if opts.TraceKey != "" {
		return opts.TraceKey
	}
	return params.ID()
}

func (opts ScenarioOptions) tracer() trace.Tracer {
	if opts.Tracer != nil {
		return opts.Tracer
	}
	return noop.NewTracerProvider().Tracer(observability.TracerName)
}

// scenarioState is the running state of one scenario
type scenarioState struct {
	params      ScenarioParams
	net         *NetworkState
	oracle      PathOracle
	sel         *RouteSelector
	opts        ScenarioOptions
	log         logging.Logger
	tracer      trace.Tracer
	travelsLeft int64
	assigned    int64
	drop        int
	touched     map[EdgeKey]bool
	result      *ScenarioResult
}

// RunScenario drives one scenario to a terminal status on net, which it
// mutates and so must be private to the call.  A returned error is a fault
// (invalid parameters, an oracle that failed, cancellation) and comes with no
// result; OVERFLOW and LACKING_PATHS are results, not errors.
func RunScenario(ctx context.Context, params ScenarioParams, net *NetworkState, oracle PathOracle, opts ScenarioOptions) (*ScenarioResult, error) {
	if err := params.Validate(net.NodeCount()); err != nil {
		return nil, err
	}
	if oracle == nil {
		return nil, fmt.Errorf("%w: no oracle", ErrOracleInvocation)
	}
	sel, err := CreateRouteSelector(params.K, params.Mode, params.Shape, opts.Seed)
	if err != nil {
		return nil, err
	}

	ss := &scenarioState{
		params:      params,
		net:         net,
		oracle:      oracle,
		sel:         sel,
		opts:        opts,
		log:         logging.OrNoop(opts.Logger).With(logging.String("scenario", params.ID())),
		tracer:      opts.tracer(),
		travelsLeft: params.TotalTravel,
		touched:     make(map[EdgeKey]bool),
		result: &ScenarioResult{
			Status:        StatusOK,
			Drops:         make([]DropRecord, 0),
			LastDropIndex: params.lastDropIndex(),
		},
	}

	ctx, span := ss.tracer.Start(ctx, "kspload.scenario", trace.WithAttributes(
		attribute.String("scenario.id", params.ID()),
		attribute.Int("scenario.k", params.K),
		attribute.Int64("scenario.total_travel", params.TotalTravel),
	))
	defer span.End()

	start := time.Now()
	opts.Metrics.ScenarioStarted()
	defer func() {
		if r := recover(); r != nil {
			opts.Metrics.ScenarioFinished("FAULT", time.Since(start))
			panic(r)
		}
	}()

	res, err := ss.run(ctx)
	if err != nil {
		opts.Metrics.ScenarioFinished("FAULT", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ss.log.Warn(ctx, "scenario fault", logging.Int("drop", ss.drop), logging.Err(err))
		return nil, err
	}

	opts.Metrics.ScenarioFinished(string(res.Status), time.Since(start))
	span.SetAttributes(attribute.String("scenario.status", string(res.Status)), attribute.Int("scenario.drops", len(res.Drops)))
	AddScenarioTrace(opts.TraceMgr, opts.traceKey(params), res)
	ss.log.Info(ctx, "scenario finished",
		logging.String("status", string(res.Status)),
		logging.Int("drops", len(res.Drops)),
		logging.Int64("assigned", ss.assigned),
		logging.Int("touched", len(res.Touched)))
	return res, nil
}

// run advances drop by drop until the demand is assigned or the scenario fails
func (ss *scenarioState) run(ctx context.Context) (*ScenarioResult, error) {
	for ss.travelsLeft > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		paths, err := ss.queryOracle(ctx)
		if err != nil {
			return nil, err
		}

		consistent, err := ss.validate(ctx, paths)
		if err != nil {
			return nil, err
		}
		if !consistent {
			return ss.finish(StatusOverflow,
				fmt.Sprintf("an overflow error occurred for the weights in drop %d", ss.drop)), nil
		}
		if len(paths) < ss.params.K {
			return ss.finish(StatusLackingPaths,
				fmt.Sprintf("found only %d paths instead of k (%d) in drop %d", len(paths), ss.params.K, ss.drop)), nil
		}

		if err := ss.applyDrop(ctx, paths); err != nil {
			return nil, err
		}
	}
	return ss.finish(StatusOK, ""), nil
}

// queryOracle asks for the paths of the current drop, timing the call
func (ss *scenarioState) queryOracle(ctx context.Context) ([]Path, error) {
	ctx, span := ss.tracer.Start(ctx, "kspload.oracle", trace.WithAttributes(attribute.Int("drop", ss.drop)))
	defer span.End()

	start := time.Now()
	paths, err := ss.oracle.KShortestPaths(ctx, ss.net, ss.params.Query())
	ss.opts.Metrics.ObserveOracleCall(time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrOracleInvocation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: drop %d: %v", ErrOracleInvocation, ss.drop, err)
	}
	span.SetAttributes(attribute.Int("paths", len(paths)))
	return paths, nil
}

// validate recomputes the weight of every path from the travel times the
// oracle was given and reports whether each agrees with the reported weight.
// A path that does not connect source to target over existing edges is a fault.
func (ss *scenarioState) validate(ctx context.Context, paths []Path) (bool, error) {
	for idx, p := range paths {
		if len(p.Nodes) < 2 || p.Nodes[0] != ss.params.Source || p.Nodes[len(p.Nodes)-1] != ss.params.Target {
			return false, fmt.Errorf("%w: drop %d: path %d does not run from %d to %d",
				ErrOracleInvocation, ss.drop, idx, ss.params.Source, ss.params.Target)
		}
		recomputed, err := ss.net.PathWeight(p.Nodes)
		if err != nil {
			return false, fmt.Errorf("%w: drop %d: path %d: %w", ErrOracleInvocation, ss.drop, idx, err)
		}
		diff := math.Abs(float64(p.Weight) - float64(recomputed))
		if diff > weightTolerance*float64(recomputed) {
			ss.log.Debug(ctx, "path weight mismatch",
				logging.Int("drop", ss.drop), logging.Int("path", idx),
				logging.Int64("reported", p.Weight), logging.Int64("recomputed", recomputed))
			return false, nil
		}
	}
	return true, nil
}

// applyDrop draws the choices of the drop, loads the chosen paths path by
// path in index order, and appends the drop record
func (ss *scenarioState) applyDrop(ctx context.Context, paths []Path) error {
	dropSize := min(ss.params.DropInterval, ss.travelsLeft)
	choices := ss.sel.Tally(dropSize)

	for _, choice := range choices {
		keys, err := ss.net.PathEdges(paths[choice.PathIndex].Nodes)
		if err != nil {
			return fmt.Errorf("%w: drop %d: %w", ErrOracleInvocation, ss.drop, err)
		}
		for _, key := range keys {
			if err := ss.net.addVolume(key, choice.Count); err != nil {
				return err
			}
			ss.touched[key] = true
		}
		ss.net.reprice()
	}

	ss.travelsLeft -= dropSize
	ss.assigned += dropSize

	touched := ss.touchedKeys()
	rec := DropRecord{
		Index:         ss.drop,
		TotalAssigned: ss.assigned,
		DropSize:      dropSize,
		Choices:       choices,
		Paths:         paths,
		Touched:       touched,
	}
	if ss.opts.RecordDropEdges {
		rec.Edges = ss.net.Snapshot(touched)
	}
	ss.result.Drops = append(ss.result.Drops, rec)

	AddDropTrace(ss.opts.TraceMgr, ss.opts.traceKey(ss.params), &rec)
	ss.opts.Metrics.IncDrops()
	ss.log.Debug(ctx, "drop applied",
		logging.Int("drop", ss.drop),
		logging.Int64("size", dropSize),
		logging.Int64("left", ss.travelsLeft),
		logging.Int("choices", len(choices)))

	ss.drop += 1
	return nil
}

// touchedKeys returns the touched-edge set sorted by key
func (ss *scenarioState) touchedKeys() []EdgeKey {
	keys := make([]EdgeKey, 0, len(ss.touched))
	for key := range ss.touched {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, compareEdgeKeys)
	return keys
}

// finish freezes the result with the given status
func (ss *scenarioState) finish(status ScenarioStatus, detail string) *ScenarioResult {
	ss.result.Status = status
	ss.result.Detail = detail
	ss.result.Touched = ss.touchedKeys()
	ss.result.Edges = ss.net.Snapshot(ss.result.Touched)
	return ss.result
}
