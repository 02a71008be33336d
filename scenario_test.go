package kspload

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/iti/kspload/internal/logging"
	"github.com/iti/kspload/internal/observability"
)

// ctxLogger keeps the context each message was logged with
type ctxLogger struct {
	mu   sync.Mutex
	ctxs map[string]context.Context
}

func (cl *ctxLogger) keep(ctx context.Context, msg string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.ctxs[msg] = ctx
}

func (cl *ctxLogger) Debug(ctx context.Context, msg string, _ ...logging.Field) { cl.keep(ctx, msg) }
func (cl *ctxLogger) Info(ctx context.Context, msg string, _ ...logging.Field)  { cl.keep(ctx, msg) }
func (cl *ctxLogger) Warn(ctx context.Context, msg string, _ ...logging.Field)  { cl.keep(ctx, msg) }
func (cl *ctxLogger) Error(ctx context.Context, msg string, _ ...logging.Field) { cl.keep(ctx, msg) }
func (cl *ctxLogger) With(...logging.Field) logging.Logger                      { return cl }

func TestScenarioSplitsSingleDropOverEqualPaths(t *testing.T) {
	net := mustNetwork(t, diamondTable())
	res, err := RunScenario(context.Background(), diamondParams(), net,
		fixedRoutes(1, []int{0, 1, 3}, []int{0, 2, 3}), ScenarioOptions{Seed: 5})
	require.NoError(t, err)
	require.Equal(t, StatusOK, res.Status)
	require.Len(t, res.Drops, 1)
	require.Equal(t, 0, res.LastDropIndex)

	drop := res.Drops[0]
	require.Equal(t, int64(100), drop.DropSize)
	require.Equal(t, int64(100), drop.TotalAssigned)
	require.Len(t, drop.Choices, 2)
	require.Greater(t, drop.Choices[0].Count, int64(0))
	require.Greater(t, drop.Choices[1].Count, int64(0))
	require.Equal(t, int64(100), drop.Choices[0].Count+drop.Choices[1].Count)

	require.Equal(t, []EdgeKey{{0, 1}, {0, 2}, {1, 3}, {2, 3}}, res.Touched)
	require.Len(t, res.Edges, 4)
	var onFirstHop int64
	for _, edge := range res.Edges {
		require.Greater(t, edge.Volume, int64(0))
		require.Equal(t, DefaultCostModel().TravelTime(edge.FreeFlow, edge.Volume, edge.Capacity), edge.Time)
		if edge.Source == 0 {
			onFirstHop += edge.Volume
		}
	}
	require.Equal(t, int64(100), onFirstHop)
}

func TestScenarioOverflowOnInconsistentWeights(t *testing.T) {
	net := mustNetwork(t, diamondTable())
	res, err := RunScenario(context.Background(), diamondParams(), net,
		fixedRoutes(2, []int{0, 1, 3}, []int{0, 2, 3}), ScenarioOptions{})
	require.NoError(t, err)
	require.Equal(t, StatusOverflow, res.Status)
	require.Equal(t, "an overflow error occurred for the weights in drop 0", res.Detail)
	require.Empty(t, res.Drops)
	require.Empty(t, res.Touched)
}

func TestScenarioToleratesSmallWeightDrift(t *testing.T) {
	et := CreateEdgeTable("long", 2)
	et.AddEdge(0, 1, 2000, 100, 0)
	net := mustNetwork(t, et)
	// 2015 reported for 2000 is within 1%
	oracle := OracleFunc(func(ctx context.Context, net *NetworkState, q OracleQuery) ([]Path, error) {
		return []Path{{Weight: 2015, Nodes: []int{0, 1}}}, nil
	})
	params := ScenarioParams{Source: 0, Target: 1, TotalTravel: 10, DropInterval: 10, K: 1, Theta: 0.5, Algorithm: "op"}
	res, err := RunScenario(context.Background(), params, net, oracle, ScenarioOptions{})
	require.NoError(t, err)
	require.Equal(t, StatusOK, res.Status)
	require.Len(t, res.Drops, 1)
}

func TestScenarioWeightMismatchLogsInScenarioSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	logger := &ctxLogger{ctxs: make(map[string]context.Context)}

	type marker struct{}
	ctx := context.WithValue(context.Background(), marker{}, "caller")
	net := mustNetwork(t, diamondTable())
	res, err := RunScenario(ctx, diamondParams(), net,
		fixedRoutes(2, []int{0, 1, 3}, []int{0, 2, 3}),
		ScenarioOptions{Logger: logger, Tracer: tp.Tracer("kspload-test")})
	require.NoError(t, err)
	require.Equal(t, StatusOverflow, res.Status)

	logged, ok := logger.ctxs["path weight mismatch"]
	require.True(t, ok)
	require.Equal(t, "caller", logged.Value(marker{}))
	require.True(t, trace.SpanContextFromContext(logged).IsValid())
}

func TestScenarioLackingPaths(t *testing.T) {
	net := mustNetwork(t, diamondTable())
	params := diamondParams()
	params.K = 3
	params.Shape = 1
	res, err := RunScenario(context.Background(), params, net,
		fixedRoutes(1, []int{0, 1, 3}), ScenarioOptions{})
	require.NoError(t, err)
	require.Equal(t, StatusLackingPaths, res.Status)
	require.Equal(t, "found only 1 paths instead of k (3) in drop 0", res.Detail)
	require.Empty(t, res.Drops)
}

func TestScenarioValidationBeforePathCount(t *testing.T) {
	net := mustNetwork(t, diamondTable())
	params := diamondParams()
	params.K = 3
	res, err := RunScenario(context.Background(), params, net,
		fixedRoutes(3, []int{0, 1, 3}), ScenarioOptions{})
	require.NoError(t, err)
	require.Equal(t, StatusOverflow, res.Status)
}

func TestScenarioConservesDemand(t *testing.T) {
	net := mustNetwork(t, diamondTable())
	params := diamondParams()
	params.TotalTravel = 1000
	params.DropInterval = 75
	params.Shape = 2
	res, err := RunScenario(context.Background(), params, net, &GraphOracle{}, ScenarioOptions{Seed: 9, RecordDropEdges: true})
	require.NoError(t, err)
	require.Equal(t, StatusOK, res.Status)
	require.Len(t, res.Drops, 14)
	require.Equal(t, 13, res.LastDropIndex)
	require.Equal(t, int64(1000), res.TotalAssigned())

	var running int64
	for idx, drop := range res.Drops {
		require.Equal(t, idx, drop.Index)
		running += drop.DropSize
		require.Equal(t, running, drop.TotalAssigned)
		require.NotEmpty(t, drop.Edges)
		var chosen int64
		for _, ch := range drop.Choices {
			chosen += ch.Count
		}
		require.Equal(t, drop.DropSize, chosen)
	}
	require.Equal(t, int64(25), res.Drops[13].DropSize)
}

func TestScenarioZeroDemand(t *testing.T) {
	net := mustNetwork(t, diamondTable())
	params := diamondParams()
	params.TotalTravel = 0
	calls := 0
	oracle := OracleFunc(func(ctx context.Context, net *NetworkState, q OracleQuery) ([]Path, error) {
		calls++
		return nil, nil
	})
	res, err := RunScenario(context.Background(), params, net, oracle, ScenarioOptions{})
	require.NoError(t, err)
	require.Equal(t, StatusOK, res.Status)
	require.Empty(t, res.Drops)
	require.Equal(t, -1, res.LastDropIndex)
	require.Zero(t, calls)
}

func TestScenarioInvalidParams(t *testing.T) {
	net := mustNetwork(t, diamondTable())
	params := diamondParams()
	params.Shape = -1
	params.Target = 0
	_, err := RunScenario(context.Background(), params, net, fixedRoutes(1), ScenarioOptions{})
	require.ErrorIs(t, err, ErrInvalidScenario)
	require.Contains(t, err.Error(), "shape")
	require.Contains(t, err.Error(), "source and target")
}

func TestScenarioOracleFault(t *testing.T) {
	net := mustNetwork(t, diamondTable())
	oracle := OracleFunc(func(ctx context.Context, net *NetworkState, q OracleQuery) ([]Path, error) {
		return nil, errors.New("socket closed")
	})
	_, err := RunScenario(context.Background(), diamondParams(), net, oracle, ScenarioOptions{})
	require.ErrorIs(t, err, ErrOracleInvocation)
	require.Contains(t, err.Error(), "socket closed")
}

func TestScenarioPathOverMissingEdgeIsFault(t *testing.T) {
	net := mustNetwork(t, diamondTable())
	oracle := OracleFunc(func(ctx context.Context, net *NetworkState, q OracleQuery) ([]Path, error) {
		return []Path{{Weight: 20, Nodes: []int{0, 1, 3}}, {Weight: 5, Nodes: []int{0, 3}}}, nil
	})
	_, err := RunScenario(context.Background(), diamondParams(), net, oracle, ScenarioOptions{})
	require.ErrorIs(t, err, ErrOracleInvocation)
	require.ErrorIs(t, err, ErrUnknownEdge)
}

func TestScenarioCanceled(t *testing.T) {
	net := mustNetwork(t, diamondTable())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RunScenario(ctx, diamondParams(), net, fixedRoutes(1, []int{0, 1, 3}, []int{0, 2, 3}), ScenarioOptions{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestScenarioReportsMetricsAndTrace(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := observability.NewSimCollector(reg)
	require.NoError(t, err)
	tm := CreateTraceManager("metrics", true)

	params := diamondParams()
	params.DropInterval = 30
	net := mustNetwork(t, diamondTable())
	res, err := RunScenario(context.Background(), params, net,
		fixedRoutes(1, []int{0, 1, 3}, []int{0, 2, 3}),
		ScenarioOptions{Seed: 1, Metrics: collector, TraceMgr: tm})
	require.NoError(t, err)
	require.Len(t, res.Drops, 4)

	require.Equal(t, 4.0, testutil.ToFloat64(collector.DropsTotal))
	require.Equal(t, 1.0, testutil.ToFloat64(collector.ScenariosTotal.WithLabelValues("OK")))
	require.Equal(t, 0.0, testutil.ToFloat64(collector.ScenariosInFlight))
	require.Equal(t, 5, tm.Len(params.ID()))
}
