package kspload

// selector.go draws the route choices of a drop from a Beta distribution
// stretched over the k candidate paths

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Choice is the number of vehicles that picked one candidate path in a drop
type Choice struct {
	PathIndex int   `json:"path" yaml:"path"`
	Count     int64 `json:"count" yaml:"count"`
}

// RouteSelector maps Beta(a,b) samples on [0,1) onto path indices [0,k).
// The distribution is anchored so that its mode sits on path index 'mode';
// 'shape' controls how strongly choices concentrate there, shape 0 being
// uniform.
type RouteSelector struct {
	k     int
	mode  int
	shape float64
	a, b  float64
	dist  distuv.Beta
}

// betaParams derives the Beta shape parameters for k paths, returning an
// error for combinations that do not give a proper distribution
func betaParams(k, mode int, shape float64) (float64, float64, error) {
	if k < 1 {
		return 0, 0, fmt.Errorf("k must be at least 1, got %d", k)
	}
	if shape < 0 || math.IsNaN(shape) || math.IsInf(shape, 0) {
		return 0, 0, fmt.Errorf("shape must be a finite non-negative number, got %g", shape)
	}
	if mode < 0 || mode > k {
		return 0, 0, fmt.Errorf("mode %d outside [0,%d]", mode, k)
	}

	minimum := 0.0
	maximum := float64(k)
	mean := (minimum + shape*float64(mode) + maximum) / (shape + 2)
	a := (shape + 2) * (mean - minimum) / (maximum - minimum)
	b := (shape + 2) * (maximum - mean) / (maximum - minimum)
	if !(a > 0 && b > 0) {
		return 0, 0, fmt.Errorf("beta parameters a=%g b=%g not positive", a, b)
	}
	return a, b, nil
}

// CreateRouteSelector is a constructor.  Equal seeds give equal sequences of
// choices.  Errors wrap ErrInvalidScenario.
func CreateRouteSelector(k, mode int, shape float64, seed uint64) (*RouteSelector, error) {
	a, b, err := betaParams(k, mode, shape)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	rs := new(RouteSelector)
	rs.k = k
	rs.mode = mode
	rs.shape = shape
	rs.a = a
	rs.b = b
	rs.dist = distuv.Beta{Alpha: a, Beta: b, Src: rand.NewSource(seed)}
	return rs, nil
}

// Params returns the derived Beta shape parameters
func (rs *RouteSelector) Params() (float64, float64) {
	return rs.a, rs.b
}

// pathIndex floors a [0,1] sample onto a path index
func (rs *RouteSelector) pathIndex(u float64) int {
	idx := int(math.Floor(u * float64(rs.k)))
	// a sample of exactly 1.0 would land one past the last path
	if idx >= rs.k {
		idx = rs.k - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// Choose draws n independent path indices
func (rs *RouteSelector) Choose(n int64) []int {
	if n <= 0 {
		return []int{}
	}
	choices := make([]int, n)
	for idx := range choices {
		choices[idx] = rs.pathIndex(rs.dist.Rand())
	}
	return choices
}

// Tally draws n choices and counts the vehicles per path index.  Only indices
// that were picked are reported, in increasing index order.
func (rs *RouteSelector) Tally(n int64) []Choice {
	counts := make([]int64, rs.k)
	for _, idx := range rs.Choose(n) {
		counts[idx] += 1
	}
	rtn := make([]Choice, 0, rs.k)
	for idx, cnt := range counts {
		if cnt > 0 {
			rtn = append(rtn, Choice{PathIndex: idx, Count: cnt})
		}
	}
	return rtn
}
