package kspload

import "math"

// CostModel is the BPR volume-delay function with a saturation cap on the
// volume/capacity ratio.
type CostModel struct {
	Alpha          float64 `json:"alpha" yaml:"alpha"`
	Beta           float64 `json:"beta" yaml:"beta"`
	CapacityCutoff float64 `json:"capacity_cutoff" yaml:"capacity_cutoff"`
}

// DefaultCostModel returns the classical BPR constants (alpha 0.15, beta 4)
// with the ratio capped at 3.
func DefaultCostModel() CostModel {
	return CostModel{Alpha: 0.15, Beta: 4, CapacityCutoff: 3}
}

// withDefaults fills zero-valued fields from DefaultCostModel
func (cm CostModel) withDefaults() CostModel {
	dflt := DefaultCostModel()
	if cm.Alpha == 0 {
		cm.Alpha = dflt.Alpha
	}
	if cm.Beta == 0 {
		cm.Beta = dflt.Beta
	}
	if cm.CapacityCutoff == 0 {
		cm.CapacityCutoff = dflt.CapacityCutoff
	}
	return cm
}

// utilization returns min(v/c, cutoff). An edge without capacity is
// saturated as soon as anything is on it.
func (cm CostModel) utilization(volume, capacity int64) float64 {
	if volume <= 0 {
		return 0
	}
	if capacity <= 0 {
		return cm.CapacityCutoff
	}
	return math.Min(float64(volume)/float64(capacity), cm.CapacityCutoff)
}

// TravelTime computes floor(t0 * (1 + alpha * min(v/c, cutoff)^beta)).
func (cm CostModel) TravelTime(freeFlow, volume, capacity int64) int64 {
	ratio := cm.utilization(volume, capacity)
	t := float64(freeFlow) * (1 + cm.Alpha*math.Pow(ratio, cm.Beta))
	return int64(math.Floor(t))
}
