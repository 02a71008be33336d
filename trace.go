package kspload

import (
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// TraceRecordType identifies what a trace record describes
type TraceRecordType int

const (
	DropType TraceRecordType = iota
	ScenarioType
)

var trtToStr map[TraceRecordType]string = map[TraceRecordType]string{DropType: "drop", ScenarioType: "scenario"}

func (trt TraceRecordType) String() string {
	return trtToStr[trt]
}

type TraceInst struct {
	TraceIdx  string `json:"traceidx" yaml:"traceidx"`
	TraceType string `json:"tracetype" yaml:"tracetype"`
	TraceStr  string `json:"tracestr" yaml:"tracestr"`
}

// TraceManager gathers a trace of the drops of every scenario in a batch.
// Scenarios run concurrently so additions are serialized.
type TraceManager struct {
	// batch uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of the batch
	ExpName string `json:"expname" yaml:"expname"`

	// all trace records, by scenario id
	Traces map[string][]TraceInst `json:"traces" yaml:"traces"`

	mu sync.Mutex
}

// CreateTraceManager is a constructor.  An inactive manager accepts every
// call and records nothing, so the scenario loop calls it unconditionally.
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.Traces = make(map[string][]TraceInst)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm != nil && tm.InUse
}

// AddTrace stores a trace record under the id of the scenario it came from
func (tm *TraceManager) AddTrace(scenarioID string, trace TraceInst) {
	// return if we aren't using the trace manager
	if !tm.Active() {
		return
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.Traces[scenarioID] = append(tm.Traces[scenarioID], trace)
}

// Len returns the number of records held for one scenario
func (tm *TraceManager) Len(scenarioID string) int {
	if !tm.Active() {
		return 0
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.Traces[scenarioID])
}

// WriteToFile stores the Traces struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
// Nothing is written, and false returned, when the manager is not in use.
func (tm *TraceManager) WriteToFile(filename string) (bool, error) {
	if !tm.Active() {
		return false, nil
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if err := writeDesc(filename, tm); err != nil {
		return false, err
	}
	return true, nil
}

// DropTrace describes one drop of one scenario, saved for post-run analysis
type DropTrace struct {
	Drop          int      `json:"drop" yaml:"drop"`
	TotalAssigned int64    `json:"totalassigned" yaml:"totalassigned"`
	DropSize      int64    `json:"dropsize" yaml:"dropsize"`
	Choices       []Choice `json:"choices" yaml:"choices"`
	Weights       []int64  `json:"weights" yaml:"weights"` // oracle-reported weight per candidate path
	Touched       int      `json:"touched" yaml:"touched"` // size of the touched-edge set after the drop
}

func (dtr *DropTrace) TraceType() TraceRecordType {
	return DropType
}

func (dtr *DropTrace) Serialize() string {
	bytes, merr := yaml.Marshal(*dtr)
	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// ScenarioTrace closes the trace of one scenario with its terminal status
type ScenarioTrace struct {
	Status ScenarioStatus `json:"status" yaml:"status"`
	Detail string         `json:"detail" yaml:"detail"`
	Drops  int            `json:"drops" yaml:"drops"`
}

func (str *ScenarioTrace) TraceType() TraceRecordType {
	return ScenarioType
}

func (str *ScenarioTrace) Serialize() string {
	bytes, merr := yaml.Marshal(*str)
	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// AddDropTrace creates a record of a finished drop and stores it
func AddDropTrace(tm *TraceManager, scenarioID string, rec *DropRecord) {
	if !tm.Active() {
		return
	}
	dtr := new(DropTrace)
	dtr.Drop = rec.Index
	dtr.TotalAssigned = rec.TotalAssigned
	dtr.DropSize = rec.DropSize
	dtr.Choices = rec.Choices
	dtr.Weights = make([]int64, len(rec.Paths))
	for idx, p := range rec.Paths {
		dtr.Weights[idx] = p.Weight
	}
	dtr.Touched = len(rec.Touched)

	trcInst := TraceInst{TraceIdx: strconv.Itoa(rec.Index), TraceType: dtr.TraceType().String(), TraceStr: dtr.Serialize()}
	tm.AddTrace(scenarioID, trcInst)
}

// AddScenarioTrace records the terminal state of a scenario
func AddScenarioTrace(tm *TraceManager, scenarioID string, res *ScenarioResult) {
	if !tm.Active() {
		return
	}
	str := &ScenarioTrace{Status: res.Status, Detail: res.Detail, Drops: len(res.Drops)}
	trcInst := TraceInst{TraceIdx: "end", TraceType: str.TraceType().String(), TraceStr: str.Serialize()}
	tm.AddTrace(scenarioID, trcInst)
}
