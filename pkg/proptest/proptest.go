// Package proptest implements shrink-capable randomized testing of
// contracts: generate a random execution context, evaluate it against a
// contract, and on failure shrink the context toward a minimal
// reproduction that still fails the same condition.
package proptest

import (
	"fmt"
	"time"

	"github.com/arjunmehta/taskforge/pkg/contract"
)

// Rand is a seeded linear-congruential generator. Deterministic given a
// seed so every failing run is reproducible by re-running with the same
// seed.
type Rand struct {
	state uint64
}

func NewRand(seed int64) *Rand {
	return &Rand{state: uint64(seed) ^ 0x9E3779B97F4A7C15}
}

// Uint64 advances the LCG and returns the next value. Constants are Knuth's
// 64-bit MMIX multiplier and increment.
func (r *Rand) Uint64() uint64 {
	r.state = r.state*6364136223846793005 + 1442695040888963407
	return r.state
}

func (r *Rand) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(r.Uint64() % uint64(n))
}

func (r *Rand) Float64() float64 {
	return float64(r.Uint64()>>11) / (1 << 53)
}

func (r *Rand) Bool() bool { return r.Intn(2) == 0 }

// Generator produces values of T from a Rand, optionally offering shrink
// candidates for a failing value.
type Generator[T any] struct {
	Generate func(r *Rand) T
	Shrink   func(v T) []T
}

var allStates = []contract.ExecState{
	contract.StateIdle, contract.StatePlanning, contract.StateExecuting,
	contract.StateVerifying, contract.StateCommitting, contract.StateCompleted,
	contract.StateFailed,
}

func stateDepth(s contract.ExecState) int {
	for i, st := range allStates[:5] { // IDLE..COMMITTING form the forward chain; COMPLETED/FAILED are terminal depth 5
		if st == s {
			return i + 1
		}
	}
	return 5
}

func randomScalar(r *Rand) any {
	switch r.Intn(3) {
	case 0:
		return fmt.Sprintf("v%d", r.Intn(1000))
	case 1:
		return r.Intn(1000)
	default:
		return r.Bool()
	}
}

// GenerateExecutionContext builds a random *contract.Context per the rules:
// random state, 0-5 random inputs, outputs when state warrants it, endTime
// when terminal, and an error when FAILED with probability 1/2.
func GenerateExecutionContext(r *Rand) *contract.Context {
	state := allStates[r.Intn(len(allStates))]
	ctx := &contract.Context{
		ScopeID: fmt.Sprintf("scope-%d", r.Intn(100)),
		TaskID:  fmt.Sprintf("task-%d", r.Intn(100)),
		State:   state,
		Inputs:  map[string]any{},
		Outputs: map[string]any{},
	}

	n := r.Intn(6)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("in%d", i)
		if r.Intn(4) == 0 {
			ctx.Inputs[key] = nil
		} else {
			ctx.Inputs[key] = randomScalar(r)
		}
	}

	switch state {
	case contract.StateCompleted, contract.StateVerifying, contract.StateCommitting:
		m := r.Intn(4)
		for i := 0; i < m; i++ {
			ctx.Outputs[fmt.Sprintf("out%d", i)] = randomScalar(r)
		}
	}

	switch state {
	case contract.StateCompleted, contract.StateFailed:
		t := time.Now()
		ctx.EndTime = &t
	}

	if state == contract.StateFailed && r.Bool() {
		ctx.Err = fmt.Errorf("generated failure %d", r.Intn(1000))
	}

	return ctx
}

// Failure records one failing run.
type Failure struct {
	FailedCondition string
	Input           *contract.Context
	ShrunkInput     *contract.Context
	ShrinkSteps     int
	Error           string
}

// Statistics summarizes a Report's runs.
type Statistics struct {
	StateDistribution  map[contract.ExecState]int
	AvgInputComplexity float64
	ShrinkSuccessRate  float64
	AvgShrinkSteps     float64
}

// Report is the outcome of Run.
type Report struct {
	Passed      bool
	TestsRun    int
	TestsPassed int
	TestsFailed int
	Failures    []Failure
	Seed        int64
	Statistics  Statistics
}

// Config mirrors config.PropertyTesterConfig without importing pkg/config.
type Config struct {
	NumRuns    int
	Seed       int64
	MaxShrinks int
	CollectAll bool
}

// Run executes the procedure against c: generate numRuns random contexts,
// evaluate each, and shrink every failure toward a minimal repro that still
// fails on the same condition.
func Run(cfg Config, c contract.Contract) Report {
	if cfg.NumRuns <= 0 {
		cfg.NumRuns = 100
	}
	if cfg.MaxShrinks <= 0 {
		cfg.MaxShrinks = 100
	}
	r := NewRand(cfg.Seed)

	rep := Report{Seed: cfg.Seed, Passed: true}
	rep.Statistics.StateDistribution = map[contract.ExecState]int{}

	var totalComplexity float64
	var shrinkAttempts, shrinkSuccesses, totalShrinkSteps int

	for i := 0; i < cfg.NumRuns; i++ {
		ctx := GenerateExecutionContext(r)
		rep.TestsRun++
		rep.Statistics.StateDistribution[ctx.State]++
		totalComplexity += float64(stateDepth(ctx.State))

		res := contract.EvaluateAll(c, ctx)
		if res.Success {
			rep.TestsPassed++
			continue
		}

		rep.TestsFailed++
		rep.Passed = false
		failedCondition := ""
		if len(res.Failures) > 0 {
			failedCondition = res.Failures[0].ConditionName
		}

		shrunk, steps := shrink(ctx, c, failedCondition, cfg.MaxShrinks)
		shrinkAttempts++
		if steps > 0 {
			shrinkSuccesses++
		}
		totalShrinkSteps += steps

		rep.Failures = append(rep.Failures, Failure{
			FailedCondition: failedCondition,
			Input:           ctx,
			ShrunkInput:     shrunk,
			ShrinkSteps:     steps,
		})

		if !cfg.CollectAll {
			break
		}
	}

	if rep.TestsRun > 0 {
		rep.Statistics.AvgInputComplexity = totalComplexity / float64(rep.TestsRun)
	}
	if shrinkAttempts > 0 {
		rep.Statistics.ShrinkSuccessRate = float64(shrinkSuccesses) / float64(shrinkAttempts)
		rep.Statistics.AvgShrinkSteps = float64(totalShrinkSteps) / float64(shrinkAttempts)
	}

	return rep
}

// shrink repeatedly tries smaller candidates (drop an input key, drop an
// output key, clear the error, step state one position toward IDLE),
// keeping a candidate only if it still fails on the same condition.
func shrink(start *contract.Context, c contract.Contract, failedCondition string, maxShrinks int) (*contract.Context, int) {
	current := cloneCtx(start)
	steps := 0

	for i := 0; i < maxShrinks; i++ {
		candidate, changed := shrinkOnce(current)
		if !changed {
			break
		}
		res := contract.EvaluateAll(c, candidate)
		if res.Success {
			continue
		}
		stillSameCondition := false
		for _, f := range res.Failures {
			if f.ConditionName == failedCondition {
				stillSameCondition = true
				break
			}
		}
		if stillSameCondition {
			current = candidate
			steps++
		}
	}
	if steps == 0 {
		return nil, 0
	}
	return current, steps
}

func shrinkOnce(ctx *contract.Context) (*contract.Context, bool) {
	c := cloneCtx(ctx)
	if len(c.Inputs) > 0 {
		for k := range c.Inputs {
			delete(c.Inputs, k)
			return c, true
		}
	}
	if len(c.Outputs) > 0 {
		for k := range c.Outputs {
			delete(c.Outputs, k)
			return c, true
		}
	}
	if c.Err != nil {
		c.Err = nil
		return c, true
	}
	if idx := stateIndex(c.State); idx > 0 {
		c.State = allStates[idx-1]
		return c, true
	}
	return c, false
}

func stateIndex(s contract.ExecState) int {
	for i, st := range allStates {
		if st == s {
			return i
		}
	}
	return 0
}

func cloneCtx(ctx *contract.Context) *contract.Context {
	out := *ctx
	out.Inputs = cloneMap(ctx.Inputs)
	out.Outputs = cloneMap(ctx.Outputs)
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
