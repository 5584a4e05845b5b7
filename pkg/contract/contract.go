// Package contract evaluates preconditions, postconditions and invariants
// against an execution context. Conditions are small records carrying a
// predicate and metadata, dispatched by calling the predicate directly —
// no inheritance hierarchy, just a function value per condition.
package contract

import (
	"fmt"
	"time"
)

// Severity ranks how a failed condition affects overall contract success.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Type distinguishes where in the lifecycle a Condition is evaluated.
type Type string

const (
	Precondition  Type = "precondition"
	Postcondition Type = "postcondition"
	Invariant     Type = "invariant"
)

// ExecState mirrors pkg/execstate.State without importing it, since
// contract must stay a leaf package other components sit on top of.
type ExecState string

const (
	StateIdle       ExecState = "IDLE"
	StatePlanning   ExecState = "PLANNING"
	StateExecuting  ExecState = "EXECUTING"
	StateVerifying  ExecState = "VERIFYING"
	StateCommitting ExecState = "COMMITTING"
	StateCompleted  ExecState = "COMPLETED"
	StateFailed     ExecState = "FAILED"
)

// Context is the typed execution context Conditions are evaluated against.
// Predicates MUST NOT mutate it.
type Context struct {
	ScopeID   string
	TaskID    string
	Inputs    map[string]any
	Outputs   map[string]any
	State     ExecState
	Artifacts map[string]any
	StartTime time.Time
	EndTime   *time.Time
	Err       error
}

// Predicate inspects a Context and reports whether it holds. A predicate
// that panics is treated as a failure by Evaluate, not propagated.
type Predicate func(ctx *Context) bool

// Condition is one named, typed check with a predicate and the message to
// surface when it doesn't hold.
type Condition struct {
	ID           string
	Name         string
	Type         Type
	Predicate    Predicate
	ErrorMessage string
	Severity     Severity
	Tags         []string
}

// Contract groups the conditions a task type must satisfy, in fixed
// evaluation order: preconditions, then postconditions, then invariants.
type Contract struct {
	ID              string
	Name            string
	TaskType        string
	Preconditions   []Condition
	Postconditions  []Condition
	Invariants      []Condition
}

// ConditionResult records one condition's outcome.
type ConditionResult struct {
	ConditionID          string
	ConditionName        string
	Type                 Type
	Passed               bool
	ErrorMessage         string
	Severity             Severity
	EvaluatedAt          time.Time
	EvaluationDurationMs float64
	Context              map[string]any
}

// Failure is the subset of a failed ConditionResult surfaced in a
// ContractResult.
type Failure struct {
	ConditionID   string
	ConditionName string
	Type          Type
	ErrorMessage  string
	Severity      Severity
	Context       map[string]any
}

// Result is the outcome of evaluating an entire Contract against a Context.
type Result struct {
	Success   bool
	Failures  []Failure
	Successes int
}

// Evaluate runs one condition's predicate, converting a panic into a failed
// result with severity "error" rather than propagating it — engine-level
// robustness to malformed or buggy conditions.
func Evaluate(c Condition, ctx *Context) (res ConditionResult) {
	start := time.Now()
	res = ConditionResult{
		ConditionID:   c.ID,
		ConditionName: c.Name,
		Type:          c.Type,
		Severity:      c.Severity,
		EvaluatedAt:   start,
	}

	defer func() {
		res.EvaluationDurationMs = float64(time.Since(start).Microseconds()) / 1000.0
		if r := recover(); r != nil {
			res.Passed = false
			res.ErrorMessage = fmt.Sprintf("%v", r)
			res.Severity = SeverityError
		}
	}()

	passed := c.Predicate(ctx)
	res.Passed = passed
	if !passed {
		res.ErrorMessage = c.ErrorMessage
	}
	return res
}

// EvaluateAll runs every precondition, postcondition and invariant of the
// contract in that fixed order and reports the aggregate Result. Success
// requires every condition to pass OR have a severity below "error".
func EvaluateAll(contract Contract, ctx *Context) Result {
	var result Result
	result.Success = true

	all := make([]Condition, 0, len(contract.Preconditions)+len(contract.Postconditions)+len(contract.Invariants))
	all = append(all, contract.Preconditions...)
	all = append(all, contract.Postconditions...)
	all = append(all, contract.Invariants...)

	for _, c := range all {
		r := Evaluate(c, ctx)
		if r.Passed {
			result.Successes++
			continue
		}
		if r.Severity == SeverityError {
			result.Success = false
		}
		result.Failures = append(result.Failures, Failure{
			ConditionID:   r.ConditionID,
			ConditionName: r.ConditionName,
			Type:          r.Type,
			ErrorMessage:  r.ErrorMessage,
			Severity:      r.Severity,
		})
	}
	return result
}
