package session

import (
	"time"

	"github.com/arjunmehta/taskforge/pkg/checkpoint"
)

// IterationResult is one RepeatUntilLoop iteration's outcome.
type IterationResult struct {
	Index     int            `json:"index"`
	Summary   map[string]any `json:"summary"`
	Success   bool           `json:"success"`
	Timestamp time.Time      `json:"timestamp"`
}

// LoopState is the checkpointed accumulation of a RepeatUntilLoop.
type LoopState struct {
	LoopID           string             `json:"loopId"`
	Iterations       []IterationResult  `json:"iterations"`
	CurrentIteration int                `json:"currentIteration"`
	LastActivityAt   time.Time          `json:"lastActivityAt"`
}

// Terminator decides whether a RepeatUntilLoop should stop, given the
// iterations accumulated so far.
type Terminator func(iterations []IterationResult) bool

// RepeatUntilLoop runs step repeatedly, persisting each iteration's result
// via the checkpoint store, until terminator reports done or step itself
// returns an error.
type RepeatUntilLoop struct {
	LoopID     string
	store      *checkpoint.Store
	step       func(iteration int) (IterationResult, error)
	terminator Terminator
}

func NewRepeatUntilLoop(loopID string, store *checkpoint.Store, step func(int) (IterationResult, error), terminator Terminator) *RepeatUntilLoop {
	return &RepeatUntilLoop{LoopID: loopID, store: store, step: step, terminator: terminator}
}

// Run executes iterations until the terminator is satisfied, returning the
// final accumulated LoopState.
func (l *RepeatUntilLoop) Run() (LoopState, error) {
	for {
		var state LoopState
		ok, err := l.store.LoadLoop(l.LoopID, &state)
		if err != nil {
			return LoopState{}, err
		}
		if !ok {
			state = LoopState{LoopID: l.LoopID}
		}
		if l.terminator(state.Iterations) {
			return state, nil
		}

		result, err := l.step(state.CurrentIteration)
		if err != nil {
			return state, err
		}
		result.Index = state.CurrentIteration
		result.Timestamp = time.Now()

		if uerr := checkpoint.UpdateLoopIteration(l.store, l.LoopID, func(s *LoopState) {
			s.LoopID = l.LoopID
			s.Iterations = append(s.Iterations, result)
			s.CurrentIteration++
			s.LastActivityAt = result.Timestamp
		}, func() LoopState { return LoopState{LoopID: l.LoopID} }); uerr != nil {
			return state, uerr
		}

		if l.terminator(append(state.Iterations, result)) {
			var final LoopState
			_, _ = l.store.LoadLoop(l.LoopID, &final)
			return final, nil
		}
	}
}
