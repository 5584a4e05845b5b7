// Package execstate drives one task through a fixed sequence of execution
// states with guarded transitions and bounded retry: IDLE -> PLANNING ->
// EXECUTING -> VERIFYING -> (COMMITTING | EXECUTING) -> COMPLETED, with
// FAILED reachable from any non-terminal state.
package execstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/arjunmehta/taskforge/pkg/codes"
)

var tracer = otel.Tracer("taskforge/execstate")

const component = "execution_state_machine"

type State string

const (
	StateIdle       State = "IDLE"
	StatePlanning   State = "PLANNING"
	StateExecuting  State = "EXECUTING"
	StateVerifying  State = "VERIFYING"
	StateCommitting State = "COMMITTING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// validTransitions enumerates the only legal (from, to) pairs. Anything not
// listed here is rejected with INVALID_TRANSITION.
var validTransitions = map[State]map[State]bool{
	StateIdle:       {StatePlanning: true, StateFailed: true},
	StatePlanning:   {StateExecuting: true, StateFailed: true},
	StateExecuting:  {StateVerifying: true, StateFailed: true},
	StateVerifying:  {StateCommitting: true, StateExecuting: true, StateFailed: true},
	StateCommitting: {StateCompleted: true, StateFailed: true},
	StateCompleted:  {},
	StateFailed:     {},
}

func canTransition(from, to State) bool {
	m, ok := validTransitions[from]
	if !ok {
		return false
	}
	return m[to]
}

// Context is the mutable execution context carried through one run.
type Context struct {
	TaskID    string
	Inputs    map[string]any
	Outputs   map[string]any
	Artifacts map[string]any
	Error     error
}

// HistoryEntry records one attempted transition.
type HistoryEntry struct {
	TransitionID string
	FromState    State
	ToState      State
	Success      bool
	DurationMs   float64
	Timestamp    time.Time
	Error        string
	RetryAttempt int
}

// Handlers are the four optional lifecycle callbacks. onVerifying defaults
// to "always pass" when nil.
type Handlers struct {
	OnPlanning   func(ctx context.Context, ec *Context) error
	OnExecuting  func(ctx context.Context, ec *Context) error
	OnVerifying  func(ctx context.Context, ec *Context) (bool, error)
	OnCommitting func(ctx context.Context, ec *Context) error
}

// Config mirrors config.ExecutionStateConfig without importing pkg/config.
type Config struct {
	MaxRetries          int
	AllowFailFromAny    bool
	TransitionTimeoutMs int
}

// Outcome is the result of Execute.
type Outcome struct {
	FinalState      State
	Success         bool
	Context         *Context
	History         []HistoryEntry
	TotalDurationMs float64
	RetryCount      int
	Error           error
}

// OnStateChange and OnError are optional observability hooks invoked
// synchronously during Execute.
type Observer struct {
	OnStateChange func(from, to State, ec *Context)
	OnError       func(err error, ec *Context)
}

// Machine is the ExecutionStateMachine (C2). Construct it with New, which
// fills in the default MaxRetries and logger.
type Machine struct {
	cfg Config
	obs Observer
	log *slog.Logger
}

func New(cfg Config, obs Observer, log *slog.Logger) *Machine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Machine{cfg: cfg, obs: obs, log: log.With("component", component)}
}

// newRetryBackoff builds a fresh exponential backoff for one Execute run's
// retry loop; it is not shared across runs since ExponentialBackOff is
// stateful (its interval grows with each NextBackOff call).
func newRetryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // bounded by MaxRetries, not wall-clock
	return b
}

// sleepOrCancel waits for d, returning early with a CANCELLED error if ctx
// is done first.
func sleepOrCancel(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return codes.New(component, codes.Cancelled, "execution cancelled")
	case <-t.C:
		return nil
	}
}

var transitionSeq int64

func nextTransitionID(taskID string) string {
	n := atomic.AddInt64(&transitionSeq, 1)
	return fmt.Sprintf("%s-t%d", taskID, n)
}

// Execute runs ec through the full lifecycle, invoking handlers as each
// state is entered. ctx governs cancellation: a cancelled ctx observed by a
// handler produces a FAILED outcome with a CANCELLED error.
func (m *Machine) Execute(ctx context.Context, ec *Context, h Handlers) Outcome {
	ctx, span := tracer.Start(ctx, "execstate.Execute", trace.WithAttributes(attribute.String("task_id", ec.TaskID)))
	defer span.End()

	start := time.Now()
	out := Outcome{Context: ec}
	state := StateIdle
	retryBackoff := newRetryBackoff()

	runHandler := func(name string, fn func() error) error {
		_, hspan := tracer.Start(ctx, "execstate."+name)
		defer hspan.End()
		return fn()
	}

	transition := func(to State, retryAttempt int) error {
		from := state
		if !canTransition(from, to) {
			err := codes.New(component, codes.InvalidTransition,
				fmt.Sprintf("illegal transition %s -> %s", from, to))
			out.History = append(out.History, HistoryEntry{
				TransitionID: nextTransitionID(ec.TaskID),
				FromState:    from, ToState: to, Success: false,
				Timestamp: time.Now(), Error: err.Error(), RetryAttempt: retryAttempt,
			})
			return err
		}
		tstart := time.Now()
		state = to
		out.History = append(out.History, HistoryEntry{
			TransitionID: nextTransitionID(ec.TaskID),
			FromState:    from, ToState: to, Success: true,
			DurationMs: float64(time.Since(tstart).Microseconds()) / 1000.0,
			Timestamp:  time.Now(), RetryAttempt: retryAttempt,
		})
		if m.obs.OnStateChange != nil {
			m.obs.OnStateChange(from, to, ec)
		}
		return nil
	}

	fail := func(cause error) Outcome {
		var cerr *codes.Error
		if ctx.Err() != nil && !(errors.As(cause, &cerr) && cerr.Code == codes.Cancelled) {
			cause = codes.Wrap(component, codes.Cancelled, "execution cancelled", cause)
		}
		ec.Error = cause
		span.RecordError(cause)
		if m.obs.OnError != nil {
			m.obs.OnError(cause, ec)
		}
		if m.cfg.AllowFailFromAny || state == StateCompleted {
			_ = transition(StateFailed, 0)
		}
		out.FinalState = StateFailed
		out.Success = false
		out.Error = cause
		out.TotalDurationMs = float64(time.Since(start).Microseconds()) / 1000.0
		return out
	}

	checkCancel := func() error {
		select {
		case <-ctx.Done():
			return codes.New(component, codes.Cancelled, "execution cancelled")
		default:
			return nil
		}
	}

	if err := transition(StatePlanning, 0); err != nil {
		return fail(err)
	}
	if h.OnPlanning != nil {
		if err := runHandler("onPlanning", func() error { return h.OnPlanning(ctx, ec) }); err != nil {
			return fail(codes.Wrap(component, codes.HandlerFault, "onPlanning failed", err))
		}
	}
	if err := checkCancel(); err != nil {
		return fail(err)
	}

	if err := transition(StateExecuting, 0); err != nil {
		return fail(err)
	}

	retryCount := 0
	for {
		if h.OnExecuting != nil {
			if err := runHandler("onExecuting", func() error { return h.OnExecuting(ctx, ec) }); err != nil {
				return fail(codes.Wrap(component, codes.HandlerFault, "onExecuting failed", err))
			}
		}
		if err := checkCancel(); err != nil {
			return fail(err)
		}

		if err := transition(StateVerifying, retryCount); err != nil {
			return fail(err)
		}

		verified := true
		if h.OnVerifying != nil {
			var v bool
			err := runHandler("onVerifying", func() error {
				var verr error
				v, verr = h.OnVerifying(ctx, ec)
				return verr
			})
			if err != nil {
				return fail(codes.Wrap(component, codes.HandlerFault, "onVerifying failed", err))
			}
			verified = v
		}

		if verified {
			break
		}
		if retryCount >= m.cfg.MaxRetries {
			return fail(codes.New(component, codes.MaxRetriesExceeded,
				fmt.Sprintf("exceeded %d retries", m.cfg.MaxRetries)))
		}
		retryCount++
		if err := sleepOrCancel(ctx, retryBackoff.NextBackOff()); err != nil {
			return fail(err)
		}
		if err := transition(StateExecuting, retryCount); err != nil {
			return fail(err)
		}
	}

	if err := transition(StateCommitting, 0); err != nil {
		return fail(err)
	}
	if h.OnCommitting != nil {
		if err := runHandler("onCommitting", func() error { return h.OnCommitting(ctx, ec) }); err != nil {
			return fail(codes.Wrap(component, codes.HandlerFault, "onCommitting failed", err))
		}
	}
	if err := checkCancel(); err != nil {
		return fail(err)
	}

	if err := transition(StateCompleted, 0); err != nil {
		return fail(err)
	}

	out.FinalState = StateCompleted
	out.Success = true
	out.RetryCount = retryCount
	out.TotalDurationMs = float64(time.Since(start).Microseconds()) / 1000.0
	return out
}
