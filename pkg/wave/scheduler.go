package wave

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/arjunmehta/taskforge/pkg/checkpoint"
	"github.com/arjunmehta/taskforge/pkg/codes"
	"github.com/arjunmehta/taskforge/pkg/execstate"
)

// RunResult is what an AgentRunner call returns.
type RunResult struct {
	Output   string
	Metadata map[string]any
	Usage    map[string]any
}

// ErrorClass distinguishes retryable from fatal AgentRunner failures.
type ErrorClass string

const (
	ErrorTransient ErrorClass = "TRANSIENT"
	ErrorPermanent ErrorClass = "PERMANENT"
)

// ClassifiedError wraps an AgentRunner failure with its retry class.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// AgentRunner is the external collaborator that actually executes a
// story's prompt.
type AgentRunner interface {
	Run(ctx context.Context, prompt, model string) (RunResult, error)
}

// AdmissionMetrics reports host resource pressure to the scheduler.
type AdmissionMetrics struct {
	CPULoad         float64
	MemoryPressure  float64
	ProcessCount    int
	CanSpawnAgent   bool
	Timestamp       time.Time
}

// AgentAdmissionController is polled before each dispatch to decide whether
// the scheduler may spawn another agent right now.
type AgentAdmissionController interface {
	Metrics(ctx context.Context) (AdmissionMetrics, error)
}

// FailurePolicy controls what a wave does when one of its stories fails.
type FailurePolicy string

const (
	FailurePolicyStop     FailurePolicy = "stop"
	FailurePolicyContinue FailurePolicy = "continue"
)

// Config mirrors config.WaveSchedulerConfig without importing pkg/config.
type Config struct {
	GlobalAgentBudget       int
	AdmissionPollIntervalMs int
	FailurePolicy           FailurePolicy
}

// WaveState is the checkpointed outcome of one wave's execution.
type WaveState struct {
	WaveID           string   `json:"waveId"`
	CompletedTaskIDs []string `json:"completedTaskIds"`
	FailedTaskIDs    []string `json:"failedTaskIds"`
	Status           string   `json:"status"` // completed | partial | failed
}

// StoryHandlersFactory builds the execstate.Handlers for one story, wiring the
// AgentRunner into EXECUTING and the ContractEngine into VERIFYING.
type StoryHandlersFactory func(s Story) execstate.Handlers

// Scheduler is the WaveScheduler (C3).
type Scheduler struct {
	cfg        Config
	checkpoint *checkpoint.Store
	runner     AgentRunner
	admission  AgentAdmissionController
	log        *slog.Logger
	breaker    *gobreaker.CircuitBreaker
}

// Runner returns the AgentRunner the scheduler was constructed with, for use
// by a StoryHandlersFactory building EXECUTING handlers.
func (sc *Scheduler) Runner() AgentRunner { return sc.runner }

// RunStory executes prompt/model against the scheduler's AgentRunner through
// its circuit breaker. StoryHandlersFactory implementations should call this
// instead of Runner().Run directly so repeated runner failures trip the
// breaker instead of being retried into the ground.
func (sc *Scheduler) RunStory(ctx context.Context, prompt, model string) (RunResult, error) {
	return sc.runStory(ctx, prompt, model)
}

func New(cfg Config, store *checkpoint.Store, runner AgentRunner, admission AgentAdmissionController, log *slog.Logger) *Scheduler {
	if cfg.GlobalAgentBudget <= 0 {
		cfg.GlobalAgentBudget = 2
	}
	if cfg.AdmissionPollIntervalMs <= 0 {
		cfg.AdmissionPollIntervalMs = 250
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailurePolicyStop
	}
	if log == nil {
		log = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "wave_agent_runner",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})
	return &Scheduler{cfg: cfg, checkpoint: store, runner: runner, admission: admission, log: log.With("component", "wave_scheduler"), breaker: breaker}
}

// runStory invokes the AgentRunner through the scheduler's circuit breaker,
// tripping it after repeated consecutive failures so a wedged or crash-looping
// runner stops being dispatched against until the breaker's timeout elapses.
func (sc *Scheduler) runStory(ctx context.Context, prompt, model string) (RunResult, error) {
	out, err := sc.breaker.Execute(func() (any, error) {
		return sc.runner.Run(ctx, prompt, model)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return RunResult{}, &ClassifiedError{Class: ErrorTransient, Err: err}
		}
		return RunResult{}, err
	}
	return out.(RunResult), nil
}

// RunWave drives w to completion, honoring resume: stories already in
// resume.CompletedTaskIDs are skipped; stories in resume.FailedTaskIDs are
// retried only when retryFailed is true.
func (sc *Scheduler) RunWave(ctx context.Context, w Wave, resume *WaveState, retryFailed bool, handlers StoryHandlersFactory) (WaveState, error) {
	if err := validateNoDuplicateIDs(w.Stories); err != nil {
		return WaveState{}, codes.Wrap(component, codes.WaveFailed, "invalid wave plan", err)
	}
	layers, err := layerStories(w.Stories)
	if err != nil {
		return WaveState{}, err
	}

	state := WaveState{WaveID: w.ID}
	completed := map[string]bool{}
	failed := map[string]bool{}
	if resume != nil {
		for _, id := range resume.CompletedTaskIDs {
			completed[id] = true
		}
		if !retryFailed {
			for _, id := range resume.FailedTaskIDs {
				failed[id] = true
			}
		}
	}

	k := EffectiveConcurrency(w, sc.cfg.GlobalAgentBudget)
	pollInterval := time.Duration(sc.cfg.AdmissionPollIntervalMs) * time.Millisecond

	stop := false
	for _, layer := range layers {
		if stop {
			break
		}
		// within a layer, stories are already grouped by ParallelGroup;
		// iterate groups serially, dispatch within a group concurrently.
		groups := splitByGroup(layer)
		for _, group := range groups {
			if stop {
				break
			}
			if err := sc.runGroup(ctx, group, k, pollInterval, completed, failed, handlers); err != nil {
				return state, err
			}
			if sc.cfg.FailurePolicy == FailurePolicyStop {
				for _, s := range group {
					if failed[s.ID] {
						stop = true
						break
					}
				}
			}
		}
	}

	for id := range completed {
		state.CompletedTaskIDs = append(state.CompletedTaskIDs, id)
	}
	for id := range failed {
		state.FailedTaskIDs = append(state.FailedTaskIDs, id)
	}

	switch {
	case len(state.FailedTaskIDs) == 0:
		state.Status = "completed"
	case sc.cfg.FailurePolicy == FailurePolicyContinue:
		state.Status = "partial"
	default:
		state.Status = "failed"
	}

	if sc.checkpoint != nil {
		if err := sc.checkpoint.Save(w.ID, state); err != nil {
			sc.log.Warn("failed to checkpoint wave state", "wave", w.ID, "error", err)
		}
	}

	if state.Status == "failed" {
		return state, codes.New(component, codes.WaveFailed, "wave failed under stop policy").
			WithContext(map[string]any{"failedTaskIds": state.FailedTaskIDs})
	}
	return state, nil
}

func splitByGroup(layer []Story) [][]Story {
	var groups [][]Story
	var current []Story
	currentGroup := -1
	for _, s := range layer {
		if s.ParallelGroup != currentGroup {
			if len(current) > 0 {
				groups = append(groups, current)
			}
			current = nil
			currentGroup = s.ParallelGroup
		}
		current = append(current, s)
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

func (sc *Scheduler) runGroup(ctx context.Context, group []Story, k int, pollInterval time.Duration, completed, failed map[string]bool, handlers StoryHandlersFactory) error {
	sem := semaphore.NewWeighted(int64(k))
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex

	for _, s := range group {
		if completed[s.ID] || failed[s.ID] {
			continue
		}
		if err := sc.awaitAdmission(ctx, pollInterval); err != nil {
			return err
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			return codes.Wrap(component, codes.Cancelled, "wave cancelled while acquiring dispatch slot", err)
		}

		story := s
		g.Go(func() error {
			defer sem.Release(1)

			m := execstate.New(execstate.Config{AllowFailFromAny: true}, execstate.Observer{}, sc.log)
			ec := &execstate.Context{TaskID: story.ID, Inputs: map[string]any{}, Outputs: map[string]any{}}
			out := m.Execute(gctx, ec, handlers(story))

			mu.Lock()
			if out.Success {
				completed[story.ID] = true
			} else {
				failed[story.ID] = true
			}
			mu.Unlock()
			return nil
		})
	}
	// The bodies above always return nil, so Wait only blocks until every
	// dispatched story has finished and never returns an error.
	_ = g.Wait()
	return nil
}

// awaitAdmission polls the AgentAdmissionController until it permits a new
// spawn, the context is cancelled, or no controller is configured.
func (sc *Scheduler) awaitAdmission(ctx context.Context, pollInterval time.Duration) error {
	if sc.admission == nil {
		return nil
	}
	for {
		m, err := sc.admission.Metrics(ctx)
		if err != nil {
			sc.log.Warn("admission controller error, proceeding without backpressure", "error", err)
			return nil
		}
		if m.CanSpawnAgent {
			return nil
		}
		select {
		case <-ctx.Done():
			return codes.New(component, codes.Cancelled, "wave cancelled while awaiting admission")
		case <-time.After(pollInterval):
		}
	}
}
