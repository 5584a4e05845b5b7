// Package session owns the long-running top-level loop: it drives a
// Session through its waves via the WaveScheduler, responds to control
// events, persists progress through the CheckpointStore, and emits
// observer events for wave progress and for the session's completion.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arjunmehta/taskforge/pkg/checkpoint"
	"github.com/arjunmehta/taskforge/pkg/codes"
	"github.com/arjunmehta/taskforge/pkg/wave"
)

const component = "session_coordinator"

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Session is the persisted coordinator-level state for one plan run.
type Session struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	CurrentWaveIndex int `json:"currentWaveIndex"`
	WaveStates map[string]wave.WaveState `json:"waveStates"`
}

// ControlEvent is one of the operator-issued control signals a Session
// responds to while running.
type ControlEvent string

const (
	ControlPause        ControlEvent = "pause"
	ControlResume       ControlEvent = "resume"
	ControlCancel       ControlEvent = "cancel"
	ControlRestartWave  ControlEvent = "restart-wave"
	ControlRestartStory ControlEvent = "restart-story"
)

// Event is an observer notification emitted during a run.
type Event struct {
	Type      string
	SessionID string
	Payload   map[string]any
	At        time.Time
}

// Observer receives Events as they're emitted. Implementations must not
// block; Emit is called synchronously from the coordinator's own goroutine.
type Observer interface {
	Emit(Event)
}

// Coordinator runs Sessions against a Plan via the WaveScheduler.
type Coordinator struct {
	store     *checkpoint.Store
	scheduler *wave.Scheduler
	observer  Observer
	log       *slog.Logger

	mu       sync.Mutex
	controls map[string]chan ControlEvent
}

func New(store *checkpoint.Store, scheduler *wave.Scheduler, observer Observer, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		store:     store,
		scheduler: scheduler,
		observer:  observer,
		log:       log.With("component", component),
		controls:  make(map[string]chan ControlEvent),
	}
}

func (c *Coordinator) emit(e Event) {
	if c.observer == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	c.observer.Emit(e)
}

// CreateSession initializes a new Session for plan and checkpoints its
// initial state.
func (c *Coordinator) CreateSession(id, title string, plan wave.Plan) (*Session, error) {
	s := &Session{
		ID:         id,
		Title:      title,
		Status:     StatusPending,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
		WaveStates: make(map[string]wave.WaveState),
	}
	if err := c.store.SaveSession(id, s); err != nil {
		return nil, err
	}
	return s, nil
}

// controlChannel registers (or returns the existing) control channel for a
// session, used by PauseSession/CancelSession/etc to signal a running Run.
func (c *Coordinator) controlChannel(sessionID string) chan ControlEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.controls[sessionID]
	if !ok {
		ch = make(chan ControlEvent, 4)
		c.controls[sessionID] = ch
	}
	return ch
}

func (c *Coordinator) signal(sessionID string, ev ControlEvent) {
	ch := c.controlChannel(sessionID)
	select {
	case ch <- ev:
	default:
		c.log.Warn("control channel full, dropping event", "session", sessionID, "event", ev)
	}
}

func (c *Coordinator) PauseSession(sessionID string)  { c.signal(sessionID, ControlPause) }
func (c *Coordinator) ResumeSession(sessionID string) { c.signal(sessionID, ControlResume) }
func (c *Coordinator) CancelSession(sessionID string) { c.signal(sessionID, ControlCancel) }

// Run drives a Session's waves to completion, checking control events
// between waves. It is the Session/Loop Coordinator's main entry point.
func (c *Coordinator) Run(ctx context.Context, s *Session, plan wave.Plan, handlers wave.StoryHandlersFactory) error {
	s.Status = StatusRunning
	ctrl := c.controlChannel(s.ID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for s.CurrentWaveIndex < len(plan.Waves) {
		retryFailed := false
		select {
		case ev := <-ctrl:
			if err := c.handleControl(ctx, s, ev, cancel); err != nil {
				return err
			}
			retryFailed = ev == ControlRestartStory
			if s.Status == StatusCancelled {
				return codes.New(component, codes.Cancelled, "session cancelled")
			}
			if s.Status == StatusPaused {
				<-c.awaitResume(ctrl)
				s.Status = StatusRunning
			}
		default:
		}

		w := plan.Waves[s.CurrentWaveIndex]
		if !c.dependenciesSatisfied(s, w) {
			return codes.New(component, codes.WaveFailed, "wave dependencies not satisfied").
				WithContext(map[string]any{"wave": w.ID})
		}

		resume := s.WaveStates[w.ID]
		var resumePtr *wave.WaveState
		if resume.WaveID != "" {
			resumePtr = &resume
		}

		state, err := c.scheduler.RunWave(ctx, w, resumePtr, retryFailed, handlers)
		s.WaveStates[w.ID] = state
		s.UpdatedAt = time.Now()
		_ = c.store.SaveSession(s.ID, s)

		c.emit(Event{Type: "wave-progress", SessionID: s.ID, Payload: map[string]any{
			"waveId": w.ID, "completed": len(state.CompletedTaskIDs), "failed": len(state.FailedTaskIDs),
		}})

		if err != nil {
			s.Status = StatusFailed
			_ = c.store.SaveSession(s.ID, s)
			return err
		}

		s.CurrentWaveIndex++
	}

	s.Status = StatusCompleted
	s.UpdatedAt = time.Now()
	if err := c.store.SaveSession(s.ID, s); err != nil {
		return err
	}
	c.emit(Event{Type: "state-change", SessionID: s.ID, Payload: map[string]any{"to": string(StatusCompleted)}})
	return nil
}

func (c *Coordinator) awaitResume(ctrl chan ControlEvent) chan struct{} {
	done := make(chan struct{})
	go func() {
		for ev := range ctrl {
			if ev == ControlResume || ev == ControlCancel {
				close(done)
				return
			}
		}
	}()
	return done
}

func (c *Coordinator) handleControl(ctx context.Context, s *Session, ev ControlEvent, cancel context.CancelFunc) error {
	switch ev {
	case ControlPause:
		s.Status = StatusPaused
	case ControlResume:
		s.Status = StatusRunning
	case ControlCancel:
		s.Status = StatusCancelled
		cancel()
	case ControlRestartWave:
		delete(s.WaveStates, currentWaveID(s))
	case ControlRestartStory:
		// story-level restart is handled by the caller re-dispatching with
		// retryFailed=true on the next RunWave call; nothing to do here.
	default:
		return fmt.Errorf("unknown control event: %s", ev)
	}
	return nil
}

func currentWaveID(s *Session) string {
	for id := range s.WaveStates {
		return id
	}
	return ""
}

func (c *Coordinator) dependenciesSatisfied(s *Session, w wave.Wave) bool {
	for _, dep := range w.Dependencies {
		st, ok := s.WaveStates[dep]
		if !ok {
			return false
		}
		if st.Status == "failed" {
			return false
		}
	}
	return true
}
