package session

import (
	"context"
	"testing"
	"time"

	"github.com/arjunmehta/taskforge/pkg/checkpoint"
	"github.com/arjunmehta/taskforge/pkg/execstate"
	"github.com/arjunmehta/taskforge/pkg/wave"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	s, err := checkpoint.New(checkpoint.Config{CheckpointsDir: t.TempDir()}, nil)
	require.NoError(t, err)
	return s
}

type recordingObserver struct {
	events []Event
}

func (r *recordingObserver) Emit(e Event) { r.events = append(r.events, e) }

func passHandlers(wave.Story) execstate.Handlers { return execstate.Handlers{} }

func TestRunCompletesAllWaves(t *testing.T) {
	store := newTestStore(t)
	sched := wave.New(wave.Config{GlobalAgentBudget: 2}, store, nil, nil, nil)
	obs := &recordingObserver{}
	co := New(store, sched, obs, nil)

	s, err := co.CreateSession("sess-1", "demo", wave.Plan{})
	require.NoError(t, err)

	plan := wave.Plan{Waves: []wave.Wave{
		{ID: "w1", Stories: []wave.Story{{ID: "s1"}}},
		{ID: "w2", Dependencies: []string{"w1"}, Stories: []wave.Story{{ID: "s2"}}},
	}}

	err = co.Run(context.Background(), s, plan, passHandlers)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, s.Status)
	assert.NotEmpty(t, obs.events)
}

func TestDependenciesBlockUnreadyWave(t *testing.T) {
	store := newTestStore(t)
	sched := wave.New(wave.Config{GlobalAgentBudget: 2}, store, nil, nil, nil)
	co := New(store, sched, nil, nil)

	s, err := co.CreateSession("sess-2", "demo", wave.Plan{})
	require.NoError(t, err)

	plan := wave.Plan{Waves: []wave.Wave{
		{ID: "w1", Dependencies: []string{"missing"}, Stories: []wave.Story{{ID: "s1"}}},
	}}

	err = co.Run(context.Background(), s, plan, passHandlers)
	require.Error(t, err)
}

func TestRepeatUntilLoopAccumulatesIterations(t *testing.T) {
	store := newTestStore(t)
	count := 0
	loop := NewRepeatUntilLoop("loop-1", store, func(i int) (IterationResult, error) {
		count++
		return IterationResult{Success: true, Summary: map[string]any{"i": i}}, nil
	}, func(iters []IterationResult) bool {
		return len(iters) >= 3
	})

	state, err := loop.Run()
	require.NoError(t, err)
	assert.Len(t, state.Iterations, 3)
	assert.Equal(t, 3, count)
}

func TestRecoveryManagerSkipsWhenDisabled(t *testing.T) {
	store := newTestStore(t)
	rm := NewRecoveryManager(RecoveryConfig{AutoResume: false}, store, nil)
	require.NoError(t, rm.RecoverPendingTasks(context.Background()))
}

func TestRecoveryManagerRecoversRunningSession(t *testing.T) {
	store := newTestStore(t)
	s := &Session{ID: "sess-3", Status: StatusRunning, UpdatedAt: time.Now(), WaveStates: map[string]wave.WaveState{}}
	require.NoError(t, store.SaveSession(s.ID, s))

	rm := NewRecoveryManager(RecoveryConfig{AutoResume: true}, store, nil)
	resumed := make(chan string, 1)
	rm.SetResumeCallback(func(ctx context.Context, s *Session) error {
		resumed <- s.ID
		return nil
	})

	require.NoError(t, rm.RecoverPendingTasks(context.Background()))
	select {
	case id := <-resumed:
		assert.Equal(t, "sess-3", id)
	case <-time.After(2 * time.Second):
		t.Fatal("expected resume callback to fire")
	}
}

func TestRecoveryManagerStats(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveSession("a", &Session{ID: "a", Status: StatusRunning}))
	require.NoError(t, store.SaveSession("b", &Session{ID: "b", Status: StatusPaused}))

	rm := NewRecoveryManager(RecoveryConfig{}, store, nil)
	stats, err := rm.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
}
