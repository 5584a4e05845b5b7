package wave

import (
	"context"
	"testing"
	"time"

	"github.com/arjunmehta/taskforge/pkg/codes"
	"github.com/arjunmehta/taskforge/pkg/execstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayerStoriesTopologicalOrder(t *testing.T) {
	stories := []Story{
		{ID: "c", Dependencies: []string{"a", "b"}},
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
	}
	layers, err := layerStories(stories)
	require.NoError(t, err)
	require.Len(t, layers, 3)
	assert.Equal(t, "a", layers[0][0].ID)
	assert.Equal(t, "b", layers[1][0].ID)
	assert.Equal(t, "c", layers[2][0].ID)
}

func TestLayerStoriesDetectsCycle(t *testing.T) {
	stories := []Story{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"a"}},
	}
	_, err := layerStories(stories)
	require.Error(t, err)
	var cerr *codes.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, codes.CircularDependency, cerr.Code)
}

func TestEffectiveConcurrency(t *testing.T) {
	assert.Equal(t, 1, EffectiveConcurrency(Wave{Parallelization: ParallelizationSequential, MaxConcurrent: 5}, 3))
	assert.Equal(t, 2, EffectiveConcurrency(Wave{MaxConcurrent: 5}, 2))
	assert.Equal(t, 2, EffectiveConcurrency(Wave{MaxConcurrent: 2}, 5))
}

func allPassHandlers(Story) execstate.Handlers {
	return execstate.Handlers{}
}

func TestRunWaveAllStoriesComplete(t *testing.T) {
	sc := New(Config{GlobalAgentBudget: 2}, nil, nil, nil, nil)
	w := Wave{
		ID: "wave-1",
		Stories: []Story{
			{ID: "s1"},
			{ID: "s2", Dependencies: []string{"s1"}},
		},
	}
	state, err := sc.RunWave(context.Background(), w, nil, false, allPassHandlers)
	require.NoError(t, err)
	assert.Equal(t, "completed", state.Status)
	assert.Len(t, state.CompletedTaskIDs, 2)
}

func TestRunWaveStopsOnFailureUnderStopPolicy(t *testing.T) {
	sc := New(Config{GlobalAgentBudget: 2, FailurePolicy: FailurePolicyStop}, nil, nil, nil, nil)
	w := Wave{
		ID: "wave-2",
		Stories: []Story{
			{ID: "fail1"},
			{ID: "s2", Dependencies: []string{"fail1"}},
		},
	}
	failingHandlers := func(s Story) execstate.Handlers {
		if s.ID == "fail1" {
			return execstate.Handlers{OnExecuting: func(context.Context, *execstate.Context) error {
				return assertErr
			}}
		}
		return execstate.Handlers{}
	}
	state, err := sc.RunWave(context.Background(), w, nil, false, failingHandlers)
	require.Error(t, err)
	assert.Equal(t, "failed", state.Status)
	assert.Contains(t, state.FailedTaskIDs, "fail1")
}

func TestRunWaveContinuesUnderContinuePolicy(t *testing.T) {
	sc := New(Config{GlobalAgentBudget: 2, FailurePolicy: FailurePolicyContinue}, nil, nil, nil, nil)
	w := Wave{
		ID: "wave-3",
		Stories: []Story{
			{ID: "fail1"},
			{ID: "s2"},
		},
	}
	handlers := func(s Story) execstate.Handlers {
		if s.ID == "fail1" {
			return execstate.Handlers{OnExecuting: func(context.Context, *execstate.Context) error {
				return assertErr
			}}
		}
		return execstate.Handlers{}
	}
	state, err := sc.RunWave(context.Background(), w, nil, false, handlers)
	require.NoError(t, err)
	assert.Equal(t, "partial", state.Status)
}

func TestResumeSkipsCompletedStories(t *testing.T) {
	sc := New(Config{GlobalAgentBudget: 2}, nil, nil, nil, nil)
	w := Wave{ID: "wave-4", Stories: []Story{{ID: "s1"}, {ID: "s2"}}}
	resume := &WaveState{WaveID: "wave-4", CompletedTaskIDs: []string{"s1"}}

	state, err := sc.RunWave(context.Background(), w, resume, false, allPassHandlers)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, state.CompletedTaskIDs)
}

type blockingAdmission struct {
	calls int
}

func (b *blockingAdmission) Metrics(ctx context.Context) (AdmissionMetrics, error) {
	b.calls++
	return AdmissionMetrics{CanSpawnAgent: b.calls > 1}, nil
}

func TestAdmissionBackpressurePolls(t *testing.T) {
	admission := &blockingAdmission{}
	sc := New(Config{GlobalAgentBudget: 1, AdmissionPollIntervalMs: 5}, nil, nil, admission, nil)
	w := Wave{ID: "wave-5", Stories: []Story{{ID: "s1"}}}

	start := time.Now()
	state, err := sc.RunWave(context.Background(), w, nil, false, allPassHandlers)
	require.NoError(t, err)
	assert.Equal(t, "completed", state.Status)
	assert.GreaterOrEqual(t, admission.calls, 2)
	assert.Less(t, time.Since(start), time.Second)
}

var assertErr = &codes.Error{Component: "test", Code: "TEST_FAIL", Message: "induced failure"}
