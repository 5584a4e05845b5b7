package execstate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHappyPathCompletes(t *testing.T) {
	m := New(Config{MaxRetries: 3, AllowFailFromAny: true}, Observer{}, nil)
	ec := &Context{TaskID: "t1"}

	out := m.Execute(context.Background(), ec, Handlers{})
	require.True(t, out.Success)
	assert.Equal(t, StateCompleted, out.FinalState)
	assert.Equal(t, StateIdle, out.History[0].FromState)
	assert.Equal(t, StateCompleted, out.History[len(out.History)-1].ToState)
}

func TestVerifyingFalseRetriesThenFails(t *testing.T) {
	m := New(Config{MaxRetries: 1, AllowFailFromAny: true}, Observer{}, nil)
	ec := &Context{TaskID: "t2"}

	out := m.Execute(context.Background(), ec, Handlers{
		OnVerifying: func(context.Context, *Context) (bool, error) { return false, nil },
	})
	require.False(t, out.Success)
	assert.Equal(t, StateFailed, out.FinalState)
	require.Error(t, out.Error)
}

func TestVerifyingRetriesThenSucceeds(t *testing.T) {
	m := New(Config{MaxRetries: 3, AllowFailFromAny: true}, Observer{}, nil)
	ec := &Context{TaskID: "t3"}
	attempts := 0

	out := m.Execute(context.Background(), ec, Handlers{
		OnVerifying: func(context.Context, *Context) (bool, error) {
			attempts++
			return attempts >= 2, nil
		},
	})
	require.True(t, out.Success)
	assert.Equal(t, 1, out.RetryCount)
}

func TestHandlerFaultGoesToFailed(t *testing.T) {
	m := New(Config{MaxRetries: 3, AllowFailFromAny: true}, Observer{}, nil)
	ec := &Context{TaskID: "t4"}

	out := m.Execute(context.Background(), ec, Handlers{
		OnExecuting: func(context.Context, *Context) error { return errors.New("boom") },
	})
	require.False(t, out.Success)
	assert.Equal(t, StateFailed, out.FinalState)
}

func TestCancellationProducesCancelledFailure(t *testing.T) {
	m := New(Config{MaxRetries: 3, AllowFailFromAny: true}, Observer{}, nil)
	ec := &Context{TaskID: "t5"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := m.Execute(ctx, ec, Handlers{})
	require.False(t, out.Success)
	assert.Equal(t, StateFailed, out.FinalState)
}

func TestObserversCalled(t *testing.T) {
	var changes int
	var errs int
	m := New(Config{MaxRetries: 1, AllowFailFromAny: true}, Observer{
		OnStateChange: func(from, to State, ec *Context) { changes++ },
		OnError:       func(err error, ec *Context) { errs++ },
	}, nil)
	ec := &Context{TaskID: "t6"}

	m.Execute(context.Background(), ec, Handlers{
		OnCommitting: func(context.Context, *Context) error { return errors.New("fault") },
	})
	assert.Greater(t, changes, 0)
	assert.Equal(t, 1, errs)
}

func TestHistoryStartsAtIdle(t *testing.T) {
	m := New(Config{MaxRetries: 3, AllowFailFromAny: true}, Observer{}, nil)
	ec := &Context{TaskID: "t7"}
	out := m.Execute(context.Background(), ec, Handlers{})
	require.NotEmpty(t, out.History)
	assert.Equal(t, StateIdle, out.History[0].FromState)
}
