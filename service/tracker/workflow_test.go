package tracker

import (
	"sync"
	"testing"
	"time"

	"github.com/ayalabs/defigw/service/chain"
	"github.com/ayalabs/defigw/service/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

// transitionRecorder captures ApplyTransition inputs across mocked calls.
type transitionRecorder struct {
	mu      sync.Mutex
	applied []ApplyTransitionInput
}

func (r *transitionRecorder) record(args mock.Arguments) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, args.Get(1).(ApplyTransitionInput))
}

func (r *transitionRecorder) all() []ApplyTransitionInput {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ApplyTransitionInput(nil), r.applied...)
}

func newTrackEnv(t *testing.T) (*testsuite.TestWorkflowEnvironment, *Activities, *transitionRecorder) {
	t.Helper()
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.CheckTransaction)
	env.RegisterActivity(activities.ApplyTransition)

	rec := &transitionRecorder{}
	env.OnActivity(activities.ApplyTransition, mock.Anything, mock.Anything).
		Run(rec.record).
		Return(&ApplyTransitionResult{Applied: true}, nil).
		Maybe()

	return env, activities, rec
}

func defaultInput() TrackTransactionInput {
	return TrackTransactionInput{
		TxID:            "tx-1",
		InitialInterval: 5 * time.Second,
		MaxInterval:     60 * time.Second,
		MaxAge:          30 * time.Minute,
	}
}

func TestTrackTransactionWorkflow_PendingThenConfirmed(t *testing.T) {
	env, activities, rec := newTrackEnv(t)

	env.OnActivity(activities.CheckTransaction, mock.Anything, mock.Anything).
		Return(&CheckTransactionResult{
			TxID:        "tx-1",
			StoredState: db.StateSubmitted,
			ChainState:  chain.ConfirmPending,
		}, nil).Once()
	env.OnActivity(activities.CheckTransaction, mock.Anything, mock.Anything).
		Return(&CheckTransactionResult{
			TxID:          "tx-1",
			StoredState:   db.StatePending,
			ChainState:    chain.ConfirmConfirmed,
			Confirmations: 13,
			Finalized:     true,
		}, nil).Once()

	env.ExecuteWorkflow(TrackTransactionWorkflow, defaultInput())

	require.NoError(t, env.GetWorkflowError())
	var result TrackTransactionResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, db.StateConfirmed, result.FinalState)
	assert.Equal(t, 2, result.Checks)
	assert.False(t, result.TimedOut)

	applied := rec.all()
	require.Len(t, applied, 2)
	assert.Equal(t, db.StateSubmitted, applied[0].From)
	assert.Equal(t, db.StatePending, applied[0].To)
	assert.Equal(t, db.StatePending, applied[1].From)
	assert.Equal(t, db.StateConfirmed, applied[1].To)
}

func TestTrackTransactionWorkflow_ImmediateConfirmPassesThroughPending(t *testing.T) {
	env, activities, rec := newTrackEnv(t)

	// Confirmed on the very first check, before the row was ever pending.
	env.OnActivity(activities.CheckTransaction, mock.Anything, mock.Anything).
		Return(&CheckTransactionResult{
			TxID:        "tx-1",
			StoredState: db.StateSubmitted,
			ChainState:  chain.ConfirmConfirmed,
			Finalized:   true,
		}, nil).Once()

	env.ExecuteWorkflow(TrackTransactionWorkflow, defaultInput())

	require.NoError(t, env.GetWorkflowError())
	var result TrackTransactionResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, db.StateConfirmed, result.FinalState)

	applied := rec.all()
	require.Len(t, applied, 2, "confirmed must still pass through pending")
	assert.Equal(t, db.StateSubmitted, applied[0].From)
	assert.Equal(t, db.StatePending, applied[0].To)
	assert.Equal(t, db.StatePending, applied[1].From)
	assert.Equal(t, db.StateConfirmed, applied[1].To)
}

func TestTrackTransactionWorkflow_FailureCarriesReason(t *testing.T) {
	env, activities, rec := newTrackEnv(t)

	env.OnActivity(activities.CheckTransaction, mock.Anything, mock.Anything).
		Return(&CheckTransactionResult{
			TxID:          "tx-1",
			StoredState:   db.StatePending,
			ChainState:    chain.ConfirmFailed,
			FailureReason: "execution reverted",
		}, nil).Once()

	env.ExecuteWorkflow(TrackTransactionWorkflow, defaultInput())

	require.NoError(t, env.GetWorkflowError())
	var result TrackTransactionResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, db.StateFailed, result.FinalState)

	applied := rec.all()
	require.Len(t, applied, 1)
	assert.Equal(t, db.StatePending, applied[0].From)
	assert.Equal(t, db.StateFailed, applied[0].To)
	assert.Equal(t, "execution reverted", applied[0].Reason)
}

func TestTrackTransactionWorkflow_AlreadyTerminal(t *testing.T) {
	env, activities, rec := newTrackEnv(t)

	env.OnActivity(activities.CheckTransaction, mock.Anything, mock.Anything).
		Return(&CheckTransactionResult{
			TxID:        "tx-1",
			StoredState: db.StateConfirmed,
			Terminal:    true,
		}, nil).Once()

	env.ExecuteWorkflow(TrackTransactionWorkflow, defaultInput())

	require.NoError(t, env.GetWorkflowError())
	var result TrackTransactionResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, db.StateConfirmed, result.FinalState)
	assert.Empty(t, rec.all(), "terminal rows get no further transitions")
}

func TestTrackTransactionWorkflow_TimesOutAsFailed(t *testing.T) {
	env, activities, rec := newTrackEnv(t)

	// Never leaves pending on chain; the workflow gives up after MaxAge.
	env.OnActivity(activities.CheckTransaction, mock.Anything, mock.Anything).
		Return(&CheckTransactionResult{
			TxID:        "tx-1",
			StoredState: db.StateSubmitted,
			ChainState:  chain.ConfirmPending,
		}, nil).Once()
	env.OnActivity(activities.CheckTransaction, mock.Anything, mock.Anything).
		Return(&CheckTransactionResult{
			TxID:        "tx-1",
			StoredState: db.StatePending,
			ChainState:  chain.ConfirmPending,
		}, nil)

	env.ExecuteWorkflow(TrackTransactionWorkflow, TrackTransactionInput{
		TxID:            "tx-1",
		InitialInterval: 10 * time.Second,
		MaxInterval:     10 * time.Second,
		MaxAge:          15 * time.Second,
	})

	require.NoError(t, env.GetWorkflowError())
	var result TrackTransactionResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, db.StateFailed, result.FinalState)
	assert.True(t, result.TimedOut)

	applied := rec.all()
	require.Len(t, applied, 2)
	assert.Equal(t, db.StatePending, applied[1].From)
	assert.Equal(t, db.StateFailed, applied[1].To)
	assert.Contains(t, applied[1].Reason, "confirmation_timeout")
}

func TestTrackTransactionWorkflow_IntervalBacksOff(t *testing.T) {
	env, activities, _ := newTrackEnv(t)

	checks := 0
	env.OnActivity(activities.CheckTransaction, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { checks++ }).
		Return(&CheckTransactionResult{
			TxID:        "tx-1",
			StoredState: db.StatePending,
			ChainState:  chain.ConfirmPending,
		}, nil)

	env.ExecuteWorkflow(TrackTransactionWorkflow, TrackTransactionInput{
		TxID:            "tx-1",
		InitialInterval: 5 * time.Second,
		MaxInterval:     60 * time.Second,
		MaxAge:          10 * time.Minute,
	})

	require.NoError(t, env.GetWorkflowError())
	var result TrackTransactionResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.True(t, result.TimedOut)

	// Intervals 5,10,20,40,60,60,... over 10 minutes: far fewer checks
	// than the 120 a flat 5s interval would produce.
	assert.Less(t, checks, 20)
	assert.Greater(t, checks, 5)
}
