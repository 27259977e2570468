package tracker

import (
	"fmt"
	"time"

	"github.com/ayalabs/defigw/service/chain"
	"github.com/ayalabs/defigw/service/db"
	enumspb "go.temporal.io/api/enums/v1"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// TrackTransactionInput contains the input parameters for tracking one
// transaction through its lifecycle.
type TrackTransactionInput struct {
	TxID            string        `json:"tx_id"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
	MaxAge          time.Duration `json:"max_age"`
}

// TrackTransactionResult contains the outcome of a tracking workflow.
type TrackTransactionResult struct {
	TxID       string     `json:"tx_id"`
	FinalState db.TxState `json:"final_state"`
	Checks     int        `json:"checks"`
	TimedOut   bool       `json:"timed_out"`
}

// ReconcileInput contains the input parameters for the reconciliation
// workflow.
type ReconcileInput struct {
	NotCheckedFor   time.Duration `json:"not_checked_for"`
	Limit           int32         `json:"limit"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
	MaxAge          time.Duration `json:"max_age"`
}

// ReconcileResult reports how many stale transactions had tracking restarted.
type ReconcileResult struct {
	Found     int `json:"found"`
	Restarted int `json:"restarted"`
}

// TrackingWorkflowID returns the workflow ID used to track a transaction.
// One workflow per transaction; restarts reuse the same ID so duplicate
// tracking never runs concurrently.
func TrackingWorkflowID(txID string) string {
	return "track-tx-" + txID
}

// TrackTransactionWorkflow polls the chain for one transaction until it
// reaches a terminal state or MaxAge elapses. The poll interval starts at
// InitialInterval and doubles up to MaxInterval.
//
// Stored state moves strictly forward: submitted -> pending on the first
// sighting, then pending -> confirmed or pending -> failed. A transaction
// that confirms before it was ever seen pending still passes through
// pending so consumers observe every state. All transitions go through a
// compare-and-set so a concurrently restarted workflow cannot double-apply.
func TrackTransactionWorkflow(ctx workflow.Context, input TrackTransactionInput) (*TrackTransactionResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("TrackTransactionWorkflow started", "tx_id", input.TxID)

	if input.InitialInterval <= 0 {
		input.InitialInterval = 5 * time.Second
	}
	if input.MaxInterval < input.InitialInterval {
		input.MaxInterval = input.InitialInterval
	}
	if input.MaxAge <= 0 {
		input.MaxAge = 30 * time.Minute
	}

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 60 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	result := &TrackTransactionResult{TxID: input.TxID}
	deadline := workflow.Now(ctx).Add(input.MaxAge)
	interval := input.InitialInterval

	for {
		if err := workflow.Sleep(ctx, interval); err != nil {
			return result, err
		}
		if interval < input.MaxInterval {
			interval *= 2
			if interval > input.MaxInterval {
				interval = input.MaxInterval
			}
		}

		var check *CheckTransactionResult
		err := workflow.ExecuteActivity(ctx, a.CheckTransaction, CheckTransactionInput{TxID: input.TxID}).Get(ctx, &check)
		if err != nil {
			return result, fmt.Errorf("check transaction: %w", err)
		}
		result.Checks++

		if check.Terminal {
			logger.Info("transaction already terminal", "tx_id", input.TxID, "state", check.StoredState)
			result.FinalState = check.StoredState
			return result, nil
		}

		switch check.ChainState {
		case chain.ConfirmConfirmed:
			if err := ensurePending(ctx, input.TxID, check.StoredState); err != nil {
				return result, err
			}
			if err := applyTransition(ctx, input.TxID, db.StatePending, db.StateConfirmed, ""); err != nil {
				return result, err
			}
			logger.Info("transaction confirmed",
				"tx_id", input.TxID,
				"confirmations", check.Confirmations,
				"checks", result.Checks,
			)
			result.FinalState = db.StateConfirmed
			return result, nil

		case chain.ConfirmFailed:
			if err := ensurePending(ctx, input.TxID, check.StoredState); err != nil {
				return result, err
			}
			reason := check.FailureReason
			if reason == "" {
				reason = "transaction failed on chain"
			}
			if err := applyTransition(ctx, input.TxID, db.StatePending, db.StateFailed, reason); err != nil {
				return result, err
			}
			logger.Info("transaction failed on chain", "tx_id", input.TxID, "reason", reason)
			result.FinalState = db.StateFailed
			return result, nil

		case chain.ConfirmPending:
			if check.StoredState == db.StateSubmitted {
				if err := applyTransition(ctx, input.TxID, db.StateSubmitted, db.StatePending, ""); err != nil {
					return result, err
				}
			}
		}

		if workflow.Now(ctx).After(deadline) {
			logger.Warn("transaction tracking timed out", "tx_id", input.TxID, "max_age", input.MaxAge)
			if err := ensurePending(ctx, input.TxID, check.StoredState); err != nil {
				return result, err
			}
			if err := applyTransition(ctx, input.TxID, db.StatePending, db.StateFailed, timeoutReason(input.MaxAge)); err != nil {
				return result, err
			}
			result.FinalState = db.StateFailed
			result.TimedOut = true
			return result, nil
		}
	}
}

// ensurePending moves a still-submitted transaction to pending so terminal
// transitions never skip a state.
func ensurePending(ctx workflow.Context, txID string, stored db.TxState) error {
	if stored != db.StateSubmitted {
		return nil
	}
	return applyTransition(ctx, txID, db.StateSubmitted, db.StatePending, "")
}

func applyTransition(ctx workflow.Context, txID string, from, to db.TxState, reason string) error {
	var result *ApplyTransitionResult
	err := workflow.ExecuteActivity(ctx, a.ApplyTransition, ApplyTransitionInput{
		TxID:   txID,
		From:   from,
		To:     to,
		Reason: reason,
	}).Get(ctx, &result)
	if err != nil {
		return fmt.Errorf("apply transition %s->%s: %w", from, to, err)
	}
	return nil
}

// ReconcileWorkflow restarts tracking for open transactions that have not
// been checked recently, covering tracker handoff failures and worker
// crashes. It runs on a Temporal schedule. Restarts reuse the per-transaction
// workflow ID, so a transaction whose tracker is still alive is skipped.
func ReconcileWorkflow(ctx workflow.Context, input ReconcileInput) (*ReconcileResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("ReconcileWorkflow started", "not_checked_for", input.NotCheckedFor)

	if input.NotCheckedFor <= 0 {
		input.NotCheckedFor = 5 * time.Minute
	}

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 60 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	var stale *ListOpenTransactionsResult
	err := workflow.ExecuteActivity(ctx, a.ListOpenTransactions, ListOpenTransactionsInput{
		NotCheckedFor: input.NotCheckedFor,
		Limit:         input.Limit,
	}).Get(ctx, &stale)
	if err != nil {
		return nil, fmt.Errorf("list open transactions: %w", err)
	}

	result := &ReconcileResult{Found: len(stale.TxIDs)}
	for _, txID := range stale.TxIDs {
		childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID:        TrackingWorkflowID(txID),
			ParentClosePolicy: enumspb.PARENT_CLOSE_POLICY_ABANDON,
		})
		// Start only; the child outlives this reconciliation run.
		future := workflow.ExecuteChildWorkflow(childCtx, TrackTransactionWorkflow, TrackTransactionInput{
			TxID:            txID,
			InitialInterval: input.InitialInterval,
			MaxInterval:     input.MaxInterval,
			MaxAge:          input.MaxAge,
		})
		if err := future.GetChildWorkflowExecution().Get(ctx, nil); err != nil {
			// Most likely already tracked under the same workflow ID.
			logger.Debug("skipped restart", "tx_id", txID, "error", err)
			continue
		}
		result.Restarted++
	}

	logger.Info("ReconcileWorkflow completed", "found", result.Found, "restarted", result.Restarted)
	return result, nil
}
