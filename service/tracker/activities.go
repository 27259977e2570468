// Package tracker drives broadcast transactions through their lifecycle
// (submitted -> pending -> confirmed/failed) using Temporal workflows. Each
// tracked transaction gets its own workflow that polls the owning chain
// adapter with backoff; a periodic reconciliation workflow restarts tracking
// for any open row that stopped being checked.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ayalabs/defigw/service/chain"
	"github.com/ayalabs/defigw/service/db"
	"github.com/ayalabs/defigw/service/events"
	"github.com/ayalabs/defigw/service/fault"
	"github.com/ayalabs/defigw/service/metrics"
)

// CheckTransactionInput contains parameters for the CheckTransaction activity.
type CheckTransactionInput struct {
	TxID string `json:"tx_id"`
}

// CheckTransactionResult reports the chain's view of the transaction plus
// the stored state the workflow should transition from.
type CheckTransactionResult struct {
	TxID          string             `json:"tx_id"`
	StoredState   db.TxState         `json:"stored_state"`
	Terminal      bool               `json:"terminal"`
	ChainState    chain.ConfirmState `json:"chain_state,omitempty"`
	Confirmations uint64             `json:"confirmations"`
	Finalized     bool               `json:"finalized"`
	FailureReason string             `json:"failure_reason,omitempty"`
}

// ApplyTransitionInput contains parameters for the ApplyTransition activity.
type ApplyTransitionInput struct {
	TxID   string     `json:"tx_id"`
	From   db.TxState `json:"from"`
	To     db.TxState `json:"to"`
	Reason string     `json:"reason,omitempty"`
}

// ApplyTransitionResult reports whether the compare-and-set transition won.
type ApplyTransitionResult struct {
	Applied bool `json:"applied"`
}

// ListOpenTransactionsInput contains parameters for the ListOpenTransactions activity.
type ListOpenTransactionsInput struct {
	NotCheckedFor time.Duration `json:"not_checked_for"`
	Limit         int32         `json:"limit"`
}

// ListOpenTransactionsResult lists open transactions whose tracking appears
// to have stalled.
type ListOpenTransactionsResult struct {
	TxIDs []string `json:"tx_ids"`
}

// StoreInterface defines the database operations needed by activities.
// This allows for easy mocking in tests.
type StoreInterface interface {
	GetTransaction(ctx context.Context, id string) (*db.Transaction, error)
	TransitionTransaction(ctx context.Context, id string, from, to db.TxState, errDetail *string) (bool, error)
	RecordStatusCheck(ctx context.Context, id string, at time.Time) error
	ListOpenTransactions(ctx context.Context, checkedBefore time.Time, limit int32) ([]*db.Transaction, error)
}

// PublisherInterface defines the event publishing operations needed by
// activities. This allows for easy mocking in tests.
type PublisherInterface interface {
	PublishStateChange(ctx context.Context, event *events.StateChangeEvent) error
}

// Activities holds the dependencies needed by Temporal activities.
// Following go-kit pattern, all dependencies are explicit.
type Activities struct {
	store     StoreInterface
	chains    *chain.Set
	publisher PublisherInterface
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(
	store StoreInterface,
	chains *chain.Set,
	publisher PublisherInterface,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		store:     store,
		chains:    chains,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// CheckTransaction loads the transaction, asks the owning chain adapter for
// its confirmation progress, and records the check time. Terminal rows
// short-circuit without touching the chain so duplicate workflows are
// harmless.
func (a *Activities) CheckTransaction(ctx context.Context, input CheckTransactionInput) (*CheckTransactionResult, error) {
	start := time.Now()

	txn, err := a.store.GetTransaction(ctx, input.TxID)
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", input.TxID, err)
	}
	defer func() {
		a.metrics.RecordTrackActivityDuration("CheckTransaction", txn.Chain, time.Since(start).Seconds())
	}()

	result := &CheckTransactionResult{
		TxID:        txn.ID,
		StoredState: txn.State,
	}
	if txn.State.Terminal() {
		result.Terminal = true
		return result, nil
	}
	if txn.TxHash == nil {
		return nil, fmt.Errorf("transaction %s has no hash to track", input.TxID)
	}

	adapter, ok := a.chains.For(txn.Chain)
	if !ok {
		return nil, fmt.Errorf("no adapter configured for chain %q", txn.Chain)
	}

	callStart := time.Now()
	report, err := adapter.TransactionStatus(ctx, *txn.TxHash)
	callStatus := "success"
	if err != nil {
		callStatus = "error"
	}
	a.metrics.RecordChainCall(txn.Chain, "transaction_status", callStatus, time.Since(callStart).Seconds())
	if err != nil {
		// Transient errors surface to Temporal so its retry policy applies.
		a.logger.WarnContext(ctx, "transaction status check failed",
			"tx_id", txn.ID,
			"chain", txn.Chain,
			"error", err,
		)
		return nil, fmt.Errorf("transaction status: %w", err)
	}

	if err := a.store.RecordStatusCheck(ctx, txn.ID, time.Now().UTC()); err != nil {
		a.logger.WarnContext(ctx, "failed to record status check",
			"tx_id", txn.ID,
			"error", err,
		)
	}

	result.ChainState = report.State
	result.Confirmations = report.Confirmations
	result.Finalized = report.Finalized
	result.FailureReason = report.FailureReason

	a.logger.DebugContext(ctx, "checked transaction status",
		"tx_id", txn.ID,
		"chain", txn.Chain,
		"stored_state", txn.State,
		"chain_state", report.State,
		"confirmations", report.Confirmations,
	)
	return result, nil
}

// ApplyTransition applies a compare-and-set state transition and, when the
// transition wins, publishes a state-change event. Losing the CAS is not an
// error: a reconciliation workflow may have applied the same transition.
func (a *Activities) ApplyTransition(ctx context.Context, input ApplyTransitionInput) (*ApplyTransitionResult, error) {
	start := time.Now()

	var errDetail *string
	if input.Reason != "" {
		errDetail = &input.Reason
	}

	applied, err := a.store.TransitionTransaction(ctx, input.TxID, input.From, input.To, errDetail)
	if err != nil {
		return nil, fmt.Errorf("transition %s %s->%s: %w", input.TxID, input.From, input.To, err)
	}
	if !applied {
		a.logger.DebugContext(ctx, "transition lost compare-and-set",
			"tx_id", input.TxID,
			"from", input.From,
			"to", input.To,
		)
		return &ApplyTransitionResult{Applied: false}, nil
	}

	txn, err := a.store.GetTransaction(ctx, input.TxID)
	if err != nil {
		return nil, fmt.Errorf("get transaction after transition: %w", err)
	}

	a.metrics.RecordTransition(txn.Chain, string(input.From), string(input.To))
	a.metrics.RecordTrackActivityDuration("ApplyTransition", txn.Chain, time.Since(start).Seconds())
	if input.To.Terminal() {
		a.metrics.RecordConfirmationLatency(txn.Chain, string(input.To), time.Since(txn.CreatedAt).Seconds())
	}

	// Publishing is best-effort. The row is the source of truth; consumers
	// that need completeness replay from the stream's retention window.
	if a.publisher != nil {
		event := events.FromTransaction(txn, input.From, input.To, input.Reason)
		if err := a.publisher.PublishStateChange(ctx, event); err != nil {
			a.logger.WarnContext(ctx, "failed to publish state change",
				"tx_id", input.TxID,
				"to", input.To,
				"error", err,
			)
		}
	}

	a.logger.InfoContext(ctx, "transaction state transitioned",
		"tx_id", input.TxID,
		"chain", txn.Chain,
		"from", input.From,
		"to", input.To,
		"reason", input.Reason,
	)
	return &ApplyTransitionResult{Applied: true}, nil
}

// ListOpenTransactions returns open transactions that have not been checked
// recently. The reconciliation workflow restarts tracking for each.
func (a *Activities) ListOpenTransactions(ctx context.Context, input ListOpenTransactionsInput) (*ListOpenTransactionsResult, error) {
	cutoff := time.Now().UTC().Add(-input.NotCheckedFor)

	limit := input.Limit
	if limit == 0 {
		limit = 100
	}

	txns, err := a.store.ListOpenTransactions(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list open transactions: %w", err)
	}

	result := &ListOpenTransactionsResult{TxIDs: make([]string, 0, len(txns))}
	byChain := make(map[string]int)
	for _, txn := range txns {
		result.TxIDs = append(result.TxIDs, txn.ID)
		byChain[txn.Chain]++
	}
	for chainID, n := range byChain {
		a.metrics.RecordTrackedTransactions(chainID, float64(n))
	}

	a.logger.InfoContext(ctx, "listed stale open transactions",
		"count", len(result.TxIDs),
		"not_checked_for", input.NotCheckedFor,
	)
	return result, nil
}

// timeoutReason is the error detail recorded when tracking gives up on an
// unfinalized transaction.
func timeoutReason(maxAge time.Duration) string {
	return fault.New(fault.KindConfirmationTimeout, "not finalized within %s", maxAge).Error()
}
