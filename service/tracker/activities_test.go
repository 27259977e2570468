package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ayalabs/defigw/service/chain"
	"github.com/ayalabs/defigw/service/db"
	"github.com/ayalabs/defigw/service/events"
	"github.com/ayalabs/defigw/service/metrics"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type appliedTransition struct {
	txID   string
	from   db.TxState
	to     db.TxState
	reason string
}

type mockStore struct {
	mu           sync.Mutex
	txns         map[string]*db.Transaction
	transitions  []appliedTransition
	statusChecks int
}

func newMockStore(txns ...*db.Transaction) *mockStore {
	m := &mockStore{txns: make(map[string]*db.Transaction)}
	for _, txn := range txns {
		m.txns[txn.ID] = txn
	}
	return m
}

func (m *mockStore) GetTransaction(ctx context.Context, id string) (*db.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *txn
	return &cp, nil
}

func (m *mockStore) TransitionTransaction(ctx context.Context, id string, from, to db.TxState, errDetail *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[id]
	if !ok {
		return false, db.ErrNotFound
	}
	if txn.State != from {
		return false, nil
	}
	txn.State = to
	reason := ""
	if errDetail != nil {
		reason = *errDetail
		txn.ErrorDetail = errDetail
	}
	m.transitions = append(m.transitions, appliedTransition{txID: id, from: from, to: to, reason: reason})
	return true, nil
}

func (m *mockStore) RecordStatusCheck(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusChecks++
	return nil
}

func (m *mockStore) ListOpenTransactions(ctx context.Context, checkedBefore time.Time, limit int32) ([]*db.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.Transaction
	for _, txn := range m.txns {
		if !txn.State.Terminal() {
			cp := *txn
			out = append(out, &cp)
		}
	}
	return out, nil
}

// statusAdapter implements chain.Adapter for status checks only.
type statusAdapter struct {
	desc   chain.Chain
	report *chain.StatusReport
	err    error
	delay  time.Duration
	calls  int
}

func (s *statusAdapter) Chain() chain.Chain { return s.desc }
func (s *statusAdapter) GetBalance(context.Context, string) ([]chain.Balance, error) {
	panic("not used")
}
func (s *statusAdapter) GetPositions(context.Context, string) (*chain.PositionSet, error) {
	panic("not used")
}
func (s *statusAdapter) QuoteSwap(context.Context, chain.SwapRequest) (*chain.Quote, error) {
	panic("not used")
}
func (s *statusAdapter) ExecuteSwap(context.Context, chain.SwapRequest, chain.Signer) (*chain.Receipt, error) {
	panic("not used")
}
func (s *statusAdapter) ExecuteLend(context.Context, chain.LendRequest, chain.Signer) (*chain.Receipt, error) {
	panic("not used")
}
func (s *statusAdapter) ExecuteFarm(context.Context, chain.FarmRequest, chain.Signer) (*chain.Receipt, error) {
	panic("not used")
}
func (s *statusAdapter) TransactionStatus(ctx context.Context, txHash string) (*chain.StatusReport, error) {
	s.calls++
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.report, nil
}

func strPtr(s string) *string { return &s }

func openTxn(id, chainID string, state db.TxState) *db.Transaction {
	return &db.Transaction{
		ID:        id,
		WalletID:  "wallet-1",
		Chain:     chainID,
		Kind:      chain.OpSwap,
		TxHash:    strPtr("0xabc"),
		State:     state,
		CreatedAt: time.Now().Add(-time.Minute),
	}
}

func TestCheckTransaction_ReportsChainState(t *testing.T) {
	store := newMockStore(openTxn("tx-1", "ethereum", db.StatePending))
	adapter := &statusAdapter{
		desc: chain.Chain{ID: "ethereum", Family: chain.FamilyEVM},
		report: &chain.StatusReport{
			State:         chain.ConfirmConfirmed,
			Confirmations: 14,
			Finalized:     true,
		},
	}
	a := NewActivities(store, chain.NewSet(adapter), nil, nil, nil)

	result, err := a.CheckTransaction(context.Background(), CheckTransactionInput{TxID: "tx-1"})
	require.NoError(t, err)
	assert.False(t, result.Terminal)
	assert.Equal(t, db.StatePending, result.StoredState)
	assert.Equal(t, chain.ConfirmConfirmed, result.ChainState)
	assert.Equal(t, uint64(14), result.Confirmations)
	assert.True(t, result.Finalized)
	assert.Equal(t, 1, store.statusChecks)
}

func TestCheckTransaction_TerminalShortCircuits(t *testing.T) {
	store := newMockStore(openTxn("tx-1", "ethereum", db.StateConfirmed))
	adapter := &statusAdapter{desc: chain.Chain{ID: "ethereum", Family: chain.FamilyEVM}}
	a := NewActivities(store, chain.NewSet(adapter), nil, nil, nil)

	result, err := a.CheckTransaction(context.Background(), CheckTransactionInput{TxID: "tx-1"})
	require.NoError(t, err)
	assert.True(t, result.Terminal)
	assert.Equal(t, db.StateConfirmed, result.StoredState)
	assert.Equal(t, 0, adapter.calls, "terminal rows must not hit the chain")
	assert.Equal(t, 0, store.statusChecks)
}

func TestCheckTransaction_UnknownChain(t *testing.T) {
	store := newMockStore(openTxn("tx-1", "base", db.StateSubmitted))
	a := NewActivities(store, chain.NewSet(), nil, nil, nil)

	_, err := a.CheckTransaction(context.Background(), CheckTransactionInput{TxID: "tx-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no adapter configured")
}

func TestCheckTransaction_DurationIncludesChainCall(t *testing.T) {
	store := newMockStore(openTxn("tx-1", "ethereum", db.StatePending))
	adapter := &statusAdapter{
		desc:  chain.Chain{ID: "ethereum", Family: chain.FamilyEVM},
		delay: 50 * time.Millisecond,
		report: &chain.StatusReport{
			State:         chain.ConfirmConfirmed,
			Confirmations: 3,
		},
	}
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	a := NewActivities(store, chain.NewSet(adapter), nil, m, nil)

	_, err := a.CheckTransaction(context.Background(), CheckTransactionInput{TxID: "tx-1"})
	require.NoError(t, err)

	hist := gatherHistogram(t, reg, "track_activity_duration_seconds")
	assert.Equal(t, uint64(1), hist.GetSampleCount())
	assert.GreaterOrEqual(t, hist.GetSampleSum(), 0.05,
		"recorded duration must cover the chain status call, not just setup")

	call := gatherHistogram(t, reg, "chain_call_duration_seconds")
	assert.Equal(t, uint64(1), call.GetSampleCount())
}

func gatherHistogram(t *testing.T, reg *prometheus.Registry, name string) *dto.Histogram {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			require.Len(t, mf.GetMetric(), 1)
			return mf.GetMetric()[0].GetHistogram()
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return nil
}

func TestApplyTransition_PublishesOnWin(t *testing.T) {
	store := newMockStore(openTxn("tx-1", "solana", db.StateSubmitted))
	publisher := events.NewMockPublisher()
	a := NewActivities(store, chain.NewSet(), publisher, nil, nil)

	result, err := a.ApplyTransition(context.Background(), ApplyTransitionInput{
		TxID: "tx-1",
		From: db.StateSubmitted,
		To:   db.StatePending,
	})
	require.NoError(t, err)
	assert.True(t, result.Applied)

	published := publisher.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "tx-1", published[0].TxID)
	assert.Equal(t, "solana", published[0].Chain)
	assert.Equal(t, db.StateSubmitted, published[0].FromState)
	assert.Equal(t, db.StatePending, published[0].ToState)
}

func TestApplyTransition_LostCASIsNotAnError(t *testing.T) {
	// Row is already pending, so a submitted->pending transition loses.
	store := newMockStore(openTxn("tx-1", "ethereum", db.StatePending))
	publisher := events.NewMockPublisher()
	a := NewActivities(store, chain.NewSet(), publisher, nil, nil)

	result, err := a.ApplyTransition(context.Background(), ApplyTransitionInput{
		TxID: "tx-1",
		From: db.StateSubmitted,
		To:   db.StatePending,
	})
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.Empty(t, publisher.Published(), "lost transitions publish nothing")
}

func TestApplyTransition_PublishFailureIsNotFatal(t *testing.T) {
	store := newMockStore(openTxn("tx-1", "ethereum", db.StatePending))
	publisher := events.NewMockPublisher()
	publisher.FailWith = assert.AnError
	a := NewActivities(store, chain.NewSet(), publisher, nil, nil)

	result, err := a.ApplyTransition(context.Background(), ApplyTransitionInput{
		TxID:   "tx-1",
		From:   db.StatePending,
		To:     db.StateFailed,
		Reason: "execution reverted",
	})
	require.NoError(t, err, "the row is the source of truth; publish is best-effort")
	assert.True(t, result.Applied)

	txn, err := store.GetTransaction(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, db.StateFailed, txn.State)
	require.NotNil(t, txn.ErrorDetail)
	assert.Equal(t, "execution reverted", *txn.ErrorDetail)
}

func TestListOpenTransactions(t *testing.T) {
	store := newMockStore(
		openTxn("tx-1", "ethereum", db.StateSubmitted),
		openTxn("tx-2", "solana", db.StatePending),
		openTxn("tx-3", "ethereum", db.StateConfirmed),
	)
	a := NewActivities(store, chain.NewSet(), nil, nil, nil)

	result, err := a.ListOpenTransactions(context.Background(), ListOpenTransactionsInput{
		NotCheckedFor: 5 * time.Minute,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tx-1", "tx-2"}, result.TxIDs)
}
