package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ayalabs/defigw/service/chain"
	"github.com/ayalabs/defigw/service/db"
	"github.com/ayalabs/defigw/service/fault"
	"github.com/ayalabs/defigw/service/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "0x8ba1f109551bD432803012645Ac136ddd64DBa72"

// memStore records created transactions and serves one registered wallet.
type memStore struct {
	mu      sync.Mutex
	wallet  *db.Wallet
	created []*db.Transaction
}

func (m *memStore) GetWalletByAddress(_ context.Context, address string, family chain.Family) (*db.Wallet, error) {
	if m.wallet != nil && m.wallet.Address == address && m.wallet.Family == family {
		return m.wallet, nil
	}
	return nil, db.ErrNotFound
}

func (m *memStore) CreateTransaction(_ context.Context, params db.CreateTransactionParams) (*db.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn := &db.Transaction{
		ID:       uuid.NewString(),
		WalletID: params.WalletID,
		Chain:    params.Chain,
		Kind:     params.Kind,
		TxHash:   &params.TxHash,
		State:    db.StateSubmitted,
		Metadata: params.Metadata,
	}
	m.created = append(m.created, txn)
	return txn, nil
}

type stubTracker struct {
	mu      sync.Mutex
	tracked []string
	err     error
}

func (s *stubTracker) Track(_ context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.tracked = append(s.tracked, txID)
	return nil
}

// scriptedAdapter returns the scripted errors in order, then succeeds. It
// also tracks how many executions overlap in time.
type scriptedAdapter struct {
	chain.Adapter
	descriptor chain.Chain
	errs       []error
	delay      time.Duration

	calls       atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	mu          sync.Mutex
}

func (s *scriptedAdapter) Chain() chain.Chain { return s.descriptor }

func (s *scriptedAdapter) run(kind chain.OpKind) (*chain.Receipt, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		max := s.maxInFlight.Load()
		if n <= max || s.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	call := s.calls.Add(1)
	s.mu.Lock()
	var err error
	if len(s.errs) > 0 {
		err, s.errs = s.errs[0], s.errs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &chain.Receipt{TxHash: "0xhash" + string(rune('0'+call%10)), Kind: kind}, nil
}

func (s *scriptedAdapter) ExecuteSwap(context.Context, chain.SwapRequest, chain.Signer) (*chain.Receipt, error) {
	return s.run(chain.OpSwap)
}

func (s *scriptedAdapter) ExecuteLend(context.Context, chain.LendRequest, chain.Signer) (*chain.Receipt, error) {
	return s.run(chain.OpLend)
}

func (s *scriptedAdapter) ExecuteFarm(context.Context, chain.FarmRequest, chain.Signer) (*chain.Receipt, error) {
	return s.run(chain.OpFarm)
}

type noopSigner struct{}

func (noopSigner) Sign(context.Context, string, []byte) ([]byte, error) { return nil, nil }

func newFixture(adapter *scriptedAdapter) (*Orchestrator, *memStore, *stubTracker) {
	store := &memStore{wallet: &db.Wallet{ID: "wallet-1", Address: testAddress, Family: chain.FamilyEVM}}
	tracker := &stubTracker{}
	o := New(chain.NewSet(adapter), store, noopSigner{}, tracker, Config{
		MaxSlippagePct:  5.0,
		ExecuteAttempts: 3,
		ExecuteBackoff:  time.Millisecond,
	}, nil, nil)
	return o, store, tracker
}

func swapRequest() chain.SwapRequest {
	return chain.SwapRequest{
		WalletAddress:  testAddress,
		AssetIn:        "USDC",
		AssetOut:       "ETH",
		Amount:         decimal.NewFromInt(100),
		MaxSlippagePct: 0.5,
	}
}

func evmAdapter() *scriptedAdapter {
	return &scriptedAdapter{descriptor: chain.Chain{ID: "ethereum", Family: chain.FamilyEVM, NativeSymbol: "ETH"}}
}

func TestSwap_SubmitsAndHandsOff(t *testing.T) {
	adapter := evmAdapter()
	o, store, tracker := newFixture(adapter)

	res, err := o.Swap(context.Background(), "ethereum", swapRequest())
	require.NoError(t, err)

	assert.Equal(t, db.StateSubmitted, res.State)
	assert.NotEmpty(t, res.TxHash)
	require.Len(t, store.created, 1)
	assert.Equal(t, "wallet-1", store.created[0].WalletID)
	assert.Equal(t, chain.OpSwap, store.created[0].Kind)
	require.Len(t, tracker.tracked, 1)
	assert.Equal(t, res.TxID, tracker.tracked[0])
}

func TestSwap_ValidationRejections(t *testing.T) {
	o, store, _ := newFixture(evmAdapter())

	tests := []struct {
		name    string
		mutate  func(*chain.SwapRequest)
		chainID string
		kind    fault.Kind
	}{
		{
			name:    "missing assets",
			mutate:  func(r *chain.SwapRequest) { r.AssetOut = "" },
			chainID: "ethereum",
			kind:    fault.KindInvalidRequest,
		},
		{
			name:    "zero amount",
			mutate:  func(r *chain.SwapRequest) { r.Amount = decimal.Zero },
			chainID: "ethereum",
			kind:    fault.KindInvalidRequest,
		},
		{
			name:    "slippage above configured max",
			mutate:  func(r *chain.SwapRequest) { r.MaxSlippagePct = 7.5 },
			chainID: "ethereum",
			kind:    fault.KindInvalidRequest,
		},
		{
			name:    "unknown chain",
			mutate:  func(*chain.SwapRequest) {},
			chainID: "dogechain",
			kind:    fault.KindUnsupportedChain,
		},
		{
			name:    "malformed address",
			mutate:  func(r *chain.SwapRequest) { r.WalletAddress = "nope" },
			chainID: "ethereum",
			kind:    fault.KindInvalidAddress,
		},
		{
			name:    "unregistered wallet",
			mutate:  func(r *chain.SwapRequest) { r.WalletAddress = "0x0000000000000000000000000000000000000001" },
			chainID: "ethereum",
			kind:    fault.KindInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := swapRequest()
			tt.mutate(&req)
			_, err := o.Swap(context.Background(), tt.chainID, req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, fault.KindOf(err))
		})
	}
	assert.Empty(t, store.created, "rejected requests must not create transaction rows")
}

func TestSwap_SlippageExceededCreatesNoRow(t *testing.T) {
	adapter := evmAdapter()
	adapter.errs = []error{fault.New(fault.KindSlippageExceeded, "price impact 0.8%% exceeds tolerance 0.5%%")}
	o, store, tracker := newFixture(adapter)

	_, err := o.Swap(context.Background(), "ethereum", swapRequest())
	require.Error(t, err)
	assert.Equal(t, fault.KindSlippageExceeded, fault.KindOf(err))
	assert.Equal(t, int64(1), adapter.calls.Load(), "slippage rejection must not be retried")
	assert.Empty(t, store.created)
	assert.Empty(t, tracker.tracked)
}

func TestSwap_RetriesTransientFailures(t *testing.T) {
	adapter := evmAdapter()
	adapter.errs = []error{
		fault.New(fault.KindChainUnavailable, "rpc timeout"),
		fault.New(fault.KindChainUnavailable, "rpc timeout"),
	}
	o, store, _ := newFixture(adapter)

	res, err := o.Swap(context.Background(), "ethereum", swapRequest())
	require.NoError(t, err, "third attempt succeeds within the bound")
	assert.Equal(t, int64(3), adapter.calls.Load())
	assert.NotEmpty(t, res.TxHash)
	assert.Len(t, store.created, 1)
}

func TestSwap_RetryExhaustionBecomesUpstreamUnavailable(t *testing.T) {
	adapter := evmAdapter()
	adapter.errs = []error{
		fault.New(fault.KindChainUnavailable, "rpc timeout"),
		fault.New(fault.KindChainUnavailable, "rpc timeout"),
		fault.New(fault.KindChainUnavailable, "rpc timeout"),
	}
	o, store, _ := newFixture(adapter)

	_, err := o.Swap(context.Background(), "ethereum", swapRequest())
	require.Error(t, err)
	assert.Equal(t, fault.KindUpstreamUnavailable, fault.KindOf(err))
	assert.Equal(t, int64(3), adapter.calls.Load())
	assert.Empty(t, store.created)
}

func TestSwap_AmbiguousBroadcastFailureIsNeverRetried(t *testing.T) {
	// A transport failure during SendTransaction means the node may already
	// hold the transaction. Adapters map that to upstream_unavailable, and
	// the orchestrator must surface it without re-running the quote, sign,
	// and broadcast path: a second run would use a fresh nonce and risk a
	// double-spend.
	adapter := evmAdapter()
	adapter.errs = []error{
		fault.Wrap(fault.KindUpstreamUnavailable,
			errors.New("read tcp 10.0.0.5:443: i/o timeout"), "broadcast outcome unknown"),
	}
	o, store, tracker := newFixture(adapter)

	_, err := o.Swap(context.Background(), "ethereum", swapRequest())
	require.Error(t, err)
	assert.Equal(t, fault.KindUpstreamUnavailable, fault.KindOf(err))
	assert.Equal(t, int64(1), adapter.calls.Load(), "send-phase failures must not re-broadcast")
	assert.Empty(t, store.created)
	assert.Empty(t, tracker.tracked)
}

func TestExecute_SerializesPerWalletChain(t *testing.T) {
	adapter := evmAdapter()
	adapter.delay = 10 * time.Millisecond
	o, store, _ := newFixture(adapter)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Swap(context.Background(), "ethereum", swapRequest())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), adapter.maxInFlight.Load(),
		"operations on one (wallet, chain) pair must never overlap")
	assert.Len(t, store.created, 4)
}

func TestExecute_RecordsOperationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	adapter := evmAdapter()
	adapter.errs = []error{fault.New(fault.KindChainUnavailable, "rpc timeout")}
	store := &memStore{wallet: &db.Wallet{ID: "wallet-1", Address: testAddress, Family: chain.FamilyEVM}}
	o := New(chain.NewSet(adapter), store, noopSigner{}, &stubTracker{}, Config{
		MaxSlippagePct:  5.0,
		ExecuteAttempts: 3,
		ExecuteBackoff:  time.Millisecond,
	}, m, nil)

	_, err := o.Swap(context.Background(), "ethereum", swapRequest())
	require.NoError(t, err)

	expected := strings.NewReader(`
# HELP operation_retries_total Total number of operation retries after transient chain failures
# TYPE operation_retries_total counter
operation_retries_total{chain="ethereum",kind="swap"} 1
# HELP operations_total Total number of DeFi operations by kind, chain and status
# TYPE operations_total counter
operations_total{chain="ethereum",kind="swap",status="success"} 1
`)
	require.NoError(t, testutil.GatherAndCompare(reg, expected,
		"operations_total", "operation_retries_total"))
}

func TestLend_TrackerFailureDoesNotFailRequest(t *testing.T) {
	adapter := evmAdapter()
	o, store, tracker := newFixture(adapter)
	tracker.err = fault.New(fault.KindInternal, "scheduler down")

	res, err := o.Lend(context.Background(), "ethereum", chain.LendRequest{
		WalletAddress: testAddress,
		Protocol:      "aave",
		Asset:         "USDC",
		Amount:        decimal.NewFromInt(50),
		Action:        chain.LendDeposit,
	})
	require.NoError(t, err, "reconciliation covers a failed handoff")
	assert.NotEmpty(t, res.TxID)
	assert.Len(t, store.created, 1)
}

func TestFarm_ActionValidation(t *testing.T) {
	o, _, _ := newFixture(evmAdapter())
	_, err := o.Farm(context.Background(), "ethereum", chain.FarmRequest{
		WalletAddress: testAddress,
		Protocol:      "uniswap",
		Pool:          "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc",
		Amount:        decimal.NewFromInt(1),
		Action:        chain.FarmAction("stake"),
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalidRequest, fault.KindOf(err))
}
