package evm

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ayalabs/defigw/service/chain"
	"github.com/ayalabs/defigw/service/fault"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWallet = "0x8ba1f109551bD432803012645Ac136ddd64DBa72"

// mockBackend implements Backend with overridable behavior per test.
type mockBackend struct {
	balanceAt          func(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error)
	callContract       func(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	transactionReceipt func(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	blockNumber        func(ctx context.Context) (uint64, error)
	sendErr            error

	sentTxs []*types.Transaction
}

func (m *mockBackend) BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error) {
	if m.balanceAt != nil {
		return m.balanceAt(ctx, account, block)
	}
	return big.NewInt(0), nil
}

func (m *mockBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	if m.callContract != nil {
		return m.callContract(ctx, msg, block)
	}
	return make([]byte, 32), nil
}

func (m *mockBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 7, nil }

func (m *mockBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(20_000_000_000), nil // 20 gwei
}

func (m *mockBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 150_000, nil
}

func (m *mockBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sentTxs = append(m.sentTxs, tx)
	return nil
}

func (m *mockBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if m.transactionReceipt != nil {
		return m.transactionReceipt(ctx, hash)
	}
	return nil, ethereum.NotFound
}

func (m *mockBackend) TransactionByHash(context.Context, common.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}

func (m *mockBackend) BlockNumber(ctx context.Context) (uint64, error) {
	if m.blockNumber != nil {
		return m.blockNumber(ctx)
	}
	return 100, nil
}

// fakeSigner returns a structurally valid 65-byte signature without any
// key material.
type fakeSigner struct{ calls int }

func (f *fakeSigner) Sign(_ context.Context, _ string, payload []byte) ([]byte, error) {
	f.calls++
	sig := make([]byte, 65)
	copy(sig, payload) // nonzero R
	sig[33] = 0x01     // nonzero S
	return sig, nil
}

func ethereumChain() chain.Chain {
	return chain.Chain{ID: "ethereum", Family: chain.FamilyEVM, NativeSymbol: "ETH", EVMChainID: 1}
}

func newTestAdapter(t *testing.T, backend *mockBackend, aggHandler http.HandlerFunc) *Adapter {
	t.Helper()
	var agg *AggregatorClient
	if aggHandler != nil {
		srv := httptest.NewServer(aggHandler)
		t.Cleanup(srv.Close)
		agg = NewAggregatorClient(srv.URL, srv.Client(), nil)
	}
	return New(ethereumChain(), backend, agg, chain.NewRegistry(chain.DefaultProtocols()), nil)
}

func TestGetBalance(t *testing.T) {
	usdc := strings.ToLower("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	backend := &mockBackend{
		balanceAt: func(context.Context, common.Address, *big.Int) (*big.Int, error) {
			return new(big.Int).Mul(big.NewInt(2), big.NewInt(1e18)), nil
		},
		callContract: func(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
			if strings.EqualFold(msg.To.Hex(), usdc) {
				return common.LeftPadBytes(big.NewInt(1_500_000).Bytes(), 32), nil // 1.5 USDC
			}
			return make([]byte, 32), nil
		},
	}
	a := newTestAdapter(t, backend, nil)

	balances, err := a.GetBalance(context.Background(), testWallet)
	require.NoError(t, err)
	require.Len(t, balances, 2, "zero token balances must be elided")

	assert.Equal(t, "ETH", balances[0].Symbol)
	assert.True(t, balances[0].Amount.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, "USDC", balances[1].Symbol)
	assert.True(t, balances[1].Amount.Equal(decimal.RequireFromString("1.5")))
}

func TestGetBalance_InvalidAddress(t *testing.T) {
	a := newTestAdapter(t, &mockBackend{}, nil)
	_, err := a.GetBalance(context.Background(), "bogus")
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalidAddress, fault.KindOf(err))
}

func TestGetPositions_PartialFailure(t *testing.T) {
	aavePool := "0x7d2768dE32b0b80b7a3454c06BdAc94A69DDc7A9"
	backend := &mockBackend{
		callContract: func(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
			if strings.EqualFold(msg.To.Hex(), aavePool) {
				out := make([]byte, 6*32)
				// 3.0 collateral, 1.0 debt, health factor 1.8
				copy(out[0:32], common.LeftPadBytes(new(big.Int).Mul(big.NewInt(3), big.NewInt(1e18)).Bytes(), 32))
				copy(out[32:64], common.LeftPadBytes(big.NewInt(1e18).Bytes(), 32))
				copy(out[160:192], common.LeftPadBytes(new(big.Int).Mul(big.NewInt(18), big.NewInt(1e17)).Bytes(), 32))
				return out, nil
			}
			return nil, fmt.Errorf("connection refused")
		},
	}
	a := newTestAdapter(t, backend, nil)

	set, err := a.GetPositions(context.Background(), testWallet)
	require.NoError(t, err, "one failing protocol must not abort the query")
	require.Len(t, set.Positions, 2)

	assert.Equal(t, "aave", set.Positions[0].Protocol)
	assert.Equal(t, chain.PositionSupplied, set.Positions[0].Kind)
	assert.True(t, set.Positions[0].Principal.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, chain.PositionBorrowed, set.Positions[1].Kind)
	require.NotNil(t, set.Positions[0].Health)
	assert.True(t, set.Positions[0].Health.Equal(decimal.RequireFromString("1.8")))

	// compound's reader failed; it shows up annotated, not fatal.
	assert.Contains(t, set.Errors, "compound")
}

func TestResolveAsset_UnknownContractQueriesDecimals(t *testing.T) {
	contract := "0x514910771AF9Ca656af840dff83E8264EcF986CA"
	backend := &mockBackend{
		callContract: func(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
			require.Equal(t, selDecimals, msg.Data[:4])
			require.Equal(t, contract, msg.To.Hex())
			return common.LeftPadBytes(big.NewInt(6).Bytes(), 32), nil
		},
	}
	a := newTestAdapter(t, backend, nil)

	token, err := a.resolveAsset(context.Background(), contract)
	require.NoError(t, err)
	assert.Equal(t, 6, token.Decimals)
	assert.Equal(t, contract, token.Address)
}

func TestResolveAsset_DecimalsFailurePropagates(t *testing.T) {
	backend := &mockBackend{
		callContract: func(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
			return nil, fmt.Errorf("connection reset by peer")
		},
	}
	a := newTestAdapter(t, backend, nil)

	_, err := a.resolveAsset(context.Background(), "0x514910771AF9Ca656af840dff83E8264EcF986CA")
	require.Error(t, err)
	assert.Equal(t, fault.KindChainUnavailable, fault.KindOf(err))
}

func TestQuoteSwap(t *testing.T) {
	backend := &mockBackend{}
	a := newTestAdapter(t, backend, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/1/quote", r.URL.Path)
		assert.Equal(t, "1000000000000000000", r.URL.Query().Get("amount"))
		json.NewEncoder(w).Encode(AggQuote{
			DstAmount:      "2500000000",
			Gas:            210_000,
			PriceImpactPct: 0.3,
			Route:          []string{"UNISWAP_V3"},
		})
	})

	q, err := a.QuoteSwap(context.Background(), chain.SwapRequest{
		WalletAddress: testWallet,
		AssetIn:       "ETH",
		AssetOut:      "USDC",
		Amount:        decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.True(t, q.ExpectedOut.Equal(decimal.NewFromInt(2500)))
	assert.True(t, q.EstimatedFee.Equal(decimal.RequireFromString("0.0042"))) // 20 gwei * 210k gas
	assert.Equal(t, []string{"UNISWAP_V3"}, q.Route)
	assert.InDelta(t, 0.3, q.SlippagePct, 1e-9)
}

func TestExecuteSwap_SlippageExceededNeverBroadcasts(t *testing.T) {
	backend := &mockBackend{}
	swapCalled := false
	a := newTestAdapter(t, backend, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/swap") {
			swapCalled = true
		}
		json.NewEncoder(w).Encode(AggQuote{DstAmount: "2500000000", Gas: 210_000, PriceImpactPct: 2.5})
	})
	signer := &fakeSigner{}

	_, err := a.ExecuteSwap(context.Background(), chain.SwapRequest{
		WalletID:       "w1",
		WalletAddress:  testWallet,
		AssetIn:        "ETH",
		AssetOut:       "USDC",
		Amount:         decimal.NewFromInt(1),
		MaxSlippagePct: 1.0,
	}, signer)

	require.Error(t, err)
	assert.Equal(t, fault.KindSlippageExceeded, fault.KindOf(err))
	assert.Zero(t, signer.calls, "nothing may be signed after a slippage rejection")
	assert.Empty(t, backend.sentTxs, "nothing may be broadcast after a slippage rejection")
	assert.False(t, swapCalled)
}

func TestExecuteSwap(t *testing.T) {
	backend := &mockBackend{}
	router := "0x1111111254EEB25477B68fb85Ed929f73A960582"
	a := newTestAdapter(t, backend, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/quote"):
			json.NewEncoder(w).Encode(AggQuote{DstAmount: "2500000000", Gas: 210_000, PriceImpactPct: 0.3, Route: []string{"UNISWAP_V3"}})
		case strings.HasSuffix(r.URL.Path, "/swap"):
			assert.Equal(t, testWallet, r.URL.Query().Get("from"))
			var swap AggSwap
			swap.DstAmount = "2500000000"
			swap.Tx.To = router
			swap.Tx.Data = "0x12c87d2e" + hex.EncodeToString(make([]byte, 64))
			swap.Tx.Value = "1000000000000000000"
			swap.Tx.Gas = 210_000
			swap.Tx.GasPrice = "20000000000"
			json.NewEncoder(w).Encode(swap)
		default:
			http.NotFound(w, r)
		}
	})
	signer := &fakeSigner{}

	receipt, err := a.ExecuteSwap(context.Background(), chain.SwapRequest{
		WalletID:       "w1",
		WalletAddress:  testWallet,
		AssetIn:        "ETH",
		AssetOut:       "USDC",
		Amount:         decimal.NewFromInt(1),
		MaxSlippagePct: 1.0,
	}, signer)
	require.NoError(t, err)

	require.Len(t, backend.sentTxs, 1)
	sent := backend.sentTxs[0]
	assert.Equal(t, router, sent.To().Hex())
	assert.Equal(t, uint64(7), sent.Nonce())

	assert.Equal(t, chain.OpSwap, receipt.Kind)
	assert.Equal(t, sent.Hash().Hex(), receipt.TxHash)
	require.NotNil(t, receipt.Swap)
	assert.True(t, receipt.Swap.ExpectedOut.Equal(decimal.NewFromInt(2500)))
	assert.Equal(t, 1, signer.calls)
}

func TestExecuteLend(t *testing.T) {
	backend := &mockBackend{}
	a := newTestAdapter(t, backend, nil)
	signer := &fakeSigner{}

	receipt, err := a.ExecuteLend(context.Background(), chain.LendRequest{
		WalletID:      "w1",
		WalletAddress: testWallet,
		Protocol:      "aave",
		Asset:         "USDC",
		Amount:        decimal.NewFromInt(100),
		Action:        chain.LendDeposit,
	}, signer)
	require.NoError(t, err)

	require.Len(t, backend.sentTxs, 1)
	sent := backend.sentTxs[0]
	assert.Equal(t, "0x7d2768dE32b0b80b7a3454c06BdAc94A69DDc7A9", sent.To().Hex())
	assert.Equal(t, selDeposit, sent.Data()[:4])
	assert.Equal(t, chain.OpLend, receipt.Kind)
	require.NotNil(t, receipt.Lend)
	assert.Equal(t, chain.LendDeposit, receipt.Lend.Action)
}

func TestExecuteLend_Rejections(t *testing.T) {
	a := newTestAdapter(t, &mockBackend{}, nil)
	signer := &fakeSigner{}

	tests := []struct {
		name string
		req  chain.LendRequest
		kind fault.Kind
	}{
		{
			name: "unknown protocol",
			req:  chain.LendRequest{WalletAddress: testWallet, Protocol: "madeup", Asset: "USDC", Amount: decimal.NewFromInt(1), Action: chain.LendDeposit},
			kind: fault.KindInvalidRequest,
		},
		{
			name: "dex cannot lend",
			req:  chain.LendRequest{WalletAddress: testWallet, Protocol: "uniswap", Asset: "USDC", Amount: decimal.NewFromInt(1), Action: chain.LendDeposit},
			kind: fault.KindInvalidRequest,
		},
		{
			name: "native asset",
			req:  chain.LendRequest{WalletAddress: testWallet, Protocol: "aave", Asset: "ETH", Amount: decimal.NewFromInt(1), Action: chain.LendDeposit},
			kind: fault.KindInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.ExecuteLend(context.Background(), tt.req, signer)
			require.Error(t, err)
			assert.Equal(t, tt.kind, fault.KindOf(err))
		})
	}
}

func TestExecuteFarm(t *testing.T) {
	backend := &mockBackend{}
	a := newTestAdapter(t, backend, nil)

	lpToken := "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc"
	receipt, err := a.ExecuteFarm(context.Background(), chain.FarmRequest{
		WalletID:      "w1",
		WalletAddress: testWallet,
		Protocol:      "uniswap",
		Pool:          lpToken,
		Amount:        decimal.RequireFromString("0.5"),
		Action:        chain.FarmAdd,
	}, &fakeSigner{})
	require.NoError(t, err)
	require.Len(t, backend.sentTxs, 1)
	assert.Equal(t, selStake, backend.sentTxs[0].Data()[:4])
	assert.Equal(t, chain.OpFarm, receipt.Kind)
	require.NotNil(t, receipt.Farm)
	assert.Equal(t, lpToken, receipt.Farm.Pool)
}

func TestTransactionStatus(t *testing.T) {
	hash := "0x" + strings.Repeat("ab", 32)

	t.Run("no receipt yet is pending", func(t *testing.T) {
		a := newTestAdapter(t, &mockBackend{}, nil)
		report, err := a.TransactionStatus(context.Background(), hash)
		require.NoError(t, err)
		assert.Equal(t, chain.ConfirmPending, report.State)
	})

	t.Run("reverted receipt is failed", func(t *testing.T) {
		a := newTestAdapter(t, &mockBackend{
			transactionReceipt: func(context.Context, common.Hash) (*types.Receipt, error) {
				return &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(90)}, nil
			},
		}, nil)
		report, err := a.TransactionStatus(context.Background(), hash)
		require.NoError(t, err)
		assert.Equal(t, chain.ConfirmFailed, report.State)
		assert.Equal(t, "execution reverted", report.FailureReason)
	})

	t.Run("confirmation depth drives finality", func(t *testing.T) {
		a := newTestAdapter(t, &mockBackend{
			transactionReceipt: func(context.Context, common.Hash) (*types.Receipt, error) {
				return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(95)}, nil
			},
		}, nil)
		report, err := a.TransactionStatus(context.Background(), hash)
		require.NoError(t, err)
		assert.Equal(t, chain.ConfirmConfirmed, report.State)
		assert.Equal(t, uint64(6), report.Confirmations)
		assert.False(t, report.Finalized)
	})

	t.Run("deep confirmation is finalized", func(t *testing.T) {
		a := newTestAdapter(t, &mockBackend{
			transactionReceipt: func(context.Context, common.Hash) (*types.Receipt, error) {
				return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(80)}, nil
			},
		}, nil)
		report, err := a.TransactionStatus(context.Background(), hash)
		require.NoError(t, err)
		assert.True(t, report.Finalized)
	})

	t.Run("malformed hash", func(t *testing.T) {
		a := newTestAdapter(t, &mockBackend{}, nil)
		_, err := a.TransactionStatus(context.Background(), "nope")
		require.Error(t, err)
		assert.Equal(t, fault.KindInvalidRequest, fault.KindOf(err))
	})
}

func TestNormalizeSendErr(t *testing.T) {
	tests := []struct {
		msg  string
		kind fault.Kind
	}{
		{"insufficient funds for gas * price + value", fault.KindInsufficientFunds},
		{"nonce too low", fault.KindChainRejected},
		{"replacement transaction underpriced", fault.KindChainRejected},
		{"execution reverted: ERC20: transfer amount exceeds balance", fault.KindChainRejected},
		// The node may have accepted the transaction before the connection
		// died, so ambiguous transport failures must map to a kind the
		// orchestrator never retries.
		{"read tcp 10.0.0.5:443: i/o timeout", fault.KindUpstreamUnavailable},
		{"dial tcp: connection refused", fault.KindUpstreamUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := normalizeSendErr(fmt.Errorf("%s", tt.msg))
			assert.Equal(t, tt.kind, fault.KindOf(err))
			assert.False(t, fault.Retryable(fault.KindOf(err)))
		})
	}
}

func TestNormalizeCallErr(t *testing.T) {
	tests := []struct {
		msg  string
		kind fault.Kind
	}{
		{"insufficient funds for gas * price + value", fault.KindInsufficientFunds},
		{"execution reverted: ERC20: transfer amount exceeds balance", fault.KindChainRejected},
		{"dial tcp: connection refused", fault.KindChainUnavailable},
		{"read tcp 10.0.0.5:443: i/o timeout", fault.KindChainUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.kind, fault.KindOf(normalizeCallErr(fmt.Errorf("%s", tt.msg))))
		})
	}
}
