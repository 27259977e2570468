package solana

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ayalabs/defigw/service/chain"
	"github.com/ayalabs/defigw/service/fault"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

// mockRPC implements RPCClient with overridable behavior per test.
type mockRPC struct {
	balance          uint64
	tokenAccounts    []*rpc.TokenAccount
	signatureStatus  *rpc.SignatureStatusesResult
	sendErr          error
	sentTransactions []*solanago.Transaction
}

func (m *mockRPC) GetBalance(context.Context, solanago.PublicKey, rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	return &rpc.GetBalanceResult{Value: m.balance}, nil
}

func (m *mockRPC) GetTokenAccountsByOwner(context.Context, solanago.PublicKey, *rpc.GetTokenAccountsConfig, *rpc.GetTokenAccountsOpts) (*rpc.GetTokenAccountsResult, error) {
	return &rpc.GetTokenAccountsResult{Value: m.tokenAccounts}, nil
}

func (m *mockRPC) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: solanago.Hash{0x01}},
	}, nil
}

func (m *mockRPC) SendTransactionWithOpts(_ context.Context, tx *solanago.Transaction, _ rpc.TransactionOpts) (solanago.Signature, error) {
	if m.sendErr != nil {
		return solanago.Signature{}, m.sendErr
	}
	m.sentTransactions = append(m.sentTransactions, tx)
	return tx.Signatures[0], nil
}

func (m *mockRPC) GetSignatureStatuses(context.Context, bool, ...solanago.Signature) (*rpc.GetSignatureStatusesResult, error) {
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{m.signatureStatus}}, nil
}

// fakeSigner returns a fixed 64-byte signature.
type fakeSigner struct{ calls int }

func (f *fakeSigner) Sign(context.Context, string, []byte) ([]byte, error) {
	f.calls++
	sig := make([]byte, 64)
	sig[0] = 0xAA
	return sig, nil
}

func solanaChain() chain.Chain {
	return chain.Chain{ID: "solana", Family: chain.FamilySolana, NativeSymbol: "SOL"}
}

func testWallet() solanago.PublicKey {
	return solanago.NewWallet().PublicKey()
}

func splAccountData(mint string, amount uint64) []byte {
	data := make([]byte, 165)
	copy(data[:32], solanago.MustPublicKeyFromBase58(mint).Bytes())
	binary.LittleEndian.PutUint64(data[64:72], amount)
	return data
}

func newTestAdapter(t *testing.T, rpcClient RPCClient, aggHandler http.HandlerFunc) *Adapter {
	t.Helper()
	var agg *AggregatorClient
	if aggHandler != nil {
		srv := httptest.NewServer(aggHandler)
		t.Cleanup(srv.Close)
		agg = NewAggregatorClient(srv.URL, srv.Client(), nil)
	}
	return New(solanaChain(), rpcClient, agg, chain.NewRegistry(chain.DefaultProtocols()), nil)
}

func TestGetBalance(t *testing.T) {
	unknownMint := solanago.NewWallet().PublicKey().String()
	mock := &mockRPC{
		balance: 2_500_000_000, // 2.5 SOL
		tokenAccounts: []*rpc.TokenAccount{
			{Account: rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(splAccountData(usdcMint, 1_500_000))}},
			{Account: rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(splAccountData(usdcMint, 0))}},
			{Account: rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(splAccountData(unknownMint, 42))}},
		},
	}
	a := newTestAdapter(t, mock, nil)

	balances, err := a.GetBalance(context.Background(), testWallet().String())
	require.NoError(t, err)
	require.Len(t, balances, 2, "zero and unknown-mint balances must be elided")

	assert.Equal(t, "SOL", balances[0].Symbol)
	assert.True(t, balances[0].Amount.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, "USDC", balances[1].Symbol)
	assert.True(t, balances[1].Amount.Equal(decimal.RequireFromString("1.5")))
}

func TestGetBalance_InvalidAddress(t *testing.T) {
	a := newTestAdapter(t, &mockRPC{}, nil)
	_, err := a.GetBalance(context.Background(), "0xnot-base58")
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalidAddress, fault.KindOf(err))
}

func TestQuoteSwap(t *testing.T) {
	a := newTestAdapter(t, &mockRPC{}, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/quote", r.URL.Path)
		assert.Equal(t, WrappedSOLMint, r.URL.Query().Get("inputMint"))
		assert.Equal(t, "1000000000", r.URL.Query().Get("amount"))
		assert.Equal(t, "100", r.URL.Query().Get("slippageBps"))
		w.Write([]byte(`{"outAmount":"150000000","priceImpactPct":"0.0025","routePlan":[{"swapInfo":{"label":"Orca"}}]}`))
	})

	q, err := a.QuoteSwap(context.Background(), chain.SwapRequest{
		WalletAddress:  testWallet().String(),
		AssetIn:        "SOL",
		AssetOut:       "USDC",
		Amount:         decimal.NewFromInt(1),
		MaxSlippagePct: 1.0,
	})
	require.NoError(t, err)
	assert.True(t, q.ExpectedOut.Equal(decimal.NewFromInt(150)))
	assert.InDelta(t, 0.25, q.SlippagePct, 1e-9)
	assert.Equal(t, []string{"Orca"}, q.Route)
}

func TestExecuteSwap_SlippageExceededNeverBroadcasts(t *testing.T) {
	mock := &mockRPC{}
	prepareCalled := false
	a := newTestAdapter(t, mock, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/swap" {
			prepareCalled = true
		}
		w.Write([]byte(`{"outAmount":"150000000","priceImpactPct":"0.031","routePlan":[]}`))
	})
	signer := &fakeSigner{}

	_, err := a.ExecuteSwap(context.Background(), chain.SwapRequest{
		WalletID:       "w1",
		WalletAddress:  testWallet().String(),
		AssetIn:        "SOL",
		AssetOut:       "USDC",
		Amount:         decimal.NewFromInt(1),
		MaxSlippagePct: 1.0,
	}, signer)

	require.Error(t, err)
	assert.Equal(t, fault.KindSlippageExceeded, fault.KindOf(err))
	assert.Zero(t, signer.calls)
	assert.Empty(t, mock.sentTransactions)
	assert.False(t, prepareCalled)
}

func TestExecuteSwap(t *testing.T) {
	wallet := solanago.NewWallet()
	mock := &mockRPC{}

	a := newTestAdapter(t, mock, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/quote":
			w.Write([]byte(`{"outAmount":"150000000","priceImpactPct":"0.0025","routePlan":[{"swapInfo":{"label":"Orca"}}]}`))
		case "/swap":
			var req struct {
				UserPublicKey string          `json:"userPublicKey"`
				QuoteResponse json.RawMessage `json:"quoteResponse"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, wallet.PublicKey().String(), req.UserPublicKey)
			assert.Contains(t, string(req.QuoteResponse), "150000000")

			// Build a minimal valid transaction for the adapter to sign.
			tx, err := solanago.NewTransaction(
				[]solanago.Instruction{solanago.NewInstruction(
					solanago.MemoProgramID,
					solanago.AccountMetaSlice{solanago.NewAccountMeta(wallet.PublicKey(), true, true)},
					[]byte("swap"),
				)},
				solanago.Hash{0x02},
				solanago.TransactionPayer(wallet.PublicKey()),
			)
			require.NoError(t, err)
			raw, err := tx.MarshalBinary()
			require.NoError(t, err)
			json.NewEncoder(w).Encode(map[string]string{
				"swapTransaction": base64.StdEncoding.EncodeToString(raw),
			})
		default:
			http.NotFound(w, r)
		}
	})
	signer := &fakeSigner{}

	receipt, err := a.ExecuteSwap(context.Background(), chain.SwapRequest{
		WalletID:       "w1",
		WalletAddress:  wallet.PublicKey().String(),
		AssetIn:        "SOL",
		AssetOut:       "USDC",
		Amount:         decimal.NewFromInt(1),
		MaxSlippagePct: 1.0,
	}, signer)
	require.NoError(t, err)

	require.Len(t, mock.sentTransactions, 1)
	assert.Equal(t, 1, signer.calls)
	assert.Equal(t, chain.OpSwap, receipt.Kind)
	assert.True(t, chain.ValidTxHash(chain.FamilySolana, receipt.TxHash))
	require.NotNil(t, receipt.Swap)
	assert.True(t, receipt.Swap.ExpectedOut.Equal(decimal.NewFromInt(150)))
}

func TestExecuteLend_NoLendingProtocols(t *testing.T) {
	a := newTestAdapter(t, &mockRPC{}, nil)
	_, err := a.ExecuteLend(context.Background(), chain.LendRequest{
		WalletAddress: testWallet().String(),
		Protocol:      "raydium",
		Asset:         "USDC",
		Amount:        decimal.NewFromInt(1),
		Action:        chain.LendDeposit,
	}, &fakeSigner{})
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalidRequest, fault.KindOf(err))
}

func TestExecuteFarm(t *testing.T) {
	wallet := solanago.NewWallet()
	mock := &mockRPC{}
	a := newTestAdapter(t, mock, nil)

	pool := solanago.NewWallet().PublicKey().String()
	receipt, err := a.ExecuteFarm(context.Background(), chain.FarmRequest{
		WalletID:      "w1",
		WalletAddress: wallet.PublicKey().String(),
		Protocol:      "raydium",
		Pool:          pool,
		Amount:        decimal.RequireFromString("10.5"),
		Action:        chain.FarmAdd,
	}, &fakeSigner{})
	require.NoError(t, err)

	require.Len(t, mock.sentTransactions, 1)
	sent := mock.sentTransactions[0]
	require.Len(t, sent.Message.Instructions, 1)
	data := []byte(sent.Message.Instructions[0].Data)
	require.Len(t, data, 9)
	assert.Equal(t, byte(farmDepositTag), data[0])
	assert.Equal(t, uint64(10_500_000), binary.LittleEndian.Uint64(data[1:]))

	assert.Equal(t, chain.OpFarm, receipt.Kind)
	require.NotNil(t, receipt.Farm)
	assert.Equal(t, pool, receipt.Farm.Pool)
}

func TestExecuteFarm_UnknownProtocol(t *testing.T) {
	a := newTestAdapter(t, &mockRPC{}, nil)
	_, err := a.ExecuteFarm(context.Background(), chain.FarmRequest{
		WalletAddress: testWallet().String(),
		Protocol:      "madeup",
		Pool:          testWallet().String(),
		Amount:        decimal.NewFromInt(1),
		Action:        chain.FarmAdd,
	}, &fakeSigner{})
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalidRequest, fault.KindOf(err))
}

func TestTransactionStatus(t *testing.T) {
	sig := solanago.SignatureFromBytes(append([]byte{0xBB}, make([]byte, 63)...)).String()
	confirmations := func(n uint64) *uint64 { return &n }

	tests := []struct {
		name   string
		status *rpc.SignatureStatusesResult
		want   chain.StatusReport
	}{
		{
			name:   "unknown signature is pending",
			status: nil,
			want:   chain.StatusReport{State: chain.ConfirmPending},
		},
		{
			name:   "processed is still pending",
			status: &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusProcessed, Confirmations: confirmations(0)},
			want:   chain.StatusReport{State: chain.ConfirmPending},
		},
		{
			name:   "confirmed commitment",
			status: &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed, Confirmations: confirmations(12)},
			want:   chain.StatusReport{State: chain.ConfirmConfirmed, Confirmations: 12},
		},
		{
			name:   "finalized commitment",
			status: &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusFinalized},
			want:   chain.StatusReport{State: chain.ConfirmConfirmed, Finalized: true},
		},
		{
			name:   "on-chain error is failed",
			status: &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusFinalized, Err: map[string]any{"InstructionError": []any{}}},
			want:   chain.StatusReport{State: chain.ConfirmFailed, Finalized: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, &mockRPC{signatureStatus: tt.status}, nil)
			report, err := a.TransactionStatus(context.Background(), sig)
			require.NoError(t, err)
			assert.Equal(t, tt.want.State, report.State)
			assert.Equal(t, tt.want.Confirmations, report.Confirmations)
			assert.Equal(t, tt.want.Finalized, report.Finalized)
			if tt.want.State == chain.ConfirmFailed {
				assert.NotEmpty(t, report.FailureReason)
			}
		})
	}
}

func TestNormalizeSendErr(t *testing.T) {
	tests := []struct {
		msg  string
		kind fault.Kind
	}{
		{"Transfer: insufficient lamports 100, need 5000", fault.KindInsufficientFunds},
		{"Blockhash not found", fault.KindChainRejected},
		{"Transaction simulation failed: custom program error: 0x1", fault.KindChainRejected},
		// Ambiguous transport failures during send map to a kind the
		// orchestrator never retries: the node may already hold the tx.
		{"Post \"http://localhost\": connection refused", fault.KindUpstreamUnavailable},
		{"read tcp 10.0.0.5:443: i/o timeout", fault.KindUpstreamUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := normalizeSendErr(errors.New(tt.msg))
			assert.Equal(t, tt.kind, fault.KindOf(err))
			assert.False(t, fault.Retryable(fault.KindOf(err)))
		})
	}
}
