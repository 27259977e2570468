// Package solana implements the chain.Adapter contract for Solana. Swaps
// route through a Jupiter-style aggregator; farming stakes LP tokens into
// the protocol's program directly.
package solana

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ayalabs/defigw/service/chain"
	"github.com/ayalabs/defigw/service/fault"
	bin "github.com/gagliardetto/binary"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// Flat per-signature fee; Solana fees do not depend on compute here.
const lamportsPerSignature = 5000

// Instruction tags for the farm staking programs we drive.
const (
	farmDepositTag  = 1
	farmWithdrawTag = 2
)

// RPCClient is the subset of the Solana RPC surface the adapter needs.
// Narrowed so tests can substitute a mock without hitting real nodes.
type RPCClient interface {
	GetBalance(ctx context.Context, account solanago.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountsByOwner(ctx context.Context, owner solanago.PublicKey, conf *rpc.GetTokenAccountsConfig, opts *rpc.GetTokenAccountsOpts) (*rpc.GetTokenAccountsResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solanago.Transaction, opts rpc.TransactionOpts) (solanago.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solanago.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// Adapter drives Solana through an RPC client and a swap aggregator.
type Adapter struct {
	chain    chain.Chain
	rpc      RPCClient
	agg      *AggregatorClient
	registry *chain.Registry
	mints    []Mint
	logger   *slog.Logger
}

// New builds the Solana adapter.
func New(c chain.Chain, rpcClient RPCClient, agg *AggregatorClient, registry *chain.Registry, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		chain:    c,
		rpc:      rpcClient,
		agg:      agg,
		registry: registry,
		mints:    KnownMints(),
		logger:   logger.With("component", "solana_adapter", "chain", c.ID),
	}
}

func (a *Adapter) Chain() chain.Chain { return a.chain }

// GetBalance returns the SOL balance plus every nonzero SPL balance whose
// mint is on the known list.
func (a *Adapter) GetBalance(ctx context.Context, address string) ([]chain.Balance, error) {
	owner, err := solanago.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fault.New(fault.KindInvalidAddress, "invalid solana address %q", address)
	}

	native, err := a.rpc.GetBalance(ctx, owner, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fault.Wrap(fault.KindChainUnavailable, err, "native balance query failed")
	}
	out := []chain.Balance{{
		Symbol:   a.chain.NativeSymbol,
		Amount:   decimal.New(int64(native.Value), -9),
		Decimals: 9,
	}}

	tokenProgram := solanago.TokenProgramID
	accounts, err := a.rpc.GetTokenAccountsByOwner(ctx, owner,
		&rpc.GetTokenAccountsConfig{ProgramId: &tokenProgram},
		&rpc.GetTokenAccountsOpts{Encoding: solanago.EncodingBase64})
	if err != nil {
		return nil, fault.Wrap(fault.KindChainUnavailable, err, "token account query failed")
	}

	for _, acc := range accounts.Value {
		data := acc.Account.Data.GetBinary()
		// SPL token account layout: mint at 0, owner at 32, amount u64 LE at 64.
		if len(data) < 72 {
			continue
		}
		amount := binary.LittleEndian.Uint64(data[64:72])
		if amount == 0 {
			continue
		}
		mintAddr := solanago.PublicKeyFromBytes(data[:32]).String()
		mint, ok := a.lookupMint(mintAddr)
		if !ok {
			continue
		}
		out = append(out, chain.Balance{
			Symbol:   mint.Symbol,
			Address:  mint.Address,
			Amount:   decimal.New(int64(amount), int32(-mint.Decimals)),
			Decimals: mint.Decimals,
		})
	}
	return out, nil
}

// GetPositions is best-effort per protocol. No registered Solana protocol
// exposes an account-level position reader over plain RPC, so the result
// carries annotations rather than positions.
func (a *Adapter) GetPositions(ctx context.Context, address string) (*chain.PositionSet, error) {
	if _, err := solanago.PublicKeyFromBase58(address); err != nil {
		return nil, fault.New(fault.KindInvalidAddress, "invalid solana address %q", address)
	}
	set := &chain.PositionSet{}
	for _, entry := range a.registry.ForChain(a.chain.ID) {
		if !entry.Supports(chain.ProtocolLending) {
			continue
		}
		if set.Errors == nil {
			set.Errors = make(map[string]string)
		}
		set.Errors[entry.Name] = "no position reader for protocol"
	}
	return set, nil
}

// QuoteSwap fetches the best route from the aggregator without preparing
// or broadcasting anything.
func (a *Adapter) QuoteSwap(ctx context.Context, req chain.SwapRequest) (*chain.Quote, error) {
	in, out, amountBase, err := a.resolveSwapPair(req)
	if err != nil {
		return nil, err
	}
	quote, err := a.agg.Quote(ctx, in.Address, out.Address, amountBase, slippageBps(req.MaxSlippagePct))
	if err != nil {
		return nil, err
	}
	expectedOut, err := parseBaseUnits(quote.OutAmount, out.Decimals)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstreamUnavailable, err, "aggregator returned malformed amount")
	}
	return &chain.Quote{
		AssetIn:      req.AssetIn,
		AssetOut:     req.AssetOut,
		AmountIn:     req.Amount,
		ExpectedOut:  expectedOut,
		EstimatedFee: decimal.New(lamportsPerSignature, -9),
		SlippagePct:  quote.PriceImpact(),
		Route:        quote.Route(),
	}, nil
}

// ExecuteSwap quotes, enforces the slippage bound, has the aggregator
// prepare the transaction, then signs and broadcasts it. The slippage
// check runs before any signing.
func (a *Adapter) ExecuteSwap(ctx context.Context, req chain.SwapRequest, signer chain.Signer) (*chain.Receipt, error) {
	in, out, amountBase, err := a.resolveSwapPair(req)
	if err != nil {
		return nil, err
	}
	quote, err := a.agg.Quote(ctx, in.Address, out.Address, amountBase, slippageBps(req.MaxSlippagePct))
	if err != nil {
		return nil, err
	}
	if impact := quote.PriceImpact(); impact > req.MaxSlippagePct {
		return nil, fault.New(fault.KindSlippageExceeded,
			"price impact %.2f%% exceeds tolerance %.2f%%", impact, req.MaxSlippagePct)
	}

	rawTx, err := a.agg.PrepareSwap(ctx, quote, req.WalletAddress)
	if err != nil {
		return nil, err
	}
	decoded, err := base64.StdEncoding.DecodeString(rawTx)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstreamUnavailable, err, "aggregator returned malformed transaction")
	}
	tx, err := solanago.TransactionFromDecoder(bin.NewBinDecoder(decoded))
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstreamUnavailable, err, "decoding aggregator transaction")
	}

	sig, err := a.signAndSend(ctx, req.WalletID, tx, signer)
	if err != nil {
		return nil, err
	}

	expectedOut, err := parseBaseUnits(quote.OutAmount, out.Decimals)
	if err != nil {
		expectedOut = decimal.Zero
	}
	a.logger.Info("swap broadcast", "tx_hash", sig, "asset_in", req.AssetIn, "asset_out", req.AssetOut)
	return &chain.Receipt{
		TxHash:       sig,
		Kind:         chain.OpSwap,
		EstimatedFee: decimal.New(lamportsPerSignature, -9),
		Swap: &chain.SwapOutcome{
			AssetIn:     req.AssetIn,
			AssetOut:    req.AssetOut,
			AmountIn:    req.Amount,
			ExpectedOut: expectedOut,
			Route:       quote.Route(),
		},
	}, nil
}

// ExecuteLend rejects: no registered Solana protocol supports lending.
func (a *Adapter) ExecuteLend(ctx context.Context, req chain.LendRequest, _ chain.Signer) (*chain.Receipt, error) {
	if entry, ok := a.registry.Lookup(a.chain.ID, req.Protocol); ok && entry.Supports(chain.ProtocolLending) {
		return nil, fault.New(fault.KindInternal, "no lend builder for protocol %q", req.Protocol)
	}
	return nil, fault.New(fault.KindInvalidRequest, "no lending protocol %q on %s", req.Protocol, a.chain.ID)
}

// ExecuteFarm stakes LP tokens into or out of the protocol's farm program.
func (a *Adapter) ExecuteFarm(ctx context.Context, req chain.FarmRequest, signer chain.Signer) (*chain.Receipt, error) {
	entry, ok := a.registry.Lookup(a.chain.ID, req.Protocol)
	if !ok {
		return nil, fault.New(fault.KindInvalidRequest, "unknown protocol %q on %s", req.Protocol, a.chain.ID)
	}
	if !entry.Supports(chain.ProtocolFarming) {
		return nil, fault.New(fault.KindInvalidRequest, "protocol %q does not support farming", req.Protocol)
	}
	owner, err := solanago.PublicKeyFromBase58(req.WalletAddress)
	if err != nil {
		return nil, fault.New(fault.KindInvalidAddress, "invalid solana address %q", req.WalletAddress)
	}
	pool, err := solanago.PublicKeyFromBase58(req.Pool)
	if err != nil {
		return nil, fault.New(fault.KindInvalidRequest, "pool must be a base58 account, got %q", req.Pool)
	}
	program, err := solanago.PublicKeyFromBase58(entry.Contract)
	if err != nil {
		return nil, fault.New(fault.KindInternal, "malformed program id for protocol %q", req.Protocol)
	}

	// LP mints use 6 decimals on both registered venues.
	amount := req.Amount.Shift(6).BigInt().Uint64()
	data := make([]byte, 9)
	switch req.Action {
	case chain.FarmAdd:
		data[0] = farmDepositTag
	case chain.FarmRemove:
		data[0] = farmWithdrawTag
	default:
		return nil, fault.New(fault.KindInvalidRequest, "unknown farm action %q", req.Action)
	}
	binary.LittleEndian.PutUint64(data[1:], amount)

	inst := solanago.NewInstruction(program, solanago.AccountMetaSlice{
		solanago.NewAccountMeta(pool, true, false),
		solanago.NewAccountMeta(owner, true, true),
	}, data)

	blockhash, err := a.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fault.Wrap(fault.KindChainUnavailable, err, "blockhash query failed")
	}
	tx, err := solanago.NewTransaction([]solanago.Instruction{inst},
		blockhash.Value.Blockhash, solanago.TransactionPayer(owner))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "assembling farm transaction")
	}

	sig, err := a.signAndSend(ctx, req.WalletID, tx, signer)
	if err != nil {
		return nil, err
	}
	a.logger.Info("farm broadcast", "tx_hash", sig, "protocol", req.Protocol, "action", req.Action)
	return &chain.Receipt{
		TxHash:       sig,
		Kind:         chain.OpFarm,
		EstimatedFee: decimal.New(lamportsPerSignature, -9),
		Farm: &chain.FarmOutcome{
			Protocol: req.Protocol,
			Pool:     req.Pool,
			Amount:   req.Amount,
			Action:   req.Action,
		},
	}, nil
}

// TransactionStatus maps commitment levels onto confirmation state:
// processed is still pending, confirmed and finalized are confirmed, and a
// transaction error at any level is failed.
func (a *Adapter) TransactionStatus(ctx context.Context, txHash string) (*chain.StatusReport, error) {
	sig, err := solanago.SignatureFromBase58(txHash)
	if err != nil {
		return nil, fault.New(fault.KindInvalidRequest, "invalid solana signature %q", txHash)
	}
	res, err := a.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, fault.Wrap(fault.KindChainUnavailable, err, "signature status query failed")
	}
	if len(res.Value) == 0 || res.Value[0] == nil {
		// Not yet visible; either still propagating or the blockhash expired.
		return &chain.StatusReport{State: chain.ConfirmPending}, nil
	}
	st := res.Value[0]
	if st.Err != nil {
		return &chain.StatusReport{
			State:         chain.ConfirmFailed,
			Finalized:     true,
			FailureReason: fmt.Sprintf("%v", st.Err),
		}, nil
	}
	var confs uint64
	if st.Confirmations != nil {
		confs = *st.Confirmations
	}
	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusFinalized:
		return &chain.StatusReport{State: chain.ConfirmConfirmed, Confirmations: confs, Finalized: true}, nil
	case rpc.ConfirmationStatusConfirmed:
		return &chain.StatusReport{State: chain.ConfirmConfirmed, Confirmations: confs}, nil
	default:
		return &chain.StatusReport{State: chain.ConfirmPending, Confirmations: confs}, nil
	}
}

func (a *Adapter) lookupMint(address string) (Mint, bool) {
	for _, m := range a.mints {
		if m.Address == address {
			return m, true
		}
	}
	return Mint{}, false
}

func (a *Adapter) resolveSwapPair(req chain.SwapRequest) (in, out Mint, amountBase uint64, err error) {
	if _, err := solanago.PublicKeyFromBase58(req.WalletAddress); err != nil {
		return Mint{}, Mint{}, 0, fault.New(fault.KindInvalidAddress, "invalid solana address %q", req.WalletAddress)
	}
	if req.Amount.Sign() <= 0 {
		return Mint{}, Mint{}, 0, fault.New(fault.KindInvalidRequest, "amount must be positive")
	}
	if in, err = a.resolveMint(req.AssetIn); err != nil {
		return Mint{}, Mint{}, 0, err
	}
	if out, err = a.resolveMint(req.AssetOut); err != nil {
		return Mint{}, Mint{}, 0, err
	}
	if in.Address == out.Address {
		return Mint{}, Mint{}, 0, fault.New(fault.KindInvalidRequest, "cannot swap %q for itself", req.AssetIn)
	}
	return in, out, req.Amount.Shift(int32(in.Decimals)).BigInt().Uint64(), nil
}

// signAndSend obtains a signature over the serialized message from the
// vault, attaches it as the fee payer signature, and broadcasts.
func (a *Adapter) signAndSend(ctx context.Context, walletID string, tx *solanago.Transaction, signer chain.Signer) (string, error) {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, err, "serializing message")
	}
	sigBytes, err := signer.Sign(ctx, walletID, msg)
	if err != nil {
		return "", err
	}
	if len(sigBytes) != 64 {
		return "", fault.New(fault.KindSigningFailed, "expected 64-byte signature, got %d", len(sigBytes))
	}
	tx.Signatures = []solanago.Signature{solanago.SignatureFromBytes(sigBytes)}

	sig, err := a.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", normalizeSendErr(err)
	}
	return sig.String(), nil
}

// normalizeSendErr maps sendTransaction failures onto the fault taxonomy.
// Recognized rejection strings mean preflight refused the transaction.
// Anything else is ambiguous: the node may have accepted the transaction
// before the connection died, so the failure must never trigger a
// re-broadcast.
func normalizeSendErr(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"), strings.Contains(msg, "insufficient lamports"):
		return fault.Wrap(fault.KindInsufficientFunds, err, "insufficient funds for transaction")
	case strings.Contains(msg, "blockhash not found"),
		strings.Contains(msg, "custom program error"),
		strings.Contains(msg, "simulation failed"):
		return fault.Wrap(fault.KindChainRejected, err, "node rejected transaction")
	default:
		return fault.Wrap(fault.KindUpstreamUnavailable, err, "broadcast outcome unknown")
	}
}

func slippageBps(pct float64) int {
	return int(pct * 100)
}

func parseBaseUnits(raw string, decimals int) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	return v.Shift(int32(-decimals)), nil
}
