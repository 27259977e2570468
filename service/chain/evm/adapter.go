// Package evm implements the chain.Adapter contract for EVM chains. One
// adapter instance serves one configured chain (ethereum, polygon); they
// differ only in descriptor, token list, and aggregator chain id.
package evm

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ayalabs/defigw/service/chain"
	"github.com/ayalabs/defigw/service/fault"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// Blocks past inclusion before a transaction counts as finalized.
const finalityDepth = 12

// Backend is the subset of ethclient.Client the adapter needs. Narrowed so
// tests can substitute a mock without an RPC endpoint.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Adapter drives one EVM chain through a JSON-RPC backend and a swap
// aggregator.
type Adapter struct {
	chain    chain.Chain
	backend  Backend
	agg      *AggregatorClient
	registry *chain.Registry
	tokens   []Token
	logger   *slog.Logger
}

// New builds an adapter for the given chain descriptor.
func New(c chain.Chain, backend Backend, agg *AggregatorClient, registry *chain.Registry, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		chain:    c,
		backend:  backend,
		agg:      agg,
		registry: registry,
		tokens:   DefaultTokens(c.ID),
		logger:   logger.With("component", "evm_adapter", "chain", c.ID),
	}
}

func (a *Adapter) Chain() chain.Chain { return a.chain }

// GetBalance returns the native balance plus every nonzero balance from the
// chain's token list.
func (a *Adapter) GetBalance(ctx context.Context, address string) ([]chain.Balance, error) {
	if !chain.ValidAddress(chain.FamilyEVM, address) {
		return nil, fault.New(fault.KindInvalidAddress, "invalid evm address %q", address)
	}
	owner := common.HexToAddress(address)

	native, err := a.backend.BalanceAt(ctx, owner, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindChainUnavailable, err, "native balance query failed on %s", a.chain.ID)
	}
	out := []chain.Balance{{
		Symbol:   a.chain.NativeSymbol,
		Amount:   decimal.NewFromBigInt(native, -18),
		Decimals: 18,
	}}

	for _, t := range a.tokens {
		bal, err := a.erc20BalanceOf(ctx, common.HexToAddress(t.Address), owner)
		if err != nil {
			return nil, err
		}
		if bal.Sign() == 0 {
			continue
		}
		out = append(out, chain.Balance{
			Symbol:   t.Symbol,
			Address:  t.Address,
			Amount:   decimal.NewFromBigInt(bal, int32(-t.Decimals)),
			Decimals: t.Decimals,
		})
	}
	return out, nil
}

// GetPositions queries each lending protocol registered for this chain.
// One protocol failing annotates the result instead of aborting it.
func (a *Adapter) GetPositions(ctx context.Context, address string) (*chain.PositionSet, error) {
	if !chain.ValidAddress(chain.FamilyEVM, address) {
		return nil, fault.New(fault.KindInvalidAddress, "invalid evm address %q", address)
	}
	owner := common.HexToAddress(address)

	set := &chain.PositionSet{}
	for _, entry := range a.registry.ForChain(a.chain.ID) {
		if !entry.Supports(chain.ProtocolLending) {
			continue
		}
		data, err := a.lendingAccountData(ctx, common.HexToAddress(entry.Contract), owner)
		if err != nil {
			if set.Errors == nil {
				set.Errors = make(map[string]string)
			}
			set.Errors[entry.Name] = fault.MessageOf(err)
			a.logger.Warn("position query failed", "protocol", entry.Name, "error", err)
			continue
		}
		health := decimal.NewFromBigInt(data.HealthFactor, -18)
		if data.TotalCollateral.Sign() > 0 {
			set.Positions = append(set.Positions, chain.Position{
				Protocol:  entry.Name,
				Chain:     a.chain.ID,
				Wallet:    address,
				Kind:      chain.PositionSupplied,
				Asset:     a.chain.NativeSymbol,
				Principal: decimal.NewFromBigInt(data.TotalCollateral, -18),
				Health:    &health,
			})
		}
		if data.TotalDebt.Sign() > 0 {
			set.Positions = append(set.Positions, chain.Position{
				Protocol:  entry.Name,
				Chain:     a.chain.ID,
				Wallet:    address,
				Kind:      chain.PositionBorrowed,
				Asset:     a.chain.NativeSymbol,
				Principal: decimal.NewFromBigInt(data.TotalDebt, -18),
				Health:    &health,
			})
		}
	}
	return set, nil
}

// QuoteSwap fetches the best route from the aggregator without preparing or
// broadcasting anything.
func (a *Adapter) QuoteSwap(ctx context.Context, req chain.SwapRequest) (*chain.Quote, error) {
	src, dst, amountBase, err := a.resolveSwapPair(ctx, req)
	if err != nil {
		return nil, err
	}
	q, err := a.agg.Quote(ctx, a.chain.EVMChainID, src.Address, dst.Address, amountBase)
	if err != nil {
		return nil, err
	}
	expectedOut, err := parseBaseUnits(q.DstAmount, dst.Decimals)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstreamUnavailable, err, "aggregator returned malformed amount")
	}

	gasPrice, err := a.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.KindChainUnavailable, err, "gas price query failed on %s", a.chain.ID)
	}
	fee := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(q.Gas))

	return &chain.Quote{
		AssetIn:      req.AssetIn,
		AssetOut:     req.AssetOut,
		AmountIn:     req.Amount,
		ExpectedOut:  expectedOut,
		EstimatedFee: decimal.NewFromBigInt(fee, -18),
		SlippagePct:  q.PriceImpactPct,
		Route:        q.Route,
	}, nil
}

// ExecuteSwap quotes, enforces the slippage bound, then signs and
// broadcasts the aggregator-prepared transaction. The slippage check runs
// before any signing: a rejected swap never reaches the chain.
func (a *Adapter) ExecuteSwap(ctx context.Context, req chain.SwapRequest, signer chain.Signer) (*chain.Receipt, error) {
	src, dst, amountBase, err := a.resolveSwapPair(ctx, req)
	if err != nil {
		return nil, err
	}

	q, err := a.agg.Quote(ctx, a.chain.EVMChainID, src.Address, dst.Address, amountBase)
	if err != nil {
		return nil, err
	}
	if q.PriceImpactPct > req.MaxSlippagePct {
		return nil, fault.New(fault.KindSlippageExceeded,
			"price impact %.2f%% exceeds tolerance %.2f%%", q.PriceImpactPct, req.MaxSlippagePct)
	}

	swap, err := a.agg.Swap(ctx, a.chain.EVMChainID, src.Address, dst.Address, amountBase, req.WalletAddress, req.MaxSlippagePct)
	if err != nil {
		return nil, err
	}
	to := common.HexToAddress(swap.Tx.To)
	value, ok := new(big.Int).SetString(swap.Tx.Value, 10)
	if !ok {
		return nil, fault.New(fault.KindUpstreamUnavailable, "aggregator returned malformed tx value %q", swap.Tx.Value)
	}
	gasPrice, _ := new(big.Int).SetString(swap.Tx.GasPrice, 10)

	txHash, fee, err := a.signAndSend(ctx, req.WalletID, common.HexToAddress(req.WalletAddress),
		&to, value, common.FromHex(swap.Tx.Data), swap.Tx.Gas, gasPrice, signer)
	if err != nil {
		return nil, err
	}

	expectedOut, err := parseBaseUnits(swap.DstAmount, dst.Decimals)
	if err != nil {
		expectedOut = decimal.Zero
	}
	a.logger.Info("swap broadcast", "tx_hash", txHash, "asset_in", req.AssetIn, "asset_out", req.AssetOut)
	return &chain.Receipt{
		TxHash:       txHash,
		Kind:         chain.OpSwap,
		EstimatedFee: fee,
		Swap: &chain.SwapOutcome{
			AssetIn:     req.AssetIn,
			AssetOut:    req.AssetOut,
			AmountIn:    req.Amount,
			ExpectedOut: expectedOut,
			Route:       q.Route,
		},
	}, nil
}

// ExecuteLend deposits into or withdraws from an Aave-style lending pool.
func (a *Adapter) ExecuteLend(ctx context.Context, req chain.LendRequest, signer chain.Signer) (*chain.Receipt, error) {
	entry, ok := a.registry.Lookup(a.chain.ID, req.Protocol)
	if !ok {
		return nil, fault.New(fault.KindInvalidRequest, "unknown protocol %q on %s", req.Protocol, a.chain.ID)
	}
	if !entry.Supports(chain.ProtocolLending) {
		return nil, fault.New(fault.KindInvalidRequest, "protocol %q does not support lending", req.Protocol)
	}
	token, err := a.resolveAsset(ctx, req.Asset)
	if err != nil {
		return nil, err
	}
	if token.Address == NativeAssetAddress {
		return nil, fault.New(fault.KindInvalidRequest, "lending pools take the wrapped token, not the native asset")
	}
	amount := req.Amount.Shift(int32(token.Decimals)).BigInt()
	owner := common.HexToAddress(req.WalletAddress)
	tokenAddr := common.HexToAddress(token.Address)

	var data []byte
	switch req.Action {
	case chain.LendDeposit:
		data = callData(selDeposit, encodeAddress(tokenAddr), encodeUint256(amount), encodeAddress(owner), encodeUint16(0))
	case chain.LendWithdraw:
		data = callData(selWithdraw, encodeAddress(tokenAddr), encodeUint256(amount), encodeAddress(owner))
	default:
		return nil, fault.New(fault.KindInvalidRequest, "unknown lend action %q", req.Action)
	}

	pool := common.HexToAddress(entry.Contract)
	txHash, fee, err := a.signAndSend(ctx, req.WalletID, owner, &pool, big.NewInt(0), data, 0, nil, signer)
	if err != nil {
		return nil, err
	}
	a.logger.Info("lend broadcast", "tx_hash", txHash, "protocol", req.Protocol, "action", req.Action)
	return &chain.Receipt{
		TxHash:       txHash,
		Kind:         chain.OpLend,
		EstimatedFee: fee,
		Lend: &chain.LendOutcome{
			Protocol: req.Protocol,
			Asset:    req.Asset,
			Amount:   req.Amount,
			Action:   req.Action,
		},
	}, nil
}

// ExecuteFarm stakes LP tokens into or out of a farming protocol's staking
// contract.
func (a *Adapter) ExecuteFarm(ctx context.Context, req chain.FarmRequest, signer chain.Signer) (*chain.Receipt, error) {
	entry, ok := a.registry.Lookup(a.chain.ID, req.Protocol)
	if !ok {
		return nil, fault.New(fault.KindInvalidRequest, "unknown protocol %q on %s", req.Protocol, a.chain.ID)
	}
	if !entry.Supports(chain.ProtocolFarming) {
		return nil, fault.New(fault.KindInvalidRequest, "protocol %q does not support farming", req.Protocol)
	}
	if !common.IsHexAddress(req.Pool) {
		return nil, fault.New(fault.KindInvalidRequest, "pool must be an lp token address, got %q", req.Pool)
	}
	// LP tokens are uniformly 18 decimals.
	amount := req.Amount.Shift(18).BigInt()
	owner := common.HexToAddress(req.WalletAddress)
	poolAddr := common.HexToAddress(req.Pool)

	var data []byte
	switch req.Action {
	case chain.FarmAdd:
		data = callData(selStake, encodeAddress(poolAddr), encodeUint256(amount))
	case chain.FarmRemove:
		data = callData(selUnstake, encodeAddress(poolAddr), encodeUint256(amount))
	default:
		return nil, fault.New(fault.KindInvalidRequest, "unknown farm action %q", req.Action)
	}

	target := common.HexToAddress(entry.Contract)
	txHash, fee, err := a.signAndSend(ctx, req.WalletID, owner, &target, big.NewInt(0), data, 0, nil, signer)
	if err != nil {
		return nil, err
	}
	a.logger.Info("farm broadcast", "tx_hash", txHash, "protocol", req.Protocol, "action", req.Action)
	return &chain.Receipt{
		TxHash:       txHash,
		Kind:         chain.OpFarm,
		EstimatedFee: fee,
		Farm: &chain.FarmOutcome{
			Protocol: req.Protocol,
			Pool:     req.Pool,
			Amount:   req.Amount,
			Action:   req.Action,
		},
	}, nil
}

// TransactionStatus reports confirmation progress. A hash with no receipt
// yet is pending; a receipt with status zero is failed; anything else is
// confirmed, finalized once it is finalityDepth blocks deep.
func (a *Adapter) TransactionStatus(ctx context.Context, txHash string) (*chain.StatusReport, error) {
	if !chain.ValidTxHash(chain.FamilyEVM, txHash) {
		return nil, fault.New(fault.KindInvalidRequest, "invalid evm transaction hash %q", txHash)
	}
	hash := common.HexToHash(txHash)

	receipt, err := a.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			// Not mined; mempool visibility is best-effort.
			return &chain.StatusReport{State: chain.ConfirmPending}, nil
		}
		return nil, fault.Wrap(fault.KindChainUnavailable, err, "receipt query failed on %s", a.chain.ID)
	}

	if receipt.Status == types.ReceiptStatusFailed {
		return &chain.StatusReport{
			State:         chain.ConfirmFailed,
			Finalized:     true,
			FailureReason: "execution reverted",
		}, nil
	}

	head, err := a.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.KindChainUnavailable, err, "head query failed on %s", a.chain.ID)
	}
	var confs uint64
	if mined := receipt.BlockNumber.Uint64(); head >= mined {
		confs = head - mined + 1
	}
	return &chain.StatusReport{
		State:         chain.ConfirmConfirmed,
		Confirmations: confs,
		Finalized:     confs >= finalityDepth,
	}, nil
}

func (a *Adapter) resolveSwapPair(ctx context.Context, req chain.SwapRequest) (src, dst Token, amountBase *big.Int, err error) {
	if !chain.ValidAddress(chain.FamilyEVM, req.WalletAddress) {
		return Token{}, Token{}, nil, fault.New(fault.KindInvalidAddress, "invalid evm address %q", req.WalletAddress)
	}
	if req.Amount.Sign() <= 0 {
		return Token{}, Token{}, nil, fault.New(fault.KindInvalidRequest, "amount must be positive")
	}
	if src, err = a.resolveAsset(ctx, req.AssetIn); err != nil {
		return Token{}, Token{}, nil, err
	}
	if dst, err = a.resolveAsset(ctx, req.AssetOut); err != nil {
		return Token{}, Token{}, nil, err
	}
	if strings.EqualFold(src.Address, dst.Address) {
		return Token{}, Token{}, nil, fault.New(fault.KindInvalidRequest, "cannot swap %q for itself", req.AssetIn)
	}
	return src, dst, req.Amount.Shift(int32(src.Decimals)).BigInt(), nil
}

// signAndSend assembles a legacy transaction, obtains a signature from the
// vault, and broadcasts it. gasHint and gasPriceHint come from the
// aggregator when available; zero values fall back to node estimates.
func (a *Adapter) signAndSend(ctx context.Context, walletID string, from common.Address, to *common.Address,
	value *big.Int, data []byte, gasHint uint64, gasPriceHint *big.Int, signer chain.Signer) (string, decimal.Decimal, error) {

	nonce, err := a.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return "", decimal.Zero, fault.Wrap(fault.KindChainUnavailable, err, "nonce query failed on %s", a.chain.ID)
	}

	gasPrice := gasPriceHint
	if gasPrice == nil || gasPrice.Sign() == 0 {
		if gasPrice, err = a.backend.SuggestGasPrice(ctx); err != nil {
			return "", decimal.Zero, fault.Wrap(fault.KindChainUnavailable, err, "gas price query failed on %s", a.chain.ID)
		}
	}

	gas := gasHint
	if gas == 0 {
		gas, err = a.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: to, Value: value, Data: data})
		if err != nil {
			return "", decimal.Zero, normalizeCallErr(err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       to,
		Value:    value,
		Data:     data,
	})
	ethSigner := types.LatestSignerForChainID(big.NewInt(a.chain.EVMChainID))

	sig, err := signer.Sign(ctx, walletID, ethSigner.Hash(tx).Bytes())
	if err != nil {
		return "", decimal.Zero, err
	}
	signed, err := tx.WithSignature(ethSigner, sig)
	if err != nil {
		return "", decimal.Zero, fault.Wrap(fault.KindSigningFailed, err, "applying signature")
	}

	if err := a.backend.SendTransaction(ctx, signed); err != nil {
		return "", decimal.Zero, normalizeSendErr(err)
	}

	fee := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gas))
	return signed.Hash().Hex(), decimal.NewFromBigInt(fee, -18), nil
}

// normalizeCallErr maps failures from read-only node calls (gas estimation,
// simulation) onto the fault taxonomy. Nothing has reached the chain at this
// point, so an unrecognized transport failure stays transient and retryable.
// Geth and friends report these as opaque RPC errors, so string matching is
// the only handle we have.
func normalizeCallErr(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return fault.Wrap(fault.KindInsufficientFunds, err, "insufficient funds for transaction")
	case strings.Contains(msg, "revert"):
		return fault.Wrap(fault.KindChainRejected, err, "node rejected transaction")
	default:
		return fault.Wrap(fault.KindChainUnavailable, err, "chain call failed")
	}
}

// normalizeSendErr maps SendTransaction failures onto the fault taxonomy.
// Recognized rejection strings mean the node refused the transaction and it
// never entered the mempool. Anything else (a timeout, a dropped connection)
// is ambiguous: the node may have accepted the transaction before the
// connection died, so the failure must never trigger a re-broadcast.
func normalizeSendErr(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return fault.Wrap(fault.KindInsufficientFunds, err, "insufficient funds for transaction")
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "underpriced"),
		strings.Contains(msg, "already known"),
		strings.Contains(msg, "revert"):
		return fault.Wrap(fault.KindChainRejected, err, "node rejected transaction")
	default:
		return fault.Wrap(fault.KindUpstreamUnavailable, err, "broadcast outcome unknown")
	}
}

// parseBaseUnits converts a decimal string of base units into a
// human-denominated amount.
func parseBaseUnits(raw string, decimals int) (decimal.Decimal, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return decimal.Zero, fault.New(fault.KindInternal, "malformed base unit amount %q", raw)
	}
	return decimal.NewFromBigInt(v, int32(-decimals)), nil
}
