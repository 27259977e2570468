// Package orchestrator turns validated operation requests into broadcast
// on-chain transactions. It owns validation, per-(wallet, chain)
// serialization, bounded retry on transient chain failures, and the
// creation of the lifecycle record handed to the tracker.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ayalabs/defigw/service/chain"
	"github.com/ayalabs/defigw/service/db"
	"github.com/ayalabs/defigw/service/fault"
	"github.com/ayalabs/defigw/service/metrics"
)

// Store is the subset of the database layer the orchestrator uses. It only
// ever inserts transaction rows; updates belong to the tracker.
type Store interface {
	GetWalletByAddress(ctx context.Context, address string, family chain.Family) (*db.Wallet, error)
	CreateTransaction(ctx context.Context, params db.CreateTransactionParams) (*db.Transaction, error)
}

// Tracker starts lifecycle tracking for a newly created transaction.
type Tracker interface {
	Track(ctx context.Context, txID string) error
}

// Config bounds the orchestrator's retry behavior.
type Config struct {
	MaxSlippagePct  float64
	ExecuteAttempts int
	ExecuteBackoff  time.Duration
}

// Result is what the caller gets back immediately after broadcast; the
// orchestrator never waits for confirmation.
type Result struct {
	TxID   string     `json:"tx_id"`
	TxHash string     `json:"tx_hash"`
	State  db.TxState `json:"state"`
}

// Orchestrator executes swap, lend, and farm requests.
type Orchestrator struct {
	set     *chain.Set
	store   Store
	signer  chain.Signer
	tracker Tracker
	cfg     Config
	locks   *keyedMutex
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New builds an orchestrator over the configured adapter set.
func New(set *chain.Set, store Store, signer chain.Signer, tracker Tracker, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	if cfg.ExecuteAttempts < 1 {
		cfg.ExecuteAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		set:     set,
		store:   store,
		signer:  signer,
		tracker: tracker,
		cfg:     cfg,
		locks:   newKeyedMutex(),
		metrics: m,
		logger:  logger.With("component", "orchestrator"),
	}
}

// Swap executes a token swap.
func (o *Orchestrator) Swap(ctx context.Context, chainID string, req chain.SwapRequest) (*Result, error) {
	if req.AssetIn == "" || req.AssetOut == "" {
		return nil, fault.New(fault.KindInvalidRequest, "asset_in and asset_out are required")
	}
	if req.MaxSlippagePct < 0 || req.MaxSlippagePct > o.cfg.MaxSlippagePct {
		return nil, fault.New(fault.KindInvalidRequest,
			"max_slippage must be within [0, %g], got %g", o.cfg.MaxSlippagePct, req.MaxSlippagePct)
	}
	adapter, wallet, err := o.resolve(ctx, chainID, req.WalletAddress, req.Amount.Sign())
	if err != nil {
		return nil, err
	}
	req.WalletID = wallet.ID

	return o.execute(ctx, adapter, wallet, chain.OpSwap, func(ctx context.Context) (*chain.Receipt, error) {
		return adapter.ExecuteSwap(ctx, req, o.signer)
	})
}

// Lend executes a lending deposit or withdrawal.
func (o *Orchestrator) Lend(ctx context.Context, chainID string, req chain.LendRequest) (*Result, error) {
	if req.Protocol == "" || req.Asset == "" {
		return nil, fault.New(fault.KindInvalidRequest, "protocol and asset are required")
	}
	if req.Action != chain.LendDeposit && req.Action != chain.LendWithdraw {
		return nil, fault.New(fault.KindInvalidRequest, "action must be deposit or withdraw, got %q", req.Action)
	}
	adapter, wallet, err := o.resolve(ctx, chainID, req.WalletAddress, req.Amount.Sign())
	if err != nil {
		return nil, err
	}
	req.WalletID = wallet.ID

	return o.execute(ctx, adapter, wallet, chain.OpLend, func(ctx context.Context) (*chain.Receipt, error) {
		return adapter.ExecuteLend(ctx, req, o.signer)
	})
}

// Farm executes a liquidity add or remove.
func (o *Orchestrator) Farm(ctx context.Context, chainID string, req chain.FarmRequest) (*Result, error) {
	if req.Protocol == "" || req.Pool == "" {
		return nil, fault.New(fault.KindInvalidRequest, "protocol and pool are required")
	}
	if req.Action != chain.FarmAdd && req.Action != chain.FarmRemove {
		return nil, fault.New(fault.KindInvalidRequest, "action must be add or remove, got %q", req.Action)
	}
	adapter, wallet, err := o.resolve(ctx, chainID, req.WalletAddress, req.Amount.Sign())
	if err != nil {
		return nil, err
	}
	req.WalletID = wallet.ID

	return o.execute(ctx, adapter, wallet, chain.OpFarm, func(ctx context.Context) (*chain.Receipt, error) {
		return adapter.ExecuteFarm(ctx, req, o.signer)
	})
}

// resolve runs the shared validation steps: positive amount, configured
// chain, registered wallet, and family match between wallet and chain.
func (o *Orchestrator) resolve(ctx context.Context, chainID, walletAddress string, amountSign int) (chain.Adapter, *db.Wallet, error) {
	if amountSign <= 0 {
		return nil, nil, fault.New(fault.KindInvalidRequest, "amount must be positive")
	}
	adapter, ok := o.set.For(chainID)
	if !ok {
		return nil, nil, fault.New(fault.KindUnsupportedChain, "chain %q is not configured", chainID)
	}
	family := adapter.Chain().Family
	if !chain.ValidAddress(family, walletAddress) {
		return nil, nil, fault.New(fault.KindInvalidAddress, "invalid %s address %q", family, walletAddress)
	}
	wallet, err := o.store.GetWalletByAddress(ctx, walletAddress, family)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil, fault.New(fault.KindInvalidRequest, "wallet %q is not registered for %s", walletAddress, chainID)
	}
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindInternal, err, "wallet lookup failed")
	}
	return adapter, wallet, nil
}

// execute serializes on the (wallet, chain) pair, runs the capability with
// bounded retry on transient failures, then records and hands off the
// transaction. The broadcast itself is never retried: only attempts that
// failed with ChainUnavailable, before anything reached the chain.
func (o *Orchestrator) execute(ctx context.Context, adapter chain.Adapter, wallet *db.Wallet,
	kind chain.OpKind, run func(ctx context.Context) (*chain.Receipt, error)) (*Result, error) {

	chainID := adapter.Chain().ID
	unlock := o.locks.lock(wallet.ID + "/" + chainID)
	defer unlock()

	start := time.Now()
	var receipt *chain.Receipt
	var err error
	for attempt := 1; ; attempt++ {
		receipt, err = run(ctx)
		if err == nil {
			break
		}
		if fault.KindOf(err) != fault.KindChainUnavailable || attempt >= o.cfg.ExecuteAttempts {
			if fault.KindOf(err) == fault.KindChainUnavailable {
				err = fault.Wrap(fault.KindUpstreamUnavailable, err,
					"chain unavailable after %d attempts", attempt)
			}
			if fault.KindOf(err) == fault.KindSlippageExceeded {
				o.metrics.RecordSlippageReject(chainID)
			}
			o.metrics.RecordOperation(string(kind), chainID, "error", time.Since(start).Seconds())
			return nil, err
		}
		o.metrics.RecordOperationRetry(string(kind), chainID)
		o.logger.Warn("transient chain failure, retrying",
			"chain", chainID, "kind", kind, "attempt", attempt, "error", err)
		select {
		case <-time.After(o.cfg.ExecuteBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			o.metrics.RecordOperation(string(kind), chainID, "error", time.Since(start).Seconds())
			return nil, fault.Wrap(fault.KindUpstreamUnavailable, ctx.Err(), "canceled while retrying")
		}
	}
	o.metrics.RecordOperation(string(kind), chainID, "success", time.Since(start).Seconds())

	txn, err := o.store.CreateTransaction(ctx, db.CreateTransactionParams{
		WalletID: wallet.ID,
		Chain:    chainID,
		Kind:     kind,
		TxHash:   receipt.TxHash,
		Metadata: receipt,
	})
	if err != nil {
		// The broadcast already happened; surface the hash so the caller
		// is not blind, but flag the record failure.
		o.logger.Error("transaction record failed after broadcast",
			"chain", chainID, "tx_hash", receipt.TxHash, "error", err)
		return nil, fault.Wrap(fault.KindInternal, err, "broadcast succeeded (hash %s) but recording failed", receipt.TxHash)
	}

	if err := o.tracker.Track(ctx, txn.ID); err != nil {
		// Reconciliation will pick the row up; do not fail the request.
		o.logger.Warn("tracker handoff failed, reconciliation will recover",
			"tx_id", txn.ID, "error", err)
	}

	o.logger.Info("operation submitted",
		"tx_id", txn.ID, "tx_hash", receipt.TxHash, "chain", chainID, "kind", kind)
	return &Result{TxID: txn.ID, TxHash: receipt.TxHash, State: txn.State}, nil
}
