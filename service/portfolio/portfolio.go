// Package portfolio fans balance and position queries out across chains
// and merges them into one valued snapshot.
package portfolio

import (
	"context"
	"log/slog"
	"time"

	"github.com/ayalabs/defigw/service/chain"
	"github.com/ayalabs/defigw/service/fault"
	"github.com/ayalabs/defigw/service/pricing"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// AssetBalance is a chain balance annotated with its USD value. USDValue is
// zero when the pricing collaborator has no quote for the asset.
type AssetBalance struct {
	chain.Balance
	USDValue decimal.Decimal `json:"usd_value"`
}

// ChainSection is one chain's slice of a snapshot. A failed chain carries
// an error marker and empty data; the other chains are unaffected.
type ChainSection struct {
	Chain          string            `json:"chain"`
	Balances       []AssetBalance    `json:"balances"`
	Positions      []chain.Position  `json:"positions"`
	PositionErrors map[string]string `json:"position_errors,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// Snapshot is the merged result of one portfolio query. Recomputed per
// request, never persisted.
type Snapshot struct {
	Wallet       string          `json:"wallet"`
	Chains       []ChainSection  `json:"chains"`
	TotalUSD     decimal.Decimal `json:"total_usd"`
	PricingError string          `json:"pricing_error,omitempty"`
	ComputedAt   time.Time       `json:"computed_at"`
}

// Aggregator merges per-chain adapter queries into snapshots.
type Aggregator struct {
	set    *chain.Set
	prices pricing.Provider
	logger *slog.Logger
}

// New builds an aggregator over the configured adapter set.
func New(set *chain.Set, prices pricing.Provider, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{set: set, prices: prices, logger: logger.With("component", "portfolio")}
}

// Snapshot queries every requested chain concurrently and joins the
// results. An empty chain list means every configured chain whose family
// matches the address format: an EVM address holds nothing on Solana, so
// those chains are skipped rather than queried into an error. One chain
// failing downgrades its section to an error marker; the snapshot itself
// only fails when the address is malformed or a requested chain is not
// configured at all.
func (a *Aggregator) Snapshot(ctx context.Context, walletAddress string, chainIDs []string) (*Snapshot, error) {
	family, ok := chain.DetectFamily(walletAddress)
	if !ok {
		return nil, fault.New(fault.KindInvalidAddress, "address %q is not valid for any supported chain family", walletAddress)
	}
	if len(chainIDs) == 0 {
		for _, c := range a.set.Chains() {
			if c.Family == family {
				chainIDs = append(chainIDs, c.ID)
			}
		}
	}

	adapters := make([]chain.Adapter, len(chainIDs))
	for i, id := range chainIDs {
		adapter, ok := a.set.For(id)
		if !ok {
			return nil, fault.New(fault.KindUnsupportedChain, "chain %q is not configured", id)
		}
		adapters[i] = adapter
	}

	sections := make([]ChainSection, len(chainIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, adapter := range adapters {
		g.Go(func() error {
			sections[i] = a.querySection(gctx, adapter, walletAddress)
			return nil
		})
	}
	_ = g.Wait()

	snap := &Snapshot{
		Wallet:     walletAddress,
		Chains:     sections,
		TotalUSD:   decimal.Zero,
		ComputedAt: time.Now().UTC(),
	}
	a.value(ctx, snap)
	return snap, nil
}

// Positions returns one chain's position set for the wallet.
func (a *Aggregator) Positions(ctx context.Context, walletAddress, chainID string) (*chain.PositionSet, error) {
	adapter, ok := a.set.For(chainID)
	if !ok {
		return nil, fault.New(fault.KindUnsupportedChain, "chain %q is not configured", chainID)
	}
	return adapter.GetPositions(ctx, walletAddress)
}

func (a *Aggregator) querySection(ctx context.Context, adapter chain.Adapter, walletAddress string) ChainSection {
	section := ChainSection{Chain: adapter.Chain().ID}

	balances, err := adapter.GetBalance(ctx, walletAddress)
	if err != nil {
		a.logger.Warn("chain query failed", "chain", section.Chain, "error", err)
		section.Error = fault.MessageOf(err)
		return section
	}
	section.Balances = make([]AssetBalance, len(balances))
	for i, b := range balances {
		section.Balances[i] = AssetBalance{Balance: b}
	}

	positions, err := adapter.GetPositions(ctx, walletAddress)
	if err != nil {
		// Balances stand on their own; report the position failure inline.
		section.PositionErrors = map[string]string{"*": fault.MessageOf(err)}
		return section
	}
	section.Positions = positions.Positions
	section.PositionErrors = positions.Errors
	return section
}

// value fetches USD prices for every balance symbol in one batch and fills
// in per-asset and total valuation. Pricing failure degrades to an
// unvalued snapshot.
func (a *Aggregator) value(ctx context.Context, snap *Snapshot) {
	seen := make(map[string]struct{})
	var symbols []string
	for _, section := range snap.Chains {
		for _, b := range section.Balances {
			if _, ok := seen[b.Symbol]; !ok {
				seen[b.Symbol] = struct{}{}
				symbols = append(symbols, b.Symbol)
			}
		}
	}
	if len(symbols) == 0 {
		return
	}

	prices, err := a.prices.Prices(ctx, symbols)
	if err != nil {
		a.logger.Warn("pricing lookup failed", "error", err)
		snap.PricingError = fault.MessageOf(err)
		return
	}
	for i := range snap.Chains {
		for j := range snap.Chains[i].Balances {
			b := &snap.Chains[i].Balances[j]
			if price, ok := prices[b.Symbol]; ok {
				b.USDValue = b.Amount.Mul(price)
				snap.TotalUSD = snap.TotalUSD.Add(b.USDValue)
			}
		}
	}
}
