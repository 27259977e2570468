// Package chain defines the capability contract that every supported
// blockchain family implements, along with the chain and protocol
// descriptors the rest of the service routes on.
package chain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Family is a class of blockchains sharing an execution and address model.
type Family string

const (
	FamilyEVM    Family = "evm"
	FamilySolana Family = "solana"
)

// Chain is the static descriptor for one configured blockchain. Loaded at
// startup, immutable afterwards.
type Chain struct {
	ID           string `json:"id"`      // "ethereum", "polygon", "solana"
	Family       Family `json:"family"`  //
	NativeSymbol string `json:"native_symbol"`
	RPCURL       string `json:"-"`       // never serialized to callers
	EVMChainID   int64  `json:"-"`       // numeric chain id, zero for non-EVM
	Explorer     string `json:"explorer,omitempty"`
	Testnet      bool   `json:"testnet"`
}

// Balance is one asset balance held by a wallet.
type Balance struct {
	Symbol   string          `json:"symbol"`
	Address  string          `json:"address,omitempty"` // token contract/mint, empty for native
	Amount   decimal.Decimal `json:"amount"`
	Decimals int             `json:"decimals"`
}

// PositionKind classifies a wallet's stake in a protocol.
type PositionKind string

const (
	PositionSupplied PositionKind = "supplied"
	PositionBorrowed PositionKind = "borrowed"
	PositionStaked   PositionKind = "staked"
	PositionLP       PositionKind = "lp"
)

// Position is a wallet's stake in a lending, staking, or farming protocol.
// AccruedYield is best-effort; Health is protocol-specific and nil when the
// protocol has no health notion.
type Position struct {
	Protocol     string           `json:"protocol"`
	Chain        string           `json:"chain"`
	Wallet       string           `json:"wallet"`
	Kind         PositionKind     `json:"kind"`
	Asset        string           `json:"asset"`
	Principal    decimal.Decimal  `json:"principal"`
	AccruedYield decimal.Decimal  `json:"accrued_yield"`
	APY          float64          `json:"apy,omitempty"`
	Health       *decimal.Decimal `json:"health,omitempty"`
}

// PositionSet is the result of a best-effort positions query. A single
// protocol's failure does not abort the others; failed protocols appear in
// Errors keyed by protocol name.
type PositionSet struct {
	Positions []Position        `json:"positions"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// Quote is the result of a swap quote against an upstream aggregator.
type Quote struct {
	AssetIn      string          `json:"asset_in"`
	AssetOut     string          `json:"asset_out"`
	AmountIn     decimal.Decimal `json:"amount_in"`
	ExpectedOut  decimal.Decimal `json:"expected_out"`
	EstimatedFee decimal.Decimal `json:"estimated_fee"` // in the chain's native asset
	SlippagePct  float64         `json:"slippage_pct"`  // aggregator-estimated price impact
	Route        []string        `json:"route"`
}

// SwapRequest describes a token swap to quote or execute.
type SwapRequest struct {
	WalletID       string
	WalletAddress  string
	AssetIn        string
	AssetOut       string
	Amount         decimal.Decimal
	MaxSlippagePct float64
	Protocol       string // optional preferred venue; adapters may ignore it
}

// LendAction selects the direction of a lending operation.
type LendAction string

const (
	LendDeposit  LendAction = "deposit"
	LendWithdraw LendAction = "withdraw"
)

// LendRequest describes a lending deposit or withdrawal.
type LendRequest struct {
	WalletID      string
	WalletAddress string
	Protocol      string
	Asset         string
	Amount        decimal.Decimal
	Action        LendAction
}

// FarmAction selects the direction of a liquidity-farming operation.
type FarmAction string

const (
	FarmAdd    FarmAction = "add"
	FarmRemove FarmAction = "remove"
)

// FarmRequest describes adding or removing pool liquidity.
type FarmRequest struct {
	WalletID      string
	WalletAddress string
	Protocol      string
	Pool          string
	Amount        decimal.Decimal
	Action        FarmAction
}

// ConfirmState is the chain-reported status of a broadcast transaction.
// The tracker owns the mapping onto stored transaction state.
type ConfirmState string

const (
	ConfirmPending   ConfirmState = "pending"
	ConfirmConfirmed ConfirmState = "confirmed"
	ConfirmFailed    ConfirmState = "failed"
)

// StatusReport is the adapter's view of a transaction's confirmation
// progress. Confirmations and Finalized are family-specific: EVM counts
// blocks past inclusion, Solana reports commitment level.
type StatusReport struct {
	State         ConfirmState `json:"state"`
	Confirmations uint64       `json:"confirmations"`
	Finalized     bool         `json:"finalized"`
	FailureReason string       `json:"failure_reason,omitempty"`
}

// OpKind distinguishes the operations the orchestrator executes.
type OpKind string

const (
	OpSwap OpKind = "swap"
	OpLend OpKind = "lend"
	OpFarm OpKind = "farm"
)

// SwapOutcome is the broadcast metadata specific to a swap.
type SwapOutcome struct {
	AssetIn     string          `json:"asset_in"`
	AssetOut    string          `json:"asset_out"`
	AmountIn    decimal.Decimal `json:"amount_in"`
	ExpectedOut decimal.Decimal `json:"expected_out"`
	Route       []string        `json:"route,omitempty"`
}

// LendOutcome is the broadcast metadata specific to a lend operation.
type LendOutcome struct {
	Protocol string          `json:"protocol"`
	Asset    string          `json:"asset"`
	Amount   decimal.Decimal `json:"amount"`
	Action   LendAction      `json:"action"`
}

// FarmOutcome is the broadcast metadata specific to a farm operation.
type FarmOutcome struct {
	Protocol string          `json:"protocol"`
	Pool     string          `json:"pool"`
	Amount   decimal.Decimal `json:"amount"`
	Action   FarmAction      `json:"action"`
}

// Receipt is returned by every execute capability after a successful
// broadcast. Exactly one of Swap/Lend/Farm is set, matching Kind, so
// consumers switch on Kind instead of probing untyped metadata.
type Receipt struct {
	TxHash       string          `json:"tx_hash"`
	Kind         OpKind          `json:"kind"`
	EstimatedFee decimal.Decimal `json:"estimated_fee"`
	Swap         *SwapOutcome    `json:"swap,omitempty"`
	Lend         *LendOutcome    `json:"lend,omitempty"`
	Farm         *FarmOutcome    `json:"farm,omitempty"`
}

// Signer produces a signature over payload with the wallet's key. The vault
// implements this; adapters never see key material, only signatures.
//
// For EVM wallets payload is the 32-byte transaction sighash and the result
// is a 65-byte [R || S || V] signature. For Solana wallets payload is the
// serialized message and the result is a 64-byte ed25519 signature.
type Signer interface {
	Sign(ctx context.Context, walletID string, payload []byte) ([]byte, error)
}

// Adapter is the uniform capability set each chain family implements. The
// orchestrator, tracker, and aggregator hold only this interface; all
// family-specific behavior (fee model, address format, finality rule) lives
// behind it. Implementations normalize errors into the fault taxonomy.
type Adapter interface {
	// Chain returns this adapter's static descriptor.
	Chain() Chain

	// GetBalance returns all asset balances for the address.
	GetBalance(ctx context.Context, address string) ([]Balance, error)

	// GetPositions returns the wallet's protocol positions, best-effort
	// per protocol.
	GetPositions(ctx context.Context, address string) (*PositionSet, error)

	// QuoteSwap fetches the best available quote without broadcasting.
	QuoteSwap(ctx context.Context, req SwapRequest) (*Quote, error)

	// ExecuteSwap quotes, signs, and broadcasts a swap.
	ExecuteSwap(ctx context.Context, req SwapRequest, signer Signer) (*Receipt, error)

	// ExecuteLend signs and broadcasts a lending deposit or withdrawal.
	ExecuteLend(ctx context.Context, req LendRequest, signer Signer) (*Receipt, error)

	// ExecuteFarm signs and broadcasts a liquidity add or remove.
	ExecuteFarm(ctx context.Context, req FarmRequest, signer Signer) (*Receipt, error)

	// TransactionStatus reports confirmation progress for a broadcast hash.
	TransactionStatus(ctx context.Context, txHash string) (*StatusReport, error)
}

// Set is the adapter registry keyed by chain id. Built once at startup.
type Set struct {
	adapters map[string]Adapter
}

// NewSet builds a registry from the given adapters.
func NewSet(adapters ...Adapter) *Set {
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Chain().ID] = a
	}
	return &Set{adapters: m}
}

// For returns the adapter for the chain id, or false if none is configured.
func (s *Set) For(chainID string) (Adapter, bool) {
	a, ok := s.adapters[chainID]
	return a, ok
}

// Chains returns the descriptors of all configured chains, in a stable
// order suitable for the defi.chains method.
func (s *Set) Chains() []Chain {
	out := make([]Chain, 0, len(s.adapters))
	for _, id := range []string{"ethereum", "polygon", "solana"} {
		if a, ok := s.adapters[id]; ok {
			out = append(out, a.Chain())
		}
	}
	// Any chains outside the well-known ordering go last.
	for id, a := range s.adapters {
		switch id {
		case "ethereum", "polygon", "solana":
		default:
			out = append(out, a.Chain())
		}
	}
	return out
}
