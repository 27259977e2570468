package solana

import (
	"strings"

	"github.com/ayalabs/defigw/service/fault"
	solanago "github.com/gagliardetto/solana-go"
)

// WrappedSOLMint is the mint swap aggregators use for native SOL.
const WrappedSOLMint = "So11111111111111111111111111111111111111112"

// Mint is one SPL token the adapter knows how to balance-check and route.
type Mint struct {
	Symbol   string
	Address  string
	Decimals int
}

// KnownMints is the built-in SPL token list. Assets outside the list can
// still be referenced by mint address.
func KnownMints() []Mint {
	return []Mint{
		{Symbol: "USDC", Address: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6},
		{Symbol: "USDT", Address: "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", Decimals: 6},
		{Symbol: "RAY", Address: "4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R", Decimals: 6},
		{Symbol: "JUP", Address: "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN", Decimals: 6},
	}
}

// resolveMint maps a caller-supplied asset reference, either a symbol or a
// raw mint address, to a concrete mint. "SOL" resolves to the wrapped SOL
// mint aggregators expect.
func (a *Adapter) resolveMint(asset string) (Mint, error) {
	if asset == "" {
		return Mint{}, fault.New(fault.KindInvalidRequest, "asset is required")
	}
	if strings.EqualFold(asset, "SOL") {
		return Mint{Symbol: "SOL", Address: WrappedSOLMint, Decimals: 9}, nil
	}
	for _, m := range a.mints {
		if strings.EqualFold(m.Symbol, asset) {
			return m, nil
		}
	}
	if _, err := solanago.PublicKeyFromBase58(asset); err == nil {
		for _, m := range a.mints {
			if m.Address == asset {
				return m, nil
			}
		}
		// Unknown mint: assume 9 decimals.
		return Mint{Symbol: asset, Address: asset, Decimals: 9}, nil
	}
	return Mint{}, fault.New(fault.KindInvalidRequest, "unknown asset %q on solana", asset)
}
