package evm

import (
	"context"
	"strings"

	"github.com/ayalabs/defigw/service/fault"
	"github.com/ethereum/go-ethereum/common"
)

// NativeAssetAddress is the pseudo-address swap aggregators use for the
// chain's native asset.
const NativeAssetAddress = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

// Token is one ERC-20 the adapter knows how to balance-check and route.
type Token struct {
	Symbol   string
	Address  string
	Decimals int
}

// DefaultTokens returns the built-in token list for a chain. Assets outside
// this list can still be referenced by contract address.
func DefaultTokens(chainID string) []Token {
	switch chainID {
	case "ethereum":
		return []Token{
			{Symbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18},
			{Symbol: "USDC", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
			{Symbol: "USDT", Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
			{Symbol: "DAI", Address: "0x6B175474E89094C44Da98b954EedeAC495271d0F", Decimals: 18},
			{Symbol: "WBTC", Address: "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599", Decimals: 8},
		}
	case "polygon":
		return []Token{
			{Symbol: "WMATIC", Address: "0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270", Decimals: 18},
			{Symbol: "USDC", Address: "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174", Decimals: 6},
			{Symbol: "USDT", Address: "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", Decimals: 6},
			{Symbol: "DAI", Address: "0x8f3Cf7ad23Cd3CaDbD9735AFf958023239c6A063", Decimals: 18},
			{Symbol: "WETH", Address: "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619", Decimals: 18},
		}
	default:
		return nil
	}
}

// resolveAsset maps a caller-supplied asset reference, either a symbol from
// the token list or a raw contract address, to a concrete token. The native
// symbol resolves to the aggregator pseudo-address. Contracts outside the
// token list are queried for their decimals; a token that cannot report them
// cannot be amount-converted safely, so the failure propagates.
func (a *Adapter) resolveAsset(ctx context.Context, asset string) (Token, error) {
	if asset == "" {
		return Token{}, fault.New(fault.KindInvalidRequest, "asset is required")
	}
	if strings.EqualFold(asset, a.chain.NativeSymbol) {
		return Token{Symbol: a.chain.NativeSymbol, Address: NativeAssetAddress, Decimals: 18}, nil
	}
	for _, t := range a.tokens {
		if strings.EqualFold(t.Symbol, asset) {
			return t, nil
		}
	}
	if common.IsHexAddress(asset) {
		for _, t := range a.tokens {
			if strings.EqualFold(t.Address, asset) {
				return t, nil
			}
		}
		decimals, err := a.erc20Decimals(ctx, common.HexToAddress(asset))
		if err != nil {
			return Token{}, err
		}
		return Token{Symbol: asset, Address: asset, Decimals: decimals}, nil
	}
	return Token{}, fault.New(fault.KindInvalidRequest, "unknown asset %q on %s", asset, a.chain.ID)
}
