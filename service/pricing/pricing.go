// Package pricing resolves asset symbols to USD prices for portfolio
// valuation. Lookups are batched per snapshot and cached when a cache is
// configured.
package pricing

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ayalabs/defigw/service/fault"
	"github.com/shopspring/decimal"
)

// Provider returns USD prices for the given asset symbols. Symbols with no
// known price are absent from the result, not an error.
type Provider interface {
	Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// coinIDs maps gateway asset symbols to the price API's coin identifiers.
var coinIDs = map[string]string{
	"ETH":    "ethereum",
	"WETH":   "weth",
	"MATIC":  "matic-network",
	"WMATIC": "wmatic",
	"SOL":    "solana",
	"USDC":   "usd-coin",
	"USDT":   "tether",
	"DAI":    "dai",
	"WBTC":   "wrapped-bitcoin",
	"RAY":    "raydium",
	"JUP":    "jupiter-exchange-solana",
}

// Client fetches spot prices from a CoinGecko-style simple price API.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger
}

// NewClient creates a price API client for the given base URL.
func NewClient(baseURL string, httpc *http.Client, logger *slog.Logger) *Client {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   httpc,
		logger:  logger.With("component", "pricing"),
	}
}

// Prices fetches USD prices for the given symbols in one request. Symbols
// outside the coin id map are silently dropped.
func (c *Client) Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	ids := make([]string, 0, len(symbols))
	bySymbol := make(map[string]string, len(symbols))
	for _, s := range symbols {
		upper := strings.ToUpper(s)
		id, ok := coinIDs[upper]
		if !ok {
			continue
		}
		if _, dup := bySymbol[upper]; dup {
			continue
		}
		bySymbol[upper] = id
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "building price request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstreamUnavailable, err, "price api unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fault.New(fault.KindUpstreamUnavailable, "price api returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstreamUnavailable, err, "reading price response")
	}
	var raw map[string]map[string]decimal.Decimal
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fault.Wrap(fault.KindUpstreamUnavailable, err, "decoding price response")
	}

	out := make(map[string]decimal.Decimal, len(bySymbol))
	for symbol, id := range bySymbol {
		if entry, ok := raw[id]; ok {
			if usd, ok := entry["usd"]; ok {
				out[symbol] = usd
			}
		}
	}
	return out, nil
}
