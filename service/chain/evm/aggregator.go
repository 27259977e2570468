package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	"github.com/ayalabs/defigw/service/fault"
)

// AggregatorClient talks to a 1inch-style swap aggregation API. The API is
// keyed by numeric chain id in the path: {base}/{chainID}/quote and
// {base}/{chainID}/swap.
type AggregatorClient struct {
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger
}

// NewAggregatorClient creates a client for the given aggregator base URL.
func NewAggregatorClient(baseURL string, httpc *http.Client, logger *slog.Logger) *AggregatorClient {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AggregatorClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   httpc,
		logger:  logger.With("component", "evm_aggregator"),
	}
}

// AggQuote is the aggregator's answer to a quote request. Amounts are in
// base units of the destination token.
type AggQuote struct {
	DstAmount      string   `json:"dstAmount"`
	Gas            uint64   `json:"gas"`
	PriceImpactPct float64  `json:"priceImpact"`
	Route          []string `json:"route"`
}

// AggSwap is the aggregator's prepared swap: the quote plus a ready-to-sign
// transaction payload.
type AggSwap struct {
	DstAmount string `json:"dstAmount"`
	Tx        struct {
		To       string `json:"to"`
		Data     string `json:"data"`
		Value    string `json:"value"`
		Gas      uint64 `json:"gas"`
		GasPrice string `json:"gasPrice"`
	} `json:"tx"`
}

type aggError struct {
	Description string `json:"description"`
	Error       string `json:"error"`
}

// Quote asks the aggregator for the best route without preparing a
// transaction.
func (c *AggregatorClient) Quote(ctx context.Context, chainID int64, src, dst string, amount *big.Int) (*AggQuote, error) {
	q := url.Values{}
	q.Set("src", src)
	q.Set("dst", dst)
	q.Set("amount", amount.String())
	var out AggQuote
	if err := c.get(ctx, fmt.Sprintf("%s/%d/quote", c.baseURL, chainID), q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Swap asks the aggregator to prepare a swap transaction for the wallet.
// slippagePct is the caller's tolerance; the aggregator builds the minimum
// output constraint from it.
func (c *AggregatorClient) Swap(ctx context.Context, chainID int64, src, dst string, amount *big.Int, from string, slippagePct float64) (*AggSwap, error) {
	q := url.Values{}
	q.Set("src", src)
	q.Set("dst", dst)
	q.Set("amount", amount.String())
	q.Set("from", from)
	q.Set("slippage", fmt.Sprintf("%g", slippagePct))
	var out AggSwap
	if err := c.get(ctx, fmt.Sprintf("%s/%d/swap", c.baseURL, chainID), q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *AggregatorClient) get(ctx context.Context, rawURL string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL+"?"+query.Encode(), nil)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "building aggregator request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fault.Wrap(fault.KindUpstreamUnavailable, err, "aggregator unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fault.Wrap(fault.KindUpstreamUnavailable, err, "reading aggregator response")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.Unmarshal(body, out); err != nil {
			return fault.Wrap(fault.KindUpstreamUnavailable, err, "decoding aggregator response")
		}
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var ae aggError
		_ = json.Unmarshal(body, &ae)
		desc := ae.Description
		if desc == "" {
			desc = ae.Error
		}
		if desc == "" {
			desc = strings.TrimSpace(string(body))
		}
		lower := strings.ToLower(desc)
		if strings.Contains(lower, "liquidity") || strings.Contains(lower, "route") {
			return fault.New(fault.KindNoRouteFound, "aggregator: %s", desc)
		}
		return fault.New(fault.KindInvalidRequest, "aggregator rejected request: %s", desc)
	default:
		c.logger.Warn("aggregator error", "status", resp.StatusCode)
		return fault.New(fault.KindUpstreamUnavailable, "aggregator returned status %d", resp.StatusCode)
	}
}
