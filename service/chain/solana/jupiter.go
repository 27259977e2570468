package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ayalabs/defigw/service/fault"
)

// AggregatorClient talks to a Jupiter-style swap aggregation API:
// GET {base}/quote for routing and POST {base}/swap for a prepared,
// ready-to-sign transaction.
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
		logger:  logger.With("component", "solana_aggregator"),
	}
}

// AggQuote is the aggregator's answer to a quote request. The raw response
// is kept verbatim because the swap endpoint takes it back unchanged.
type AggQuote struct {
	OutAmount      string `json:"outAmount"`
	PriceImpactPct string `json:"priceImpactPct"`
	RoutePlan      []struct {
		SwapInfo struct {
			Label string `json:"label"`
		} `json:"swapInfo"`
	} `json:"routePlan"`

	raw json.RawMessage
}

// PriceImpact parses the aggregator's string-encoded price impact into a
// percentage.
func (q *AggQuote) PriceImpact() float64 {
	v, err := strconv.ParseFloat(q.PriceImpactPct, 64)
	if err != nil {
		return 0
	}
	return v * 100
}

// Route flattens the route plan into venue labels.
func (q *AggQuote) Route() []string {
	out := make([]string, 0, len(q.RoutePlan))
	for _, hop := range q.RoutePlan {
		out = append(out, hop.SwapInfo.Label)
	}
	return out
}

// Quote asks the aggregator for the best route. amount is in base units of
// the input mint; slippageBps bounds the route search.
func (c *AggregatorClient) Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*AggQuote, error) {
	q := url.Values{}
	q.Set("inputMint", inputMint)
	q.Set("outputMint", outputMint)
	q.Set("amount", strconv.FormatUint(amount, 10))
	q.Set("slippageBps", strconv.Itoa(slippageBps))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "building quote request")
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	quote := &AggQuote{raw: body}
	if err := json.Unmarshal(body, quote); err != nil {
		return nil, fault.Wrap(fault.KindUpstreamUnavailable, err, "decoding quote response")
	}
	return quote, nil
}

// PrepareSwap exchanges a quote for a serialized, unsigned transaction.
func (c *AggregatorClient) PrepareSwap(ctx context.Context, quote *AggQuote, userPublicKey string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"userPublicKey": userPublicKey,
		"quoteResponse": quote.raw,
	})
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, err, "encoding swap request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/swap", bytes.NewReader(payload))
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, err, "building swap request")
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return "", err
	}
	var out struct {
		SwapTransaction string `json:"swapTransaction"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fault.Wrap(fault.KindUpstreamUnavailable, err, "decoding swap response")
	}
	if out.SwapTransaction == "" {
		return "", fault.New(fault.KindUpstreamUnavailable, "aggregator returned no transaction")
	}
	return out.SwapTransaction, nil
}

func (c *AggregatorClient) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstreamUnavailable, err, "aggregator unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstreamUnavailable, err, "reading aggregator response")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var ae struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &ae)
		desc := ae.Error
		if desc == "" {
			desc = strings.TrimSpace(string(body))
		}
		lower := strings.ToLower(desc)
		if strings.Contains(lower, "route") || strings.Contains(lower, "liquidity") ||
			strings.Contains(lower, "no_routes_found") {
			return nil, fault.New(fault.KindNoRouteFound, "aggregator: %s", desc)
		}
		return nil, fault.New(fault.KindInvalidRequest, "aggregator rejected request: %s", desc)
	default:
		c.logger.Warn("aggregator error", "status", resp.StatusCode)
		return nil, fault.New(fault.KindUpstreamUnavailable, "aggregator returned status %d", resp.StatusCode)
	}
}
