// Package client is the Go client for the gateway's JSON-RPC API. It wraps
// the wire protocol in typed methods so callers never build envelopes by hand.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ayalabs/defigw/service/chain"
	"github.com/ayalabs/defigw/service/portfolio"
)

// RPCError is a JSON-RPC error returned by the gateway. Kind carries the
// gateway's error taxonomy kind when present.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("rpc error %d (%s): %s", e.Code, e.Kind, e.Message)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// OperationResult is the acknowledgement for a submitted swap/lend/farm.
type OperationResult struct {
	TxID   string `json:"tx_id"`
	TxHash string `json:"tx_hash"`
	State  string `json:"state"`
}

// TransactionStatus is the stored lifecycle state of a tracked transaction,
// plus live confirmation data when the gateway could reach the chain.
type TransactionStatus struct {
	TxID          string  `json:"tx_id"`
	State         string  `json:"state"`
	Chain         string  `json:"chain"`
	Kind          string  `json:"kind"`
	TxHash        string  `json:"tx_hash,omitempty"`
	Error         string  `json:"error,omitempty"`
	Confirmations *uint64 `json:"confirmations,omitempty"`
	Finalized     *bool   `json:"finalized,omitempty"`
}

// WalletInfo describes a registered wallet.
type WalletInfo struct {
	WalletID string       `json:"wallet_id"`
	Address  string       `json:"address"`
	Family   chain.Family `json:"family"`
}

// Client is the HTTP client for the gateway's JSON-RPC endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	nextID     atomic.Int64
}

// New creates a gateway client. httpClient and logger are optional.
func New(baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

type rpcRequest struct {
	Jsonrpc string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      int64       `json:"id"`
}

type rpcResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Kind string `json:"kind"`
	} `json:"data"`
}

// call posts one JSON-RPC request and decodes the result into out (which may
// be nil when the caller only cares about success).
func (c *Client) call(ctx context.Context, method string, params, out interface{}) error {
	body, err := json.Marshal(rpcRequest{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/mcp", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return fmt.Errorf("unexpected status %d: %s", httpResp.StatusCode, bytes.TrimSpace(raw))
	}

	var resp rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.Error != nil {
		return &RPCError{
			Code:    resp.Error.Code,
			Message: resp.Error.Message,
			Kind:    resp.Error.Data.Kind,
		}
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
	}
	c.logger.Debug("rpc call succeeded", "method", method)
	return nil
}

// Chains lists the blockchains the gateway is configured for.
func (c *Client) Chains(ctx context.Context) ([]chain.Chain, error) {
	var out struct {
		Chains []chain.Chain `json:"chains"`
	}
	if err := c.call(ctx, "defi.chains", nil, &out); err != nil {
		return nil, err
	}
	return out.Chains, nil
}

// Protocols lists the protocols supported on a chain.
func (c *Client) Protocols(ctx context.Context, chainID string) ([]chain.ProtocolEntry, error) {
	var out struct {
		Protocols []chain.ProtocolEntry `json:"protocols"`
	}
	params := map[string]string{"chain": chainID}
	if err := c.call(ctx, "defi.protocols", params, &out); err != nil {
		return nil, err
	}
	return out.Protocols, nil
}

// Portfolio fetches the aggregated portfolio snapshot for a wallet. An empty
// chainID aggregates across every configured chain.
func (c *Client) Portfolio(ctx context.Context, walletAddress, chainID string) (*portfolio.Snapshot, error) {
	params := map[string]string{"wallet_address": walletAddress}
	if chainID != "" {
		params["blockchain"] = chainID
	}
	var out portfolio.Snapshot
	if err := c.call(ctx, "defi.portfolio", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Positions fetches a wallet's protocol positions on one chain.
func (c *Client) Positions(ctx context.Context, walletAddress, chainID string) (*chain.PositionSet, error) {
	params := map[string]string{
		"wallet_address": walletAddress,
		"blockchain":     chainID,
	}
	var out chain.PositionSet
	if err := c.call(ctx, "defi.positions", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SwapParams are the arguments for Swap.
type SwapParams struct {
	WalletAddress string          `json:"wallet_address"`
	Blockchain    string          `json:"blockchain"`
	AssetIn       string          `json:"asset_in"`
	AssetOut      string          `json:"asset_out"`
	Amount        decimal.Decimal `json:"amount"`
	MaxSlippage   float64         `json:"max_slippage,omitempty"`
}

// Swap submits a token swap and returns the tracked transaction.
func (c *Client) Swap(ctx context.Context, params SwapParams) (*OperationResult, error) {
	var out OperationResult
	if err := c.call(ctx, "defi.swap", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LendParams are the arguments for Lend.
type LendParams struct {
	WalletAddress string          `json:"wallet_address"`
	Blockchain    string          `json:"blockchain"`
	Protocol      string          `json:"protocol"`
	Asset         string          `json:"asset"`
	Amount        decimal.Decimal `json:"amount"`
	Action        string          `json:"action"`
}

// Lend submits a lending deposit or withdrawal.
func (c *Client) Lend(ctx context.Context, params LendParams) (*OperationResult, error) {
	var out OperationResult
	if err := c.call(ctx, "defi.lend", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FarmParams are the arguments for Farm. Action defaults to "add" server-side.
type FarmParams struct {
	WalletAddress string          `json:"wallet_address"`
	Blockchain    string          `json:"blockchain"`
	Protocol      string          `json:"protocol"`
	Pool          string          `json:"pool"`
	Amount        decimal.Decimal `json:"amount"`
	Action        string          `json:"action,omitempty"`
}

// Farm submits a liquidity add or remove.
func (c *Client) Farm(ctx context.Context, params FarmParams) (*OperationResult, error) {
	var out OperationResult
	if err := c.call(ctx, "defi.farm", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TransactionStatus fetches the lifecycle state of a submitted operation.
func (c *Client) TransactionStatus(ctx context.Context, txID string) (*TransactionStatus, error) {
	var out TransactionStatus
	if err := c.call(ctx, "defi.transaction_status", map[string]string{"tx_id": txID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateWallet creates a new keypair server-side and registers the wallet.
func (c *Client) GenerateWallet(ctx context.Context, chainID string, label *string) (*WalletInfo, error) {
	params := map[string]interface{}{"blockchain": chainID}
	if label != nil {
		params["label"] = *label
	}
	var out WalletInfo
	if err := c.call(ctx, "defi.wallet_generate", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ImportWallet registers an existing private key with the gateway's vault.
// The key travels in the request body; only call this over TLS.
func (c *Client) ImportWallet(ctx context.Context, chainID, privateKey string, label *string) (*WalletInfo, error) {
	params := map[string]interface{}{
		"blockchain":  chainID,
		"private_key": privateKey,
	}
	if label != nil {
		params["label"] = *label
	}
	var out WalletInfo
	if err := c.call(ctx, "defi.wallet_import", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteWallet removes a wallet and its sealed key.
func (c *Client) DeleteWallet(ctx context.Context, chainID, walletAddress string) error {
	params := map[string]string{
		"wallet_address": walletAddress,
		"blockchain":     chainID,
	}
	return c.call(ctx, "defi.wallet_delete", params, nil)
}

// Analyze asks the gateway's analysis collaborator a question about a
// wallet's portfolio.
func (c *Client) Analyze(ctx context.Context, walletAddress, chainID, question string) (string, error) {
	params := map[string]string{
		"wallet_address": walletAddress,
		"question":       question,
	}
	if chainID != "" {
		params["blockchain"] = chainID
	}
	var out struct {
		Answer string `json:"answer"`
	}
	if err := c.call(ctx, "defi.analyze", params, &out); err != nil {
		return "", err
	}
	return out.Answer, nil
}
