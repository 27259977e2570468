package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ayalabs/defigw/service/chain"
	"github.com/ayalabs/defigw/service/db"
	"github.com/ayalabs/defigw/service/fault"
	"github.com/ayalabs/defigw/service/metrics"
	"github.com/ayalabs/defigw/service/orchestrator"
	"github.com/ayalabs/defigw/service/portfolio"
	"github.com/ayalabs/defigw/service/vault"
	"github.com/shopspring/decimal"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxBatchSize       = 50
)

// OrchestratorService is the subset of the orchestrator the gateway
// dispatches operations to. This allows for easy mocking in tests.
type OrchestratorService interface {
	Swap(ctx context.Context, chainID string, req chain.SwapRequest) (*orchestrator.Result, error)
	Lend(ctx context.Context, chainID string, req chain.LendRequest) (*orchestrator.Result, error)
	Farm(ctx context.Context, chainID string, req chain.FarmRequest) (*orchestrator.Result, error)
}

// PortfolioService is the subset of the portfolio aggregator the gateway uses.
type PortfolioService interface {
	Snapshot(ctx context.Context, walletAddress string, chainIDs []string) (*portfolio.Snapshot, error)
	Positions(ctx context.Context, walletAddress, chainID string) (*chain.PositionSet, error)
}

// AnalyzerService is the boundary contract for the text-completion
// collaborator behind defi.analyze.
type AnalyzerService interface {
	Analyze(ctx context.Context, snapshot *portfolio.Snapshot, question string) (string, error)
}

// GatewayStore defines the database operations the gateway needs directly.
type GatewayStore interface {
	GetTransaction(ctx context.Context, id string) (*db.Transaction, error)
	CreateWallet(ctx context.Context, params db.CreateWalletParams) (*db.Wallet, error)
	GetWalletByAddress(ctx context.Context, address string, family chain.Family) (*db.Wallet, error)
	DeleteWallet(ctx context.Context, id string) error
}

// KeyVault seals generated/imported key material for a wallet.
type KeyVault interface {
	Store(ctx context.Context, walletID string, plaintextKey []byte, force bool) error
}

// methodHandler executes one JSON-RPC method. Returned errors are taxonomy
// errors; the dispatcher translates them into protocol error objects.
type methodHandler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Handlers holds the method registry and its dependencies.
type Handlers struct {
	chains       *chain.Set
	registry     *chain.Registry
	orchestrator OrchestratorService
	portfolio    PortfolioService
	analyzer     AnalyzerService
	store        GatewayStore
	vault        KeyVault
	metrics      *metrics.Metrics
	logger       *slog.Logger

	methods map[string]methodHandler
}

// NewHandlers builds the static method registry. The analyzer is optional;
// when nil, defi.analyze reports the collaborator as unavailable.
func NewHandlers(
	chains *chain.Set,
	registry *chain.Registry,
	orch OrchestratorService,
	pf PortfolioService,
	analyzer AnalyzerService,
	store GatewayStore,
	kv KeyVault,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		chains:       chains,
		registry:     registry,
		orchestrator: orch,
		portfolio:    pf,
		analyzer:     analyzer,
		store:        store,
		vault:        kv,
		metrics:      m,
		logger:       logger.With("component", "gateway"),
	}
	h.methods = map[string]methodHandler{
		"defi.chains":             h.handleChains,
		"defi.protocols":          h.handleProtocols,
		"defi.portfolio":          h.handlePortfolio,
		"defi.positions":          h.handlePositions,
		"defi.swap":               h.handleSwap,
		"defi.lend":               h.handleLend,
		"defi.farm":               h.handleFarm,
		"defi.transaction_status": h.handleTransactionStatus,
		"defi.wallet_generate":    h.handleWalletGenerate,
		"defi.wallet_import":      h.handleWalletImport,
		"defi.wallet_delete":      h.handleWalletDelete,
		"defi.analyze":            h.handleAnalyze,
	}
	return h
}

// ServeHTTP handles POST /mcp: single requests and batches.
func (h *Handlers) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var body bytes.Buffer
	if _, err := body.ReadFrom(r.Body); err != nil {
		writeResponse(w, errorResponse(nil, codeParseError, "unable to read request body", nil))
		return
	}

	raw := bytes.TrimSpace(body.Bytes())
	if len(raw) == 0 {
		writeResponse(w, errorResponse(nil, codeParseError, "empty request body", nil))
		return
	}

	if raw[0] == '[' {
		h.serveBatch(w, r.Context(), raw)
		return
	}
	writeResponse(w, h.serveOne(r.Context(), raw))
}

func (h *Handlers) serveBatch(w http.ResponseWriter, ctx context.Context, raw []byte) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		writeResponse(w, errorResponse(nil, codeParseError, "malformed JSON batch", nil))
		return
	}
	if len(items) == 0 {
		writeResponse(w, errorResponse(nil, codeInvalidRequest, "empty batch", nil))
		return
	}
	if len(items) > maxBatchSize {
		writeResponse(w, errorResponse(nil, codeInvalidRequest, "batch too large", nil))
		return
	}
	h.metrics.RecordRPCBatch(len(items))

	resps := make([]rpcResponse, 0, len(items))
	for _, item := range items {
		resps = append(resps, h.serveOne(ctx, item))
	}
	writeBatchResponse(w, resps)
}

func (h *Handlers) serveOne(ctx context.Context, raw []byte) rpcResponse {
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, codeParseError, "malformed JSON request", nil)
	}
	if req.Jsonrpc != "2.0" {
		return errorResponse(req.ID, codeInvalidRequest, `jsonrpc must be "2.0"`, nil)
	}
	if req.Method == "" {
		return errorResponse(req.ID, codeInvalidRequest, "method is required", nil)
	}

	handler, ok := h.methods[req.Method]
	if !ok {
		h.metrics.RecordRPCRequest(req.Method, "not_found", 0)
		return errorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method, nil)
	}

	start := time.Now()
	result, err := handler(ctx, req.Params)
	if err != nil {
		h.metrics.RecordRPCRequest(req.Method, "error", time.Since(start).Seconds())
		h.logger.WarnContext(ctx, "method failed",
			"method", req.Method,
			"kind", fault.KindOf(err),
			"error", err,
		)
		return faultResponse(req.ID, err)
	}
	h.metrics.RecordRPCRequest(req.Method, "ok", time.Since(start).Seconds())
	return resultResponse(req.ID, result)
}

// decode unmarshals params into dst, treating malformed or absent-but-needed
// params as caller errors.
func decode(params json.RawMessage, dst interface{}) error {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fault.Wrap(fault.KindInvalidRequest, err, "invalid params")
	}
	return nil
}

// familyFor resolves a configured chain id to its family.
func (h *Handlers) familyFor(chainID string) (chain.Family, error) {
	if chainID == "" {
		return "", fault.New(fault.KindInvalidRequest, "blockchain is required")
	}
	adapter, ok := h.chains.For(chainID)
	if !ok {
		return "", fault.New(fault.KindUnsupportedChain, "unsupported blockchain %q", chainID)
	}
	return adapter.Chain().Family, nil
}

func (h *Handlers) handleChains(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"chains": h.chains.Chains()}, nil
}

func (h *Handlers) handleProtocols(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Chain string `json:"chain"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if _, err := h.familyFor(p.Chain); err != nil {
		return nil, err
	}
	return map[string]interface{}{"protocols": h.registry.ForChain(p.Chain)}, nil
}

func (h *Handlers) handlePortfolio(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		WalletAddress string `json:"wallet_address"`
		Blockchain    string `json:"blockchain,omitempty"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	var chainIDs []string
	if p.Blockchain != "" {
		chainIDs = []string{p.Blockchain}
	}
	return h.portfolio.Snapshot(ctx, p.WalletAddress, chainIDs)
}

func (h *Handlers) handlePositions(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		WalletAddress string `json:"wallet_address"`
		Blockchain    string `json:"blockchain"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return h.portfolio.Positions(ctx, p.WalletAddress, p.Blockchain)
}

func (h *Handlers) handleSwap(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		WalletAddress string          `json:"wallet_address"`
		Blockchain    string          `json:"blockchain"`
		AssetIn       string          `json:"asset_in"`
		AssetOut      string          `json:"asset_out"`
		Amount        decimal.Decimal `json:"amount"`
		MaxSlippage   float64         `json:"max_slippage"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	result, err := h.orchestrator.Swap(ctx, p.Blockchain, chain.SwapRequest{
		WalletAddress:  p.WalletAddress,
		AssetIn:        p.AssetIn,
		AssetOut:       p.AssetOut,
		Amount:         p.Amount,
		MaxSlippagePct: p.MaxSlippage,
	})
	if err != nil {
		return nil, err
	}
	return operationResult(result), nil
}

func (h *Handlers) handleLend(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		WalletAddress string          `json:"wallet_address"`
		Blockchain    string          `json:"blockchain"`
		Protocol      string          `json:"protocol"`
		Asset         string          `json:"asset"`
		Amount        decimal.Decimal `json:"amount"`
		Action        string          `json:"action"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	result, err := h.orchestrator.Lend(ctx, p.Blockchain, chain.LendRequest{
		WalletAddress: p.WalletAddress,
		Protocol:      p.Protocol,
		Asset:         p.Asset,
		Amount:        p.Amount,
		Action:        chain.LendAction(p.Action),
	})
	if err != nil {
		return nil, err
	}
	return operationResult(result), nil
}

func (h *Handlers) handleFarm(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		WalletAddress string          `json:"wallet_address"`
		Blockchain    string          `json:"blockchain"`
		Protocol      string          `json:"protocol"`
		Pool          string          `json:"pool"`
		Amount        decimal.Decimal `json:"amount"`
		Action        string          `json:"action,omitempty"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Action == "" {
		p.Action = string(chain.FarmAdd)
	}
	result, err := h.orchestrator.Farm(ctx, p.Blockchain, chain.FarmRequest{
		WalletAddress: p.WalletAddress,
		Protocol:      p.Protocol,
		Pool:          p.Pool,
		Amount:        p.Amount,
		Action:        chain.FarmAction(p.Action),
	})
	if err != nil {
		return nil, err
	}
	return operationResult(result), nil
}

func operationResult(r *orchestrator.Result) map[string]interface{} {
	return map[string]interface{}{
		"tx_id":   r.TxID,
		"tx_hash": r.TxHash,
		"state":   r.State,
	}
}

func (h *Handlers) handleTransactionStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		TxID string `json:"tx_id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.TxID == "" {
		return nil, fault.New(fault.KindInvalidRequest, "tx_id is required")
	}

	txn, err := h.store.GetTransaction(ctx, p.TxID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fault.New(fault.KindInvalidRequest, "unknown transaction %q", p.TxID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "load transaction")
	}

	resp := map[string]interface{}{
		"tx_id": txn.ID,
		"state": txn.State,
		"chain": txn.Chain,
		"kind":  txn.Kind,
	}
	if txn.TxHash != nil {
		resp["tx_hash"] = *txn.TxHash
	}
	if txn.ErrorDetail != nil {
		resp["error"] = *txn.ErrorDetail
	}

	// Confirmations are a live chain property, not stored state. Best-effort:
	// a chain query failure degrades to the stored record.
	if !txn.State.Terminal() && txn.TxHash != nil {
		if adapter, ok := h.chains.For(txn.Chain); ok {
			if report, err := adapter.TransactionStatus(ctx, *txn.TxHash); err == nil {
				resp["confirmations"] = report.Confirmations
				resp["finalized"] = report.Finalized
			}
		}
	}
	return resp, nil
}

func (h *Handlers) handleWalletGenerate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Blockchain string  `json:"blockchain"`
		Label      *string `json:"label,omitempty"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	family, err := h.familyFor(p.Blockchain)
	if err != nil {
		return nil, err
	}

	material, err := vault.GenerateKey(family)
	if err != nil {
		return nil, err
	}
	defer material.Zero()

	return h.registerWallet(ctx, material, p.Label)
}

func (h *Handlers) handleWalletImport(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Blockchain string  `json:"blockchain"`
		PrivateKey string  `json:"private_key"`
		Label      *string `json:"label,omitempty"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	family, err := h.familyFor(p.Blockchain)
	if err != nil {
		return nil, err
	}

	material, err := vault.ImportKey(family, p.PrivateKey)
	if err != nil {
		return nil, err
	}
	defer material.Zero()

	return h.registerWallet(ctx, material, p.Label)
}

func (h *Handlers) registerWallet(ctx context.Context, material *vault.KeyMaterial, label *string) (interface{}, error) {
	wallet, err := h.store.CreateWallet(ctx, db.CreateWalletParams{
		Address: material.Address,
		Family:  material.Family,
		Label:   label,
	})
	if errors.Is(err, db.ErrWalletExists) {
		return nil, fault.New(fault.KindInvalidRequest, "wallet %s is already registered", material.Address)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "register wallet")
	}

	if err := h.vault.Store(ctx, wallet.ID, material.Secret, false); err != nil {
		// The wallet row without a key blob is unusable; roll it back.
		if delErr := h.store.DeleteWallet(ctx, wallet.ID); delErr != nil {
			h.logger.ErrorContext(ctx, "failed to roll back wallet after vault error",
				"wallet_id", wallet.ID,
				"error", delErr,
			)
		}
		return nil, err
	}

	h.logger.InfoContext(ctx, "wallet registered",
		"wallet_id", wallet.ID,
		"family", wallet.Family,
	)
	return map[string]interface{}{
		"wallet_id": wallet.ID,
		"address":   wallet.Address,
		"family":    wallet.Family,
	}, nil
}

func (h *Handlers) handleWalletDelete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		WalletAddress string `json:"wallet_address"`
		Blockchain    string `json:"blockchain"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	family, err := h.familyFor(p.Blockchain)
	if err != nil {
		return nil, err
	}
	if !chain.ValidAddress(family, p.WalletAddress) {
		return nil, fault.New(fault.KindInvalidAddress, "invalid %s address", family)
	}

	wallet, err := h.store.GetWalletByAddress(ctx, p.WalletAddress, family)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fault.New(fault.KindInvalidRequest, "wallet %s is not registered", p.WalletAddress)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "load wallet")
	}

	if err := h.store.DeleteWallet(ctx, wallet.ID); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "delete wallet")
	}

	h.logger.InfoContext(ctx, "wallet deleted", "wallet_id", wallet.ID)
	return map[string]interface{}{"deleted": true, "wallet_id": wallet.ID}, nil
}

func (h *Handlers) handleAnalyze(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		WalletAddress string `json:"wallet_address"`
		Blockchain    string `json:"blockchain,omitempty"`
		Question      string `json:"question"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if h.analyzer == nil {
		return nil, fault.New(fault.KindUpstreamUnavailable, "analysis provider not configured")
	}
	if strings.TrimSpace(p.Question) == "" {
		return nil, fault.New(fault.KindInvalidRequest, "question is required")
	}

	var chainIDs []string
	if p.Blockchain != "" {
		chainIDs = []string{p.Blockchain}
	}
	snapshot, err := h.portfolio.Snapshot(ctx, p.WalletAddress, chainIDs)
	if err != nil {
		return nil, err
	}

	answer, err := h.analyzer.Analyze(ctx, snapshot, p.Question)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"answer": answer}, nil
}
