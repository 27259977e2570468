package server

import (
	"encoding/json"
	"net/http"

	"github.com/ayalabs/defigw/service/fault"
)

// JSON-RPC 2.0 protocol error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Application error codes for the domain taxonomy, in the implementation-
// defined -32000..-32099 range.
const (
	codeUnsupportedChain    = -32001
	codeInsufficientFunds   = -32002
	codeSlippageExceeded    = -32003
	codeNoRouteFound        = -32004
	codeChainUnavailable    = -32005
	codeUpstreamUnavailable = -32006
	codeChainRejected       = -32007
	codeSigningFailed       = -32008
	codeKeyNotFound         = -32009
	codeDecryptionFailed    = -32010
	codeConfirmationTimeout = -32011
)

// rpcRequest is one JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// rpcError is the error member of a response.
type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// rpcResponse is one JSON-RPC 2.0 response envelope. Exactly one of Result
// and Error is set.
type rpcResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// nullID is the id echoed when the request's own id could not be read.
var nullID = json.RawMessage("null")

func resultResponse(id json.RawMessage, result interface{}) rpcResponse {
	if id == nil {
		id = nullID
	}
	return rpcResponse{Jsonrpc: "2.0", Result: result, ID: id}
}

func errorResponse(id json.RawMessage, code int, message string, data interface{}) rpcResponse {
	if id == nil {
		id = nullID
	}
	return rpcResponse{
		Jsonrpc: "2.0",
		Error:   &rpcError{Code: code, Message: message, Data: data},
		ID:      id,
	}
}

// faultResponse translates a taxonomy error into a protocol error object.
// Only the caller-safe message is surfaced; wrapped causes never leak. This
// is the single place taxonomy errors become protocol-facing strings.
func faultResponse(id json.RawMessage, err error) rpcResponse {
	kind := fault.KindOf(err)
	return errorResponse(id, codeForKind(kind), fault.MessageOf(err), map[string]string{
		"kind": string(kind),
	})
}

func codeForKind(kind fault.Kind) int {
	switch kind {
	case fault.KindInvalidRequest, fault.KindInvalidAddress:
		return codeInvalidParams
	case fault.KindUnsupportedChain:
		return codeUnsupportedChain
	case fault.KindInsufficientFunds:
		return codeInsufficientFunds
	case fault.KindSlippageExceeded:
		return codeSlippageExceeded
	case fault.KindNoRouteFound:
		return codeNoRouteFound
	case fault.KindChainUnavailable:
		return codeChainUnavailable
	case fault.KindUpstreamUnavailable:
		return codeUpstreamUnavailable
	case fault.KindChainRejected:
		return codeChainRejected
	case fault.KindSigningFailed:
		return codeSigningFailed
	case fault.KindKeyNotFound:
		return codeKeyNotFound
	case fault.KindDecryptionFailed:
		return codeDecryptionFailed
	case fault.KindConfirmationTimeout:
		return codeConfirmationTimeout
	default:
		return codeInternalError
	}
}

// writeResponse writes a single response envelope. JSON-RPC errors still ride
// on HTTP 200; transport-level failures (auth, body size) use HTTP codes.
func writeResponse(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func writeBatchResponse(w http.ResponseWriter, resps []rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resps)
}
