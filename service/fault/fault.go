// Package fault defines the shared error taxonomy for the gateway.
//
// Chain adapters normalize family-specific failures (EVM revert reasons,
// Solana program error codes, RPC transport errors) into these kinds before
// they reach the orchestrator. The gateway is the only layer that translates
// kinds into protocol-facing error codes.
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure. The kind determines retry policy and
// the protocol error code the gateway reports.
type Kind string

const (
	// KindInvalidRequest covers malformed or missing parameters. Always a
	// local, synchronous failure. Never retried.
	KindInvalidRequest Kind = "invalid_request"

	// KindUnsupportedChain means no adapter is configured for the chain.
	KindUnsupportedChain Kind = "unsupported_chain"

	// KindInvalidAddress means the address is malformed for the chain family.
	KindInvalidAddress Kind = "invalid_address"

	// KindInsufficientFunds is a caller-fixable execution failure.
	KindInsufficientFunds Kind = "insufficient_funds"

	// KindSlippageExceeded means the best available quote violates the
	// caller's slippage bound. Surfaced verbatim, never retried.
	KindSlippageExceeded Kind = "slippage_exceeded"

	// KindNoRouteFound means the aggregator found no route for the pair.
	KindNoRouteFound Kind = "no_route_found"

	// KindChainUnavailable is a transient transport failure talking to a
	// chain RPC node. Retried with bounded backoff before surfacing.
	KindChainUnavailable Kind = "chain_unavailable"

	// KindUpstreamUnavailable is a failure from a non-chain collaborator
	// (pricing, aggregator API), a chain failure that survived retry
	// exhaustion, or a transport failure during broadcast whose outcome is
	// unknown. Never retried: the operation may already have reached the
	// chain.
	KindUpstreamUnavailable Kind = "upstream_unavailable"

	// KindChainRejected means the node rejected the transaction before
	// broadcast (revert or simulation failure). Not retryable.
	KindChainRejected Kind = "chain_rejected"

	// KindSigningFailed means the signing routine itself failed.
	KindSigningFailed Kind = "signing_failed"

	// KindKeyNotFound means the vault has no blob for the wallet.
	KindKeyNotFound Kind = "key_not_found"

	// KindDecryptionFailed means the blob could not be opened (wrong secret
	// or corrupted ciphertext). Fatal for the request; retry cannot fix it.
	KindDecryptionFailed Kind = "decryption_failed"

	// KindConfirmationTimeout means the tracker gave up waiting for a
	// terminal state.
	KindConfirmationTimeout Kind = "confirmation_timeout"

	// KindInternal is the catch-all for unexpected failures. The gateway
	// reports it without any internal detail.
	KindInternal Kind = "internal"
)

// Error carries a taxonomy kind, a human-readable message, and an optional
// wrapped cause. The message is safe to surface to callers; the cause is not.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a taxonomy error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a taxonomy error that records err as the cause. The cause is
// preserved for logging and errors.Is/As, but never surfaced to callers.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the taxonomy kind from err. Errors that never passed
// through an adapter or component boundary report KindInternal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// MessageOf returns the caller-safe message for err. Non-taxonomy errors
// report a generic message so internal detail never leaks.
func MessageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return "internal error"
}

// Retryable reports whether the kind represents a transient failure that the
// orchestrator may retry with backoff. Only failures known to precede any
// broadcast qualify: retrying after an ambiguous send could double-spend.
func Retryable(kind Kind) bool {
	return kind == KindChainUnavailable
}
