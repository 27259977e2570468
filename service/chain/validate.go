package chain

import (
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	solanago "github.com/gagliardetto/solana-go"
)

var evmTxHashRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ValidAddress reports whether addr is well-formed for the chain family.
// This is a format check only; it does not prove the account exists.
func ValidAddress(family Family, addr string) bool {
	switch family {
	case FamilyEVM:
		return common.IsHexAddress(addr)
	case FamilySolana:
		_, err := solanago.PublicKeyFromBase58(addr)
		return err == nil
	default:
		return false
	}
}

// ValidTxHash reports whether hash is a well-formed transaction reference
// for the chain family: 0x-prefixed 32-byte hex for EVM, base58-encoded
// 64-byte signature for Solana.
func ValidTxHash(family Family, hash string) bool {
	switch family {
	case FamilyEVM:
		return evmTxHashRegex.MatchString(hash)
	case FamilySolana:
		_, err := solanago.SignatureFromBase58(hash)
		return err == nil
	default:
		return false
	}
}

// DetectFamily guesses the chain family from an address format. Detection
// scopes all-chain portfolio queries to the chains that can hold the
// address; operation routing always uses the requested chain, never the
// detected family.
func DetectFamily(addr string) (Family, bool) {
	if common.IsHexAddress(addr) {
		return FamilyEVM, true
	}
	if _, err := solanago.PublicKeyFromBase58(addr); err == nil {
		return FamilySolana, true
	}
	return "", false
}
