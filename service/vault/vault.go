// Package vault guards wallet signing material. Keys are sealed with
// AES-256-GCM under a process-wide secret and persisted only as ciphertext;
// plaintext exists solely inside the scope of a single Sign call.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"

	"github.com/ayalabs/defigw/service/chain"
	"github.com/ayalabs/defigw/service/db"
	"github.com/ayalabs/defigw/service/fault"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	solanago "github.com/gagliardetto/solana-go"
)

const (
	// blobVersion tags the sealing format so records can be re-encrypted
	// under a new scheme without breaking old rows.
	blobVersion = 1

	blobAlgorithm = "aes-256-gcm"
)

// BlobStore is the persistence the vault needs: wallet rows for family
// resolution and sealed blobs for key material.
type BlobStore interface {
	GetWallet(ctx context.Context, id string) (*db.Wallet, error)
	PutKeyBlob(ctx context.Context, blob db.KeyBlob, force bool) error
	GetKeyBlob(ctx context.Context, walletID string) (*db.KeyBlob, error)
}

// Vault seals, stores, and uses signing keys. It implements chain.Signer.
type Vault struct {
	secret []byte
	store  BlobStore
	logger *slog.Logger
}

// New creates a vault keyed by a 32-byte secret.
func New(secret []byte, store BlobStore, logger *slog.Logger) (*Vault, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("vault secret must be 32 bytes, got %d", len(secret))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{secret: secret, store: store, logger: logger.With("component", "vault")}, nil
}

// Store seals plaintextKey and persists the blob for the wallet. The wallet
// id is bound into the AEAD as associated data, so a blob copied onto
// another wallet row fails to open. Overwrites are rejected unless forced.
func (v *Vault) Store(ctx context.Context, walletID string, plaintextKey []byte, force bool) error {
	block, err := aes.NewCipher(v.secret)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("init gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	blob := db.KeyBlob{
		WalletID:   walletID,
		Version:    blobVersion,
		Algorithm:  blobAlgorithm,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintextKey, []byte(walletID)),
	}
	if err := v.store.PutKeyBlob(ctx, blob, force); err != nil {
		return err
	}
	v.logger.Info("key stored", "wallet_id", walletID, "forced", force)
	return nil
}

// Sign decrypts the wallet's key into the call scope, produces a signature
// over payload with the family-specific routine, and discards the plaintext
// before returning on every path.
//
// EVM: payload is a 32-byte sighash; the result is a 65-byte [R||S||V]
// signature. Solana: payload is the serialized message; the result is a
// 64-byte ed25519 signature.
func (v *Vault) Sign(ctx context.Context, walletID string, payload []byte) ([]byte, error) {
	wallet, err := v.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, fault.Wrap(fault.KindKeyNotFound, err, "wallet %s not found", walletID)
	}

	blob, err := v.store.GetKeyBlob(ctx, walletID)
	if err != nil {
		return nil, fault.Wrap(fault.KindKeyNotFound, err, "no key stored for wallet %s", walletID)
	}
	if blob.Algorithm != blobAlgorithm || blob.Version != blobVersion {
		return nil, fault.New(fault.KindDecryptionFailed, "unknown key blob format %s v%d", blob.Algorithm, blob.Version)
	}

	plaintext, err := v.open(blob)
	if err != nil {
		return nil, fault.Wrap(fault.KindDecryptionFailed, err, "failed to open key blob for wallet %s", walletID)
	}
	defer zero(plaintext)

	switch wallet.Family {
	case chain.FamilyEVM:
		return signEVM(plaintext, payload)
	case chain.FamilySolana:
		return signSolana(plaintext, payload)
	default:
		return nil, fault.New(fault.KindUnsupportedChain, "unsupported chain family %q", wallet.Family)
	}
}

func (v *Vault) open(blob *db.KeyBlob) ([]byte, error) {
	block, err := aes.NewCipher(v.secret)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, blob.Nonce, blob.Ciphertext, []byte(blob.WalletID))
}

func signEVM(plaintext, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fault.New(fault.KindSigningFailed, "evm signing payload must be a 32-byte digest, got %d bytes", len(digest))
	}
	key, err := ethcrypto.ToECDSA(plaintext)
	if err != nil {
		return nil, fault.Wrap(fault.KindSigningFailed, err, "invalid secp256k1 key material")
	}
	defer key.D.SetInt64(0)

	sig, err := ethcrypto.Sign(digest, key)
	if err != nil {
		return nil, fault.Wrap(fault.KindSigningFailed, err, "secp256k1 signing failed")
	}
	return sig, nil
}

func signSolana(plaintext, message []byte) ([]byte, error) {
	if len(plaintext) != 64 {
		return nil, fault.New(fault.KindSigningFailed, "solana key material must be 64 bytes, got %d", len(plaintext))
	}
	priv := solanago.PrivateKey(plaintext)
	sig, err := priv.Sign(message)
	if err != nil {
		return nil, fault.Wrap(fault.KindSigningFailed, err, "ed25519 signing failed")
	}
	return sig[:], nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
