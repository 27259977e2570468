package vault

import (
	"strings"

	"github.com/ayalabs/defigw/service/chain"
	"github.com/ayalabs/defigw/service/fault"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	solanago "github.com/gagliardetto/solana-go"
)

// KeyMaterial is a freshly generated or imported key, held only long enough
// to seal into the vault and report the derived address.
type KeyMaterial struct {
	Family  chain.Family
	Address string
	Secret  []byte
}

// Zero wipes the plaintext secret. Call once the material is sealed.
func (k *KeyMaterial) Zero() { zero(k.Secret) }

// GenerateKey creates a new signing key for the chain family and derives
// its public address.
func GenerateKey(family chain.Family) (*KeyMaterial, error) {
	switch family {
	case chain.FamilyEVM:
		key, err := ethcrypto.GenerateKey()
		if err != nil {
			return nil, fault.Wrap(fault.KindSigningFailed, err, "secp256k1 key generation failed")
		}
		material := &KeyMaterial{
			Family:  family,
			Address: ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
			Secret:  ethcrypto.FromECDSA(key),
		}
		key.D.SetInt64(0)
		return material, nil
	case chain.FamilySolana:
		wallet := solanago.NewWallet()
		return &KeyMaterial{
			Family:  family,
			Address: wallet.PublicKey().String(),
			Secret:  []byte(wallet.PrivateKey),
		}, nil
	default:
		return nil, fault.New(fault.KindUnsupportedChain, "unsupported chain family %q", family)
	}
}

// ImportKey parses an externally supplied private key (hex for EVM, base58
// for Solana) and derives its public address.
func ImportKey(family chain.Family, raw string) (*KeyMaterial, error) {
	raw = strings.TrimSpace(raw)
	switch family {
	case chain.FamilyEVM:
		key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return nil, fault.Wrap(fault.KindInvalidRequest, err, "invalid evm private key")
		}
		material := &KeyMaterial{
			Family:  family,
			Address: ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
			Secret:  ethcrypto.FromECDSA(key),
		}
		key.D.SetInt64(0)
		return material, nil
	case chain.FamilySolana:
		priv, err := solanago.PrivateKeyFromBase58(raw)
		if err != nil {
			return nil, fault.Wrap(fault.KindInvalidRequest, err, "invalid solana private key")
		}
		return &KeyMaterial{
			Family:  family,
			Address: priv.PublicKey().String(),
			Secret:  []byte(priv),
		}, nil
	default:
		return nil, fault.New(fault.KindUnsupportedChain, "unsupported chain family %q", family)
	}
}
