package evm

import (
	"context"
	"math/big"

	"github.com/ayalabs/defigw/service/fault"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// Hand-encoded call data for the handful of fixed-signature methods the
// adapter drives. Selectors are the first four bytes of the keccak-256 of
// the canonical signature.
var (
	selBalanceOf = []byte{0x70, 0xa0, 0x82, 0x31} // balanceOf(address)
	selDecimals  = []byte{0x31, 0x3c, 0xe5, 0x67} // decimals()

	// Aave-style lending pool.
	selDeposit            = []byte{0xe8, 0xed, 0xa9, 0xdf} // deposit(address,uint256,address,uint16)
	selWithdraw           = []byte{0x69, 0x32, 0x8d, 0xec} // withdraw(address,uint256,address)
	selGetUserAccountData = []byte{0xbf, 0x92, 0x85, 0x7c} // getUserAccountData(address)

	// MasterChef-style staking.
	selStake   = []byte{0xad, 0xc9, 0x77, 0x2e} // stake(address,uint256)
	selUnstake = []byte{0xf3, 0xfe, 0xf3, 0xa3} // withdraw(address,uint256)
)

func encodeAddress(addr common.Address) []byte {
	return common.LeftPadBytes(addr.Bytes(), 32)
}

func encodeUint256(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

func encodeUint16(v uint16) []byte {
	return common.LeftPadBytes(big.NewInt(int64(v)).Bytes(), 32)
}

func callData(selector []byte, args ...[]byte) []byte {
	out := make([]byte, 0, 4+32*len(args))
	out = append(out, selector...)
	for _, a := range args {
		out = append(out, a...)
	}
	return out
}

func (a *Adapter) erc20BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data := callData(selBalanceOf, encodeAddress(owner))
	out, err := a.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindChainUnavailable, err, "balanceOf call failed for %s", token.Hex())
	}
	if len(out) < 32 {
		return nil, fault.New(fault.KindChainUnavailable, "malformed balanceOf response from %s", token.Hex())
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

func (a *Adapter) erc20Decimals(ctx context.Context, token common.Address) (int, error) {
	out, err := a.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: callData(selDecimals)}, nil)
	if err != nil {
		return 0, fault.Wrap(fault.KindChainUnavailable, err, "decimals call failed for %s", token.Hex())
	}
	if len(out) < 32 {
		return 0, fault.New(fault.KindChainUnavailable, "malformed decimals response from %s", token.Hex())
	}
	return int(new(big.Int).SetBytes(out[:32]).Int64()), nil
}

// accountData is the decoded result of an Aave-style getUserAccountData
// call. Amounts are in the pool's base currency with 18 decimals.
type accountData struct {
	TotalCollateral *big.Int
	TotalDebt       *big.Int
	HealthFactor    *big.Int
}

func (a *Adapter) lendingAccountData(ctx context.Context, pool, owner common.Address) (*accountData, error) {
	data := callData(selGetUserAccountData, encodeAddress(owner))
	out, err := a.backend.CallContract(ctx, ethereum.CallMsg{To: &pool, Data: data}, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindChainUnavailable, err, "getUserAccountData call failed for %s", pool.Hex())
	}
	// Six uint256 return values; health factor is the last.
	if len(out) < 6*32 {
		return nil, fault.New(fault.KindChainUnavailable, "malformed getUserAccountData response from %s", pool.Hex())
	}
	return &accountData{
		TotalCollateral: new(big.Int).SetBytes(out[0:32]),
		TotalDebt:       new(big.Int).SetBytes(out[32:64]),
		HealthFactor:    new(big.Int).SetBytes(out[160:192]),
	}, nil
}
