package pool

import (
	"github.com/holiman/uint256"

	"github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
)

var bpsDivisor = uint256.NewInt(coinjoin.MaxBasisPoints)

// Fee returns floor(denomination * feeBps / 10000).
func Fee(denomination uint64, feeBps uint32) (uint64, error) {
	if feeBps > coinjoin.MaxBasisPoints {
		return 0, coinjoin.ErrArithmeticOverflow
	}
	product, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(denomination), uint256.NewInt(uint64(feeBps)))
	if overflow {
		return 0, coinjoin.ErrArithmeticOverflow
	}
	fee := new(uint256.Int).Div(product, bpsDivisor)
	if !fee.IsUint64() {
		return 0, coinjoin.ErrArithmeticOverflow
	}
	return fee.Uint64(), nil
}

// Split returns the payout and fee for one settled deposit. They always sum
// to denomination.
func Split(denomination uint64, feeBps uint32) (payout, fee uint64, err error) {
	fee, err = Fee(denomination, feeBps)
	if err != nil {
		return 0, 0, err
	}
	if fee > denomination {
		return 0, 0, coinjoin.ErrArithmeticOverflow
	}
	return denomination - fee, fee, nil
}

// MulChecked returns a*b or ErrArithmeticOverflow.
func MulChecked(a, b uint64) (uint64, error) {
	product, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(a), uint256.NewInt(b))
	if overflow || !product.IsUint64() {
		return 0, coinjoin.ErrArithmeticOverflow
	}
	return product.Uint64(), nil
}

// AddChecked returns a+b or ErrArithmeticOverflow.
func AddChecked(a, b uint64) (uint64, error) {
	sum, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(a), uint256.NewInt(b))
	if overflow || !sum.IsUint64() {
		return 0, coinjoin.ErrArithmeticOverflow
	}
	return sum.Uint64(), nil
}

// SubChecked returns a-b or ErrVaultUnderflow.
func SubChecked(a, b uint64) (uint64, error) {
	if b > a {
		return 0, coinjoin.ErrVaultUnderflow
	}
	return a - b, nil
}
