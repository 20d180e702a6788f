package pool

import (
	"errors"
	"math"
	"testing"

	"github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		denomination uint64
		bps          uint32
		payout, fee  uint64
	}{
		{10_000_000, 10, 9_990_000, 10_000},
		{10_000_000, 0, 10_000_000, 0},
		{10_000_000, 10_000, 0, 10_000_000},
		{999, 10, 999, 0},   // floor: 0.999 rounds down to zero
		{1_999, 10, 1_998, 1}, // 1.999 -> 1
		{math.MaxUint64, 10_000, 0, math.MaxUint64},
	}
	for _, tc := range tests {
		payout, fee, err := Split(tc.denomination, tc.bps)
		if err != nil {
			t.Fatalf("Split(%d, %d): %v", tc.denomination, tc.bps, err)
		}
		if payout != tc.payout || fee != tc.fee {
			t.Fatalf("Split(%d, %d) = (%d, %d), want (%d, %d)", tc.denomination, tc.bps, payout, fee, tc.payout, tc.fee)
		}
		if payout+fee != tc.denomination {
			t.Fatalf("payout + fee != denomination for %d", tc.denomination)
		}
	}
}

func TestFeeRejectsOutOfRangeBps(t *testing.T) {
	if _, err := Fee(1, 10_001); !errors.Is(err, coinjoin.ErrArithmeticOverflow) {
		t.Fatalf("expected overflow error, got %v", err)
	}
}

func TestCheckedArithmetic(t *testing.T) {
	if _, err := MulChecked(math.MaxUint64, 2); !errors.Is(err, coinjoin.ErrArithmeticOverflow) {
		t.Fatalf("MulChecked overflow not detected: %v", err)
	}
	if _, err := AddChecked(math.MaxUint64, 1); !errors.Is(err, coinjoin.ErrArithmeticOverflow) {
		t.Fatalf("AddChecked overflow not detected: %v", err)
	}
	if _, err := SubChecked(1, 2); !errors.Is(err, coinjoin.ErrVaultUnderflow) {
		t.Fatalf("SubChecked underflow not detected: %v", err)
	}
	if v, err := MulChecked(3, 10_000_000); err != nil || v != 30_000_000 {
		t.Fatalf("MulChecked(3, 1e7) = %d, %v", v, err)
	}
}
