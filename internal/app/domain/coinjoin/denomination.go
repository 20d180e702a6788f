package coinjoin

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Supported fixed denominations in base units.
const (
	DenominationSmall      uint64 = 10_000_000
	DenominationMedium     uint64 = 100_000_000
	DenominationLarge      uint64 = 1_000_000_000
	DenominationExtraLarge uint64 = 10_000_000_000
)

var symbols = map[string]uint64{
	"10":  DenominationSmall,
	"100": DenominationMedium,
	"1K":  DenominationLarge,
	"10K": DenominationExtraLarge,
}

// ParseSymbol resolves a denomination symbol ("10", "1K", ...) or a decimal
// base-unit amount.
func ParseSymbol(symbol string) (uint64, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return 0, fmt.Errorf("%w: empty denomination", ErrUnsupportedDenomination)
	}
	if amount, ok := symbols[symbol]; ok {
		return amount, nil
	}
	amount, err := strconv.ParseUint(symbol, 10, 64)
	if err != nil || amount == 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedDenomination, symbol)
	}
	return amount, nil
}

// Symbol returns the short symbol of a supported denomination, or the decimal
// amount for any other value.
func Symbol(amount uint64) string {
	for sym, v := range symbols {
		if v == amount {
			return sym
		}
	}
	return strconv.FormatUint(amount, 10)
}

// IsSupportedDenomination reports whether amount is one of the fixed
// denominations.
func IsSupportedDenomination(amount uint64) bool {
	for _, v := range symbols {
		if v == amount {
			return true
		}
	}
	return false
}

// SupportedDenominations returns the fixed denominations in ascending order.
func SupportedDenominations() []uint64 {
	out := make([]uint64, 0, len(symbols))
	for _, v := range symbols {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
